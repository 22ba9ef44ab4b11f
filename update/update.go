// Package update fetches signed rule bundles and installs them into the
// local rule cache.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"aegis/config"
	"aegis/logger"
	"aegis/rules"
	"aegis/version"

	"github.com/cenkalti/backoff/v5"
)

const maxBundleSize = 32 << 20

// Result reports what happened for one source.
type Result struct {
	Source  string `json:"source"`
	Version string `json:"version"`
	Path    string `json:"path"`
	Rules   int    `json:"rules"`
	Changed bool   `json:"changed"`
	Err     error  `json:"-"`
}

// Manifest is written next to each installed rule file.
type Manifest struct {
	Source      string                  `json:"source"`
	URL         string                  `json:"url"`
	Version     string                  `json:"version"`
	Checksum    string                  `json:"checksum"`
	Rules       map[string]RuleMetadata `json:"rules"`
	InstalledAt time.Time               `json:"installed_at"`
}

type Updater struct {
	client   *http.Client
	sources  []config.SignatureSource
	store    *rules.Store
	maxTries uint
	backoff  func() backoff.BackOff
}

// New returns an updater for sources. store may be nil; when set it is
// reloaded after any bundle changes.
func New(sources []config.SignatureSource, timeout time.Duration, store *rules.Store) *Updater {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Updater{
		client:   &http.Client{Timeout: timeout},
		sources:  sources,
		store:    store,
		maxTries: 4,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

// Update fetches every source. A failing source leaves its previous cache
// in place and does not stop the others.
func (u *Updater) Update(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, len(u.sources))
	var errs []error
	changed := false
	for _, src := range u.sources {
		res := u.updateSource(ctx, src)
		if res.Err != nil {
			logger.Errorf("Signature update from %s failed: %v", src.Name, res.Err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name, res.Err))
		} else if res.Changed {
			changed = true
			logger.Infof("Installed %s bundle %s (%d rules)", src.Name, res.Version, res.Rules)
		} else {
			logger.Infof("%s bundle %s is current", src.Name, res.Version)
		}
		results = append(results, res)
	}
	if changed && u.store != nil {
		for _, res := range results {
			if res.Err == nil {
				u.store.AddPath(res.Path)
			}
		}
		u.store.Reload()
	}
	return results, errors.Join(errs...)
}

func (u *Updater) updateSource(ctx context.Context, src config.SignatureSource) Result {
	res := Result{Source: src.Name, Path: src.LocalCache}
	if src.LocalCache == "" {
		res.Err = errors.New("no local cache path")
		return res
	}
	key, err := ParsePublicKey(src.PublicKey)
	if err != nil {
		res.Err = err
		return res
	}
	signed, err := u.fetch(ctx, src)
	if err != nil {
		res.Err = err
		return res
	}
	res.Version = signed.Bundle.Version
	if err := Verify(signed, key); err != nil {
		res.Err = err
		return res
	}
	corpus, err := rules.Compile(src.Name, signed.Bundle.Source)
	if err != nil {
		res.Err = fmt.Errorf("bundle %s does not compile: %w", signed.Bundle.Version, err)
		return res
	}
	res.Rules = corpus.Len()
	if expired := signed.Bundle.Expired(time.Now()); len(expired) > 0 {
		logger.Warnf("Bundle %s from %s carries %d expired rules", signed.Bundle.Version, src.Name, len(expired))
	}

	if m, err := ReadManifest(src.LocalCache); err == nil && m.Checksum == signed.Bundle.Checksum {
		if _, statErr := os.Stat(src.LocalCache); statErr == nil {
			return res
		}
	}
	if err := install(src, &signed.Bundle); err != nil {
		res.Err = err
		return res
	}
	res.Changed = true
	return res
}

func (u *Updater) fetch(ctx context.Context, src config.SignatureSource) (*SignedBundle, error) {
	op := func() (*SignedBundle, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "aegis/"+version.Version)
		resp, err := u.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("unexpected status: %s", resp.Status)
		default:
			return nil, backoff.Permanent(fmt.Errorf("unexpected status: %s", resp.Status))
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleSize+1))
		if err != nil {
			return nil, err
		}
		if len(body) > maxBundleSize {
			return nil, backoff.Permanent(fmt.Errorf("bundle exceeds %d bytes", maxBundleSize))
		}
		var signed SignedBundle
		if err := json.Unmarshal(body, &signed); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decoding bundle: %w", err))
		}
		return &signed, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(u.backoff()),
		backoff.WithMaxTries(u.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnf("Fetching %s failed, retrying in %s: %v", src.Name, next, err)
		}),
	)
}

func install(src config.SignatureSource, b *Bundle) error {
	dir := filepath.Dir(src.LocalCache)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	if err := writeAtomic(src.LocalCache, []byte(b.Source)); err != nil {
		return err
	}
	m := Manifest{
		Source:      src.Name,
		URL:         src.URL,
		Version:     b.Version,
		Checksum:    b.Checksum,
		Rules:       b.Rules,
		InstalledAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(manifestPath(src.LocalCache), data)
}

func manifestPath(cache string) string {
	return cache + ".json"
}

// ReadManifest loads the manifest written next to an installed cache file.
func ReadManifest(cache string) (*Manifest, error) {
	data, err := os.ReadFile(manifestPath(cache))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest for %s: %w", cache, err)
	}
	return &m, nil
}

// VerifyCache checks that an installed rule file still matches the
// checksum recorded when it was installed.
func VerifyCache(src config.SignatureSource) (*Manifest, error) {
	m, err := ReadManifest(src.LocalCache)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src.LocalCache)
	if err != nil {
		return m, err
	}
	if SourceChecksum(string(data)) != m.Checksum {
		return m, fmt.Errorf("%w: %s was modified after install", ErrVerification, src.LocalCache)
	}
	return m, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".update-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0640); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
