package update

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrVerification marks a bundle whose signature or checksums do not hold.
var ErrVerification = errors.New("signature bundle verification failed")

// RuleMetadata describes one rule shipped in a bundle.
type RuleMetadata struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Provenance  string     `json:"provenance"`
	ABBucket    string     `json:"ab_bucket,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Tags        []string   `json:"tags"`
}

// Bundle is the signed unit. Checksum is the sha256 of Source.
type Bundle struct {
	Version  string                  `json:"version"`
	Rules    map[string]RuleMetadata `json:"rules"`
	Source   string                  `json:"source"`
	Checksum string                  `json:"checksum"`
}

// SignedBundle is the document served by an update source. Signature is
// the ed25519 signature over the canonical JSON encoding of Bundle.
type SignedBundle struct {
	BundleChecksum string `json:"bundle_checksum"`
	Bundle         Bundle `json:"bundle"`
	Signature      []byte `json:"signature"`
}

// Canonical returns the bytes the signature covers.
func (b *Bundle) Canonical() ([]byte, error) {
	return json.Marshal(b)
}

// SourceChecksum hashes rule source text the way Bundle.Checksum does.
func SourceChecksum(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Expired lists rules whose expiry is before now.
func (b *Bundle) Expired(now time.Time) []string {
	var ids []string
	for id, meta := range b.Rules {
		if meta.ExpiresAt != nil && meta.ExpiresAt.Before(now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// ParsePublicKey accepts a base64 or hex encoded ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		raw, err = hex.DecodeString(encoded)
	}
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes of base64 or hex", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks the signature, then both checksums.
func Verify(signed *SignedBundle, key ed25519.PublicKey) error {
	if signed == nil {
		return fmt.Errorf("%w: empty document", ErrVerification)
	}
	if len(signed.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrVerification, ed25519.SignatureSize, len(signed.Signature))
	}
	msg, err := signed.Bundle.Canonical()
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, msg, signed.Signature) {
		return fmt.Errorf("%w: bad signature for version %s", ErrVerification, signed.Bundle.Version)
	}
	if !strings.EqualFold(signed.Bundle.Checksum, signed.BundleChecksum) {
		return fmt.Errorf("%w: bundle checksum mismatch", ErrVerification)
	}
	if !strings.EqualFold(SourceChecksum(signed.Bundle.Source), signed.Bundle.Checksum) {
		return fmt.Errorf("%w: rule source checksum mismatch", ErrVerification)
	}
	return nil
}

// Sign produces a SignedBundle. It is used by tooling that publishes
// bundles and by tests.
func Sign(b Bundle, key ed25519.PrivateKey) (*SignedBundle, error) {
	b.Checksum = SourceChecksum(b.Source)
	msg, err := b.Canonical()
	if err != nil {
		return nil, err
	}
	return &SignedBundle{
		BundleChecksum: b.Checksum,
		Bundle:         b,
		Signature:      ed25519.Sign(key, msg),
	}, nil
}
