// Package quarantine keeps encrypted copies of detected files so they can
// be inspected or restored later. Originals are never deleted here.
package quarantine

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"aegis/hasher"
	"aegis/logger"

	"github.com/djherbis/times"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// MaxFileSize bounds what Quarantine reads into memory.
const MaxFileSize = 512 << 20

const blobDir = "blobs"

var (
	// ErrIntegrity reports a blob that fails authentication or whose
	// decrypted content does not match the recorded digests.
	ErrIntegrity = errors.New("quarantine integrity check failed")
	ErrNotFound  = errors.New("quarantine record not found")
)

// Record is the JSON sidecar stored next to each blob.
type Record struct {
	ID           string      `json:"id"`
	OriginalPath string      `json:"original_path"`
	SHA256       string      `json:"sha256"`
	BLAKE3       string      `json:"blake3"`
	Size         int64       `json:"size"`
	Timestamp    time.Time   `json:"timestamp"`
	ModTime      time.Time   `json:"mod_time"`
	AccessTime   time.Time   `json:"access_time"`
	ChangeTime   time.Time   `json:"change_time,omitzero"`
	BirthTime    time.Time   `json:"birth_time,omitzero"`
	Mode         fs.FileMode `json:"mode"`
}

// Manager owns one quarantine directory.
type Manager struct {
	root string
	aead cipher.AEAD
	mu   sync.Mutex
}

// Open prepares root and returns a manager using the 32 byte key.
func Open(root string, key []byte) (*Manager, error) {
	if root == "" {
		return nil, errors.New("quarantine root is empty")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("quarantine key: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, blobDir), 0700); err != nil {
		return nil, fmt.Errorf("creating quarantine root: %w", err)
	}
	return &Manager{root: root, aead: aead}, nil
}

func (m *Manager) Root() string { return m.root }

// Quarantine stores an encrypted copy of path and its sidecar record.
// Identical content shares one blob.
func (m *Manager) Quarantine(path string) (*Record, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return m.QuarantineFile(abs, f)
}

// QuarantineFile is Quarantine for a file the caller already holds open.
// Content is read with positioned reads, so the file is never reopened and
// its offset is unchanged. path is recorded as the original location.
func (m *Manager) QuarantineFile(path string, f *os.File) (*Record, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("quarantine %s: path must be absolute", path)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("quarantine %s: not a regular file", path)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("quarantine %s: file exceeds %d bytes", path, MaxFileSize)
	}

	data, err := readLimited(path, f, MaxFileSize)
	if err != nil {
		return nil, err
	}
	digests, _, err := hasher.Sum(bytes.NewReader(data), int64(len(data)), hasher.SHA256, hasher.BLAKE3)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:           uuid.NewString(),
		OriginalPath: path,
		SHA256:       digests[hasher.SHA256],
		BLAKE3:       digests[hasher.BLAKE3],
		Size:         int64(len(data)),
		Timestamp:    time.Now().UTC(),
		ModTime:      info.ModTime().UTC(),
		Mode:         info.Mode().Perm(),
	}
	if ts, err := times.StatFile(f); err == nil {
		rec.AccessTime = ts.AccessTime().UTC()
		if ts.HasChangeTime() {
			rec.ChangeTime = ts.ChangeTime().UTC()
		}
		if ts.HasBirthTime() {
			rec.BirthTime = ts.BirthTime().UTC()
		}
	} else {
		logger.Debugf("Reading timestamps of %s: %v", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeBlob(rec.BLAKE3, data); err != nil {
		return nil, err
	}
	if err := m.writeRecord(rec); err != nil {
		return nil, err
	}
	logger.Infof("Quarantined %s as %s", path, rec.ID)
	return rec, nil
}

func readLimited(path string, f *os.File, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.NewSectionReader(f, 0, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("quarantine %s: file grew past %d bytes", path, limit)
	}
	return data, nil
}

func (m *Manager) blobPath(digest string) string {
	return filepath.Join(m.root, blobDir, digest)
}

func (m *Manager) recordPath(id string) string {
	return filepath.Join(m.root, id+".json")
}

// writeBlob seals data with a random nonce. The content address is the
// associated data, so a blob copied under another name fails to open.
func (m *Manager) writeBlob(digest string, data []byte) error {
	path := m.blobPath(digest)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	nonce := make([]byte, m.aead.NonceSize(), m.aead.NonceSize()+len(data)+m.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := m.aead.Seal(nonce, nonce, data, []byte(digest))
	return writeAtomic(path, sealed)
}

func (m *Manager) writeRecord(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(m.recordPath(rec.ID), data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Lookup loads the record with the given id.
func (m *Manager) Lookup(id string) (*Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	data, err := os.ReadFile(m.recordPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", id, err)
	}
	return &rec, nil
}

// List returns every record, oldest first. Unreadable sidecars are
// skipped with a warning.
func (m *Manager) List() ([]*Record, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := m.Lookup(strings.TrimSuffix(name, ".json"))
		if err != nil {
			logger.Warnf("Skipping quarantine record %s: %v", name, err)
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })
	return records, nil
}

// Restore decrypts rec and writes it to dest, or to the original path
// when dest is empty. Existing files are never overwritten.
func (m *Manager) Restore(rec *Record, dest string) error {
	if rec == nil {
		return ErrNotFound
	}
	if dest == "" {
		dest = rec.OriginalPath
	}
	if within(dest, m.root) {
		return fmt.Errorf("restore destination %s is inside the quarantine root", dest)
	}
	data, err := m.open(rec)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, rec.Mode.Perm()|0200)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return err
	}
	if err := os.Chmod(dest, rec.Mode.Perm()); err != nil {
		logger.Warnf("Restoring mode of %s: %v", dest, err)
	}
	atime := rec.AccessTime
	if atime.IsZero() {
		atime = rec.ModTime
	}
	if err := os.Chtimes(dest, atime, rec.ModTime); err != nil {
		logger.Warnf("Restoring timestamps of %s: %v", dest, err)
	}
	logger.Infof("Restored %s to %s", rec.ID, dest)
	return nil
}

// Verify checks that the blob behind rec decrypts to the recorded content.
func (m *Manager) Verify(rec *Record) error {
	_, err := m.open(rec)
	return err
}

func (m *Manager) open(rec *Record) ([]byte, error) {
	sealed, err := os.ReadFile(m.blobPath(rec.BLAKE3))
	if err != nil {
		return nil, err
	}
	ns := m.aead.NonceSize()
	if len(sealed) < ns+m.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob for %s is truncated", ErrIntegrity, rec.ID)
	}
	data, err := m.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(rec.BLAKE3))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIntegrity, rec.ID, err)
	}
	sum, err := hasher.Bytes(data, hasher.SHA256)
	if err != nil {
		return nil, err
	}
	if sum != rec.SHA256 || int64(len(data)) != rec.Size {
		return nil, fmt.Errorf("%w: %s: content does not match record", ErrIntegrity, rec.ID)
	}
	return data, nil
}

// Remove deletes a record, and its blob once no other record uses it.
func (m *Manager) Remove(id string) error {
	rec, err := m.Lookup(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.recordPath(id)); err != nil {
		return err
	}
	others, err := m.List()
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.BLAKE3 == rec.BLAKE3 {
			return nil
		}
	}
	if err := os.Remove(m.blobPath(rec.BLAKE3)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// within reports whether path resolves to root or below it.
func within(path, root string) bool {
	resolve := func(p string) (string, bool) {
		if r, err := filepath.EvalSymlinks(p); err == nil {
			p = r
		} else if r, err := filepath.EvalSymlinks(filepath.Dir(p)); err == nil {
			p = filepath.Join(r, filepath.Base(p))
		}
		abs, err := filepath.Abs(p)
		return abs, err == nil
	}
	absPath, ok := resolve(path)
	if !ok {
		return false
	}
	absRoot, ok := resolve(root)
	if !ok {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
