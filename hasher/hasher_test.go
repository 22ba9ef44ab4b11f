package hasher

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

const helloSHA256 = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hash-test")
	if err := os.WriteFile(path, []byte("hello world"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	hashes, err := File(path, SHA256, BLAKE3, SHA256)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hashes[SHA256] != helloSHA256 {
		t.Errorf("sha256 mismatch: %s", hashes[SHA256])
	}
	if len(hashes[BLAKE3]) != 64 {
		t.Errorf("unexpected blake3 digest: %s", hashes[BLAKE3])
	}
	if len(hashes) != 2 {
		t.Errorf("expected duplicate algorithms to collapse, got %v", hashes)
	}
}

func TestSumMatchesBytes(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 200000)
	hashes, n, err := Sum(bytes.NewReader(data), int64(len(data)), BLAKE3)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("expected %d bytes, got %d", len(data), n)
	}
	direct, err := Bytes(data, BLAKE3)
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if hashes[BLAKE3] != direct {
		t.Fatalf("streaming and direct digests differ: %s vs %s", hashes[BLAKE3], direct)
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	if _, _, err := Sum(bytes.NewReader(nil), 0, "md5"); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
	if _, err := File(filepath.Join(t.TempDir(), "missing"), SHA256); err == nil {
		t.Fatal("expected error for missing file")
	}
}
