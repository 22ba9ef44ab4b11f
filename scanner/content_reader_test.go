package scanner

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/exp/mmap"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestReadSampleModeParity(t *testing.T) {
	want := []byte("hello mmap parity")
	path := writeTemp(t, "parity.txt", want)

	for _, mode := range []string{"stream", "mmap", "auto"} {
		s, err := readSample(path, int64(len(want)+10), mode, 1)
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		if !bytes.Equal(s.data, want) || s.truncated || s.fileSize != int64(len(want)) {
			t.Fatalf("%s: unexpected sample %+v", mode, s)
		}
	}
}

func TestReadSampleNeverExceedsCap(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 3*streamChunkSize+17)
	path := writeTemp(t, "big.bin", data)
	limit := int64(streamChunkSize + 5)

	for _, mode := range []string{"stream", "mmap", "auto"} {
		s, err := readSample(path, limit, mode, 1)
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		if int64(len(s.data)) != limit {
			t.Fatalf("%s: expected %d bytes, got %d", mode, limit, len(s.data))
		}
		if !s.truncated || s.fileSize != int64(len(data)) {
			t.Fatalf("%s: expected truncated sample of %d byte file, got %+v", mode, len(data), s.fileSize)
		}
	}
}

func TestReadSampleAutoFallback(t *testing.T) {
	path := writeTemp(t, "fallback.txt", []byte("fallback content"))

	originalOpen := openMmapReader
	openMmapReader = func(string) (*mmap.ReaderAt, error) {
		return nil, errors.New("forced mmap failure")
	}
	defer func() { openMmapReader = originalOpen }()

	s, err := readSample(path, 1024, "auto", 1)
	if err != nil {
		t.Fatalf("auto fallback: %v", err)
	}
	if string(s.data) != "fallback content" {
		t.Fatalf("expected stream fallback content, got %q", string(s.data))
	}
	if _, err := readSample(path, 1024, "mmap", 1); !IsIOError(err) {
		t.Fatalf("expected IOError when mmap is forced, got %v", err)
	}
}

func TestReadSampleErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := readSample(dir, 1024, "auto", 1); !IsIOError(err) {
		t.Fatalf("expected IOError for directory, got %v", err)
	}
	_, err := readSample(filepath.Join(dir, "missing"), 1024, "auto", 1)
	var ioErr *IOError
	if !errors.As(err, &ioErr) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped not-exist error, got %v", err)
	}
	if n := strings.Count(err.Error(), ioErr.Path); n != 1 {
		t.Fatalf("path appears %d times in %q", n, err.Error())
	}
}

func TestReadSampleFileKeepsOffset(t *testing.T) {
	path := writeTemp(t, "offset.txt", []byte("0123456789"))
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.Seek(4, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}

	s, err := readSampleFile(f, 6)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(s.data) != "012345" || !s.truncated {
		t.Fatalf("unexpected sample %q truncated=%v", s.data, s.truncated)
	}
	pos, _ := f.Seek(0, 1)
	if pos != 4 {
		t.Fatalf("file offset moved to %d", pos)
	}
}
