package scanner

import (
	"errors"
	"io"
	"os"

	"golang.org/x/exp/mmap"
)

const streamChunkSize = 256 * 1024

var openMmapReader = mmap.Open

// sample is the bounded prefix of a file that the pipeline inspects.
type sample struct {
	data      []byte
	fileSize  int64
	truncated bool
}

// readSample reads at most limit bytes of path. Files of at least
// mmapMinSize bytes are mapped in auto mode; a failed mapping falls back to
// streaming.
func readSample(path string, limit int64, mode string, mmapMinSize int64) (sample, error) {
	info, err := os.Stat(path)
	if err != nil {
		return sample{}, &IOError{Path: path, Op: "stat", Err: err}
	}
	if info.IsDir() {
		return sample{}, &IOError{Path: path, Op: "read", Err: errors.New("is a directory")}
	}
	if !info.Mode().IsRegular() {
		mode = "stream"
	}

	switch mode {
	case "mmap":
		return readSampleMmap(path, limit)
	case "auto":
		if info.Size() >= mmapMinSize && info.Size() > 0 {
			s, err := readSampleMmap(path, limit)
			if err == nil {
				return s, nil
			}
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return sample{}, &IOError{Path: path, Op: "open", Err: err}
	}
	defer file.Close()
	return readSampleFile(file, limit)
}

func readSampleMmap(path string, limit int64) (sample, error) {
	r, err := openMmapReader(path)
	if err != nil {
		return sample{}, &IOError{Path: path, Op: "mmap", Err: err}
	}
	defer r.Close()

	size := int64(r.Len())
	readSize := min(size, limit)
	buf := make([]byte, readSize)
	if readSize > 0 {
		if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
			return sample{}, &IOError{Path: path, Op: "read", Err: err}
		}
	}
	return sample{data: buf, fileSize: size, truncated: size > limit}, nil
}

// readSampleFile reads from offset zero of an already open file without
// moving its offset, so descriptors handed over by the kernel can be read
// as they are.
func readSampleFile(file *os.File, limit int64) (sample, error) {
	size := int64(-1)
	if info, err := file.Stat(); err == nil {
		if info.IsDir() {
			return sample{}, &IOError{Path: file.Name(), Op: "read", Err: errors.New("is a directory")}
		}
		if info.Mode().IsRegular() {
			size = info.Size()
		}
	}

	capHint := limit
	if size >= 0 && size < capHint {
		capHint = size
	}
	content, err := readContentChunks(io.NewSectionReader(file, 0, limit), make([]byte, 0, capHint), limit)
	if err != nil {
		return sample{}, &IOError{Path: file.Name(), Op: "read", Err: err}
	}
	s := sample{data: content, fileSize: size}
	if size < 0 {
		s.fileSize = int64(len(content))
	}
	s.truncated = s.fileSize > limit
	return s, nil
}

func readContentChunks(r io.Reader, content []byte, maxSize int64) ([]byte, error) {
	buffer := make([]byte, min(int64(streamChunkSize), max(maxSize, 1)))
	var total int64
	for total < maxSize {
		want := min(int64(len(buffer)), maxSize-total)
		n, err := r.Read(buffer[:want])
		if n > 0 {
			content = append(content, buffer[:n]...)
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	return content, nil
}
