//go:build linux

package monitor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"aegis/logger"
)

const (
	inotifyBufferSize = 64 * 1024
	inotifyDirMask    = unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_CREATE | unix.IN_ONLYDIR
	inotifyFileMask   = unix.IN_CLOSE_WRITE
)

type watch struct {
	path  string
	depth int
	dir   bool
}

// InotifySource reports completed writes without blocking anyone. New
// directories are watched as they appear, up to opts.MaxDepth.
type InotifySource struct {
	fd   int
	opts Options

	mu      sync.Mutex
	watches map[int]watch

	closeOnce sync.Once
	closeErr  error
}

func NewInotifySource(opts Options) (*InotifySource, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, &EventSourceError{Source: "inotify", Err: err}
	}
	s := &InotifySource{fd: fd, opts: opts, watches: map[int]watch{}}

	registered := 0
	for _, path := range opts.Paths {
		n, err := s.addTree(path, 0)
		if err != nil {
			logger.Warnf("Failed to watch %s: %v", path, err)
		}
		if n > 0 {
			logger.Infof("Watching path (audit-only): %s", path)
			registered++
		}
	}
	if registered == 0 {
		unix.Close(fd)
		return nil, &EventSourceError{Source: "inotify", Err: errors.New("no path could be watched")}
	}
	return s, nil
}

// addTree watches path and, for directories, its subdirectories down to
// MaxDepth. It returns the number of watches added.
func (s *InotifySource) addTree(path string, depth int) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		if err := s.add(path, depth, false); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err := s.add(path, depth, true); err != nil {
		return 0, err
	}
	added := 1
	if depth >= s.opts.MaxDepth {
		return added, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return added, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := s.addTree(filepath.Join(path, entry.Name()), depth+1)
		if err != nil {
			logger.Debugf("Skipping watch on %s: %v", filepath.Join(path, entry.Name()), err)
		}
		added += n
	}
	return added, nil
}

func (s *InotifySource) add(path string, depth int, dir bool) error {
	mask := uint32(inotifyFileMask)
	if dir {
		mask = inotifyDirMask
	}
	wd, err := unix.InotifyAddWatch(s.fd, path, mask)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.watches[wd] = watch{path: path, depth: depth, dir: dir}
	s.mu.Unlock()
	return nil
}

func (s *InotifySource) lookup(wd int) (watch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[wd]
	return w, ok
}

func (s *InotifySource) forget(wd int) {
	s.mu.Lock()
	delete(s.watches, wd)
	s.mu.Unlock()
}

// Watches returns the number of active watches.
func (s *InotifySource) Watches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

func (s *InotifySource) Mode() Mode { return AuditOnly }

func (s *InotifySource) Run(ctx context.Context, events chan<- *Event) error {
	buf := make([]byte, inotifyBufferSize)
	timeout := int(s.opts.pollInterval().Milliseconds())
	hk := newHousekeeper(s.opts)
	for {
		if ctx.Err() != nil {
			return nil
		}
		hk.maybeRun(time.Now())
		fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, timeout)
		if err != nil && err != unix.EINTR {
			return &EventSourceError{Source: "inotify", Err: err}
		}
		if n <= 0 {
			continue
		}
		read, err := readWithRetry(ctx, "inotify", func() (int, error) {
			n, err := unix.Read(s.fd, buf)
			if err == unix.EAGAIN || err == unix.EINTR {
				return 0, nil
			}
			return n, err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Errorf("inotify read failed: %v", err)
			continue
		}
		for _, ev := range s.decode(buf[:read]) {
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// decode turns a batch of raw inotify records into events, adding watches
// for directories created under a watched tree.
func (s *InotifySource) decode(batch []byte) []*Event {
	var out []*Event
	for len(batch) >= unix.SizeofInotifyEvent {
		wd := int(int32(binary.NativeEndian.Uint32(batch[0:4])))
		mask := binary.NativeEndian.Uint32(batch[4:8])
		nameLen := int(binary.NativeEndian.Uint32(batch[12:16]))
		end := unix.SizeofInotifyEvent + nameLen
		if end > len(batch) {
			logger.Errorf("Malformed inotify record length %d", nameLen)
			break
		}
		name := string(bytes.TrimRight(batch[unix.SizeofInotifyEvent:end], "\x00"))
		batch = batch[end:]

		if mask&unix.IN_Q_OVERFLOW != 0 {
			logger.Warn("inotify event queue overflowed; events were lost")
			continue
		}
		if mask&unix.IN_IGNORED != 0 {
			s.forget(wd)
			continue
		}
		w, ok := s.lookup(wd)
		if !ok {
			continue
		}
		path := w.path
		if name != "" {
			path = filepath.Join(w.path, name)
		}

		if mask&unix.IN_ISDIR != 0 {
			if mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 && w.depth < s.opts.MaxDepth {
				if _, err := s.addTree(path, w.depth+1); err != nil {
					logger.Debugf("Failed to watch new directory %s: %v", path, err)
				}
			}
			continue
		}
		if mask&(unix.IN_CLOSE_WRITE|unix.IN_MOVED_TO) != 0 {
			out = append(out, NewEvent(path, 0, Modify, nil, nil))
		}
	}
	return out
}

func (s *InotifySource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = unix.Close(s.fd)
	})
	return s.closeErr
}
