//go:build linux

package monitor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"aegis/logger"
)

const (
	fanotifyBufferSize   = 64 * 1024
	fanotifyMetadataSize = 24
	fanotifyPermMask     = unix.FAN_OPEN_PERM | unix.FAN_OPEN_EXEC_PERM
	fanotifyMask         = fanotifyPermMask | unix.FAN_CLOSE_WRITE
)

// FanotifySource intercepts opens and executions with fanotify permission
// events. Each permission event blocks the caller until it is answered.
type FanotifySource struct {
	fd      int
	opts    Options
	selfPID int32

	closeOnce sync.Once
	closeErr  error
}

// NewFanotifySource initializes a content-class fanotify group and marks
// opts.Paths. Paths that cannot be marked are logged and skipped.
func NewFanotifySource(opts Options) (*FanotifySource, error) {
	fd, err := unix.FanotifyInit(unix.FAN_CLASS_CONTENT|unix.FAN_CLOEXEC|unix.FAN_NONBLOCK, unix.O_RDONLY|unix.O_CLOEXEC)
	if err != nil {
		return nil, &EventSourceError{Source: "fanotify", Err: err}
	}
	s := &FanotifySource{fd: fd, opts: opts, selfPID: int32(os.Getpid())}

	marked := 0
	for _, path := range opts.Paths {
		if err := s.mark(path); err != nil {
			logger.Warnf("Failed to mark %s for fanotify: %v", path, err)
			continue
		}
		logger.Infof("Monitoring path (permission): %s", path)
		marked++
	}
	if marked == 0 {
		unix.Close(fd)
		return nil, &EventSourceError{Source: "fanotify", Err: errors.New("no path could be marked")}
	}
	return s, nil
}

func (s *FanotifySource) mark(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	flags := uint(unix.FAN_MARK_ADD)
	mask := uint64(fanotifyMask)
	switch {
	case s.opts.Mount:
		flags |= unix.FAN_MARK_MOUNT
	case info.IsDir():
		mask |= unix.FAN_EVENT_ON_CHILD
	}
	return unix.FanotifyMark(s.fd, flags, mask, unix.AT_FDCWD, path)
}

func (s *FanotifySource) Mode() Mode { return Permission }

func (s *FanotifySource) Run(ctx context.Context, events chan<- *Event) error {
	buf := make([]byte, fanotifyBufferSize)
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
			return &EventSourceError{Source: "fanotify", Err: err}
		}
		if n <= 0 {
			continue
		}

		read, err := readWithRetry(ctx, "fanotify", func() (int, error) {
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
			logger.Errorf("fanotify read failed: %v", err)
			continue
		}
		if err := s.dispatch(ctx, buf[:read], events); err != nil {
			return nil
		}
	}
}

// dispatch decodes a batch of metadata records. It returns ctx.Err() once
// shutdown starts; undelivered permission events are allowed.
func (s *FanotifySource) dispatch(ctx context.Context, batch []byte, events chan<- *Event) error {
	for len(batch) >= fanotifyMetadataSize {
		meta, rest, ok := nextFanotifyRecord(batch)
		batch = rest
		if !ok {
			logger.Errorf("Malformed fanotify record length %d", meta.Event_len)
			s.releaseRaw(meta)
			continue
		}

		if meta.Vers != unix.FANOTIFY_METADATA_VERSION {
			logger.Errorf("Unsupported fanotify metadata version %d", meta.Vers)
			s.releaseRaw(meta)
			continue
		}
		if meta.Mask&unix.FAN_Q_OVERFLOW != 0 {
			logger.Warn("fanotify event queue overflowed; events were lost")
		}
		if meta.Fd < 0 {
			continue
		}

		ev := s.newEvent(meta)
		if meta.Pid == s.selfPID {
			s.release(ev)
			continue
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			s.release(ev)
			return ctx.Err()
		}
	}
	return nil
}

// nextFanotifyRecord decodes the record at the head of batch. A record
// whose length is out of range is reported with ok false and skipped by
// one metadata header, which is the length of every record this group
// receives.
func nextFanotifyRecord(batch []byte) (meta unix.FanotifyEventMetadata, rest []byte, ok bool) {
	meta = unix.FanotifyEventMetadata{
		Event_len:    binary.NativeEndian.Uint32(batch[0:4]),
		Vers:         batch[4],
		Reserved:     batch[5],
		Metadata_len: binary.NativeEndian.Uint16(batch[6:8]),
		Mask:         binary.NativeEndian.Uint64(batch[8:16]),
		Fd:           int32(binary.NativeEndian.Uint32(batch[16:20])),
		Pid:          int32(binary.NativeEndian.Uint32(batch[20:24])),
	}
	if meta.Event_len < fanotifyMetadataSize || int(meta.Event_len) > len(batch) {
		return meta, batch[fanotifyMetadataSize:], false
	}
	return meta, batch[meta.Event_len:], true
}

// releaseRaw answers and closes the fd of a record that is not turned
// into an Event.
func (s *FanotifySource) releaseRaw(meta unix.FanotifyEventMetadata) {
	if meta.Fd < 0 {
		return
	}
	fd := int(meta.Fd)
	if meta.Mask&fanotifyPermMask != 0 {
		if err := s.writeResponse(fd, Allow); err != nil {
			logger.Errorf("Failed to allow fd %d: %v", fd, err)
		}
	}
	unix.Close(fd)
}

func (s *FanotifySource) newEvent(meta unix.FanotifyEventMetadata) *Event {
	fd := int(meta.Fd)
	path, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(fd))
	if err != nil {
		path = fmt.Sprintf("<fd %d>", fd)
	}
	kind := Modify
	switch {
	case meta.Mask&unix.FAN_OPEN_EXEC_PERM != 0:
		kind = Execute
	case meta.Mask&unix.FAN_OPEN_PERM != 0:
		kind = Open
	}
	var respond func(Response) error
	if meta.Mask&fanotifyPermMask != 0 {
		respond = func(r Response) error { return s.writeResponse(fd, r) }
	}
	return NewEvent(path, meta.Pid, kind, os.NewFile(uintptr(fd), path), respond)
}

// release allows and closes an event that will not reach the dispatcher.
func (s *FanotifySource) release(ev *Event) {
	if ev.CanBlock() {
		if err := ev.Respond(Allow); err != nil {
			logger.Errorf("Failed to allow %s: %v", ev.Path, err)
		}
	}
	ev.Close()
}

func (s *FanotifySource) writeResponse(fd int, r Response) error {
	verdict := uint32(unix.FAN_ALLOW)
	if r == Deny {
		verdict = unix.FAN_DENY
	}
	var msg [8]byte
	binary.NativeEndian.PutUint32(msg[0:4], uint32(int32(fd)))
	binary.NativeEndian.PutUint32(msg[4:8], verdict)
	if _, err := unix.Write(s.fd, msg[:]); err != nil {
		return &EventSourceError{Source: "fanotify", Err: fmt.Errorf("writing response: %w", err)}
	}
	return nil
}

// Close closes the group. The kernel allows any event still pending.
func (s *FanotifySource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = unix.Close(s.fd)
	})
	return s.closeErr
}
