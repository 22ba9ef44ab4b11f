package monitor

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"aegis/logger"
)

type fileStamp struct {
	size    int64
	modTime int64
}

// PollSource is the portable audit-only fallback. It rescans its paths
// every PollInterval and reports files that appeared or changed.
type PollSource struct {
	opts     Options
	snapshot map[string]fileStamp
}

func NewPollSource(opts Options) (*PollSource, error) {
	s := &PollSource{opts: opts}
	usable := 0
	for _, path := range opts.Paths {
		if _, err := os.Stat(path); err != nil {
			logger.Warnf("Failed to watch %s: %v", path, err)
			continue
		}
		logger.Infof("Polling path (audit-only): %s", path)
		usable++
	}
	if usable == 0 {
		return nil, &EventSourceError{Source: "poll", Err: fs.ErrNotExist}
	}
	s.snapshot = s.scan()
	return s, nil
}

func (s *PollSource) Mode() Mode { return AuditOnly }

func (s *PollSource) Run(ctx context.Context, events chan<- *Event) error {
	ticker := time.NewTicker(s.opts.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if s.opts.Housekeeping != nil {
			s.opts.Housekeeping()
		}
		for _, ev := range s.diff() {
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// diff rescans and returns events for new or modified files.
func (s *PollSource) diff() []*Event {
	current := s.scan()
	var out []*Event
	for path, stamp := range current {
		prev, ok := s.snapshot[path]
		if ok && prev == stamp {
			continue
		}
		out = append(out, NewEvent(path, 0, Modify, nil, nil))
	}
	s.snapshot = current
	return out
}

func (s *PollSource) scan() map[string]fileStamp {
	stamps := map[string]fileStamp{}
	for _, root := range s.opts.Paths {
		rootDepth := depthOf(root)
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if path != root && depthOf(path)-rootDepth > s.opts.MaxDepth {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			stamps[path] = fileStamp{size: info.Size(), modTime: info.ModTime().UnixNano()}
			return nil
		})
	}
	return stamps
}

func depthOf(path string) int {
	clean := filepath.Clean(path)
	depth := 0
	for _, c := range clean {
		if c == filepath.Separator {
			depth++
		}
	}
	return depth
}

func (s *PollSource) Close() error { return nil }
