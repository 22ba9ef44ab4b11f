//go:build linux

package monitor

import "aegis/logger"

// NewSource opens the event source for mode. A permission source that
// cannot be initialized falls back to audit-only; inotify falls back to
// polling.
func NewSource(mode Mode, opts Options) (Source, error) {
	if mode == Permission {
		src, err := NewFanotifySource(opts)
		if err == nil {
			return src, nil
		}
		logger.Errorf("fanotify unavailable, continuing in audit-only mode: %v", err)
	}
	src, err := NewInotifySource(opts)
	if err == nil {
		return src, nil
	}
	logger.Warnf("inotify unavailable, falling back to polling: %v", err)
	return NewPollSource(opts)
}
