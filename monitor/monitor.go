package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Mode is the interception capability of a run. It is chosen once.
type Mode int

const (
	AuditOnly Mode = iota
	Permission
)

func (m Mode) String() string {
	if m == Permission {
		return "permission"
	}
	return "audit-only"
}

// Response answers a permission event.
type Response int

const (
	Allow Response = iota
	Deny
)

func (r Response) String() string {
	if r == Deny {
		return "deny"
	}
	return "allow"
}

type EventKind int

const (
	Open EventKind = iota
	Execute
	Modify
)

func (k EventKind) String() string {
	switch k {
	case Execute:
		return "execute"
	case Modify:
		return "modify"
	default:
		return "open"
	}
}

// State tracks an event through the dispatcher. It only moves forward.
type State int32

const (
	Received State = iota
	Scanning
	Decided
	Responded
)

func (s State) String() string {
	switch s {
	case Scanning:
		return "scanning"
	case Decided:
		return "decided"
	case Responded:
		return "responded"
	default:
		return "received"
	}
}

var (
	// ErrAlreadyResponded is returned by every Respond call after the first.
	ErrAlreadyResponded = errors.New("event already responded")
	// ErrCannotBlock is returned when responding to an audit-only event.
	ErrCannotBlock = errors.New("event has no blocking power")
)

// Event is one observed file access. It must be consumed exactly once.
type Event struct {
	ID       uint64
	Path     string
	PID      int32
	FD       int
	Kind     EventKind
	Received time.Time

	file    *os.File
	respond func(Response) error
	once    sync.Once
	state   atomic.Int32
	process processInfo
}

var eventSeq atomic.Uint64

// NewEvent builds an event. respond is nil for events that cannot block
// the accessing process; file, when set, is owned by the event.
func NewEvent(path string, pid int32, kind EventKind, file *os.File, respond func(Response) error) *Event {
	fd := -1
	if file != nil {
		fd = int(file.Fd())
	}
	return &Event{
		ID:       eventSeq.Add(1),
		Path:     path,
		PID:      pid,
		FD:       fd,
		Kind:     kind,
		Received: time.Now(),
		file:     file,
		respond:  respond,
	}
}

// File returns the descriptor the kernel handed over, if any.
func (e *Event) File() *os.File { return e.file }

func (e *Event) CanBlock() bool { return e.respond != nil }

// Respond delivers the response. Only the first call has any effect.
func (e *Event) Respond(r Response) error {
	if e.respond == nil {
		return ErrCannotBlock
	}
	err := ErrAlreadyResponded
	e.once.Do(func() {
		err = e.respond(r)
		e.Advance(Responded)
	})
	return err
}

// Responded reports whether a response has been delivered.
func (e *Event) Responded() bool {
	return e.State() == Responded
}

func (e *Event) State() State {
	return State(e.state.Load())
}

// Advance moves the event to s if s is later than the current state.
func (e *Event) Advance(s State) bool {
	for {
		cur := e.state.Load()
		if int32(s) <= cur {
			return false
		}
		if e.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

// Close releases the event descriptor.
func (e *Event) Close() error {
	if e.file == nil {
		return nil
	}
	return e.file.Close()
}

// Source produces events until its context is cancelled. Run may be called
// once. Close must be called after the last Respond.
type Source interface {
	Mode() Mode
	Run(ctx context.Context, events chan<- *Event) error
	Close() error
}

// EventSourceError reports a failure of the kernel event interface.
type EventSourceError struct {
	Source string
	Path   string
	Err    error
}

func (e *EventSourceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Path, e.Err)
}

func (e *EventSourceError) Unwrap() error { return e.Err }

// Options configures a Source.
type Options struct {
	Paths []string
	// Mount marks whole mounts instead of each path (permission mode).
	Mount bool
	// MaxDepth limits recursive directory watches (audit mode).
	MaxDepth int
	// PollInterval bounds how long the read loop waits for events. It is
	// also the PollSource scan interval.
	PollInterval time.Duration
	// Housekeeping, when set, runs on the read loop once per PollInterval.
	Housekeeping func()
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval <= 0 {
		return 2 * time.Second
	}
	return o.PollInterval
}

// ParseMode maps a configured mode name. "auto" and "" return ok=false.
func ParseMode(name string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "permission":
		return Permission, true
	case "audit", "audit-only", "auditonly":
		return AuditOnly, true
	}
	return AuditOnly, false
}

type housekeeper struct {
	fn    func()
	every time.Duration
	last  time.Time
}

func newHousekeeper(opts Options) *housekeeper {
	return &housekeeper{fn: opts.Housekeeping, every: opts.pollInterval(), last: time.Now()}
}

func (h *housekeeper) maybeRun(now time.Time) {
	if h.fn == nil || now.Sub(h.last) < h.every {
		return
	}
	h.last = now
	h.fn()
}
