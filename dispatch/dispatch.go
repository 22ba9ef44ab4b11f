// Package dispatch turns monitor events into scan verdicts and kernel
// responses.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"aegis/config"
	"aegis/logger"
	"aegis/monitor"
	"aegis/output"
	"aegis/quarantine"
	"aegis/scanner"
	"aegis/tracing"

	"golang.org/x/time/rate"
)

// Scanner is the part of *scanner.Scanner the dispatcher needs.
type Scanner interface {
	ScanPath(ctx context.Context, path string) (*scanner.Outcome, error)
	ScanFile(ctx context.Context, name string, file *os.File) (*scanner.Outcome, error)
}

// Recorder receives one audit record per decided event.
type Recorder interface {
	WriteRecord(recordType string, payload interface{}) error
}

// Quarantiner stores denied files. QuarantineFile reads through the
// event's own descriptor; reopening a path under a fanotify mark would
// raise a permission event that this process must answer itself.
type Quarantiner interface {
	Quarantine(path string) (*quarantine.Record, error)
	QuarantineFile(path string, f *os.File) (*quarantine.Record, error)
}

type Options struct {
	// Mode is replaced by the source's mode when Run is used.
	Mode              monitor.Mode
	Workers           int
	QueueSize         int
	MaxScansPerSecond int
	AutoQuarantine    bool
	ReportInterval    time.Duration
	// Degraded marks a run that asked for permission mode but got audit.
	Degraded    bool
	Recorder    Recorder
	Quarantiner Quarantiner
	// Exclude lists paths answered with allow without being read.
	Exclude *scanner.Exclusions
}

// OptionsFromConfig maps the daemon configuration onto dispatcher options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers:           cfg.ThreadPoolSize,
		MaxScansPerSecond: cfg.MaxScansPerSecond,
		AutoQuarantine:    cfg.AutoQuarantine,
		ReportInterval:    cfg.ReportInterval,
		Exclude:           scanner.NewExclusions(cfg.ExcludePatterns),
	}
}

type Dispatcher struct {
	scanner Scanner
	opts    Options
	mode    monitor.Mode
	limiter *rate.Limiter
	stats   stats

	queue atomic.Pointer[chan *monitor.Event]

	pendingMu sync.Mutex
	pending   map[uint64]*monitor.Event
}

func New(s Scanner, opts Options) (*Dispatcher, error) {
	if s == nil {
		return nil, errors.New("dispatcher requires a scanner")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = max(opts.Workers*4, 64)
	}
	d := &Dispatcher{
		scanner: s,
		opts:    opts,
		mode:    opts.Mode,
		pending: make(map[uint64]*monitor.Event),
	}
	if opts.MaxScansPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.MaxScansPerSecond), opts.MaxScansPerSecond)
	}
	return d, nil
}

func (d *Dispatcher) Mode() monitor.Mode { return d.mode }

// Run consumes events from src until src.Run returns, then waits for the
// workers and closes src. Queued permission events that were not scanned
// before ctx was cancelled are allowed. Run must not be called twice.
func (d *Dispatcher) Run(ctx context.Context, src monitor.Source) error {
	d.mode = src.Mode()
	events := make(chan *monitor.Event, d.opts.QueueSize)
	d.queue.Store(&events)
	defer d.queue.Store(nil)

	// In-flight scans outlive shutdown and end on their own timeout.
	scanCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for range d.opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				if ctx.Err() != nil {
					d.release(ev)
					continue
				}
				d.Handle(scanCtx, ev)
			}
		}()
	}

	stopReports := make(chan struct{})
	reportsDone := make(chan struct{})
	go func() {
		defer close(reportsDone)
		d.reportLoop(stopReports)
	}()

	logger.Infof("Dispatcher started in %s mode with %d workers", d.mode, d.opts.Workers)
	srcErr := src.Run(ctx, events)
	close(events)
	wg.Wait()
	close(stopReports)
	<-reportsDone

	if err := src.Close(); err != nil {
		logger.Warnf("Closing event source: %v", err)
	}
	d.writeMetrics()
	d.logReport()

	if srcErr != nil && !errors.Is(srcErr, context.Canceled) {
		return srcErr
	}
	return nil
}

// release answers an event that will not be scanned.
func (d *Dispatcher) release(ev *monitor.Event) {
	defer ev.Close()
	d.stats.dropped.Add(1)
	if d.mode != monitor.Permission || !ev.CanBlock() {
		return
	}
	if err := ev.Respond(monitor.Allow); err != nil && !errors.Is(err, monitor.ErrAlreadyResponded) {
		logger.Warnf("Releasing %s on shutdown: %v", ev.Path, err)
	}
}

// Handle scans one event, answers it when the mode allows and records the
// verdict. It returns the response the verdict maps to, which in audit mode
// is computed but never delivered. Handle consumes ev.
func (d *Dispatcher) Handle(ctx context.Context, ev *monitor.Event) monitor.Response {
	defer ev.Close()
	d.stats.events.Add(1)
	d.track(ev)

	start := time.Now()
	outcome, err := d.scan(ctx, ev)
	elapsed := time.Since(start)
	d.stats.observe(elapsed)
	ev.Advance(monitor.Decided)

	v := d.newVerdict(ev, outcome, err, elapsed)
	response := monitor.Allow
	if err == nil && outcome.Action == scanner.Quarantine {
		response = monitor.Deny
	}
	v.Response = "none"
	if d.mode == monitor.Permission && ev.CanBlock() {
		if rerr := ev.Respond(response); rerr != nil {
			logger.Errorf("Responding %s to %s failed: %v", response, ev.Path, rerr)
			v.Error = joinMessage(v.Error, rerr.Error())
		} else {
			v.Response = response.String()
			if response == monitor.Deny {
				d.stats.denied.Add(1)
			}
		}
	}
	d.untrack(ev)

	if response == monitor.Deny && d.mode == monitor.Permission && d.opts.AutoQuarantine {
		v.QuarantineID = d.persist(ev)
	}

	d.logVerdict(v, err)
	if d.opts.Recorder != nil {
		if werr := d.opts.Recorder.WriteRecord(output.RecordVerdict, v); werr != nil {
			logger.Warnf("Writing verdict for %s: %v", ev.Path, werr)
		}
	}
	return response
}

func (d *Dispatcher) scan(ctx context.Context, ev *monitor.Event) (outcome *scanner.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = fmt.Errorf("scan of %s panicked: %v", ev.Path, r)
		}
	}()
	defer tracing.StartRegion(ctx, "dispatch.scan")()

	if d.opts.Exclude.Excluded(ev.Path) {
		d.stats.excluded.Add(1)
		return &scanner.Outcome{Path: ev.Path, Action: scanner.Allow}, nil
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	ev.Advance(monitor.Scanning)
	if f := ev.File(); f != nil {
		outcome, err = d.scanner.ScanFile(ctx, ev.Path, f)
	} else {
		outcome, err = d.scanner.ScanPath(ctx, ev.Path)
	}
	if err == nil && outcome == nil {
		err = scanner.ErrNotConfigured
	}
	return outcome, err
}

// persist runs before Handle closes ev, so ev.File is still valid.
func (d *Dispatcher) persist(ev *monitor.Event) string {
	path := ev.Path
	if d.opts.Quarantiner == nil {
		logger.Warnf("Auto-quarantine enabled without a quarantine store; %s left in place", path)
		return ""
	}
	var rec *quarantine.Record
	var err error
	if f := ev.File(); f != nil {
		rec, err = d.opts.Quarantiner.QuarantineFile(path, f)
	} else {
		rec, err = d.opts.Quarantiner.Quarantine(path)
	}
	if err != nil {
		logger.Errorf("Quarantining %s: %v", path, err)
		return ""
	}
	d.stats.stored.Add(1)
	if d.opts.Recorder != nil {
		if err := d.opts.Recorder.WriteRecord(output.RecordQuarantine, rec); err != nil {
			logger.Warnf("Writing quarantine record for %s: %v", path, err)
		}
	}
	return rec.ID
}

func (d *Dispatcher) logVerdict(v *Verdict, err error) {
	entry := logger.WithFields(map[string]interface{}{
		"path":     v.Path,
		"pid":      v.PID,
		"event":    v.Event,
		"action":   v.Action,
		"response": v.Response,
		"score":    v.Score,
	})
	switch {
	case err != nil:
		entry.WithError(err).Error("Scan failed; access allowed")
	case v.Action == scanner.Quarantine.String():
		entry.WithField("signatures", v.Signatures).Warn("Malicious content detected")
	case v.Action == scanner.Monitor.String():
		entry.Warn("Suspicious content; access allowed")
	default:
		entry.Debug("Clean")
	}
}

func joinMessage(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
