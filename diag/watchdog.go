// Package diag captures diagnostics when permission events stall.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"aegis/dispatch"
	"aegis/logger"
	"aegis/output"
)

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

// Recorder receives a stall record for every dump.
type Recorder interface {
	WriteRecord(recordType string, payload interface{}) error
}

type Options struct {
	StallThreshold     time.Duration
	Dir                string
	PendingFn          func() dispatch.PendingReport
	DumpFlightRecorder func(path string) error
	Recorder           Recorder
	NowFn              func() time.Time
	ProfileLookupFn    func(name string) profileWriter
}

// Watchdog polls the dispatcher for permission events that have waited
// longer than StallThreshold and dumps artifacts when one is found.
// Dumps are spaced at least StallThreshold apart.
type Watchdog struct {
	threshold          time.Duration
	dir                string
	pendingFn          func() dispatch.PendingReport
	dumpFlightRecorder func(path string) error
	recorder           Recorder
	nowFn              func() time.Time
	profileLookupFn    func(name string) profileWriter

	mu         sync.Mutex
	lastDumpAt time.Time
	dumps      int

	stopCh chan struct{}
	doneCh chan struct{}
}

// StallReport is written as JSON next to the other artifacts.
type StallReport struct {
	Event       string                 `json:"event"`
	Timestamp   string                 `json:"timestamp"`
	ThresholdMS int64                  `json:"threshold_ms"`
	OldestMS    int64                  `json:"oldest_pending_ms"`
	Pending     dispatch.PendingReport `json:"pending"`
	Artifacts   []string               `json:"artifacts"`
	Paths       []string               `json:"paths"`
}

func NewWatchdog(opts Options) *Watchdog {
	nowFn := opts.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	profileLookup := opts.ProfileLookupFn
	if profileLookup == nil {
		profileLookup = func(name string) profileWriter {
			if p := pprof.Lookup(name); p != nil {
				return p
			}
			return nil
		}
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	return &Watchdog{
		threshold:          opts.StallThreshold,
		dir:                dir,
		pendingFn:          opts.PendingFn,
		dumpFlightRecorder: opts.DumpFlightRecorder,
		recorder:           opts.Recorder,
		nowFn:              nowFn,
		profileLookupFn:    profileLookup,
	}
}

// Start polls until ctx is done or Close is called. It does nothing when
// the threshold is not positive or no pending source is set.
func (w *Watchdog) Start(ctx context.Context) {
	if w == nil || w.threshold <= 0 || w.pendingFn == nil || w.stopCh != nil {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	interval := w.threshold / 2
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if interval > 2*time.Second {
		interval = 2 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(w.doneCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.probe(w.nowFn())
			}
		}
	}()
}

func (w *Watchdog) Close() {
	if w == nil || w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.stopCh = nil
	w.doneCh = nil
}

// Dumps returns how many stall dumps were written.
func (w *Watchdog) Dumps() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dumps
}

func (w *Watchdog) probe(now time.Time) {
	if w == nil || w.pendingFn == nil || w.threshold <= 0 {
		return
	}
	pending := w.pendingFn()
	if pending.Count == 0 || pending.Oldest.IsZero() {
		return
	}
	oldest := now.Sub(pending.Oldest)

	w.mu.Lock()
	shouldDump := oldest >= w.threshold &&
		(w.lastDumpAt.IsZero() || now.Sub(w.lastDumpAt) >= w.threshold)
	if shouldDump {
		w.lastDumpAt = now
		w.dumps++
	}
	w.mu.Unlock()

	if shouldDump {
		logger.Warnf("%d permission events pending, oldest for %s; writing diagnostics to %s", pending.Count, oldest.Round(time.Millisecond), w.dir)
		if err := w.dump(now, pending, oldest); err != nil {
			logger.Warnf("Diagnostics stall dump failed: %v", err)
		}
	}
}

func (w *Watchdog) dump(now time.Time, pending dispatch.PendingReport, oldest time.Duration) error {
	if err := os.MkdirAll(w.dir, 0750); err != nil {
		return err
	}
	ts := now.UTC().Format("20060102-150405.000")
	var artifacts []string

	if path, err := w.writeProfile("goroutine", 2, ts); err != nil {
		logger.Warnf("Diagnostics goroutine profile failed: %v", err)
	} else {
		artifacts = append(artifacts, path)
	}
	if w.dumpFlightRecorder != nil {
		tracePath := filepath.Join(w.dir, fmt.Sprintf("aegis-flight-%s.out", ts))
		if err := w.dumpFlightRecorder(tracePath); err != nil {
			logger.Warnf("Diagnostics flight recorder dump failed: %v", err)
		} else {
			artifacts = append(artifacts, tracePath)
		}
	}

	report := StallReport{
		Event:       "permission_stall",
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
		ThresholdMS: w.threshold.Milliseconds(),
		OldestMS:    oldest.Milliseconds(),
		Pending:     pending,
		Artifacts:   artifacts,
		Paths:       make([]string, 0, len(pending.Events)),
	}
	for _, ev := range pending.Events {
		report.Paths = append(report.Paths, ev.Path)
	}
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	reportPath := filepath.Join(w.dir, fmt.Sprintf("aegis-stall-%s.json", ts))
	if err := os.WriteFile(reportPath, b, 0600); err != nil {
		return err
	}
	if w.recorder != nil {
		report.Artifacts = append(report.Artifacts, reportPath)
		if err := w.recorder.WriteRecord(output.RecordStall, report); err != nil {
			logger.Warnf("Writing stall record: %v", err)
		}
	}
	return nil
}

func (w *Watchdog) writeProfile(name string, debug int, ts string) (string, error) {
	profile := w.profileLookupFn(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	path := filepath.Join(w.dir, fmt.Sprintf("aegis-%s-%s.pprof", name, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := profile.WriteTo(f, debug); err != nil {
		return "", err
	}
	return path, nil
}
