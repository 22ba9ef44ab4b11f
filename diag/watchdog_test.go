package diag

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"aegis/dispatch"
	"aegis/logger"
	"aegis/output"
)

func init() {
	logger.Init("error")
}

type fakeProfileWriter struct {
	content string
}

func (f fakeProfileWriter) WriteTo(w io.Writer, debug int) error {
	_, err := io.WriteString(w, f.content)
	return err
}

type memRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *memRecorder) WriteRecord(recordType string, _ interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, recordType)
	return nil
}

func pendingSince(at time.Time) func() dispatch.PendingReport {
	return func() dispatch.PendingReport {
		return dispatch.PendingReport{
			Count:  1,
			Oldest: at,
			Events: []dispatch.PendingEvent{{ID: 7, Path: "/srv/slow.bin", PID: 100, State: "scanning", Received: at}},
		}
	}
}

func TestProbeDumpsStallArtifacts(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	rec := &memRecorder{}
	w := NewWatchdog(Options{
		StallThreshold: 2 * time.Second,
		Dir:            dir,
		PendingFn:      pendingSince(now),
		DumpFlightRecorder: func(path string) error {
			return os.WriteFile(path, []byte("flight"), 0600)
		},
		Recorder: rec,
		NowFn:    func() time.Time { return now },
		ProfileLookupFn: func(name string) profileWriter {
			return fakeProfileWriter{content: name + "-profile"}
		},
	})

	w.probe(now.Add(time.Second))
	if w.Dumps() != 0 {
		t.Fatal("dumped before the threshold")
	}
	w.probe(now.Add(3 * time.Second))
	if w.Dumps() != 1 {
		t.Fatalf("expected one dump, got %d", w.Dumps())
	}

	reports, _ := filepath.Glob(filepath.Join(dir, "aegis-stall-*.json"))
	profiles, _ := filepath.Glob(filepath.Join(dir, "aegis-goroutine-*.pprof"))
	flights, _ := filepath.Glob(filepath.Join(dir, "aegis-flight-*.out"))
	if len(reports) != 1 || len(profiles) != 1 || len(flights) != 1 {
		t.Fatalf("expected one of each artifact, got %v %v %v", reports, profiles, flights)
	}
	data, err := os.ReadFile(reports[0])
	if err != nil {
		t.Fatal(err)
	}
	var report StallReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.OldestMS != 3000 || len(report.Paths) != 1 || report.Paths[0] != "/srv/slow.bin" || len(report.Artifacts) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(rec.types) != 1 || rec.types[0] != output.RecordStall {
		t.Fatalf("expected a stall record, got %v", rec.types)
	}

	// Spacing: a second probe inside the threshold window does not dump.
	w.probe(now.Add(4 * time.Second))
	if w.Dumps() != 1 {
		t.Fatalf("expected dumps to be spaced, got %d", w.Dumps())
	}
	w.probe(now.Add(6 * time.Second))
	if w.Dumps() != 2 {
		t.Fatalf("expected a second dump after the window, got %d", w.Dumps())
	}
}

func TestProbeIgnoresIdleDispatcher(t *testing.T) {
	dir := t.TempDir()
	w := NewWatchdog(Options{
		StallThreshold: time.Second,
		Dir:            dir,
		PendingFn:      func() dispatch.PendingReport { return dispatch.PendingReport{} },
	})
	w.probe(time.Now().Add(time.Hour))
	if w.Dumps() != 0 {
		t.Fatal("idle dispatcher must not trigger a dump")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no artifacts, got %d", len(entries))
	}
}

func TestMissingProfileStillWritesReport(t *testing.T) {
	now := time.Now()
	dir := t.TempDir()
	w := NewWatchdog(Options{
		StallThreshold:  time.Millisecond,
		Dir:             dir,
		PendingFn:       pendingSince(now.Add(-time.Second)),
		NowFn:           func() time.Time { return now },
		ProfileLookupFn: func(string) profileWriter { return nil },
	})
	w.probe(now)
	reports, _ := filepath.Glob(filepath.Join(dir, "aegis-stall-*.json"))
	if len(reports) != 1 {
		t.Fatalf("expected stall report without profile, got %v", reports)
	}
}

func TestStartAndClose(t *testing.T) {
	var nilWatchdog *Watchdog
	nilWatchdog.Start(context.Background())
	nilWatchdog.Close()

	disabled := NewWatchdog(Options{PendingFn: pendingSince(time.Now())})
	disabled.Start(context.Background())
	if disabled.stopCh != nil {
		t.Fatal("watchdog without threshold must not start")
	}

	dir := t.TempDir()
	w := NewWatchdog(Options{
		StallThreshold:  20 * time.Millisecond,
		Dir:             dir,
		PendingFn:       pendingSince(time.Now().Add(-time.Minute)),
		ProfileLookupFn: func(name string) profileWriter { return fakeProfileWriter{content: "p"} },
	})
	w.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for w.Dumps() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Close()
	if w.Dumps() == 0 {
		t.Fatal("expected the running watchdog to dump")
	}
}
