package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"aegis/logger"
	"aegis/monitor"
	"aegis/output"
	"aegis/quarantine"
	"aegis/rules"
	"aegis/scanner"
)

type fakeScanner struct {
	mu      sync.Mutex
	calls   int
	outcome func(path string) (*scanner.Outcome, error)
	hook    func(ctx context.Context)
}

func (f *fakeScanner) ScanPath(ctx context.Context, path string) (*scanner.Outcome, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.hook != nil {
		f.hook(ctx)
	}
	return f.outcome(path)
}

func (f *fakeScanner) ScanFile(ctx context.Context, name string, _ *os.File) (*scanner.Outcome, error) {
	return f.ScanPath(ctx, name)
}

func (f *fakeScanner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func verdictFor(action scanner.Action) func(string) (*scanner.Outcome, error) {
	return func(path string) (*scanner.Outcome, error) {
		o := &scanner.Outcome{Path: path, Action: action, Signatures: []rules.Match{}}
		if action == scanner.Quarantine {
			o.Signatures = []rules.Match{{Rule: "EICAR_Test_File", Namespace: rules.BuiltinNamespace}}
		}
		return o, nil
	}
}

type memRecorder struct {
	mu      sync.Mutex
	records []string
	payload []interface{}
}

func (r *memRecorder) WriteRecord(recordType string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recordType)
	r.payload = append(r.payload, payload)
	return nil
}

func (r *memRecorder) count(recordType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rt := range r.records {
		if rt == recordType {
			n++
		}
	}
	return n
}

func (r *memRecorder) verdicts() []*Verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Verdict
	for i, rt := range r.records {
		if rt == output.RecordVerdict {
			out = append(out, r.payload[i].(*Verdict))
		}
	}
	return out
}

// blockingEvent returns an event that records every response it receives.
func blockingEvent(path string, responses *[]monitor.Response, mu *sync.Mutex) *monitor.Event {
	return monitor.NewEvent(path, 0, monitor.Open, nil, func(r monitor.Response) error {
		mu.Lock()
		*responses = append(*responses, r)
		mu.Unlock()
		return nil
	})
}

func captureLogs(t *testing.T) *test.Hook {
	t.Helper()
	logger.Init("debug")
	logger.SetOutput(io.Discard)
	return test.NewLocal(logger.Base())
}

func hasEntry(hook *test.Hook, level logrus.Level) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level {
			return true
		}
	}
	return false
}

func newDispatcher(t *testing.T, s Scanner, opts Options) *Dispatcher {
	t.Helper()
	d, err := New(s, opts)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func TestNewRequiresScanner(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatal("expected error without scanner")
	}
	d := newDispatcher(t, &fakeScanner{}, Options{MaxScansPerSecond: 10})
	if d.limiter == nil || d.opts.Workers != 1 || d.opts.QueueSize != 64 {
		t.Fatalf("unexpected defaults: %+v", d.opts)
	}
}

func TestHandlePermissionMapping(t *testing.T) {
	captureLogs(t)
	cases := []struct {
		action scanner.Action
		want   monitor.Response
	}{
		{scanner.Allow, monitor.Allow},
		{scanner.Monitor, monitor.Allow},
		{scanner.Quarantine, monitor.Deny},
	}
	for _, tc := range cases {
		rec := &memRecorder{}
		d := newDispatcher(t, &fakeScanner{outcome: verdictFor(tc.action)}, Options{Mode: monitor.Permission, Recorder: rec})

		var mu sync.Mutex
		var got []monitor.Response
		ev := blockingEvent("/tmp/sample", &got, &mu)
		if resp := d.Handle(context.Background(), ev); resp != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.action, tc.want, resp)
		}
		if len(got) != 1 || got[0] != tc.want {
			t.Fatalf("%s: expected one %s response, got %v", tc.action, tc.want, got)
		}
		if ev.State() != monitor.Responded {
			t.Fatalf("%s: expected Responded state, got %s", tc.action, ev.State())
		}
		verdicts := rec.verdicts()
		if len(verdicts) != 1 || verdicts[0].Action != tc.action.String() || verdicts[0].Response != tc.want.String() {
			t.Fatalf("%s: unexpected verdict records %+v", tc.action, verdicts)
		}
	}
}

func TestHandleFailsOpen(t *testing.T) {
	failures := map[string]error{
		"timeout": fmt.Errorf("scan of /tmp/x: %w", scanner.ErrScanTimeout),
		"io":      &scanner.IOError{Path: "/tmp/x", Op: "open", Err: os.ErrPermission},
		"corpus":  scanner.ErrNotConfigured,
	}
	for name, scanErr := range failures {
		t.Run(name, func(t *testing.T) {
			hook := captureLogs(t)
			rec := &memRecorder{}
			scanErr := scanErr
			d := newDispatcher(t, &fakeScanner{outcome: func(string) (*scanner.Outcome, error) {
				return nil, scanErr
			}}, Options{Mode: monitor.Permission, Recorder: rec})

			var mu sync.Mutex
			var got []monitor.Response
			if resp := d.Handle(context.Background(), blockingEvent("/tmp/x", &got, &mu)); resp != monitor.Allow {
				t.Fatalf("expected fail-open allow, got %s", resp)
			}
			if len(got) != 1 || got[0] != monitor.Allow {
				t.Fatalf("expected allow to be delivered, got %v", got)
			}
			if !hasEntry(hook, logrus.ErrorLevel) {
				t.Fatal("expected an error log entry")
			}
			v := rec.verdicts()[0]
			if !v.FailOpen || v.Error == "" || v.Action != "allow" {
				t.Fatalf("unexpected verdict %+v", v)
			}
			m := d.Report()
			if m.Failures != 1 {
				t.Fatalf("expected one failure, got %+v", m)
			}
			if name == "timeout" && m.Timeouts != 1 {
				t.Fatalf("expected timeout to be counted, got %+v", m)
			}
		})
	}
}

func TestHandleRecoversScannerPanic(t *testing.T) {
	hook := captureLogs(t)
	d := newDispatcher(t, &fakeScanner{outcome: func(string) (*scanner.Outcome, error) {
		panic("boom")
	}}, Options{Mode: monitor.Permission})

	var mu sync.Mutex
	var got []monitor.Response
	if resp := d.Handle(context.Background(), blockingEvent("/tmp/p", &got, &mu)); resp != monitor.Allow {
		t.Fatalf("expected allow after panic, got %s", resp)
	}
	if len(got) != 1 || !hasEntry(hook, logrus.ErrorLevel) {
		t.Fatalf("expected allow response and error log, got %v", got)
	}
}

func TestAuditModeNeverResponds(t *testing.T) {
	hook := captureLogs(t)
	rec := &memRecorder{}
	d := newDispatcher(t, &fakeScanner{outcome: verdictFor(scanner.Quarantine)}, Options{
		Mode:           monitor.AuditOnly,
		Degraded:       true,
		AutoQuarantine: true,
		Recorder:       rec,
	})

	var mu sync.Mutex
	var got []monitor.Response
	ev := blockingEvent("/tmp/eicar", &got, &mu)
	if resp := d.Handle(context.Background(), ev); resp != monitor.Deny {
		t.Fatalf("expected computed deny, got %s", resp)
	}
	if len(got) != 0 {
		t.Fatalf("audit mode must not respond, got %v", got)
	}
	if ev.State() != monitor.Decided {
		t.Fatalf("expected Decided state, got %s", ev.State())
	}
	if !hasEntry(hook, logrus.WarnLevel) {
		t.Fatal("expected the quarantine verdict to be logged")
	}
	v := rec.verdicts()[0]
	if v.Response != "none" || v.Mode != "audit-only" || v.QuarantineID != "" {
		t.Fatalf("unexpected audit verdict %+v", v)
	}
	if m := d.Report(); !m.DegradedMode || m.Denied != 0 || m.Quarantined != 1 {
		t.Fatalf("unexpected report %+v", m)
	}
}

type fakeQuarantiner struct {
	paths []string
	files []*os.File
}

func (f *fakeQuarantiner) Quarantine(path string) (*quarantine.Record, error) {
	f.paths = append(f.paths, path)
	return &quarantine.Record{ID: "q-1", OriginalPath: path}, nil
}

func (f *fakeQuarantiner) QuarantineFile(path string, file *os.File) (*quarantine.Record, error) {
	if _, err := file.Stat(); err != nil {
		return nil, err
	}
	f.files = append(f.files, file)
	return &quarantine.Record{ID: "q-2", OriginalPath: path}, nil
}

func TestAutoQuarantineAfterDeny(t *testing.T) {
	captureLogs(t)
	rec := &memRecorder{}
	q := &fakeQuarantiner{}
	d := newDispatcher(t, &fakeScanner{outcome: verdictFor(scanner.Quarantine)}, Options{
		Mode:           monitor.Permission,
		AutoQuarantine: true,
		Recorder:       rec,
		Quarantiner:    q,
	})

	var mu sync.Mutex
	var got []monitor.Response
	d.Handle(context.Background(), blockingEvent("/tmp/bad", &got, &mu))
	if len(q.paths) != 1 || q.paths[0] != "/tmp/bad" {
		t.Fatalf("expected file to be quarantined, got %v", q.paths)
	}
	if rec.count(output.RecordQuarantine) != 1 || rec.verdicts()[0].QuarantineID != "q-1" {
		t.Fatalf("expected quarantine record and id, got %v", rec.records)
	}

	// Clean files are never moved.
	d.scanner = &fakeScanner{outcome: verdictFor(scanner.Allow)}
	d.Handle(context.Background(), blockingEvent("/tmp/good", &got, &mu))
	if len(q.paths) != 1 {
		t.Fatalf("clean file was quarantined: %v", q.paths)
	}
}

func TestAutoQuarantineUsesEventDescriptor(t *testing.T) {
	captureLogs(t)
	path := filepath.Join(t.TempDir(), "held.bin")
	if err := os.WriteFile(path, []byte("payload"), 0600); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	rec := &memRecorder{}
	q := &fakeQuarantiner{}
	d := newDispatcher(t, &fakeScanner{outcome: verdictFor(scanner.Quarantine)}, Options{
		Mode:           monitor.Permission,
		AutoQuarantine: true,
		Recorder:       rec,
		Quarantiner:    q,
	})

	var got []monitor.Response
	ev := monitor.NewEvent(path, 42, monitor.Open, f, func(r monitor.Response) error {
		got = append(got, r)
		return nil
	})
	if resp := d.Handle(context.Background(), ev); resp != monitor.Deny {
		t.Fatalf("expected deny, got %s", resp)
	}
	if len(q.paths) != 0 {
		t.Fatalf("path was reopened for quarantine: %v", q.paths)
	}
	if len(q.files) != 1 || q.files[0] != f {
		t.Fatalf("expected the event descriptor to be quarantined, got %v", q.files)
	}
	if v := rec.verdicts()[0]; v.QuarantineID != "q-2" {
		t.Fatalf("unexpected quarantine id %q", v.QuarantineID)
	}
	if _, err := f.Stat(); err == nil {
		t.Fatal("expected Handle to close the event descriptor")
	}
}

type fakeSource struct {
	mode   monitor.Mode
	events []*monitor.Event
	sent   chan struct{}
	wait   bool
	closed atomic.Bool
}

func (f *fakeSource) Mode() monitor.Mode { return f.mode }

func (f *fakeSource) Run(ctx context.Context, out chan<- *monitor.Event) error {
	for _, ev := range f.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.sent != nil {
		close(f.sent)
	}
	if f.wait {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

func TestRunProcessesEveryEvent(t *testing.T) {
	captureLogs(t)
	var mu sync.Mutex
	var got []monitor.Response
	src := &fakeSource{mode: monitor.Permission}
	for i := 0; i < 20; i++ {
		src.events = append(src.events, blockingEvent(fmt.Sprintf("/tmp/%d", i), &got, &mu))
	}
	rec := &memRecorder{}
	d := newDispatcher(t, &fakeScanner{outcome: verdictFor(scanner.Allow)}, Options{
		Mode:     monitor.AuditOnly,
		Workers:  4,
		Recorder: rec,
	})

	if err := d.Run(context.Background(), src); err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.Mode() != monitor.Permission {
		t.Fatalf("expected mode taken from source, got %s", d.Mode())
	}
	if len(got) != 20 {
		t.Fatalf("expected 20 responses, got %d", len(got))
	}
	if !src.closed.Load() {
		t.Fatal("expected source to be closed")
	}
	if rec.count(output.RecordVerdict) != 20 || rec.count(output.RecordMetrics) != 1 {
		t.Fatalf("unexpected records %v", rec.records)
	}
	if last := rec.records[len(rec.records)-1]; last != output.RecordMetrics {
		t.Fatalf("expected metrics record last, got %s", last)
	}
	if m := d.Report(); m.Events != 20 || m.Allowed != 20 || m.Pending != 0 {
		t.Fatalf("unexpected report %+v", m)
	}
}

func TestRunAllowsQueuedEventsOnShutdown(t *testing.T) {
	captureLogs(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var scanCtxErr atomic.Value
	var once sync.Once
	fs := &fakeScanner{
		outcome: verdictFor(scanner.Quarantine),
		hook: func(ctx context.Context) {
			once.Do(func() { close(started) })
			<-release
			scanCtxErr.Store(fmt.Sprint(ctx.Err()))
		},
	}

	var mu sync.Mutex
	var got []monitor.Response
	src := &fakeSource{mode: monitor.Permission, sent: make(chan struct{}), wait: true}
	for i := 0; i < 3; i++ {
		src.events = append(src.events, blockingEvent(fmt.Sprintf("/tmp/q%d", i), &got, &mu))
	}
	d := newDispatcher(t, fs, Options{Workers: 1, QueueSize: 8})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, src) }()

	<-started
	<-src.sent
	if p := d.Pending(); p.Count != 1 || p.Queued != 2 {
		t.Fatalf("expected one event in flight and two queued, got %+v", p)
	}
	cancel()
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not shut down")
	}

	if fs.Calls() != 1 {
		t.Fatalf("queued events must not be scanned after shutdown, got %d scans", fs.Calls())
	}
	if scanCtxErr.Load() != "<nil>" {
		t.Fatalf("in-flight scan saw cancellation: %v", scanCtxErr.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected every event answered, got %v", got)
	}
	denied, allowed := 0, 0
	for _, r := range got {
		if r == monitor.Deny {
			denied++
		} else {
			allowed++
		}
	}
	if denied != 1 || allowed != 2 {
		t.Fatalf("expected in-flight deny and two releases, got %v", got)
	}
	if m := d.Report(); m.Dropped != 2 {
		t.Fatalf("expected two dropped events, got %+v", m)
	}
}

func TestRunReturnsSourceError(t *testing.T) {
	captureLogs(t)
	boom := errors.New("source failed")
	d := newDispatcher(t, &fakeScanner{outcome: verdictFor(scanner.Allow)}, Options{})
	err := d.Run(context.Background(), errSource{err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
}

type errSource struct{ err error }

func (e errSource) Mode() monitor.Mode                               { return monitor.AuditOnly }
func (e errSource) Run(context.Context, chan<- *monitor.Event) error { return e.err }
func (e errSource) Close() error                                     { return nil }

func TestReportLoopWritesMetrics(t *testing.T) {
	captureLogs(t)
	rec := &memRecorder{}
	d := newDispatcher(t, &fakeScanner{outcome: verdictFor(scanner.Allow)}, Options{
		ReportInterval: 10 * time.Millisecond,
		Recorder:       rec,
	})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.reportLoop(stop)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count(output.RecordMetrics) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	<-done
	if rec.count(output.RecordMetrics) == 0 {
		t.Fatal("expected periodic metrics record")
	}
}

func TestHandleSkipsExcludedPaths(t *testing.T) {
	captureLogs(t)
	fake := &fakeScanner{outcome: verdictFor(scanner.Quarantine)}
	d := newDispatcher(t, fake, Options{
		Mode:    monitor.Permission,
		Exclude: scanner.NewExclusions([]string{"*.log"}),
	})

	var mu sync.Mutex
	var got []monitor.Response
	if resp := d.Handle(context.Background(), blockingEvent("/var/log/app.log", &got, &mu)); resp != monitor.Allow {
		t.Fatalf("expected allow for excluded path, got %s", resp)
	}
	if fake.Calls() != 0 {
		t.Fatalf("excluded path was scanned %d times", fake.Calls())
	}
	if resp := d.Handle(context.Background(), blockingEvent("/tmp/payload.bin", &got, &mu)); resp != monitor.Deny {
		t.Fatalf("expected deny for scanned path, got %s", resp)
	}
	if m := d.Report(); m.Excluded != 1 || m.Events != 2 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}
