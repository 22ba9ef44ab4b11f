package dispatch

import (
	"sort"
	"sync/atomic"
	"time"

	"aegis/logger"
	"aegis/monitor"
	"aegis/output"
)

type stats struct {
	events      atomic.Int64
	allowed     atomic.Int64
	monitored   atomic.Int64
	quarantined atomic.Int64
	denied      atomic.Int64
	stored      atomic.Int64
	failures    atomic.Int64
	timeouts    atomic.Int64
	dropped     atomic.Int64
	excluded    atomic.Int64
	scans       atomic.Int64
	scanNanos   atomic.Int64
}

func (s *stats) observe(d time.Duration) {
	s.scans.Add(1)
	s.scanNanos.Add(int64(d))
}

// Metrics is the periodic monitoring report, also written as a metrics
// audit record.
type Metrics struct {
	Mode         string  `json:"mode"`
	DegradedMode bool    `json:"degraded_mode"`
	Events       int64   `json:"events"`
	Allowed      int64   `json:"allowed"`
	Monitored    int64   `json:"monitored"`
	Quarantined  int64   `json:"quarantined"`
	Denied       int64   `json:"denied"`
	Stored       int64   `json:"stored"`
	Failures     int64   `json:"failures"`
	Timeouts     int64   `json:"timeouts"`
	Dropped      int64   `json:"dropped"`
	Excluded     int64   `json:"excluded"`
	MeanScanMS   float64 `json:"mean_scan_ms"`
	Pending      int     `json:"pending"`
}

func (d *Dispatcher) Report() Metrics {
	m := Metrics{
		Mode:         d.mode.String(),
		DegradedMode: d.opts.Degraded,
		Events:       d.stats.events.Load(),
		Allowed:      d.stats.allowed.Load(),
		Monitored:    d.stats.monitored.Load(),
		Quarantined:  d.stats.quarantined.Load(),
		Denied:       d.stats.denied.Load(),
		Stored:       d.stats.stored.Load(),
		Failures:     d.stats.failures.Load(),
		Timeouts:     d.stats.timeouts.Load(),
		Dropped:      d.stats.dropped.Load(),
		Excluded:     d.stats.excluded.Load(),
		Pending:      d.Pending().Count,
	}
	if scans := d.stats.scans.Load(); scans > 0 {
		m.MeanScanMS = float64(d.stats.scanNanos.Load()) / float64(scans) / float64(time.Millisecond)
	}
	return m
}

func (d *Dispatcher) reportLoop(stop <-chan struct{}) {
	if d.opts.ReportInterval <= 0 {
		<-stop
		return
	}
	ticker := time.NewTicker(d.opts.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.logReport()
			d.writeMetrics()
		}
	}
}

func (d *Dispatcher) logReport() {
	m := d.Report()
	logger.WithFields(map[string]interface{}{
		"mode":          m.Mode,
		"events":        m.Events,
		"denied":        m.Denied,
		"failures":      m.Failures,
		"degraded_mode": m.DegradedMode,
	}).Info("Monitoring report")
}

func (d *Dispatcher) writeMetrics() {
	if d.opts.Recorder == nil {
		return
	}
	if err := d.opts.Recorder.WriteRecord(output.RecordMetrics, d.Report()); err != nil {
		logger.Warnf("Writing metrics record: %v", err)
	}
}

// PendingEvent is a blocking event that has not been answered yet.
type PendingEvent struct {
	ID       uint64    `json:"id"`
	Path     string    `json:"path"`
	PID      int32     `json:"pid"`
	State    string    `json:"state"`
	Received time.Time `json:"received"`
}

// PendingReport describes permission events still waiting for a response.
type PendingReport struct {
	Count  int            `json:"count"`
	Queued int            `json:"queued"`
	Oldest time.Time      `json:"oldest,omitzero"`
	Events []PendingEvent `json:"events"`
}

// Pending lists blocking events being scanned, oldest first, and the number
// of events waiting in the queue.
func (d *Dispatcher) Pending() PendingReport {
	var r PendingReport
	if q := d.queue.Load(); q != nil {
		r.Queued = len(*q)
	}
	d.pendingMu.Lock()
	r.Events = make([]PendingEvent, 0, len(d.pending))
	for _, ev := range d.pending {
		r.Events = append(r.Events, PendingEvent{
			ID:       ev.ID,
			Path:     ev.Path,
			PID:      ev.PID,
			State:    ev.State().String(),
			Received: ev.Received,
		})
	}
	d.pendingMu.Unlock()

	sort.Slice(r.Events, func(i, j int) bool { return r.Events[i].Received.Before(r.Events[j].Received) })
	r.Count = len(r.Events)
	if r.Count > 0 {
		r.Oldest = r.Events[0].Received
	}
	return r
}

func (d *Dispatcher) track(ev *monitor.Event) {
	if d.mode != monitor.Permission || !ev.CanBlock() {
		return
	}
	d.pendingMu.Lock()
	d.pending[ev.ID] = ev
	d.pendingMu.Unlock()
}

func (d *Dispatcher) untrack(ev *monitor.Event) {
	d.pendingMu.Lock()
	delete(d.pending, ev.ID)
	d.pendingMu.Unlock()
}
