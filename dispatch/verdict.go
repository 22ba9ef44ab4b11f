package dispatch

import (
	"errors"
	"time"

	"aegis/monitor"
	"aegis/scanner"
)

// Verdict is the audit payload for one decided event.
type Verdict struct {
	EventID      uint64   `json:"event_id"`
	Path         string   `json:"path"`
	PID          int32    `json:"pid,omitempty"`
	Process      string   `json:"process,omitempty"`
	ProcessExe   string   `json:"process_exe,omitempty"`
	Mode         string   `json:"mode"`
	Event        string   `json:"event"`
	Action       string   `json:"action"`
	Response     string   `json:"response"`
	Score        float64  `json:"heuristic_score"`
	MeanEntropy  float64  `json:"mean_entropy"`
	Signatures   []string `json:"signatures"`
	FileType     string   `json:"file_type,omitempty"`
	FileSize     int64    `json:"file_size"`
	Truncated    bool     `json:"truncated,omitempty"`
	FailOpen     bool     `json:"fail_open,omitempty"`
	Error        string   `json:"error,omitempty"`
	DurationMS   float64  `json:"duration_ms"`
	QuarantineID string   `json:"quarantine_id,omitempty"`
}

func (d *Dispatcher) newVerdict(ev *monitor.Event, outcome *scanner.Outcome, err error, elapsed time.Duration) *Verdict {
	v := &Verdict{
		EventID:    ev.ID,
		Path:       ev.Path,
		PID:        ev.PID,
		Mode:       d.mode.String(),
		Event:      ev.Kind.String(),
		Action:     scanner.Allow.String(),
		Signatures: []string{},
		DurationMS: float64(elapsed.Microseconds()) / 1000,
	}
	v.Process, v.ProcessExe = ev.Process()

	if err != nil {
		v.FailOpen = true
		v.Error = err.Error()
		d.stats.failures.Add(1)
		if errors.Is(err, scanner.ErrScanTimeout) {
			d.stats.timeouts.Add(1)
		}
		d.stats.allowed.Add(1)
		return v
	}

	v.Action = outcome.Action.String()
	v.Score = float64(outcome.Score)
	v.MeanEntropy = outcome.Entropy.MeanEntropy
	v.Signatures = outcome.RuleNames()
	v.FileType = outcome.FileType
	v.FileSize = outcome.FileSize
	v.Truncated = outcome.Truncated
	switch outcome.Action {
	case scanner.Quarantine:
		d.stats.quarantined.Add(1)
	case scanner.Monitor:
		d.stats.monitored.Add(1)
	default:
		d.stats.allowed.Add(1)
	}
	return v
}
