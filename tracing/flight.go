package tracing

import (
	"os"
	"runtime/trace"
	"sync"
	"time"
)

var (
	flightMu       sync.Mutex
	flightRecorder *trace.FlightRecorder
)

// StartFlightRecorder keeps the most recent execution trace in memory so a
// stall can be dumped after the fact. Calling it twice is a no-op.
func StartFlightRecorder(maxBytes uint64, minAge time.Duration) error {
	flightMu.Lock()
	defer flightMu.Unlock()
	if flightRecorder != nil {
		return nil
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MaxBytes: maxBytes,
		MinAge:   minAge,
	})
	if err := fr.Start(); err != nil {
		return err
	}
	flightRecorder = fr
	return nil
}

// StopFlightRecorder stops the flight recorder if it is running.
func StopFlightRecorder() {
	flightMu.Lock()
	defer flightMu.Unlock()
	if flightRecorder != nil {
		flightRecorder.Stop()
		flightRecorder = nil
	}
}

// FlightRecorderActive reports whether a window is being recorded.
func FlightRecorderActive() bool {
	flightMu.Lock()
	defer flightMu.Unlock()
	return flightRecorder != nil && flightRecorder.Enabled()
}

// WriteFlightRecorder writes the current window to path. It writes nothing
// and returns false when the recorder is off.
func WriteFlightRecorder(path string) (bool, error) {
	flightMu.Lock()
	defer flightMu.Unlock()
	if flightRecorder == nil || !flightRecorder.Enabled() {
		return false, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if _, err := flightRecorder.WriteTo(f); err != nil {
		return false, err
	}
	return true, nil
}
