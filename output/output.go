package output

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"aegis/config"
	"aegis/logger"
)

// SchemaVersion is stamped on every audit record.
const SchemaVersion = "1.0"

const (
	RecordVerdict    = "verdict"
	RecordMetrics    = "metrics"
	RecordQuarantine = "quarantine"
	RecordStall      = "stall"
)

// Record is one NDJSON line of the audit log.
type Record struct {
	RecordType    string      `json:"record_type"`
	SchemaVersion string      `json:"schema_version"`
	Timestamp     string      `json:"timestamp"`
	Payload       interface{} `json:"payload"`
}

// Writer appends audit records to an NDJSON file and, when configured,
// exports them as OpenTelemetry log records. A Writer without a path only
// exports. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	size    int64
	maxSize int64
	base    string
	ext     string
	index   int
	records int64
	closed  bool
	otel    *otelLogger
}

func New(cfg *config.Config) (*Writer, error) {
	w := &Writer{}
	if cfg == nil {
		return w, nil
	}
	w.maxSize = cfg.MaxOutputFileSize
	otel, err := newOtelLogger(cfg)
	if err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
	} else {
		w.otel = otel
	}
	if cfg.AuditOutput != "" {
		w.ext = filepath.Ext(cfg.AuditOutput)
		w.base = strings.TrimSuffix(cfg.AuditOutput, w.ext)
		if err := w.openFile(); err != nil {
			w.otel.Shutdown()
			return nil, err
		}
	}
	return w, nil
}

func (w *Writer) fileName() string {
	if w.index == 0 {
		return w.base + w.ext
	}
	return fmt.Sprintf("%s.%d%s", w.base, w.index, w.ext)
}

func (w *Writer) openFile() error {
	name := w.fileName()
	if dir := filepath.Dir(name); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	w.size = 0
	if info, err := f.Stat(); err == nil {
		w.size = info.Size()
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// WriteRecord appends one record and flushes it, so a crash loses at most
// the record being written.
func (w *Writer) WriteRecord(recordType string, payload interface{}) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	w.records++
	w.emitRecordLocked(recordType, payload)
	if w.file == nil {
		return nil
	}

	line, err := jsonMarshal(Record{
		RecordType:    recordType,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", recordType, err)
	}
	line = append(line, '\n')
	if _, err := w.buf.Write(line); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	w.size += int64(len(line))

	if w.maxSize > 0 && w.size >= w.maxSize {
		return w.rotate()
	}
	return nil
}

// Records counts records accepted since New.
func (w *Writer) Records() int64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Path returns the file currently written, empty when there is none.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ""
	}
	return w.fileName()
}

func (w *Writer) rotate() error {
	if err := w.closeFile(); err != nil {
		logger.Warnf("Closing audit output before rotation failed: %v", err)
	}
	w.index++
	return w.openFile()
}

func (w *Writer) closeFile() error {
	if w.file == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	_ = w.file.Sync()
	closeErr := w.file.Close()
	w.file = nil
	w.buf = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.closeFile()
	w.otel.Shutdown()
	return err
}

func (w *Writer) emitRecordLocked(recordType string, payload interface{}) {
	if w.otel == nil {
		return
	}
	w.otel.Emit(recordType, payload)
}
