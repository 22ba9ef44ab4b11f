package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"aegis/config"
	"aegis/rules"
	"aegis/tracing"
)

// evaluateHook runs before each evaluation. Tests use it to stall scans.
var evaluateHook = func(ctx context.Context, path string) {}

// Scanner runs the bounded read, signature, entropy and fusion stages. It
// is safe for concurrent use; at most ThreadPoolSize scans do work at
// once.
type Scanner struct {
	cfg   config.ScannerConfig
	store *rules.Store
	sem   chan struct{}
	ready bool
}

// New validates cfg and returns a scanner holding its own copy of it. A
// nil store scans with no signatures.
func New(cfg config.ScannerConfig, store *rules.Store) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.RulePaths = append([]string(nil), cfg.RulePaths...)
	cfg.SignatureSources = append([]config.SignatureSource(nil), cfg.SignatureSources...)
	return &Scanner{
		cfg:   cfg,
		store: store,
		sem:   make(chan struct{}, cfg.ThreadPoolSize),
		ready: true,
	}, nil
}

// Config returns the scanner's settings.
func (s *Scanner) Config() config.ScannerConfig {
	return s.cfg
}

func (s *Scanner) Scan(ctx context.Context, req Request) (*Outcome, error) {
	return s.ScanPath(ctx, req.Path)
}

// ScanPath scans the file at path. The file is opened read-only and never
// modified.
func (s *Scanner) ScanPath(ctx context.Context, path string) (*Outcome, error) {
	return s.run(ctx, path, func() (sample, error) {
		return readSample(path, s.cfg.MaxReadBytes, s.cfg.ContentReadMode, s.cfg.MmapMinSize)
	})
}

// ScanFile scans an already open file, reading from offset zero. name is
// only used for reporting.
func (s *Scanner) ScanFile(ctx context.Context, name string, file *os.File) (*Outcome, error) {
	if file == nil {
		return nil, &IOError{Path: name, Op: "read", Err: os.ErrInvalid}
	}
	return s.run(ctx, name, func() (sample, error) {
		return readSampleFile(file, s.cfg.MaxReadBytes)
	})
}

type scanResult struct {
	outcome *Outcome
	err     error
}

func (s *Scanner) run(ctx context.Context, path string, read func() (sample, error)) (*Outcome, error) {
	if s == nil || !s.ready {
		return nil, ErrNotConfigured
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeoutCause(ctx, s.cfg.ScanTimeout, ErrScanTimeout)
	defer cancel()
	ctx, endTask := tracing.StartTask(ctx, "scan")
	defer endTask()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, s.contextError(ctx, path)
	}

	// The slot is released by the worker, so an abandoned scan keeps
	// counting against the pool until it really finishes.
	done := make(chan scanResult, 1)
	go func() {
		defer func() { <-s.sem }()
		defer func() {
			if r := recover(); r != nil {
				done <- scanResult{err: fmt.Errorf("scan of %s panicked: %v", path, r)}
			}
		}()
		outcome, err := s.evaluate(ctx, path, read)
		done <- scanResult{outcome: outcome, err: err}
	}()

	select {
	case r := <-done:
		return r.outcome, r.err
	case <-ctx.Done():
		return nil, s.contextError(ctx, path)
	}
}

func (s *Scanner) contextError(ctx context.Context, path string) error {
	if errors.Is(context.Cause(ctx), ErrScanTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrScanTimeout, path, s.cfg.ScanTimeout)
	}
	return ctx.Err()
}

func (s *Scanner) evaluate(ctx context.Context, path string, read func() (sample, error)) (*Outcome, error) {
	evaluateHook(ctx, path)

	endRead := tracing.StartRegion(ctx, "read")
	smp, err := read()
	endRead()
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, s.contextError(ctx, path)
	}

	endMatch := tracing.StartRegion(ctx, "signatures")
	matches := s.store.Current().ScanWithSize(smp.data, smp.fileSize)
	endMatch()
	if matches == nil {
		matches = []rules.Match{}
	}

	report := EntropyReport{SuspiciousRegions: []Region{}}
	if s.cfg.EnableEntropyAnalysis {
		endEntropy := tracing.StartRegion(ctx, "entropy")
		report = AnalyzeEntropy(smp.data)
		endEntropy()
	}

	fileType, class := Classify(smp.data)
	score := HeuristicScore(report, class, len(smp.data))
	return &Outcome{
		Path:       path,
		Signatures: matches,
		Score:      score,
		Entropy:    report,
		Action:     Fuse(matches, score, s.cfg.HeuristicThreshold),
		FileType:   fileType,
		SampleSize: len(smp.data),
		FileSize:   smp.fileSize,
		Truncated:  smp.truncated,
	}, nil
}
