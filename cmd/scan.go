package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"aegis/config"
	"aegis/dispatch"
	"aegis/logger"
	"aegis/output"
	"aegis/quarantine"
	"aegis/scanner"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

var (
	cleanColor      = color.New(color.FgGreen).SprintFunc()
	suspiciousColor = color.New(color.FgYellow).SprintFunc()
	maliciousColor  = color.New(color.FgRed, color.Bold).SprintFunc()
	failureColor    = color.New(color.FgRed).SprintFunc()
)

type scanSummary struct {
	Files       int `json:"files"`
	Allowed     int `json:"allowed"`
	Monitored   int `json:"monitored"`
	Quarantined int `json:"quarantined"`
	Stored      int `json:"stored"`
	Excluded    int `json:"excluded"`
	Failures    int `json:"failures"`
}

type scanResult struct {
	path    string
	outcome *scanner.Outcome
	err     error
	elapsed time.Duration
}

// scanError is printed in JSON mode for files that could not be scanned.
type scanError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

func runScan(args []string, stdout, stderr io.Writer) int {
	cfg, flags, err := loadConfig("scan", args, stderr)
	if err != nil {
		return exitCodeFor(stderr, err)
	}
	paths := flags.Args()
	if len(paths) == 0 {
		return commandUsage(stderr, "aegis scan [flags] <path>...")
	}

	store := newStore(cfg)
	s, err := scanner.New(cfg.ScannerConfig, store)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading configuration: %v\n", err)
		return exitConfig
	}
	writer, err := output.New(cfg)
	if err != nil {
		logger.Errorf("Failed to initialize audit output: %v", err)
		return exitStartup
	}
	defer writer.Close()

	var vault *quarantine.Manager
	if cfg.AutoQuarantine {
		if vault, err = openQuarantine(cfg); err != nil {
			logger.Errorf("Failed to open quarantine store: %v", err)
			return exitStartup
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan, stopSignals := notifyShutdown()
	defer stopSignals()
	go handleSignalEvent(cancel, nil, sigChan)

	job := &scanJob{
		cfg:      cfg,
		scanner:  s,
		exclude:  scanner.NewExclusions(cfg.ExcludePatterns),
		recorder: writer,
		vault:    vault,
		stdout:   stdout,
	}
	summary := job.run(ctx, paths)

	if cfg.JSON {
		return summary.exitCode()
	}
	fmt.Fprintf(stdout, "Scanned %d files: %s, %s, %s",
		summary.Files,
		cleanColor(fmt.Sprintf("%d clean", summary.Allowed)),
		suspiciousColor(fmt.Sprintf("%d suspicious", summary.Monitored)),
		maliciousColor(fmt.Sprintf("%d malicious", summary.Quarantined)),
	)
	if summary.Stored > 0 {
		fmt.Fprintf(stdout, ", %d quarantined", summary.Stored)
	}
	if summary.Excluded > 0 {
		fmt.Fprintf(stdout, ", %d excluded", summary.Excluded)
	}
	if summary.Failures > 0 {
		fmt.Fprintf(stdout, ", %s", failureColor(fmt.Sprintf("%d failed", summary.Failures)))
	}
	fmt.Fprintln(stdout)
	if ctx.Err() != nil {
		logger.Warn("Scan interrupted before all files were visited")
	}
	return summary.exitCode()
}

// exitCode is exitScanFailed when any target could not be read.
func (s scanSummary) exitCode() int {
	if s.Failures > 0 {
		return exitScanFailed
	}
	return exitOK
}

type scanJob struct {
	cfg      *config.Config
	scanner  *scanner.Scanner
	exclude  *scanner.Exclusions
	recorder dispatch.Recorder
	vault    *quarantine.Manager
	stdout   io.Writer
}

// run walks every path, scans files on ThreadPoolSize workers and reports
// each outcome from a single goroutine.
func (j *scanJob) run(ctx context.Context, paths []string) scanSummary {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Scanning files"),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetVisibility(!j.cfg.JSON && progressVisible()),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionFullWidth(),
	)

	workers := j.cfg.ThreadPoolSize
	filesCh := make(chan string, max(workers*4, 64))
	resultsCh := make(chan scanResult, workers)

	var summary scanSummary
	var reportWG sync.WaitGroup
	reportWG.Add(1)
	go func() {
		defer reportWG.Done()
		for res := range resultsCh {
			_ = bar.Add(1)
			j.report(res, &summary)
		}
	}()

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range filesCh {
				start := time.Now()
				outcome, err := j.scanner.ScanPath(ctx, path)
				if err == nil && outcome == nil {
					err = scanner.ErrNotConfigured
				}
				resultsCh <- scanResult{path: path, outcome: outcome, err: err, elapsed: time.Since(start)}
			}
		}()
	}

	excluded := 0
	for _, root := range paths {
		err := scanner.WalkFiles(ctx, root, j.cfg.MaxScanDepth, func(path string) error {
			if j.exclude.Excluded(path) {
				excluded++
				return nil
			}
			select {
			case filesCh <- path:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(path string, err error) {
			logger.Warnf("Skipping %s: %v", path, err)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			resultsCh <- scanResult{path: root, err: err}
		}
	}
	close(filesCh)
	wg.Wait()
	close(resultsCh)
	reportWG.Wait()
	_ = bar.Finish()

	summary.Excluded = excluded
	return summary
}

func (j *scanJob) report(res scanResult, summary *scanSummary) {
	summary.Files++
	v := scanVerdict(res)
	if res.err != nil {
		summary.Failures++
		j.record(v)
		logger.WithFields(map[string]interface{}{"path": res.path}).WithError(res.err).Error("Scan failed")
		if j.cfg.JSON {
			j.printJSON(scanError{Path: res.path, Error: res.err.Error()})
		} else {
			fmt.Fprintf(j.stdout, "%s: %s\n", res.path, failureColor("error: "+res.err.Error()))
		}
		return
	}

	switch res.outcome.Action {
	case scanner.Quarantine:
		summary.Quarantined++
		if j.vault != nil {
			if rec, err := j.vault.Quarantine(res.path); err != nil {
				logger.Errorf("Quarantining %s: %v", res.path, err)
			} else {
				summary.Stored++
				v.QuarantineID = rec.ID
				if err := j.recorder.WriteRecord(output.RecordQuarantine, rec); err != nil {
					logger.Warnf("Writing quarantine record for %s: %v", res.path, err)
				}
			}
		}
	case scanner.Monitor:
		summary.Monitored++
	default:
		summary.Allowed++
	}
	j.record(v)

	if j.cfg.JSON {
		data, err := res.outcome.JSON()
		if err != nil {
			logger.Errorf("Encoding outcome for %s: %v", res.path, err)
			return
		}
		fmt.Fprintln(j.stdout, string(data))
		return
	}
	line := res.outcome.Summary()
	switch res.outcome.Action {
	case scanner.Quarantine:
		line = maliciousColor(line)
	case scanner.Monitor:
		line = suspiciousColor(line)
	default:
		line = cleanColor(line)
	}
	if v.QuarantineID != "" {
		line += " quarantined as " + v.QuarantineID
	}
	fmt.Fprintln(j.stdout, line)
}

func (j *scanJob) record(v *dispatch.Verdict) {
	if err := j.recorder.WriteRecord(output.RecordVerdict, v); err != nil {
		logger.Warnf("Writing verdict for %s: %v", v.Path, err)
	}
}

func (j *scanJob) printJSON(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintln(j.stdout, string(data))
}

// scanVerdict builds the audit record for an on-demand scan. There is no
// kernel event behind it, so no response is ever delivered.
func scanVerdict(res scanResult) *dispatch.Verdict {
	v := &dispatch.Verdict{
		Path:       res.path,
		Mode:       "scan",
		Event:      "scan",
		Action:     scanner.Allow.String(),
		Response:   "none",
		Signatures: []string{},
		DurationMS: float64(res.elapsed.Microseconds()) / 1000,
	}
	if res.err != nil {
		v.FailOpen = true
		v.Error = res.err.Error()
		return v
	}
	o := res.outcome
	v.Action = o.Action.String()
	v.Score = float64(o.Score)
	v.MeanEntropy = o.Entropy.MeanEntropy
	v.Signatures = o.RuleNames()
	v.FileType = o.FileType
	v.FileSize = o.FileSize
	v.Truncated = o.Truncated
	return v
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("AEGIS_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}
