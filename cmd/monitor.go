package main

import (
	"context"
	"fmt"
	"io"

	"aegis/diag"
	"aegis/dispatch"
	"aegis/logger"
	"aegis/monitor"
	"aegis/output"
	"aegis/scanner"
)

func runMonitor(args []string, _, stderr io.Writer) int {
	cfg, flags, err := loadConfig("monitor", args, stderr)
	if err != nil {
		return exitCodeFor(stderr, err)
	}
	paths := flags.Args()
	if len(paths) == 0 {
		paths = cfg.MonitorPaths
	}
	if len(paths) == 0 {
		return commandUsage(stderr, "aegis monitor [flags] <path>... (or monitor_paths in the config file)")
	}

	mode, downgraded := monitor.Resolve(cfg.MonitorMode, monitor.Detect())

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

	opts := dispatch.OptionsFromConfig(cfg)
	opts.Recorder = writer
	if cfg.AutoQuarantine {
		vault, err := openQuarantine(cfg)
		if err != nil {
			logger.Errorf("Failed to open quarantine store: %v", err)
			return exitStartup
		}
		opts.Quarantiner = vault
	}

	// disp is set before the source starts running, which is the only
	// time housekeeping is called.
	var disp *dispatch.Dispatcher
	src, err := monitor.NewSource(mode, monitor.Options{
		Paths:        paths,
		Mount:        cfg.MonitorMount,
		MaxDepth:     cfg.MaxScanDepth,
		PollInterval: cfg.PollInterval,
		Housekeeping: func() {
			if p := disp.Pending(); p.Count > 0 {
				logger.Debugf("%d permission events awaiting a verdict, %d queued", p.Count, p.Queued)
			}
		},
	})
	if err != nil {
		logger.Errorf("Failed to start event source: %v", err)
		return exitStartup
	}
	opts.Degraded = downgraded || (mode == monitor.Permission && src.Mode() != monitor.Permission)

	disp, err = dispatch.New(s, opts)
	if err != nil {
		src.Close()
		logger.Errorf("Failed to start dispatcher: %v", err)
		return exitStartup
	}

	stopFlight := startFlightRecorder(cfg)
	defer stopFlight()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan, stopSignals := notifyShutdown()
	defer stopSignals()
	go handleSignalEvent(cancel, func() { store.Reload() }, sigChan)

	watchdog := diag.NewWatchdog(diag.Options{
		StallThreshold:     cfg.DiagStallThreshold,
		Dir:                cfg.DiagDir,
		PendingFn:          disp.Pending,
		DumpFlightRecorder: dumpFlightRecorder,
		Recorder:           writer,
	})
	watchdog.Start(ctx)
	defer watchdog.Close()

	logger.Infof("Monitoring %d paths in %s mode", len(paths), src.Mode())
	if err := disp.Run(ctx, src); err != nil {
		logger.Errorf("Monitoring failed: %v", err)
		return exitStartup
	}
	logger.Info("Monitoring stopped.")
	return exitOK
}
