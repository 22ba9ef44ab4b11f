package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"

	"aegis/config"
	"aegis/logger"
	"aegis/quarantine"
	"aegis/rules"
	"aegis/tracing"
	"aegis/update"
	"aegis/version"
)

const (
	exitOK         = 0
	exitConfig     = 1
	exitStartup    = 2
	exitUsage      = 3
	exitScanFailed = 4
)

const usageText = `Usage: aegis <command> [flags] [arguments]

Commands:
  scan [--json] <path>...             scan files and directories once
  monitor [--mode mode] [path]...     intercept file access until interrupted
  quarantine list|add|restore|remove  manage the encrypted quarantine store
  signatures update|verify            fetch or check signed rule bundles
  version                             print the version

Run "aegis <command> -h" for the flags of a command.

Exit codes: 0 success, 1 invalid configuration, 2 startup failure,
3 usage error, 4 scan finished but some targets could not be read.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if err := tracing.Start(os.Getenv("AEGIS_TRACE_FILE")); err != nil {
		fmt.Fprintf(stderr, "Failed to start trace: %v\n", err)
	} else {
		defer tracing.Stop()
	}

	if len(args) == 0 {
		fmt.Fprint(stderr, usageText)
		return exitUsage
	}
	command, rest := args[0], args[1:]
	switch command {
	case "scan":
		return runScan(rest, stdout, stderr)
	case "monitor":
		return runMonitor(rest, stdout, stderr)
	case "quarantine":
		return runQuarantine(rest, stdout, stderr)
	case "signatures":
		return runSignatures(rest, stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "aegis %s\n", version.Version)
		return exitOK
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usageText)
		return exitOK
	}
	fmt.Fprintf(stderr, "Unknown command %q\n\n%s", command, usageText)
	return exitUsage
}

// loadConfig parses the shared flags for one command and initializes
// logging. Remaining positional arguments are left in the returned flag set.
func loadConfig(command string, args []string, stderr io.Writer) (*config.Config, *flag.FlagSet, error) {
	flags := flag.NewFlagSet("aegis "+command, flag.ContinueOnError)
	flags.SetOutput(stderr)
	cfg, err := config.LoadConfig(flags, args)
	if err != nil {
		return nil, flags, err
	}
	if cfg.LogJSON {
		logger.InitJSON(cfg.LogLevel)
	} else {
		logger.Init(cfg.LogLevel)
	}
	return cfg, flags, nil
}

// exitCodeFor maps a flag or configuration error to the process exit code.
func exitCodeFor(stderr io.Writer, err error) int {
	switch {
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case config.IsConfigError(err):
		fmt.Fprintf(stderr, "Error loading configuration: %v\n", err)
		return exitConfig
	default:
		// The flag package has already printed the parse error and usage.
		return exitUsage
	}
}

// newStore builds the rule store from the configured rule paths plus every
// installed signature bundle whose checksum still verifies.
func newStore(cfg *config.Config) *rules.Store {
	paths := slices.Clone(cfg.RulePaths)
	for _, src := range cfg.SignatureSources {
		if src.LocalCache == "" {
			continue
		}
		if _, err := update.VerifyCache(src); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Errorf("Skipping signature bundle %s: %v", src.Name, err)
			}
			continue
		}
		paths = append(paths, src.LocalCache)
	}
	store := rules.NewStore(rules.LoadOptions{
		Paths:   paths,
		Builtin: cfg.BuiltinRules,
		Options: rules.Options{PrefilterBits: cfg.BloomFilterBits},
	})
	store.Reload()
	return store
}

func openQuarantine(cfg *config.Config) (*quarantine.Manager, error) {
	key, err := quarantine.LoadOrCreateKey(cfg.QuarantineKeyFile)
	if err != nil {
		return nil, err
	}
	return quarantine.Open(cfg.QuarantineDir, key)
}

func startFlightRecorder(cfg *config.Config) func() {
	if !cfg.TraceFlight {
		return func() {}
	}
	if err := tracing.StartFlightRecorder(cfg.TraceFlightBytes, cfg.TraceFlightMinAge); err != nil {
		logger.Warnf("Failed to start flight recorder: %v", err)
		return func() {}
	}
	return tracing.StopFlightRecorder
}

func dumpFlightRecorder(path string) error {
	_, err := tracing.WriteFlightRecorder(path)
	return err
}

func commandUsage(stderr io.Writer, line string) int {
	fmt.Fprintf(stderr, "Usage: %s\n", strings.TrimSpace(line))
	return exitUsage
}
