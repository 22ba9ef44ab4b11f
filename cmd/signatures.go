package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"aegis/logger"
	"aegis/update"
)

const signaturesUsage = "aegis signatures update|verify [flags]"

func runSignatures(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return commandUsage(stderr, signaturesUsage)
	}
	action := args[0]
	if action != "update" && action != "verify" {
		fmt.Fprintf(stderr, "Unknown signatures action %q\n", action)
		return commandUsage(stderr, signaturesUsage)
	}
	cfg, _, err := loadConfig("signatures "+action, args[1:], stderr)
	if err != nil {
		return exitCodeFor(stderr, err)
	}
	if len(cfg.SignatureSources) == 0 {
		fmt.Fprintln(stderr, "No signature_sources configured")
		return exitConfig
	}

	if action == "verify" {
		code := exitOK
		for _, src := range cfg.SignatureSources {
			m, err := update.VerifyCache(src)
			if err != nil {
				fmt.Fprintf(stdout, "%s: %s\n", src.Name, failureColor(err.Error()))
				code = exitStartup
				continue
			}
			fmt.Fprintf(stdout, "%s: %s version %s, %d rules, installed %s\n",
				src.Name, cleanColor("ok"), m.Version, len(m.Rules), m.InstalledAt.Format(time.RFC3339))
		}
		return code
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan, stopSignals := notifyShutdown()
	defer stopSignals()
	go handleSignalEvent(cancel, nil, sigChan)

	results, err := update.New(cfg.SignatureSources, cfg.UpdateTimeout, nil).Update(ctx)
	for _, res := range results {
		switch {
		case res.Err != nil:
			fmt.Fprintf(stdout, "%s: %s\n", res.Source, failureColor(res.Err.Error()))
		case res.Changed:
			fmt.Fprintf(stdout, "%s: installed version %s (%d rules) to %s\n", res.Source, res.Version, res.Rules, res.Path)
		default:
			fmt.Fprintf(stdout, "%s: version %s is current\n", res.Source, res.Version)
		}
	}
	if err != nil {
		logger.Errorf("Signature update incomplete: %v", err)
		return exitStartup
	}
	return exitOK
}
