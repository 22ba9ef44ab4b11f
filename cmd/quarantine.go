package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"aegis/logger"
	"aegis/output"
	"aegis/quarantine"
)

const quarantineUsage = "aegis quarantine list|add <path>...|restore <id> [dest]|remove <id>... [flags]"

func runQuarantine(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return commandUsage(stderr, quarantineUsage)
	}
	action := args[0]
	switch action {
	case "list", "add", "restore", "remove":
	default:
		fmt.Fprintf(stderr, "Unknown quarantine action %q\n", action)
		return commandUsage(stderr, quarantineUsage)
	}

	cfg, flags, err := loadConfig("quarantine "+action, args[1:], stderr)
	if err != nil {
		return exitCodeFor(stderr, err)
	}
	vault, err := openQuarantine(cfg)
	if err != nil {
		logger.Errorf("Failed to open quarantine store: %v", err)
		return exitStartup
	}
	rest := flags.Args()

	switch action {
	case "list":
		return listQuarantine(vault, cfg.JSON, stdout)
	case "add":
		if len(rest) == 0 {
			return commandUsage(stderr, quarantineUsage)
		}
		writer, err := output.New(cfg)
		if err != nil {
			logger.Errorf("Failed to initialize audit output: %v", err)
			return exitStartup
		}
		defer writer.Close()
		code := exitOK
		for _, path := range rest {
			rec, err := vault.Quarantine(path)
			if err != nil {
				logger.Errorf("Quarantining %s: %v", path, err)
				code = exitStartup
				continue
			}
			if err := writer.WriteRecord(output.RecordQuarantine, rec); err != nil {
				logger.Warnf("Writing quarantine record for %s: %v", path, err)
			}
			fmt.Fprintf(stdout, "%s %s\n", rec.ID, rec.OriginalPath)
		}
		return code
	case "restore":
		if len(rest) < 1 || len(rest) > 2 {
			return commandUsage(stderr, quarantineUsage)
		}
		rec, err := vault.Lookup(rest[0])
		if err != nil {
			logger.Errorf("Looking up %s: %v", rest[0], err)
			return exitStartup
		}
		dest := ""
		if len(rest) == 2 {
			dest = rest[1]
		}
		if err := vault.Restore(rec, dest); err != nil {
			logger.Errorf("Restoring %s: %v", rec.ID, err)
			return exitStartup
		}
		if dest == "" {
			dest = rec.OriginalPath
		}
		fmt.Fprintf(stdout, "Restored %s to %s\n", rec.ID, dest)
		return exitOK
	default:
		if len(rest) == 0 {
			return commandUsage(stderr, quarantineUsage)
		}
		code := exitOK
		for _, id := range rest {
			if err := vault.Remove(id); err != nil {
				logger.Errorf("Removing %s: %v", id, err)
				code = exitStartup
				continue
			}
			fmt.Fprintf(stdout, "Removed %s\n", id)
		}
		return code
	}
}

func listQuarantine(vault *quarantine.Manager, asJSON bool, stdout io.Writer) int {
	records, err := vault.List()
	if err != nil {
		logger.Errorf("Listing quarantine: %v", err)
		return exitStartup
	}
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			logger.Errorf("Encoding quarantine list: %v", err)
			return exitStartup
		}
		return exitOK
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUARANTINED\tSIZE\tINTEGRITY\tORIGINAL PATH")
	for _, rec := range records {
		integrity := "ok"
		if err := vault.Verify(rec); err != nil {
			integrity = failureColor("failed")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", rec.ID, rec.Timestamp.Format(time.RFC3339), rec.Size, integrity, rec.OriginalPath)
	}
	tw.Flush()
	return exitOK
}
