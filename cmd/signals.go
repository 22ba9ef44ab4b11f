package main

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"aegis/logger"
)

// notifyShutdown delivers SIGINT, SIGTERM and the reload signals to the
// returned channel. The stop function unregisters it.
func notifyShutdown() (chan os.Signal, func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, append([]os.Signal{os.Interrupt, syscall.SIGTERM}, reloadSignals...)...)
	return sigChan, func() { signal.Stop(sigChan) }
}

// handleSignalEvent runs reload for every reload signal and cancels on the
// first shutdown signal.
func handleSignalEvent(cancel context.CancelFunc, reload func(), sigChan <-chan os.Signal) {
	for sig := range sigChan {
		if slices.Contains(reloadSignals, sig) {
			if reload != nil {
				logger.Infof("%s received. Reloading signatures...", sig)
				reload()
			}
			continue
		}
		logger.Info("Interrupt signal received. Shutting down...")
		cancel()
		return
	}
}
