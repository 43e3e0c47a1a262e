package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trellis-ml/trellis/pkg/protocol"
)

// Activator hosts the run-request receivers and owns their lifecycle.
type Activator struct {
	id             string
	logger         *slog.Logger
	buildReceivers func() ([]protocol.Receiver, error)
	receivers      []protocol.Receiver
	restartCount   int
}

// NewActivator creates a new Activator instance. Receivers are built
// fresh on every start so a reload picks up configuration changes.
func NewActivator(id string, logger *slog.Logger, buildReceivers func() ([]protocol.Receiver, error)) *Activator {
	return &Activator{
		id:             id,
		logger:         logger.With("module", "activator"),
		buildReceivers: buildReceivers,
	}
}

// Start begins the activator service.
func (a *Activator) Start(ctx context.Context) {
	aCtx, cancel := context.WithCancel(ctx)

	a.logger.Info("Starting activator")

	a.handleSignals(aCtx, cancel)
	a.run(aCtx)
}

// handleSignals sets up signal handling for graceful shutdown and restart.
func (a *Activator) handleSignals(ctx context.Context, cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		a.logger.Info("Received signal", "signal", sig)

		switch sig {
		case syscall.SIGHUP:
			a.logger.Info("Reloading configuration...")
			a.restart(ctx, cancel)
		case syscall.SIGINT, syscall.SIGTERM:
			a.logger.Info("Shutting down gracefully...")
			a.stop(ctx, cancel)
			os.Exit(0)
		default:
			a.logger.Warn("Unhandled signal received", "signal", sig)
		}
	}()
}

// restart handles service restart with backoff.
func (a *Activator) restart(ctx context.Context, cancel context.CancelFunc) {
	a.restartCount++
	newCtx := context.WithoutCancel(ctx)

	a.stop(ctx, cancel)

	if a.restartCount > 5 {
		a.logger.Error("Restart limit reached, exiting...")
		os.Exit(1)
	}

	backoff := time.Duration(a.restartCount) * time.Second
	a.logger.Info("Restarting activator...", "backoff", backoff)
	time.Sleep(backoff)

	a.Start(newCtx)
}

// run builds and starts the receivers, then waits for cancellation.
func (a *Activator) run(ctx context.Context) {
	receivers, err := a.buildReceivers()
	if err != nil {
		a.logger.Error("Failed to build receivers", "error", err)
		os.Exit(1)
	}

	a.receivers = a.receivers[:0]

	for _, receiver := range receivers {
		if err := receiver.Start(ctx); err != nil {
			a.logger.Error("Failed to start receiver", "error", err)

			continue
		}

		a.receivers = append(a.receivers, receiver)
	}

	if len(a.receivers) == 0 {
		a.logger.Error("No receivers running, exiting...")
		os.Exit(1)
	}

	a.logger.Info("Activator started", "receivers", len(a.receivers))

	<-ctx.Done()
	a.logger.Info("Activator context cancelled, stopping...")
}

// stop gracefully shuts down every running receiver.
func (a *Activator) stop(ctx context.Context, cancel context.CancelFunc) {
	a.logger.Info("Stopping activator")

	for _, receiver := range a.receivers {
		if err := receiver.Stop(ctx); err != nil {
			a.logger.Error("Failed to stop receiver", "error", err)
		}
	}

	a.receivers = a.receivers[:0]

	if cancel != nil {
		cancel()
	}
}
