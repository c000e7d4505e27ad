// Command processor runs the singleton storage-processor daemon: it
// acquires the namespace lock, drains the incoming queue, applies
// mutations, and publishes versioned state diffs until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaycore/statepipe/internal/metrics"
	"github.com/relaycore/statepipe/pkg/backend"
	"github.com/relaycore/statepipe/pkg/config"
	"github.com/relaycore/statepipe/pkg/lock"
	"github.com/relaycore/statepipe/pkg/processor"
)

func main() {
	var cfg config.Config
	cfg.BindFlags(pflag.CommandLine)
	pflag.Parse()

	zapLog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "processor: build logger:", err)
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	logger := zapr.NewLogger(zapLog).WithName("processor")

	if err := cfg.Validate(); err != nil {
		logger.Error(err, "invalid configuration")
		os.Exit(1)
	}

	ctx := signalContext(logger)

	be := backend.New(cfg.BackendOptions())
	defer be.Close() //nolint:errcheck

	proc := processor.New(be, cfg.NamespaceKeys(), cfg.QueueID, logger, lock.Options{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metrics.Serve(gctx, cfg.MetricsAddr)
	})
	g.Go(func() error {
		return proc.Run(gctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error(err, "processor exited with error")
		os.Exit(1)
	}
}

// signalContext cancels the returned context on the first
// SIGINT/SIGTERM, and exits immediately on a second one during shutdown.
func signalContext(logger logr.Logger) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, beginning shutdown", "signal", sig.String())
		cancel()
		sig = <-sigCh
		logger.Info("received second signal during shutdown, exiting immediately", "signal", sig.String())
		os.Exit(1)
	}()
	return ctx
}
