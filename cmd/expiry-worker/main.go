package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/hackgods/slot-booking-engine/internal/app"
	"github.com/hackgods/slot-booking-engine/internal/config"
	"github.com/hackgods/slot-booking-engine/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel).With("service", "expiry-worker")

	if cfg.StorageBackend == config.BackendMemory {
		logger.Error("expiry-worker needs shared storage; with STORAGE_BACKEND=memory run the api-server with EMBEDDED_WORKERS=true")
		os.Exit(1)
	}
	logger.Info("expiry-worker starting up", "env", cfg.Env, "interval", cfg.WorkerInterval)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(rootCtx)
	// events raised here (hold_expired, reminders) go through the same queue
	g.Go(func() error { return a.Dispatcher.Run(ctx) })
	relay := a.Relay()
	g.Go(func() error { return relay.Run(ctx) })
	for _, loop := range a.Maintenance() {
		g.Go(func() error { return loop.Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("expiry-worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown signal received, expiry-worker stopped")
}
