package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/slot-booking-engine/internal/api"
	"github.com/hackgods/slot-booking-engine/internal/app"
	"github.com/hackgods/slot-booking-engine/internal/config"
	"github.com/hackgods/slot-booking-engine/pkg/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel).With("service", "api-server")
	logger.Info("api-server starting up",
		"env", cfg.Env,
		"http_port", cfg.HTTPPort,
		"storage", cfg.StorageBackend,
		"lock", cfg.LockBackend,
		"embedded_workers", cfg.EmbeddedWorkers,
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	router := api.NewRouter(api.RouterConfig{
		Bookings:      a.Bookings,
		Subscriptions: a.Subscriptions,
		Health:        api.NewHealthHandler(cfg.Env, version, a.Checks...),
		Metrics:       promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return rootCtx },
	}

	g, ctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down api-server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return a.Dispatcher.Run(ctx) })
	relay := a.Relay()
	g.Go(func() error { return relay.Run(ctx) })
	if cfg.EmbeddedWorkers {
		for _, loop := range a.Maintenance() {
			g.Go(func() error { return loop.Run(ctx) })
		}
	}

	if err := g.Wait(); err != nil {
		logger.Error("api-server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("api-server stopped")
}
