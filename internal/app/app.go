// Package app wires configuration into running services for the binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/hackgods/slot-booking-engine/internal/api"
	"github.com/hackgods/slot-booking-engine/internal/booking"
	"github.com/hackgods/slot-booking-engine/internal/clock"
	"github.com/hackgods/slot-booking-engine/internal/config"
	"github.com/hackgods/slot-booking-engine/internal/db"
	"github.com/hackgods/slot-booking-engine/internal/metrics"
	"github.com/hackgods/slot-booking-engine/internal/outbox"
	redisclient "github.com/hackgods/slot-booking-engine/internal/redis"
	"github.com/hackgods/slot-booking-engine/internal/webhook"
	"github.com/hackgods/slot-booking-engine/internal/worker"
	"github.com/hackgods/slot-booking-engine/pkg/logging"
)

const (
	relayGrace   = 30 * time.Second
	relayBatch   = 200
	retryBatch   = 20
)

type App struct {
	Config        config.Config
	Logger        *logging.Logger
	Registry      *prometheus.Registry
	Bookings      *booking.Service
	Dispatcher    *webhook.Dispatcher
	Subscriptions *webhook.Subscriptions
	Checks        []api.DependencyCheck

	closers []func()
}

// New connects the configured backends and builds the services on top.
func New(ctx context.Context, cfg config.Config, logger *logging.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("load default timezone: %w", err)
	}

	var (
		store     booking.Store
		source    outbox.Source
		hookStore webhook.Store
		pgPool    db.Pool
	)

	switch cfg.StorageBackend {
	case config.BackendPostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, int32(cfg.PostgresMaxConns))
		cancel()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.Checks = append(a.Checks, api.DependencyCheck{Name: "postgres", Critical: true, Ping: pool.Ping})
		logger.Info("connected to postgres")

		pgPool = pool
		store = booking.NewPgStore(pool)
		source = outbox.NewPgSource(pool)
		hookStore = webhook.NewPgStore(pool)
	default:
		mem := booking.NewMemoryStore()
		store, source = mem, mem
		hookStore = webhook.NewMemoryStore()
		logger.Warn("using in-memory storage; data is lost on restart")
	}

	var locker booking.Locker
	switch cfg.LockBackend {
	case config.BackendPostgres:
		locker = booking.NewAdvisoryLocker(pgPool, cfg.LockWaitTimeout)
	case config.BackendRedis:
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis", "error", err)
			}
		})
		a.Checks = append(a.Checks, api.DependencyCheck{Name: "redis", Critical: true, Ping: redisPing(rdb)})
		locker = redisclient.NewLeaseLocker(rdb, cfg.LockTTL, cfg.LockWaitTimeout)
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
	default:
		locker = booking.NewMemoryLocker(cfg.LockWaitTimeout)
	}

	clk := clock.System()
	a.Dispatcher = webhook.NewDispatcher(webhook.Config{
		Timeout: cfg.WebhookTimeout,
		Backoff: cfg.WebhookBackoff,
	}, hookStore, source,
		webhook.WithClock(clk),
		webhook.WithMetrics(metrics.NewWebhookMetrics(a.Registry)),
		webhook.WithLogger(logger.With("component", "webhook")),
		webhook.WithWorkers(cfg.WebhookWorkers, cfg.WebhookQueueSize),
	)
	a.Subscriptions = webhook.NewSubscriptions(hookStore, clk)

	a.Bookings = booking.NewService(store, locker,
		booking.WithClock(clk),
		booking.WithPublisher(a.Dispatcher),
		booking.WithMetrics(metrics.NewBookingMetrics(a.Registry)),
		booking.WithLogger(logger.With("component", "booking")),
		booking.WithHoldTTL(cfg.HoldTTL),
		booking.WithDefaultGranularity(cfg.DefaultGranularity),
		booking.WithDefaultLocation(loc),
		booking.WithReminderD0Lead(cfg.ReminderD0Lead),
	)
	return a, nil
}

func redisPing(rdb *goredis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}

// Relay re-dispatches outbox rows the in-process queue never handled.
func (a *App) Relay() worker.Periodic {
	return worker.Periodic{
		Name:     "outbox-relay",
		Interval: a.Config.OutboxPollInterval,
		Logger:   a.Logger,
		Task: func(ctx context.Context) (int, error) {
			return a.Dispatcher.Relay(ctx, relayGrace, relayBatch)
		},
	}
}

// Maintenance returns the sweeper, the webhook retrier and, when enabled,
// the reminder scanner.
func (a *App) Maintenance() []worker.Periodic {
	loops := []worker.Periodic{
		{
			Name:     "hold-sweeper",
			Interval: a.Config.WorkerInterval,
			Logger:   a.Logger,
			Task:     a.Bookings.ExpireHolds,
		},
		{
			Name:     "webhook-retrier",
			Interval: a.Config.WorkerInterval,
			Timeout:  time.Duration(retryBatch+1) * a.Config.WebhookTimeout,
			Logger:   a.Logger,
			Task: func(ctx context.Context) (int, error) {
				return a.Dispatcher.RetryDue(ctx, retryBatch)
			},
		},
	}
	if a.Config.RemindersEnabled {
		loops = append(loops, worker.Periodic{
			Name:     "reminders",
			Interval: a.Config.WorkerInterval,
			Logger:   a.Logger,
			Task:     a.Bookings.SendReminders,
		})
	}
	return loops
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
