package worker

import (
	"context"
	"time"

	"github.com/hackgods/slot-booking-engine/pkg/logging"
)

// Task is one unit of background work. It returns how many items it handled.
type Task func(ctx context.Context) (int, error)

// Periodic runs a task once at start and then on every tick until ctx is
// cancelled. Each run gets its own timeout so a stuck pass cannot starve the
// next one.
type Periodic struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Task     Task
	Logger   *logging.Logger
}

// Run blocks until ctx is done. Task errors are logged, never returned.
func (p Periodic) Run(ctx context.Context) error {
	logger := p.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("worker", p.Name)
	logger.Info("worker started", "interval", p.Interval)

	p.runOnce(ctx, logger)

	interval := p.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return nil
		case <-ticker.C:
			p.runOnce(ctx, logger)
		}
	}
}

func (p Periodic) runOnce(ctx context.Context, logger *logging.Logger) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	n, err := p.Task(runCtx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("worker run failed", "error", err, "handled", n)
		}
		return
	}
	if n > 0 {
		logger.Info("worker run complete", "handled", n, "duration", time.Since(start))
		return
	}
	logger.Debug("worker run complete", "handled", 0, "duration", time.Since(start))
}
