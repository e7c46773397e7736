package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/hackgods/slot-booking-engine/internal/db"
)

// AdvisoryLocker serializes scopes with transaction-scoped Postgres advisory
// locks. fn runs inside the transaction holding the locks, so they are
// released exactly when its writes commit or roll back.
type AdvisoryLocker struct {
	pool db.Pool
	wait time.Duration
}

func NewAdvisoryLocker(pool db.Pool, wait time.Duration) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, wait: wait}
}

func (l *AdvisoryLocker) WithLock(ctx context.Context, scopes []Scope, fn func(ctx context.Context) error) error {
	err := db.WithTx(ctx, l.pool, func(txCtx context.Context) error {
		conn := db.Conn(txCtx, l.pool)
		if l.wait > 0 {
			if _, err := conn.Exec(txCtx, `SELECT set_config('lock_timeout', $1, true)`,
				fmt.Sprintf("%dms", l.wait.Milliseconds())); err != nil {
				return fmt.Errorf("set lock_timeout: %w", err)
			}
		}
		for _, sc := range scopes {
			if _, err := conn.Exec(txCtx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, sc.Key()); err != nil {
				return fmt.Errorf("advisory lock %s: %w", sc.Key(), err)
			}
		}
		return fn(txCtx)
	})
	if db.IsLockTimeout(err) {
		return ErrLockTimeout
	}
	return err
}
