package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/slot-booking-engine/internal/booking"
)

const keyPrefix = "lock:"

// LeaseLocker holds one Redis key per scope for the duration of fn. Keys
// expire after ttl so a crashed holder cannot wedge a professional forever;
// fn's context is cancelled at the same deadline.
type LeaseLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

var _ booking.Locker = (*LeaseLocker)(nil)

func NewLeaseLocker(client *redis.Client, ttl, wait time.Duration) *LeaseLocker {
	return &LeaseLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
		retry:  20 * time.Millisecond,
	}
}

func (l *LeaseLocker) WithLock(ctx context.Context, scopes []booking.Scope, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	held := make([]string, 0, len(scopes))
	defer func() {
		// release in reverse so waiters on the first key see a clean set
		for i := len(held) - 1; i >= 0; i-- {
			_ = l.release(context.WithoutCancel(ctx), held[i], token)
		}
	}()

	var leaseStart time.Time
	for _, sc := range scopes {
		key := keyPrefix + sc.Key()
		started, err := l.acquire(ctx, key, token, deadline)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			leaseStart = started
		}
		held = append(held, key)
	}

	// earlier keys have been ageing while we waited on later ones; restart
	// every lease so none of them lapses before fn's deadline
	if len(held) > 1 {
		leaseStart = time.Now()
		if err := l.extend(ctx, held, token); err != nil {
			return err
		}
	}

	leaseCtx, cancel := context.WithDeadline(ctx, leaseStart.Add(l.ttl))
	defer cancel()
	return fn(leaseCtx)
}

// acquire returns the time just before the winning SETNX, a lower bound on
// when the key's ttl started.
func (l *LeaseLocker) acquire(ctx context.Context, key, token string, deadline time.Time) (time.Time, error) {
	for {
		started := time.Now()
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return time.Time{}, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return started, nil
		}
		if !time.Now().Add(l.retry).Before(deadline) {
			return time.Time{}, booking.ErrLockTimeout
		}

		t := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return time.Time{}, ctx.Err()
		case <-t.C:
		}
	}
}

var extendScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
  if redis.call("GET", key) ~= ARGV[1] then
    return 0
  end
end
for i, key in ipairs(KEYS) do
  redis.call("PEXPIRE", key, ARGV[2])
end
return 1
`)

// extend resets the ttl on every held key, failing if any lease already
// lapsed and was taken by someone else.
func (l *LeaseLocker) extend(ctx context.Context, keys []string, token string) error {
	ok, err := extendScript.Run(ctx, l.client, keys, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend leases: %w", err)
	}
	if ok != 1 {
		return fmt.Errorf("lease expired while acquiring: %w", booking.ErrLockTimeout)
	}
	return nil
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *LeaseLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
