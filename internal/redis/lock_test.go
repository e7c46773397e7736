package redisclient

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/slot-booking-engine/internal/booking"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLeaseLockerSerializes(t *testing.T) {
	_, client := newTestClient(t)
	locker := NewLeaseLocker(client, 5*time.Second, 5*time.Second)
	prof := uuid.New()
	scopes := booking.ScopesFor(uuid.New(), &prof, nil)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), scopes, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLeaseLockerTimesOut(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewLeaseLocker(client, 5*time.Second, 100*time.Millisecond)
	prof := uuid.New()
	scopes := booking.ScopesFor(uuid.New(), &prof, nil)

	require.NoError(t, mr.Set(keyPrefix+scopes[0].Key(), "someone-else"))

	err := locker.WithLock(context.Background(), scopes, func(ctx context.Context) error {
		assert.Fail(t, "fn ran without the lock")
		return nil
	})
	assert.ErrorIs(t, err, booking.ErrLockTimeout)

	// a foreign token is never released by us
	got, err := mr.Get(keyPrefix + scopes[0].Key())
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestLeaseLockerReleasesPartialAcquisition(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewLeaseLocker(client, 5*time.Second, 50*time.Millisecond)
	prof, res := uuid.New(), uuid.New()
	scopes := booking.ScopesFor(uuid.New(), &prof, &res)

	require.NoError(t, mr.Set(keyPrefix+scopes[1].Key(), "someone-else"))

	err := locker.WithLock(context.Background(), scopes, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, booking.ErrLockTimeout)
	assert.False(t, mr.Exists(keyPrefix+scopes[0].Key()))
}

func TestLeaseLockerSetsTTL(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewLeaseLocker(client, 3*time.Second, time.Second)
	prof := uuid.New()
	scopes := booking.ScopesFor(uuid.New(), &prof, nil)

	err := locker.WithLock(context.Background(), scopes, func(ctx context.Context) error {
		assert.Equal(t, 3*time.Second, mr.TTL(keyPrefix+scopes[0].Key()))
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists(keyPrefix+scopes[0].Key()))
}

func TestLeaseLockerRestartsLeasesAfterSlowAcquisition(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewLeaseLocker(client, 5*time.Second, 5*time.Second)
	prof, res := uuid.New(), uuid.New()
	scopes := booking.ScopesFor(uuid.New(), &prof, &res)
	profKey, resKey := keyPrefix+scopes[0].Key(), keyPrefix+scopes[1].Key()

	require.NoError(t, mr.Set(resKey, "someone-else"))

	done := make(chan error, 1)
	var (
		profTTL  time.Duration
		deadline time.Time
	)
	go func() {
		done <- locker.WithLock(context.Background(), scopes, func(ctx context.Context) error {
			profTTL = mr.TTL(profKey)
			deadline, _ = ctx.Deadline()
			return nil
		})
	}()

	// the professional key ages while the room is still taken
	require.Eventually(t, func() bool { return mr.Exists(profKey) }, time.Second, 5*time.Millisecond)
	mr.FastForward(2 * time.Second)
	mr.Del(resKey)

	require.NoError(t, <-done)
	assert.Equal(t, 5*time.Second, profTTL)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), deadline, time.Second)
}

func TestLeaseLockerFailsWhenLeaseLapsesDuringAcquisition(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewLeaseLocker(client, 5*time.Second, 5*time.Second)
	prof, res := uuid.New(), uuid.New()
	scopes := booking.ScopesFor(uuid.New(), &prof, &res)
	profKey, resKey := keyPrefix+scopes[0].Key(), keyPrefix+scopes[1].Key()

	require.NoError(t, mr.Set(resKey, "someone-else"))

	done := make(chan error, 1)
	go func() {
		done <- locker.WithLock(context.Background(), scopes, func(ctx context.Context) error {
			assert.Fail(t, "fn ran after its professional lease was taken")
			return nil
		})
	}()

	require.Eventually(t, func() bool { return mr.Exists(profKey) }, time.Second, 5*time.Millisecond)
	mr.FastForward(6 * time.Second)
	require.NoError(t, mr.Set(profKey, "next-holder"))
	mr.Del(resKey)

	assert.ErrorIs(t, <-done, booking.ErrLockTimeout)
	got, err := mr.Get(profKey)
	require.NoError(t, err)
	assert.Equal(t, "next-holder", got)
}
