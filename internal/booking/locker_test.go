package booking

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderScopes(t *testing.T) {
	acct := uuid.New()
	prof := uuid.New()
	res := uuid.New()

	got := orderScopes([]Scope{
		{Kind: ScopeResource, AccountID: acct, ID: res},
		{Kind: ScopeProfessional, AccountID: acct, ID: prof},
		{Kind: ScopeResource, AccountID: acct, ID: res},
	})
	require.Len(t, got, 2)
	assert.Equal(t, ScopeProfessional, got[0].Kind)
	assert.Equal(t, "acct:"+acct.String()+":res:"+res.String(), got[1].Key())
}

func TestScopesFor(t *testing.T) {
	acct, prof := uuid.New(), uuid.New()
	assert.Len(t, ScopesFor(acct, &prof, nil), 1)
	assert.Empty(t, ScopesFor(acct, nil, nil))
}

func TestMemoryLockerSerializesSameScope(t *testing.T) {
	l := NewMemoryLocker(time.Second)
	scope := []Scope{{Kind: ScopeProfessional, AccountID: uuid.New(), ID: uuid.New()}}

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), scope, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestMemoryLockerTimesOut(t *testing.T) {
	l := NewMemoryLocker(20 * time.Millisecond)
	scope := []Scope{{Kind: ScopeProfessional, AccountID: uuid.New(), ID: uuid.New()}}

	release := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), scope, func(ctx context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired

	err := l.WithLock(context.Background(), scope, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout)
	close(release)
}

func (l *MemoryLocker) entries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func TestMemoryLockerUnrelatedScopesDoNotContend(t *testing.T) {
	l := NewMemoryLocker(20 * time.Millisecond)
	acct := uuid.New()
	busy := []Scope{{Kind: ScopeProfessional, AccountID: acct, ID: uuid.New()}}

	release := make(chan struct{})
	acquired := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.WithLock(context.Background(), busy, func(ctx context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired

	// with a fixed number of buckets some of these would land beside the busy key
	for i := 0; i < 500; i++ {
		other := []Scope{{Kind: ScopeProfessional, AccountID: acct, ID: uuid.New()}}
		err := l.WithLock(context.Background(), other, func(ctx context.Context) error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, 1, l.entries())

	close(release)
	<-done
	assert.Zero(t, l.entries())
}

func TestMemoryLockerDropsEntriesAfterTimeout(t *testing.T) {
	l := NewMemoryLocker(10 * time.Millisecond)
	prof, res := uuid.New(), uuid.New()
	acct := uuid.New()
	scopes := ScopesFor(acct, &prof, &res)

	release := make(chan struct{})
	acquired := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.WithLock(context.Background(), scopes[1:], func(ctx context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired

	err := l.WithLock(context.Background(), scopes, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, 1, l.entries())

	// the professional taken during the failed attempt is free again
	err = l.WithLock(context.Background(), scopes[:1], func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	close(release)
	<-done
	assert.Zero(t, l.entries())
}
