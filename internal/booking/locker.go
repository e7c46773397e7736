package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ScopeKind int

const (
	ScopeProfessional ScopeKind = iota
	ScopeResource
)

// Scope is one serialization domain: a professional or a resource within an account.
type Scope struct {
	Kind      ScopeKind
	AccountID uuid.UUID
	ID        uuid.UUID
}

func (s Scope) Key() string {
	kind := "prof"
	if s.Kind == ScopeResource {
		kind = "res"
	}
	return fmt.Sprintf("acct:%s:%s:%s", s.AccountID, kind, s.ID)
}

// ScopesFor lists the scopes a booking touches.
func ScopesFor(accountID uuid.UUID, professionalID, resourceID *uuid.UUID) []Scope {
	var out []Scope
	if professionalID != nil {
		out = append(out, Scope{Kind: ScopeProfessional, AccountID: accountID, ID: *professionalID})
	}
	if resourceID != nil {
		out = append(out, Scope{Kind: ScopeResource, AccountID: accountID, ID: *resourceID})
	}
	return out
}

// orderScopes dedupes and sorts so every caller acquires in the same order:
// professionals before resources, then by key.
func orderScopes(scopes []Scope) []Scope {
	seen := make(map[string]bool, len(scopes))
	out := make([]Scope, 0, len(scopes))
	for _, s := range scopes {
		if seen[s.Key()] {
			continue
		}
		seen[s.Key()] = true
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Locker serializes work per scope. Scopes arrive deduplicated and ordered.
// fn runs while every scope is held; the lock is released after fn returns
// (or, for transactional lockers, when the transaction fn runs in ends).
type Locker interface {
	WithLock(ctx context.Context, scopes []Scope, fn func(ctx context.Context) error) error
}

// MemoryLocker is a process-local Locker with one channel semaphore per
// scope key. An entry lives only while someone holds or waits on it, so
// unrelated professionals never contend.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	wait  time.Duration
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock), wait: wait}
}

func (l *MemoryLocker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.locks[key]
	if !ok {
		k = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = k
	}
	k.refs++
	return k
}

func (l *MemoryLocker) unref(key string, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *MemoryLocker) WithLock(ctx context.Context, scopes []Scope, fn func(ctx context.Context) error) error {
	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	type entry struct {
		key  string
		lock *keyLock
		held bool
	}
	entries := make([]entry, 0, len(scopes))
	defer func() {
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if e.held {
				<-e.lock.sem
			}
			l.unref(e.key, e.lock)
		}
	}()

	seen := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		key := s.Key()
		if seen[key] {
			continue
		}
		seen[key] = true

		k := l.ref(key)
		entries = append(entries, entry{key: key, lock: k})
		select {
		case k.sem <- struct{}{}:
			entries[len(entries)-1].held = true
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrLockTimeout
		}
	}

	return fn(ctx)
}
