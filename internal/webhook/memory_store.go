package webhook

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore backs STORAGE_BACKEND=memory and tests.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[uuid.UUID]Subscription
	deliveries    map[uuid.UUID]Delivery
	byEventSub    map[[2]uuid.UUID]uuid.UUID
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[uuid.UUID]Subscription),
		deliveries:    make(map[uuid.UUID]Delivery),
		byEventSub:    make(map[[2]uuid.UUID]uuid.UUID),
	}
}

func cloneSubscription(s Subscription) Subscription {
	s.EventTypes = slices.Clone(s.EventTypes)
	return s
}

func (m *MemoryStore) InsertSubscription(ctx context.Context, s Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[s.ID] = cloneSubscription(s)
	return nil
}

func (m *MemoryStore) GetSubscription(ctx context.Context, accountID, id uuid.UUID) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok || s.AccountID != accountID {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return cloneSubscription(s), nil
}

func (m *MemoryStore) ListSubscriptions(ctx context.Context, accountID uuid.UUID) ([]Subscription, error) {
	return m.filterSubscriptions(func(s Subscription) bool { return s.AccountID == accountID }), nil
}

func (m *MemoryStore) MatchingSubscriptions(ctx context.Context, accountID uuid.UUID, eventType string) ([]Subscription, error) {
	return m.filterSubscriptions(func(s Subscription) bool {
		return s.AccountID == accountID && s.Wants(eventType)
	}), nil
}

func (m *MemoryStore) filterSubscriptions(keep func(Subscription) bool) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, s := range m.subscriptions {
		if keep(s) {
			out = append(out, cloneSubscription(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) DisableSubscription(ctx context.Context, accountID, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok || s.AccountID != accountID {
		return false, nil
	}
	s.Enabled = false
	m.subscriptions[id] = s
	return true, nil
}

func (m *MemoryStore) InsertDelivery(ctx context.Context, d Delivery) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]uuid.UUID{d.EventID, d.SubscriptionID}
	if _, exists := m.byEventSub[key]; exists {
		return false, nil
	}
	m.byEventSub[key] = d.ID
	m.deliveries[d.ID] = d
	return true, nil
}

func (m *MemoryStore) RecordAttempt(ctx context.Context, d Delivery, prevAttempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.deliveries[d.ID]
	if !ok || cur.Attempts != prevAttempts {
		return false, nil
	}
	m.deliveries[d.ID] = d
	return true, nil
}

func (m *MemoryStore) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Delivery
	for _, d := range m.deliveries {
		if d.Status == StatusSent || d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lease := leaseUntil
		due[i].NextRetryAt = &lease
		due[i].UpdatedAt = now
		m.deliveries[due[i].ID] = due[i]
	}
	return due, nil
}

func (m *MemoryStore) ListDeliveries(ctx context.Context, accountID uuid.UUID, status DeliveryStatus, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delivery
	for _, d := range m.deliveries {
		if d.AccountID != accountID || (status != "" && d.Status != status) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
