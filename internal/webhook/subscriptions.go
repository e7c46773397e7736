package webhook

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/hackgods/slot-booking-engine/internal/booking"
	"github.com/hackgods/slot-booking-engine/internal/clock"
	"github.com/hackgods/slot-booking-engine/internal/outbox"
)

const (
	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 500
)

// Subscriptions manages per-account endpoints and exposes the delivery log.
type Subscriptions struct {
	store Store
	clock clock.Clock
}

func NewSubscriptions(store Store, clk clock.Clock) *Subscriptions {
	if clk == nil {
		clk = clock.System()
	}
	return &Subscriptions{store: store, clock: clk}
}

type CreateSubscriptionInput struct {
	AccountID  uuid.UUID
	URL        string
	Secret     string
	EventTypes []string
}

func (s *Subscriptions) Create(ctx context.Context, in CreateSubscriptionInput) (Subscription, error) {
	u, err := url.Parse(strings.TrimSpace(in.URL))
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Subscription{}, &booking.ValidationError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}
	if strings.TrimSpace(in.Secret) == "" {
		return Subscription{}, &booking.ValidationError{Field: "secret", Reason: "is required"}
	}
	if len(in.EventTypes) == 0 {
		return Subscription{}, &booking.ValidationError{Field: "event_types", Reason: "at least one event type is required"}
	}

	seen := make(map[string]bool, len(in.EventTypes))
	types := make([]string, 0, len(in.EventTypes))
	for _, t := range in.EventTypes {
		if !outbox.KnownType(t) {
			return Subscription{}, &booking.ValidationError{Field: "event_types", Reason: fmt.Sprintf("unknown event type %q", t)}
		}
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}

	sub := Subscription{
		ID:         uuid.New(),
		AccountID:  in.AccountID,
		URL:        u.String(),
		Secret:     in.Secret,
		EventTypes: types,
		Enabled:    true,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.InsertSubscription(ctx, sub); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (s *Subscriptions) List(ctx context.Context, accountID uuid.UUID) ([]Subscription, error) {
	return s.store.ListSubscriptions(ctx, accountID)
}

func (s *Subscriptions) Disable(ctx context.Context, accountID, id uuid.UUID) error {
	ok, err := s.store.DisableSubscription(ctx, accountID, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSubscriptionNotFound
	}
	return nil
}

// ListDeliveries returns the newest deliveries first. An empty status means all.
func (s *Subscriptions) ListDeliveries(ctx context.Context, accountID uuid.UUID, status DeliveryStatus, limit int) ([]Delivery, error) {
	if status != "" && !status.Valid() {
		return nil, &booking.ValidationError{Field: "status", Reason: "must be PENDING, SENT or FAILED"}
	}
	if limit <= 0 {
		limit = defaultDeliveryLimit
	}
	if limit > maxDeliveryLimit {
		limit = maxDeliveryLimit
	}
	return s.store.ListDeliveries(ctx, accountID, status, limit)
}
