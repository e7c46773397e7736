package webhook

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists subscriptions and the delivery log.
type Store interface {
	InsertSubscription(ctx context.Context, s Subscription) error
	GetSubscription(ctx context.Context, accountID, id uuid.UUID) (Subscription, error)
	ListSubscriptions(ctx context.Context, accountID uuid.UUID) ([]Subscription, error)
	DisableSubscription(ctx context.Context, accountID, id uuid.UUID) (bool, error)
	MatchingSubscriptions(ctx context.Context, accountID uuid.UUID, eventType string) ([]Subscription, error)

	// InsertDelivery returns false when a row for the same event and
	// subscription already exists.
	InsertDelivery(ctx context.Context, d Delivery) (bool, error)
	// RecordAttempt stores the outcome of an attempt only if nobody else
	// recorded one since prevAttempts was read.
	RecordAttempt(ctx context.Context, d Delivery, prevAttempts int) (bool, error)
	// ClaimDue leases pending or failed deliveries whose retry time has come
	// by pushing next_retry_at to leaseUntil.
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]Delivery, error)
	ListDeliveries(ctx context.Context, accountID uuid.UUID, status DeliveryStatus, limit int) ([]Delivery, error)
}
