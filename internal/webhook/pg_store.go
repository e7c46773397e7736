package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/slot-booking-engine/internal/db"
)

type PgStore struct {
	pool db.Querier
}

var _ Store = (*PgStore)(nil)

func NewPgStore(pool db.Querier) *PgStore {
	return &PgStore{pool: pool}
}

const subscriptionColumns = `id, account_id, url, secret, event_types, enabled, created_at`

const deliveryColumns = `id, account_id, event_id, subscription_id, event_type, body, status, attempts,
	last_error, response_status, next_retry_at, sent_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.AccountID, &s.URL, &s.Secret, &s.EventTypes, &s.Enabled, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return s, err
}

func scanDelivery(row pgx.Row) (Delivery, error) {
	var d Delivery
	var status string
	err := row.Scan(
		&d.ID,
		&d.AccountID,
		&d.EventID,
		&d.SubscriptionID,
		&d.EventType,
		&d.Body,
		&status,
		&d.Attempts,
		&d.LastError,
		&d.ResponseStatus,
		&d.NextRetryAt,
		&d.SentAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	d.Status = DeliveryStatus(status)
	return d, err
}

func (s *PgStore) InsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_subscriptions (id, account_id, url, secret, event_types, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.AccountID, sub.URL, sub.Secret, sub.EventTypes, sub.Enabled, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook subscription: %w", err)
	}
	return nil
}

func (s *PgStore) GetSubscription(ctx context.Context, accountID, id uuid.UUID) (Subscription, error) {
	return scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE account_id = $1 AND id = $2`,
		accountID, id))
}

func (s *PgStore) ListSubscriptions(ctx context.Context, accountID uuid.UUID) ([]Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE account_id = $1 ORDER BY created_at`,
		accountID)
}

func (s *PgStore) MatchingSubscriptions(ctx context.Context, accountID uuid.UUID, eventType string) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE account_id = $1 AND enabled AND $2 = ANY(event_types)
		ORDER BY created_at
	`, accountID, eventType)
}

func (s *PgStore) querySubscriptions(ctx context.Context, sql string, args ...any) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PgStore) DisableSubscription(ctx context.Context, accountID, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_subscriptions SET enabled = FALSE WHERE account_id = $1 AND id = $2`,
		accountID, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) InsertDelivery(ctx context.Context, d Delivery) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, account_id, event_id, subscription_id, event_type, body,
			status, attempts, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id, subscription_id) DO NOTHING
	`, d.ID, d.AccountID, d.EventID, d.SubscriptionID, d.EventType, d.Body,
		string(d.Status), d.Attempts, d.NextRetryAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert webhook delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) RecordAttempt(ctx context.Context, d Delivery, prevAttempts int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, last_error = $4, response_status = $5,
		    next_retry_at = $6, sent_at = $7, updated_at = $8
		WHERE id = $1 AND attempts = $9
	`, d.ID, string(d.Status), d.Attempts, d.LastError, d.ResponseStatus,
		d.NextRetryAt, d.SentAt, d.UpdatedAt, prevAttempts)
	if err != nil {
		return false, fmt.Errorf("record webhook attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE webhook_deliveries
		SET next_retry_at = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status IN ('PENDING', 'FAILED') AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns, now, leaseUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (s *PgStore) ListDeliveries(ctx context.Context, accountID uuid.UUID, status DeliveryStatus, limit int) ([]Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE account_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, accountID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func collectDeliveries(rows pgx.Rows) ([]Delivery, error) {
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
