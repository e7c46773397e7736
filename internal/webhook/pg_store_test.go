package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgStoreInsertDeliveryIgnoresDuplicates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewPgStore(mock)

	mock.ExpectExec("INSERT INTO webhook_deliveries").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("ON CONFLICT \\(event_id, subscription_id\\) DO NOTHING").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	d := Delivery{ID: uuid.New(), EventID: uuid.New(), SubscriptionID: uuid.New(), Status: StatusPending}
	ok, err := store.InsertDelivery(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.InsertDelivery(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreRecordAttemptGuardsOnAttempts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewPgStore(mock)

	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	next := now.Add(time.Minute)
	d := Delivery{
		ID: uuid.New(), Status: StatusFailed, Attempts: 2, LastError: "endpoint returned 500",
		ResponseStatus: 500, NextRetryAt: &next, UpdatedAt: now,
	}

	mock.ExpectExec("UPDATE webhook_deliveries").
		WithArgs(d.ID, "FAILED", 2, d.LastError, 500, d.NextRetryAt, d.SentAt, now, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.RecordAttempt(context.Background(), d, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreClaimDue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewPgStore(mock)

	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	lease := now.Add(20 * time.Second)
	id := uuid.New()

	rows := pgxmock.NewRows([]string{
		"id", "account_id", "event_id", "subscription_id", "event_type", "body", "status", "attempts",
		"last_error", "response_status", "next_retry_at", "sent_at", "created_at", "updated_at",
	}).AddRow(id, uuid.New(), uuid.New(), uuid.New(), "hold_created", []byte(`{}`), "FAILED", 1,
		"timeout", 0, &lease, (*time.Time)(nil), now, now)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(now, lease, 25).
		WillReturnRows(rows)

	due, err := store.ClaimDue(context.Background(), now, lease, 25)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)
	assert.Equal(t, StatusFailed, due[0].Status)
	assert.Equal(t, lease, *due[0].NextRetryAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreGetSubscriptionNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewPgStore(mock)

	mock.ExpectQuery("FROM webhook_subscriptions").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err = store.GetSubscription(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
