package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgSourceListUndispatched(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id, acct := uuid.New(), uuid.New()
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM outbox_events").
		WithArgs(at, 50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "account_id", "event_type", "payload", "occurred_at"}).
			AddRow(id, acct, HoldCreated, json.RawMessage(`{"id":"h1"}`), at))

	events, err := NewPgSource(mock).ListUndispatched(context.Background(), at, 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
	assert.Equal(t, HoldCreated, events[0].Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgSourceMarkDispatchedOnce(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	at := time.Now().UTC()
	mock.ExpectExec("UPDATE outbox_events SET dispatched_at").
		WithArgs(id, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE outbox_events SET dispatched_at").
		WithArgs(id, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	src := NewPgSource(mock)
	ok, err := src.MarkDispatched(context.Background(), id, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = src.MarkDispatched(context.Background(), id, at)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
