package booking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PgStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgStore(mock), mock
}

func TestPgStoreExpireHoldIsConditional(t *testing.T) {
	store, mock := newMockStore(t)
	acct, id := uuid.New(), uuid.New()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE holds SET status = 'expired'").
		WithArgs(acct, id, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE holds SET status = 'expired'").
		WithArgs(acct, id, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	changed, err := store.ExpireHold(context.Background(), acct, id, now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.ExpireHold(context.Background(), acct, id, now)
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreInsertHoldDuplicateKey(t *testing.T) {
	store, mock := newMockStore(t)
	key := "k-1"
	prof := uuid.New()
	h := Hold{
		ID: uuid.New(), AccountID: uuid.New(), ProfessionalID: &prof, ProcedureID: uuid.New(),
		StartAt: at(monday, 9, 0), EndAt: at(monday, 9, 30), ExpiresAt: at(monday, 8, 0),
		Status: HoldActive, IdempotencyKey: &key,
	}

	mock.ExpectExec("INSERT INTO holds").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.InsertHold(context.Background(), h)
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreUpdateAppointmentChecksVersion(t *testing.T) {
	store, mock := newMockStore(t)
	prof := uuid.New()
	a := Appointment{
		ID: uuid.New(), AccountID: uuid.New(), ProfessionalID: &prof,
		StartAt: at(monday, 9, 0), EndAt: at(monday, 9, 30), Status: StatusConfirmed, Version: 3,
	}

	mock.ExpectExec(`UPDATE appointments\s+SET professional_id`).
		WithArgs(a.AccountID, a.ID, a.ProfessionalID, a.ResourceID, a.StartAt, a.EndAt, "confirmed",
			3, a.Notes, a.CancelReason, a.UpdatedAt, 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.UpdateAppointment(context.Background(), a, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreMarkReminderSent(t *testing.T) {
	store, mock := newMockStore(t)
	acct, id := uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE appointments SET reminder_d0_sent_at = \\$3").
		WithArgs(acct, id, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.MarkReminderSent(context.Background(), acct, id, ReminderD0, now)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.MarkReminderSent(context.Background(), acct, id, ReminderKind("d7"), now)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreGetHoldNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	acct, id := uuid.New(), uuid.New()

	mock.ExpectQuery("FROM holds").
		WithArgs(acct, id).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := store.GetHold(context.Background(), acct, id)
	assert.ErrorIs(t, err, ErrHoldNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreAccountTimezoneMissingAccount(t *testing.T) {
	store, mock := newMockStore(t)
	acct := uuid.New()

	mock.ExpectQuery("SELECT timezone FROM accounts").
		WithArgs(acct).
		WillReturnRows(pgxmock.NewRows([]string{"timezone"}))

	tz, err := store.AccountTimezone(context.Background(), acct)
	require.NoError(t, err)
	assert.Empty(t, tz)
	require.NoError(t, mock.ExpectationsWereMet())
}
