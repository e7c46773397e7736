package booking

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/slot-booking-engine/internal/outbox"
)

func TestCreateHoldIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := CreateHoldInput{
		AccountID:      f.account,
		ProfessionalID: &f.prof,
		ProcedureID:    f.consult,
		Start:          at(monday, 9, 0),
		PatientRef:     json.RawMessage(`{"name":"Maria"}`),
		IdempotencyKey: "req-1",
	}

	first, replayed, err := f.svc.CreateHold(ctx, in)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := f.svc.CreateHold(ctx, in)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)
	assert.Len(t, f.store.Events(), 1)
}

func TestCreateHoldConcurrentSameKeyCreatesOneRow(t *testing.T) {
	f := newFixture(t)
	in := CreateHoldInput{
		AccountID:      f.account,
		ProfessionalID: &f.prof,
		ProcedureID:    f.consult,
		Start:          at(monday, 9, 0),
		IdempotencyKey: "double-click",
	}

	const n = 2
	svc := f.serviceWith(newGateLocker(n))
	var (
		holds    [n]Hold
		replayed [n]bool
		errs     [n]error
	)
	race(n, func(i int) {
		holds[i], replayed[i], errs[i] = svc.CreateHold(context.Background(), in)
	})

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, holds[0].ID, holds[i].ID)
	}
	assert.ElementsMatch(t, []bool{false, true}, replayed[:])
	assert.Len(t, f.store.Events(), 1)
}

func TestNoDoubleBookingUnderConcurrency(t *testing.T) {
	f := newFixture(t)

	// overlapping starts on the same professional
	starts := []time.Time{at(monday, 9, 0), at(monday, 9, 10), at(monday, 9, 20), at(monday, 9, 5)}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, _, err := f.svc.CreateHold(context.Background(), CreateHoldInput{
				AccountID: f.account, ProfessionalID: &f.prof, ProcedureID: f.consult, Start: starts[i%len(starts)],
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				_, ok := AsConflict(err)
				assert.True(t, ok, "unexpected error %v", err)
				conflicts++
				return
			}
			succeeded++
			_, _, err = f.svc.Confirm(context.Background(), ConfirmInput{AccountID: f.account, HoldID: h.ID})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 23, conflicts)

	appts, err := f.store.ListBlockingAppointments(context.Background(), f.account, BusyQuery{
		ProfessionalID: &f.prof, From: at(monday, 8, 0), To: at(monday, 10, 0),
	})
	require.NoError(t, err)
	assert.Len(t, appts, 1)
}

func TestCreateHoldValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inactive := uuid.New()
	f.store.AddProfessional(Professional{ID: inactive, AccountID: f.account, Name: "Dr. Off", Active: false})

	cases := []struct {
		name  string
		in    CreateHoldInput
		field string
	}{
		{"no professional or resource", CreateHoldInput{ProcedureID: f.consult, Start: at(monday, 9, 0)}, "professional_id"},
		{"start in the past", CreateHoldInput{ProfessionalID: &f.prof, ProcedureID: f.consult, Start: f.clock.Now().Add(-time.Minute)}, "start"},
		{"missing start", CreateHoldInput{ProfessionalID: &f.prof, ProcedureID: f.consult}, "start"},
		{"procedure needs a room", CreateHoldInput{ProfessionalID: &f.prof, ProcedureID: f.surgery, Start: at(monday, 9, 0)}, "resource_id"},
		{"bad patient ref", CreateHoldInput{ProfessionalID: &f.prof, ProcedureID: f.consult, Start: at(monday, 9, 0), PatientRef: json.RawMessage(`{`)}, "patient_ref"},
		{"inactive professional", CreateHoldInput{ProfessionalID: &inactive, ProcedureID: f.consult, Start: at(monday, 9, 0)}, "professional_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.AccountID = f.account
			_, _, err := f.svc.CreateHold(ctx, tc.in)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	_, _, err := f.svc.CreateHold(ctx, CreateHoldInput{AccountID: f.account, ProfessionalID: &f.prof, ProcedureID: uuid.New(), Start: at(monday, 9, 0)})
	assert.ErrorIs(t, err, ErrProcedureNotFound)

	// another account cannot see this account's professional
	_, _, err = f.svc.CreateHold(ctx, CreateHoldInput{AccountID: uuid.New(), ProfessionalID: &f.prof, ProcedureID: f.consult, Start: at(monday, 9, 0)})
	assert.ErrorIs(t, err, ErrProcedureNotFound)
}

func TestResourceOnlyHoldConflictsOnResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.CreateHold(ctx, CreateHoldInput{
		AccountID: f.account, ResourceID: &f.room, ProcedureID: f.surgery, Start: at(monday, 9, 0),
	})
	require.NoError(t, err)

	// a different professional wanting the same room
	_, _, err = f.svc.CreateHold(ctx, CreateHoldInput{
		AccountID: f.account, ProfessionalID: &f.prof2, ResourceID: &f.room, ProcedureID: f.surgery, Start: at(monday, 9, 30),
	})
	requireConflict(t, err, ConflictHold)

	// the professional alone is still free
	_, _, err = f.svc.CreateHold(ctx, CreateHoldInput{
		AccountID: f.account, ProfessionalID: &f.prof2, ProcedureID: f.consult, Start: at(monday, 9, 30),
	})
	require.NoError(t, err)
}

func TestExpiredHoldStopsBlockingBeforeSweep(t *testing.T) {
	f := newFixture(t)
	f.hold(t, at(monday, 9, 0))

	f.clock.Advance(16 * time.Minute)
	second := f.hold(t, at(monday, 9, 0))
	assert.Equal(t, HoldActive, second.Status)
}

func TestCancelHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.hold(t, at(monday, 9, 0))

	cancelled, err := f.svc.CancelHold(ctx, f.account, h.ID)
	require.NoError(t, err)
	assert.Equal(t, HoldCancelled, cancelled.Status)

	again, err := f.svc.CancelHold(ctx, f.account, h.ID)
	require.NoError(t, err)
	assert.Equal(t, HoldCancelled, again.Status)
	assert.Equal(t, []string{outbox.HoldCreated, outbox.HoldCancelled}, f.pub.types())

	// the interval is free again
	f.hold(t, at(monday, 9, 0))

	_, err = f.svc.CancelHold(ctx, f.account, uuid.New())
	assert.ErrorIs(t, err, ErrHoldNotFound)
}
