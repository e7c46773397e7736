package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/slot-booking-engine/internal/booking"
	"github.com/hackgods/slot-booking-engine/internal/clock"
	"github.com/hackgods/slot-booking-engine/internal/outbox"
)

func TestCreateSubscriptionValidation(t *testing.T) {
	subs := NewSubscriptions(NewMemoryStore(), clock.NewFixed(time.Now()))
	account := uuid.New()

	tests := []struct {
		name  string
		in    CreateSubscriptionInput
		field string
	}{
		{"relative url", CreateSubscriptionInput{URL: "/hook", Secret: "s", EventTypes: []string{outbox.HoldCreated}}, "url"},
		{"ftp url", CreateSubscriptionInput{URL: "ftp://example.com/hook", Secret: "s", EventTypes: []string{outbox.HoldCreated}}, "url"},
		{"missing secret", CreateSubscriptionInput{URL: "https://example.com/hook", Secret: "  ", EventTypes: []string{outbox.HoldCreated}}, "secret"},
		{"no types", CreateSubscriptionInput{URL: "https://example.com/hook", Secret: "s"}, "event_types"},
		{"unknown type", CreateSubscriptionInput{URL: "https://example.com/hook", Secret: "s", EventTypes: []string{"slot_freed"}}, "event_types"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.AccountID = account
			_, err := subs.Create(context.Background(), tt.in)
			var verr *booking.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	subs := NewSubscriptions(store, clock.NewFixed(time.Now()))
	ctx := context.Background()
	account := uuid.New()

	sub, err := subs.Create(ctx, CreateSubscriptionInput{
		AccountID:  account,
		URL:        "https://example.com/hook",
		Secret:     "s",
		EventTypes: []string{outbox.HoldCreated, outbox.HoldCreated, outbox.AppointmentCancelled},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{outbox.HoldCreated, outbox.AppointmentCancelled}, sub.EventTypes)
	assert.True(t, sub.Enabled)

	list, err := subs.List(ctx, account)
	require.NoError(t, err)
	require.Len(t, list, 1)

	others, err := subs.List(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, others)

	assert.ErrorIs(t, subs.Disable(ctx, uuid.New(), sub.ID), ErrSubscriptionNotFound)
	require.NoError(t, subs.Disable(ctx, account, sub.ID))

	matching, err := store.MatchingSubscriptions(ctx, account, outbox.HoldCreated)
	require.NoError(t, err)
	assert.Empty(t, matching)
}

func TestListDeliveriesRejectsUnknownStatus(t *testing.T) {
	subs := NewSubscriptions(NewMemoryStore(), nil)
	_, err := subs.ListDeliveries(context.Background(), uuid.New(), DeliveryStatus("LOST"), 10)
	var verr *booking.ValidationError
	assert.ErrorAs(t, err, &verr)

	list, err := subs.ListDeliveries(context.Background(), uuid.New(), StatusFailed, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}
