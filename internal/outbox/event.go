package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the booking engine.
const (
	HoldCreated          = "hold_created"
	HoldCancelled        = "hold_cancelled"
	HoldExpired          = "hold_expired"
	HoldConverted        = "hold_converted"
	AppointmentCreated   = "appointment_created"
	AppointmentUpdated   = "appointment_updated"
	AppointmentCancelled = "appointment_cancelled"
	ReminderD1           = "reminder_d1"
	ReminderD0           = "reminder_d0"
)

var knownTypes = map[string]bool{
	HoldCreated:          true,
	HoldCancelled:        true,
	HoldExpired:          true,
	HoldConverted:        true,
	AppointmentCreated:   true,
	AppointmentUpdated:   true,
	AppointmentCancelled: true,
	ReminderD1:           true,
	ReminderD0:           true,
}

// KnownType reports whether t is an event type subscribers can ask for.
func KnownType(t string) bool { return knownTypes[t] }

// Event is an immutable domain event persisted alongside the state change that produced it.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	AccountID    uuid.UUID       `json:"account_id"`
	Type         string          `json:"event"`
	Payload      json.RawMessage `json:"data"`
	OccurredAt   time.Time       `json:"occurred_at"`
	DispatchedAt *time.Time      `json:"-"`
}

func NewEvent(accountID uuid.UUID, eventType string, payload any, at time.Time) (Event, error) {
	if !KnownType(eventType) {
		return Event{}, fmt.Errorf("unknown event type %q", eventType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:         uuid.New(),
		AccountID:  accountID,
		Type:       eventType,
		Payload:    data,
		OccurredAt: at.UTC(),
	}, nil
}

// Publisher receives events after their transaction committed.
// Implementations must not block the caller.
type Publisher interface {
	Publish(events ...Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(...Event) {}

// NopPublisher drops events; the relay still picks them up from storage.
func NopPublisher() Publisher { return nopPublisher{} }

// Source is the read side of the outbox table used by the relay.
type Source interface {
	ListUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]Event, error)
	// MarkDispatched claims the event; false means another worker already has it.
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}
