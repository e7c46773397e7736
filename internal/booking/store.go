package booking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/slot-booking-engine/internal/outbox"
)

// BusyQuery selects everything that may occupy [From, To) for a professional
// and/or resource. Nil ids are ignored.
type BusyQuery struct {
	ProfessionalID       *uuid.UUID
	ResourceID           *uuid.UUID
	From                 time.Time
	To                   time.Time
	ExcludeHoldID        *uuid.UUID
	ExcludeAppointmentID *uuid.UUID
}

// Store is the persistence contract for the booking engine. Writes that must
// be atomic run inside WithTx; nested WithTx calls join the outer transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	AccountTimezone(ctx context.Context, accountID uuid.UUID) (string, error)
	GetProfessional(ctx context.Context, accountID, id uuid.UUID) (Professional, error)
	GetResource(ctx context.Context, accountID, id uuid.UUID) (Resource, error)
	GetProcedure(ctx context.Context, accountID, id uuid.UUID) (Procedure, error)

	ListRules(ctx context.Context, accountID, professionalID uuid.UUID) ([]AvailabilityRule, error)
	ReplaceRules(ctx context.Context, accountID, professionalID uuid.UUID, weekday int, rules []AvailabilityRule) error

	InsertBlock(ctx context.Context, b Block) error
	DeleteBlock(ctx context.Context, accountID, id uuid.UUID) (bool, error)
	// ListBlocks returns one-off blocks overlapping the query window and every
	// recurring block, for the given scopes plus account-wide blocks.
	ListBlocks(ctx context.Context, accountID uuid.UUID, q BusyQuery) ([]Block, error)
	ListBlockingHolds(ctx context.Context, accountID uuid.UUID, q BusyQuery, now time.Time) ([]Hold, error)
	ListBlockingAppointments(ctx context.Context, accountID uuid.UUID, q BusyQuery) ([]Appointment, error)

	GetHold(ctx context.Context, accountID, id uuid.UUID) (Hold, error)
	// GetHoldForUpdate locks the row until the surrounding transaction ends.
	GetHoldForUpdate(ctx context.Context, accountID, id uuid.UUID) (Hold, error)
	FindHoldByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*Hold, error)
	InsertHold(ctx context.Context, h Hold) error
	CancelHold(ctx context.Context, accountID, id uuid.UUID, now time.Time) (bool, error)
	ExpireHold(ctx context.Context, accountID, id uuid.UUID, now time.Time) (bool, error)
	ConvertHold(ctx context.Context, accountID, id, appointmentID uuid.UUID, now time.Time) (bool, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error)

	GetAppointment(ctx context.Context, accountID, id uuid.UUID) (Appointment, error)
	GetAppointmentForUpdate(ctx context.Context, accountID, id uuid.UUID) (Appointment, error)
	FindAppointmentByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*Appointment, error)
	FindAppointmentByHold(ctx context.Context, accountID, holdID uuid.UUID) (*Appointment, error)
	InsertAppointment(ctx context.Context, a Appointment) error
	// UpdateAppointment writes a only if the stored version still equals expectedVersion.
	UpdateAppointment(ctx context.Context, a Appointment, expectedVersion int) (bool, error)
	ListReminderCandidates(ctx context.Context, kind ReminderKind, from, to time.Time, limit int) ([]Appointment, error)
	MarkReminderSent(ctx context.Context, accountID, id uuid.UUID, kind ReminderKind, at time.Time) (bool, error)

	AppendEvent(ctx context.Context, e outbox.Event) error
}
