package booking

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldExpired   HoldStatus = "expired"
	HoldCancelled HoldStatus = "cancelled"
	HoldConverted HoldStatus = "converted"
)

type AppointmentStatus string

const (
	StatusScheduled   AppointmentStatus = "scheduled"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusCompleted   AppointmentStatus = "completed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusNoShow      AppointmentStatus = "no_show"
	StatusRescheduled AppointmentStatus = "rescheduled"
)

// Blocking reports whether an appointment in this status occupies its interval.
func (s AppointmentStatus) Blocking() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusRescheduled:
		return true
	}
	return false
}

func (s AppointmentStatus) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled:
		return true
	}
	return false
}

var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled:   {StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow, StatusRescheduled},
	StatusConfirmed:   {StatusCancelled, StatusCompleted, StatusNoShow, StatusRescheduled},
	StatusRescheduled: {StatusCancelled},
}

// CanTransition reports whether from -> to is allowed. Staying put is always allowed.
func CanTransition(from, to AppointmentStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Professional struct {
	ID                     uuid.UUID `json:"id"`
	AccountID              uuid.UUID `json:"account_id"`
	Name                   string    `json:"name"`
	Active                 bool      `json:"active"`
	DefaultDurationMinutes int       `json:"default_duration_minutes"`
}

type Resource struct {
	ID           uuid.UUID `json:"id"`
	AccountID    uuid.UUID `json:"account_id"`
	Name         string    `json:"name"`
	ResourceType string    `json:"resource_type"`
	Capacity     int       `json:"capacity"`
	Active       bool      `json:"active"`
}

type Procedure struct {
	ID                   uuid.UUID `json:"id"`
	AccountID            uuid.UUID `json:"account_id"`
	Name                 string    `json:"name"`
	DurationMinutes      int       `json:"duration_minutes"`
	BufferBeforeMinutes  int       `json:"buffer_before_minutes"`
	BufferAfterMinutes   int       `json:"buffer_after_minutes"`
	RequiresResource     bool      `json:"requires_resource"`
	RequiredResourceType string    `json:"required_resource_type,omitempty"`
}

func (p Procedure) Duration() time.Duration {
	return time.Duration(p.DurationMinutes) * time.Minute
}

// AvailabilityRule is a weekly working window. Times are "HH:MM" in the account timezone.
type AvailabilityRule struct {
	ID                  uuid.UUID `json:"id"`
	AccountID           uuid.UUID `json:"account_id"`
	ProfessionalID      uuid.UUID `json:"professional_id"`
	Weekday             int       `json:"weekday"` // 0 = Sunday
	StartTime           string    `json:"start_time"`
	EndTime             string    `json:"end_time"`
	GranularityMinutes  int       `json:"granularity_minutes"`
	BufferBeforeMinutes int       `json:"buffer_before_minutes"`
	BufferAfterMinutes  int       `json:"buffer_after_minutes"`
}

type BlockKind string

const (
	BlockGeneric     BlockKind = "block"
	BlockVacation    BlockKind = "vacation"
	BlockMeeting     BlockKind = "meeting"
	BlockMaintenance BlockKind = "maintenance"
)

// Block makes time unavailable. It is either one-off (StartAt/EndAt) or
// recurring weekly (Weekday + StartTime/EndTime). With neither professional
// nor resource set it applies to the whole account.
type Block struct {
	ID             uuid.UUID  `json:"id"`
	AccountID      uuid.UUID  `json:"account_id"`
	ProfessionalID *uuid.UUID `json:"professional_id,omitempty"`
	ResourceID     *uuid.UUID `json:"resource_id,omitempty"`
	Kind           BlockKind  `json:"kind"`
	Reason         string     `json:"reason,omitempty"`
	StartAt        *time.Time `json:"start_at,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	Weekday        *int       `json:"weekday,omitempty"`
	StartTime      string     `json:"start_time,omitempty"`
	EndTime        string     `json:"end_time,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (b Block) Recurring() bool { return b.Weekday != nil }

type Hold struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	ProfessionalID *uuid.UUID      `json:"professional_id,omitempty"`
	ResourceID     *uuid.UUID      `json:"resource_id,omitempty"`
	ProcedureID    uuid.UUID       `json:"procedure_id"`
	PatientRef     json.RawMessage `json:"patient_ref,omitempty"`
	StartAt        time.Time       `json:"start_at"`
	EndAt          time.Time       `json:"end_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Status         HoldStatus      `json:"status"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	AppointmentID  *uuid.UUID      `json:"appointment_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Blocking reports whether the hold still reserves its interval at now.
func (h Hold) Blocking(now time.Time) bool {
	return h.Status == HoldActive && h.ExpiresAt.After(now)
}

type Appointment struct {
	ID             uuid.UUID         `json:"id"`
	AccountID      uuid.UUID         `json:"account_id"`
	ProfessionalID *uuid.UUID        `json:"professional_id,omitempty"`
	ResourceID     *uuid.UUID        `json:"resource_id,omitempty"`
	ProcedureID    uuid.UUID         `json:"procedure_id"`
	HoldID         *uuid.UUID        `json:"hold_id,omitempty"`
	PatientRef     json.RawMessage   `json:"patient_ref,omitempty"`
	StartAt        time.Time         `json:"start_at"`
	EndAt          time.Time         `json:"end_at"`
	Status         AppointmentStatus `json:"status"`
	Version        int               `json:"version"`
	Notes          string            `json:"notes,omitempty"`
	CancelReason   string            `json:"cancel_reason,omitempty"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ReminderKind selects which reminder column an appointment is claimed through.
type ReminderKind string

const (
	ReminderD1 ReminderKind = "d1"
	ReminderD0 ReminderKind = "d0"
)
