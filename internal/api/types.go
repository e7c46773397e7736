package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/slot-booking-engine/internal/booking"
	"github.com/hackgods/slot-booking-engine/internal/webhook"
)

type CreateHoldRequest struct {
	ProfessionalID *uuid.UUID      `json:"professional_id"`
	ResourceID     *uuid.UUID      `json:"resource_id"`
	ProcedureID    uuid.UUID       `json:"procedure_id"`
	Start          time.Time       `json:"start"`
	PatientRef     json.RawMessage `json:"patient_ref,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type ConfirmHoldRequest struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

type CreateAppointmentRequest struct {
	ProfessionalID *uuid.UUID      `json:"professional_id"`
	ResourceID     *uuid.UUID      `json:"resource_id"`
	ProcedureID    uuid.UUID       `json:"procedure_id"`
	Start          time.Time       `json:"start"`
	PatientRef     json.RawMessage `json:"patient_ref,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// PatchAppointmentRequest changes only the fields that are present.
type PatchAppointmentRequest struct {
	Version        *int       `json:"version"`
	Start          *time.Time `json:"start,omitempty"`
	End            *time.Time `json:"end,omitempty"`
	ProfessionalID *uuid.UUID `json:"professional_id,omitempty"`
	ResourceID     *uuid.UUID `json:"resource_id,omitempty"`
	ClearResource  bool       `json:"clear_resource,omitempty"`
	Status         *string    `json:"status,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RescheduleRequest struct {
	Start time.Time `json:"start"`
}

type RuleRequest struct {
	StartTime           string `json:"start_time"`
	EndTime             string `json:"end_time"`
	GranularityMinutes  int    `json:"granularity_minutes,omitempty"`
	BufferBeforeMinutes int    `json:"buffer_before_minutes,omitempty"`
	BufferAfterMinutes  int    `json:"buffer_after_minutes,omitempty"`
}

type ReplaceRulesRequest struct {
	Rules []RuleRequest `json:"rules"`
}

type CreateBlockRequest struct {
	ProfessionalID *uuid.UUID `json:"professional_id,omitempty"`
	ResourceID     *uuid.UUID `json:"resource_id,omitempty"`
	Kind           string     `json:"kind,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	StartAt        *time.Time `json:"start_at,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	Weekday        *int       `json:"weekday,omitempty"`
	StartTime      string     `json:"start_time,omitempty"`
	EndTime        string     `json:"end_time,omitempty"`
}

type CreateSubscriptionRequest struct {
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"event_types"`
}

type AvailabilityResponse struct {
	Slots []booking.Slot `json:"slots"`
}

type RulesResponse struct {
	Rules []booking.AvailabilityRule `json:"rules"`
}

type SubscriptionsResponse struct {
	Subscriptions []webhook.Subscription `json:"subscriptions"`
}

type DeliveriesResponse struct {
	Deliveries []webhook.Delivery `json:"deliveries"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}
