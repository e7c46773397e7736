package webhook

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

type Subscription struct {
	ID         uuid.UUID `json:"id"`
	AccountID  uuid.UUID `json:"account_id"`
	URL        string    `json:"url"`
	Secret     string    `json:"-"`
	EventTypes []string  `json:"event_types"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s Subscription) Wants(eventType string) bool {
	return s.Enabled && slices.Contains(s.EventTypes, eventType)
}

type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "PENDING"
	StatusSent    DeliveryStatus = "SENT"
	StatusFailed  DeliveryStatus = "FAILED"
)

func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

type Delivery struct {
	ID             uuid.UUID      `json:"id"`
	AccountID      uuid.UUID      `json:"account_id"`
	EventID        uuid.UUID      `json:"event_id"`
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	EventType      string         `json:"event_type"`
	Body           []byte         `json:"-"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	ResponseStatus int            `json:"response_status,omitempty"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
