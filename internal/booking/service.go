package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/slot-booking-engine/internal/clock"
	"github.com/hackgods/slot-booking-engine/internal/metrics"
	"github.com/hackgods/slot-booking-engine/internal/outbox"
	"github.com/hackgods/slot-booking-engine/pkg/logging"
)

const (
	defaultHoldTTL        = 15 * time.Minute
	defaultGranularity    = 15 * time.Minute
	defaultReminderD0Lead = 2 * time.Hour
	defaultSweepBatch     = 200
	maxAvailabilityDays   = 62
)

// Service is the booking engine: availability, holds and the appointment lifecycle.
type Service struct {
	store     Store
	guard     *Guard
	locker    Locker
	clock     clock.Clock
	publisher outbox.Publisher
	metrics   *metrics.BookingMetrics
	logger    *logging.Logger

	holdTTL            time.Duration
	defaultGranularity time.Duration
	defaultLoc         *time.Location
	reminderD0Lead     time.Duration
	sweepBatch         int
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithPublisher(p outbox.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithMetrics(m *metrics.BookingMetrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *logging.Logger) Option { return func(s *Service) { s.logger = l } }

func WithHoldTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.holdTTL = ttl
		}
	}
}

func WithDefaultGranularity(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.defaultGranularity = d
		}
	}
}

func WithDefaultLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.defaultLoc = loc
		}
	}
}

func WithReminderD0Lead(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.reminderD0Lead = d
		}
	}
}

func WithSweepBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sweepBatch = n
		}
	}
}

func NewService(store Store, locker Locker, opts ...Option) *Service {
	s := &Service{
		store:              store,
		locker:             locker,
		clock:              clock.System(),
		publisher:          outbox.NopPublisher(),
		logger:             logging.Default(),
		holdTTL:            defaultHoldTTL,
		defaultGranularity: defaultGranularity,
		defaultLoc:         time.UTC,
		reminderD0Lead:     defaultReminderD0Lead,
		sweepBatch:         defaultSweepBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.guard = NewGuard(store, locker, s.clock, s.metrics, s.logger, s.defaultLoc)
	return s
}

func (s *Service) Guard() *Guard { return s.guard }

// Validate checks an interval under its scope locks without writing anything.
func (s *Service) Validate(ctx context.Context, c Check) error {
	err := s.guard.Check(ctx, c)
	s.observe("validate", err)
	return err
}

// events collects outbox rows written inside a transaction so they can be
// handed to the publisher once it commits.
type events struct {
	list []outbox.Event
}

func (s *Service) record(ctx context.Context, ev *events, accountID uuid.UUID, eventType string, payload any) error {
	e, err := outbox.NewEvent(accountID, eventType, payload, s.clock.Now())
	if err != nil {
		return err
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	ev.list = append(ev.list, e)
	return nil
}

func (s *Service) publish(ev *events) {
	if len(ev.list) > 0 {
		s.publisher.Publish(ev.list...)
	}
}

func (s *Service) observe(op string, err error) {
	s.metrics.ObserveOperation(op, resultLabel(err))
}

func resultLabel(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, new(*ConflictError)):
		return "conflict"
	case errors.Is(err, ErrHoldExpired):
		return "expired"
	case errors.Is(err, ErrHoldNotActive):
		return "not_active"
	case errors.Is(err, ErrVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.As(err, &verr):
		return "invalid"
	case IsNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}

// resolveTarget loads and checks everything a new hold or appointment refers to.
func (s *Service) resolveTarget(ctx context.Context, accountID uuid.UUID, professionalID, resourceID *uuid.UUID, procedureID uuid.UUID) (Procedure, error) {
	if professionalID == nil && resourceID == nil {
		return Procedure{}, invalid("professional_id", "professional_id or resource_id is required")
	}
	if procedureID == uuid.Nil {
		return Procedure{}, invalid("procedure_id", "is required")
	}

	proc, err := s.store.GetProcedure(ctx, accountID, procedureID)
	if err != nil {
		return Procedure{}, err
	}
	if proc.DurationMinutes <= 0 {
		return Procedure{}, invalid("procedure_id", "procedure has no duration")
	}

	if professionalID != nil {
		prof, err := s.store.GetProfessional(ctx, accountID, *professionalID)
		if err != nil {
			return Procedure{}, err
		}
		if !prof.Active {
			return Procedure{}, invalid("professional_id", "professional is inactive")
		}
	}

	if resourceID != nil {
		res, err := s.store.GetResource(ctx, accountID, *resourceID)
		if err != nil {
			return Procedure{}, err
		}
		if !res.Active {
			return Procedure{}, invalid("resource_id", "resource is inactive")
		}
		if proc.RequiredResourceType != "" && res.ResourceType != proc.RequiredResourceType {
			return Procedure{}, invalid("resource_id", fmt.Sprintf("procedure needs a %s resource", proc.RequiredResourceType))
		}
	} else if proc.RequiresResource {
		return Procedure{}, invalid("resource_id", "procedure requires a resource")
	}

	return proc, nil
}

func optionalKey(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}
