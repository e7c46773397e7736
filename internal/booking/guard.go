package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/slot-booking-engine/internal/clock"
	"github.com/hackgods/slot-booking-engine/internal/metrics"
	"github.com/hackgods/slot-booking-engine/pkg/logging"
)

var tracer = otel.Tracer("github.com/hackgods/slot-booking-engine/internal/booking")

// Check describes an interval someone wants to occupy.
type Check struct {
	AccountID            uuid.UUID
	ProfessionalID       *uuid.UUID
	ResourceID           *uuid.UUID
	Start                time.Time
	End                  time.Time
	ExcludeHoldID        *uuid.UUID
	ExcludeAppointmentID *uuid.UUID
}

// Guard is the single place that decides whether an interval is free.
type Guard struct {
	store      Store
	locker     Locker
	clock      clock.Clock
	metrics    *metrics.BookingMetrics
	logger     *logging.Logger
	defaultLoc *time.Location
}

func NewGuard(store Store, locker Locker, clk clock.Clock, m *metrics.BookingMetrics, logger *logging.Logger, defaultLoc *time.Location) *Guard {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = logging.Default()
	}
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &Guard{store: store, locker: locker, clock: clk, metrics: m, logger: logger, defaultLoc: defaultLoc}
}

// Serialize holds the scope locks and runs fn inside one store transaction.
// Validate and the write that depends on it must both happen inside fn.
func (g *Guard) Serialize(ctx context.Context, scopes []Scope, fn func(ctx context.Context) error) error {
	ordered := orderScopes(scopes)
	if len(ordered) == 0 {
		return invalid("professional_id", "professional_id or resource_id is required")
	}

	started := time.Now()
	return g.locker.WithLock(ctx, ordered, func(lockCtx context.Context) error {
		g.metrics.ObserveLockWait(time.Since(started).Seconds())
		return g.store.WithTx(lockCtx, fn)
	})
}

// Check validates c under its own locks. Callers that also write use Serialize + Validate.
func (g *Guard) Check(ctx context.Context, c Check) error {
	return g.Serialize(ctx, ScopesFor(c.AccountID, c.ProfessionalID, c.ResourceID), func(txCtx context.Context) error {
		return g.Validate(txCtx, c)
	})
}

// Validate returns a *ConflictError for the first thing found occupying the
// interval, checking blocks, then live holds, then blocking appointments.
func (g *Guard) Validate(ctx context.Context, c Check) error {
	ctx, span := tracer.Start(ctx, "booking.guard.validate")
	defer span.End()

	if c.ProfessionalID == nil && c.ResourceID == nil {
		return invalid("professional_id", "professional_id or resource_id is required")
	}
	if !c.End.After(c.Start) {
		return invalid("end", "end must be after start")
	}

	window := Interval{Start: c.Start, End: c.End}
	q := BusyQuery{
		ProfessionalID:       c.ProfessionalID,
		ResourceID:           c.ResourceID,
		From:                 c.Start,
		To:                   c.End,
		ExcludeHoldID:        c.ExcludeHoldID,
		ExcludeAppointmentID: c.ExcludeAppointmentID,
	}

	kind, err := g.firstConflict(ctx, c.AccountID, q, window)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if kind == "" {
		return nil
	}

	span.SetAttributes(attribute.String("booking.conflict", string(kind)))
	g.metrics.ObserveConflict(string(kind))
	g.logger.Debug("slot conflict",
		"account_id", c.AccountID,
		"kind", kind,
		"start", c.Start,
		"end", c.End,
	)
	return &ConflictError{Kind: kind}
}

func (g *Guard) firstConflict(ctx context.Context, accountID uuid.UUID, q BusyQuery, window Interval) (ConflictKind, error) {
	blocks, err := g.store.ListBlocks(ctx, accountID, q)
	if err != nil {
		return "", fmt.Errorf("list blocks: %w", err)
	}
	if len(blocks) > 0 {
		loc, err := g.Location(ctx, accountID)
		if err != nil {
			return "", err
		}
		for _, b := range blocks {
			if len(blockIntervals(b, window, loc)) > 0 {
				return ConflictBlock, nil
			}
		}
	}

	holds, err := g.store.ListBlockingHolds(ctx, accountID, q, g.clock.Now())
	if err != nil {
		return "", fmt.Errorf("list holds: %w", err)
	}
	if len(holds) > 0 {
		return ConflictHold, nil
	}

	appts, err := g.store.ListBlockingAppointments(ctx, accountID, q)
	if err != nil {
		return "", fmt.Errorf("list appointments: %w", err)
	}
	if len(appts) > 0 {
		return ConflictAppointment, nil
	}
	return "", nil
}

// Location resolves the account timezone, falling back to the configured default.
func (g *Guard) Location(ctx context.Context, accountID uuid.UUID) (*time.Location, error) {
	tz, err := g.store.AccountTimezone(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account timezone: %w", err)
	}
	if tz == "" {
		return g.defaultLoc, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		g.logger.Warn("unknown account timezone, using default", "account_id", accountID, "timezone", tz)
		return g.defaultLoc, nil
	}
	return loc, nil
}
