package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/slot-booking-engine/internal/outbox"
)

type CreateHoldInput struct {
	AccountID      uuid.UUID
	ProfessionalID *uuid.UUID
	ResourceID     *uuid.UUID
	ProcedureID    uuid.UUID
	Start          time.Time
	PatientRef     json.RawMessage
	IdempotencyKey string
}

// CreateHold reserves [start, start+duration) for the hold TTL.
// The bool is true when an earlier hold with the same idempotency key was returned.
func (s *Service) CreateHold(ctx context.Context, in CreateHoldInput) (Hold, bool, error) {
	h, replayed, err := s.createHold(ctx, in)
	s.observe("create_hold", err)
	return h, replayed, err
}

func (s *Service) createHold(ctx context.Context, in CreateHoldInput) (Hold, bool, error) {
	if len(in.PatientRef) > 0 && !json.Valid(in.PatientRef) {
		return Hold{}, false, invalid("patient_ref", "must be valid JSON")
	}
	if in.Start.IsZero() {
		return Hold{}, false, invalid("start", "is required")
	}

	if in.IdempotencyKey != "" {
		existing, err := s.store.FindHoldByIdempotencyKey(ctx, in.AccountID, in.IdempotencyKey)
		if err != nil {
			return Hold{}, false, fmt.Errorf("lookup hold by idempotency key: %w", err)
		}
		if existing != nil {
			return *existing, true, nil
		}
	}

	proc, err := s.resolveTarget(ctx, in.AccountID, in.ProfessionalID, in.ResourceID, in.ProcedureID)
	if err != nil {
		return Hold{}, false, err
	}

	now := s.clock.Now()
	start := in.Start.UTC()
	if start.Before(now) {
		return Hold{}, false, invalid("start", "must not be in the past")
	}

	hold := Hold{
		ID:             uuid.New(),
		AccountID:      in.AccountID,
		ProfessionalID: in.ProfessionalID,
		ResourceID:     in.ResourceID,
		ProcedureID:    proc.ID,
		PatientRef:     in.PatientRef,
		StartAt:        start,
		EndAt:          start.Add(proc.Duration()),
		ExpiresAt:      now.Add(s.holdTTL),
		Status:         HoldActive,
		IdempotencyKey: optionalKey(in.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var (
		ev     events
		winner *Hold
	)
	err = s.guard.Serialize(ctx, ScopesFor(in.AccountID, in.ProfessionalID, in.ResourceID), func(txCtx context.Context) error {
		// a same-key request may have committed while we waited for the lock
		if in.IdempotencyKey != "" {
			existing, err := s.store.FindHoldByIdempotencyKey(txCtx, in.AccountID, in.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("lookup hold by idempotency key: %w", err)
			}
			if existing != nil {
				winner = existing
				return nil
			}
		}
		if err := s.guard.Validate(txCtx, Check{
			AccountID:      hold.AccountID,
			ProfessionalID: hold.ProfessionalID,
			ResourceID:     hold.ResourceID,
			Start:          hold.StartAt,
			End:            hold.EndAt,
		}); err != nil {
			return err
		}
		if err := s.store.InsertHold(txCtx, hold); err != nil {
			return err
		}
		return s.record(txCtx, &ev, hold.AccountID, outbox.HoldCreated, hold)
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// lost the race to a request with the same key; hand back the winner
		existing, lookupErr := s.store.FindHoldByIdempotencyKey(ctx, in.AccountID, in.IdempotencyKey)
		if lookupErr != nil {
			return Hold{}, false, fmt.Errorf("reload hold by idempotency key: %w", lookupErr)
		}
		if existing == nil {
			return Hold{}, false, fmt.Errorf("hold with idempotency key %q vanished", in.IdempotencyKey)
		}
		return *existing, true, nil
	}
	if err != nil {
		return Hold{}, false, err
	}
	if winner != nil {
		return *winner, true, nil
	}

	s.publish(&ev)
	s.logger.Info("hold created",
		"account_id", hold.AccountID,
		"hold_id", hold.ID,
		"start", hold.StartAt,
		"expires_at", hold.ExpiresAt,
	)
	return hold, false, nil
}

func (s *Service) GetHold(ctx context.Context, accountID, id uuid.UUID) (Hold, error) {
	return s.store.GetHold(ctx, accountID, id)
}

// CancelHold releases an active hold. Holds in any other status are returned unchanged.
func (s *Service) CancelHold(ctx context.Context, accountID, id uuid.UUID) (Hold, error) {
	var (
		hold Hold
		ev   events
	)
	err := s.store.WithTx(ctx, func(txCtx context.Context) error {
		if _, err := s.store.GetHoldForUpdate(txCtx, accountID, id); err != nil {
			return err
		}
		changed, err := s.store.CancelHold(txCtx, accountID, id, s.clock.Now())
		if err != nil {
			return fmt.Errorf("cancel hold: %w", err)
		}
		hold, err = s.store.GetHold(txCtx, accountID, id)
		if err != nil {
			return err
		}
		if changed {
			return s.record(txCtx, &ev, accountID, outbox.HoldCancelled, hold)
		}
		return nil
	})
	s.observe("cancel_hold", err)
	if err != nil {
		return Hold{}, err
	}
	s.publish(&ev)
	return hold, nil
}
