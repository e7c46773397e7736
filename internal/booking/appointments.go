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

type ConfirmInput struct {
	AccountID      uuid.UUID
	HoldID         uuid.UUID
	IdempotencyKey string
	Notes          string
}

// Confirm converts an active hold into a confirmed appointment.
// The bool is true when an existing appointment was returned instead.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (Appointment, bool, error) {
	a, replayed, err := s.confirm(ctx, in)
	s.observe("confirm", err)
	if err == nil && !replayed {
		s.logger.Info("hold confirmed",
			"account_id", a.AccountID,
			"hold_id", in.HoldID,
			"appointment_id", a.ID,
		)
	}
	return a, replayed, err
}

func (s *Service) confirm(ctx context.Context, in ConfirmInput) (Appointment, bool, error) {
	if in.IdempotencyKey != "" {
		existing, err := s.replayConfirm(ctx, in)
		if err != nil || existing != nil {
			return deref(existing), existing != nil, err
		}
	}

	hold, err := s.store.GetHold(ctx, in.AccountID, in.HoldID)
	if err != nil {
		return Appointment{}, false, err
	}
	if hold.Status == HoldConverted && in.IdempotencyKey == "" {
		// a second click on the same confirmation
		existing, err := s.store.FindAppointmentByHold(ctx, in.AccountID, hold.ID)
		if err != nil {
			return Appointment{}, false, fmt.Errorf("lookup appointment by hold: %w", err)
		}
		if existing != nil {
			return *existing, true, nil
		}
	}

	var (
		appt     Appointment
		ev       events
		replayed bool
	)
	err = s.guard.Serialize(ctx, ScopesFor(hold.AccountID, hold.ProfessionalID, hold.ResourceID), func(txCtx context.Context) error {
		h, err := s.store.GetHoldForUpdate(txCtx, in.AccountID, in.HoldID)
		if err != nil {
			return err
		}

		// a concurrent confirmation of this hold may have won the lock first
		var existing *Appointment
		switch {
		case in.IdempotencyKey != "":
			existing, err = s.replayConfirm(txCtx, in)
		case h.Status == HoldConverted:
			existing, err = s.store.FindAppointmentByHold(txCtx, in.AccountID, h.ID)
		}
		if err != nil {
			return err
		}
		if existing != nil {
			appt, replayed = *existing, true
			return nil
		}

		now := s.clock.Now()
		if h.Status == HoldExpired || (h.Status == HoldActive && !h.ExpiresAt.After(now)) {
			return ErrHoldExpired
		}
		if h.Status != HoldActive {
			return ErrHoldNotActive
		}

		if err := s.guard.Validate(txCtx, Check{
			AccountID:      h.AccountID,
			ProfessionalID: h.ProfessionalID,
			ResourceID:     h.ResourceID,
			Start:          h.StartAt,
			End:            h.EndAt,
			ExcludeHoldID:  &h.ID,
		}); err != nil {
			return err
		}

		holdID := h.ID
		appt = Appointment{
			ID:             uuid.New(),
			AccountID:      h.AccountID,
			ProfessionalID: h.ProfessionalID,
			ResourceID:     h.ResourceID,
			ProcedureID:    h.ProcedureID,
			HoldID:         &holdID,
			PatientRef:     h.PatientRef,
			StartAt:        h.StartAt,
			EndAt:          h.EndAt,
			Status:         StatusConfirmed,
			Version:        0,
			Notes:          in.Notes,
			IdempotencyKey: optionalKey(in.IdempotencyKey),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.store.InsertAppointment(txCtx, appt); err != nil {
			return err
		}

		converted, err := s.store.ConvertHold(txCtx, h.AccountID, h.ID, appt.ID, now)
		if err != nil {
			return fmt.Errorf("convert hold: %w", err)
		}
		if !converted {
			return ErrHoldNotActive
		}
		h.Status = HoldConverted
		h.AppointmentID = &appt.ID
		h.UpdatedAt = now

		if err := s.record(txCtx, &ev, h.AccountID, outbox.HoldConverted, h); err != nil {
			return err
		}
		return s.record(txCtx, &ev, appt.AccountID, outbox.AppointmentCreated, appt)
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		existing, replayErr := s.replayConfirm(ctx, in)
		if replayErr != nil {
			return Appointment{}, false, replayErr
		}
		if existing == nil {
			return Appointment{}, false, fmt.Errorf("appointment with idempotency key %q vanished", in.IdempotencyKey)
		}
		return *existing, true, nil
	}
	if err != nil {
		return Appointment{}, false, err
	}
	if replayed {
		return appt, true, nil
	}

	s.publish(&ev)
	return appt, false, nil
}

func (s *Service) replayConfirm(ctx context.Context, in ConfirmInput) (*Appointment, error) {
	existing, err := s.store.FindAppointmentByIdempotencyKey(ctx, in.AccountID, in.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("lookup appointment by idempotency key: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.HoldID == nil || *existing.HoldID != in.HoldID {
		return nil, ErrIdempotencyConflict
	}
	return existing, nil
}

func deref(a *Appointment) Appointment {
	if a == nil {
		return Appointment{}
	}
	return *a
}

type CreateAppointmentInput struct {
	AccountID      uuid.UUID
	ProfessionalID *uuid.UUID
	ResourceID     *uuid.UUID
	ProcedureID    uuid.UUID
	Start          time.Time
	PatientRef     json.RawMessage
	Notes          string
	IdempotencyKey string
}

// CreateAppointment books directly, without a hold, in status scheduled.
func (s *Service) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (Appointment, bool, error) {
	a, replayed, err := s.createAppointment(ctx, in)
	s.observe("create_appointment", err)
	return a, replayed, err
}

func (s *Service) createAppointment(ctx context.Context, in CreateAppointmentInput) (Appointment, bool, error) {
	if len(in.PatientRef) > 0 && !json.Valid(in.PatientRef) {
		return Appointment{}, false, invalid("patient_ref", "must be valid JSON")
	}
	if in.Start.IsZero() {
		return Appointment{}, false, invalid("start", "is required")
	}

	replay := func(ctx context.Context) (*Appointment, error) {
		return s.store.FindAppointmentByIdempotencyKey(ctx, in.AccountID, in.IdempotencyKey)
	}
	if in.IdempotencyKey != "" {
		existing, err := replay(ctx)
		if err != nil {
			return Appointment{}, false, fmt.Errorf("lookup appointment by idempotency key: %w", err)
		}
		if existing != nil {
			return *existing, true, nil
		}
	}

	proc, err := s.resolveTarget(ctx, in.AccountID, in.ProfessionalID, in.ResourceID, in.ProcedureID)
	if err != nil {
		return Appointment{}, false, err
	}

	now := s.clock.Now()
	start := in.Start.UTC()
	if start.Before(now) {
		return Appointment{}, false, invalid("start", "must not be in the past")
	}

	appt := Appointment{
		ID:             uuid.New(),
		AccountID:      in.AccountID,
		ProfessionalID: in.ProfessionalID,
		ResourceID:     in.ResourceID,
		ProcedureID:    proc.ID,
		PatientRef:     in.PatientRef,
		StartAt:        start,
		EndAt:          start.Add(proc.Duration()),
		Status:         StatusScheduled,
		Notes:          in.Notes,
		IdempotencyKey: optionalKey(in.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var (
		ev     events
		winner *Appointment
	)
	err = s.guard.Serialize(ctx, ScopesFor(appt.AccountID, appt.ProfessionalID, appt.ResourceID), func(txCtx context.Context) error {
		if in.IdempotencyKey != "" {
			existing, err := replay(txCtx)
			if err != nil {
				return fmt.Errorf("lookup appointment by idempotency key: %w", err)
			}
			if existing != nil {
				winner = existing
				return nil
			}
		}
		if err := s.guard.Validate(txCtx, Check{
			AccountID:      appt.AccountID,
			ProfessionalID: appt.ProfessionalID,
			ResourceID:     appt.ResourceID,
			Start:          appt.StartAt,
			End:            appt.EndAt,
		}); err != nil {
			return err
		}
		if err := s.store.InsertAppointment(txCtx, appt); err != nil {
			return err
		}
		return s.record(txCtx, &ev, appt.AccountID, outbox.AppointmentCreated, appt)
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		existing, replayErr := replay(ctx)
		if replayErr != nil {
			return Appointment{}, false, fmt.Errorf("reload appointment by idempotency key: %w", replayErr)
		}
		if existing == nil {
			return Appointment{}, false, fmt.Errorf("appointment with idempotency key %q vanished", in.IdempotencyKey)
		}
		return *existing, true, nil
	}
	if err != nil {
		return Appointment{}, false, err
	}
	if winner != nil {
		return *winner, true, nil
	}

	s.publish(&ev)
	return appt, false, nil
}

func (s *Service) GetAppointment(ctx context.Context, accountID, id uuid.UUID) (Appointment, error) {
	return s.store.GetAppointment(ctx, accountID, id)
}

// AppointmentPatch lists the fields a PATCH may change. Nil means untouched.
type AppointmentPatch struct {
	Start          *time.Time
	End            *time.Time
	ProfessionalID *uuid.UUID
	ResourceID     *uuid.UUID
	ClearResource  bool
	Status         *AppointmentStatus
	Notes          *string
}

// apply returns cur with the patch applied and whether the occupied interval
// or its owners changed.
func (p AppointmentPatch) apply(cur Appointment) (Appointment, bool, error) {
	next := cur
	moved := false

	if p.Start != nil || p.End != nil {
		if cur.Status.Terminal() {
			return Appointment{}, false, invalid("status", fmt.Sprintf("cannot move a %s appointment", cur.Status))
		}
		duration := cur.EndAt.Sub(cur.StartAt)
		if p.Start != nil {
			next.StartAt = p.Start.UTC()
			next.EndAt = next.StartAt.Add(duration)
		}
		if p.End != nil {
			next.EndAt = p.End.UTC()
		}
		if !next.EndAt.After(next.StartAt) {
			return Appointment{}, false, invalid("end", "end must be after start")
		}
		moved = !next.StartAt.Equal(cur.StartAt) || !next.EndAt.Equal(cur.EndAt)
	}

	if p.ProfessionalID != nil && (cur.ProfessionalID == nil || *cur.ProfessionalID != *p.ProfessionalID) {
		id := *p.ProfessionalID
		next.ProfessionalID = &id
		moved = true
	}
	if p.ClearResource && cur.ResourceID != nil {
		next.ResourceID = nil
		moved = true
	} else if p.ResourceID != nil && (cur.ResourceID == nil || *cur.ResourceID != *p.ResourceID) {
		id := *p.ResourceID
		next.ResourceID = &id
		moved = true
	}
	if next.ProfessionalID == nil && next.ResourceID == nil {
		return Appointment{}, false, invalid("resource_id", "appointment needs a professional or a resource")
	}

	if p.Status != nil {
		if !p.Status.Valid() {
			return Appointment{}, false, invalid("status", fmt.Sprintf("unknown status %q", *p.Status))
		}
		if !CanTransition(cur.Status, *p.Status) {
			return Appointment{}, false, invalid("status", fmt.Sprintf("cannot go from %s to %s", cur.Status, *p.Status))
		}
		next.Status = *p.Status
	}
	if p.Notes != nil {
		next.Notes = *p.Notes
	}

	return next, moved, nil
}

// PatchAppointment applies p if the appointment is still at expectedVersion.
func (s *Service) PatchAppointment(ctx context.Context, accountID, id uuid.UUID, expectedVersion int, p AppointmentPatch) (Appointment, error) {
	a, err := s.patchAppointment(ctx, accountID, id, expectedVersion, p)
	s.observe("patch", err)
	return a, err
}

func (s *Service) patchAppointment(ctx context.Context, accountID, id uuid.UUID, expectedVersion int, p AppointmentPatch) (Appointment, error) {
	cur, err := s.store.GetAppointment(ctx, accountID, id)
	if err != nil {
		return Appointment{}, err
	}
	if cur.Version != expectedVersion {
		return Appointment{}, ErrVersionMismatch
	}
	planned, _, err := p.apply(cur)
	if err != nil {
		return Appointment{}, err
	}

	scopes := append(
		ScopesFor(accountID, cur.ProfessionalID, cur.ResourceID),
		ScopesFor(accountID, planned.ProfessionalID, planned.ResourceID)...,
	)

	var (
		next Appointment
		ev   events
	)
	err = s.guard.Serialize(ctx, scopes, func(txCtx context.Context) error {
		locked, err := s.store.GetAppointmentForUpdate(txCtx, accountID, id)
		if err != nil {
			return err
		}
		if locked.Version != expectedVersion {
			return ErrVersionMismatch
		}
		var moved bool
		next, moved, err = p.apply(locked)
		if err != nil {
			return err
		}

		if moved && next.Status.Blocking() {
			if err := s.guard.Validate(txCtx, Check{
				AccountID:            accountID,
				ProfessionalID:       next.ProfessionalID,
				ResourceID:           next.ResourceID,
				Start:                next.StartAt,
				End:                  next.EndAt,
				ExcludeAppointmentID: &locked.ID,
			}); err != nil {
				return err
			}
		}

		next.Version = expectedVersion + 1
		next.UpdatedAt = s.clock.Now()
		ok, err := s.store.UpdateAppointment(txCtx, next, expectedVersion)
		if err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		if !ok {
			return ErrVersionMismatch
		}

		if err := s.record(txCtx, &ev, accountID, outbox.AppointmentUpdated, next); err != nil {
			return err
		}
		if next.Status == StatusCancelled && locked.Status != StatusCancelled {
			return s.record(txCtx, &ev, accountID, outbox.AppointmentCancelled, next)
		}
		return nil
	})
	if err != nil {
		return Appointment{}, err
	}

	s.publish(&ev)
	return next, nil
}

// CancelAppointment moves an appointment to cancelled. Cancelling twice is a no-op.
func (s *Service) CancelAppointment(ctx context.Context, accountID, id uuid.UUID, reason string) (Appointment, error) {
	var (
		appt Appointment
		ev   events
	)
	err := s.store.WithTx(ctx, func(txCtx context.Context) error {
		cur, err := s.store.GetAppointmentForUpdate(txCtx, accountID, id)
		if err != nil {
			return err
		}
		if cur.Status == StatusCancelled {
			appt = cur
			return nil
		}
		appt, err = s.cancelLocked(txCtx, &ev, cur, reason)
		return err
	})
	s.observe("cancel", err)
	if err != nil {
		return Appointment{}, err
	}
	s.publish(&ev)
	return appt, nil
}

func (s *Service) cancelLocked(ctx context.Context, ev *events, cur Appointment, reason string) (Appointment, error) {
	if !CanTransition(cur.Status, StatusCancelled) {
		return Appointment{}, invalid("status", fmt.Sprintf("cannot cancel a %s appointment", cur.Status))
	}
	next := cur
	next.Status = StatusCancelled
	next.CancelReason = reason
	next.Version = cur.Version + 1
	next.UpdatedAt = s.clock.Now()

	ok, err := s.store.UpdateAppointment(ctx, next, cur.Version)
	if err != nil {
		return Appointment{}, fmt.Errorf("cancel appointment: %w", err)
	}
	if !ok {
		return Appointment{}, ErrVersionMismatch
	}
	if err := s.record(ctx, ev, next.AccountID, outbox.AppointmentCancelled, next); err != nil {
		return Appointment{}, err
	}
	return next, nil
}

const rescheduledReason = "rescheduled"

// Reschedule cancels the appointment and places a hold of the same length at
// newStart. Nothing changes if the new interval is taken.
func (s *Service) Reschedule(ctx context.Context, accountID, id uuid.UUID, newStart time.Time) (Hold, error) {
	h, err := s.reschedule(ctx, accountID, id, newStart)
	s.observe("reschedule", err)
	return h, err
}

func (s *Service) reschedule(ctx context.Context, accountID, id uuid.UUID, newStart time.Time) (Hold, error) {
	if newStart.IsZero() {
		return Hold{}, invalid("start", "is required")
	}
	newStart = newStart.UTC()
	if newStart.Before(s.clock.Now()) {
		return Hold{}, invalid("start", "must not be in the past")
	}

	cur, err := s.store.GetAppointment(ctx, accountID, id)
	if err != nil {
		return Hold{}, err
	}

	var (
		hold Hold
		ev   events
	)
	err = s.guard.Serialize(ctx, ScopesFor(accountID, cur.ProfessionalID, cur.ResourceID), func(txCtx context.Context) error {
		locked, err := s.store.GetAppointmentForUpdate(txCtx, accountID, id)
		if err != nil {
			return err
		}
		if !locked.Status.Blocking() {
			return invalid("status", fmt.Sprintf("cannot reschedule a %s appointment", locked.Status))
		}

		now := s.clock.Now()
		hold = Hold{
			ID:             uuid.New(),
			AccountID:      accountID,
			ProfessionalID: locked.ProfessionalID,
			ResourceID:     locked.ResourceID,
			ProcedureID:    locked.ProcedureID,
			PatientRef:     locked.PatientRef,
			StartAt:        newStart,
			EndAt:          newStart.Add(locked.EndAt.Sub(locked.StartAt)),
			ExpiresAt:      now.Add(s.holdTTL),
			Status:         HoldActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if err := s.guard.Validate(txCtx, Check{
			AccountID:            accountID,
			ProfessionalID:       hold.ProfessionalID,
			ResourceID:           hold.ResourceID,
			Start:                hold.StartAt,
			End:                  hold.EndAt,
			ExcludeAppointmentID: &locked.ID,
		}); err != nil {
			return err
		}

		if _, err := s.cancelLocked(txCtx, &ev, locked, rescheduledReason); err != nil {
			return err
		}
		if err := s.store.InsertHold(txCtx, hold); err != nil {
			return err
		}
		return s.record(txCtx, &ev, accountID, outbox.HoldCreated, hold)
	})
	if err != nil {
		return Hold{}, err
	}

	s.publish(&ev)
	s.logger.Info("appointment rescheduled",
		"account_id", accountID,
		"appointment_id", id,
		"hold_id", hold.ID,
	)
	return hold, nil
}
