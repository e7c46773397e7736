package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RuleInput struct {
	StartTime           string
	EndTime             string
	GranularityMinutes  int
	BufferBeforeMinutes int
	BufferAfterMinutes  int
}

// ReplaceRules swaps every rule of one professional on one weekday.
// An empty list makes the day unavailable.
func (s *Service) ReplaceRules(ctx context.Context, accountID, professionalID uuid.UUID, weekday int, in []RuleInput) ([]AvailabilityRule, error) {
	if weekday < 0 || weekday > 6 {
		return nil, invalid("weekday", "must be between 0 (Sunday) and 6")
	}
	if _, err := s.store.GetProfessional(ctx, accountID, professionalID); err != nil {
		return nil, err
	}

	rules := make([]AvailabilityRule, 0, len(in))
	for i, r := range in {
		if _, _, err := parseWindow(r.StartTime, r.EndTime); err != nil {
			return nil, invalid(fmt.Sprintf("rules[%d]", i), err.Error())
		}
		if r.GranularityMinutes < 0 {
			return nil, invalid(fmt.Sprintf("rules[%d].granularity_minutes", i), "must not be negative")
		}
		if r.BufferBeforeMinutes < 0 || r.BufferAfterMinutes < 0 {
			return nil, invalid(fmt.Sprintf("rules[%d]", i), "buffers must not be negative")
		}
		rules = append(rules, AvailabilityRule{
			ID:                  uuid.New(),
			AccountID:           accountID,
			ProfessionalID:      professionalID,
			Weekday:             weekday,
			StartTime:           r.StartTime[:5],
			EndTime:             r.EndTime[:5],
			GranularityMinutes:  r.GranularityMinutes,
			BufferBeforeMinutes: r.BufferBeforeMinutes,
			BufferAfterMinutes:  r.BufferAfterMinutes,
		})
	}

	err := s.store.WithTx(ctx, func(txCtx context.Context) error {
		return s.store.ReplaceRules(txCtx, accountID, professionalID, weekday, rules)
	})
	if err != nil {
		return nil, fmt.Errorf("replace rules: %w", err)
	}
	return rules, nil
}

type BlockInput struct {
	AccountID      uuid.UUID
	ProfessionalID *uuid.UUID
	ResourceID     *uuid.UUID
	Kind           BlockKind
	Reason         string
	StartAt        *time.Time
	EndAt          *time.Time
	Weekday        *int
	StartTime      string
	EndTime        string
}

// CreateBlock stores a one-off or weekly block. It does not touch existing
// bookings inside the blocked time.
func (s *Service) CreateBlock(ctx context.Context, in BlockInput) (Block, error) {
	kind := in.Kind
	if kind == "" {
		kind = BlockGeneric
	}
	switch kind {
	case BlockGeneric, BlockVacation, BlockMeeting, BlockMaintenance:
	default:
		return Block{}, invalid("kind", fmt.Sprintf("unknown block kind %q", kind))
	}

	b := Block{
		ID:             uuid.New(),
		AccountID:      in.AccountID,
		ProfessionalID: in.ProfessionalID,
		ResourceID:     in.ResourceID,
		Kind:           kind,
		Reason:         in.Reason,
		CreatedAt:      s.clock.Now(),
	}

	switch {
	case in.Weekday != nil:
		if *in.Weekday < 0 || *in.Weekday > 6 {
			return Block{}, invalid("weekday", "must be between 0 (Sunday) and 6")
		}
		if _, _, err := parseWindow(in.StartTime, in.EndTime); err != nil {
			return Block{}, invalid("start_time", err.Error())
		}
		wd := *in.Weekday
		b.Weekday = &wd
		b.StartTime, b.EndTime = in.StartTime[:5], in.EndTime[:5]
	case in.StartAt != nil && in.EndAt != nil:
		if !in.EndAt.After(*in.StartAt) {
			return Block{}, invalid("end_at", "end_at must be after start_at")
		}
		start, end := in.StartAt.UTC(), in.EndAt.UTC()
		b.StartAt, b.EndAt = &start, &end
	default:
		return Block{}, invalid("start_at", "either start_at/end_at or weekday/start_time/end_time is required")
	}

	if in.ProfessionalID != nil {
		if _, err := s.store.GetProfessional(ctx, in.AccountID, *in.ProfessionalID); err != nil {
			return Block{}, err
		}
	}
	if in.ResourceID != nil {
		if _, err := s.store.GetResource(ctx, in.AccountID, *in.ResourceID); err != nil {
			return Block{}, err
		}
	}

	if err := s.store.InsertBlock(ctx, b); err != nil {
		return Block{}, fmt.Errorf("insert block: %w", err)
	}
	return b, nil
}

func (s *Service) DeleteBlock(ctx context.Context, accountID, id uuid.UUID) error {
	deleted, err := s.store.DeleteBlock(ctx, accountID, id)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	if !deleted {
		return ErrBlockNotFound
	}
	return nil
}
