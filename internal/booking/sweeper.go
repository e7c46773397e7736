package booking

import (
	"context"
	"fmt"

	"github.com/hackgods/slot-booking-engine/internal/outbox"
)

// ExpireHolds moves active holds past their expiry to expired. Safe to run on
// many instances at once: the conditional update lets exactly one of them
// win each hold, and only the winner emits hold_expired.
func (s *Service) ExpireHolds(ctx context.Context) (int, error) {
	now := s.clock.Now()

	candidates, err := s.store.ListExpiredHolds(ctx, now, s.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}

	expired := 0
	for _, h := range candidates {
		if ctx.Err() != nil {
			break
		}

		var ev events
		var changed bool
		err := s.guard.Serialize(ctx, ScopesFor(h.AccountID, h.ProfessionalID, h.ResourceID), func(txCtx context.Context) error {
			var err error
			changed, err = s.store.ExpireHold(txCtx, h.AccountID, h.ID, now)
			if err != nil || !changed {
				return err
			}
			h.Status = HoldExpired
			h.UpdatedAt = now
			return s.record(txCtx, &ev, h.AccountID, outbox.HoldExpired, h)
		})
		if err != nil {
			s.logger.Warn("failed to expire hold",
				"account_id", h.AccountID,
				"hold_id", h.ID,
				"error", err,
			)
			continue
		}
		if changed {
			expired++
			s.publish(&ev)
		}
	}

	s.metrics.AddHoldsExpired(expired)
	if expired > 0 {
		s.logger.Info("expired holds", "count", expired)
	}
	return expired, nil
}
