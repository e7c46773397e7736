package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/hackgods/slot-booking-engine/internal/outbox"
)

const reminderWindow = time.Hour

// SendReminders emits reminder_d1 for confirmed appointments starting a day
// out and reminder_d0 for those starting within the same-day lead. Each
// reminder is claimed in storage so it goes out once across instances.
func (s *Service) SendReminders(ctx context.Context) (int, error) {
	now := s.clock.Now()

	plans := []struct {
		kind      ReminderKind
		eventType string
		from      time.Time
	}{
		{ReminderD1, outbox.ReminderD1, now.Add(24 * time.Hour)},
		{ReminderD0, outbox.ReminderD0, now.Add(s.reminderD0Lead)},
	}

	sent := 0
	for _, p := range plans {
		candidates, err := s.store.ListReminderCandidates(ctx, p.kind, p.from, p.from.Add(reminderWindow), s.sweepBatch)
		if err != nil {
			return sent, fmt.Errorf("list %s reminders: %w", p.kind, err)
		}
		for _, a := range candidates {
			var ev events
			err := s.store.WithTx(ctx, func(txCtx context.Context) error {
				claimed, err := s.store.MarkReminderSent(txCtx, a.AccountID, a.ID, p.kind, now)
				if err != nil || !claimed {
					return err
				}
				return s.record(txCtx, &ev, a.AccountID, p.eventType, a)
			})
			if err != nil {
				s.logger.Warn("failed to emit reminder",
					"account_id", a.AccountID,
					"appointment_id", a.ID,
					"kind", p.kind,
					"error", err,
				)
				continue
			}
			if len(ev.list) > 0 {
				sent++
				s.publish(&ev)
			}
		}
	}
	return sent, nil
}
