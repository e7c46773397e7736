package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/slot-booking-engine/internal/db"
)

// PgSource reads outbox_events for the relay.
type PgSource struct {
	pool db.Querier
}

func NewPgSource(pool db.Querier) *PgSource {
	return &PgSource{pool: pool}
}

func (s *PgSource) ListUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]Event, error) {
	const q = `
		SELECT id, account_id, event_type, payload, occurred_at
		FROM outbox_events
		WHERE dispatched_at IS NULL AND occurred_at <= $1
		ORDER BY occurred_at
		LIMIT $2`

	rows, err := db.Conn(ctx, s.pool).Query(ctx, q, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list undispatched events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.Payload, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PgSource) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx,
		`UPDATE outbox_events SET dispatched_at = $2 WHERE id = $1 AND dispatched_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark event dispatched: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
