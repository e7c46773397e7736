package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/slot-booking-engine/internal/db"
	"github.com/hackgods/slot-booking-engine/internal/outbox"
)

// PgStore is the Postgres Store. The transaction, when there is one, travels
// in the context so every method joins it.
type PgStore struct {
	pool db.Pool
}

func NewPgStore(pool db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, s.pool, fn)
}

func (s *PgStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

// Helpers

const holdColumns = `id, account_id, professional_id, resource_id, procedure_id, patient_ref,
	start_at, end_at, expires_at, status, idempotency_key, appointment_id, created_at, updated_at`

const appointmentColumns = `id, account_id, professional_id, resource_id, procedure_id, hold_id, patient_ref,
	start_at, end_at, status, version, notes, cancel_reason, idempotency_key, created_at, updated_at`

const blockColumns = `id, account_id, professional_id, resource_id, kind, reason,
	start_at, end_at, weekday, start_time, end_time, created_at`

func scanHold(row pgx.Row) (Hold, error) {
	var h Hold
	var status string
	err := row.Scan(
		&h.ID,
		&h.AccountID,
		&h.ProfessionalID,
		&h.ResourceID,
		&h.ProcedureID,
		&h.PatientRef,
		&h.StartAt,
		&h.EndAt,
		&h.ExpiresAt,
		&status,
		&h.IdempotencyKey,
		&h.AppointmentID,
		&h.CreatedAt,
		&h.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrHoldNotFound
		}
		return Hold{}, err
	}
	h.Status = HoldStatus(status)
	return h, nil
}

func scanAppointment(row pgx.Row) (Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(
		&a.ID,
		&a.AccountID,
		&a.ProfessionalID,
		&a.ResourceID,
		&a.ProcedureID,
		&a.HoldID,
		&a.PatientRef,
		&a.StartAt,
		&a.EndAt,
		&status,
		&a.Version,
		&a.Notes,
		&a.CancelReason,
		&a.IdempotencyKey,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appointment{}, ErrAppointmentNotFound
		}
		return Appointment{}, err
	}
	a.Status = AppointmentStatus(status)
	return a, nil
}

func scanBlock(row pgx.Row) (Block, error) {
	var b Block
	var kind string
	err := row.Scan(
		&b.ID,
		&b.AccountID,
		&b.ProfessionalID,
		&b.ResourceID,
		&kind,
		&b.Reason,
		&b.StartAt,
		&b.EndAt,
		&b.Weekday,
		&b.StartTime,
		&b.EndTime,
		&b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Block{}, ErrBlockNotFound
		}
		return Block{}, err
	}
	b.Kind = BlockKind(kind)
	return b, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Reference data

func (s *PgStore) AccountTimezone(ctx context.Context, accountID uuid.UUID) (string, error) {
	var tz string
	err := s.conn(ctx).QueryRow(ctx, `SELECT timezone FROM accounts WHERE id = $1`, accountID).Scan(&tz)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select account timezone: %w", err)
	}
	return tz, nil
}

func (s *PgStore) GetProfessional(ctx context.Context, accountID, id uuid.UUID) (Professional, error) {
	var p Professional
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, account_id, name, active, default_duration_minutes
		FROM professionals
		WHERE account_id = $1 AND id = $2
	`, accountID, id).Scan(&p.ID, &p.AccountID, &p.Name, &p.Active, &p.DefaultDurationMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return Professional{}, ErrProfessionalNotFound
	}
	return p, err
}

func (s *PgStore) GetResource(ctx context.Context, accountID, id uuid.UUID) (Resource, error) {
	var r Resource
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, account_id, name, resource_type, capacity, active
		FROM resources
		WHERE account_id = $1 AND id = $2
	`, accountID, id).Scan(&r.ID, &r.AccountID, &r.Name, &r.ResourceType, &r.Capacity, &r.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Resource{}, ErrResourceNotFound
	}
	return r, err
}

func (s *PgStore) GetProcedure(ctx context.Context, accountID, id uuid.UUID) (Procedure, error) {
	var p Procedure
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, account_id, name, duration_minutes, buffer_before_minutes, buffer_after_minutes,
		       requires_resource, required_resource_type
		FROM procedures
		WHERE account_id = $1 AND id = $2
	`, accountID, id).Scan(
		&p.ID, &p.AccountID, &p.Name, &p.DurationMinutes, &p.BufferBeforeMinutes,
		&p.BufferAfterMinutes, &p.RequiresResource, &p.RequiredResourceType,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Procedure{}, ErrProcedureNotFound
	}
	return p, err
}

// Availability rules and blocks

func (s *PgStore) ListRules(ctx context.Context, accountID, professionalID uuid.UUID) ([]AvailabilityRule, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, account_id, professional_id, weekday, start_time, end_time,
		       granularity_minutes, buffer_before_minutes, buffer_after_minutes
		FROM availability_rules
		WHERE account_id = $1 AND professional_id = $2
		ORDER BY weekday, start_time
	`, accountID, professionalID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (AvailabilityRule, error) {
		var r AvailabilityRule
		err := row.Scan(&r.ID, &r.AccountID, &r.ProfessionalID, &r.Weekday, &r.StartTime, &r.EndTime,
			&r.GranularityMinutes, &r.BufferBeforeMinutes, &r.BufferAfterMinutes)
		return r, err
	})
}

func (s *PgStore) ReplaceRules(ctx context.Context, accountID, professionalID uuid.UUID, weekday int, rules []AvailabilityRule) error {
	conn := s.conn(ctx)
	if _, err := conn.Exec(ctx, `
		DELETE FROM availability_rules
		WHERE account_id = $1 AND professional_id = $2 AND weekday = $3
	`, accountID, professionalID, weekday); err != nil {
		return fmt.Errorf("delete rules: %w", err)
	}
	for _, r := range rules {
		if _, err := conn.Exec(ctx, `
			INSERT INTO availability_rules (id, account_id, professional_id, weekday, start_time, end_time,
				granularity_minutes, buffer_before_minutes, buffer_after_minutes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, r.ID, accountID, professionalID, weekday, r.StartTime, r.EndTime,
			r.GranularityMinutes, r.BufferBeforeMinutes, r.BufferAfterMinutes); err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
	}
	return nil
}

func (s *PgStore) InsertBlock(ctx context.Context, b Block) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO availability_blocks (id, account_id, professional_id, resource_id, kind, reason,
			start_at, end_at, weekday, start_time, end_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, b.ID, b.AccountID, b.ProfessionalID, b.ResourceID, string(b.Kind), b.Reason,
		b.StartAt, b.EndAt, b.Weekday, b.StartTime, b.EndTime, b.CreatedAt)
	return err
}

func (s *PgStore) DeleteBlock(ctx context.Context, accountID, id uuid.UUID) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM availability_blocks WHERE account_id = $1 AND id = $2`, accountID, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) ListBlocks(ctx context.Context, accountID uuid.UUID, q BusyQuery) ([]Block, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+blockColumns+`
		FROM availability_blocks
		WHERE account_id = $1
		  AND (
		        (professional_id IS NULL AND resource_id IS NULL)
		     OR ($2::uuid IS NOT NULL AND professional_id = $2)
		     OR ($3::uuid IS NOT NULL AND resource_id = $3)
		  )
		  AND (weekday IS NOT NULL OR (start_at < $5 AND end_at > $4))
		ORDER BY created_at
	`, accountID, q.ProfessionalID, q.ResourceID, q.From, q.To)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanBlock)
}

func (s *PgStore) ListBlockingHolds(ctx context.Context, accountID uuid.UUID, q BusyQuery, now time.Time) ([]Hold, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE account_id = $1
		  AND status = 'active'
		  AND expires_at > $6
		  AND (($2::uuid IS NOT NULL AND professional_id = $2) OR ($3::uuid IS NOT NULL AND resource_id = $3))
		  AND start_at < $5 AND end_at > $4
		  AND ($7::uuid IS NULL OR id <> $7)
		ORDER BY start_at
	`, accountID, q.ProfessionalID, q.ResourceID, q.From, q.To, now, q.ExcludeHoldID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanHold)
}

func (s *PgStore) ListBlockingAppointments(ctx context.Context, accountID uuid.UUID, q BusyQuery) ([]Appointment, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE account_id = $1
		  AND status IN ('scheduled', 'confirmed', 'rescheduled')
		  AND (($2::uuid IS NOT NULL AND professional_id = $2) OR ($3::uuid IS NOT NULL AND resource_id = $3))
		  AND start_at < $5 AND end_at > $4
		  AND ($6::uuid IS NULL OR id <> $6)
		ORDER BY start_at
	`, accountID, q.ProfessionalID, q.ResourceID, q.From, q.To, q.ExcludeAppointmentID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

// Holds

func (s *PgStore) GetHold(ctx context.Context, accountID, id uuid.UUID) (Hold, error) {
	return scanHold(s.conn(ctx).QueryRow(ctx,
		`SELECT `+holdColumns+` FROM holds WHERE account_id = $1 AND id = $2`, accountID, id))
}

func (s *PgStore) GetHoldForUpdate(ctx context.Context, accountID, id uuid.UUID) (Hold, error) {
	return scanHold(s.conn(ctx).QueryRow(ctx,
		`SELECT `+holdColumns+` FROM holds WHERE account_id = $1 AND id = $2 FOR UPDATE`, accountID, id))
}

func (s *PgStore) FindHoldByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*Hold, error) {
	h, err := scanHold(s.conn(ctx).QueryRow(ctx,
		`SELECT `+holdColumns+` FROM holds WHERE account_id = $1 AND idempotency_key = $2`, accountID, key))
	if errors.Is(err, ErrHoldNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *PgStore) InsertHold(ctx context.Context, h Hold) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO holds (id, account_id, professional_id, resource_id, procedure_id, patient_ref,
			start_at, end_at, expires_at, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, h.ID, h.AccountID, h.ProfessionalID, h.ResourceID, h.ProcedureID, nullJSON(h.PatientRef),
		h.StartAt, h.EndAt, h.ExpiresAt, string(h.Status), h.IdempotencyKey, h.CreatedAt, h.UpdatedAt)
	if err != nil && h.IdempotencyKey != nil && db.IsUniqueViolation(err) {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

func (s *PgStore) CancelHold(ctx context.Context, accountID, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE holds SET status = 'cancelled', updated_at = $3
		WHERE account_id = $1 AND id = $2 AND status = 'active'
	`, accountID, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) ExpireHold(ctx context.Context, accountID, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE holds SET status = 'expired', updated_at = $3
		WHERE account_id = $1 AND id = $2 AND status = 'active' AND expires_at <= $3
	`, accountID, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) ConvertHold(ctx context.Context, accountID, id, appointmentID uuid.UUID, now time.Time) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE holds SET status = 'converted', appointment_id = $3, updated_at = $4
		WHERE account_id = $1 AND id = $2 AND status = 'active'
	`, accountID, id, appointmentID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanHold)
}

// Appointments

func (s *PgStore) GetAppointment(ctx context.Context, accountID, id uuid.UUID) (Appointment, error) {
	return scanAppointment(s.conn(ctx).QueryRow(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE account_id = $1 AND id = $2`, accountID, id))
}

func (s *PgStore) GetAppointmentForUpdate(ctx context.Context, accountID, id uuid.UUID) (Appointment, error) {
	return scanAppointment(s.conn(ctx).QueryRow(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE account_id = $1 AND id = $2 FOR UPDATE`, accountID, id))
}

func (s *PgStore) FindAppointmentByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*Appointment, error) {
	return s.findAppointment(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE account_id = $1 AND idempotency_key = $2`, accountID, key)
}

func (s *PgStore) FindAppointmentByHold(ctx context.Context, accountID, holdID uuid.UUID) (*Appointment, error) {
	return s.findAppointment(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE account_id = $1 AND hold_id = $2`, accountID, holdID)
}

func (s *PgStore) findAppointment(ctx context.Context, sql string, args ...any) (*Appointment, error) {
	a, err := scanAppointment(s.conn(ctx).QueryRow(ctx, sql, args...))
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PgStore) InsertAppointment(ctx context.Context, a Appointment) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO appointments (id, account_id, professional_id, resource_id, procedure_id, hold_id, patient_ref,
			start_at, end_at, status, version, notes, cancel_reason, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, a.ID, a.AccountID, a.ProfessionalID, a.ResourceID, a.ProcedureID, a.HoldID, nullJSON(a.PatientRef),
		a.StartAt, a.EndAt, string(a.Status), a.Version, a.Notes, a.CancelReason, a.IdempotencyKey,
		a.CreatedAt, a.UpdatedAt)
	if err != nil && a.IdempotencyKey != nil && db.IsUniqueViolation(err) {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

func (s *PgStore) UpdateAppointment(ctx context.Context, a Appointment, expectedVersion int) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE appointments
		SET professional_id = $3, resource_id = $4, start_at = $5, end_at = $6, status = $7,
		    version = $8, notes = $9, cancel_reason = $10, updated_at = $11
		WHERE account_id = $1 AND id = $2 AND version = $12
	`, a.AccountID, a.ID, a.ProfessionalID, a.ResourceID, a.StartAt, a.EndAt, string(a.Status),
		a.Version, a.Notes, a.CancelReason, a.UpdatedAt, expectedVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func reminderColumn(kind ReminderKind) (string, error) {
	switch kind {
	case ReminderD1:
		return "reminder_d1_sent_at", nil
	case ReminderD0:
		return "reminder_d0_sent_at", nil
	}
	return "", fmt.Errorf("unknown reminder kind %q", kind)
}

func (s *PgStore) ListReminderCandidates(ctx context.Context, kind ReminderKind, from, to time.Time, limit int) ([]Appointment, error) {
	col, err := reminderColumn(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'confirmed' AND start_at >= $1 AND start_at < $2 AND `+col+` IS NULL
		ORDER BY start_at
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

func (s *PgStore) MarkReminderSent(ctx context.Context, accountID, id uuid.UUID, kind ReminderKind, at time.Time) (bool, error) {
	col, err := reminderColumn(kind)
	if err != nil {
		return false, err
	}
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE appointments SET `+col+` = $3 WHERE account_id = $1 AND id = $2 AND `+col+` IS NULL`,
		accountID, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Outbox

func (s *PgStore) AppendEvent(ctx context.Context, e outbox.Event) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO outbox_events (id, account_id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.AccountID, e.Type, e.Payload, e.OccurredAt)
	return err
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

var _ Store = (*PgStore)(nil)
