package booking

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/slot-booking-engine/internal/outbox"
)

// MemoryStore keeps everything in process. Transactions take the store lock,
// work on a copy of the state and swap it in on success.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	timezones     map[uuid.UUID]string
	professionals map[uuid.UUID]Professional
	resources     map[uuid.UUID]Resource
	procedures    map[uuid.UUID]Procedure
	rules         map[uuid.UUID][]AvailabilityRule
	blocks        map[uuid.UUID]Block
	holds         map[uuid.UUID]Hold
	appointments  map[uuid.UUID]Appointment
	reminders     map[string]time.Time
	events        []outbox.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		timezones:     map[uuid.UUID]string{},
		professionals: map[uuid.UUID]Professional{},
		resources:     map[uuid.UUID]Resource{},
		procedures:    map[uuid.UUID]Procedure{},
		rules:         map[uuid.UUID][]AvailabilityRule{},
		blocks:        map[uuid.UUID]Block{},
		holds:         map[uuid.UUID]Hold{},
		appointments:  map[uuid.UUID]Appointment{},
		reminders:     map[string]time.Time{},
	}}
}

func (st *memState) clone() *memState {
	return &memState{
		timezones:     maps.Clone(st.timezones),
		professionals: maps.Clone(st.professionals),
		resources:     maps.Clone(st.resources),
		procedures:    maps.Clone(st.procedures),
		rules:         maps.Clone(st.rules),
		blocks:        maps.Clone(st.blocks),
		holds:         maps.Clone(st.holds),
		appointments:  maps.Clone(st.appointments),
		reminders:     maps.Clone(st.reminders),
		events:        append([]outbox.Event(nil), st.events...),
	}
}

type memTxKey struct{}

type memTx struct {
	owner *MemoryStore
	state *memState
}

func (s *MemoryStore) tx(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	if tx == nil || tx.owner != s {
		return nil
	}
	return tx
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx(ctx) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{owner: s, state: s.state.clone()}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *MemoryStore) view(ctx context.Context, fn func(st *memState) error) error {
	if tx := s.tx(ctx); tx != nil {
		return fn(tx.state)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.state)
}

func (s *MemoryStore) update(ctx context.Context, fn func(st *memState) error) error {
	if tx := s.tx(ctx); tx != nil {
		return fn(tx.state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

// Reference data setters. Outside the booking engine's scope, used for tests and demo mode.

func (s *MemoryStore) SetAccountTimezone(accountID uuid.UUID, tz string) {
	_ = s.update(context.Background(), func(st *memState) error {
		st.timezones[accountID] = tz
		return nil
	})
}

func (s *MemoryStore) AddProfessional(p Professional) {
	_ = s.update(context.Background(), func(st *memState) error {
		st.professionals[p.ID] = p
		return nil
	})
}

func (s *MemoryStore) AddResource(r Resource) {
	_ = s.update(context.Background(), func(st *memState) error {
		st.resources[r.ID] = r
		return nil
	})
}

func (s *MemoryStore) AddProcedure(p Procedure) {
	_ = s.update(context.Background(), func(st *memState) error {
		st.procedures[p.ID] = p
		return nil
	})
}

// Events returns every outbox event written so far, in order.
func (s *MemoryStore) Events() []outbox.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]outbox.Event(nil), s.state.events...)
}

func (s *MemoryStore) AccountTimezone(ctx context.Context, accountID uuid.UUID) (string, error) {
	var tz string
	err := s.view(ctx, func(st *memState) error {
		tz = st.timezones[accountID]
		return nil
	})
	return tz, err
}

func (s *MemoryStore) GetProfessional(ctx context.Context, accountID, id uuid.UUID) (Professional, error) {
	var p Professional
	err := s.view(ctx, func(st *memState) error {
		found, ok := st.professionals[id]
		if !ok || found.AccountID != accountID {
			return ErrProfessionalNotFound
		}
		p = found
		return nil
	})
	return p, err
}

func (s *MemoryStore) GetResource(ctx context.Context, accountID, id uuid.UUID) (Resource, error) {
	var r Resource
	err := s.view(ctx, func(st *memState) error {
		found, ok := st.resources[id]
		if !ok || found.AccountID != accountID {
			return ErrResourceNotFound
		}
		r = found
		return nil
	})
	return r, err
}

func (s *MemoryStore) GetProcedure(ctx context.Context, accountID, id uuid.UUID) (Procedure, error) {
	var p Procedure
	err := s.view(ctx, func(st *memState) error {
		found, ok := st.procedures[id]
		if !ok || found.AccountID != accountID {
			return ErrProcedureNotFound
		}
		p = found
		return nil
	})
	return p, err
}

func (s *MemoryStore) ListRules(ctx context.Context, accountID, professionalID uuid.UUID) ([]AvailabilityRule, error) {
	var out []AvailabilityRule
	err := s.view(ctx, func(st *memState) error {
		for _, r := range st.rules[professionalID] {
			if r.AccountID == accountID {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

func (s *MemoryStore) ReplaceRules(ctx context.Context, accountID, professionalID uuid.UUID, weekday int, rules []AvailabilityRule) error {
	return s.update(ctx, func(st *memState) error {
		var kept []AvailabilityRule
		for _, r := range st.rules[professionalID] {
			if r.AccountID != accountID || r.Weekday != weekday {
				kept = append(kept, r)
			}
		}
		st.rules[professionalID] = append(kept, rules...)
		return nil
	})
}

func (s *MemoryStore) InsertBlock(ctx context.Context, b Block) error {
	return s.update(ctx, func(st *memState) error {
		st.blocks[b.ID] = b
		return nil
	})
}

func (s *MemoryStore) DeleteBlock(ctx context.Context, accountID, id uuid.UUID) (bool, error) {
	var deleted bool
	err := s.update(ctx, func(st *memState) error {
		if b, ok := st.blocks[id]; ok && b.AccountID == accountID {
			delete(st.blocks, id)
			deleted = true
		}
		return nil
	})
	return deleted, err
}

func (q BusyQuery) matches(professionalID, resourceID *uuid.UUID) bool {
	if q.ProfessionalID != nil && professionalID != nil && *q.ProfessionalID == *professionalID {
		return true
	}
	return q.ResourceID != nil && resourceID != nil && *q.ResourceID == *resourceID
}

func (q BusyQuery) window() Interval { return Interval{Start: q.From, End: q.To} }

func (s *MemoryStore) ListBlocks(ctx context.Context, accountID uuid.UUID, q BusyQuery) ([]Block, error) {
	var out []Block
	err := s.view(ctx, func(st *memState) error {
		for _, b := range st.blocks {
			if b.AccountID != accountID {
				continue
			}
			accountWide := b.ProfessionalID == nil && b.ResourceID == nil
			if !accountWide && !q.matches(b.ProfessionalID, b.ResourceID) {
				continue
			}
			if !b.Recurring() && !(Interval{Start: *b.StartAt, End: *b.EndAt}).Overlaps(q.window()) {
				continue
			}
			out = append(out, b)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *MemoryStore) ListBlockingHolds(ctx context.Context, accountID uuid.UUID, q BusyQuery, now time.Time) ([]Hold, error) {
	var out []Hold
	err := s.view(ctx, func(st *memState) error {
		for _, h := range st.holds {
			if h.AccountID != accountID || !h.Blocking(now) || !q.matches(h.ProfessionalID, h.ResourceID) {
				continue
			}
			if q.ExcludeHoldID != nil && *q.ExcludeHoldID == h.ID {
				continue
			}
			if (Interval{Start: h.StartAt, End: h.EndAt}).Overlaps(q.window()) {
				out = append(out, h)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, err
}

func (s *MemoryStore) ListBlockingAppointments(ctx context.Context, accountID uuid.UUID, q BusyQuery) ([]Appointment, error) {
	var out []Appointment
	err := s.view(ctx, func(st *memState) error {
		for _, a := range st.appointments {
			if a.AccountID != accountID || !a.Status.Blocking() || !q.matches(a.ProfessionalID, a.ResourceID) {
				continue
			}
			if q.ExcludeAppointmentID != nil && *q.ExcludeAppointmentID == a.ID {
				continue
			}
			if (Interval{Start: a.StartAt, End: a.EndAt}).Overlaps(q.window()) {
				out = append(out, a)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, err
}

func (s *MemoryStore) GetHold(ctx context.Context, accountID, id uuid.UUID) (Hold, error) {
	var h Hold
	err := s.view(ctx, func(st *memState) error {
		found, ok := st.holds[id]
		if !ok || found.AccountID != accountID {
			return ErrHoldNotFound
		}
		h = found
		return nil
	})
	return h, err
}

// GetHoldForUpdate is GetHold: a transaction already owns the whole store.
func (s *MemoryStore) GetHoldForUpdate(ctx context.Context, accountID, id uuid.UUID) (Hold, error) {
	return s.GetHold(ctx, accountID, id)
}

func (s *MemoryStore) FindHoldByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*Hold, error) {
	var out *Hold
	err := s.view(ctx, func(st *memState) error {
		for _, h := range st.holds {
			if h.AccountID == accountID && h.IdempotencyKey != nil && *h.IdempotencyKey == key {
				found := h
				out = &found
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (s *MemoryStore) InsertHold(ctx context.Context, h Hold) error {
	return s.update(ctx, func(st *memState) error {
		if h.IdempotencyKey != nil {
			for _, existing := range st.holds {
				if existing.AccountID == h.AccountID && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *h.IdempotencyKey {
					return ErrDuplicateIdempotencyKey
				}
			}
		}
		st.holds[h.ID] = h
		return nil
	})
}

func (s *MemoryStore) transitionHold(ctx context.Context, accountID, id uuid.UUID, cond func(Hold) bool, apply func(*Hold)) (bool, error) {
	var changed bool
	err := s.update(ctx, func(st *memState) error {
		h, ok := st.holds[id]
		if !ok || h.AccountID != accountID || !cond(h) {
			return nil
		}
		apply(&h)
		st.holds[id] = h
		changed = true
		return nil
	})
	return changed, err
}

func (s *MemoryStore) CancelHold(ctx context.Context, accountID, id uuid.UUID, now time.Time) (bool, error) {
	return s.transitionHold(ctx, accountID, id,
		func(h Hold) bool { return h.Status == HoldActive },
		func(h *Hold) { h.Status, h.UpdatedAt = HoldCancelled, now })
}

func (s *MemoryStore) ExpireHold(ctx context.Context, accountID, id uuid.UUID, now time.Time) (bool, error) {
	return s.transitionHold(ctx, accountID, id,
		func(h Hold) bool { return h.Status == HoldActive && !h.ExpiresAt.After(now) },
		func(h *Hold) { h.Status, h.UpdatedAt = HoldExpired, now })
}

func (s *MemoryStore) ConvertHold(ctx context.Context, accountID, id, appointmentID uuid.UUID, now time.Time) (bool, error) {
	return s.transitionHold(ctx, accountID, id,
		func(h Hold) bool { return h.Status == HoldActive },
		func(h *Hold) {
			h.Status, h.UpdatedAt = HoldConverted, now
			h.AppointmentID = &appointmentID
		})
}

func (s *MemoryStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error) {
	var out []Hold
	err := s.view(ctx, func(st *memState) error {
		for _, h := range st.holds {
			if h.Status == HoldActive && !h.ExpiresAt.After(now) {
				out = append(out, h)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (s *MemoryStore) GetAppointment(ctx context.Context, accountID, id uuid.UUID) (Appointment, error) {
	var a Appointment
	err := s.view(ctx, func(st *memState) error {
		found, ok := st.appointments[id]
		if !ok || found.AccountID != accountID {
			return ErrAppointmentNotFound
		}
		a = found
		return nil
	})
	return a, err
}

func (s *MemoryStore) GetAppointmentForUpdate(ctx context.Context, accountID, id uuid.UUID) (Appointment, error) {
	return s.GetAppointment(ctx, accountID, id)
}

func (s *MemoryStore) FindAppointmentByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*Appointment, error) {
	return s.findAppointment(ctx, func(a Appointment) bool {
		return a.AccountID == accountID && a.IdempotencyKey != nil && *a.IdempotencyKey == key
	})
}

func (s *MemoryStore) FindAppointmentByHold(ctx context.Context, accountID, holdID uuid.UUID) (*Appointment, error) {
	return s.findAppointment(ctx, func(a Appointment) bool {
		return a.AccountID == accountID && a.HoldID != nil && *a.HoldID == holdID
	})
}

func (s *MemoryStore) findAppointment(ctx context.Context, match func(Appointment) bool) (*Appointment, error) {
	var out *Appointment
	err := s.view(ctx, func(st *memState) error {
		for _, a := range st.appointments {
			if match(a) {
				found := a
				out = &found
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (s *MemoryStore) InsertAppointment(ctx context.Context, a Appointment) error {
	return s.update(ctx, func(st *memState) error {
		if a.IdempotencyKey != nil {
			for _, existing := range st.appointments {
				if existing.AccountID == a.AccountID && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *a.IdempotencyKey {
					return ErrDuplicateIdempotencyKey
				}
			}
		}
		st.appointments[a.ID] = a
		return nil
	})
}

func (s *MemoryStore) UpdateAppointment(ctx context.Context, a Appointment, expectedVersion int) (bool, error) {
	var ok bool
	err := s.update(ctx, func(st *memState) error {
		cur, found := st.appointments[a.ID]
		if !found || cur.AccountID != a.AccountID || cur.Version != expectedVersion {
			return nil
		}
		st.appointments[a.ID] = a
		ok = true
		return nil
	})
	return ok, err
}

func reminderKey(id uuid.UUID, kind ReminderKind) string {
	return string(kind) + ":" + id.String()
}

func (s *MemoryStore) ListReminderCandidates(ctx context.Context, kind ReminderKind, from, to time.Time, limit int) ([]Appointment, error) {
	var out []Appointment
	err := s.view(ctx, func(st *memState) error {
		for _, a := range st.appointments {
			if a.Status != StatusConfirmed || a.StartAt.Before(from) || !a.StartAt.Before(to) {
				continue
			}
			if _, sent := st.reminders[reminderKey(a.ID, kind)]; sent {
				continue
			}
			out = append(out, a)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (s *MemoryStore) MarkReminderSent(ctx context.Context, accountID, id uuid.UUID, kind ReminderKind, at time.Time) (bool, error) {
	var marked bool
	err := s.update(ctx, func(st *memState) error {
		a, ok := st.appointments[id]
		if !ok || a.AccountID != accountID {
			return nil
		}
		key := reminderKey(id, kind)
		if _, sent := st.reminders[key]; sent {
			return nil
		}
		st.reminders[key] = at
		marked = true
		return nil
	})
	return marked, err
}

func (s *MemoryStore) AppendEvent(ctx context.Context, e outbox.Event) error {
	return s.update(ctx, func(st *memState) error {
		st.events = append(st.events, e)
		return nil
	})
}

func (s *MemoryStore) ListUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]outbox.Event, error) {
	var out []outbox.Event
	err := s.view(ctx, func(st *memState) error {
		for _, e := range st.events {
			if e.DispatchedAt == nil && !e.OccurredAt.After(olderThan) {
				out = append(out, e)
				if limit > 0 && len(out) == limit {
					break
				}
			}
		}
		return nil
	})
	return out, err
}

func (s *MemoryStore) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var marked bool
	err := s.update(ctx, func(st *memState) error {
		for i := range st.events {
			if st.events[i].ID == id && st.events[i].DispatchedAt == nil {
				ts := at
				st.events[i].DispatchedAt = &ts
				marked = true
				return nil
			}
		}
		return nil
	})
	return marked, err
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ outbox.Source = (*MemoryStore)(nil)
)
