package booking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AvailabilityQuery asks for free start times. From and To are calendar
// dates (inclusive); only their year, month and day are used, read in the
// account timezone.
type AvailabilityQuery struct {
	AccountID      uuid.UUID
	ProfessionalID uuid.UUID
	ResourceID     *uuid.UUID
	ProcedureID    uuid.UUID
	From           time.Time
	To             time.Time
	Granularity    time.Duration // zero means rule value, then service default
}

// Availability lists the slots that are free right now. It takes no locks:
// a listed slot may be gone by the time a hold is attempted.
func (s *Service) Availability(ctx context.Context, q AvailabilityQuery) ([]Slot, error) {
	slots, err := s.availability(ctx, q)
	s.observe("availability", err)
	return slots, err
}

func (s *Service) availability(ctx context.Context, q AvailabilityQuery) ([]Slot, error) {
	if q.ProfessionalID == uuid.Nil {
		return nil, invalid("professional_id", "is required")
	}
	if q.Granularity < 0 {
		return nil, invalid("granularity", "must be positive")
	}

	proc, err := s.resolveTarget(ctx, q.AccountID, &q.ProfessionalID, q.ResourceID, q.ProcedureID)
	if err != nil {
		return nil, err
	}

	loc, err := s.guard.Location(ctx, q.AccountID)
	if err != nil {
		return nil, err
	}

	fromDay := dateIn(q.From, loc)
	toDay := dateIn(q.To, loc)
	if toDay.Before(fromDay) {
		return nil, invalid("to", "must not be before from")
	}
	if toDay.Sub(fromDay) > maxAvailabilityDays*24*time.Hour {
		return nil, invalid("to", fmt.Sprintf("range is limited to %d days", maxAvailabilityDays))
	}

	rules, err := s.store.ListRules(ctx, q.AccountID, q.ProfessionalID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	if len(rules) == 0 {
		return []Slot{}, nil
	}

	pad := maxBuffer(rules, proc)
	window := Interval{
		Start: fromDay.Add(-pad),
		End:   time.Date(toDay.Year(), toDay.Month(), toDay.Day()+1, 0, 0, 0, 0, loc).Add(pad),
	}

	busy, err := s.busyIntervals(ctx, q.AccountID, &q.ProfessionalID, q.ResourceID, window, loc)
	if err != nil {
		return nil, err
	}

	return computeSlots(slotPlan{
		rules:              rules,
		procedure:          proc,
		busy:               busy,
		from:               fromDay,
		to:                 toDay,
		loc:                loc,
		now:                s.clock.Now(),
		granularity:        q.Granularity,
		defaultGranularity: s.defaultGranularity,
	})
}

func (s *Service) busyIntervals(ctx context.Context, accountID uuid.UUID, professionalID, resourceID *uuid.UUID, window Interval, loc *time.Location) ([]Interval, error) {
	q := BusyQuery{ProfessionalID: professionalID, ResourceID: resourceID, From: window.Start, To: window.End}

	var busy []Interval

	blocks, err := s.store.ListBlocks(ctx, accountID, q)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	for _, b := range blocks {
		busy = append(busy, blockIntervals(b, window, loc)...)
	}

	holds, err := s.store.ListBlockingHolds(ctx, accountID, q, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	for _, h := range holds {
		busy = append(busy, Interval{Start: h.StartAt, End: h.EndAt})
	}

	appts, err := s.store.ListBlockingAppointments(ctx, accountID, q)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	for _, a := range appts {
		busy = append(busy, Interval{Start: a.StartAt, End: a.EndAt})
	}

	return busy, nil
}

type slotPlan struct {
	rules              []AvailabilityRule
	procedure          Procedure
	busy               []Interval
	from, to           time.Time // midnights in loc
	loc                *time.Location
	now                time.Time
	granularity        time.Duration
	defaultGranularity time.Duration
}

// computeSlots walks every rule window in granularity steps and keeps the
// starts whose buffered interval touches nothing busy.
func computeSlots(p slotPlan) ([]Slot, error) {
	duration := p.procedure.Duration()
	if duration <= 0 {
		return nil, invalid("procedure_id", "procedure has no duration")
	}

	seen := map[int64]bool{}
	out := []Slot{}

	var ruleErr error
	eachDate(p.from, p.to, p.loc, func(day time.Time) {
		if ruleErr != nil {
			return
		}
		for _, r := range p.rules {
			if r.Weekday != int(day.Weekday()) {
				continue
			}
			startTOD, endTOD, err := parseWindow(r.StartTime, r.EndTime)
			if err != nil {
				ruleErr = fmt.Errorf("rule %s: %w", r.ID, err)
				return
			}

			step := p.granularity
			if step <= 0 {
				step = time.Duration(r.GranularityMinutes) * time.Minute
			}
			if step <= 0 {
				step = p.defaultGranularity
			}
			before := minutes(max(r.BufferBeforeMinutes, p.procedure.BufferBeforeMinutes))
			after := minutes(max(r.BufferAfterMinutes, p.procedure.BufferAfterMinutes))

			winStart := startTOD.on(day, p.loc)
			winEnd := endTOD.on(day, p.loc)
			for start := winStart; !start.Add(duration).After(winEnd); start = start.Add(step) {
				if start.Before(p.now) {
					continue
				}
				padded := Interval{Start: start.Add(-before), End: start.Add(duration + after)}
				if overlapsAny(padded, p.busy) {
					continue
				}
				if seen[start.Unix()] {
					continue
				}
				seen[start.Unix()] = true
				out = append(out, Slot{Start: start.UTC(), End: start.Add(duration).UTC()})
			}
		}
	})
	if ruleErr != nil {
		return nil, ruleErr
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func overlapsAny(iv Interval, busy []Interval) bool {
	for _, b := range busy {
		if iv.Overlaps(b) {
			return true
		}
	}
	return false
}

func maxBuffer(rules []AvailabilityRule, proc Procedure) time.Duration {
	m := max(proc.BufferBeforeMinutes, proc.BufferAfterMinutes)
	for _, r := range rules {
		m = max(m, r.BufferBeforeMinutes, r.BufferAfterMinutes)
	}
	return minutes(m)
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// dateIn keeps the calendar date of t and anchors it at midnight in loc.
func dateIn(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
