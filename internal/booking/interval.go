package booking

import (
	"fmt"
	"time"
)

// Interval is half-open: [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// clockTime is a time of day in minutes since midnight. 24:00 is allowed as an end.
type clockTime int

func parseClock(s string) (clockTime, error) {
	if len(s) < 5 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	s = s[:5] // "09:00:00" -> "09:00"
	if s == "24:00" {
		return 24 * 60, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return clockTime(t.Hour()*60 + t.Minute()), nil
}

// on places the time of day on the calendar date of day, in loc.
func (c clockTime) on(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).Add(time.Duration(c) * time.Minute)
}

func parseWindow(start, end string) (clockTime, clockTime, error) {
	s, err := parseClock(start)
	if err != nil {
		return 0, 0, err
	}
	e, err := parseClock(end)
	if err != nil {
		return 0, 0, err
	}
	if e <= s {
		return 0, 0, fmt.Errorf("end %s must be after start %s", end, start)
	}
	return s, e, nil
}

// eachDate calls fn for every calendar date in loc touched by [from, to].
func eachDate(from, to time.Time, loc *time.Location, fn func(day time.Time)) {
	f := from.In(loc)
	t := to.In(loc)
	day := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, loc)
	last := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	for !day.After(last) {
		fn(day)
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
	}
}

// blockIntervals expands a block into concrete intervals intersecting window.
// Recurring blocks are materialized per date in loc.
func blockIntervals(b Block, window Interval, loc *time.Location) []Interval {
	if !b.Recurring() {
		if b.StartAt == nil || b.EndAt == nil {
			return nil
		}
		iv := Interval{Start: *b.StartAt, End: *b.EndAt}
		if iv.Overlaps(window) {
			return []Interval{iv}
		}
		return nil
	}

	start, end, err := parseWindow(b.StartTime, b.EndTime)
	if err != nil {
		return nil
	}
	var out []Interval
	// one day of slack on each side so windows crossing midnight in loc are covered
	eachDate(window.Start.AddDate(0, 0, -1), window.End.AddDate(0, 0, 1), loc, func(day time.Time) {
		if int(day.Weekday()) != *b.Weekday {
			return
		}
		iv := Interval{Start: start.on(day, loc), End: end.on(day, loc)}
		if iv.Overlaps(window) {
			out = append(out, iv)
		}
	})
	return out
}
