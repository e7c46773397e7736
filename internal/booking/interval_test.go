package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalOverlaps(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2025, 3, 10, h, m, 0, 0, time.UTC) }
	base := Interval{Start: at(9, 0), End: at(9, 30)}

	cases := []struct {
		name string
		o    Interval
		want bool
	}{
		{"same", base, true},
		{"inside", Interval{at(9, 10), at(9, 20)}, true},
		{"straddles start", Interval{at(8, 45), at(9, 15)}, true},
		{"touches end", Interval{at(9, 30), at(10, 0)}, false},
		{"touches start", Interval{at(8, 30), at(9, 0)}, false},
		{"apart", Interval{at(11, 0), at(12, 0)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, base.Overlaps(tc.o))
			assert.Equal(t, tc.want, tc.o.Overlaps(base))
		})
	}
}

func TestParseClock(t *testing.T) {
	c, err := parseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, clockTime(570), c)

	c, err = parseClock("13:00:00")
	require.NoError(t, err)
	assert.Equal(t, clockTime(780), c)

	c, err = parseClock("24:00")
	require.NoError(t, err)
	assert.Equal(t, clockTime(1440), c)

	_, err = parseClock("9am")
	assert.Error(t, err)

	_, _, err = parseWindow("12:00", "09:00")
	assert.Error(t, err)
}

func TestBlockIntervalsRecurring(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	monday := 1
	b := Block{Weekday: &monday, StartTime: "12:00", EndTime: "13:00"}
	// Monday 2025-03-10 through Tuesday, local
	window := Interval{
		Start: time.Date(2025, 3, 10, 0, 0, 0, 0, loc),
		End:   time.Date(2025, 3, 12, 0, 0, 0, 0, loc),
	}

	got := blockIntervals(b, window, loc)
	require.Len(t, got, 1)
	assert.True(t, got[0].Start.Equal(time.Date(2025, 3, 10, 12, 0, 0, 0, loc)))
	assert.True(t, got[0].End.Equal(time.Date(2025, 3, 10, 13, 0, 0, 0, loc)))
}

func TestBlockIntervalsOneOff(t *testing.T) {
	s := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	e := s.Add(time.Hour)
	b := Block{StartAt: &s, EndAt: &e}

	assert.Len(t, blockIntervals(b, Interval{s.Add(30 * time.Minute), e.Add(time.Hour)}, time.UTC), 1)
	assert.Empty(t, blockIntervals(b, Interval{e, e.Add(time.Hour)}, time.UTC))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusScheduled, StatusConfirmed))
	assert.True(t, CanTransition(StatusConfirmed, StatusNoShow))
	assert.True(t, CanTransition(StatusRescheduled, StatusCancelled))
	assert.False(t, CanTransition(StatusCancelled, StatusScheduled))
	assert.False(t, CanTransition(StatusCompleted, StatusCancelled))
	assert.False(t, CanTransition(StatusConfirmed, StatusScheduled))
	assert.True(t, CanTransition(StatusCancelled, StatusCancelled))
}
