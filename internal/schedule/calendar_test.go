package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primestrides/outreach/internal/config"
)

func testCalendar(t *testing.T) *Calendar {
	t.Helper()
	cal, err := NewCalendar(config.SendingConfig{
		Timezone:  "America/New_York",
		HourStart: 9,
		HourEnd:   17,
	})
	require.NoError(t, err)
	return cal
}

func eastern(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestDetectHoliday(t *testing.T) {
	loc := eastern(t)

	tests := []struct {
		name    string
		date    time.Time
		holiday bool
	}{
		{"christmas", time.Date(2026, 12, 25, 10, 0, 0, 0, loc), true},
		{"christmas eve", time.Date(2026, 12, 24, 10, 0, 0, 0, loc), true},
		{"juneteenth", time.Date(2026, 6, 19, 10, 0, 0, 0, loc), true},
		{"mlk day 2026", time.Date(2026, 1, 19, 10, 0, 0, 0, loc), true},
		{"memorial day 2026", time.Date(2026, 5, 25, 10, 0, 0, 0, loc), true},
		{"labor day 2026", time.Date(2026, 9, 7, 10, 0, 0, 0, loc), true},
		{"thanksgiving 2026", time.Date(2026, 11, 26, 10, 0, 0, 0, loc), true},
		{"day after thanksgiving", time.Date(2026, 11, 27, 10, 0, 0, 0, loc), true},
		{"ordinary tuesday", time.Date(2026, 3, 10, 10, 0, 0, 0, loc), false},
		{"first monday of march", time.Date(2026, 3, 2, 10, 0, 0, 0, loc), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := DetectHoliday(tt.date)
			assert.Equal(t, tt.holiday, got)
		})
	}
}

func TestSendingAllowed(t *testing.T) {
	cal := testCalendar(t)
	loc := eastern(t)

	tests := []struct {
		name    string
		at      time.Time
		allowed bool
	}{
		{"weekday mid-morning", time.Date(2026, 3, 10, 10, 30, 0, 0, loc), true},
		{"weekday 9am sharp", time.Date(2026, 3, 10, 9, 0, 0, 0, loc), true},
		{"weekday before window", time.Date(2026, 3, 10, 8, 59, 0, 0, loc), false},
		{"weekday 5pm closed", time.Date(2026, 3, 10, 17, 0, 0, 0, loc), false},
		{"saturday", time.Date(2026, 3, 14, 11, 0, 0, 0, loc), false},
		{"sunday", time.Date(2026, 3, 15, 11, 0, 0, 0, loc), false},
		{"holiday", time.Date(2026, 7, 4, 11, 0, 0, 0, loc), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := cal.SendingAllowed(tt.at)
			assert.Equal(t, tt.allowed, got, reason)
		})
	}
}

func TestSendingAllowedWeekendsEnabled(t *testing.T) {
	cal, err := NewCalendar(config.SendingConfig{
		Timezone:       "America/New_York",
		HourStart:      9,
		HourEnd:        17,
		SendOnWeekends: true,
	})
	require.NoError(t, err)

	sat := time.Date(2026, 3, 14, 11, 0, 0, 0, eastern(t))
	ok, _ := cal.SendingAllowed(sat)
	assert.True(t, ok)
}

func TestNextWindowStart(t *testing.T) {
	cal := testCalendar(t)
	loc := eastern(t)

	t.Run("already open returns now", func(t *testing.T) {
		now := time.Date(2026, 3, 10, 10, 0, 0, 0, loc)
		assert.Equal(t, now, cal.NextWindowStart(now))
	})

	t.Run("evening rolls to next morning", func(t *testing.T) {
		now := time.Date(2026, 3, 10, 19, 0, 0, 0, loc)
		want := time.Date(2026, 3, 11, 9, 0, 0, 0, loc)
		assert.Equal(t, want, cal.NextWindowStart(now))
	})

	t.Run("friday evening rolls to monday", func(t *testing.T) {
		now := time.Date(2026, 3, 13, 18, 0, 0, 0, loc)
		want := time.Date(2026, 3, 16, 9, 0, 0, 0, loc)
		assert.Equal(t, want, cal.NextWindowStart(now))
	})

	t.Run("skips holidays", func(t *testing.T) {
		// July 3 2026 is a Friday, July 4 Saturday; Monday July 6 opens.
		now := time.Date(2026, 7, 3, 18, 0, 0, 0, loc)
		got := cal.NextWindowStart(now)
		ok, reason := cal.SendingAllowed(got)
		assert.True(t, ok, reason)
		assert.True(t, got.After(now))
	})
}

func TestDayKeyUsesLocalMidnight(t *testing.T) {
	cal := testCalendar(t)

	// 02:00 UTC on March 11 is still March 10 in New York.
	utc := time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-10", cal.DayKey(utc))
}
