package schedule

import (
	"fmt"
	"time"

	"github.com/primestrides/outreach/internal/config"
)

type holidayInfo struct {
	Name  string
	Month time.Month
	Day   int
}

var fixedHolidays = []holidayInfo{
	{"New Year's Day", time.January, 1},
	{"Juneteenth", time.June, 19},
	{"Independence Day", time.July, 4},
	{"Veterans Day", time.November, 11},
	{"Christmas Eve", time.December, 24},
	{"Christmas Day", time.December, 25},
	{"New Year's Eve", time.December, 31},
}

// DetectHoliday reports whether the given time falls on a US holiday (or a
// quiet day adjacent to one) and the holiday name. Cold outreach on these
// days reads as automated, so the calendar treats them as closed.
func DetectHoliday(t time.Time) (bool, string) {
	for _, h := range fixedHolidays {
		if t.Month() == h.Month && t.Day() == h.Day {
			return true, h.Name
		}
	}

	month := t.Month()
	day := t.Day()

	// MLK Day — 3rd Monday in January
	if month == time.January && t.Weekday() == time.Monday && nthWeekday(day) == 3 {
		return true, "Martin Luther King Jr. Day"
	}
	// Presidents' Day — 3rd Monday in February
	if month == time.February && t.Weekday() == time.Monday && nthWeekday(day) == 3 {
		return true, "Presidents' Day"
	}
	// Memorial Day — last Monday in May
	if month == time.May && t.Weekday() == time.Monday && day > 24 {
		return true, "Memorial Day"
	}
	// Labor Day — 1st Monday in September
	if month == time.September && t.Weekday() == time.Monday && nthWeekday(day) == 1 {
		return true, "Labor Day"
	}
	// Thanksgiving — 4th Thursday in November
	if month == time.November && t.Weekday() == time.Thursday && nthWeekday(day) == 4 {
		return true, "Thanksgiving"
	}
	// Day after Thanksgiving
	if month == time.November && t.Weekday() == time.Friday && nthWeekday(day-1) == 4 {
		return true, "Day After Thanksgiving"
	}

	return false, ""
}

func nthWeekday(dayOfMonth int) int {
	return (dayOfMonth-1)/7 + 1
}

// Calendar is the pure business-hours gate: given an instant it decides
// whether sending is allowed at all, independent of any account state.
type Calendar struct {
	loc            *time.Location
	hourStart      int
	hourEnd        int
	sendOnWeekends bool
}

// NewCalendar builds a Calendar from the sending configuration.
func NewCalendar(cfg config.SendingConfig) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	return &Calendar{
		loc:            loc,
		hourStart:      cfg.HourStart,
		hourEnd:        cfg.HourEnd,
		sendOnWeekends: cfg.SendOnWeekends,
	}, nil
}

// SendingAllowed reports whether sending is permitted at the given instant,
// with a human-readable reason when it is not.
func (c *Calendar) SendingAllowed(now time.Time) (bool, string) {
	local := now.In(c.loc)

	if hol, name := DetectHoliday(local); hol {
		return false, fmt.Sprintf("holiday: %s", name)
	}
	if !c.sendOnWeekends {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false, fmt.Sprintf("weekend (%s)", wd)
		}
	}
	hour := local.Hour()
	if hour < c.hourStart {
		return false, fmt.Sprintf("before window (%02d:00, starts %02d:00)", hour, c.hourStart)
	}
	if hour >= c.hourEnd {
		return false, fmt.Sprintf("after window (%02d:00, ended %02d:00)", hour, c.hourEnd)
	}
	return true, ""
}

// NextWindowStart returns the next instant at which SendingAllowed becomes
// true. If sending is already allowed it returns now unchanged.
func (c *Calendar) NextWindowStart(now time.Time) time.Time {
	if ok, _ := c.SendingAllowed(now); ok {
		return now
	}

	local := now.In(c.loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(),
		c.hourStart, 0, 0, 0, c.loc)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}

	// Walk forward over weekends and holidays. Two weeks is more than any
	// contiguous run of closed days in the US calendar.
	for i := 0; i < 14; i++ {
		if ok, _ := c.SendingAllowed(candidate); ok {
			return candidate
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// DayKey formats the calendar day of t in the sending timezone. All
// day-scoped counters (sends today, domain throttle) key on this value so
// the daily reset happens at local midnight, not UTC midnight.
func (c *Calendar) DayKey(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// Location returns the sending timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}
