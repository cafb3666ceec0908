package schedule

import (
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/primestrides/outreach/internal/config"
)

// Session is one planned contiguous sending window for an account on one
// day: a burst of a few emails with short gaps, followed by a long break.
type Session struct {
	Start      time.Time
	EmailCount int
	IntraGap   time.Duration
}

// End returns the instant the session closes.
func (s Session) End() time.Time {
	return s.Start.Add(time.Duration(s.EmailCount) * s.IntraGap)
}

// Contains reports whether now falls inside the session window.
func (s Session) Contains(now time.Time) bool {
	return !now.Before(s.Start) && !now.After(s.End())
}

// Planner computes per-account daily session plans. Plans are deterministic
// for a given (account, day) pair: the RNG is seeded from both, so every
// worker process derives the identical plan without coordination.
type Planner struct {
	sessions config.SessionConfig
	sending  config.SendingConfig
	loc      *time.Location

	mu    sync.Mutex
	cache map[string][]Session // key: accountID + "|" + dayKey

	// seedOverride, when non-zero, replaces the derived seed. Tests use it
	// to pin a plan.
	seedOverride int64
}

// NewPlanner builds a session planner from configuration.
func NewPlanner(sessions config.SessionConfig, sending config.SendingConfig, loc *time.Location) *Planner {
	return &Planner{
		sessions: sessions,
		sending:  sending,
		loc:      loc,
		cache:    make(map[string][]Session),
	}
}

// SetSeed pins the RNG seed for all plans. Test hook.
func (p *Planner) SetSeed(seed int64) {
	p.seedOverride = seed
}

// ForDay returns the session plan for the account on the day containing
// now, computing and caching it on first use. The cache key includes the
// day, so plans regenerate naturally at local midnight.
func (p *Planner) ForDay(accountID string, now time.Time, dailyCap int) []Session {
	local := now.In(p.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.loc)
	key := accountID + "|" + day.Format("2006-01-02")

	p.mu.Lock()
	defer p.mu.Unlock()
	if plan, ok := p.cache[key]; ok {
		return plan
	}

	// First plan of a new day: drop prior days so the cache holds at
	// most one day per account.
	suffix := "|" + day.Format("2006-01-02")
	for k := range p.cache {
		if !strings.HasSuffix(k, suffix) {
			delete(p.cache, k)
		}
	}

	plan := p.PlanDay(accountID, day, dailyCap)
	p.cache[key] = plan
	return plan
}

// PlanDay computes the session plan for one account on one day. The plan
// never schedules more than dailyCap emails and never extends past the end
// of the sending window.
func (p *Planner) PlanDay(accountID string, day time.Time, dailyCap int) []Session {
	rng := rand.New(rand.NewSource(p.seedFor(accountID, day)))

	windowStart := day.Add(time.Duration(p.sending.HourStart) * time.Hour)
	windowEnd := day.Add(time.Duration(p.sending.HourEnd) * time.Hour)
	if !windowEnd.After(windowStart) || dailyCap <= 0 {
		return nil
	}

	sessionCount := randBetween(rng, p.sessions.MinPerDay, p.sessions.MaxPerDay)

	// Decide email counts first; the total is capped by the daily limit.
	var counts []int
	remaining := dailyCap
	for i := 0; i < sessionCount && remaining > 0; i++ {
		max := p.sessions.MaxEmails
		if max > remaining {
			max = remaining
		}
		min := p.sessions.MinEmails
		if min > max {
			min = max
		}
		n := randBetween(rng, min, max)
		counts = append(counts, n)
		remaining -= n
	}
	if len(counts) == 0 {
		return nil
	}

	intraGap := time.Duration(randBetween(rng,
		p.sending.MinDelayMinutes, p.sending.MaxDelayMinutes)) * time.Minute

	// Lead-in before the first session so accounts don't all fire at 09:00.
	cursor := windowStart.Add(time.Duration(rng.Intn(31)) * time.Minute)

	var plan []Session
	for i, n := range counts {
		if i > 0 {
			gap := time.Duration(randBetween(rng,
				p.sessions.MinGapMinutes, p.sessions.MaxGapMinutes)) * time.Minute
			cursor = cursor.Add(gap)
		}
		if !cursor.Before(windowEnd) {
			break
		}
		s := Session{Start: cursor, EmailCount: n, IntraGap: intraGap}
		plan = append(plan, s)
		cursor = s.End()
	}
	return plan
}

// Within reports whether now falls inside any session of the plan, and
// which one.
func Within(plan []Session, now time.Time) (bool, *Session) {
	for i := range plan {
		if plan[i].Contains(now) {
			return true, &plan[i]
		}
	}
	return false, nil
}

// NextStart returns the start of the next session after now. The second
// return is false when all of today's sessions are over.
func NextStart(plan []Session, now time.Time) (time.Time, bool) {
	for _, s := range plan {
		if s.Start.After(now) {
			return s.Start, true
		}
	}
	return time.Time{}, false
}

func (p *Planner) seedFor(accountID string, day time.Time) int64 {
	if p.seedOverride != 0 {
		return p.seedOverride
	}
	h := fnv.New64a()
	h.Write([]byte(accountID))
	h.Write([]byte(day.Format("2006-01-02")))
	return int64(h.Sum64())
}

// randBetween returns a uniform int in [lo, hi]. Degenerate ranges collapse
// to lo.
func randBetween(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}
