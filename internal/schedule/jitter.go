package schedule

import (
	"math/rand"
	"sync"
	"time"

	"github.com/primestrides/outreach/internal/config"
)

// timeOfDayMultipliers scales the base inter-send delay by local hour.
// >1.0 means longer delays (fewer sends). The midday slowdown mimics a
// person stepping away for lunch.
var timeOfDayMultipliers = map[int]float64{
	7:  1.1,
	8:  1.05,
	9:  1.0,
	10: 1.0,
	11: 1.1,
	12: 2.0, // lunch
	13: 1.25,
	14: 1.0,
	15: 1.0,
	16: 1.05,
	17: 1.1,
	18: 1.15,
}

// TimeOfDayMultiplier returns the delay multiplier for the given local hour.
func TimeOfDayMultiplier(hour int) float64 {
	if m, ok := timeOfDayMultipliers[hour]; ok {
		return m
	}
	return 1.0
}

// BounceSlowdown returns a delay multiplier based on the account's rolling
// bounce rate. Elevated bounces slow the account down before the hard
// reputation breaker kicks in.
func BounceSlowdown(bounceRate float64) float64 {
	switch {
	case bounceRate >= 0.10:
		return 3.0
	case bounceRate >= 0.05:
		return 2.0
	case bounceRate >= 0.03:
		return 1.5
	default:
		return 1.0
	}
}

// minCooldown is the floor on any computed delay. Sending faster than this
// from one mailbox is a deliverability risk regardless of pace targets.
const minCooldown = 3 * time.Minute

// TimingPolicy turns nominal inter-send delays into randomized, human-like
// ones. ObserveSend pins each account's next allowed instant; NextAllowedAt
// is monotonic per account: repeated queries between sends return the same
// pinned timestamp, never an earlier one.
type TimingPolicy struct {
	sending config.SendingConfig
	loc     *time.Location

	mu   sync.Mutex
	rng  *rand.Rand
	next map[string]time.Time
}

// NewTimingPolicy builds a timing policy. seed fixes the RNG for tests;
// pass 0 for a time-derived seed.
func NewTimingPolicy(sending config.SendingConfig, loc *time.Location, seed int64) *TimingPolicy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &TimingPolicy{
		sending: sending,
		loc:     loc,
		rng:     rand.New(rand.NewSource(seed)),
		next:    make(map[string]time.Time),
	}
}

// NextAllowedAt returns the earliest instant the account may send again.
// Accounts with no send on record may send immediately. The pinned
// timestamp never moves earlier between sends, so concurrent queries
// agree.
func (t *TimingPolicy) NextAllowedAt(accountID string, now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if at, ok := t.next[accountID]; ok && at.After(now) {
		return at
	}
	return now
}

// ObserveSend records a send, parking the account until the cooldown
// passes.
func (t *TimingPolicy) ObserveSend(accountID string, at time.Time, cooldown time.Duration) {
	t.mu.Lock()
	t.next[accountID] = at.Add(cooldown)
	t.mu.Unlock()
}

// Cooldown computes a human-like delay after a send: a uniform base from
// the configured range, scaled by time-of-day and bounce-rate multipliers,
// then Gaussian-jittered ±30%.
func (t *TimingPolicy) Cooldown(now time.Time, bounceRate float64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	lo, hi := t.sending.MinDelayMinutes, t.sending.MaxDelayMinutes
	base := time.Duration(randBetween(t.rng, lo, hi)) * time.Minute
	return t.jitteredScaledLocked(base, now, BounceSlowdown(bounceRate))
}

func (t *TimingPolicy) jitteredScaledLocked(base time.Duration, now time.Time, extra float64) time.Duration {
	mult := TimeOfDayMultiplier(now.In(t.loc).Hour()) * extra
	adjusted := time.Duration(float64(base) * mult)

	// Gaussian jitter, 2σ ≈ ±30%
	sigma := float64(adjusted) * 0.30 / 2
	jittered := time.Duration(t.rng.NormFloat64()*sigma) + adjusted

	if jittered < minCooldown {
		jittered = minCooldown
	}
	return jittered
}

// ShouldSkip occasionally declines a send opportunity, simulating a person
// taking an unscheduled break.
func (t *TimingPolicy) ShouldSkip(probability float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64() < probability
}
