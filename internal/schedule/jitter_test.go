package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/primestrides/outreach/internal/config"
)

func testTiming(t *testing.T) *TimingPolicy {
	t.Helper()
	return NewTimingPolicy(config.SendingConfig{
		Timezone:        "America/New_York",
		MinDelayMinutes: 20,
		MaxDelayMinutes: 35,
	}, eastern(t), 42)
}

func TestTimeOfDayMultiplier(t *testing.T) {
	assert.Equal(t, 2.0, TimeOfDayMultiplier(12), "lunch hour slows down the most")
	assert.Equal(t, 1.0, TimeOfDayMultiplier(10))
	assert.Equal(t, 1.0, TimeOfDayMultiplier(3), "unlisted hours default to 1.0")
}

func TestBounceSlowdown(t *testing.T) {
	tests := []struct {
		rate float64
		want float64
	}{
		{0.0, 1.0},
		{0.02, 1.0},
		{0.03, 1.5},
		{0.04, 1.5},
		{0.05, 2.0},
		{0.07, 2.0},
		{0.10, 3.0},
		{0.50, 3.0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BounceSlowdown(tt.rate), "rate %.2f", tt.rate)
	}
}

func TestCooldownBounds(t *testing.T) {
	tp := testTiming(t)
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, eastern(t))

	for i := 0; i < 200; i++ {
		d := tp.Cooldown(now, 0)
		assert.GreaterOrEqual(t, d, minCooldown)
		// 35min base at multiplier 1.0 with ±30% jitter tops out well
		// under an hour; anything bigger means the scaling broke.
		assert.Less(t, d, time.Hour)
	}
}

func TestCooldownScalesWithBounceRate(t *testing.T) {
	tp := testTiming(t)
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, eastern(t))

	var clean, bouncy time.Duration
	for i := 0; i < 100; i++ {
		clean += tp.Cooldown(now, 0)
		bouncy += tp.Cooldown(now, 0.12)
	}
	assert.Greater(t, bouncy, 2*clean, "a 12%% bounce rate should roughly triple delays")
}

func TestNextAllowedAtMonotonic(t *testing.T) {
	tp := testTiming(t)
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, eastern(t))

	assert.Equal(t, now, tp.NextAllowedAt("alex@primestrides.com", now),
		"an account with no send on record may send immediately")

	tp.ObserveSend("alex@primestrides.com", now, 20*time.Minute)
	first := tp.NextAllowedAt("alex@primestrides.com", now)
	second := tp.NextAllowedAt("alex@primestrides.com", now.Add(time.Minute))
	assert.Equal(t, now.Add(20*time.Minute), first)
	assert.Equal(t, first, second, "repeated queries must return the pinned instant")

	// Once the pin passes, the account is free again.
	later := now.Add(21 * time.Minute)
	assert.Equal(t, later, tp.NextAllowedAt("alex@primestrides.com", later))
}

func TestNextAllowedAtPerAccount(t *testing.T) {
	tp := testTiming(t)
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, eastern(t))

	tp.ObserveSend("alex@primestrides.com", now, 20*time.Minute)
	a := tp.NextAllowedAt("alex@primestrides.com", now)
	b := tp.NextAllowedAt("jordan@primestrides.com", now)
	assert.True(t, a.After(b), "only the sending account is parked")
}

func TestShouldSkip(t *testing.T) {
	tp := testTiming(t)
	assert.False(t, tp.ShouldSkip(0))

	skips := 0
	for i := 0; i < 1000; i++ {
		if tp.ShouldSkip(0.5) {
			skips++
		}
	}
	assert.InDelta(t, 500, skips, 100)
}
