package allocator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primestrides/outreach/internal/accounts"
	"github.com/primestrides/outreach/internal/config"
	"github.com/primestrides/outreach/internal/dispatch"
	"github.com/primestrides/outreach/internal/reputation"
	"github.com/primestrides/outreach/internal/schedule"
)

const (
	acctA = "alex@primestrides.com"
	acctB = "jordan@primestrides.com"
)

func testSending() config.SendingConfig {
	return config.SendingConfig{
		Timezone:              "America/New_York",
		HourStart:             9,
		HourEnd:               17,
		MinDelayMinutes:       20,
		MaxDelayMinutes:       35,
		HardCap:               500,
		MaxPerRecipientDomain: 5,
		WebmailMultiplier:     10,
	}
}

func testAllocator(t *testing.T) (*Allocator, *reputation.Store, *schedule.Calendar) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := reputation.NewStore(client)

	sending := testSending()
	registry, err := accounts.NewRegistry([]config.AccountConfig{
		{Email: acctA, SenderName: "Alex Rivera", DailyCap: 50},
		{Email: acctB, SenderName: "Jordan Lee", DailyCap: 50},
	}, config.WarmupConfig{}, sending)
	require.NoError(t, err)

	calendar, err := schedule.NewCalendar(sending)
	require.NoError(t, err)
	planner := schedule.NewPlanner(config.SessionConfig{
		MinPerDay: 2, MaxPerDay: 3, MinEmails: 3, MaxEmails: 7,
		MinGapMinutes: 60, MaxGapMinutes: 180,
	}, sending, calendar.Location())

	return New(registry, store, calendar, planner, sending, time.Minute), store, calendar
}

// warmupReq bypasses the session-plan gate so tests exercise the pool
// logic deterministically.
func warmupReq(recipient string) *dispatch.SendRequest {
	return &dispatch.SendRequest{
		ID:        "req-1",
		Kind:      dispatch.KindWarmup,
		Recipient: recipient,
		Subject:   "s",
		TextBody:  "b",
	}
}

func inWindow(t *testing.T, cal *schedule.Calendar) time.Time {
	t.Helper()
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, cal.Location())
	ok, reason := cal.SendingAllowed(now)
	require.True(t, ok, reason)
	return now
}

func TestClaimOutsideWindowDefers(t *testing.T) {
	a, _, cal := testAllocator(t)
	night := time.Date(2026, 3, 10, 22, 0, 0, 0, cal.Location())

	alloc, deferral, err := a.Claim(context.Background(), warmupReq("jane@acme.com"), night)
	require.NoError(t, err)
	assert.Nil(t, alloc)
	require.NotNil(t, deferral)
	assert.Equal(t, cal.NextWindowStart(night), deferral.NextEligibleAt)
}

func TestClaimUnknownThreadAccountFailsLoudly(t *testing.T) {
	a, _, cal := testAllocator(t)
	now := inWindow(t, cal)

	req := warmupReq("jane@acme.com")
	req.Kind = dispatch.KindFollowupThread
	req.ThreadAccount = "gone@primestrides.com"

	_, _, err := a.Claim(context.Background(), req, now)
	assert.ErrorIs(t, err, ErrThreadAffinity)
}

func TestClaimReservesSlot(t *testing.T) {
	a, store, cal := testAllocator(t)
	ctx := context.Background()
	now := inWindow(t, cal)

	alloc, deferral, err := a.Claim(ctx, warmupReq("jane@acme.com"), now)
	require.NoError(t, err)
	require.Nil(t, deferral)
	require.NotNil(t, alloc)
	require.NotNil(t, alloc.Claim)

	st, err := store.GetState(ctx, alloc.Account.Email, cal.DayKey(now), alloc.EffectiveCap, now, cal.Location())
	require.NoError(t, err)
	assert.True(t, st.Claimed)
}

func TestClaimRotatesWhenBusy(t *testing.T) {
	a, _, cal := testAllocator(t)
	ctx := context.Background()
	now := inWindow(t, cal)

	first, _, err := a.Claim(ctx, warmupReq("one@acme.com"), now)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, _, err := a.Claim(ctx, warmupReq("two@beta.com"), now)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.Account.Email, second.Account.Email,
		"a busy account must not carry two in-flight sends")

	// Both accounts busy: the third request defers.
	third, deferral, err := a.Claim(ctx, warmupReq("three@gamma.com"), now)
	require.NoError(t, err)
	assert.Nil(t, third)
	assert.NotNil(t, deferral)
}

func TestClaimBusyPoolDefersUntilClaimExpiry(t *testing.T) {
	a, store, cal := testAllocator(t)
	ctx := context.Background()
	now := inWindow(t, cal)
	day := cal.DayKey(now)

	// Other workers hold in-flight claims on the entire pool.
	for _, email := range []string{acctA, acctB} {
		c, reason, err := store.IssueClaim(ctx, email, day, 50, now, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, c, "setup claim: %s", reason)
	}

	alloc, deferral, err := a.Claim(ctx, warmupReq("jane@acme.com"), now)
	require.NoError(t, err)
	require.Nil(t, alloc)
	require.NotNil(t, deferral)

	// The claims lapse within their TTL; the request must wake then, not
	// at the next day's window.
	assert.True(t, deferral.NextEligibleAt.After(now))
	assert.False(t, deferral.NextEligibleAt.After(now.Add(time.Minute)),
		"a busy pool frees up within the claim TTL, got %s",
		deferral.NextEligibleAt.Sub(now))
}

func TestClaimPrefersFewestSends(t *testing.T) {
	a, store, cal := testAllocator(t)
	ctx := context.Background()
	now := inWindow(t, cal)
	day := cal.DayKey(now)

	require.NoError(t, store.RecordSend(ctx, acctA, day, 50, now.Add(-time.Hour)))
	require.NoError(t, store.RecordSend(ctx, acctA, day, 50, now.Add(-time.Hour)))
	require.NoError(t, store.RecordSend(ctx, acctB, day, 50, now.Add(-time.Hour)))

	alloc, _, err := a.Claim(ctx, warmupReq("jane@acme.com"), now)
	require.NoError(t, err)
	require.NotNil(t, alloc)
	assert.Equal(t, acctB, alloc.Account.Email)
}

func TestClaimSkipsBlockedAccounts(t *testing.T) {
	a, store, cal := testAllocator(t)
	ctx := context.Background()
	now := inWindow(t, cal)

	require.NoError(t, store.Block(ctx, acctA, "provider hold"))

	alloc, _, err := a.Claim(ctx, warmupReq("jane@acme.com"), now)
	require.NoError(t, err)
	require.NotNil(t, alloc)
	assert.Equal(t, acctB, alloc.Account.Email)

	require.NoError(t, store.Block(ctx, acctB, "provider hold"))
	alloc, deferral, err := a.Claim(ctx, warmupReq("jane@acme.com"), now)
	require.NoError(t, err)
	assert.Nil(t, alloc)
	assert.NotNil(t, deferral, "a fully blocked pool defers, it does not error")
}

func TestClaimThreadAccountOnCooldownDefers(t *testing.T) {
	a, store, cal := testAllocator(t)
	ctx := context.Background()
	now := inWindow(t, cal)
	until := now.Add(25 * time.Minute)

	require.NoError(t, store.SetCooldown(ctx, acctA, until))

	req := warmupReq("jane@acme.com")
	req.Kind = dispatch.KindFollowupThread
	req.ThreadAccount = acctA

	alloc, deferral, err := a.Claim(ctx, req, now)
	require.NoError(t, err)
	assert.Nil(t, alloc, "a thread follow-up never rotates to another account")
	require.NotNil(t, deferral)
	assert.Equal(t, until.Unix(), deferral.NextEligibleAt.Unix())
}

func TestClaimDomainThrottleDefers(t *testing.T) {
	a, store, cal := testAllocator(t)
	ctx := context.Background()
	now := inWindow(t, cal)
	day := cal.DayKey(now)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordDomainSend(ctx, "acme.com", day))
	}

	alloc, deferral, err := a.Claim(ctx, warmupReq("jane@acme.com"), now)
	require.NoError(t, err)
	assert.Nil(t, alloc)
	require.NotNil(t, deferral)
	assert.True(t, deferral.NextEligibleAt.After(now))

	// Webmail recipients get the multiplied limit, so gmail still flows.
	alloc, _, err = a.Claim(ctx, warmupReq("jane@gmail.com"), now)
	require.NoError(t, err)
	assert.NotNil(t, alloc)
}
