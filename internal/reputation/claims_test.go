package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueClaimHappyPath(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	now := testNow(t)

	claim, reason, err := store.IssueClaim(ctx, testAccount, testDay, 50, now, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reason)
	require.NotNil(t, claim)
	assert.Equal(t, testAccount, claim.AccountID)
	assert.NotEmpty(t, claim.Token)

	require.NoError(t, store.RedeemClaim(ctx, claim, testDay, now))

	n, err := store.SendsToday(ctx, testAccount, testDay)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Redeeming released the claim key.
	st, err := store.GetState(ctx, testAccount, testDay, 50, now, now.Location())
	require.NoError(t, err)
	assert.False(t, st.Claimed)
}

func TestIssueClaimOnePerAccount(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	now := testNow(t)

	first, reason, err := store.IssueClaim(ctx, testAccount, testDay, 50, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Empty(t, reason)

	second, reason, err := store.IssueClaim(ctx, testAccount, testDay, 50, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, "busy", reason)
}

func TestIssueClaimRespectsCap(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	now := testNow(t)

	require.NoError(t, store.RecordSend(ctx, testAccount, testDay, 2, now))
	require.NoError(t, store.RecordSend(ctx, testAccount, testDay, 2, now))

	claim, reason, err := store.IssueClaim(ctx, testAccount, testDay, 2, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claim)
	assert.Equal(t, "cap", reason)
}

func TestIssueClaimRespectsBlockAndCooldown(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	now := testNow(t)

	require.NoError(t, store.Block(ctx, testAccount, "operator hold"))
	claim, reason, err := store.IssueClaim(ctx, testAccount, testDay, 50, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claim)
	assert.Equal(t, "blocked", reason)

	require.NoError(t, store.Unblock(ctx, testAccount, now))
	require.NoError(t, store.SetCooldown(ctx, testAccount, now.Add(30*time.Minute)))
	claim, reason, err = store.IssueClaim(ctx, testAccount, testDay, 50, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claim)
	assert.Equal(t, "cooldown", reason)

	// Once the cooldown instant passes, the claim goes through.
	claim, reason, err = store.IssueClaim(ctx, testAccount, testDay, 50, now.Add(31*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.NotNil(t, claim)
}

func TestRedeemExpiredClaim(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()
	now := testNow(t)

	claim, _, err := store.IssueClaim(ctx, testAccount, testDay, 50, now, time.Second)
	require.NoError(t, err)
	require.NotNil(t, claim)

	mr.FastForward(2 * time.Second)

	err = store.RedeemClaim(ctx, claim, testDay, now)
	assert.ErrorIs(t, err, ErrClaimExpired)

	// The lapsed claim never counted a send.
	n, err := store.SendsToday(ctx, testAccount, testDay)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExpiredClaimFreesTheSlot(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()
	now := testNow(t)

	_, _, err := store.IssueClaim(ctx, testAccount, testDay, 50, now, time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	claim, reason, err := store.IssueClaim(ctx, testAccount, testDay, 50, now, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.NotNil(t, claim, "the slot returns to the pool once the lease lapses")
}

func TestReleaseClaim(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	now := testNow(t)

	claim, _, err := store.IssueClaim(ctx, testAccount, testDay, 50, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claim)

	require.NoError(t, store.ReleaseClaim(ctx, claim))

	// Slot is free again and nothing was counted.
	next, reason, err := store.IssueClaim(ctx, testAccount, testDay, 50, now, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.NotNil(t, next)

	n, err := store.SendsToday(ctx, testAccount, testDay)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReleaseIsOwnerChecked(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	now := testNow(t)

	real, _, err := store.IssueClaim(ctx, testAccount, testDay, 50, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, real)

	stale := &Claim{AccountID: testAccount, Token: "someone-elses-token"}
	require.NoError(t, store.ReleaseClaim(ctx, stale))

	// The real claim still holds.
	blockedBy, reason, err := store.IssueClaim(ctx, testAccount, testDay, 50, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, blockedBy)
	assert.Equal(t, "busy", reason)
}
