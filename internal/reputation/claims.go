package reputation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Claim is a short-lived reservation of one send slot on one account. The
// allocator issues a claim before handing a request to the sender; the
// sender redeems it on success or releases it on failure. An unredeemed
// claim lapses on its own when the lease expires, so a crashed worker can
// never strand a slot.
type Claim struct {
	AccountID string
	Token     string
	ExpiresAt time.Time
}

// DefaultClaimTTL bounds how long a send may hold its reserved slot.
const DefaultClaimTTL = 5 * time.Minute

// claimLuaScript reserves a slot: the account must be unclaimed,
// unblocked, off cooldown, and under its cap including the slot being
// reserved. Checking all of that and setting the claim must be one atomic
// step or two allocators could both see room and both claim.
const claimLuaScript = `
local claimKey = KEYS[1]
local sendsKey = KEYS[2]
local blockKey = KEYS[3]
local cooldownKey = KEYS[4]
local owner = ARGV[1]
local cap = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttlMs = tonumber(ARGV[4])

if redis.call("EXISTS", claimKey) == 1 then
    return "busy"
end
if redis.call("EXISTS", blockKey) == 1 then
    return "blocked"
end
local cooldown = tonumber(redis.call("GET", cooldownKey) or "0")
if now < cooldown then
    return "cooldown"
end
local sends = tonumber(redis.call("GET", sendsKey) or "0")
if sends + 1 > cap then
    return "cap"
end

redis.call("SET", claimKey, owner, "PX", ttlMs)
return "ok"
`

// redeemLuaScript commits a claimed send: owner check, counter increment,
// last-send stamp, claim removal, all atomic. A lapsed or stolen claim
// returns 0 and leaves the counters alone.
const redeemLuaScript = `
local claimKey = KEYS[1]
local sendsKey = KEYS[2]
local lastKey = KEYS[3]
local owner = ARGV[1]
local now = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if redis.call("GET", claimKey) ~= owner then
    return 0
end

local new = redis.call("INCR", sendsKey)
if new == 1 then
    redis.call("EXPIRE", sendsKey, ttl)
end
redis.call("SET", lastKey, now)
redis.call("DEL", claimKey)
return 1
`

// releaseLuaScript returns an unused slot. Owner-checked so a worker that
// held an expired claim cannot release a successor's.
const releaseLuaScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

// IssueClaim tries to reserve a send slot on the account for the given
// day under the effective cap. On success it returns the claim and an
// empty reason. When the account cannot be claimed it returns a nil claim
// and the reason ("busy", "blocked", "cooldown", "cap"); that is not an
// error.
func (s *Store) IssueClaim(ctx context.Context, accountID, day string, cap int, now time.Time, ttl time.Duration) (*Claim, string, error) {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	token := uuid.New().String()

	res, err := s.claimScript.Run(ctx, s.redis,
		[]string{
			fmt.Sprintf(keyClaim, accountID),
			fmt.Sprintf(keySends, accountID, day),
			fmt.Sprintf(keyBlock, accountID),
			fmt.Sprintf(keyCooldown, accountID),
		},
		token, cap, now.Unix(), ttl.Milliseconds(),
	).Text()
	if err != nil {
		return nil, "", fmt.Errorf("issue claim for %s: %w", accountID, err)
	}
	if res != "ok" {
		return nil, res, nil
	}
	return &Claim{
		AccountID: accountID,
		Token:     token,
		ExpiresAt: now.Add(ttl),
	}, "", nil
}

// RedeemClaim converts the claim into a committed send: the day counter is
// incremented and the claim removed in one step. ErrClaimExpired means the
// lease lapsed before redemption and the slot already went back to the
// pool; the caller must not count the send.
func (s *Store) RedeemClaim(ctx context.Context, c *Claim, day string, at time.Time) error {
	n, err := s.redeemScript.Run(ctx, s.redis,
		[]string{
			fmt.Sprintf(keyClaim, c.AccountID),
			fmt.Sprintf(keySends, c.AccountID, day),
			fmt.Sprintf(keyLastSend, c.AccountID),
		},
		c.Token, at.Unix(), int(dayKeyTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("redeem claim for %s: %w", c.AccountID, err)
	}
	if n == 0 {
		return fmt.Errorf("claim for %s: %w", c.AccountID, ErrClaimExpired)
	}
	return nil
}

// ReleaseClaim returns the reserved slot without counting a send, used
// when the delivery attempt failed or was abandoned. Releasing an already
// expired claim is a no-op, not an error.
func (s *Store) ReleaseClaim(ctx context.Context, c *Claim) error {
	err := s.releaseScript.Run(ctx, s.redis,
		[]string{fmt.Sprintf(keyClaim, c.AccountID)},
		c.Token,
	).Err()
	if err != nil {
		return fmt.Errorf("release claim for %s: %w", c.AccountID, err)
	}
	return nil
}
