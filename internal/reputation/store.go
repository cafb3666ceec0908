package reputation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sentinel errors for capacity and claim conditions. Callers check these
// with errors.Is; neither is ever surfaced to producers as a failure.
var (
	// ErrCapExceeded means an increment would push sends past the
	// effective daily cap. Recoverable: defer the send, never escalate.
	ErrCapExceeded = errors.New("daily cap exceeded")

	// ErrClaimExpired means a claim token was redeemed or released after
	// its lease lapsed (or by a non-owner). Internal recovery signal.
	ErrClaimExpired = errors.New("claim expired or not owned")
)

// Outcome classifies the result of one delivery attempt for rolling
// reputation counters.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeBounced    Outcome = "bounced"
	OutcomeComplained Outcome = "complained"
	OutcomeRejected   Outcome = "rejected"
)

// AccountState is a consistent snapshot of one account's mutable state.
type AccountState struct {
	AccountID       string
	SendsToday      int
	CapRemaining    int
	CooldownUntil   time.Time
	Blocked         bool
	BlockReason     string
	Claimed         bool
	LastSendAt      time.Time
	LastUnblockedAt time.Time
	BounceRate      float64
}

// Redis key patterns. All day-scoped keys embed the local calendar day, so
// the daily reset is implicit in the keying, never a mutation.
const (
	keySends      = "rep:sends:%s:%s"   // account, day
	keyOutcome    = "rep:out:%s:%s:%s"  // account, day, outcome
	keyCooldown   = "rep:cooldown:%s"   // account → unix seconds
	keyBlock      = "rep:block:%s"      // account → reason
	keyLastSend   = "rep:last:%s"       // account → unix seconds
	keyUnblocked  = "rep:unblocked:%s"  // account → unix seconds
	keyClaim      = "rep:claim:%s"      // account → claim owner token
	keyDomainSent = "rep:domain:%s:%s"  // domain, day
)

const (
	dayKeyTTL     = 48 * time.Hour
	outcomeKeyTTL = 8 * 24 * time.Hour

	// bounceBreakerRate halves the effective cap once the rolling bounce
	// rate crosses it (soft per-account circuit breaker).
	bounceBreakerRate = 0.05

	// bounceBreakerMinSends avoids tripping the breaker on tiny samples.
	bounceBreakerMinSends = 20

	rollingWindowDays = 7
)

// recordSendLuaScript atomically checks the cap and increments today's
// counter. Read-then-write from Go would race under concurrent senders;
// the whole check-and-increment must be one script.
const recordSendLuaScript = `
local sendsKey = KEYS[1]
local lastKey = KEYS[2]
local cap = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local sends = tonumber(redis.call("GET", sendsKey) or "0")
if sends + 1 > cap then
    return {0, sends}
end

local new = redis.call("INCR", sendsKey)
if new == 1 then
    redis.call("EXPIRE", sendsKey, ttl)
end
redis.call("SET", lastKey, now)
return {1, new}
`

// Store is the single source of truth for per-account sending state:
// day-keyed send counters, rolling outcome counters, cooldowns, blocks,
// and claim tokens. All mutation is atomic Lua; contention is per-account.
type Store struct {
	redis *redis.Client

	recordSendScript *redis.Script
	claimScript      *redis.Script
	redeemScript     *redis.Script
	releaseScript    *redis.Script
	snapshotScript   *redis.Script
}

// NewStore creates a reputation store with pre-compiled Lua scripts.
func NewStore(client *redis.Client) *Store {
	return &Store{
		redis:            client,
		recordSendScript: redis.NewScript(recordSendLuaScript),
		claimScript:      redis.NewScript(claimLuaScript),
		redeemScript:     redis.NewScript(redeemLuaScript),
		releaseScript:    redis.NewScript(releaseLuaScript),
		snapshotScript:   redis.NewScript(snapshotLuaScript),
	}
}

// NewStoreFromURL connects to Redis and verifies the connection.
func NewStoreFromURL(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewStore(client), nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.redis.Close()
}

// RecordSend atomically increments the account's counter for the given day
// and stamps the last-send time. Returns ErrCapExceeded when the increment
// would cross the cap; the counter is untouched in that case.
func (s *Store) RecordSend(ctx context.Context, accountID, day string, cap int, at time.Time) error {
	res, err := s.recordSendScript.Run(ctx, s.redis,
		[]string{
			fmt.Sprintf(keySends, accountID, day),
			fmt.Sprintf(keyLastSend, accountID),
		},
		cap, at.Unix(), int(dayKeyTTL.Seconds()),
	).Slice()
	if err != nil {
		return fmt.Errorf("record send for %s: %w", accountID, err)
	}
	if res[0].(int64) == 0 {
		return fmt.Errorf("account %s at %d/%d: %w", accountID, res[1].(int64), cap, ErrCapExceeded)
	}
	return nil
}

// RecordOutcome bumps the rolling reputation counter for the day.
func (s *Store) RecordOutcome(ctx context.Context, accountID, day string, outcome Outcome) error {
	key := fmt.Sprintf(keyOutcome, accountID, day, outcome)
	pipe := s.redis.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, outcomeKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record outcome %s for %s: %w", outcome, accountID, err)
	}
	return nil
}

// BounceRate returns the rolling bounce rate over the trailing window
// ending on the given day, along with the total attempts observed.
func (s *Store) BounceRate(ctx context.Context, accountID string, today time.Time, loc *time.Location) (float64, int, error) {
	pipe := s.redis.Pipeline()
	var sentCmds, bouncedCmds []*redis.StringCmd
	for i := 0; i < rollingWindowDays; i++ {
		day := today.In(loc).AddDate(0, 0, -i).Format("2006-01-02")
		sentCmds = append(sentCmds, pipe.Get(ctx, fmt.Sprintf(keyOutcome, accountID, day, OutcomeSent)))
		bouncedCmds = append(bouncedCmds, pipe.Get(ctx, fmt.Sprintf(keyOutcome, accountID, day, OutcomeBounced)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("bounce rate for %s: %w", accountID, err)
	}

	var sent, bounced int64
	for i := range sentCmds {
		if v, err := sentCmds[i].Int64(); err == nil {
			sent += v
		}
		if v, err := bouncedCmds[i].Int64(); err == nil {
			bounced += v
		}
	}
	total := sent + bounced
	if total == 0 {
		return 0, 0, nil
	}
	return float64(bounced) / float64(total), int(total), nil
}

// EffectiveCap applies the soft bounce breaker to a base cap: once the
// rolling bounce rate crosses the threshold (with a minimum sample), the
// cap is halved until the rate recovers. Recovery is automatic because the
// rate is recomputed from rolling counters on every call.
func (s *Store) EffectiveCap(ctx context.Context, accountID string, baseCap int, now time.Time, loc *time.Location) (int, error) {
	rate, total, err := s.BounceRate(ctx, accountID, now, loc)
	if err != nil {
		return baseCap, err
	}
	if total >= bounceBreakerMinSends && rate > bounceBreakerRate {
		halved := baseCap / 2
		if halved < 1 {
			halved = 1
		}
		return halved, nil
	}
	return baseCap, nil
}

// SetCooldown sets the account's cooldown-until timestamp. Idempotent;
// later of the existing and new values wins so cooldowns never shorten.
func (s *Store) SetCooldown(ctx context.Context, accountID string, until time.Time) error {
	key := fmt.Sprintf(keyCooldown, accountID)
	cur, err := s.redis.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("set cooldown for %s: %w", accountID, err)
	}
	if until.Unix() <= cur {
		return nil
	}
	ttl := time.Until(until) + time.Hour
	if ttl < time.Hour {
		ttl = time.Hour
	}
	if err := s.redis.Set(ctx, key, until.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("set cooldown for %s: %w", accountID, err)
	}
	return nil
}

// Block marks the account blocked with a reason. Idempotent.
func (s *Store) Block(ctx context.Context, accountID, reason string) error {
	if err := s.redis.Set(ctx, fmt.Sprintf(keyBlock, accountID), reason, 0).Err(); err != nil {
		return fmt.Errorf("block %s: %w", accountID, err)
	}
	return nil
}

// Unblock clears the block and stamps the unblock time so the warm-down
// ramp can reduce the account's cap for the following days. Idempotent.
func (s *Store) Unblock(ctx context.Context, accountID string, at time.Time) error {
	blockKey := fmt.Sprintf(keyBlock, accountID)
	n, err := s.redis.Del(ctx, blockKey).Result()
	if err != nil {
		return fmt.Errorf("unblock %s: %w", accountID, err)
	}
	if n == 0 {
		return nil // was not blocked
	}
	ttl := 7 * 24 * time.Hour
	if err := s.redis.Set(ctx, fmt.Sprintf(keyUnblocked, accountID), at.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("unblock %s: %w", accountID, err)
	}
	return nil
}

// snapshotLuaScript reads all per-account state in one atomic step so
// GetState never observes a half-updated account.
const snapshotLuaScript = `
local sends = tonumber(redis.call("GET", KEYS[1]) or "0")
local cooldown = tonumber(redis.call("GET", KEYS[2]) or "0")
local block = redis.call("GET", KEYS[3])
local last = tonumber(redis.call("GET", KEYS[4]) or "0")
local unblocked = tonumber(redis.call("GET", KEYS[5]) or "0")
local claimed = redis.call("EXISTS", KEYS[6])
local blocked = 0
local reason = ""
if block then
    blocked = 1
    reason = block
end
return {sends, cooldown, blocked, reason, last, unblocked, claimed}
`

// GetState returns a consistent snapshot of the account for the given day.
// cap is the effective cap the caller computed; CapRemaining is derived
// from it. BounceRate is filled from the rolling counters afterwards (it
// spans multiple days and is read-only, so atomicity with the snapshot is
// not required).
func (s *Store) GetState(ctx context.Context, accountID, day string, cap int, now time.Time, loc *time.Location) (AccountState, error) {
	res, err := s.snapshotScript.Run(ctx, s.redis, []string{
		fmt.Sprintf(keySends, accountID, day),
		fmt.Sprintf(keyCooldown, accountID),
		fmt.Sprintf(keyBlock, accountID),
		fmt.Sprintf(keyLastSend, accountID),
		fmt.Sprintf(keyUnblocked, accountID),
		fmt.Sprintf(keyClaim, accountID),
	}).Slice()
	if err != nil {
		return AccountState{}, fmt.Errorf("get state for %s: %w", accountID, err)
	}

	st := AccountState{AccountID: accountID}
	st.SendsToday = int(res[0].(int64))
	if cd := res[1].(int64); cd > 0 {
		st.CooldownUntil = time.Unix(cd, 0)
	}
	st.Blocked = res[2].(int64) == 1
	if r, ok := res[3].(string); ok {
		st.BlockReason = r
	}
	if last := res[4].(int64); last > 0 {
		st.LastSendAt = time.Unix(last, 0)
	}
	if ub := res[5].(int64); ub > 0 {
		st.LastUnblockedAt = time.Unix(ub, 0)
	}
	st.Claimed = res[6].(int64) == 1

	st.CapRemaining = cap - st.SendsToday
	if st.Claimed {
		st.CapRemaining-- // outstanding claim reserves one slot
	}
	if st.CapRemaining < 0 {
		st.CapRemaining = 0
	}

	rate, _, err := s.BounceRate(ctx, accountID, now, loc)
	if err != nil {
		return st, err
	}
	st.BounceRate = rate
	return st, nil
}

// CanSendDomain reports whether the recipient domain is under its daily
// throttle for the given day.
func (s *Store) CanSendDomain(ctx context.Context, domain, day string, limit int) (bool, error) {
	if domain == "" {
		return true, nil
	}
	cur, err := s.redis.Get(ctx, fmt.Sprintf(keyDomainSent, domain, day)).Int()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("domain throttle check %s: %w", domain, err)
	}
	return cur < limit, nil
}

// RecordDomainSend bumps the recipient-domain counter after a send.
func (s *Store) RecordDomainSend(ctx context.Context, domain, day string) error {
	if domain == "" {
		return nil
	}
	key := fmt.Sprintf(keyDomainSent, domain, day)
	pipe := s.redis.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, dayKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record domain send %s: %w", domain, err)
	}
	return nil
}

// SendsToday returns the committed send count for the account on the day.
func (s *Store) SendsToday(ctx context.Context, accountID, day string) (int, error) {
	n, err := s.redis.Get(ctx, fmt.Sprintf(keySends, accountID, day)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sends today for %s: %w", accountID, err)
	}
	return n, nil
}

// IsBlocked reports whether the account is blocked.
func (s *Store) IsBlocked(ctx context.Context, accountID string) (bool, string, error) {
	reason, err := s.redis.Get(ctx, fmt.Sprintf(keyBlock, accountID)).Result()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("block check for %s: %w", accountID, err)
	}
	return true, reason, nil
}

// LastUnblockedAt returns when the account's last block was lifted, or the
// zero time if it has never been blocked.
func (s *Store) LastUnblockedAt(ctx context.Context, accountID string) (time.Time, error) {
	v, err := s.redis.Get(ctx, fmt.Sprintf(keyUnblocked, accountID)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("unblocked-at for %s: %w", accountID, err)
	}
	unix, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unblocked-at for %s: bad value %q", accountID, v)
	}
	return time.Unix(unix, 0), nil
}
