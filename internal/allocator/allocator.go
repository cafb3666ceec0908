package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/primestrides/outreach/internal/accounts"
	"github.com/primestrides/outreach/internal/config"
	"github.com/primestrides/outreach/internal/dispatch"
	"github.com/primestrides/outreach/internal/reputation"
	"github.com/primestrides/outreach/internal/schedule"
)

// ErrThreadAffinity means a thread follow-up names an account that is not
// in the pool. This is a configuration fault and must surface loudly;
// silently re-rotating the reply onto another mailbox would break the
// conversation for the recipient.
var ErrThreadAffinity = errors.New("thread account not in pool")

// Allocation is a successful claim: the chosen account plus the claim
// token reserving one send slot on it. The caller must redeem or release
// the claim; an unredeemed claim lapses on its own.
type Allocation struct {
	Account accounts.Account
	Claim   *reputation.Claim
	// EffectiveCap and SendsToday are the values observed at claim time,
	// kept for logging.
	EffectiveCap int
	SendsToday   int
}

// Deferral says no account can carry the request right now and when to
// ask again. It is an expected outcome, not an error: outside the sending
// window, between sessions, or with every account at cap, deferring is
// the correct behavior.
type Deferral struct {
	Reason         string
	NextEligibleAt time.Time
}

// Allocator picks a sending account for each request: filters the pool by
// eligibility, ranks survivors, and reserves a slot atomically so two
// workers can never land on the same account's last slot.
type Allocator struct {
	registry *accounts.Registry
	store    *reputation.Store
	calendar *schedule.Calendar
	planner  *schedule.Planner

	sending  config.SendingConfig
	claimTTL time.Duration
}

// New creates an allocator.
func New(registry *accounts.Registry, store *reputation.Store,
	calendar *schedule.Calendar, planner *schedule.Planner,
	sending config.SendingConfig, claimTTL time.Duration) *Allocator {
	if claimTTL <= 0 {
		claimTTL = reputation.DefaultClaimTTL
	}
	return &Allocator{
		registry: registry,
		store:    store,
		calendar: calendar,
		planner:  planner,
		sending:  sending,
		claimTTL: claimTTL,
	}
}

// candidate carries the observed state used for filtering and ranking.
type candidate struct {
	account accounts.Account
	state   reputation.AccountState
	cap     int
}

// Claim selects and reserves an account for the request. Exactly one of
// the three results is meaningful: a non-nil Allocation on success, a
// non-nil Deferral when the pool has nothing to offer right now, or an
// error for faults (ErrThreadAffinity, storage failures).
func (a *Allocator) Claim(ctx context.Context, req *dispatch.SendRequest, now time.Time) (*Allocation, *Deferral, error) {
	if allowed, reason := a.calendar.SendingAllowed(now); !allowed {
		return nil, &Deferral{
			Reason:         reason,
			NextEligibleAt: a.calendar.NextWindowStart(now),
		}, nil
	}

	pool, err := a.candidatePool(req)
	if err != nil {
		return nil, nil, err
	}

	active, err := a.activeCount(ctx, pool)
	if err != nil {
		return nil, nil, err
	}

	day := a.calendar.DayKey(now)
	eligible, nextAt, err := a.filter(ctx, pool, req, day, now, active)
	if err != nil {
		return nil, nil, err
	}
	if len(eligible) == 0 {
		return nil, a.deferral(req, now, nextAt), nil
	}

	rank(eligible)

	// Claim down the ranked list. A lost race ("busy", "cap") just means
	// another worker got there first; move to the next candidate.
	for _, c := range eligible {
		claim, _, err := a.store.IssueClaim(ctx, c.account.Email, day, c.cap, now, a.claimTTL)
		if err != nil {
			return nil, nil, err
		}
		if claim == nil {
			continue
		}
		return &Allocation{
			Account:      c.account,
			Claim:        claim,
			EffectiveCap: c.cap,
			SendsToday:   c.state.SendsToday,
		}, nil, nil
	}

	// Every eligible account lost its claim race. The in-flight claims
	// lapse within the TTL, so the pool frees up in minutes; wake then,
	// not at the next window.
	wake := now.Add(a.claimTTL)
	if !nextAt.IsZero() && nextAt.Before(wake) {
		wake = nextAt
	}
	return nil, a.deferral(req, now, wake), nil
}

// candidatePool returns the accounts allowed to carry the request. Thread
// follow-ups are pinned to their original account; everything else sees
// the whole pool.
func (a *Allocator) candidatePool(req *dispatch.SendRequest) ([]accounts.Account, error) {
	if req.Kind == dispatch.KindFollowupThread {
		acct, ok := a.registry.Get(req.ThreadAccount)
		if !ok {
			return nil, fmt.Errorf("request %s wants %s: %w", req.ID, req.ThreadAccount, ErrThreadAffinity)
		}
		return []accounts.Account{acct}, nil
	}
	return a.registry.All(), nil
}

// activeCount counts unblocked accounts in the whole pool. The global
// daily target divides across active accounts, so a blocked account's
// share flows to the rest.
func (a *Allocator) activeCount(ctx context.Context, _ []accounts.Account) (int, error) {
	active := 0
	for _, acct := range a.registry.All() {
		blocked, _, err := a.store.IsBlocked(ctx, acct.Email)
		if err != nil {
			return 0, err
		}
		if !blocked {
			active++
		}
	}
	return active, nil
}

// filter drops ineligible accounts and tracks the earliest instant any of
// them becomes eligible again, which seeds the deferral hint.
func (a *Allocator) filter(ctx context.Context, pool []accounts.Account,
	req *dispatch.SendRequest, day string, now time.Time, active int) ([]candidate, time.Time, error) {

	domain := accounts.ExtractDomain(req.Recipient)
	domainLimit := accounts.DomainDailyLimit(domain,
		a.sending.MaxPerRecipientDomain, a.sending.WebmailMultiplier)
	domainOK, err := a.store.CanSendDomain(ctx, domain, day, domainLimit)
	if err != nil {
		return nil, time.Time{}, err
	}
	if !domainOK {
		// The recipient's domain is throttled for everyone today.
		return nil, a.calendar.NextWindowStart(now.Add(24 * time.Hour)), nil
	}

	var eligible []candidate
	var nextAt time.Time
	consider := func(t time.Time) {
		if t.IsZero() || !t.After(now) {
			return
		}
		if nextAt.IsZero() || t.Before(nextAt) {
			nextAt = t
		}
	}

	for _, acct := range pool {
		unblockedAt, err := a.store.LastUnblockedAt(ctx, acct.Email)
		if err != nil {
			return nil, time.Time{}, err
		}
		baseCap := a.registry.EffectiveCap(acct, now, active, unblockedAt)
		cap, err := a.store.EffectiveCap(ctx, acct.Email, baseCap, now, a.calendar.Location())
		if err != nil {
			return nil, time.Time{}, err
		}

		st, err := a.store.GetState(ctx, acct.Email, day, cap, now, a.calendar.Location())
		if err != nil {
			return nil, time.Time{}, err
		}

		if st.Blocked {
			continue
		}
		if st.CapRemaining <= 0 {
			consider(a.calendar.NextWindowStart(now.Add(24 * time.Hour)))
			continue
		}
		if st.CooldownUntil.After(now) {
			consider(st.CooldownUntil)
			continue
		}

		// Warmup sends ignore the session plan; they exist to generate
		// steady background activity, not to mimic bursts.
		if req.Kind != dispatch.KindWarmup {
			plan := a.planner.ForDay(acct.Email, now, cap)
			in, _ := schedule.Within(plan, now)
			if !in {
				if start, ok := schedule.NextStart(plan, now); ok {
					consider(start)
				} else {
					consider(a.calendar.NextWindowStart(now.Add(24 * time.Hour)))
				}
				continue
			}
		}

		eligible = append(eligible, candidate{account: acct, state: st, cap: cap})
	}
	return eligible, nextAt, nil
}

// rank orders candidates fewest-sends-today first, ties broken by longest
// idle. Spreading load this way keeps any one mailbox from running hot.
func rank(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].state.SendsToday != cs[j].state.SendsToday {
			return cs[i].state.SendsToday < cs[j].state.SendsToday
		}
		return cs[i].state.LastSendAt.Before(cs[j].state.LastSendAt)
	})
}

func (a *Allocator) deferral(req *dispatch.SendRequest, now time.Time, nextAt time.Time) *Deferral {
	reason := "no account available"
	if req.Kind == dispatch.KindFollowupThread {
		reason = "thread account unavailable"
	}
	if nextAt.IsZero() {
		nextAt = a.calendar.NextWindowStart(now.Add(24 * time.Hour))
	}
	return &Deferral{Reason: reason, NextEligibleAt: nextAt}
}
