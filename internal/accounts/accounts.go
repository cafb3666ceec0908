package accounts

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/primestrides/outreach/internal/config"
)

// Account is one sending mailbox identity. Accounts are defined at
// configuration load and never deleted; runtime state (sends today,
// cooldowns, blocks) lives in the reputation store.
type Account struct {
	Email       string
	SenderName  string
	PasswordEnv string
	DailyCap    int
	StartedAt   time.Time
}

// Domain returns the account's sending domain.
func (a Account) Domain() string {
	if i := strings.LastIndex(a.Email, "@"); i >= 0 {
		return a.Email[i+1:]
	}
	return ""
}

// Password resolves the account's SMTP credential from the environment.
func (a Account) Password() string {
	return os.Getenv(a.PasswordEnv)
}

// warmdownRamp maps days-since-unblock to a reduced daily limit. A freshly
// unblocked account ramps back up instead of resuming full volume.
var warmdownRamp = map[int]int{0: 3, 1: 5, 2: 10}

// Registry holds the configured account pool and computes effective daily
// caps from the warm-up, warm-down, and global-target rules.
type Registry struct {
	accounts []Account
	byEmail  map[string]int
	warmup   config.WarmupConfig
	sending  config.SendingConfig
}

// NewRegistry builds a registry from configuration.
func NewRegistry(cfgs []config.AccountConfig, warmup config.WarmupConfig, sending config.SendingConfig) (*Registry, error) {
	r := &Registry{
		byEmail: make(map[string]int, len(cfgs)),
		warmup:  warmup,
		sending: sending,
	}
	for _, c := range cfgs {
		a := Account{
			Email:       c.Email,
			SenderName:  c.SenderName,
			PasswordEnv: c.PasswordEnv,
			DailyCap:    c.DailyCap,
		}
		if a.DailyCap <= 0 {
			a.DailyCap = 50
		}
		if c.StartedAt != "" {
			t, err := time.Parse("2006-01-02", c.StartedAt)
			if err != nil {
				return nil, fmt.Errorf("account %s: bad started_at %q: %w", c.Email, c.StartedAt, err)
			}
			a.StartedAt = t
		}
		if _, dup := r.byEmail[a.Email]; dup {
			return nil, fmt.Errorf("duplicate account %s", a.Email)
		}
		r.byEmail[a.Email] = len(r.accounts)
		r.accounts = append(r.accounts, a)
	}
	return r, nil
}

// All returns every configured account.
func (r *Registry) All() []Account {
	return r.accounts
}

// Get looks up an account by address.
func (r *Registry) Get(email string) (Account, bool) {
	i, ok := r.byEmail[email]
	if !ok {
		return Account{}, false
	}
	return r.accounts[i], true
}

// Count returns the pool size.
func (r *Registry) Count() int {
	return len(r.accounts)
}

// EffectiveCap computes the daily cap for one account at the given instant.
//
// Priority order:
//  1. Warm-down ramp (recently unblocked) always wins.
//  2. Warm-up week limit caps young accounts.
//  3. Global daily target, when set, distributes evenly across active
//     (unblocked) accounts.
//  4. The account's own base cap.
//
// The result never exceeds the provider hard cap.
//
// activeAccounts is the number of currently unblocked accounts (for the
// global-target split); lastUnblockedAt is zero when the account has never
// been blocked.
func (r *Registry) EffectiveCap(a Account, now time.Time, activeAccounts int, lastUnblockedAt time.Time) int {
	hardCap := r.sending.HardCap
	if hardCap <= 0 {
		hardCap = 500
	}

	if !lastUnblockedAt.IsZero() {
		days := int(now.Sub(lastUnblockedAt).Hours() / 24)
		if limit, ok := warmdownRamp[days]; ok {
			return min(limit, hardCap)
		}
	}

	warmupLimit := -1
	if r.warmup.Enabled && !a.StartedAt.IsZero() {
		week := int(now.Sub(a.StartedAt).Hours()/24)/7 + 1
		switch {
		case week <= 1:
			warmupLimit = r.warmup.Week1Limit
		case week == 2:
			warmupLimit = r.warmup.Week2Limit
		case week == 3:
			warmupLimit = r.warmup.Week3Limit
		default:
			warmupLimit = r.warmup.Week4Limit
		}
	}

	var limit int
	if r.sending.GlobalDailyTarget > 0 && activeAccounts > 0 {
		limit = int(math.Ceil(float64(r.sending.GlobalDailyTarget) / float64(activeAccounts)))
		if warmupLimit >= 0 && warmupLimit < limit {
			limit = warmupLimit
		}
	} else {
		limit = a.DailyCap
		if warmupLimit >= 0 && warmupLimit < limit {
			limit = warmupLimit
		}
	}

	return min(limit, hardCap)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
