package sender

import (
	"sync"
	"time"
)

// Breaker halts the sending loop after a run of consecutive failures.
// A burst of failures usually means something environmental (provider
// outage, revoked credentials, network partition); hammering on through
// it only burns queue retries and account reputation. After the probe
// interval one attempt is let through; success closes the breaker.
type Breaker struct {
	threshold int
	probe     time.Duration

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and allows a probe attempt after the probe interval.
func NewBreaker(threshold int, probe time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 10
	}
	if probe <= 0 {
		probe = 5 * time.Minute
	}
	return &Breaker{threshold: threshold, probe: probe}
}

// Allow reports whether a send attempt may proceed.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	if now.After(b.openUntil) {
		// Probe: one attempt through, re-arm the window in case it fails.
		b.openUntil = now.Add(b.probe)
		return true
	}
	return false
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.openUntil = time.Time{}
	b.mu.Unlock()
}

// RecordFailure counts one failed attempt, opening the breaker at the
// threshold.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	b.failures++
	if b.failures == b.threshold {
		b.openUntil = now.Add(b.probe)
	}
	b.mu.Unlock()
}

// Open reports whether the breaker is currently open.
func (b *Breaker) Open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold && !now.After(b.openUntil)
}
