package sender

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/primestrides/outreach/internal/accounts"
	"github.com/primestrides/outreach/internal/allocator"
	"github.com/primestrides/outreach/internal/config"
	"github.com/primestrides/outreach/internal/dispatch"
	"github.com/primestrides/outreach/internal/pkg/logger"
	"github.com/primestrides/outreach/internal/reputation"
	"github.com/primestrides/outreach/internal/schedule"
	"github.com/primestrides/outreach/internal/transport"
)

// Loop drains the dispatch queue: claim a request, allocate an account,
// deliver, settle. One Loop per process; concurrency across processes is
// safe because both the queue claim and the account claim are atomic.
type Loop struct {
	workerID string
	queue    *dispatch.Queue
	alloc    *allocator.Allocator
	store    *reputation.Store
	calendar *schedule.Calendar
	timing   *schedule.TimingPolicy
	sender   transport.Sender
	breaker  *Breaker

	retry    config.RetryConfig
	interval time.Duration
	batch    int

	// skipProbability is the chance of passing on a ready send, like a
	// person stepping away from the desk. Zero disables it.
	skipProbability float64
}

// New creates a sender loop.
func New(workerID string, queue *dispatch.Queue, alloc *allocator.Allocator,
	store *reputation.Store, calendar *schedule.Calendar,
	timing *schedule.TimingPolicy, sender transport.Sender,
	breaker *Breaker, retry config.RetryConfig) *Loop {
	return &Loop{
		workerID: workerID,
		queue:    queue,
		alloc:    alloc,
		store:    store,
		calendar: calendar,
		timing:   timing,
		sender:   sender,
		breaker:  breaker,
		retry:    retry,
		interval: 30 * time.Second,
		batch:    5,
	}
}

// SetInterval overrides the polling interval. Test hook.
func (l *Loop) SetInterval(d time.Duration) { l.interval = d }

// SetSkipProbability sets the chance of declining a ready send.
func (l *Loop) SetSkipProbability(p float64) { l.skipProbability = p }

// Run polls the queue until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	log.Printf("[Sender] worker %s starting via %s", l.workerID, l.sender.Name())
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Sender] worker %s stopping", l.workerID)
			return
		case <-ticker.C:
			l.tick(ctx, time.Now())
		}
	}
}

// tick runs one dequeue-and-send pass.
func (l *Loop) tick(ctx context.Context, now time.Time) {
	if !l.breaker.Allow(now) {
		return
	}
	if allowed, _ := l.calendar.SendingAllowed(now); !allowed {
		return
	}

	reqs, err := l.queue.DequeueReady(ctx, l.workerID, l.batch,
		time.Duration(l.retry.ClaimTTLMinutes)*time.Minute)
	if err != nil {
		log.Printf("[Sender] dequeue failed: %v", err)
		return
	}

	for i := range reqs {
		if err := l.Process(ctx, &reqs[i], time.Now()); err != nil {
			log.Printf("[Sender] request %s: %v", reqs[i].ID, err)
		}
	}
}

// Process handles one claimed request end to end.
func (l *Loop) Process(ctx context.Context, req *dispatch.SendRequest, now time.Time) error {
	// Refresh the lease before committing to a send. Rows at the tail of
	// a batch may have been dequeued minutes ago; if the lease lapsed in
	// the meantime, another worker owns the row now.
	if err := l.queue.TouchClaim(ctx, req.ID, l.workerID); err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			log.Printf("[Sender] request %s lease lost, skipping", req.ID)
			return nil
		}
		return err
	}

	alloc, deferral, err := l.alloc.Claim(ctx, req, now)
	if err != nil {
		if errors.Is(err, allocator.ErrThreadAffinity) {
			// Misconfigured affinity never heals on retry.
			log.Printf("[Sender] request %s abandoned: %v", req.ID, err)
			return l.queue.Abandon(ctx, req.ID, err.Error())
		}
		// Storage fault: put the request back untouched.
		if relErr := l.queue.Release(ctx, req.ID, now.Add(time.Minute)); relErr != nil {
			return relErr
		}
		return err
	}
	if deferral != nil {
		return l.queue.Release(ctx, req.ID, deferral.NextEligibleAt)
	}

	return l.deliver(ctx, req, alloc, now)
}

func (l *Loop) deliver(ctx context.Context, req *dispatch.SendRequest, alloc *allocator.Allocation, now time.Time) error {
	acct := alloc.Account
	day := l.calendar.DayKey(now)

	// In-process pacing gate under the Redis cooldown: even if the
	// cooldown write after the last send was lost, this worker still
	// waits out the jittered delay.
	if at := l.timing.NextAllowedAt(acct.Email, now); at.After(now) {
		if err := l.store.ReleaseClaim(ctx, alloc.Claim); err != nil {
			log.Printf("[Sender] release claim for %s: %v", acct.Email, err)
		}
		return l.queue.Release(ctx, req.ID, at)
	}

	// An unscheduled break: decline the opportunity and come back after
	// a normal inter-send delay.
	if l.skipProbability > 0 && l.timing.ShouldSkip(l.skipProbability) {
		if err := l.store.ReleaseClaim(ctx, alloc.Claim); err != nil {
			log.Printf("[Sender] release claim for %s: %v", acct.Email, err)
		}
		return l.queue.Release(ctx, req.ID, now.Add(l.timing.Cooldown(now, 0)))
	}

	msg := &transport.Message{
		Account:    acct,
		Recipient:  req.Recipient,
		Subject:    req.Subject,
		HTMLBody:   req.HTMLBody,
		TextBody:   req.TextBody,
		InReplyTo:  req.InReplyTo,
		References: req.ThreadRefs,
	}

	sendCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	res, sendErr := l.sender.Send(sendCtx, msg)
	cancel()

	if sendErr != nil {
		l.breaker.RecordFailure(time.Now())
		if relErr := l.store.ReleaseClaim(ctx, alloc.Claim); relErr != nil {
			log.Printf("[Sender] release claim for %s: %v", acct.Email, relErr)
		}
		return l.settleFailure(ctx, req, acct, day, sendErr)
	}

	l.breaker.RecordSuccess()
	sentAt := res.SentAt

	if err := l.store.RedeemClaim(ctx, alloc.Claim, day, sentAt); err != nil {
		if errors.Is(err, reputation.ErrClaimExpired) {
			// The slot lapsed mid-send. The email went out, so count it
			// directly; the cap may overshoot by this one send.
			if rsErr := l.store.RecordSend(ctx, acct.Email, day, alloc.EffectiveCap+1, sentAt); rsErr != nil {
				log.Printf("[Sender] late count for %s: %v", acct.Email, rsErr)
			}
		} else {
			log.Printf("[Sender] redeem claim for %s: %v", acct.Email, err)
		}
	}

	if err := l.queue.MarkSent(ctx, req.ID, acct.Email, res.Via, res.MessageID); err != nil {
		return err
	}
	if err := l.store.RecordOutcome(ctx, acct.Email, day, reputation.OutcomeSent); err != nil {
		log.Printf("[Sender] record outcome for %s: %v", acct.Email, err)
	}
	if err := l.store.RecordDomainSend(ctx, accounts.ExtractDomain(req.Recipient), day); err != nil {
		log.Printf("[Sender] record domain send: %v", err)
	}

	// Human pacing: park the account until the jittered cooldown passes,
	// both in Redis and in this worker's own timing gate.
	bounceRate, _, _ := l.store.BounceRate(ctx, acct.Email, sentAt, l.calendar.Location())
	cooldown := l.timing.Cooldown(sentAt, bounceRate)
	if err := l.store.SetCooldown(ctx, acct.Email, sentAt.Add(cooldown)); err != nil {
		log.Printf("[Sender] set cooldown for %s: %v", acct.Email, err)
	}
	l.timing.ObserveSend(acct.Email, sentAt, cooldown)

	log.Printf("[Sender] sent %s to %s via %s (account %d/%d, next in %s)",
		req.ID, logger.RedactEmail(req.Recipient), res.Via,
		alloc.SendsToday+1, alloc.EffectiveCap, cooldown.Round(time.Second))
	return nil
}

// settleFailure routes a failed attempt by its classification.
func (l *Loop) settleFailure(ctx context.Context, req *dispatch.SendRequest,
	acct accounts.Account, day string, sendErr error) error {

	switch transport.Classify(sendErr) {
	case transport.FailureAccountBlocked:
		log.Printf("[Sender] account %s blocked by provider: %v", logger.RedactEmail(acct.Email), sendErr)
		if err := l.store.Block(ctx, acct.Email, sendErr.Error()); err != nil {
			log.Printf("[Sender] block %s: %v", acct.Email, err)
		}
		if err := l.store.RecordOutcome(ctx, acct.Email, day, reputation.OutcomeRejected); err != nil {
			log.Printf("[Sender] record outcome: %v", err)
		}
		// The message itself is fine; requeue it for another account.
		return l.queue.Requeue(ctx, req.ID, time.Now().Add(time.Minute),
			fmt.Sprintf("account blocked: %v", sendErr))

	case transport.FailurePermanent:
		if err := l.store.RecordOutcome(ctx, acct.Email, day, reputation.OutcomeBounced); err != nil {
			log.Printf("[Sender] record outcome: %v", err)
		}
		return l.queue.Abandon(ctx, req.ID, sendErr.Error())

	default:
		if req.RetryCount+1 >= l.retry.MaxRetries {
			return l.queue.Abandon(ctx, req.ID,
				fmt.Sprintf("retries exhausted: %v", sendErr))
		}
		backoff := l.backoff(req.RetryCount)
		return l.queue.Requeue(ctx, req.ID, time.Now().Add(backoff), sendErr.Error())
	}
}

// backoff doubles per retry from the configured base.
func (l *Loop) backoff(retries int) time.Duration {
	base := time.Duration(l.retry.BaseBackoffSeconds) * time.Second
	if base <= 0 {
		base = time.Minute
	}
	d := base
	for i := 0; i < retries; i++ {
		d *= 2
		if d > time.Hour {
			return time.Hour
		}
	}
	return d
}
