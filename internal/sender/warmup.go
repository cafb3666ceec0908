package sender

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/primestrides/outreach/internal/config"
	"github.com/primestrides/outreach/internal/dispatch"
	"github.com/primestrides/outreach/internal/schedule"
)

// warmupTemplates are deliberately mundane. Warmup traffic exists to keep
// young mailboxes active with real-looking sends to seed addresses, not to
// reach anyone.
var warmupTemplates = []struct {
	subject string
	body    string
}{
	{"Quick check-in", "Hey,\n\nJust checking in on this thread. Let me know when you have a minute.\n"},
	{"Notes from earlier", "Hi,\n\nSending over the notes we talked about. Nothing urgent on my end.\n"},
	{"Following up", "Hello,\n\nCircling back on my last note. Happy to find time next week if that works better.\n"},
	{"Schedule for next week", "Hi,\n\nDoes Tuesday or Wednesday work better for a quick call?\n"},
}

// WarmupProducer enqueues a trickle of warmup sends to the configured seed
// addresses during the sending window. Warmup requests rotate through the
// account pool like any other send, so each mailbox keeps a steady baseline
// of activity.
type WarmupProducer struct {
	queue    *dispatch.Queue
	calendar *schedule.Calendar
	cfg      config.WarmupConfig
	interval time.Duration

	seedIdx int
}

// NewWarmupProducer creates a warmup producer. It produces nothing when
// warmup is disabled or no seed addresses are configured.
func NewWarmupProducer(queue *dispatch.Queue, calendar *schedule.Calendar, cfg config.WarmupConfig) *WarmupProducer {
	return &WarmupProducer{
		queue:    queue,
		calendar: calendar,
		cfg:      cfg,
		interval: 30 * time.Minute,
	}
}

// Start runs the producer loop until the context is cancelled.
func (p *WarmupProducer) Start(ctx context.Context) {
	if !p.Active() {
		return
	}
	log.Printf("[Warmup] producer starting (%d seeds, %d/day)",
		len(p.cfg.SeedAddresses), p.cfg.SendsPerDay)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Warmup] producer stopping")
			return
		case <-ticker.C:
			if err := p.Tick(ctx, time.Now()); err != nil {
				log.Printf("[Warmup] tick failed: %v", err)
			}
		}
	}
}

// Active reports whether the producer has anything to do.
func (p *WarmupProducer) Active() bool {
	return p.cfg.Enabled && len(p.cfg.SeedAddresses) > 0 && p.cfg.SendsPerDay > 0
}

// Tick enqueues at most one warmup request if the daily budget allows and
// the sending window is open. The budget is counted from the queue itself,
// so restarts never double-spend it.
func (p *WarmupProducer) Tick(ctx context.Context, now time.Time) error {
	if !p.Active() {
		return nil
	}
	if allowed, _ := p.calendar.SendingAllowed(now); !allowed {
		return nil
	}

	sent, err := p.queue.CountKindToday(ctx, dispatch.KindWarmup)
	if err != nil {
		return err
	}
	if sent >= p.cfg.SendsPerDay {
		return nil
	}

	seed := p.cfg.SeedAddresses[p.seedIdx%len(p.cfg.SeedAddresses)]
	tmpl := warmupTemplates[p.seedIdx%len(warmupTemplates)]
	p.seedIdx++

	id, err := p.queue.Enqueue(ctx, &dispatch.SendRequest{
		Kind:      dispatch.KindWarmup,
		Recipient: seed,
		Subject:   tmpl.subject,
		TextBody:  tmpl.body,
	})
	if err != nil {
		return fmt.Errorf("enqueue warmup send: %w", err)
	}
	log.Printf("[Warmup] enqueued %s (%d/%d today)", id, sent+1, p.cfg.SendsPerDay)
	return nil
}
