package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// RecoveryWorker repairs the queue in the background:
//   - claimed rows whose lease lapsed (worker crashed mid-send) go back to
//     pending so another worker picks them up
//   - pending or failed rows past the retry budget are abandoned
//   - requests whose deadline has passed are abandoned; sending a closing
//     follow-up late is worse than not sending it
type RecoveryWorker struct {
	db         *sql.DB
	interval   time.Duration
	leaseTTL   time.Duration
	maxRetries int
}

// NewRecoveryWorker creates a recovery worker.
func NewRecoveryWorker(db *sql.DB, leaseTTL time.Duration, maxRetries int) *RecoveryWorker {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &RecoveryWorker{
		db:         db,
		interval:   time.Minute,
		leaseTTL:   leaseTTL,
		maxRetries: maxRetries,
	}
}

// Start runs the recovery loop until the context is cancelled.
func (w *RecoveryWorker) Start(ctx context.Context) {
	log.Printf("[QueueRecovery] starting (lease %s, max retries %d)", w.leaseTTL, w.maxRetries)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[QueueRecovery] stopping")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				log.Printf("[QueueRecovery] pass failed: %v", err)
			}
		}
	}
}

// RunOnce executes one recovery pass.
func (w *RecoveryWorker) RunOnce(ctx context.Context) error {
	requeued, err := w.requeueStale(ctx)
	if err != nil {
		return err
	}
	abandoned, err := w.abandonExhausted(ctx)
	if err != nil {
		return err
	}
	expired, err := w.abandonPastDeadline(ctx)
	if err != nil {
		return err
	}
	if requeued+abandoned+expired > 0 {
		log.Printf("[QueueRecovery] requeued=%d abandoned=%d deadline_expired=%d",
			requeued, abandoned, expired)
	}
	return nil
}

func (w *RecoveryWorker) requeueStale(ctx context.Context) (int64, error) {
	res, err := w.db.ExecContext(ctx, `
		UPDATE send_requests
		SET status = 'pending', retry_count = retry_count + 1,
		    last_error = 'claim lease expired', locked_at = NULL, worker_id = NULL
		WHERE status = 'claimed'
		  AND locked_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(w.leaseTTL.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("requeue stale claims: %w", err)
	}
	return res.RowsAffected()
}

func (w *RecoveryWorker) abandonExhausted(ctx context.Context) (int64, error) {
	res, err := w.db.ExecContext(ctx, `
		UPDATE send_requests
		SET status = 'abandoned',
		    last_error = COALESCE(last_error,'') || ' (retries exhausted)'
		WHERE status IN ('pending', 'failed') AND retry_count >= $1
	`, w.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("abandon exhausted: %w", err)
	}
	return res.RowsAffected()
}

func (w *RecoveryWorker) abandonPastDeadline(ctx context.Context) (int64, error) {
	res, err := w.db.ExecContext(ctx, `
		UPDATE send_requests
		SET status = 'abandoned', last_error = 'deadline passed'
		WHERE status IN ('pending', 'failed') AND deadline IS NOT NULL AND deadline < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("abandon past deadline: %w", err)
	}
	return res.RowsAffected()
}
