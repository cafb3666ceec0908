package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue is the Postgres-backed dispatch queue. Producers enqueue send
// requests; sender workers claim, deliver, and settle them. Claiming uses
// FOR UPDATE SKIP LOCKED so any number of workers can pull concurrently
// without blocking on each other's rows.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a dispatch queue over an open database handle.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a pending request and returns its id. Accepting into the
// queue is cheap and unconditional; all pacing decisions happen at claim
// time.
func (q *Queue) Enqueue(ctx context.Context, r *SendRequest) (string, error) {
	if err := r.Validate(); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	id := uuid.New().String()

	var notBefore, deadline sql.NullTime
	if !r.NotBefore.IsZero() {
		notBefore = sql.NullTime{Time: r.NotBefore, Valid: true}
	}
	if !r.Deadline.IsZero() {
		deadline = sql.NullTime{Time: r.Deadline, Valid: true}
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO send_requests
			(id, kind, recipient, subject, html_body, text_body,
			 thread_account, in_reply_to, thread_refs, campaign_id,
			 status, not_before, deadline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11, $12, NOW())
	`, id, r.Kind, r.Recipient, r.Subject, r.HTMLBody, r.TextBody,
		r.ThreadAccount, r.InReplyTo, r.ThreadRefs, r.CampaignID,
		notBefore, deadline)
	if err != nil {
		return "", fmt.Errorf("enqueue request for %s: %w", r.Recipient, err)
	}
	return id, nil
}

// DequeueReady claims up to limit due requests for a worker. A claimed row
// is invisible to other workers while its lease holds; the recovery pass
// returns rows whose lease lapsed. Requests with a deadline sort first,
// earliest deadline ahead, so closing follow-up windows drain before
// fresh outreach.
func (q *Queue) DequeueReady(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]SendRequest, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := q.db.QueryContext(queryCtx, `
		WITH claimed AS (
			UPDATE send_requests
			SET
				status = 'claimed',
				worker_id = $1,
				locked_at = NOW()
			WHERE id IN (
				SELECT r.id FROM send_requests r
				WHERE r.status IN ('pending', 'failed')
				  AND (r.not_before IS NULL OR r.not_before <= NOW())
				  AND (r.locked_at IS NULL OR r.locked_at < NOW() - $3::interval)
				ORDER BY r.deadline ASC NULLS LAST, r.created_at ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, kind, recipient, subject, html_body, text_body,
			          thread_account, in_reply_to, thread_refs, campaign_id,
			          retry_count, deadline, created_at
		)
		SELECT id, kind, recipient, subject, html_body, text_body,
		       thread_account, in_reply_to, thread_refs, campaign_id,
		       retry_count, deadline, created_at
		FROM claimed
	`, workerID, limit, fmt.Sprintf("%d seconds", int(leaseTTL.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	defer rows.Close()

	var out []SendRequest
	for rows.Next() {
		var r SendRequest
		var deadline sql.NullTime
		if err := rows.Scan(&r.ID, &r.Kind, &r.Recipient, &r.Subject,
			&r.HTMLBody, &r.TextBody,
			&r.ThreadAccount, &r.InReplyTo, &r.ThreadRefs, &r.CampaignID,
			&r.RetryCount, &deadline, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("dequeue scan: %w", err)
		}
		if deadline.Valid {
			r.Deadline = deadline.Time
		}
		r.Status = StatusClaimed
		out = append(out, r)
	}
	return out, rows.Err()
}

// TouchClaim refreshes the lease on a claimed row right before the worker
// starts delivering it. Rows later in a batch would otherwise sit on a
// lease dated from the dequeue; without the refresh a slow batch could
// outlive the lease mid-send and the recovery pass would hand the row to
// a second worker. ErrNotFound means the lease is already lost and the
// caller must not send.
func (q *Queue) TouchClaim(ctx context.Context, id, workerID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE send_requests
		SET locked_at = NOW()
		WHERE id = $1 AND status = 'claimed' AND worker_id = $2
	`, id, workerID)
	if err != nil {
		return fmt.Errorf("touch claim %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// MarkSent settles a delivered request with the account and provider
// message id that carried it.
func (q *Queue) MarkSent(ctx context.Context, id, account, via, messageID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE send_requests
		SET status = 'sent', sent_account = $2, sent_via = $3,
		    message_id = $4, sent_at = NOW(), locked_at = NULL
		WHERE id = $1 AND status = 'claimed'
	`, id, account, via, messageID)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// Requeue marks a claimed request failed after a transient error. Failed
// rows stay retryable: they rejoin the claim pool once notBefore passes,
// with the retry count bumped.
func (q *Queue) Requeue(ctx context.Context, id string, notBefore time.Time, cause string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE send_requests
		SET status = 'failed', retry_count = retry_count + 1,
		    not_before = $2, last_error = $3, locked_at = NULL, worker_id = NULL
		WHERE id = $1 AND status = 'claimed'
	`, id, notBefore, cause)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// Release returns a claimed request to pending without counting a retry,
// used when no account was available rather than after a failed attempt.
func (q *Queue) Release(ctx context.Context, id string, notBefore time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE send_requests
		SET status = 'pending', not_before = $2, locked_at = NULL, worker_id = NULL
		WHERE id = $1 AND status = 'claimed'
	`, id, notBefore)
	if err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// Abandon parks a request permanently after its retries are exhausted or
// its failure is permanent. Abandoned rows are kept for inspection, never
// retried.
func (q *Queue) Abandon(ctx context.Context, id, cause string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE send_requests
		SET status = 'abandoned', last_error = $2, locked_at = NULL
		WHERE id = $1
	`, id, cause)
	if err != nil {
		return fmt.Errorf("abandon %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// Get fetches one request by id.
func (q *Queue) Get(ctx context.Context, id string) (*SendRequest, error) {
	r := &SendRequest{ID: id}
	var notBefore, deadline, sentAt sql.NullTime
	var lastErr, sentAccount, sentVia, messageID sql.NullString
	err := q.db.QueryRowContext(ctx, `
		SELECT kind, recipient, subject, status, retry_count,
		       thread_account, campaign_id, not_before, deadline,
		       COALESCE(last_error,''), sent_account, sent_via, message_id,
		       created_at, sent_at
		FROM send_requests
		WHERE id = $1
	`, id).Scan(&r.Kind, &r.Recipient, &r.Subject, &r.Status, &r.RetryCount,
		&r.ThreadAccount, &r.CampaignID, &notBefore, &deadline,
		&lastErr, &sentAccount, &sentVia, &messageID,
		&r.CreatedAt, &sentAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	if notBefore.Valid {
		r.NotBefore = notBefore.Time
	}
	if deadline.Valid {
		r.Deadline = deadline.Time
	}
	if sentAt.Valid {
		r.SentAt = sentAt.Time
	}
	r.LastError = lastErr.String
	r.SentVia = sentVia.String
	r.MessageID = messageID.String
	return r, nil
}

// Stats returns queue depth counters.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	var s QueueStats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'claimed'),
			COUNT(*) FILTER (WHERE status = 'sent' AND sent_at >= CURRENT_DATE),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'abandoned')
		FROM send_requests
	`).Scan(&s.Pending, &s.Claimed, &s.SentToday, &s.Failed, &s.Abandoned)
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	return s, nil
}

// CountKindToday returns how many requests of one kind were enqueued
// today, regardless of status. The warmup producer uses this to stay
// inside its daily budget across restarts.
func (q *Queue) CountKindToday(ctx context.Context, kind Kind) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM send_requests
		WHERE kind = $1 AND created_at >= CURRENT_DATE
	`, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s today: %w", kind, err)
	}
	return n, nil
}

// PendingDepth returns how many requests are pending and due.
func (q *Queue) PendingDepth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM send_requests
		WHERE status IN ('pending', 'failed')
		  AND (not_before IS NULL OR not_before <= NOW())
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending depth: %w", err)
	}
	return n, nil
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return nil
}
