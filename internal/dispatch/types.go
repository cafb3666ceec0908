package dispatch

import (
	"errors"
	"time"
)

// Kind classifies a send request. The kind drives account selection:
// thread follow-ups are pinned to the account that opened the thread,
// everything else is free to rotate.
type Kind string

const (
	KindInitial        Kind = "initial"
	KindFollowupThread Kind = "followup_thread"
	KindFollowupNew    Kind = "followup_new"
	KindWarmup         Kind = "warmup"
)

// Valid reports whether k is a known request kind.
func (k Kind) Valid() bool {
	switch k {
	case KindInitial, KindFollowupThread, KindFollowupNew, KindWarmup:
		return true
	}
	return false
}

// Status is the lifecycle state of a queued request.
//
//	pending → claimed → sent
//	                  ↘ failed (retryable) → claimed → … → abandoned
//
// failed rows are still live: they re-enter the claim pool once their
// backoff passes. abandoned is terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// SendRequest is one email waiting to be delivered. Rows live in Postgres;
// workers claim them with SKIP LOCKED so concurrent workers never collide.
type SendRequest struct {
	ID        string
	Kind      Kind
	Recipient string
	Subject   string
	HTMLBody  string
	TextBody  string

	// ThreadAccount pins a followup_thread request to the account that
	// sent the original message. Empty for all other kinds.
	ThreadAccount string

	// InReplyTo and ThreadRefs carry RFC 5322 threading headers for
	// replies within an existing conversation.
	InReplyTo  string
	ThreadRefs string

	// CampaignID groups requests for reporting. Optional.
	CampaignID string

	Status     Status
	RetryCount int
	LastError  string

	// NotBefore defers the request; zero means send at the next
	// opportunity.
	NotBefore time.Time

	// Deadline marks time-sensitive requests (a follow-up window closing).
	// Requests with a deadline sort ahead of those without.
	Deadline time.Time

	// SentVia and MessageID are set once the request is delivered.
	SentVia   string
	MessageID string

	CreatedAt time.Time
	SentAt    time.Time
}

// ErrNotFound is returned when a request id does not exist.
var ErrNotFound = errors.New("send request not found")

// Validate checks a request before it is enqueued.
func (r *SendRequest) Validate() error {
	if r.Recipient == "" {
		return errors.New("recipient is required")
	}
	if !r.Kind.Valid() {
		return errors.New("invalid request kind")
	}
	if r.Kind == KindFollowupThread && r.ThreadAccount == "" {
		return errors.New("followup_thread requires a thread account")
	}
	if r.Subject == "" {
		return errors.New("subject is required")
	}
	if r.HTMLBody == "" && r.TextBody == "" {
		return errors.New("request has no body")
	}
	return nil
}

// QueueStats summarizes queue health for the API and operators.
type QueueStats struct {
	Pending   int `json:"pending"`
	Claimed   int `json:"claimed"`
	SentToday int `json:"sent_today"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}
