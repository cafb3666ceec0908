package transport

import (
	"context"
	"time"

	"github.com/primestrides/outreach/internal/accounts"
)

// Message is one outbound email, already bound to a sending account.
type Message struct {
	Account   accounts.Account
	Recipient string
	Subject   string
	HTMLBody  string
	TextBody  string

	// InReplyTo and References thread a reply into an existing
	// conversation. Empty for fresh outreach.
	InReplyTo  string
	References string
}

// Result reports one delivery attempt.
type Result struct {
	MessageID string
	Via       string
	SentAt    time.Time
}

// Sender delivers a single message through one provider.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
	Name() string
}
