package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/resend/resend-go/v2"

	"github.com/primestrides/outreach/internal/config"
)

// ResendSender delivers through the Resend API. Every pool account's
// domain must be verified in the Resend workspace.
type ResendSender struct {
	client *resend.Client
}

// NewResendSender creates a Resend sender from configuration.
func NewResendSender(cfg config.ResendConfig) (*ResendSender, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("resend API key env %s is empty", cfg.APIKeyEnv)
	}
	return &ResendSender{client: resend.NewClient(apiKey)}, nil
}

func (s *ResendSender) Name() string { return "resend" }

// Send delivers a single email through Resend.
func (s *ResendSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	from := msg.Account.Email
	if msg.Account.SenderName != "" {
		from = fmt.Sprintf("%s <%s>", msg.Account.SenderName, msg.Account.Email)
	}

	params := &resend.SendEmailRequest{
		From:    from,
		To:      []string{msg.Recipient},
		Subject: msg.Subject,
		Html:    msg.HTMLBody,
		Text:    msg.TextBody,
		ReplyTo: msg.Account.Email,
	}
	if msg.InReplyTo != "" {
		refs := msg.References
		if refs == "" {
			refs = msg.InReplyTo
		}
		params.Headers = map[string]string{
			"In-Reply-To": msg.InReplyTo,
			"References":  refs,
		}
	}

	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("resend send from %s: %w", msg.Account.Email, err)
	}
	return &Result{MessageID: sent.Id, Via: s.Name(), SentAt: time.Now()}, nil
}
