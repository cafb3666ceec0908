package transport

import (
	"context"
	"fmt"
	"math/rand"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"github.com/primestrides/outreach/internal/config"
)

// SMTPSender delivers through an authenticated SMTP submission port, one
// connection per message. Each message authenticates as its own account,
// so a single sender serves the whole pool.
type SMTPSender struct {
	host string
	port int
}

// NewSMTPSender creates an SMTP sender from configuration.
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	host := cfg.Host
	if host == "" {
		host = "smtppro.zoho.com"
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	return &SMTPSender{host: host, port: port}
}

func (s *SMTPSender) Name() string { return "smtp" }

// Send authenticates as the message's account and submits it. The
// Message-ID is minted here so threading headers of later follow-ups can
// reference it.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messageID := newMessageID(msg.Account.Domain())
	body := buildMIME(msg, messageID)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	auth := smtp.PlainAuth("", msg.Account.Email, msg.Account.Password(), s.host)

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, msg.Account.Email, []string{msg.Recipient}, body)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("smtp send from %s: %w", msg.Account.Email, err)
		}
	}

	return &Result{MessageID: messageID, Via: s.Name(), SentAt: time.Now()}, nil
}

// newMessageID mints an RFC 5322 Message-ID under the account's domain.
func newMessageID(domain string) string {
	return fmt.Sprintf("<%d.%d@%s>", time.Now().UnixNano(), rand.Int63(), domain)
}

// buildMIME assembles the wire-format message: headers, threading, and a
// multipart/alternative body when both text and HTML are present.
func buildMIME(msg *Message, messageID string) []byte {
	var b strings.Builder

	from := msg.Account.Email
	if msg.Account.SenderName != "" {
		from = fmt.Sprintf("%s <%s>",
			mime.QEncoding.Encode("utf-8", msg.Account.SenderName), msg.Account.Email)
	}

	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.Recipient + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("Message-ID: " + messageID + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	if msg.InReplyTo != "" {
		b.WriteString("In-Reply-To: " + msg.InReplyTo + "\r\n")
		refs := msg.References
		if refs == "" {
			refs = msg.InReplyTo
		}
		b.WriteString("References: " + refs + "\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case msg.HTMLBody != "" && msg.TextBody != "":
		boundary := fmt.Sprintf("b%d", time.Now().UnixNano())
		b.WriteString("Content-Type: multipart/alternative; boundary=" + boundary + "\r\n\r\n")
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(msg.TextBody + "\r\n")
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(msg.HTMLBody + "\r\n")
		b.WriteString("--" + boundary + "--\r\n")
	case msg.HTMLBody != "":
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(msg.HTMLBody + "\r\n")
	default:
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(msg.TextBody + "\r\n")
	}
	return []byte(b.String())
}
