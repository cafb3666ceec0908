package transport

import (
	"errors"
	"net"
	"strings"
)

// FailureClass drives what the sender loop does after a failed attempt.
type FailureClass int

const (
	// FailureTransient: retry later with backoff (network trouble,
	// greylisting, provider 4xx).
	FailureTransient FailureClass = iota

	// FailurePermanent: the message will never deliver (bad address,
	// hard bounce). Abandon the request, keep the account.
	FailurePermanent

	// FailureAccountBlocked: the provider rejected the sender itself
	// (spam block, policy violation). Block the account and requeue the
	// message on another one.
	FailureAccountBlocked
)

// blockIndicators are provider responses that mean the sending account,
// not the message, was rejected. Zoho's 554 "unusual sending activity" is
// the common one for cold-email pools.
var blockIndicators = []string{
	"unusual sending activity",
	"account blocked",
	"sending limit exceeded",
	"suspended",
	"554 5.7",
	"blacklisted",
}

var permanentIndicators = []string{
	"550 5.1.1",
	"user unknown",
	"no such user",
	"mailbox unavailable",
	"address rejected",
	"does not exist",
	"invalid recipient",
}

// Classify maps a delivery error to the action the sender loop takes.
// Unknown errors classify transient; retry budgets bound the damage of a
// wrong guess, while misclassifying a blocked account as permanent would
// silently burn its reputation.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureTransient
	}

	msg := strings.ToLower(err.Error())
	for _, s := range blockIndicators {
		if strings.Contains(msg, s) {
			return FailureAccountBlocked
		}
	}
	for _, s := range permanentIndicators {
		if strings.Contains(msg, s) {
			return FailurePermanent
		}
	}
	if strings.Contains(msg, "554") || strings.Contains(msg, "553") {
		return FailurePermanent
	}
	return FailureTransient
}
