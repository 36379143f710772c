package webpush

import (
	"fmt"
	"time"
)

// OutcomeKind classifies the result of a delivery.
type OutcomeKind int

const (
	// OutcomeDelivered means the push service accepted the message.
	OutcomeDelivered OutcomeKind = iota + 1
	// OutcomeSubscriptionGone means the subscription expired or was
	// unsubscribed (404 or 410). The caller should delete it.
	OutcomeSubscriptionGone
	// OutcomeRateLimited means the push service answered 429 on the last
	// attempt. RetryAfter holds the requested delay, if any. It is reported
	// in place of OutcomeTransientFailure when retries run out on a 429, or
	// when the requested delay exceeds RetryPolicy.MaxRetryAfter; both are
	// retryable.
	OutcomeRateLimited
	// OutcomeTransientFailure means a 5xx, network error or timeout on the
	// last attempt. The caller may requeue.
	OutcomeTransientFailure
	// OutcomePermanentFailure means the request was rejected and retrying
	// it unchanged would fail the same way.
	OutcomePermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeSubscriptionGone:
		return "subscription_gone"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is the final result of a Dispatcher delivery.
type Outcome struct {
	Kind OutcomeKind
	// StatusCode is the push service's HTTP status on the last attempt, or
	// zero if no response was received.
	StatusCode int
	// RetryAfter is the delay requested by a 429 response.
	RetryAfter time.Duration
	// Reason describes a failure, usually including the response body.
	Reason string
	// Err is the underlying error for network and signing failures.
	Err error
	// Attempts is the number of requests sent, including the first.
	Attempts int
}

// Delivered reports whether the push service accepted the message.
func (o *Outcome) Delivered() bool {
	return o != nil && o.Kind == OutcomeDelivered
}

// Gone reports whether the subscription should be discarded.
func (o *Outcome) Gone() bool {
	return o != nil && o.Kind == OutcomeSubscriptionGone
}

// Retryable reports whether a later attempt could succeed.
func (o *Outcome) Retryable() bool {
	return o != nil && (o.Kind == OutcomeRateLimited || o.Kind == OutcomeTransientFailure)
}

func (o *Outcome) String() string {
	s := fmt.Sprintf("%s after %d attempt(s)", o.Kind, o.Attempts)
	if o.StatusCode != 0 {
		s += fmt.Sprintf(", status %d", o.StatusCode)
	}
	if o.Reason != "" {
		s += ": " + o.Reason
	}
	if o.Err != nil {
		s += ": " + o.Err.Error()
	}
	return s
}
