package webpush

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/webpush-notificator/keys"
	"github.com/imjasonh/webpush-notificator/vapid"
)

// Clock is the time source for retry delays.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryPolicy bounds the Dispatcher's retries.
type RetryPolicy struct {
	// MaxAttempts is the total number of requests, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; each further retry
	// multiplies it by Factor, up to MaxDelay.
	BaseDelay time.Duration
	Factor    float64
	MaxDelay  time.Duration
	// MaxRetryAfter is the longest Retry-After the Dispatcher will wait out
	// itself. Longer requests end the delivery as RateLimited so the caller
	// can reschedule.
	MaxRetryAfter time.Duration
	// AttemptTimeout bounds each request.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is used by new Dispatchers.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    5,
	BaseDelay:      time.Second,
	Factor:         2,
	MaxDelay:       30 * time.Second,
	MaxRetryAfter:  2 * time.Minute,
	AttemptTimeout: 30 * time.Second,
}

// Backoff returns the delay before the given retry, counting from 1.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < retry; i++ {
		d *= p.Factor
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxRetryAfter <= 0 {
		p.MaxRetryAfter = def.MaxRetryAfter
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	return p
}

// maxReasonBytes caps how much of an error response body is kept.
const maxReasonBytes = 1024

// Dispatcher sends encrypted messages to push services and retries
// transient failures. It is safe for concurrent use.
type Dispatcher struct {
	httpClient *http.Client
	tokens     *vapid.TokenSigner
	policy     RetryPolicy
	clock      Clock
}

// NewDispatcher creates a Dispatcher that obtains tokens from tokens.
func NewDispatcher(tokens *vapid.TokenSigner) *Dispatcher {
	return &Dispatcher{
		httpClient: http.DefaultClient,
		tokens:     tokens,
		policy:     DefaultRetryPolicy,
		clock:      realClock{},
	}
}

// WithHTTPClient sets a custom HTTP client.
func (d *Dispatcher) WithHTTPClient(httpClient *http.Client) *Dispatcher {
	d.httpClient = httpClient
	return d
}

// WithRetryPolicy sets the retry policy. Zero fields take their defaults.
func (d *Dispatcher) WithRetryPolicy(p RetryPolicy) *Dispatcher {
	d.policy = p.withDefaults()
	return d
}

// WithClock sets the clock used for retry delays.
func (d *Dispatcher) WithClock(c Clock) *Dispatcher {
	d.clock = c
	return d
}

// Deliver sends msg to sub and retries per the policy until the delivery
// settles. Retries resend the same message; the token is re-fetched for
// every attempt so one that nears expiry mid-retry is replaced.
func (d *Dispatcher) Deliver(ctx context.Context, msg *EncryptedMessage, id *keys.Identity, sub *Subscription, opts *Options) *Outcome {
	if msg == nil || sub == nil || id == nil {
		return &Outcome{Kind: OutcomePermanentFailure, Reason: "missing message, subscription or identity"}
	}
	origin, err := vapid.Origin(sub.Endpoint)
	if err != nil {
		return &Outcome{Kind: OutcomePermanentFailure, Reason: "invalid endpoint", Err: err}
	}
	log := clog.FromContext(ctx).With("origin", origin)
	body := msg.Bytes()

	for attempt := 1; ; attempt++ {
		out := d.attempt(ctx, body, id, sub, origin, opts)
		out.Attempts = attempt

		if !out.Retryable() {
			if out.Gone() {
				log.Infof("subscription gone (status %d)", out.StatusCode)
			}
			return out
		}
		if ctx.Err() != nil || attempt >= d.policy.MaxAttempts {
			log.Warnf("giving up: %s", out)
			return out
		}

		wait := d.policy.Backoff(attempt)
		if out.Kind == OutcomeRateLimited && out.RetryAfter > 0 {
			if out.RetryAfter > d.policy.MaxRetryAfter {
				log.Warnf("rate limited for %s, not waiting", out.RetryAfter)
				return out
			}
			wait = out.RetryAfter
		}

		log.Infof("attempt %d: %s, retrying in %s", attempt, out, wait)
		if err := d.clock.Sleep(ctx, wait); err != nil {
			return &Outcome{
				Kind:       OutcomeTransientFailure,
				StatusCode: out.StatusCode,
				Reason:     "delivery canceled while waiting to retry",
				Err:        err,
				Attempts:   attempt,
			}
		}
	}
}

// attempt sends one request and classifies the response.
func (d *Dispatcher) attempt(ctx context.Context, body []byte, id *keys.Identity, sub *Subscription, origin string, opts *Options) *Outcome {
	token, err := d.tokens.Sign(ctx, origin, id)
	if err != nil {
		if ctx.Err() != nil {
			return &Outcome{Kind: OutcomeTransientFailure, Reason: "delivery canceled before sending", Err: err}
		}
		return &Outcome{Kind: OutcomePermanentFailure, Reason: "signing VAPID token", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.policy.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &Outcome{Kind: OutcomePermanentFailure, Reason: "creating request", Err: err}
	}

	req.Header.Set("Authorization", token.Authorization(id.PublicKey()))
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", strconv.Itoa(opts.ttl()))
	if opts != nil && opts.Urgency != "" {
		req.Header.Set("Urgency", string(opts.Urgency))
	}
	if opts != nil && opts.Topic != "" {
		req.Header.Set("Topic", opts.Topic)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		reason := "sending request"
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			reason = fmt.Sprintf("request timed out after %s", d.policy.AttemptTimeout)
		}
		return &Outcome{Kind: OutcomeTransientFailure, Reason: reason, Err: err}
	}
	defer resp.Body.Close()

	return d.classify(resp, origin)
}

func (d *Dispatcher) classify(resp *http.Response, origin string) *Outcome {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxReasonBytes))
		return &Outcome{Kind: OutcomeDelivered, StatusCode: code}
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxReasonBytes))
	reason := fmt.Sprintf("push service returned %d", code)
	if msg := strings.TrimSpace(string(data)); msg != "" {
		reason += ": " + msg
	}
	out := &Outcome{StatusCode: code, Reason: reason}

	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		out.Kind = OutcomeSubscriptionGone
	case code == http.StatusTooManyRequests:
		out.Kind = OutcomeRateLimited
		out.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), d.clock.Now())
	case code >= 500:
		out.Kind = OutcomeTransientFailure
	default:
		if code == http.StatusUnauthorized || code == http.StatusForbidden {
			// Drop the token so the next delivery signs afresh.
			d.tokens.Invalidate(origin)
		}
		out.Kind = OutcomePermanentFailure
	}
	return out
}

// maxRetryAfterSeconds is the largest delta-seconds value a time.Duration
// can hold.
const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

// parseRetryAfter reads a Retry-After value in delta-seconds or HTTP-date
// form. It returns zero when the header is absent or malformed.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	// ParseInt saturates out-of-range values, which then clamp below.
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		switch {
		case secs <= 0:
			return 0
		case secs > maxRetryAfterSeconds:
			return math.MaxInt64
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
