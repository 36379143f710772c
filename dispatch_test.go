package webpush

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/imjasonh/webpush-notificator/keys"
	"github.com/imjasonh/webpush-notificator/vapid"
)

// fakeClock advances instantly and records every sleep.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sleeps)
}

// cancelingClock cancels the delivery the first time it is asked to wait.
type cancelingClock struct {
	*fakeClock
	cancel context.CancelFunc
}

func (c *cancelingClock) Sleep(ctx context.Context, _ time.Duration) error {
	c.cancel()
	<-ctx.Done()
	return ctx.Err()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestIdentity(t *testing.T) *keys.Identity {
	t.Helper()
	signer, err := keys.GenerateFileSigner()
	if err != nil {
		t.Fatalf("GenerateFileSigner() error = %v", err)
	}
	return &keys.Identity{Signer: signer, Subject: "mailto:test@example.com"}
}

// pushService answers each request with the next scripted response,
// repeating the last one when the script runs out.
type pushService struct {
	*httptest.Server
	requests atomic.Int32

	mu      sync.Mutex
	headers []http.Header
	bodies  [][]byte
}

type scripted struct {
	status  int
	header  map[string]string
	message string
}

func newPushService(t *testing.T, script ...scripted) *pushService {
	t.Helper()
	ps := &pushService{}
	ps.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(ps.requests.Add(1))
		body, _ := io.ReadAll(r.Body)
		ps.mu.Lock()
		ps.headers = append(ps.headers, r.Header.Clone())
		ps.bodies = append(ps.bodies, body)
		ps.mu.Unlock()

		resp := script[min(n, len(script))-1]
		for k, v := range resp.header {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.status)
		io.WriteString(w, resp.message)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushService) Headers() []http.Header {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return slices.Clone(ps.headers)
}

type dispatchFixture struct {
	sub        *testSubscriber
	msg        *EncryptedMessage
	id         *keys.Identity
	clock      *fakeClock
	tokens     *vapid.TokenSigner
	dispatcher *Dispatcher
}

func newDispatchFixture(t *testing.T, ps *pushService) *dispatchFixture {
	t.Helper()
	ts := newTestSubscriber(t, ps.URL+"/push/abc123")
	msg, err := Encrypt(ts.sub, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	clock := newFakeClock()
	tokens := vapid.NewTokenSigner(vapid.WithClock(clock.Now))
	return &dispatchFixture{
		sub:        ts,
		msg:        msg,
		id:         newTestIdentity(t),
		clock:      clock,
		tokens:     tokens,
		dispatcher: NewDispatcher(tokens).WithHTTPClient(ps.Client()).WithClock(clock),
	}
}

func (f *dispatchFixture) deliver(ctx context.Context, opts *Options) *Outcome {
	return f.dispatcher.Deliver(ctx, f.msg, f.id, f.sub.sub, opts)
}

func TestDispatcher_Classification(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantKind     OutcomeKind
		wantRequests int32
	}{
		{name: "created", status: http.StatusCreated, wantKind: OutcomeDelivered, wantRequests: 1},
		{name: "ok", status: http.StatusOK, wantKind: OutcomeDelivered, wantRequests: 1},
		{name: "not found", status: http.StatusNotFound, wantKind: OutcomeSubscriptionGone, wantRequests: 1},
		{name: "gone", status: http.StatusGone, wantKind: OutcomeSubscriptionGone, wantRequests: 1},
		{name: "bad request", status: http.StatusBadRequest, wantKind: OutcomePermanentFailure, wantRequests: 1},
		{name: "unauthorized", status: http.StatusUnauthorized, wantKind: OutcomePermanentFailure, wantRequests: 1},
		{name: "forbidden", status: http.StatusForbidden, wantKind: OutcomePermanentFailure, wantRequests: 1},
		{name: "too large", status: http.StatusRequestEntityTooLarge, wantKind: OutcomePermanentFailure, wantRequests: 1},
		{name: "server error", status: http.StatusInternalServerError, wantKind: OutcomeTransientFailure, wantRequests: 5},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantKind: OutcomeTransientFailure, wantRequests: 5},
		{name: "rate limited", status: http.StatusTooManyRequests, wantKind: OutcomeRateLimited, wantRequests: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := newPushService(t, scripted{status: tt.status, message: "push service says no"})
			f := newDispatchFixture(t, ps)

			out := f.deliver(context.Background(), nil)
			if out.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s (%s)", out.Kind, tt.wantKind, out)
			}
			if out.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", out.StatusCode, tt.status)
			}
			if got := ps.requests.Load(); got != tt.wantRequests {
				t.Errorf("requests = %d, want %d", got, tt.wantRequests)
			}
			if int32(out.Attempts) != tt.wantRequests {
				t.Errorf("Attempts = %d, want %d", out.Attempts, tt.wantRequests)
			}
			if tt.status >= 300 && !strings.Contains(out.Reason, "push service says no") {
				t.Errorf("Reason = %q, want the response body", out.Reason)
			}
		})
	}
}

func TestDispatcher_RetriesWithBackoff(t *testing.T) {
	ps := newPushService(t,
		scripted{status: http.StatusServiceUnavailable},
		scripted{status: http.StatusServiceUnavailable},
		scripted{status: http.StatusCreated},
	)
	f := newDispatchFixture(t, ps)

	out := f.deliver(context.Background(), nil)
	if !out.Delivered() {
		t.Fatalf("Deliver() = %s, want delivered", out)
	}
	if out.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", out.Attempts)
	}
	if got, want := f.clock.Sleeps(), []time.Duration{time.Second, 2 * time.Second}; !slices.Equal(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}

	// Every attempt carries the same encrypted body.
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, body := range ps.bodies {
		if string(body) != string(ps.bodies[0]) {
			t.Errorf("attempt %d body differs from the first", i+1)
		}
	}
}

func TestDispatcher_ExhaustsAttempts(t *testing.T) {
	ps := newPushService(t, scripted{status: http.StatusBadGateway})
	f := newDispatchFixture(t, ps)
	f.dispatcher.WithRetryPolicy(RetryPolicy{MaxAttempts: 3})

	out := f.deliver(context.Background(), nil)
	if out.Kind != OutcomeTransientFailure {
		t.Errorf("Kind = %s, want transient_failure", out.Kind)
	}
	if got := ps.requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
	if got := len(f.clock.Sleeps()); got != 2 {
		t.Errorf("slept %d times, want 2", got)
	}
}

func TestDispatcher_RetryAfterSeconds(t *testing.T) {
	ps := newPushService(t,
		scripted{status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "5"}},
		scripted{status: http.StatusCreated},
	)
	f := newDispatchFixture(t, ps)

	out := f.deliver(context.Background(), nil)
	if !out.Delivered() {
		t.Fatalf("Deliver() = %s, want delivered", out)
	}
	sleeps := f.clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] < 5*time.Second {
		t.Errorf("sleeps = %v, want one sleep of at least 5s", sleeps)
	}
}

func TestDispatcher_RetryAfterDate(t *testing.T) {
	clock := newFakeClock()
	at := clock.Now().Add(90 * time.Second).Format(http.TimeFormat)
	ps := newPushService(t,
		scripted{status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": at}},
		scripted{status: http.StatusCreated},
	)
	f := newDispatchFixture(t, ps)

	out := f.deliver(context.Background(), nil)
	if !out.Delivered() {
		t.Fatalf("Deliver() = %s, want delivered", out)
	}
	if got := f.clock.Sleeps(); len(got) != 1 || got[0] != 90*time.Second {
		t.Errorf("sleeps = %v, want [1m30s]", got)
	}
}

func TestDispatcher_RetryAfterTooLong(t *testing.T) {
	ps := newPushService(t,
		scripted{status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "3600"}},
	)
	f := newDispatchFixture(t, ps)

	out := f.deliver(context.Background(), nil)
	if out.Kind != OutcomeRateLimited {
		t.Fatalf("Kind = %s, want rate_limited", out.Kind)
	}
	if out.RetryAfter != time.Hour {
		t.Errorf("RetryAfter = %s, want 1h", out.RetryAfter)
	}
	if got := ps.requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
	if got := f.clock.Sleeps(); len(got) != 0 {
		t.Errorf("sleeps = %v, want none", got)
	}
}

func TestDispatcher_RetryAfterHuge(t *testing.T) {
	for _, v := range []string{"9223372037", "18446744074", "99999999999999999999999"} {
		t.Run(v, func(t *testing.T) {
			ps := newPushService(t,
				scripted{status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": v}},
			)
			f := newDispatchFixture(t, ps)

			out := f.deliver(context.Background(), nil)
			if out.Kind != OutcomeRateLimited {
				t.Fatalf("Kind = %s, want rate_limited", out.Kind)
			}
			if out.RetryAfter <= f.dispatcher.policy.MaxRetryAfter {
				t.Errorf("RetryAfter = %s, want above %s", out.RetryAfter, f.dispatcher.policy.MaxRetryAfter)
			}
			if got := ps.requests.Load(); got != 1 {
				t.Errorf("requests = %d, want 1", got)
			}
			if got := f.clock.Sleeps(); len(got) != 0 {
				t.Errorf("sleeps = %v, want none", got)
			}
		})
	}
}

func TestDispatcher_UnauthorizedDropsToken(t *testing.T) {
	ps := newPushService(t, scripted{status: http.StatusUnauthorized})
	f := newDispatchFixture(t, ps)

	f.deliver(context.Background(), nil)
	f.deliver(context.Background(), nil)

	headers := ps.Headers()
	if len(headers) != 2 {
		t.Fatalf("requests = %d, want 2", len(headers))
	}
	// The second delivery must not reuse the rejected token. Signatures are
	// randomized, so a fresh token never matches the old one.
	if headers[0].Get("Authorization") == headers[1].Get("Authorization") {
		t.Error("rejected token was reused")
	}
}

func TestDispatcher_TokenReusedAcrossDeliveries(t *testing.T) {
	ps := newPushService(t, scripted{status: http.StatusCreated})
	f := newDispatchFixture(t, ps)

	f.deliver(context.Background(), nil)
	f.deliver(context.Background(), nil)

	headers := ps.Headers()
	if headers[0].Get("Authorization") != headers[1].Get("Authorization") {
		t.Error("token was not reused for the same origin")
	}
}

func TestDispatcher_TokenRefreshedDuringRetries(t *testing.T) {
	ps := newPushService(t,
		scripted{status: http.StatusServiceUnavailable},
		scripted{status: http.StatusCreated},
	)
	f := newDispatchFixture(t, ps)
	tokens := vapid.NewTokenSigner(vapid.WithClock(f.clock.Now), vapid.WithTTL(time.Hour))
	f.dispatcher = NewDispatcher(tokens).
		WithHTTPClient(ps.Client()).
		WithClock(f.clock).
		WithRetryPolicy(RetryPolicy{BaseDelay: time.Hour, MaxDelay: 2 * time.Hour})

	out := f.deliver(context.Background(), nil)
	if !out.Delivered() {
		t.Fatalf("Deliver() = %s, want delivered", out)
	}
	headers := ps.Headers()
	if headers[0].Get("Authorization") == headers[1].Get("Authorization") {
		t.Error("expired token was reused after waiting")
	}
}

func TestDispatcher_Headers(t *testing.T) {
	ps := newPushService(t, scripted{status: http.StatusCreated})
	f := newDispatchFixture(t, ps)

	out := f.deliver(context.Background(), &Options{TTL: 3600, Urgency: UrgencyHigh, Topic: "news"})
	if !out.Delivered() {
		t.Fatalf("Deliver() = %s, want delivered", out)
	}

	h := ps.Headers()[0]
	for name, want := range map[string]string{
		"Content-Encoding": "aes128gcm",
		"Content-Type":     "application/octet-stream",
		"TTL":              "3600",
		"Urgency":          "high",
		"Topic":            "news",
	} {
		if got := h.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	auth := h.Get("Authorization")
	if !strings.HasPrefix(auth, "vapid t=") {
		t.Fatalf("Authorization = %q, want vapid scheme", auth)
	}
	token, key, ok := strings.Cut(strings.TrimPrefix(auth, "vapid t="), ", k=")
	if !ok {
		t.Fatalf("Authorization = %q, missing k=", auth)
	}
	if key != f.id.PublicKeyBase64() {
		t.Errorf("k = %q, want %q", key, f.id.PublicKeyBase64())
	}

	pub, err := vapid.DecodeApplicationServerKey(key)
	if err != nil {
		t.Fatalf("DecodeApplicationServerKey() error = %v", err)
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1:33]),
			Y:     new(big.Int).SetBytes(pub[33:]),
		}, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithoutClaimsValidation())
	if err != nil {
		t.Fatalf("token does not verify: %v", err)
	}
	if claims["aud"] != ps.URL {
		t.Errorf("aud = %v, want %q", claims["aud"], ps.URL)
	}
	if claims["sub"] != "mailto:test@example.com" {
		t.Errorf("sub = %v", claims["sub"])
	}
}

func TestDispatcher_DefaultTTLHeader(t *testing.T) {
	ps := newPushService(t, scripted{status: http.StatusCreated})
	f := newDispatchFixture(t, ps)

	f.deliver(context.Background(), nil)
	h := ps.Headers()[0]
	if got := h.Get("TTL"); got != "2419200" {
		t.Errorf("TTL = %q, want 2419200", got)
	}
	if h.Get("Urgency") != "" || h.Get("Topic") != "" {
		t.Error("unset options were sent")
	}
}

func TestDispatcher_ImmediateTTLHeader(t *testing.T) {
	ps := newPushService(t, scripted{status: http.StatusCreated})
	f := newDispatchFixture(t, ps)

	f.deliver(context.Background(), &Options{TTL: TTLImmediate})
	if got := ps.Headers()[0].Get("TTL"); got != "0" {
		t.Errorf("TTL = %q, want 0", got)
	}
}

func TestDispatcher_CanceledWhileWaiting(t *testing.T) {
	ps := newPushService(t, scripted{status: http.StatusServiceUnavailable})
	f := newDispatchFixture(t, ps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.dispatcher.WithClock(&cancelingClock{fakeClock: f.clock, cancel: cancel})

	out := f.deliver(ctx, nil)
	if out.Kind != OutcomeTransientFailure {
		t.Errorf("Kind = %s, want transient_failure", out.Kind)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", out.Err)
	}
	if got := ps.requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestDispatcher_CanceledBeforeSend(t *testing.T) {
	ps := newPushService(t, scripted{status: http.StatusCreated})
	f := newDispatchFixture(t, ps)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.deliver(ctx, nil)
	if out.Kind != OutcomeTransientFailure {
		t.Errorf("Kind = %s, want transient_failure", out.Kind)
	}
	if out.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", out.Attempts)
	}
	if got := ps.requests.Load(); got != 0 {
		t.Errorf("requests = %d, want 0", got)
	}
}

func TestDispatcher_NetworkError(t *testing.T) {
	var calls atomic.Int32
	f := newDispatchFixture(t, newPushService(t, scripted{status: http.StatusCreated}))
	f.dispatcher.WithHTTPClient(&http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})})

	out := f.deliver(context.Background(), nil)
	if out.Kind != OutcomeTransientFailure {
		t.Errorf("Kind = %s, want transient_failure", out.Kind)
	}
	if out.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", out.StatusCode)
	}
	if got := calls.Load(); got != 5 {
		t.Errorf("calls = %d, want 5", got)
	}
}

func TestDispatcher_AttemptTimeout(t *testing.T) {
	f := newDispatchFixture(t, newPushService(t, scripted{status: http.StatusCreated}))
	f.dispatcher.
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, AttemptTimeout: 20 * time.Millisecond}).
		WithHTTPClient(&http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			<-r.Context().Done()
			return nil, r.Context().Err()
		})})

	out := f.deliver(context.Background(), nil)
	if out.Kind != OutcomeTransientFailure {
		t.Errorf("Kind = %s, want transient_failure", out.Kind)
	}
	if !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want deadline exceeded", out.Err)
	}
	if !strings.Contains(out.Reason, "timed out") {
		t.Errorf("Reason = %q, want a timeout", out.Reason)
	}
	if out.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", out.Attempts)
	}
}

func TestDispatcher_SigningFailure(t *testing.T) {
	ps := newPushService(t, scripted{status: http.StatusCreated})
	f := newDispatchFixture(t, ps)
	f.id.Subject = "not-a-contact"

	out := f.deliver(context.Background(), nil)
	if out.Kind != OutcomePermanentFailure {
		t.Errorf("Kind = %s, want permanent_failure", out.Kind)
	}
	if out.Err == nil {
		t.Error("Err = nil, want the signing error")
	}
	if got := ps.requests.Load(); got != 0 {
		t.Errorf("requests = %d, want 0", got)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
	}{
		{value: "", want: 0},
		{value: "0", want: 0},
		{value: "120", want: 2 * time.Minute},
		{value: " 7 ", want: 7 * time.Second},
		{value: "-3", want: 0},
		{value: "soon", want: 0},
		{value: "9223372036", want: 9223372036 * time.Second},
		{value: "9223372037", want: math.MaxInt64},
		{value: "18446744074", want: math.MaxInt64},
		{value: "18446744073709", want: math.MaxInt64},
		{value: "99999999999999999999999", want: math.MaxInt64},
		{value: "-99999999999999999999999", want: 0},
		{value: now.Add(time.Minute).Format(http.TimeFormat), want: time.Minute},
		{value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %s, want %s", tt.value, got, tt.want)
		}
	}
}
