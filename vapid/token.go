package vapid

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/imjasonh/webpush-notificator/keys"
)

const (
	// DefaultTTL is the lifetime given to new tokens.
	DefaultTTL = 12 * time.Hour
	// MaxTTL is the longest lifetime RFC 8292 allows.
	MaxTTL = 24 * time.Hour
	// DefaultSafetyMargin is how long before expiry a cached token is
	// replaced.
	DefaultSafetyMargin = 5 * time.Minute
)

// Token is a signed VAPID JWT scoped to one push service origin.
type Token struct {
	JWT       string
	Origin    string
	ExpiresAt time.Time
}

// Authorization returns the Authorization header value for the token.
func (t *Token) Authorization(publicKey []byte) string {
	return AuthorizationHeader(t.JWT, publicKey)
}

// SigningError is returned when the signing primitive fails. With a valid
// key this indicates a bug or a misbehaving key backend, and is not retried.
type SigningError struct {
	Origin string
	Err    error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing VAPID token for %s: %v", e.Origin, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// TokenSigner signs VAPID tokens and caches them per origin until shortly
// before they expire. It is safe for concurrent use.
type TokenSigner struct {
	ttl    time.Duration
	margin time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[cacheKey]*Token
	// gen is bumped by Invalidate; a sign that started under an older
	// generation does not store its token.
	gen   uint64
	group singleflight.Group
}

// cacheKey includes the signing key so a TokenSigner shared by several
// identities never hands one identity's token to another.
type cacheKey struct {
	origin    string
	publicKey string
}

// Option configures a TokenSigner.
type Option func(*TokenSigner)

// WithTTL sets the token lifetime. Values above MaxTTL are clamped.
func WithTTL(ttl time.Duration) Option {
	return func(s *TokenSigner) {
		s.ttl = ttl
	}
}

// WithSafetyMargin sets how long before expiry a cached token is replaced.
func WithSafetyMargin(margin time.Duration) Option {
	return func(s *TokenSigner) {
		s.margin = margin
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *TokenSigner) {
		s.now = now
	}
}

// NewTokenSigner creates a TokenSigner.
func NewTokenSigner(opts ...Option) *TokenSigner {
	s := &TokenSigner{
		ttl:    DefaultTTL,
		margin: DefaultSafetyMargin,
		now:    time.Now,
		cache:  make(map[cacheKey]*Token),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.ttl > MaxTTL {
		s.ttl = MaxTTL
	}
	if s.margin >= s.ttl {
		s.margin = s.ttl / 2
	}
	return s
}

// Sign returns a token for origin signed by id, reusing a cached token while
// it is outside the safety margin.
func (s *TokenSigner) Sign(ctx context.Context, origin string, id *keys.Identity) (*Token, error) {
	key := cacheKey{origin: origin, publicKey: string(id.PublicKey())}
	if tok, ok := s.cached(key); ok {
		return tok, nil
	}

	ch := s.group.DoChan(key.origin+"\x00"+key.publicKey, func() (any, error) {
		// Another caller may have refreshed the entry since our miss.
		if tok, ok := s.cached(key); ok {
			return tok, nil
		}
		s.mu.RLock()
		gen := s.gen
		s.mu.RUnlock()

		// The result is shared with every waiter, so one caller giving up
		// must not cancel the signature.
		tok, err := s.sign(context.WithoutCancel(ctx), origin, id)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.gen == gen {
			s.cache[key] = tok
		}
		s.mu.Unlock()
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Token), nil
	}
}

func (s *TokenSigner) cached(key cacheKey) (*Token, bool) {
	s.mu.RLock()
	tok, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok || !s.now().Before(tok.ExpiresAt.Add(-s.margin)) {
		return nil, false
	}
	return tok, true
}

// Invalidate drops any cached token for origin, for example after the push
// service rejected it.
func (s *TokenSigner) Invalidate(origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	for k := range s.cache {
		if k.origin == origin {
			delete(s.cache, k)
		}
	}
}

func (s *TokenSigner) sign(ctx context.Context, origin string, id *keys.Identity) (*Token, error) {
	if err := keys.ValidateSubject(id.Subject); err != nil {
		return nil, err
	}

	// exp is whole seconds; truncate so the cached expiry never outlives
	// the claim.
	exp := s.now().Add(s.ttl).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"aud": origin,
		"exp": exp.Unix(),
		"sub": id.Subject,
	})

	signingInput, err := token.SigningString()
	if err != nil {
		return nil, fmt.Errorf("encoding token: %w", err)
	}

	hash := sha256.Sum256([]byte(signingInput))
	sig, err := id.Signer.Sign(ctx, hash[:])
	if err != nil {
		return nil, &SigningError{Origin: origin, Err: err}
	}
	if len(sig) != 64 {
		return nil, &SigningError{Origin: origin, Err: errors.New("signature is not 64 bytes")}
	}

	clog.FromContext(ctx).Debugf("signed VAPID token for %s, expires %s", origin, exp.Format(time.RFC3339))
	return &Token{
		JWT:       signingInput + "." + base64.RawURLEncoding.EncodeToString(sig),
		Origin:    origin,
		ExpiresAt: exp,
	}, nil
}
