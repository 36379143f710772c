// Package webpush sends Web Push API notifications using VAPID
// authentication (RFC 8292) and aes128gcm message encryption (RFC 8291).
//
// A delivery runs in three steps: Encrypt produces an EncryptedMessage for
// one subscription, a vapid.TokenSigner supplies the Authorization token for
// the push service origin, and a Dispatcher sends the message and drives the
// retry policy until it settles on an Outcome. Client wires the three
// together.
package webpush

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrInvalidSubscription is returned for subscriptions missing an
	// endpoint or keys.
	ErrInvalidSubscription = errors.New("invalid subscription")
	// ErrInvalidSubscriberKey is returned when p256dh is not a P-256 point
	// or auth is not a 16-byte secret.
	ErrInvalidSubscriberKey = errors.New("invalid subscriber key")
	// ErrPayloadTooLarge is returned when the payload does not fit in a
	// single record.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrInvalidOptions is returned for malformed send options.
	ErrInvalidOptions = errors.New("invalid options")
)

// Subscription represents a Web Push subscription from a client.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Keys contains the client's encryption keys.
type Keys struct {
	P256dh string `json:"p256dh"` // Client's ECDH public key
	Auth   string `json:"auth"`   // Client's authentication secret
}

// Validate checks that the subscription has an HTTPS endpoint and both keys.
// Key material itself is checked by Encrypt.
func (s *Subscription) Validate() error {
	if s == nil || s.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	}
	if s.Keys.P256dh == "" {
		return fmt.Errorf("%w: p256dh key is required", ErrInvalidSubscription)
	}
	if s.Keys.Auth == "" {
		return fmt.Errorf("%w: auth key is required", ErrInvalidSubscription)
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: parsing endpoint: %v", ErrInvalidSubscription, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: endpoint must use HTTPS", ErrInvalidSubscription)
	}
	return nil
}

// ParseSubscription parses a subscription from JSON.
func ParseSubscription(data []byte) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshaling subscription: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Urgency directly impacts battery life, RFC 8030 section 5.3.
type Urgency string

const (
	UrgencyVeryLow Urgency = "very-low"
	UrgencyLow     Urgency = "low"
	UrgencyNormal  Urgency = "normal"
	UrgencyHigh    Urgency = "high"
)

func (u Urgency) valid() bool {
	switch u {
	case "", UrgencyVeryLow, UrgencyLow, UrgencyNormal, UrgencyHigh:
		return true
	}
	return false
}

const (
	// DefaultTTL is used when Options.TTL is zero: 4 weeks.
	DefaultTTL = 2419200
	// MaxTTL is the largest TTL sent to push services.
	MaxTTL = DefaultTTL
	// TTLImmediate sends TTL: 0, asking the push service to deliver only
	// while the user agent is connected and to drop the message otherwise.
	TTLImmediate = -1
)

// Options configures the web push notification.
type Options struct {
	TTL     int     // Time-to-live in seconds (default 2419200 = 4 weeks, TTLImmediate for 0)
	Urgency Urgency // Urgency level: very-low, low, normal, high
	Topic   string  // Topic for message replacement
	PadTo   int     // Pad the plaintext to at least this many bytes
}

func (o *Options) ttl() int {
	switch {
	case o == nil || o.TTL == 0:
		return DefaultTTL
	case o.TTL == TTLImmediate:
		return 0
	case o.TTL > MaxTTL:
		return MaxTTL
	}
	return o.TTL
}

func (o *Options) validate() error {
	if o == nil {
		return nil
	}
	if o.TTL < 0 && o.TTL != TTLImmediate {
		return fmt.Errorf("%w: negative TTL %d", ErrInvalidOptions, o.TTL)
	}
	if !o.Urgency.valid() {
		return fmt.Errorf("%w: urgency %q", ErrInvalidOptions, o.Urgency)
	}
	// RFC 8030 section 5.4: at most 32 characters from the base64url alphabet.
	if len(o.Topic) > 32 {
		return fmt.Errorf("%w: topic longer than 32 characters", ErrInvalidOptions)
	}
	for _, r := range o.Topic {
		if !isBase64URL(r) {
			return fmt.Errorf("%w: topic must use the base64url alphabet", ErrInvalidOptions)
		}
	}
	if o.PadTo < 0 {
		return fmt.Errorf("%w: negative padding", ErrInvalidOptions)
	}
	return nil
}

func isBase64URL(r rune) bool {
	return r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_'
}
