package webpush

import (
	"context"
	"fmt"
	"net/http"

	"github.com/imjasonh/webpush-notificator/keys"
	"github.com/imjasonh/webpush-notificator/vapid"
)

// Client sends web push notifications.
type Client struct {
	identity   *keys.Identity
	encryptor  *Encryptor
	dispatcher *Dispatcher
}

// NewClient creates a new web push client that signs as identity. Clients
// created from the same TokenSigner share its token cache.
func NewClient(identity *keys.Identity, tokens *vapid.TokenSigner) *Client {
	if tokens == nil {
		tokens = vapid.NewTokenSigner()
	}
	return &Client{
		identity:   identity,
		encryptor:  &Encryptor{},
		dispatcher: NewDispatcher(tokens),
	}
}

// WithHTTPClient sets a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.dispatcher.WithHTTPClient(httpClient)
	return c
}

// WithRetryPolicy sets the retry policy.
func (c *Client) WithRetryPolicy(p RetryPolicy) *Client {
	c.dispatcher.WithRetryPolicy(p)
	return c
}

// WithClock sets the clock used for retry delays.
func (c *Client) WithClock(clock Clock) *Client {
	c.dispatcher.WithClock(clock)
	return c
}

// WithMaxPayloadSize lowers the largest accepted payload.
func (c *Client) WithMaxPayloadSize(n int) *Client {
	c.encryptor.MaxPayloadSize = n
	return c
}

// PublicKey returns the application server key subscribers must use.
func (c *Client) PublicKey() []byte {
	return c.identity.PublicKey()
}

// Send encrypts payload for sub and delivers it.
//
// Invalid input (subscription, keys, options, payload size) is reported as
// an error before anything is sent. Otherwise the returned Outcome says how
// the delivery ended.
func (c *Client) Send(ctx context.Context, sub *Subscription, payload []byte, opts *Options) (*Outcome, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	padTo := 0
	if opts != nil {
		padTo = opts.PadTo
	}
	encrypted, err := c.encryptor.Encrypt(sub, payload, padTo)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}

	return c.dispatcher.Deliver(ctx, encrypted, c.identity, sub, opts), nil
}
