// Package storage provides interfaces and implementations for storing
// web push subscriptions.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/imjasonh/webpush-notificator"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Record represents a stored subscription with metadata.
type Record struct {
	ID           string                `json:"id"`
	UserID       string                `json:"user_id,omitempty"`
	Subscription *webpush.Subscription `json:"subscription"`
	// VAPIDKey is the base64url application server key the browser
	// subscribed with. Push services reject messages signed by any other
	// key, so deliveries only target records matching the current identity.
	VAPIDKey  string    `json:"vapid_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Storage defines the interface for storing web push subscriptions.
type Storage interface {
	// Save stores or updates a subscription. A record without an ID is
	// assigned a new one.
	Save(ctx context.Context, record *Record) error

	// Get retrieves a subscription by ID.
	Get(ctx context.Context, id string) (*Record, error)

	// GetByEndpoint retrieves a subscription by its endpoint URL.
	GetByEndpoint(ctx context.Context, endpoint string) (*Record, error)

	// GetByUserID retrieves all subscriptions for a user.
	GetByUserID(ctx context.Context, userID string) ([]*Record, error)

	// GetByVAPIDKey retrieves all subscriptions made with an application
	// server key.
	GetByVAPIDKey(ctx context.Context, vapidKey string) ([]*Record, error)

	// CountByVAPIDKey counts the subscriptions made with an application
	// server key.
	CountByVAPIDKey(ctx context.Context, vapidKey string) (int, error)

	// Delete removes a subscription by ID.
	Delete(ctx context.Context, id string) error

	// DeleteByEndpoint removes a subscription by its endpoint URL.
	DeleteByEndpoint(ctx context.Context, endpoint string) error

	// List returns all subscriptions with pagination, newest first.
	List(ctx context.Context, limit, offset int) ([]*Record, error)

	// Close closes the storage connection.
	Close() error
}

// prepare fills in the ID and timestamps before a save.
func prepare(record *Record, now time.Time) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
}
