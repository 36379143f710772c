package storage

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/imjasonh/webpush-notificator"
)

// Memory implements in-memory storage for testing and development.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemory creates a new in-memory storage.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*Record),
	}
}

// Save stores or updates a subscription. Endpoints are unique: saving a
// second record with an existing endpoint fails.
func (m *Memory) Save(_ context.Context, record *Record) error {
	if record.Subscription == nil {
		return errors.New("saving subscription: record has no subscription")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prepare(record, time.Now())
	for id, existing := range m.records {
		if id != record.ID && existing.Subscription.Endpoint == record.Subscription.Endpoint {
			return errors.New("saving subscription: endpoint already registered")
		}
	}
	if existing, ok := m.records[record.ID]; ok {
		record.CreatedAt = existing.CreatedAt
	}

	// Make a copy to avoid external mutations
	m.records[record.ID] = copyRecord(record)
	return nil
}

// Get retrieves a subscription by ID.
func (m *Memory) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(record), nil
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (m *Memory) GetByEndpoint(_ context.Context, endpoint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, record := range m.records {
		if record.Subscription.Endpoint == endpoint {
			return copyRecord(record), nil
		}
	}
	return nil, ErrNotFound
}

// GetByUserID retrieves all subscriptions for a user.
func (m *Memory) GetByUserID(_ context.Context, userID string) ([]*Record, error) {
	return m.filter(func(r *Record) bool { return r.UserID == userID }), nil
}

// GetByVAPIDKey retrieves all subscriptions for a specific VAPID key.
func (m *Memory) GetByVAPIDKey(_ context.Context, vapidKey string) ([]*Record, error) {
	return m.filter(func(r *Record) bool { return r.VAPIDKey == vapidKey }), nil
}

// CountByVAPIDKey returns the number of subscriptions for a specific VAPID key.
func (m *Memory) CountByVAPIDKey(_ context.Context, vapidKey string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, record := range m.records {
		if record.VAPIDKey == vapidKey {
			count++
		}
	}
	return count, nil
}

// Delete removes a subscription by ID.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (m *Memory) DeleteByEndpoint(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, record := range m.records {
		if record.Subscription.Endpoint == endpoint {
			delete(m.records, id)
			return nil
		}
	}
	return ErrNotFound
}

// List returns all subscriptions with pagination, newest first.
func (m *Memory) List(_ context.Context, limit, offset int) ([]*Record, error) {
	all := m.filter(func(*Record) bool { return true })

	// Apply pagination
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

// Close is a no-op for in-memory storage.
func (m *Memory) Close() error {
	return nil
}

// filter returns copies of the matching records, newest first.
func (m *Memory) filter(match func(*Record) bool) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Record
	for _, record := range m.records {
		if match(record) {
			results = append(results, copyRecord(record))
		}
	}
	slices.SortFunc(results, func(a, b *Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return results
}

func copyRecord(r *Record) *Record {
	return &Record{
		ID:        r.ID,
		UserID:    r.UserID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		VAPIDKey:  r.VAPIDKey,
		Subscription: &webpush.Subscription{
			Endpoint: r.Subscription.Endpoint,
			Keys: webpush.Keys{
				P256dh: r.Subscription.Keys.P256dh,
				Auth:   r.Subscription.Keys.Auth,
			},
		},
	}
}
