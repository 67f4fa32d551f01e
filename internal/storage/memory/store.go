// Package memory provides an in-memory SubscriberStore for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/storage"
)

// Store keeps subscribers in process memory. Contents are lost on restart.
type Store struct {
	mu    sync.RWMutex
	clock linestatus.Clock
	subs  []linestatus.Subscriber
}

var _ linestatus.SubscriberStore = (*Store)(nil)

// New constructs an empty Store.
func New(clock linestatus.Clock) *Store {
	return &Store{clock: clock, subs: []linestatus.Subscriber{}}
}

// ListAll returns every subscriber in insertion order.
func (s *Store) ListAll(_ context.Context) ([]linestatus.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]linestatus.Subscriber(nil), s.subs...), nil
}

// Get looks up one subscriber by endpoint.
func (s *Store) Get(_ context.Context, endpoint string) (linestatus.Subscriber, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.Endpoint == endpoint {
			return sub, true, nil
		}
	}
	return linestatus.Subscriber{}, false, nil
}

// Add inserts or replaces sub.
func (s *Store) Add(_ context.Context, sub linestatus.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = storage.Upsert(s.subs, sub, s.clock.Now())
	return nil
}

// Remove deletes endpoint and reports whether it existed.
func (s *Store) Remove(ctx context.Context, endpoint string) (bool, error) {
	n, err := s.RemoveInvalid(ctx, []string{endpoint})
	return n == 1, err
}

// RemoveInvalid deletes every listed endpoint and returns how many existed.
func (s *Store) RemoveInvalid(_ context.Context, endpoints []string) (int, error) {
	if len(endpoints) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, removed := storage.Without(s.subs, endpoints)
	s.subs = next
	return removed, nil
}

// Count returns the number of subscribers.
func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs), nil
}

// Clear removes every subscriber.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	s.subs = []linestatus.Subscriber{}
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
