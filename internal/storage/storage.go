// Package storage holds the subscriber persistence backends. Document-style
// backends keep every subscriber in one JSON document behind a Blob, so the
// same store works on local disk and in Cloud Storage.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

// ErrNotFound is returned by Blob.Read when the document was never written.
var ErrNotFound = errors.New("document not found")

// Blob reads and replaces a single document.
type Blob interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Location is a URI describing where the document lives.
	Location() string
}

// DocumentStore implements linestatus.SubscriberStore over a Blob. The whole
// subscriber list is loaded on first use and rewritten on every change.
//
// Loads and rewrites take the writer slot, which is held across blob I/O and
// acquired with the caller's context. The in-memory view has its own mutex
// that is never held during I/O, so reads are served from the last persisted
// document while a rewrite is in flight.
type DocumentStore struct {
	blob   Blob
	clock  linestatus.Clock
	logger *zap.Logger

	writer chan struct{}

	mu     sync.RWMutex
	loaded bool
	subs   []linestatus.Subscriber
}

var _ linestatus.SubscriberStore = (*DocumentStore)(nil)

// NewDocumentStore builds a DocumentStore over blob.
func NewDocumentStore(blob Blob, clock linestatus.Clock, logger *zap.Logger) (*DocumentStore, error) {
	if blob == nil {
		return nil, errors.New("storage: blob is required")
	}
	if clock == nil {
		return nil, errors.New("storage: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentStore{
		blob:   blob,
		clock:  clock,
		logger: logger.Named("store").With(zap.String("location", blob.Location())),
		writer: make(chan struct{}, 1),
	}, nil
}

// ListAll returns every subscriber in insertion order.
func (s *DocumentStore) ListAll(ctx context.Context) ([]linestatus.Subscriber, error) {
	subs, err := s.view(ctx)
	if err != nil {
		return nil, err
	}
	return append([]linestatus.Subscriber(nil), subs...), nil
}

// Get looks up one subscriber by endpoint.
func (s *DocumentStore) Get(ctx context.Context, endpoint string) (linestatus.Subscriber, bool, error) {
	subs, err := s.view(ctx)
	if err != nil {
		return linestatus.Subscriber{}, false, err
	}
	if i := indexOf(subs, endpoint); i >= 0 {
		return subs[i], true, nil
	}
	return linestatus.Subscriber{}, false, nil
}

// Add inserts sub or replaces the keys of an existing endpoint.
func (s *DocumentStore) Add(ctx context.Context, sub linestatus.Subscriber) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	cur, err := s.load(ctx)
	if err != nil {
		return err
	}
	next := Upsert(cur, sub, s.clock.Now())
	if err := s.save(ctx, next); err != nil {
		return err
	}
	s.logger.Info("subscriber added", zap.String("endpoint", sub.Endpoint), zap.Int("total", len(next)))
	return nil
}

// Remove deletes endpoint and reports whether it existed.
func (s *DocumentStore) Remove(ctx context.Context, endpoint string) (bool, error) {
	removed, err := s.RemoveInvalid(ctx, []string{endpoint})
	return removed == 1, err
}

// RemoveInvalid deletes every listed endpoint and returns how many existed.
func (s *DocumentStore) RemoveInvalid(ctx context.Context, endpoints []string) (int, error) {
	if len(endpoints) == 0 {
		return 0, nil
	}
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()
	cur, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	next, removed := Without(cur, endpoints)
	if removed == 0 {
		return 0, nil
	}
	if err := s.save(ctx, next); err != nil {
		return 0, err
	}
	s.logger.Info("subscribers removed", zap.Int("removed", removed), zap.Int("total", len(next)))
	return removed, nil
}

// Count returns the number of subscribers.
func (s *DocumentStore) Count(ctx context.Context) (int, error) {
	subs, err := s.view(ctx)
	if err != nil {
		return 0, err
	}
	return len(subs), nil
}

// Clear removes every subscriber.
func (s *DocumentStore) Clear(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.save(ctx, []linestatus.Subscriber{})
}

// Close is a no-op; every change is already persisted.
func (s *DocumentStore) Close() error {
	return nil
}

func (s *DocumentStore) acquire(ctx context.Context) error {
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for subscriber document: %w", ctx.Err())
	}
}

func (s *DocumentStore) release() {
	<-s.writer
}

// snapshot returns the in-memory list. The slice is never mutated in place.
func (s *DocumentStore) snapshot() ([]linestatus.Subscriber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs, s.loaded
}

// view returns the current list, loading the document on first use.
func (s *DocumentStore) view(ctx context.Context) ([]linestatus.Subscriber, error) {
	if subs, ok := s.snapshot(); ok {
		return subs, nil
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.load(ctx)
}

// load reads the document unless it is already in memory. The caller holds
// the writer slot.
func (s *DocumentStore) load(ctx context.Context) ([]linestatus.Subscriber, error) {
	if subs, ok := s.snapshot(); ok {
		return subs, nil
	}
	data, err := s.blob.Read(ctx)
	var subs []linestatus.Subscriber
	switch {
	case errors.Is(err, ErrNotFound):
		subs = []linestatus.Subscriber{}
	case err != nil:
		return nil, fmt.Errorf("read subscriber document: %w", err)
	case len(bytes.TrimSpace(data)) == 0:
		subs = []linestatus.Subscriber{}
	default:
		if err := json.Unmarshal(data, &subs); err != nil {
			return nil, fmt.Errorf("decode subscriber document: %w", err)
		}
		subs = dedupe(subs)
	}
	s.publish(subs)
	s.logger.Info("subscriber document loaded", zap.Int("subscribers", len(subs)))
	return subs, nil
}

// save persists next and only then makes it the in-memory state, so a failed
// write leaves the store unchanged. The caller holds the writer slot.
func (s *DocumentStore) save(ctx context.Context, next []linestatus.Subscriber) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode subscriber document: %w", err)
	}
	if err := s.blob.Write(ctx, data); err != nil {
		return fmt.Errorf("write subscriber document: %w", err)
	}
	s.publish(next)
	return nil
}

func (s *DocumentStore) publish(subs []linestatus.Subscriber) {
	s.mu.Lock()
	s.subs = subs
	s.loaded = true
	s.mu.Unlock()
}

// Upsert returns a copy of subs with sub inserted at the end, or replacing
// the existing entry for the same endpoint in place. CreatedAt is kept from
// the first registration and defaults to now.
func Upsert(subs []linestatus.Subscriber, sub linestatus.Subscriber, now time.Time) []linestatus.Subscriber {
	next := append(make([]linestatus.Subscriber, 0, len(subs)+1), subs...)
	if i := indexOf(next, sub.Endpoint); i >= 0 {
		sub.CreatedAt = next[i].CreatedAt
		next[i] = sub
		return next
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	return append(next, sub)
}

// Without returns a copy of subs minus the listed endpoints and the number
// of entries dropped.
func Without(subs []linestatus.Subscriber, endpoints []string) ([]linestatus.Subscriber, int) {
	drop := make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		drop[e] = struct{}{}
	}
	next := make([]linestatus.Subscriber, 0, len(subs))
	for _, sub := range subs {
		if _, ok := drop[sub.Endpoint]; ok {
			continue
		}
		next = append(next, sub)
	}
	return next, len(subs) - len(next)
}

func indexOf(subs []linestatus.Subscriber, endpoint string) int {
	for i := range subs {
		if subs[i].Endpoint == endpoint {
			return i
		}
	}
	return -1
}

// dedupe keeps the last entry per endpoint at the position of the first.
func dedupe(subs []linestatus.Subscriber) []linestatus.Subscriber {
	out := make([]linestatus.Subscriber, 0, len(subs))
	for _, sub := range subs {
		if i := indexOf(out, sub.Endpoint); i >= 0 {
			out[i] = sub
			continue
		}
		out = append(out, sub)
	}
	return out
}
