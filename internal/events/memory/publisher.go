// Package memory records status change events in process, for tests and
// single-node deployments without a message bus.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/metrics"
)

// DefaultCapacity bounds how many events are retained.
const DefaultCapacity = 256

// Publisher stores published events for inspection. The oldest events are
// dropped once capacity is reached.
type Publisher struct {
	mu       sync.RWMutex
	events   []linestatus.StatusChangeEvent
	capacity int
	total    int
}

var _ linestatus.EventPublisher = (*Publisher)(nil)

// New returns a memory Publisher holding at most capacity events.
func New(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{capacity: capacity}
}

// Publish records the event and returns its ID, or a pseudo ID when the
// event has none.
func (p *Publisher) Publish(_ context.Context, evt linestatus.StatusChangeEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	if len(p.events) == p.capacity {
		copy(p.events, p.events[1:])
		p.events = p.events[:len(p.events)-1]
	}
	p.events = append(p.events, evt)
	metrics.ObserveEventPublish("memory", metrics.OutcomeSuccess)
	if evt.ID != "" {
		return evt.ID, nil
	}
	return fmt.Sprintf("memory-%d", p.total), nil
}

// Events returns the retained events, oldest first.
func (p *Publisher) Events() []linestatus.StatusChangeEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]linestatus.StatusChangeEvent, len(p.events))
	copy(out, p.events)
	return out
}

// Close is a no-op.
func (p *Publisher) Close() error { return nil }
