package linestatus

import (
	"sync"
	"time"
)

// Stamper hands out strictly increasing capture times for one fetcher.
type Stamper struct {
	mu    sync.Mutex
	clock Clock
	last  time.Time
}

// NewStamper builds a Stamper over clock.
func NewStamper(clock Clock) *Stamper {
	return &Stamper{clock: clock}
}

// Next returns the clock reading, bumped past the previous value when the
// clock stalls or steps backwards.
func (s *Stamper) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}
