// Package statuscache memoizes the latest status snapshot for a bounded
// time and collapses concurrent refreshes into one fetch.
package statuscache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/metrics"
)

// DefaultTTL is how long a snapshot is served without refetching.
const DefaultTTL = time.Minute

const flightKey = "status"

// Cache implements linestatus.StatusSource.
type Cache struct {
	fetcher linestatus.Fetcher
	clock   linestatus.Clock
	ttl     time.Duration
	logger  *zap.Logger

	mu    sync.RWMutex
	entry *linestatus.CacheEntry
	group singleflight.Group
}

var _ linestatus.StatusSource = (*Cache)(nil)

// New builds a Cache around fetcher. A non-positive ttl uses DefaultTTL.
func New(fetcher linestatus.Fetcher, clock linestatus.Clock, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	if fetcher == nil {
		return nil, errors.New("statuscache: fetcher is required")
	}
	if clock == nil {
		return nil, errors.New("statuscache: clock is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		fetcher: fetcher,
		clock:   clock,
		ttl:     ttl,
		logger:  logger.Named("statuscache"),
	}, nil
}

// Get returns the cached snapshot while it is younger than the TTL and
// useCache is set; otherwise it fetches. A failed fetch leaves the cached
// entry untouched.
func (c *Cache) Get(ctx context.Context, useCache bool) (linestatus.Snapshot, error) {
	if useCache {
		if snap, ok := c.fresh(); ok {
			metrics.ObserveCacheLookup("hit")
			return snap, nil
		}
		metrics.ObserveCacheLookup("miss")
	} else {
		metrics.ObserveCacheLookup("bypass")
	}

	// The shared fetch must outlive any single waiter's cancellation.
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return linestatus.Snapshot{}, fmt.Errorf("wait for status fetch: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return linestatus.Snapshot{}, res.Err
		}
		snap, _ := res.Val.(linestatus.Snapshot)
		return snap, nil
	}
}

// Peek returns the current entry without fetching.
func (c *Cache) Peek() (linestatus.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil {
		return linestatus.CacheEntry{}, false
	}
	return *c.entry, true
}

// Invalidate drops the cached entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}

func (c *Cache) fresh() (linestatus.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil {
		return linestatus.Snapshot{}, false
	}
	if c.clock.Now().Sub(c.entry.CachedAt) >= c.ttl {
		return linestatus.Snapshot{}, false
	}
	return c.entry.Snapshot, true
}

func (c *Cache) refresh(ctx context.Context) (linestatus.Snapshot, error) {
	snap, err := c.fetcher.Fetch(ctx)
	if err != nil {
		c.logger.Warn("status refresh failed; keeping previous entry", zap.Error(err))
		return linestatus.Snapshot{}, err
	}
	c.mu.Lock()
	c.entry = &linestatus.CacheEntry{Snapshot: snap, CachedAt: c.clock.Now()}
	c.mu.Unlock()
	return snap, nil
}
