package statuscache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingFetcher struct {
	calls   atomic.Int32
	mu      sync.Mutex
	texts   []string
	err     error
	gate    chan struct{}
	started chan struct{}
}

func (f *countingFetcher) Fetch(ctx context.Context) (linestatus.Snapshot, error) {
	n := int(f.calls.Add(1))
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return linestatus.Snapshot{}, f.err
	}
	text := f.texts[(n-1)%len(f.texts)]
	return linestatus.Classify(text, "", time.Unix(int64(n), 0)), nil
}

func (f *countingFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func newCache(t *testing.T, f linestatus.Fetcher, clock linestatus.Clock) *Cache {
	t.Helper()
	c, err := New(f, clock, time.Minute, nil)
	require.NoError(t, err)
	return c
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &manualClock{}, 0, nil)
	require.Error(t, err)
	_, err = New(&countingFetcher{texts: []string{"x"}}, nil, 0, nil)
	require.Error(t, err)

	c, err := New(&countingFetcher{texts: []string{"x"}}, &manualClock{}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultTTL, c.ttl)
}

func TestGetServesFreshEntry(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1000, 0)}
	f := &countingFetcher{texts: []string{"平常運転", "遅延"}}
	c := newCache(t, f, clock)
	ctx := context.Background()

	first, err := c.Get(ctx, true)
	require.NoError(t, err)
	require.Equal(t, "平常運転", first.RawText)

	clock.Advance(59 * time.Second)
	second, err := c.Get(ctx, true)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, f.calls.Load())

	clock.Advance(time.Second)
	third, err := c.Get(ctx, true)
	require.NoError(t, err)
	require.Equal(t, "遅延", third.RawText)
	require.EqualValues(t, 2, f.calls.Load())
}

func TestGetBypassAlwaysFetches(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1000, 0)}
	f := &countingFetcher{texts: []string{"平常運転"}}
	c := newCache(t, f, clock)

	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), false)
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, f.calls.Load())

	entry, ok := c.Peek()
	require.True(t, ok)
	require.Equal(t, clock.Now(), entry.CachedAt)
}

func TestFailedFetchKeepsEntry(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1000, 0)}
	f := &countingFetcher{texts: []string{"平常運転"}}
	c := newCache(t, f, clock)
	ctx := context.Background()

	good, err := c.Get(ctx, true)
	require.NoError(t, err)

	boom := &linestatus.ScrapingError{Attempts: 3, Err: linestatus.ErrNetwork}
	f.setErr(boom)
	clock.Advance(2 * time.Minute)

	_, err = c.Get(ctx, true)
	require.ErrorIs(t, err, linestatus.ErrScrapingExhausted)

	entry, ok := c.Peek()
	require.True(t, ok)
	require.Equal(t, good, entry.Snapshot)
	require.Equal(t, time.Unix(1000, 0), entry.CachedAt)
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1000, 0)}
	f := &countingFetcher{
		texts:   []string{"平常運転"},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	c := newCache(t, f, clock)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]linestatus.Snapshot, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), true)
		}()
	}

	<-f.started
	// Give the remaining callers time to join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	require.EqualValues(t, 1, f.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
}

func TestWaiterCancellationDoesNotAbortSharedFetch(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1000, 0)}
	f := &countingFetcher{
		texts:   []string{"平常運転"},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	c := newCache(t, f, clock)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, true)
		errCh <- err
	}()
	<-f.started
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(f.gate)
	require.Eventually(t, func() bool {
		_, ok := c.Peek()
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1000, 0)}
	f := &countingFetcher{texts: []string{"平常運転"}}
	c := newCache(t, f, clock)

	_, err := c.Get(context.Background(), true)
	require.NoError(t, err)
	c.Invalidate()
	_, ok := c.Peek()
	require.False(t, ok)

	_, err = c.Get(context.Background(), true)
	require.NoError(t, err)
	require.EqualValues(t, 2, f.calls.Load())
}

func TestFetchErrorIsReturnedAsIs(t *testing.T) {
	t.Parallel()

	f := &countingFetcher{texts: []string{"x"}, err: errors.New("boom")}
	c := newCache(t, f, &manualClock{})
	_, err := c.Get(context.Background(), true)
	require.EqualError(t, err, "boom")
	_, ok := c.Peek()
	require.False(t, ok)
}
