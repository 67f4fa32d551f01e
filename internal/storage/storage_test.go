package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/storage"
	"github.com/JakeFAU/linewatch/internal/storage/storagetest"
)

// heldBlob keeps its document in memory. When hold is set, the next Write
// signals started and blocks until hold is closed.
type heldBlob struct {
	mu      sync.Mutex
	data    []byte
	found   bool
	hold    chan struct{}
	started chan struct{}
}

func (b *heldBlob) Read(context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.found {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), b.data...), nil
}

func (b *heldBlob) Write(ctx context.Context, data []byte) error {
	b.mu.Lock()
	hold, started := b.hold, b.started
	b.hold, b.started = nil, nil
	b.mu.Unlock()
	if hold != nil {
		close(started)
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append([]byte(nil), data...)
	b.found = true
	return nil
}

func (b *heldBlob) Location() string { return "mem://subscriptions.json" }

func (b *heldBlob) holdNextWrite() (started, release chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hold = make(chan struct{})
	b.started = make(chan struct{})
	return b.started, b.hold
}

func TestDocumentStoreInMemoryBlob(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) linestatus.SubscriberStore {
		store, err := storage.NewDocumentStore(&heldBlob{}, storagetest.Clock(), nil)
		require.NoError(t, err)
		return store
	})
}

func TestDocumentStoreReadsDuringWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blob := &heldBlob{}
	store, err := storage.NewDocumentStore(blob, storagetest.Clock(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Add(ctx, storagetest.Subscriber("a")))

	started, release := blob.holdNextWrite()
	done := make(chan error, 1)
	go func() { done <- store.Add(ctx, storagetest.Subscriber("b")) }()
	<-started

	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	subs, err := store.ListAll(readCtx)
	require.NoError(t, err, "reads must not wait for the blob write")
	require.Len(t, subs, 1)
	n, err := store.Count(readCtx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A second writer queues behind the first and gives up with its context.
	shortCtx, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	require.ErrorIs(t, store.Add(shortCtx, storagetest.Subscriber("c")), context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
	n, err = store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestDocumentStoreFailedWriteKeepsState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blob := &heldBlob{}
	store, err := storage.NewDocumentStore(blob, storagetest.Clock(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Add(ctx, storagetest.Subscriber("a")))

	started, _ := blob.holdNextWrite()
	writeCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- store.Add(writeCtx, storagetest.Subscriber("b")) }()
	<-started
	cancel()
	require.Error(t, <-done)

	subs, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, storagetest.Subscriber("a").Endpoint, subs[0].Endpoint)
}
