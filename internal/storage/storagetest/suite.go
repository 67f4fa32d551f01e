// Package storagetest holds the behavioral suite every SubscriberStore
// backend must pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linewatch/internal/linestatus"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) linestatus.SubscriberStore

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// Epoch is the time reported by Clock.
var Epoch = time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)

// Clock returns a clock frozen at Epoch.
func Clock() linestatus.Clock {
	return fixedClock{t: Epoch}
}

// Subscriber builds a valid subscriber whose endpoint ends in name.
func Subscriber(name string) linestatus.Subscriber {
	return linestatus.Subscriber{
		Endpoint: "https://push.example.com/" + name,
		Keys: linestatus.SubscriberKeys{
			P256dh: "p256dh-" + name,
			Auth:   "auth-" + name,
		},
	}
}

// Run exercises the SubscriberStore contract against stores built by open.
func Run(t *testing.T, open Factory) {
	t.Helper()

	t.Run("Empty", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		subs, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Empty(t, subs)
		n, err := store.Count(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
		_, ok, err := store.Get(ctx, "https://push.example.com/none")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("AddListGet", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		for _, name := range []string{"a", "b", "c"} {
			require.NoError(t, store.Add(ctx, Subscriber(name)))
		}
		subs, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, subs, 3)
		for i, name := range []string{"a", "b", "c"} {
			require.Equal(t, Subscriber(name).Endpoint, subs[i].Endpoint)
			require.Equal(t, Subscriber(name).Keys, subs[i].Keys)
			require.False(t, subs[i].CreatedAt.IsZero())
		}

		got, ok, err := store.Get(ctx, Subscriber("b").Endpoint)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, Subscriber("b").Keys, got.Keys)
	})

	t.Run("AddReplacesKeys", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		require.NoError(t, store.Add(ctx, Subscriber("a")))
		first, _, err := store.Get(ctx, Subscriber("a").Endpoint)
		require.NoError(t, err)

		updated := Subscriber("a")
		updated.Keys.Auth = "rotated"
		require.NoError(t, store.Add(ctx, updated))

		n, err := store.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		got, ok, err := store.Get(ctx, updated.Endpoint)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "rotated", got.Keys.Auth)
		require.True(t, first.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("Remove", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		require.NoError(t, store.Add(ctx, Subscriber("a")))
		require.NoError(t, store.Add(ctx, Subscriber("b")))

		removed, err := store.Remove(ctx, Subscriber("a").Endpoint)
		require.NoError(t, err)
		require.True(t, removed)

		removed, err = store.Remove(ctx, Subscriber("a").Endpoint)
		require.NoError(t, err)
		require.False(t, removed)

		subs, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, subs, 1)
		require.Equal(t, Subscriber("b").Endpoint, subs[0].Endpoint)
	})

	t.Run("RemoveInvalid", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		for _, name := range []string{"a", "b", "c", "d"} {
			require.NoError(t, store.Add(ctx, Subscriber(name)))
		}

		n, err := store.RemoveInvalid(ctx, nil)
		require.NoError(t, err)
		require.Zero(t, n)

		n, err = store.RemoveInvalid(ctx, []string{
			Subscriber("b").Endpoint,
			Subscriber("d").Endpoint,
			Subscriber("missing").Endpoint,
		})
		require.NoError(t, err)
		require.Equal(t, 2, n)

		subs, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, subs, 2)
		require.Equal(t, Subscriber("a").Endpoint, subs[0].Endpoint)
		require.Equal(t, Subscriber("c").Endpoint, subs[1].Endpoint)
	})

	t.Run("ConcurrentAdds", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		const writers = 16
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = store.Add(ctx, Subscriber(fmt.Sprintf("w%d", i)))
			}()
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}
		n, err := store.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, writers, n)
	})
}
