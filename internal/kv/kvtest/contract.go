// Package kvtest holds the behaviour every kv.Store backend must share.
package kvtest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"pkt.systems/gpulockd/internal/kv"
)

// Run exercises store against the kv.Store contract. TTL behaviour is
// backend specific and tested next to each backend.
func Run(t *testing.T, newStore func(t *testing.T) kv.Store) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), "missing")
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("SetGetDelete", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.Set(ctx, "k", []byte(`{"A":[0,1]}`), 0))
		got, err := store.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, `{"A":[0,1]}`, string(got))
		require.NoError(t, store.Delete(ctx, "k"))
		_, err = store.Get(ctx, "k")
		require.ErrorIs(t, err, kv.ErrNotFound)
		require.NoError(t, store.Delete(ctx, "k"))
	})

	t.Run("SetNX", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		ok, err := store.SetNX(ctx, "lock", []byte("a"), 0)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = store.SetNX(ctx, "lock", []byte("b"), 0)
		require.NoError(t, err)
		require.False(t, ok)
		got, err := store.Get(ctx, "lock")
		require.NoError(t, err)
		require.Equal(t, "a", string(got))
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.Set(ctx, "lock", []byte("owner-a"), 0))
		ok, err := store.CompareAndDelete(ctx, "lock", []byte("owner-b"))
		require.NoError(t, err)
		require.False(t, ok)
		ok, err = store.CompareAndDelete(ctx, "lock", []byte("owner-a"))
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = store.CompareAndDelete(ctx, "lock", []byte("owner-a"))
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("CompareAndExpire", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.Set(ctx, "hb", []byte("leader"), 0))
		ok, err := store.CompareAndExpire(ctx, "hb", []byte("other"), 0)
		require.NoError(t, err)
		require.False(t, ok)
		ok, err = store.CompareAndExpire(ctx, "missing", []byte("leader"), 0)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("PushDrainPreservesOrder", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.Push(ctx, "q", []byte("one"), []byte("two")))
		require.NoError(t, store.Push(ctx, "q", []byte("three")))
		items, err := store.Drain(ctx, "q")
		require.NoError(t, err)
		require.Equal(t, []string{"one", "two", "three"}, asStrings(items))
		items, err = store.Drain(ctx, "q")
		require.NoError(t, err)
		require.Empty(t, items)
	})

	t.Run("DrainLosesNothingUnderConcurrentPush", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		const writers, perWriter = 4, 50
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					if err := store.Push(ctx, "q", []byte(fmt.Sprintf("%d-%d", w, i))); err != nil {
						t.Errorf("push: %v", err)
						return
					}
				}
			}(w)
		}
		seen := make(map[string]int)
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		drain := func() {
			items, err := store.Drain(ctx, "q")
			require.NoError(t, err)
			for _, item := range items {
				seen[string(item)]++
			}
		}
	loop:
		for {
			select {
			case <-done:
				break loop
			default:
				drain()
			}
		}
		drain()
		require.Len(t, seen, writers*perWriter)
		for item, n := range seen {
			require.Equalf(t, 1, n, "item %s delivered %d times", item, n)
		}
	})
}

func asStrings(items [][]byte) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = string(item)
	}
	return out
}
