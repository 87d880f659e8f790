package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records payloads delivered to a subscription.
type collector struct {
	mu       sync.Mutex
	payloads []string
}

func (c *collector) handle(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, string(payload))
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.snapshot()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return c.snapshot()
}

// runStoreSuite exercises the Store contract. Keys are namespaced by prefix.
func runStoreSuite(t *testing.T, s Store, prefix string) {
	ctx := context.Background()

	t.Run("kv", func(t *testing.T) {
		key := prefix + "kv"

		_, err := s.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Set(ctx, key, []byte("v1")))
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "v1", string(got))

		require.NoError(t, s.Set(ctx, key, []byte("v2")))
		got, err = s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "v2", string(got))

		require.NoError(t, s.Delete(ctx, key))
		_, err = s.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting again is not an error.
		assert.NoError(t, s.Delete(ctx, key))
	})

	t.Run("take", func(t *testing.T) {
		key := prefix + "take"
		require.NoError(t, s.Set(ctx, key, []byte("once")))

		got, err := s.Take(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "once", string(got))

		_, err = s.Take(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent take has one winner", func(t *testing.T) {
		key := prefix + "race"
		require.NoError(t, s.Set(ctx, key, []byte("x")))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Take(ctx, key); err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})

	t.Run("compare and swap", func(t *testing.T) {
		key := prefix + "cas"

		// nil prev claims an absent key only.
		ok, err := s.CompareAndSwap(ctx, key, nil, []byte("c1"))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.CompareAndSwap(ctx, key, nil, []byte("c2"))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CompareAndSwap(ctx, key, []byte("stale"), []byte("c2"))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CompareAndSwap(ctx, key, []byte("c1"), []byte("c2"))
		require.NoError(t, err)
		assert.True(t, ok)
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "c2", string(got))

		// nil next deletes.
		ok, err = s.CompareAndSwap(ctx, key, []byte("c2"), nil)
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = s.Get(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		ok, err = s.CompareAndSwap(ctx, key, []byte("c2"), nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent claim has one winner", func(t *testing.T) {
		key := prefix + "claim"

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				ok, err := s.CompareAndSwap(ctx, key, nil, []byte(id))
				if err == nil && ok {
					mu.Lock()
					winners = append(winners, id)
					mu.Unlock()
				}
			}(string(rune('a' + i)))
		}
		wg.Wait()

		require.Len(t, winners, 1)
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, winners[0], string(got))
	})

	t.Run("list", func(t *testing.T) {
		key := prefix + "list"

		empty, err := s.Range(ctx, key, 0, -1)
		require.NoError(t, err)
		assert.Empty(t, empty)

		for i, v := range []string{"a", "b", "c", "d"} {
			n, err := s.Append(ctx, key, []byte(v))
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), n)
		}

		all, err := s.Range(ctx, key, 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d"}, toStrings(all))

		tail, err := s.Range(ctx, key, -2, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "d"}, toStrings(tail))

		over, err := s.Range(ctx, key, -10, 100)
		require.NoError(t, err)
		assert.Len(t, over, 4)
	})

	t.Run("pubsub preserves order", func(t *testing.T) {
		channel := prefix + "chan"
		c := &collector{}
		sub, err := s.Subscribe(ctx, channel, c.handle)
		require.NoError(t, err)
		defer sub.Close()

		for _, v := range []string{"1", "2", "3"} {
			require.NoError(t, s.Publish(ctx, channel, []byte(v)))
		}
		assert.Equal(t, []string{"1", "2", "3"}, c.waitFor(t, 3))
	})

	t.Run("closed subscription stops delivery", func(t *testing.T) {
		channel := prefix + "closed"
		c := &collector{}
		sub, err := s.Subscribe(ctx, channel, c.handle)
		require.NoError(t, err)
		require.NoError(t, sub.Close())
		require.NoError(t, sub.Close())

		require.NoError(t, s.Publish(ctx, channel, []byte("late")))
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, c.snapshot())
	})

	t.Run("slow handler does not stall other channels", func(t *testing.T) {
		release := make(chan struct{})
		slow, err := s.Subscribe(ctx, prefix+"slow", func([]byte) { <-release })
		require.NoError(t, err)
		defer slow.Close()
		defer close(release)

		c := &collector{}
		fast, err := s.Subscribe(ctx, prefix+"fast", c.handle)
		require.NoError(t, err)
		defer fast.Close()

		require.NoError(t, s.Publish(ctx, prefix+"slow", []byte("stuck")))
		require.NoError(t, s.Publish(ctx, prefix+"fast", []byte("through")))
		assert.Equal(t, []string{"through"}, c.waitFor(t, 1))
	})

	t.Run("append publish", func(t *testing.T) {
		req := AppendRequest{
			ListKey:    prefix + "log",
			CounterKey: prefix + "seq",
			Channel:    prefix + "log-chan",
			MaxLen:     2,
		}
		c := &collector{}
		sub, err := s.Subscribe(ctx, req.Channel, c.handle)
		require.NoError(t, err)
		defer sub.Close()

		for i, body := range []string{"one", "two", "three"} {
			req.Entry = []byte(`{"payload":"` + body + `"}`)
			seq, err := s.AppendPublish(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), seq)
		}

		// MaxLen trims the list but never the counter.
		stored, err := s.Range(ctx, req.ListKey, 0, -1)
		require.NoError(t, err)
		require.Len(t, stored, 2)
		assert.Equal(t, []int64{2, 3}, seqs(t, stored))

		published := c.waitFor(t, 3)
		raw := make([][]byte, len(published))
		for i, p := range published {
			raw[i] = []byte(p)
		}
		assert.Equal(t, []int64{1, 2, 3}, seqs(t, raw))
	})

	t.Run("append publish rejects non-object entries", func(t *testing.T) {
		_, err := s.AppendPublish(ctx, AppendRequest{
			ListKey:    prefix + "bad",
			CounterKey: prefix + "bad-seq",
			Channel:    prefix + "bad-chan",
			Entry:      []byte(`"scalar"`),
		})
		assert.Error(t, err)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}

func toStrings(values [][]byte) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func seqs(t *testing.T, values [][]byte) []int64 {
	t.Helper()
	out := make([]int64, len(values))
	for i, v := range values {
		var entry struct {
			Seq int64 `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(v, &entry))
		out[i] = entry.Seq
	}
	return out
}
