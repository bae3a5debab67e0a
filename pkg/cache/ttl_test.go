package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withClock swaps the time source on a TTL cache for deterministic expiry tests.
func withClock[V any](c Cache[V], now clock) {
	c.(*ttlCache[V]).now = now
}

func TestTTLCache_SetGet(t *testing.T) {
	c := NewTTL[string](context.Background(), time.Minute, time.Minute)
	defer c.Close()

	created, err := c.Set("session:chatgpt", "payload")
	require.NoError(t, err)
	assert.True(t, created)

	got, ok := c.Get("session:chatgpt")
	assert.True(t, ok)
	assert.Equal(t, "payload", got)

	// Second set updates rather than creates
	created, err = c.Set("session:chatgpt", "payload2")
	require.NoError(t, err)
	assert.False(t, created)

	_, ok = c.Get("session:perplexity")
	assert.False(t, ok)
}

func TestTTLCache_EmptyKeyRejected(t *testing.T) {
	c := NewTTL[int](context.Background(), time.Minute, time.Minute)
	defer c.Close()

	_, err := c.Set("", 1)
	assert.Error(t, err)

	_, err = c.Delete("")
	assert.Error(t, err)
}

func TestTTLCache_Expiry(t *testing.T) {
	c := NewTTL[string](context.Background(), time.Minute, time.Hour)
	defer c.Close()

	current := time.Now()
	var mu sync.Mutex
	withClock(c, func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	})

	_, err := c.Set("session:chatgpt", "payload")
	require.NoError(t, err)

	_, ok := c.Get("session:chatgpt")
	assert.True(t, ok)

	// Advance past the TTL: entry must be gone and evicted on access
	mu.Lock()
	current = current.Add(2 * time.Minute)
	mu.Unlock()

	_, ok = c.Get("session:chatgpt")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestTTLCache_EvictionCallback(t *testing.T) {
	var evictedKeys []string
	var mu sync.Mutex

	c := NewTTL(context.Background(), time.Minute, time.Hour,
		WithEvictionCallback[string](func(key string, _ string) {
			mu.Lock()
			evictedKeys = append(evictedKeys, key)
			mu.Unlock()
		}))
	defer c.Close()

	current := time.Now()
	var clockMu sync.Mutex
	withClock(c, func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	})

	_, err := c.Set("session:claude", "payload")
	require.NoError(t, err)

	clockMu.Lock()
	current = current.Add(2 * time.Minute)
	clockMu.Unlock()

	c.(*ttlCache[string]).evictExpired()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"session:claude"}, evictedKeys)
}

func TestTTLCache_DeleteClearKeys(t *testing.T) {
	c := NewTTL[int](context.Background(), time.Minute, time.Minute)
	defer c.Close()

	for _, key := range []string{"a", "b", "c"} {
		_, err := c.Set(key, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, c.Size())
	assert.ElementsMatch(t, []string{"a", "b", "c"}, c.Keys())

	existed, err := c.Delete("b")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = c.Delete("b")
	require.NoError(t, err)
	assert.False(t, existed)

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Size())
}

func TestTTLCache_Stats(t *testing.T) {
	c := NewTTL[string](context.Background(), time.Minute, time.Minute)
	defer c.Close()

	_, _ = c.Set("k", "v")
	c.Get("k")
	c.Get("k")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits())
	assert.Equal(t, int64(1), stats.Misses())
	assert.Equal(t, int64(1), stats.Sets())
	assert.InDelta(t, 2.0/3.0, stats.HitRate(), 0.001)
}

func TestTTLCache_ConcurrentAccess(t *testing.T) {
	c := NewTTL[int](context.Background(), time.Minute, time.Minute)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n%5))
			for j := 0; j < 100; j++ {
				_, _ = c.Set(key, j)
				c.Get(key)
				if j%10 == 0 {
					_, _ = c.Delete(key)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestTTLCache_CloseIdempotent(t *testing.T) {
	c := NewTTL[string](context.Background(), time.Minute, time.Millisecond)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
