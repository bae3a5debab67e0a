package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTierCache(t *testing.T, fast FastCache) *tierCache {
	t.Helper()
	tc := newTierCache(context.Background(), fast, time.Hour, slog.Default())
	t.Cleanup(tc.close)
	return tc
}

func testSession(id, platform string) *Session {
	now := time.Now()
	expires := now.Add(time.Hour)
	return &Session{
		ID:        id,
		Platform:  platform,
		Token:     "tok-" + id,
		IsActive:  true,
		CreatedAt: now,
		ExpiresAt: &expires,
	}
}

func TestTierCacheWriteThrough(t *testing.T) {
	fast := newMemFast()
	tc := newTestTierCache(t, fast)
	ctx := context.Background()

	tc.put(ctx, "chatgpt", testSession("s1", "chatgpt"))

	got, tier, ok := tc.get(ctx, "chatgpt")
	require.True(t, ok)
	assert.Equal(t, tierLocal, tier)
	assert.Equal(t, "s1", got.ID)

	value, ok, err := fast.Get(ctx, fastKey("chatgpt"))
	require.NoError(t, err)
	require.True(t, ok)
	var stored Session
	require.NoError(t, json.Unmarshal(value, &stored))
	assert.Equal(t, "s1", stored.ID)
}

func TestTierCachePromotesFromFastTier(t *testing.T) {
	fast := newMemFast()
	ctx := context.Background()

	value, err := json.Marshal(testSession("s2", "chatgpt"))
	require.NoError(t, err)
	require.NoError(t, fast.Put(ctx, fastKey("chatgpt"), value))

	tc := newTestTierCache(t, fast)

	got, tier, ok := tc.get(ctx, "chatgpt")
	require.True(t, ok)
	assert.Equal(t, tierFast, tier)
	assert.Equal(t, "s2", got.ID)

	// Promoted entry now answers from tier 1.
	_, tier, ok = tc.get(ctx, "chatgpt")
	require.True(t, ok)
	assert.Equal(t, tierLocal, tier)
}

func TestTierCacheDropsCorruptFastEntry(t *testing.T) {
	fast := newMemFast()
	ctx := context.Background()
	require.NoError(t, fast.Put(ctx, fastKey("chatgpt"), []byte("not json")))

	tc := newTestTierCache(t, fast)

	_, _, ok := tc.get(ctx, "chatgpt")
	assert.False(t, ok)

	_, ok, err := fast.Get(ctx, fastKey("chatgpt"))
	require.NoError(t, err)
	assert.False(t, ok, "corrupt entry deleted")
}

func TestTierCacheFastWriteFailureIsAbsorbed(t *testing.T) {
	fast := newMemFast()
	fast.failPut = assert.AnError
	tc := newTestTierCache(t, fast)
	ctx := context.Background()

	tc.put(ctx, "chatgpt", testSession("s3", "chatgpt"))

	// Tier 1 still serves the session.
	got, _, ok := tc.get(ctx, "chatgpt")
	require.True(t, ok)
	assert.Equal(t, "s3", got.ID)
}

func TestTierCacheInvalidate(t *testing.T) {
	fast := newMemFast()
	tc := newTestTierCache(t, fast)
	ctx := context.Background()

	tc.put(ctx, "chatgpt", testSession("s4", "chatgpt"))
	tc.invalidate(ctx, "chatgpt")

	_, _, ok := tc.get(ctx, "chatgpt")
	assert.False(t, ok)
}

func TestTierCacheByID(t *testing.T) {
	tc := newTestTierCache(t, newMemFast())
	ctx := context.Background()

	tc.put(ctx, "chatgpt", testSession("s5", "chatgpt"))
	tc.put(ctx, "perplexity", testSession("s6", "perplexity"))

	sess, platform, ok := tc.byID("s6")
	require.True(t, ok)
	assert.Equal(t, "perplexity", platform)
	assert.Equal(t, "s6", sess.ID)

	_, _, ok = tc.byID("missing")
	assert.False(t, ok)
}

func TestTierCachePurgeInvalid(t *testing.T) {
	tc := newTestTierCache(t, newMemFast())
	ctx := context.Background()

	good := testSession("s7", "chatgpt")
	bad := testSession("s8", "perplexity")
	bad.IsActive = false
	tc.put(ctx, "chatgpt", good)
	tc.put(ctx, "perplexity", bad)

	removed := tc.purgeInvalid(ctx, time.Now())
	assert.Equal(t, 1, removed)
	assert.Len(t, tc.snapshot(), 1)
}
