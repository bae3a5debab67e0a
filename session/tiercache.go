package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rankmybrand/relay/pkg/cache"
)

// fastKeyPrefix is the fast-cache key pattern: one key per platform holding
// the serialized current session.
const fastKeyPrefix = "session:"

// tierCache is the explicit cache-aside component in front of the durable
// store: an in-process TTL cache (tier 1) backed by the fast cache (tier 2).
// Writes go through both tiers; tier-2 failures are logged and swallowed
// because the durable store stays the source of truth and the cache is a
// rebuildable accelerator.
type tierCache struct {
	local  cache.Cache[*Session]
	fast   FastCache
	logger *slog.Logger
}

func newTierCache(ctx context.Context, fast FastCache, maxAge time.Duration, logger *slog.Logger) *tierCache {
	cleanup := maxAge / 4
	if cleanup < time.Second {
		cleanup = time.Second
	}
	return &tierCache{
		local:  cache.NewTTL[*Session](ctx, maxAge, cleanup),
		fast:   fast,
		logger: logger,
	}
}

func fastKey(platform string) string {
	return fastKeyPrefix + platform
}

// Cache tier names used in hit accounting.
const (
	tierLocal = "local"
	tierFast  = "fast"
)

// get looks up a platform's current session: tier 1 first, then tier 2.
// A tier-2 hit is promoted back into tier 1. The returned tier names which
// level answered the lookup.
func (c *tierCache) get(ctx context.Context, platform string) (*Session, string, bool) {
	if sess, ok := c.local.Get(platform); ok {
		return sess, tierLocal, true
	}

	value, ok, err := c.fast.Get(ctx, fastKey(platform))
	if err != nil {
		c.logger.Warn("fast cache read failed", "platform", platform, "error", err)
		return nil, "", false
	}
	if !ok {
		return nil, "", false
	}

	var sess Session
	if err := json.Unmarshal(value, &sess); err != nil {
		c.logger.Warn("fast cache entry corrupt, dropping", "platform", platform, "error", err)
		if err := c.fast.Delete(ctx, fastKey(platform)); err != nil {
			c.logger.Warn("fast cache delete failed", "platform", platform, "error", err)
		}
		return nil, "", false
	}

	if _, err := c.local.Set(platform, &sess); err != nil {
		c.logger.Warn("local cache promote failed", "platform", platform, "error", err)
	}
	return &sess, tierFast, true
}

// put writes through both tiers
func (c *tierCache) put(ctx context.Context, platform string, sess *Session) {
	if _, err := c.local.Set(platform, sess); err != nil {
		c.logger.Warn("local cache write failed", "platform", platform, "error", err)
	}

	value, err := json.Marshal(sess)
	if err != nil {
		c.logger.Warn("session encode failed", "platform", platform, "error", err)
		return
	}
	if err := c.fast.Put(ctx, fastKey(platform), value); err != nil {
		// Store write already succeeded by the time we get here; the cache
		// catches up on the next read-through.
		c.logger.Warn("fast cache write failed", "platform", platform, "error", err)
	}
}

// invalidate removes the platform's entry from both tiers
func (c *tierCache) invalidate(ctx context.Context, platform string) {
	if _, err := c.local.Delete(platform); err != nil {
		c.logger.Warn("local cache delete failed", "platform", platform, "error", err)
	}
	if err := c.fast.Delete(ctx, fastKey(platform)); err != nil {
		c.logger.Warn("fast cache delete failed", "platform", platform, "error", err)
	}
}

// byID locates a cached session by id across the in-process tier only.
// UpdateCookies deliberately does not fall back to a cold store lookup.
func (c *tierCache) byID(id string) (*Session, string, bool) {
	for _, platform := range c.local.Keys() {
		if sess, ok := c.local.Get(platform); ok && sess.ID == id {
			return sess, platform, true
		}
	}
	return nil, "", false
}

// snapshot returns all tier-1 entries
func (c *tierCache) snapshot() []*Session {
	var sessions []*Session
	for _, platform := range c.local.Keys() {
		if sess, ok := c.local.Get(platform); ok {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}

// purgeInvalid drops tier-1 entries failing the validity check and returns
// how many were removed
func (c *tierCache) purgeInvalid(ctx context.Context, now time.Time) int {
	removed := 0
	for _, platform := range c.local.Keys() {
		sess, ok := c.local.Get(platform)
		if !ok {
			continue
		}
		if !sess.Valid(now) {
			c.invalidate(ctx, platform)
			removed++
		}
	}
	return removed
}

func (c *tierCache) close() {
	_ = c.local.Close()
}
