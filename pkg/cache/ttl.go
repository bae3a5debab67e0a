package cache

import (
	"context"
	"sync"
	"time"
)

// ttlEntry represents an entry in the TTL cache.
type ttlEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func (e *ttlEntry[V]) isExpired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// ttlCache is a thread-safe TTL (Time-To-Live) cache. Entries are evicted
// lazily on access and periodically by a background cleanup goroutine.
type ttlCache[V any] struct {
	mu              sync.RWMutex
	ttl             time.Duration
	cleanupInterval time.Duration
	items           map[string]*ttlEntry[V]
	stats           *Statistics
	evictFn         EvictCallback[V]
	now             clock

	shutdown chan struct{}
	done     chan struct{}
}

// NewTTL creates a TTL cache with the given entry lifetime and cleanup
// interval. The background cleanup goroutine stops when ctx is cancelled or
// Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) Cache[V] {
	opts := applyOptions(options...)

	c := &ttlCache[V]{
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*ttlEntry[V]),
		stats:           NewStatistics(),
		evictFn:         opts.evictCallback,
		now:             time.Now,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.cleanup(ctx)

	return c
}

// Get retrieves a value by key, evicting it if expired.
func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		var zero V
		c.stats.Miss()
		return zero, false
	}

	if entry.isExpired(c.now()) {
		c.mu.Lock()
		// Re-check under the write lock
		if current, still := c.items[key]; still && current.isExpired(c.now()) {
			delete(c.items, key)
			c.stats.Eviction()
			c.stats.UpdateSize(int64(len(c.items)))
			if c.evictFn != nil {
				defer c.evictFn(key, current.value)
			}
		}
		c.mu.Unlock()

		var zero V
		c.stats.Miss()
		return zero, false
	}

	c.stats.Hit()
	return entry.value, true
}

// Set stores a value with the given key and resets its expiration.
func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	expiresAt := c.now().Add(c.ttl)

	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = &ttlEntry[V]{key: key, value: value, expiresAt: expiresAt}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	return !exists, nil
}

// Delete removes an entry by key.
func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	_, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		c.stats.Delete()
		c.stats.UpdateSize(int64(size))
	}
	return exists, nil
}

// Clear removes all entries from the cache.
func (c *ttlCache[V]) Clear() error {
	c.mu.Lock()
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()
	c.stats.UpdateSize(0)
	return nil
}

// Size returns the current number of entries, including not-yet-collected
// expired ones.
func (c *ttlCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns all keys currently in the cache.
func (c *ttlCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	return keys
}

// Stats returns cache statistics.
func (c *ttlCache[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the background cleanup goroutine.
func (c *ttlCache[V]) Close() error {
	select {
	case <-c.shutdown:
		// Already closed
	default:
		close(c.shutdown)
	}
	<-c.done
	return nil
}

// cleanup periodically removes expired entries.
func (c *ttlCache[V]) cleanup(ctx context.Context) {
	defer close(c.done)

	interval := c.cleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *ttlCache[V]) evictExpired() {
	now := c.now()

	type evicted[V any] struct {
		key   string
		value V
	}
	var removed []evicted[V]

	c.mu.Lock()
	for key, entry := range c.items {
		if entry.isExpired(now) {
			delete(c.items, key)
			c.stats.Eviction()
			if c.evictFn != nil {
				removed = append(removed, evicted[V]{key: key, value: entry.value})
			}
		}
	}
	c.stats.UpdateSize(int64(len(c.items)))
	c.mu.Unlock()

	// Callbacks fire outside the lock
	for _, ev := range removed {
		c.evictFn(ev.key, ev.value)
	}
}
