package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrKeyNotFound is returned when a KV key is absent
var ErrKeyNotFound = stderrors.New("kv: key not found")

// KVOptions configures KV operation behavior
type KVOptions struct {
	Timeout time.Duration // Per-operation timeout
}

// DefaultKVOptions returns sensible defaults for cache-style usage
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout: 5 * time.Second,
	}
}

// KVStore provides fast-cache operations on top of a JetStream KV bucket.
// The session manager uses one bucket with a TTL equal to the maximum
// session age, one key per platform.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  Logger
}

// NewKVStore creates a KV store over the given bucket
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger,
	}
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value. Returns (value, true, nil) on a hit,
// (nil, false, nil) on a miss, and a non-nil error only for backend failures.
func (kv *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if isKVNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}

	return entry.Value(), true, nil
}

// Put creates or updates a key (last writer wins)
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if _, err := kv.bucket.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}

	kv.logger.Debugf("KV put: key=%s bytes=%d", key, len(value))
	return nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if isKVNotFound(err) {
			return nil
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}

	return nil
}

// Keys lists all keys in the bucket. An empty bucket is not an error.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv keys: %w", err)
	}

	return keys, nil
}

// isKVNotFound checks if an error indicates an absent key
func isKVNotFound(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyNotFound) || stderrors.Is(err, ErrKeyNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}
