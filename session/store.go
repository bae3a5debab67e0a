package session

import (
	"context"
	"time"
)

// Store is the durable store adapter the manager persists through. The
// Postgres implementation lives in the store package; tests supply an
// in-memory fake.
type Store interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession loads one session row by id, or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateLastUsed refreshes last_used for a session.
	UpdateLastUsed(ctx context.Context, id string, t time.Time) error

	// UpdateCookies replaces the cookie set for a session.
	UpdateCookies(ctx context.Context, id string, cookies []Cookie) error

	// Deactivate soft-retires a session (is_active=false). Idempotent.
	Deactivate(ctx context.Context, id string) error

	// ActiveSessions returns all rows that are active and not yet expired.
	ActiveSessions(ctx context.Context) ([]*Session, error)

	// ExpireStale marks rows inactive where expires_at < now AND is_active.
	// Returns the number of rows retired.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)

	// SessionMetrics returns aggregate counts from the store.
	SessionMetrics(ctx context.Context) (Metrics, error)

	// ActivePlatforms returns the active entries of the platform registry.
	ActivePlatforms(ctx context.Context) ([]Platform, error)
}

// FastCache is the low-latency key-value tier. The NATS KV implementation
// signals a miss with ok=false; a non-nil error always means the backend
// itself failed. Cache failures are never fatal - the cache is a rebuildable
// accelerator in front of the store.
type FastCache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
