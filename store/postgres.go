// Package store implements the durable store adapter over PostgreSQL.
// Session rows are soft-retired rather than deleted, keeping history for
// audit; the platform registry is read-only from this package's callers.
package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rankmybrand/relay/errors"
	"github.com/rankmybrand/relay/session"
)

// Postgres implements session.Store and the bridge's resource queries
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed store
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Connect opens a pgx pool and verifies connectivity
func Connect(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.WrapFatal(err, "Postgres", "Connect", "parse connection string")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, "Postgres", "Connect", "ping database")
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool
func (s *Postgres) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity for health reporting
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables this adapter relies on
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return errors.WrapTransient(err, "Postgres", "EnsureSchema", "create tables")
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS platforms (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	platform_id   TEXT NOT NULL REFERENCES platforms(id),
	session_token TEXT NOT NULL,
	cookies_json  JSONB NOT NULL DEFAULT '[]',
	user_agent    TEXT NOT NULL DEFAULT '',
	proxy_url     TEXT,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL,
	last_used     TIMESTAMPTZ,
	expires_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS sessions_platform_active_idx
	ON sessions (platform_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS brand_metrics (
	id            BIGSERIAL PRIMARY KEY,
	metric        TEXT NOT NULL,
	value         DOUBLE PRECISION NOT NULL,
	platform_id   TEXT REFERENCES platforms(id),
	calculated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS recommendations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	priority   INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS competitors (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	domain     TEXT NOT NULL DEFAULT '',
	visibility DOUBLE PRECISION NOT NULL DEFAULT 0,
	tracked_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// CreateSession inserts a new session row
func (s *Postgres) CreateSession(ctx context.Context, sess *session.Session) error {
	cookies, err := json.Marshal(sess.Cookies)
	if err != nil {
		return errors.WrapInvalid(err, "Postgres", "CreateSession", "encode cookies")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, platform_id, session_token, cookies_json,
			user_agent, proxy_url, is_active,
			created_at, last_used, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, sess.ID, sess.Platform, sess.Token, cookies,
		sess.UserAgent, nullIfEmpty(sess.Proxy), sess.IsActive,
		sess.CreatedAt, sess.LastUsed, sess.ExpiresAt)
	if err != nil {
		return errors.WrapTransient(err, "Postgres", "CreateSession", "insert row")
	}

	return nil
}

// GetSession loads one session row by id
func (s *Postgres) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, platform_id, session_token, cookies_json,
		       user_agent, proxy_url, is_active,
		       created_at, last_used, expires_at
		FROM sessions
		WHERE id = $1
	`, id)

	sess, err := scanSession(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "GetSession", "query row")
	}
	return sess, nil
}

// UpdateLastUsed refreshes last_used for a session
func (s *Postgres) UpdateLastUsed(ctx context.Context, id string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET last_used = $2 WHERE id = $1
	`, id, t)
	if err != nil {
		return errors.WrapTransient(err, "Postgres", "UpdateLastUsed", "update row")
	}
	return nil
}

// UpdateCookies replaces the cookie set for a session
func (s *Postgres) UpdateCookies(ctx context.Context, id string, cookies []session.Cookie) error {
	encoded, err := json.Marshal(cookies)
	if err != nil {
		return errors.WrapInvalid(err, "Postgres", "UpdateCookies", "encode cookies")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET cookies_json = $2 WHERE id = $1
	`, id, encoded)
	if err != nil {
		return errors.WrapTransient(err, "Postgres", "UpdateCookies", "update row")
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrSessionNotFound
	}
	return nil
}

// Deactivate soft-retires a session. Rows are never deleted; deactivating an
// already-inactive session is a no-op, which makes invalidation idempotent.
func (s *Postgres) Deactivate(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET is_active = FALSE WHERE id = $1
	`, id)
	if err != nil {
		return errors.WrapTransient(err, "Postgres", "Deactivate", "update row")
	}
	return nil
}

// ActiveSessions returns all rows that are active and not yet expired
func (s *Postgres) ActiveSessions(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, platform_id, session_token, cookies_json,
		       user_agent, proxy_url, is_active,
		       created_at, last_used, expires_at
		FROM sessions
		WHERE is_active AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at
	`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "ActiveSessions", "query rows")
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "Postgres", "ActiveSessions", "scan row")
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "ActiveSessions", "iterate rows")
	}

	return sessions, nil
}

// ExpireStale marks rows inactive where expires_at has passed
func (s *Postgres) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET is_active = FALSE
		WHERE expires_at < $1 AND is_active
	`, now)
	if err != nil {
		return 0, errors.WrapTransient(err, "Postgres", "ExpireStale", "update rows")
	}
	return tag.RowsAffected(), nil
}

// SessionMetrics returns aggregate counts sourced from the store
func (s *Postgres) SessionMetrics(ctx context.Context) (session.Metrics, error) {
	metrics := session.Metrics{ByPlatform: make(map[string]int)}

	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE is_active),
		       count(*) FILTER (WHERE expires_at < now())
		FROM sessions
	`).Scan(&metrics.Total, &metrics.Active, &metrics.Expired)
	if err != nil {
		return session.Metrics{}, errors.WrapTransient(err, "Postgres", "SessionMetrics", "aggregate counts")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT platform_id, count(*)
		FROM sessions
		GROUP BY platform_id
	`)
	if err != nil {
		return session.Metrics{}, errors.WrapTransient(err, "Postgres", "SessionMetrics", "per-platform counts")
	}
	defer rows.Close()

	for rows.Next() {
		var platform string
		var count int
		if err := rows.Scan(&platform, &count); err != nil {
			return session.Metrics{}, errors.WrapTransient(err, "Postgres", "SessionMetrics", "scan row")
		}
		metrics.ByPlatform[platform] = count
	}
	if err := rows.Err(); err != nil {
		return session.Metrics{}, errors.WrapTransient(err, "Postgres", "SessionMetrics", "iterate rows")
	}

	return metrics, nil
}

// ActivePlatforms returns the active entries of the platform registry
func (s *Postgres) ActivePlatforms(ctx context.Context) ([]session.Platform, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, is_active
		FROM platforms
		WHERE is_active
		ORDER BY name
	`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "ActivePlatforms", "query rows")
	}
	defer rows.Close()

	var platforms []session.Platform
	for rows.Next() {
		var p session.Platform
		if err := rows.Scan(&p.ID, &p.Name, &p.IsActive); err != nil {
			return nil, errors.WrapTransient(err, "Postgres", "ActivePlatforms", "scan row")
		}
		platforms = append(platforms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "ActivePlatforms", "iterate rows")
	}

	return platforms, nil
}

// scanSession scans one session row from either QueryRow or Query
func scanSession(row pgx.Row) (*session.Session, error) {
	var sess session.Session
	var cookies []byte
	var proxy *string

	err := row.Scan(
		&sess.ID,
		&sess.Platform,
		&sess.Token,
		&cookies,
		&sess.UserAgent,
		&proxy,
		&sess.IsActive,
		&sess.CreatedAt,
		&sess.LastUsed,
		&sess.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if len(cookies) > 0 {
		if err := json.Unmarshal(cookies, &sess.Cookies); err != nil {
			return nil, err
		}
	}
	if proxy != nil {
		sess.Proxy = *proxy
	}

	return &sess, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
