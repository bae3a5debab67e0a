// Package session implements the lifecycle manager for per-platform
// automation sessions: issuance, two-tier caching, rotation, and
// invalidation, backed by a durable store and a fast cache.
package session

import (
	"time"
)

// Cookie is one opaque key/value/attribute record carried by a session
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain,omitempty"`
	Path     string     `json:"path,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
	HTTPOnly bool       `json:"http_only,omitempty"`
}

// Session is a leased automation identity for one platform.
//
// State machine: Active -> Stale/Expired -> Inactive (terminal). Rows are
// soft-retired (IsActive=false), never deleted, so the store keeps history
// for audit.
type Session struct {
	ID        string     `json:"id"`
	Platform  string     `json:"platform"`
	Token     string     `json:"token"`
	Cookies   []Cookie   `json:"cookies"`
	UserAgent string     `json:"user_agent"`
	Proxy     string     `json:"proxy,omitempty"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the session may still be handed out: it must be
// active and either carry no expiry or expire in the future. Recency of
// LastUsed never invalidates a session on its own.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || !s.IsActive {
		return false
	}
	if s.ExpiresAt == nil {
		return true
	}
	return s.ExpiresAt.After(now)
}

// Touch refreshes the last-used timestamp
func (s *Session) Touch(now time.Time) {
	t := now
	s.LastUsed = &t
}

// Platform is a registry entry. The registry is external configuration;
// the session manager only reads it.
type Platform struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// Metrics are aggregate session counts sourced from the durable store,
// not the cache, so they reflect ground truth.
type Metrics struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	Expired    int            `json:"expired"`
	ByPlatform map[string]int `json:"by_platform"`
}
