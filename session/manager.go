package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rankmybrand/relay/errors"
	"github.com/rankmybrand/relay/metric"
)

// ManagerConfig controls session lifetimes and background maintenance.
type ManagerConfig struct {
	// RotationInterval is how often each platform's session is proactively
	// replaced. Must not exceed MaxSessionAge or sessions would expire
	// between rotations.
	RotationInterval time.Duration

	// MaxSessionAge bounds how long a session stays valid after creation.
	// It also sets the TTL on both cache tiers.
	MaxSessionAge time.Duration

	// SweepInterval is how often expired rows are retired in the store and
	// stale cache entries purged.
	SweepInterval time.Duration

	// Proxy, when set, is attached to every new session.
	Proxy string
}

// Validate checks the config before the manager starts.
func (c ManagerConfig) Validate() error {
	if c.RotationInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "session", "Validate", "rotation interval must be positive")
	}
	if c.MaxSessionAge <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "session", "Validate", "max session age must be positive")
	}
	if c.RotationInterval > c.MaxSessionAge {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "session", "Validate",
			fmt.Sprintf("rotation interval %s exceeds max session age %s", c.RotationInterval, c.MaxSessionAge))
	}
	if c.SweepInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "session", "Validate", "sweep interval must be positive")
	}
	return nil
}

// Manager owns the session lifecycle for every registered platform: create,
// reuse, rotate, invalidate, and expire. Reads go through the two-tier cache;
// the durable store is the source of truth.
type Manager struct {
	cfg     ManagerConfig
	store   Store
	cache   *tierCache
	logger  *slog.Logger
	metrics *managerMetrics

	// platformLocks serializes create/rotate per platform so concurrent
	// callers never race two sessions into existence for the same platform.
	platforms     map[string]Platform
	platformLocks map[string]*sync.Mutex
	platformMu    sync.RWMutex

	now func() time.Time

	mu          sync.Mutex
	initialized bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager wires a manager from its collaborators. Call Initialize before
// any session operation.
func NewManager(cfg ManagerConfig, store Store, fast FastCache, registry *metric.Registry, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "session", "NewManager", "store is required")
	}
	if fast == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "session", "NewManager", "fast cache is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")

	return &Manager{
		cfg:           cfg,
		store:         store,
		logger:        logger,
		metrics:       newManagerMetrics(registry),
		platforms:     make(map[string]Platform),
		platformLocks: make(map[string]*sync.Mutex),
		now:           time.Now,
		cache: newTierCache(context.Background(), fast, cfg.MaxSessionAge, logger),
	}, nil
}

// Initialize loads the platform registry, warms both cache tiers from the
// durable store, and starts the rotation and expiry goroutines. An empty
// registry is not an error; the manager just idles until platforms appear.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return errors.ErrAlreadyStarted
	}

	if err := m.refreshPlatforms(ctx); err != nil {
		return errors.WrapTransient(err, "session", "Initialize", "load platform registry")
	}
	if err := m.warmCache(ctx); err != nil {
		return errors.WrapTransient(err, "session", "Initialize", "warm session cache")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.initialized = true

	m.startRotation(runCtx)

	m.wg.Add(1)
	go m.sweepLoop(runCtx)

	m.platformMu.RLock()
	count := len(m.platforms)
	m.platformMu.RUnlock()
	m.logger.Info("session manager started",
		"platforms", count,
		"rotation_interval", m.cfg.RotationInterval,
		"max_session_age", m.cfg.MaxSessionAge)
	return nil
}

// Shutdown stops the background goroutines, waits for in-flight rotations,
// and releases the in-process cache. Durable state is left intact.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.cache.close()
	m.initialized = false
	m.logger.Info("session manager stopped")
}

// GetOrCreate returns the platform's current valid session, creating one if
// none exists. A cache hit refreshes lastUsed and rewrites both tiers.
func (m *Manager) GetOrCreate(ctx context.Context, platform string) (*Session, error) {
	lock, err := m.lockFor(ctx, platform)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	if sess, tier, ok := m.cache.get(ctx, platform); ok {
		if sess.Valid(now) {
			m.metrics.recordCacheHit(tier)
			m.touch(ctx, sess, now)
			m.cache.put(ctx, platform, sess)
			return sess, nil
		}
		// Stale entry: retire it before minting a replacement.
		m.retire(ctx, sess)
	}
	m.metrics.recordCacheMiss()

	return m.create(ctx, platform)
}

// Rotate retires the platform's current session and creates a fresh one.
// The old session is invalidated before the new one exists, so a brief
// window with no cached session is expected.
func (m *Manager) Rotate(ctx context.Context, platform string) (*Session, error) {
	lock, err := m.lockFor(ctx, platform)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	if sess, _, ok := m.cache.get(ctx, platform); ok {
		m.retire(ctx, sess)
	}

	sess, err := m.create(ctx, platform)
	if err != nil {
		return nil, err
	}
	m.metrics.recordRotated(platform)
	m.logger.Info("session rotated", "platform", platform, "session_id", sess.ID)
	return sess, nil
}

// Invalidate retires a session in the store and drops it from both cache
// tiers. Unknown or already-inactive sessions are a no-op.
func (m *Manager) Invalidate(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	if err := m.store.Deactivate(ctx, sess.ID); err != nil {
		return errors.WrapTransient(err, "session", "Invalidate", "deactivate session")
	}
	m.cache.invalidate(ctx, sess.Platform)
	m.metrics.recordInvalidated(sess.Platform)
	m.logger.Info("session invalidated", "platform", sess.Platform, "session_id", sess.ID)
	return nil
}

// UpdateCookies replaces a session's cookie jar, persists it, and rewrites
// both cache tiers. A session missing from the in-process cache is loaded
// from the store; an unknown or no-longer-valid id returns
// ErrSessionNotFound.
func (m *Manager) UpdateCookies(ctx context.Context, id string, cookies []Cookie) error {
	sess, platform, ok := m.cache.byID(id)
	if !ok {
		stored, err := m.store.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, errors.ErrSessionNotFound) {
				return errors.WrapInvalid(errors.ErrSessionNotFound, "session", "UpdateCookies", "locate session "+id)
			}
			return errors.WrapTransient(err, "session", "UpdateCookies", "load session from store")
		}
		if !stored.Valid(m.now()) {
			return errors.WrapInvalid(errors.ErrSessionNotFound, "session", "UpdateCookies", "session "+id+" is no longer valid")
		}
		sess, platform = stored, stored.Platform
	}

	lock, err := m.lockFor(ctx, platform)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	sess.Cookies = cookies
	if err := m.store.UpdateCookies(ctx, id, cookies); err != nil {
		return errors.WrapTransient(err, "session", "UpdateCookies", "persist cookies")
	}
	m.cache.put(ctx, platform, sess)
	return nil
}

// ActiveSessions returns the currently valid sessions held in the in-process
// cache. It never touches the store and never mutates lastUsed.
func (m *Manager) ActiveSessions() []*Session {
	now := m.now()
	var active []*Session
	for _, sess := range m.cache.snapshot() {
		if sess.Valid(now) {
			active = append(active, sess)
		}
	}
	m.metrics.setActive(len(active))
	return active
}

// SessionMetrics reports aggregate counts straight from the durable store.
func (m *Manager) SessionMetrics(ctx context.Context) (Metrics, error) {
	metrics, err := m.store.SessionMetrics(ctx)
	if err != nil {
		return Metrics{}, errors.WrapTransient(err, "session", "SessionMetrics", "query session metrics")
	}
	return metrics, nil
}

// create mints a session for the platform, persists it, and writes both
// cache tiers. Caller must hold the platform lock.
func (m *Manager) create(ctx context.Context, platform string) (*Session, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, errors.WrapFatal(err, "session", "create", "generate token")
	}

	now := m.now()
	lastUsed := now
	expiresAt := now.Add(m.cfg.MaxSessionAge)
	sess := &Session{
		ID:        NewSessionID(),
		Platform:  platform,
		Token:     token,
		UserAgent: RandomUserAgent(),
		Proxy:     m.cfg.Proxy,
		IsActive:  true,
		CreatedAt: now,
		LastUsed:  &lastUsed,
		ExpiresAt: &expiresAt,
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, errors.WrapTransient(err, "session", "create", "persist session")
	}
	m.cache.put(ctx, platform, sess)
	m.metrics.recordCreated(platform)
	m.logger.Info("session created",
		"platform", platform,
		"session_id", sess.ID,
		"token", TokenFingerprint(token),
		"expires_at", expiresAt)
	return sess, nil
}

// touch refreshes lastUsed in memory and best-effort in the store. A store
// failure here does not fail the lookup; the session itself is still good.
func (m *Manager) touch(ctx context.Context, sess *Session, now time.Time) {
	sess.Touch(now)
	if err := m.store.UpdateLastUsed(ctx, sess.ID, now); err != nil {
		m.logger.Warn("last-used update failed", "session_id", sess.ID, "error", err)
	}
}

// retire deactivates a session without surfacing store errors; callers are
// on their way to creating a replacement and the sweep catches stragglers.
func (m *Manager) retire(ctx context.Context, sess *Session) {
	if err := m.store.Deactivate(ctx, sess.ID); err != nil {
		m.logger.Warn("session deactivate failed", "session_id", sess.ID, "error", err)
	}
	m.cache.invalidate(ctx, sess.Platform)
	m.metrics.recordInvalidated(sess.Platform)
}

// lockFor returns the per-platform mutex, refreshing the registry once when
// the platform is unknown so newly registered platforms work without a
// restart.
func (m *Manager) lockFor(ctx context.Context, platform string) (*sync.Mutex, error) {
	m.platformMu.RLock()
	lock, ok := m.platformLocks[platform]
	m.platformMu.RUnlock()
	if ok {
		return lock, nil
	}

	if err := m.refreshPlatforms(ctx); err != nil {
		return nil, errors.WrapTransient(err, "session", "lockFor", "refresh platform registry")
	}

	m.platformMu.RLock()
	lock, ok = m.platformLocks[platform]
	m.platformMu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownPlatform, "session", "lockFor", "resolve platform "+platform)
	}
	return lock, nil
}

// warmCache loads the still-valid sessions from the store into both cache
// tiers so sessions issued before a restart keep being served instead of
// being silently replaced by fresh ones.
func (m *Manager) warmCache(ctx context.Context) error {
	sessions, err := m.store.ActiveSessions(ctx)
	if err != nil {
		return err
	}

	now := m.now()
	warmed := 0
	for _, sess := range sessions {
		if !sess.Valid(now) {
			continue
		}
		m.cache.put(ctx, sess.Platform, sess)
		warmed++
	}
	if warmed > 0 {
		m.logger.Info("session cache warmed", "sessions", warmed)
	}
	return nil
}

// refreshPlatforms reloads the registry from the store. Locks for removed
// platforms are kept; a retired platform's in-flight operations still need
// to finish.
func (m *Manager) refreshPlatforms(ctx context.Context) error {
	platforms, err := m.store.ActivePlatforms(ctx)
	if err != nil {
		return err
	}

	m.platformMu.Lock()
	defer m.platformMu.Unlock()
	for _, p := range platforms {
		m.platforms[p.ID] = p
		if _, ok := m.platformLocks[p.ID]; !ok {
			m.platformLocks[p.ID] = &sync.Mutex{}
		}
	}
	return nil
}
