package session

import (
	"context"
	"time"
)

// startRotation launches one rotation goroutine per registered platform.
// Each goroutine ticks independently so a slow platform never delays the
// others, and the per-platform lock inside Rotate keeps a tick from
// overlapping an on-demand create.
func (m *Manager) startRotation(ctx context.Context) {
	m.platformMu.RLock()
	defer m.platformMu.RUnlock()
	for id := range m.platforms {
		m.wg.Add(1)
		go m.rotateLoop(ctx, id)
	}
}

func (m *Manager) rotateLoop(ctx context.Context, platform string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.RotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Rotate(ctx, platform); err != nil {
				m.logger.Error("scheduled rotation failed", "platform", platform, "error", err)
			}
		}
	}
}

// sweepLoop periodically retires expired rows in the store and purges
// invalid cache entries. Sweeps run sequentially on one goroutine so they
// never overlap.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	now := m.now()

	expired, err := m.store.ExpireStale(ctx, now)
	if err != nil {
		m.logger.Warn("expiry sweep failed", "error", err)
	} else if expired > 0 {
		m.metrics.recordExpired(expired)
		m.logger.Info("expired sessions retired", "count", expired)
	}

	if purged := m.cache.purgeInvalid(ctx, now); purged > 0 {
		m.logger.Debug("stale cache entries purged", "count", purged)
	}
}
