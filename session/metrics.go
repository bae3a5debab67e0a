package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rankmybrand/relay/metric"
)

// managerMetrics holds Prometheus metrics for the session manager
type managerMetrics struct {
	sessionsCreated     *prometheus.CounterVec
	sessionsRotated     *prometheus.CounterVec
	sessionsInvalidated *prometheus.CounterVec
	sessionsExpired     prometheus.Counter
	cacheHits           *prometheus.CounterVec
	cacheMisses         prometheus.Counter
	activeSessions      prometheus.Gauge
}

// newManagerMetrics creates and registers manager metrics.
// Returns nil if no registry is provided (nil input = nil feature pattern).
func newManagerMetrics(registry *metric.Registry) *managerMetrics {
	if registry == nil {
		return nil
	}

	m := &managerMetrics{
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Sessions created",
		}, []string{"platform"}),

		sessionsRotated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "session",
			Name:      "rotated_total",
			Help:      "Sessions rotated",
		}, []string{"platform"}),

		sessionsInvalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "session",
			Name:      "invalidated_total",
			Help:      "Sessions invalidated",
		}, []string{"platform"}),

		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "session",
			Name:      "expired_total",
			Help:      "Sessions retired by the expiry sweep",
		}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "session",
			Name:      "cache_hits_total",
			Help:      "Session cache hits by tier",
		}, []string{"tier"}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "session",
			Name:      "cache_misses_total",
			Help:      "Session cache misses across both tiers",
		}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently held in the in-process cache",
		}),
	}

	registry.MustRegister(
		m.sessionsCreated,
		m.sessionsRotated,
		m.sessionsInvalidated,
		m.sessionsExpired,
		m.cacheHits,
		m.cacheMisses,
		m.activeSessions,
	)

	return m
}

func (m *managerMetrics) recordCreated(platform string) {
	if m != nil {
		m.sessionsCreated.WithLabelValues(platform).Inc()
	}
}

func (m *managerMetrics) recordRotated(platform string) {
	if m != nil {
		m.sessionsRotated.WithLabelValues(platform).Inc()
	}
}

func (m *managerMetrics) recordInvalidated(platform string) {
	if m != nil {
		m.sessionsInvalidated.WithLabelValues(platform).Inc()
	}
}

func (m *managerMetrics) recordExpired(count int64) {
	if m != nil && count > 0 {
		m.sessionsExpired.Add(float64(count))
	}
}

func (m *managerMetrics) recordCacheHit(tier string) {
	if m != nil {
		m.cacheHits.WithLabelValues(tier).Inc()
	}
}

func (m *managerMetrics) recordCacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *managerMetrics) setActive(count int) {
	if m != nil {
		m.activeSessions.Set(float64(count))
	}
}
