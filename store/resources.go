package store

import (
	"context"
	"time"

	"github.com/rankmybrand/relay/errors"
)

// Resource names clients may request through the bridge
const (
	ResourceMetrics         = "metrics"
	ResourceRecommendations = "recommendations"
	ResourceCompetitors     = "competitors"
)

// Resource serves the bridge's synchronous fetch-and-reply commands. The
// payload comes from the durable store, not the stream, so a reply reflects
// committed state even when the log is lagging.
func (s *Postgres) Resource(ctx context.Context, name string) (any, error) {
	switch name {
	case ResourceMetrics:
		return s.latestMetrics(ctx)
	case ResourceRecommendations:
		return s.pendingRecommendations(ctx)
	case ResourceCompetitors:
		return s.trackedCompetitors(ctx)
	default:
		return nil, errors.ErrUnknownResource
	}
}

// MetricRow is one calculated brand metric
type MetricRow struct {
	Metric       string    `json:"metric"`
	Value        float64   `json:"value"`
	Platform     *string   `json:"platform,omitempty"`
	CalculatedAt time.Time `json:"calculated_at"`
}

func (s *Postgres) latestMetrics(ctx context.Context) ([]MetricRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (metric, platform_id)
		       metric, value, platform_id, calculated_at
		FROM brand_metrics
		ORDER BY metric, platform_id, calculated_at DESC
	`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "latestMetrics", "query rows")
	}
	defer rows.Close()

	var result []MetricRow
	for rows.Next() {
		var m MetricRow
		if err := rows.Scan(&m.Metric, &m.Value, &m.Platform, &m.CalculatedAt); err != nil {
			return nil, errors.WrapTransient(err, "Postgres", "latestMetrics", "scan row")
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// RecommendationRow is one open recommendation awaiting review
type RecommendationRow struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Postgres) pendingRecommendations(ctx context.Context) ([]RecommendationRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, status, priority, created_at
		FROM recommendations
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at
	`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "pendingRecommendations", "query rows")
	}
	defer rows.Close()

	var result []RecommendationRow
	for rows.Next() {
		var r RecommendationRow
		if err := rows.Scan(&r.ID, &r.Title, &r.Status, &r.Priority, &r.CreatedAt); err != nil {
			return nil, errors.WrapTransient(err, "Postgres", "pendingRecommendations", "scan row")
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// CompetitorRow is one tracked competitor
type CompetitorRow struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Domain     string    `json:"domain"`
	Visibility float64   `json:"visibility"`
	TrackedAt  time.Time `json:"tracked_at"`
}

func (s *Postgres) trackedCompetitors(ctx context.Context) ([]CompetitorRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, domain, visibility, tracked_at
		FROM competitors
		ORDER BY visibility DESC
	`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "trackedCompetitors", "query rows")
	}
	defer rows.Close()

	var result []CompetitorRow
	for rows.Next() {
		var c CompetitorRow
		if err := rows.Scan(&c.ID, &c.Name, &c.Domain, &c.Visibility, &c.TrackedAt); err != nil {
			return nil, errors.WrapTransient(err, "Postgres", "trackedCompetitors", "scan row")
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
