// Package analytics implements the Analytics Views: parameterized read-only
// queries over the event log and its projections (subtask_runs,
// reservations, events) plus the regression detector from spec §8 S7. No
// new dependency — plain database/sql, same driver the rest of the system
// opens through internal/storage, queried in the style of
// pkg/services/session_service.go's aggregate helpers.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/swarmlog/swarmlog/internal/apperrors"
)

// Views runs read-only aggregate queries against the pooled database. It
// holds no state of its own beyond the connection.
type Views struct {
	db *sql.DB
}

func NewViews(db *sql.DB) *Views {
	return &Views{db: db}
}

// LatencyStats summarizes how long finished (completed or failed) subtask
// runs take, in milliseconds, from claim to their last update.
type LatencyStats struct {
	Count  int64
	P50Ms  float64
	P95Ms  float64
	AvgMs  float64
	MaxMs  float64
}

// Latency reports claim-to-completion latency for runs that reached a
// terminal state (completed or failed) within the window.
func (v *Views) Latency(ctx context.Context, projectKey string, since time.Time) (LatencyStats, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT updated_at_ms - claimed_at_ms AS duration_ms
		   FROM subtask_runs
		  WHERE project_key = $1
		    AND state IN ('completed', 'failed')
		    AND claimed_at_ms IS NOT NULL
		    AND updated_at_ms >= $2
		  ORDER BY duration_ms ASC`,
		projectKey, since.UnixMilli(),
	)
	if err != nil {
		return LatencyStats{}, fmt.Errorf("%w: latency query: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var durations []float64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return LatencyStats{}, fmt.Errorf("%w: latency scan: %v", apperrors.ErrStorageUnavailable, err)
		}
		durations = append(durations, float64(d))
	}
	if err := rows.Err(); err != nil {
		return LatencyStats{}, fmt.Errorf("%w: latency rows: %v", apperrors.ErrStorageUnavailable, err)
	}

	return summarizeDurations(durations), nil
}

func summarizeDurations(ds []float64) LatencyStats {
	n := len(ds)
	if n == 0 {
		return LatencyStats{}
	}
	var sum, max float64
	for _, d := range ds {
		sum += d
		if d > max {
			max = d
		}
	}
	return LatencyStats{
		Count: int64(n),
		P50Ms: percentile(ds, 0.50),
		P95Ms: percentile(ds, 0.95),
		AvgMs: sum / float64(n),
		MaxMs: max,
	}
}

// percentile assumes ds is already sorted ascending.
func percentile(ds []float64, p float64) float64 {
	n := len(ds)
	if n == 0 {
		return 0
	}
	idx := int(p * float64(n-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return ds[idx]
}

// ThroughputPoint is a completed-run count within one bucket of the window.
type ThroughputPoint struct {
	BucketStartMs int64
	Completed     int64
	Failed        int64
}

// Throughput buckets run completions into bucketSize windows since the
// given start, newest bucket last.
func (v *Views) Throughput(ctx context.Context, projectKey string, since time.Time, bucketSize time.Duration) ([]ThroughputPoint, error) {
	if bucketSize <= 0 {
		bucketSize = time.Hour
	}
	bucketMs := bucketSize.Milliseconds()
	rows, err := v.db.QueryContext(ctx,
		`SELECT (updated_at_ms / $3) * $3 AS bucket, state, COUNT(*)
		   FROM subtask_runs
		  WHERE project_key = $1
		    AND state IN ('completed', 'failed')
		    AND updated_at_ms >= $2
		  GROUP BY bucket, state
		  ORDER BY bucket ASC`,
		projectKey, since.UnixMilli(), bucketMs,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: throughput query: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	byBucket := make(map[int64]*ThroughputPoint)
	var order []int64
	for rows.Next() {
		var bucket int64
		var state string
		var count int64
		if err := rows.Scan(&bucket, &state, &count); err != nil {
			return nil, fmt.Errorf("%w: throughput scan: %v", apperrors.ErrStorageUnavailable, err)
		}
		p, ok := byBucket[bucket]
		if !ok {
			p = &ThroughputPoint{BucketStartMs: bucket}
			byBucket[bucket] = p
			order = append(order, bucket)
		}
		switch state {
		case "completed":
			p.Completed = count
		case "failed":
			p.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: throughput rows: %v", apperrors.ErrStorageUnavailable, err)
	}

	points := make([]ThroughputPoint, 0, len(order))
	for _, b := range order {
		points = append(points, *byBucket[b])
	}
	return points, nil
}

// ErrorRate reports the failed-run share over the window.
type ErrorRate struct {
	Total   int64
	Failed  int64
	Percent float64
}

func (v *Views) Errors(ctx context.Context, projectKey string, since time.Time) (ErrorRate, error) {
	var total, failed int64
	err := v.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE state = 'failed')
		   FROM subtask_runs
		  WHERE project_key = $1
		    AND state IN ('completed', 'failed')
		    AND updated_at_ms >= $2`,
		projectKey, since.UnixMilli(),
	).Scan(&total, &failed)
	if err != nil {
		return ErrorRate{}, fmt.Errorf("%w: error rate query: %v", apperrors.ErrStorageUnavailable, err)
	}
	rate := ErrorRate{Total: total, Failed: failed}
	if total > 0 {
		rate.Percent = float64(failed) / float64(total) * 100
	}
	return rate, nil
}

// SaturationStats reports how busy the worker pool is: active (claimed, not
// yet terminal) runs versus runs still waiting to be claimed.
type SaturationStats struct {
	Active  int64
	Pending int64
}

func (v *Views) Saturation(ctx context.Context, projectKey string) (SaturationStats, error) {
	var stats SaturationStats
	err := v.db.QueryRowContext(ctx,
		`SELECT
		    COUNT(*) FILTER (WHERE state NOT IN ('completed', 'failed') AND claimed_at_ms IS NOT NULL),
		    COUNT(*) FILTER (WHERE state IN ('spawned', 'retry'))
		   FROM subtask_runs
		  WHERE project_key = $1`,
		projectKey,
	).Scan(&stats.Active, &stats.Pending)
	if err != nil {
		return SaturationStats{}, fmt.Errorf("%w: saturation query: %v", apperrors.ErrStorageUnavailable, err)
	}
	return stats, nil
}

// ContentionPoint is a path pattern with more than one overlapping active
// reservation holder — a proxy for how often agents collide over files.
type ContentionPoint struct {
	PathPattern string
	Holders     int64
}

// Contention reports path patterns currently held by more than one active
// reservation (only possible for non-exclusive/shared holds, or exclusive
// holds briefly racing before the overlap check rejects one — surfacing
// these helps tune reservation granularity).
func (v *Views) Contention(ctx context.Context, projectKey string) ([]ContentionPoint, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT path_pattern, COUNT(*) AS holders
		   FROM reservations
		  WHERE project_key = $1
		    AND released_at_ms IS NULL
		    AND (expires_at_ms IS NULL OR expires_at_ms > $2)
		  GROUP BY path_pattern
		  HAVING COUNT(*) > 1
		  ORDER BY holders DESC`,
		projectKey, time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: contention query: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var points []ContentionPoint
	for rows.Next() {
		var p ContentionPoint
		if err := rows.Scan(&p.PathPattern, &p.Holders); err != nil {
			return nil, fmt.Errorf("%w: contention scan: %v", apperrors.ErrStorageUnavailable, err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: contention rows: %v", apperrors.ErrStorageUnavailable, err)
	}
	return points, nil
}
