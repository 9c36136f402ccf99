// Copyright 2025 James Ross
package analyticsrollup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/obs"
	"github.com/joeflack4/genonaut-sub002/pkg/clock"
	"go.uber.org/zap"
)

// Rollup computes hourly summaries of the two raw analytics tables and
// upserts them idempotently, grounded on tasks.py's
// aggregate_route_analytics_hourly / aggregate_generation_metrics_hourly.
// A reference clock lets tests pin "now" instead of relying on the
// database's NOW(), mirroring the original's reference_time parameter.
type Rollup struct {
	db    *sql.DB
	ch    *sql.DB // nil when ClickHouse mirroring is disabled
	clock clock.Clock
	log   *zap.Logger
}

func New(db *sql.DB, cfg *config.Config, clk clock.Clock, log *zap.Logger) (*Rollup, error) {
	r := &Rollup{db: db, clock: clk, log: log}
	if !cfg.ClickHouse.Enabled {
		return r, nil
	}
	ch := clickhouse.OpenDB(&clickhouse.Options{
		Addr:        []string{cfg.ClickHouse.DSN},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: 10 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ch.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	r.ch = ch
	return r, nil
}

const routeAnalyticsRollupSQL = `
	INSERT INTO route_analytics_hourly (
		timestamp, route, method, query_params_normalized,
		total_requests, successful_requests, client_errors, server_errors,
		avg_duration_ms, p50_duration_ms, p95_duration_ms, p99_duration_ms,
		unique_users, avg_request_size_bytes, avg_response_size_bytes,
		cache_hits, cache_misses, created_at
	)
	SELECT
		DATE_TRUNC('hour', timestamp) AS hour,
		route,
		method,
		query_params_normalized,
		COUNT(*) AS total_requests,
		SUM(CASE WHEN status_code >= 200 AND status_code < 300 THEN 1 ELSE 0 END) AS successful_requests,
		SUM(CASE WHEN status_code >= 400 AND status_code < 500 THEN 1 ELSE 0 END) AS client_errors,
		SUM(CASE WHEN status_code >= 500 THEN 1 ELSE 0 END) AS server_errors,
		AVG(duration_ms)::INTEGER AS avg_duration_ms,
		PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY duration_ms)::INTEGER AS p50_duration_ms,
		PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY duration_ms)::INTEGER AS p95_duration_ms,
		PERCENTILE_CONT(0.99) WITHIN GROUP (ORDER BY duration_ms)::INTEGER AS p99_duration_ms,
		COUNT(DISTINCT user_id) AS unique_users,
		AVG(request_size_bytes)::INTEGER AS avg_request_size_bytes,
		AVG(response_size_bytes)::INTEGER AS avg_response_size_bytes,
		COALESCE(SUM(CASE WHEN cache_status = 'hit' THEN 1 ELSE 0 END), 0) AS cache_hits,
		COALESCE(SUM(CASE WHEN cache_status = 'miss' THEN 1 ELSE 0 END), 0) AS cache_misses,
		CURRENT_TIMESTAMP AS created_at
	FROM route_analytics
	WHERE timestamp >= DATE_TRUNC('hour', $1::timestamptz - INTERVAL '1 hour')
		AND timestamp < DATE_TRUNC('hour', $1::timestamptz)
	GROUP BY hour, route, method, query_params_normalized
	ON CONFLICT (timestamp, route, method, query_params_normalized) DO UPDATE SET
		total_requests = EXCLUDED.total_requests,
		successful_requests = EXCLUDED.successful_requests,
		client_errors = EXCLUDED.client_errors,
		server_errors = EXCLUDED.server_errors,
		avg_duration_ms = EXCLUDED.avg_duration_ms,
		p50_duration_ms = EXCLUDED.p50_duration_ms,
		p95_duration_ms = EXCLUDED.p95_duration_ms,
		p99_duration_ms = EXCLUDED.p99_duration_ms,
		unique_users = EXCLUDED.unique_users,
		avg_request_size_bytes = EXCLUDED.avg_request_size_bytes,
		avg_response_size_bytes = EXCLUDED.avg_response_size_bytes,
		cache_hits = EXCLUDED.cache_hits,
		cache_misses = EXCLUDED.cache_misses`

// RollupRouteAnalytics aggregates the prior hour of route_analytics rows
// into route_analytics_hourly and mirrors the result into ClickHouse when
// enabled.
func (r *Rollup) RollupRouteAnalytics(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() { obs.AnalyticsRollupDuration.WithLabelValues("route_analytics").Observe(time.Since(start).Seconds()) }()

	ref := clock.TruncateHour(r.clock.Now())
	res, err := r.db.ExecContext(ctx, routeAnalyticsRollupSQL, ref)
	if err != nil {
		return 0, fmt.Errorf("aggregate route analytics: %w", err)
	}
	rows, _ := res.RowsAffected()

	if r.ch != nil {
		if err := r.mirrorRouteAnalytics(ctx, ref); err != nil {
			r.log.Warn("clickhouse route_analytics mirror failed", obs.Err(err))
		}
	}
	return rows, nil
}

// generationMetricsRollupSQL aggregates per hour only (§4.J.2: "no
// per-route partitioning for generation"), so its GROUP BY and its
// ON CONFLICT upsert key agree on (hour) alone. total_requests counts
// request-start events; successful/failed/cancelled_generations come from
// completion/cancellation events; duration percentiles are computed only
// over completion rows, where duration is non-null.
const generationMetricsRollupSQL = `
	INSERT INTO generation_metrics_hourly (
		timestamp, total_requests, successful_generations, failed_generations,
		cancelled_generations, avg_duration_ms, p50_duration_ms, p95_duration_ms,
		p99_duration_ms, unique_users, total_images_generated,
		avg_queue_wait_time_ms, created_at
	)
	SELECT
		DATE_TRUNC('hour', timestamp) AS hour,
		SUM(CASE WHEN event_type = 'request' THEN 1 ELSE 0 END) AS total_requests,
		SUM(CASE WHEN event_type = 'completion' AND success THEN 1 ELSE 0 END) AS successful_generations,
		SUM(CASE WHEN event_type = 'completion' AND NOT success THEN 1 ELSE 0 END) AS failed_generations,
		SUM(CASE WHEN event_type = 'cancellation' THEN 1 ELSE 0 END) AS cancelled_generations,
		AVG(CASE WHEN event_type = 'completion' THEN duration_ms ELSE NULL END)::INTEGER AS avg_duration_ms,
		PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY CASE WHEN event_type = 'completion' THEN duration_ms ELSE NULL END)::INTEGER AS p50_duration_ms,
		PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY CASE WHEN event_type = 'completion' THEN duration_ms ELSE NULL END)::INTEGER AS p95_duration_ms,
		PERCENTILE_CONT(0.99) WITHIN GROUP (ORDER BY CASE WHEN event_type = 'completion' THEN duration_ms ELSE NULL END)::INTEGER AS p99_duration_ms,
		COUNT(DISTINCT user_id) AS unique_users,
		COALESCE(SUM(CASE WHEN event_type = 'completion' AND success THEN COALESCE(batch_size, 1) ELSE 0 END), 0) AS total_images_generated,
		AVG(queue_wait_time_ms)::INTEGER AS avg_queue_wait_time_ms,
		CURRENT_TIMESTAMP AS created_at
	FROM generation_events
	WHERE timestamp >= DATE_TRUNC('hour', $1::timestamptz - INTERVAL '1 hour')
		AND timestamp < DATE_TRUNC('hour', $1::timestamptz)
	GROUP BY hour
	ON CONFLICT (timestamp) DO UPDATE SET
		total_requests = EXCLUDED.total_requests,
		successful_generations = EXCLUDED.successful_generations,
		failed_generations = EXCLUDED.failed_generations,
		cancelled_generations = EXCLUDED.cancelled_generations,
		avg_duration_ms = EXCLUDED.avg_duration_ms,
		p50_duration_ms = EXCLUDED.p50_duration_ms,
		p95_duration_ms = EXCLUDED.p95_duration_ms,
		p99_duration_ms = EXCLUDED.p99_duration_ms,
		unique_users = EXCLUDED.unique_users,
		total_images_generated = EXCLUDED.total_images_generated,
		avg_queue_wait_time_ms = EXCLUDED.avg_queue_wait_time_ms`

// RollupGenerationMetrics aggregates the prior hour of generation_events
// rows into generation_metrics_hourly.
func (r *Rollup) RollupGenerationMetrics(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() {
		obs.AnalyticsRollupDuration.WithLabelValues("generation_metrics").Observe(time.Since(start).Seconds())
	}()

	ref := clock.TruncateHour(r.clock.Now())
	res, err := r.db.ExecContext(ctx, generationMetricsRollupSQL, ref)
	if err != nil {
		return 0, fmt.Errorf("aggregate generation metrics: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// mirrorRouteAnalytics copies the just-computed hour's summary rows into
// ClickHouse. The cache priority analyzer does not read this mirror; it
// queries the Postgres route_analytics_hourly table.
func (r *Rollup) mirrorRouteAnalytics(ctx context.Context, hour time.Time) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT timestamp, route, method, query_params_normalized, total_requests,
			avg_duration_ms, p50_duration_ms, p95_duration_ms, p99_duration_ms, unique_users
		FROM route_analytics_hourly
		WHERE timestamp = $1`, hour.Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("select hourly rows for mirror: %w", err)
	}
	defer rows.Close()

	const insert = `INSERT INTO route_analytics_hourly_ch
		(timestamp, route, method, query_params_normalized, total_requests,
		 avg_duration_ms, p50_duration_ms, p95_duration_ms, p99_duration_ms, unique_users)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for rows.Next() {
		var ts time.Time
		var route, method, qpn string
		var total, avg, p50, p95, p99, unique int64
		if err := rows.Scan(&ts, &route, &method, &qpn, &total, &avg, &p50, &p95, &p99, &unique); err != nil {
			return err
		}
		if _, err := r.ch.ExecContext(ctx, insert, ts, route, method, qpn, total, avg, p50, p95, p99, unique); err != nil {
			return fmt.Errorf("insert clickhouse mirror row: %w", err)
		}
	}
	return rows.Err()
}
