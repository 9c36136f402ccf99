// Copyright 2025 James Ross
package cachepriority

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// RouteStats is one (route, method, query_params_normalized) group's
// aggregated statistics over the lookback window, grounded field-for-field
// on cache_analysis.py's SELECT.
type RouteStats struct {
	Route                 string
	Method                string
	QueryParamsNormalized string
	AvgHourlyRequests     float64
	AvgP95Latency         float64
	AvgP99Latency         float64
	AvgUniqueUsers        float64
	TotalRequests         int64
	SuccessRate           float64
}

// AbsoluteScored is a RouteStats plus its System 1 score.
type AbsoluteScored struct {
	RouteStats
	CachePriorityScore float64
}

// RelativeScored is a RouteStats plus its System 2 percentile scores.
type RelativeScored struct {
	RouteStats
	PriorityScore        float64
	PopularityPercentile float64
	LatencyPercentile    float64
	UserPercentile       float64
}

// AbsoluteScore computes the System 1 (production) priority score:
// traffic volume weighted 10x, p95 latency scaled down 100x, and user
// diversity capped at 10 points, grounded on
// cache_analysis.py's calculate_cache_priority_score.
func AbsoluteScore(s RouteStats) float64 {
	frequencyScore := s.AvgHourlyRequests * 10
	latencyScore := s.AvgP95Latency / 100
	userDiversityScore := s.AvgUniqueUsers / 10
	if userDiversityScore > 10 {
		userDiversityScore = 10
	}
	return frequencyScore + latencyScore + userDiversityScore
}

// distributions holds the full lookback-window value sets used to rank
// each route relative to its peers, grounded on
// cache_analysis_relative.py's get_top_routes_relative first pass.
type distributions struct {
	requests []float64
	latency  []float64
	users    []float64
}

// percentile returns the fraction (0-100) of values in a sorted
// distribution that are <= value, matching numpy.searchsorted(...,
// side='right') / len * 100. An empty distribution defaults to the
// median, exactly as the original does for routes with no peers yet.
func percentile(value float64, sorted []float64) float64 {
	if len(sorted) == 0 {
		return 50.0
	}
	idx := searchSortedRight(sorted, value)
	p := float64(idx) / float64(len(sorted)) * 100
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return p
}

// searchSortedRight returns the insertion index that keeps sorted values
// sorted, inserting value after any equal entries (numpy's side='right').
func searchSortedRight(sorted []float64, value float64) int {
	return sort.Search(len(sorted), func(i int) bool { return sorted[i] > value })
}

// RelativeScores computes the System 2 (development-friendly) percentile
// scores for every route in the batch against the batch's own
// distribution, grounded on
// cache_analysis_relative.py's calculate_relative_priority_score.
func RelativeScores(stats []RouteStats) []RelativeScored {
	dist := distributions{
		requests: make([]float64, len(stats)),
		latency:  make([]float64, len(stats)),
		users:    make([]float64, len(stats)),
	}
	for i, s := range stats {
		dist.requests[i] = s.AvgHourlyRequests
		dist.latency[i] = s.AvgP95Latency
		dist.users[i] = s.AvgUniqueUsers
	}
	sortedRequests := append([]float64(nil), dist.requests...)
	sortedLatency := append([]float64(nil), dist.latency...)
	sortedUsers := append([]float64(nil), dist.users...)
	sort.Float64s(sortedRequests)
	sort.Float64s(sortedLatency)
	sort.Float64s(sortedUsers)

	out := make([]RelativeScored, len(stats))
	for i, s := range stats {
		popularityPct := percentile(s.AvgHourlyRequests, sortedRequests)
		latencyPct := percentile(s.AvgP95Latency, sortedLatency)
		userPct := percentile(s.AvgUniqueUsers, sortedUsers)
		out[i] = RelativeScored{
			RouteStats:            s,
			PriorityScore:         latencyPct*0.4 + popularityPct*0.4 + userPct*0.2,
			PopularityPercentile:  popularityPct,
			LatencyPercentile:     latencyPct,
			UserPercentile:        userPct,
		}
	}
	return out
}

// Analyzer queries route_analytics_hourly and ranks routes by either
// scoring system, backing the three analytics REST endpoints.
type Analyzer struct {
	db *sql.DB
}

func New(db *sql.DB) *Analyzer {
	return &Analyzer{db: db}
}

const statsQueryBase = `
	SELECT
		route, method, query_params_normalized,
		AVG(total_requests) AS avg_hourly_requests,
		AVG(p95_duration_ms) AS avg_p95_latency,
		AVG(p99_duration_ms) AS avg_p99_latency,
		AVG(unique_users) AS avg_unique_users,
		SUM(total_requests) AS total_requests,
		AVG(successful_requests::FLOAT / NULLIF(total_requests, 0)) AS success_rate
	FROM route_analytics_hourly
	WHERE timestamp > NOW() - INTERVAL '1 day' * $1
	GROUP BY route, method, query_params_normalized`

// TopRoutesAbsolute implements System 1: absolute request-rate/latency
// thresholds, then ranks the survivors by AbsoluteScore and returns the
// top n, grounded on cache_analysis.py's get_top_routes_for_caching.
func (a *Analyzer) TopRoutesAbsolute(ctx context.Context, n, lookbackDays, minRequests, minLatencyMs int) ([]AbsoluteScored, error) {
	q := statsQueryBase + `
		HAVING AVG(total_requests) >= $2 AND AVG(p95_duration_ms) >= $3
		ORDER BY AVG(total_requests) * AVG(p95_duration_ms) DESC`
	rows, err := a.db.QueryContext(ctx, q, lookbackDays, minRequests, minLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("query absolute route stats: %w", err)
	}
	defer rows.Close()

	var scored []AbsoluteScored
	for rows.Next() {
		var s RouteStats
		if err := rows.Scan(&s.Route, &s.Method, &s.QueryParamsNormalized,
			&s.AvgHourlyRequests, &s.AvgP95Latency, &s.AvgP99Latency,
			&s.AvgUniqueUsers, &s.TotalRequests, &s.SuccessRate); err != nil {
			return nil, fmt.Errorf("scan route stats: %w", err)
		}
		scored = append(scored, AbsoluteScored{RouteStats: s, CachePriorityScore: AbsoluteScore(s)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].CachePriorityScore > scored[j].CachePriorityScore })
	if len(scored) > n {
		scored = scored[:n]
	}
	return scored, nil
}

// TopRoutesRelative implements System 2: no absolute thresholds, ranks
// every route with any traffic by its percentile score, grounded on
// cache_analysis_relative.py's get_top_routes_relative.
func (a *Analyzer) TopRoutesRelative(ctx context.Context, n, lookbackDays int) ([]RelativeScored, error) {
	q := statsQueryBase + ` HAVING AVG(total_requests) > 0`
	rows, err := a.db.QueryContext(ctx, q, lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("query relative route stats: %w", err)
	}
	defer rows.Close()

	var stats []RouteStats
	for rows.Next() {
		var s RouteStats
		if err := rows.Scan(&s.Route, &s.Method, &s.QueryParamsNormalized,
			&s.AvgHourlyRequests, &s.AvgP95Latency, &s.AvgP99Latency,
			&s.AvgUniqueUsers, &s.TotalRequests, &s.SuccessRate); err != nil {
			return nil, fmt.Errorf("scan route stats: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	scored := RelativeScores(stats)
	sort.Slice(scored, func(i, j int) bool { return scored[i].PriorityScore > scored[j].PriorityScore })
	if len(scored) > n {
		scored = scored[:n]
	}
	return scored, nil
}

// TrendPoint is one row of a route's performance-trends series.
type TrendPoint struct {
	Timestamp         string
	TotalRequests     int64
	SuccessfulReqs    int64
	ClientErrors      int64
	ServerErrors      int64
	AvgDurationMs     *int64
	P50DurationMs     *int64
	P95DurationMs     *int64
	P99DurationMs     *int64
	UniqueUsers       *int64
	SuccessRate       *float64
}

// PerformanceTrends returns a route's hourly or daily time series over
// the lookback window, grounded on analytics.py's get_performance_trends.
func (a *Analyzer) PerformanceTrends(ctx context.Context, route string, days int, hourly bool) ([]TrendPoint, error) {
	var q string
	var args []interface{}
	if hourly {
		q = `
			SELECT timestamp, total_requests, successful_requests, client_errors, server_errors,
				avg_duration_ms, p50_duration_ms, p95_duration_ms, p99_duration_ms, unique_users,
				(successful_requests::FLOAT / NULLIF(total_requests, 0)) AS success_rate
			FROM route_analytics_hourly
			WHERE route = $1 AND timestamp > (NOW() AT TIME ZONE 'UTC') - INTERVAL '1 day' * $2
			ORDER BY timestamp ASC`
		args = []interface{}{route, days}
	} else {
		q = `
			SELECT DATE_TRUNC('day', timestamp) AS timestamp,
				SUM(total_requests), SUM(successful_requests), SUM(client_errors), SUM(server_errors),
				AVG(avg_duration_ms)::INTEGER, AVG(p50_duration_ms)::INTEGER,
				AVG(p95_duration_ms)::INTEGER, AVG(p99_duration_ms)::INTEGER, AVG(unique_users)::INTEGER,
				(SUM(successful_requests)::FLOAT / NULLIF(SUM(total_requests), 0)) AS success_rate
			FROM route_analytics_hourly
			WHERE route = $1 AND timestamp >= DATE_TRUNC('day', (NOW() AT TIME ZONE 'UTC')) - INTERVAL '1 day' * $2
			GROUP BY DATE_TRUNC('day', timestamp)
			ORDER BY timestamp ASC`
		args = []interface{}{route, days - 1}
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query performance trends: %w", err)
	}
	defer rows.Close()

	var out []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Timestamp, &p.TotalRequests, &p.SuccessfulReqs, &p.ClientErrors,
			&p.ServerErrors, &p.AvgDurationMs, &p.P50DurationMs, &p.P95DurationMs,
			&p.P99DurationMs, &p.UniqueUsers, &p.SuccessRate); err != nil {
			return nil, fmt.Errorf("scan trend point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PeakHour is one hour-of-day bucket's traffic summary.
type PeakHour struct {
	Route          string
	HourOfDay      int
	AvgRequests    float64
	AvgP95Latency  float64
	AvgUniqueUsers float64
	DataPoints     int64
}

// PeakHours identifies which hour-of-day buckets see the most traffic,
// optionally scoped to one route, grounded on analytics.py's
// get_peak_hours.
func (a *Analyzer) PeakHours(ctx context.Context, route string, days, minRequests int) ([]PeakHour, error) {
	var q string
	var args []interface{}
	if route != "" {
		q = `
			SELECT route, EXTRACT(HOUR FROM timestamp) AS hour_of_day,
				AVG(total_requests), AVG(p95_duration_ms), AVG(unique_users), COUNT(*)
			FROM route_analytics_hourly
			WHERE route = $1 AND timestamp > NOW() - INTERVAL '1 day' * $2
			GROUP BY route, EXTRACT(HOUR FROM timestamp)
			ORDER BY AVG(total_requests) DESC`
		args = []interface{}{route, days}
	} else {
		q = `
			SELECT route, EXTRACT(HOUR FROM timestamp) AS hour_of_day,
				AVG(total_requests), AVG(p95_duration_ms), AVG(unique_users), COUNT(*)
			FROM route_analytics_hourly
			WHERE timestamp > NOW() - INTERVAL '1 day' * $1
			GROUP BY route, EXTRACT(HOUR FROM timestamp)
			HAVING AVG(total_requests) >= $2
			ORDER BY AVG(total_requests) DESC`
		args = []interface{}{days, minRequests}
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query peak hours: %w", err)
	}
	defer rows.Close()

	var out []PeakHour
	for rows.Next() {
		var p PeakHour
		if err := rows.Scan(&p.Route, &p.HourOfDay, &p.AvgRequests, &p.AvgP95Latency, &p.AvgUniqueUsers, &p.DataPoints); err != nil {
			return nil, fmt.Errorf("scan peak hour: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
