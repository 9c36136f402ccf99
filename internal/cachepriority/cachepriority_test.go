// Copyright 2025 James Ross
package cachepriority

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAbsoluteScoreComponents(t *testing.T) {
	s := RouteStats{AvgHourlyRequests: 100, AvgP95Latency: 500, AvgUniqueUsers: 40}
	// frequency: 100*10=1000, latency: 500/100=5, users: min(40/10,10)=4
	require.InDelta(t, 1009.0, AbsoluteScore(s), 0.0001)
}

func TestAbsoluteScoreCapsUserDiversityAtTen(t *testing.T) {
	s := RouteStats{AvgHourlyRequests: 0, AvgP95Latency: 0, AvgUniqueUsers: 500}
	require.InDelta(t, 10.0, AbsoluteScore(s), 0.0001)
}

func TestRelativeScoresSingleRouteRanksAtHundredthPercentile(t *testing.T) {
	scored := RelativeScores([]RouteStats{
		{Route: "/only", AvgHourlyRequests: 5, AvgP95Latency: 10, AvgUniqueUsers: 2},
	})
	require.Len(t, scored, 1)
	// a single-element distribution: value is <= itself, so percentile is 100
	// via searchsorted(side='right'), not the empty-distribution 50.0 default.
	require.InDelta(t, 100.0, scored[0].PopularityPercentile, 0.0001)
}

func TestRelativeScoresRanksHighestTrafficRouteFirst(t *testing.T) {
	stats := []RouteStats{
		{Route: "/low", AvgHourlyRequests: 1, AvgP95Latency: 10, AvgUniqueUsers: 1},
		{Route: "/high", AvgHourlyRequests: 1000, AvgP95Latency: 10, AvgUniqueUsers: 1},
		{Route: "/mid", AvgHourlyRequests: 50, AvgP95Latency: 10, AvgUniqueUsers: 1},
	}
	scored := RelativeScores(stats)

	var high, low RelativeScored
	for _, s := range scored {
		if s.Route == "/high" {
			high = s
		}
		if s.Route == "/low" {
			low = s
		}
	}
	require.Greater(t, high.PopularityPercentile, low.PopularityPercentile)
}

func TestRelativeScoreWeighting(t *testing.T) {
	// latency 40%, popularity 40%, user 20% — verify the weighted sum directly
	// against hand-picked percentiles using a 3-member distribution.
	stats := []RouteStats{
		{Route: "/a", AvgHourlyRequests: 1, AvgP95Latency: 1, AvgUniqueUsers: 1},
		{Route: "/b", AvgHourlyRequests: 2, AvgP95Latency: 2, AvgUniqueUsers: 2},
		{Route: "/c", AvgHourlyRequests: 3, AvgP95Latency: 3, AvgUniqueUsers: 3},
	}
	scored := RelativeScores(stats)
	for _, s := range scored {
		want := s.LatencyPercentile*0.4 + s.PopularityPercentile*0.4 + s.UserPercentile*0.2
		require.InDelta(t, want, s.PriorityScore, 0.0001)
	}
}

func TestPercentileClampedToHundred(t *testing.T) {
	require.Equal(t, 100.0, percentile(999, []float64{1, 2, 3}))
}

func TestPercentileEmptyDistributionDefaultsToFifty(t *testing.T) {
	require.Equal(t, 50.0, percentile(10, nil))
}
