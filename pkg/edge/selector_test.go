// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package edge

import (
	"context"
	"testing"
	"time"

	"github.com/agentcache/uplink/pkg/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureRegistry(t *testing.T, metrics map[string]types.EdgeMetric) *MemoryRegistry {
	t.Helper()

	locations := map[string]types.GeoPoint{
		"edge-ams": {Lat: 52.37, Lon: 4.90},
		"edge-fra": {Lat: 50.11, Lon: 8.68},
		"edge-nyc": {Lat: 40.71, Lon: -74.00},
		"edge-sfo": {Lat: 37.77, Lon: -122.42},
		"edge-sin": {Lat: 1.35, Lon: 103.82},
	}

	r := NewMemoryRegistry()
	for id, m := range metrics {
		err := r.Register(context.Background(), &types.EdgeLocation{
			ID:        id,
			URL:       "https://" + id + ".example.com",
			Location:  locations[id],
			CostPerGB: 0.04,
			Active:    true,
		})
		require.NoError(t, err)
		require.NoError(t, r.RecordMetric(context.Background(), m))
	}
	return r
}

func defaultMetrics() map[string]types.EdgeMetric {
	return map[string]types.EdgeMetric{
		"edge-ams": {EdgeID: "edge-ams", LatencyMs: 12, LoadPercent: 35, BandwidthMbps: 900, ErrorRate: 0.001},
		"edge-fra": {EdgeID: "edge-fra", LatencyMs: 18, LoadPercent: 60, BandwidthMbps: 800, ErrorRate: 0.002},
		"edge-nyc": {EdgeID: "edge-nyc", LatencyMs: 85, LoadPercent: 40, BandwidthMbps: 1000, ErrorRate: 0.001},
		"edge-sfo": {EdgeID: "edge-sfo", LatencyMs: 140, LoadPercent: 10, BandwidthMbps: 950, ErrorRate: 0.005},
		"edge-sin": {EdgeID: "edge-sin", LatencyMs: 210, LoadPercent: 80, BandwidthMbps: 600, ErrorRate: 0.01},
	}
}

func TestSelectDeterminism(t *testing.T) {
	r := fixtureRegistry(t, defaultMetrics())
	s := NewSelector(r, SelectorConfig{})
	origin := &types.GeoPoint{Lat: 48.85, Lon: 2.35} // Paris

	first, err := s.Select(context.Background(), origin, types.PrioritySpeed, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := s.Select(context.Background(), origin, types.PrioritySpeed, nil)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("selection not deterministic (-first +again):\n%s", diff)
		}
	}
}

func TestSelectWeightsSumToOne(t *testing.T) {
	r := fixtureRegistry(t, defaultMetrics())
	s := NewSelector(r, SelectorConfig{})

	for _, priority := range []types.Priority{types.PrioritySpeed, types.PriorityCost, types.PriorityBalanced} {
		ranked, err := s.Select(context.Background(), nil, priority, nil)
		require.NoError(t, err)
		require.NotEmpty(t, ranked)

		var sum float64
		for _, re := range ranked {
			sum += re.Weight
		}
		assert.InDelta(t, 1.0, sum, 1e-9, "priority=%s", priority)
	}
}

func TestSelectSpeedPrefersLowLatency(t *testing.T) {
	r := fixtureRegistry(t, defaultMetrics())
	s := NewSelector(r, SelectorConfig{})

	ranked, err := s.Select(context.Background(), nil, types.PrioritySpeed, nil)
	require.NoError(t, err)

	// edge-ams has by far the best latency and near-best bandwidth.
	assert.Equal(t, "edge-ams", ranked[0].Edge.ID)
}

func TestSelectCostPrefersLowLoad(t *testing.T) {
	r := fixtureRegistry(t, defaultMetrics())
	s := NewSelector(r, SelectorConfig{})

	ranked, err := s.Select(context.Background(), nil, types.PriorityCost, nil)
	require.NoError(t, err)

	// Load dominates in cost mode; edge-sfo idles at 10%.
	assert.Equal(t, "edge-sfo", ranked[0].Edge.ID)
}

func TestSelectTieBreakByLatencyThenID(t *testing.T) {
	metrics := map[string]types.EdgeMetric{
		"edge-ams": {EdgeID: "edge-ams", LatencyMs: 10, LoadPercent: 50, BandwidthMbps: 500, ErrorRate: 0.001},
		"edge-fra": {EdgeID: "edge-fra", LatencyMs: 10, LoadPercent: 50, BandwidthMbps: 500, ErrorRate: 0.001},
		"edge-nyc": {EdgeID: "edge-nyc", LatencyMs: 10, LoadPercent: 50, BandwidthMbps: 500, ErrorRate: 0.001},
	}
	// Same location for all so distance carries no signal either.
	r := NewMemoryRegistry()
	for id, m := range metrics {
		require.NoError(t, r.Register(context.Background(), &types.EdgeLocation{
			ID: id, URL: "https://" + id, Active: true,
		}))
		require.NoError(t, r.RecordMetric(context.Background(), m))
	}
	s := NewSelector(r, SelectorConfig{})

	ranked, err := s.Select(context.Background(), nil, types.PriorityBalanced, nil)
	require.NoError(t, err)
	require.Len(t, ranked, 3)

	assert.Equal(t, "edge-ams", ranked[0].Edge.ID)
	assert.Equal(t, "edge-fra", ranked[1].Edge.ID)
	assert.Equal(t, "edge-nyc", ranked[2].Edge.ID)
}

func TestNormDegenerateMidpoint(t *testing.T) {
	assert.Equal(t, 0.5, norm(7, 7, 7))
	assert.Equal(t, 0.0, norm(10, 10, 20))
	assert.Equal(t, 1.0, norm(20, 10, 20))
	assert.Equal(t, 0.5, norm(15, 10, 20))
}

func TestScoreIgnoresSignallessFactor(t *testing.T) {
	// Identical bandwidth everywhere: ranking must come entirely from
	// the factors that still spread.
	metrics := map[string]types.EdgeMetric{
		"edge-ams": {EdgeID: "edge-ams", LatencyMs: 10, LoadPercent: 50, BandwidthMbps: 700, ErrorRate: 0.001},
		"edge-fra": {EdgeID: "edge-fra", LatencyMs: 90, LoadPercent: 50, BandwidthMbps: 700, ErrorRate: 0.001},
	}
	r := fixtureRegistry(t, metrics)
	s := NewSelector(r, SelectorConfig{})

	ranked, err := s.Select(context.Background(), nil, types.PrioritySpeed, nil)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "edge-ams", ranked[0].Edge.ID)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestSelectMaxEdgesCap(t *testing.T) {
	r := fixtureRegistry(t, defaultMetrics())
	s := NewSelector(r, SelectorConfig{MaxEdges: 3})

	ranked, err := s.Select(context.Background(), nil, types.PriorityBalanced, nil)
	require.NoError(t, err)
	assert.Len(t, ranked, 3)
}

func TestSelectExclude(t *testing.T) {
	r := fixtureRegistry(t, defaultMetrics())
	s := NewSelector(r, SelectorConfig{})

	exclude := map[string]struct{}{"edge-ams": {}, "edge-fra": {}}
	ranked, err := s.Select(context.Background(), nil, types.PrioritySpeed, exclude)
	require.NoError(t, err)

	for _, re := range ranked {
		assert.NotContains(t, exclude, re.Edge.ID)
	}
	assert.Len(t, ranked, 3)
}

func TestSelectNoEdges(t *testing.T) {
	r := NewMemoryRegistry()
	s := NewSelector(r, SelectorConfig{})

	_, err := s.Select(context.Background(), nil, types.PrioritySpeed, nil)
	assert.ErrorIs(t, err, ErrNoEdgesAvailable)
}

func TestSelectSkipsInactiveAndStale(t *testing.T) {
	r := fixtureRegistry(t, defaultMetrics())
	require.NoError(t, r.Deactivate(context.Background(), "edge-ams"))

	// edge-fra's only sample is old.
	stale := types.EdgeMetric{EdgeID: "edge-fra", LatencyMs: 1, BandwidthMbps: 9999, SampledAt: time.Now().Add(-time.Hour)}
	r2 := NewMemoryRegistry()
	require.NoError(t, r2.Register(context.Background(), &types.EdgeLocation{ID: "edge-fra", URL: "https://edge-fra", Active: true}))
	require.NoError(t, r2.RecordMetric(context.Background(), stale))

	s := NewSelector(r, SelectorConfig{})
	ranked, err := s.Select(context.Background(), nil, types.PrioritySpeed, nil)
	require.NoError(t, err)
	for _, re := range ranked {
		assert.NotEqual(t, "edge-ams", re.Edge.ID)
	}

	s2 := NewSelector(r2, SelectorConfig{})
	_, err = s2.Select(context.Background(), nil, types.PrioritySpeed, nil)
	assert.ErrorIs(t, err, ErrNoEdgesAvailable)
}
