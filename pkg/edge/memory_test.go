// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package edge

import (
	"context"
	"testing"
	"time"

	"github.com/agentcache/uplink/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	e := &types.EdgeLocation{ID: "edge-1", URL: "https://edge-1.example.com", Active: true}
	require.NoError(t, r.Register(ctx, e))

	got, err := r.Get(ctx, "edge-1")
	require.NoError(t, err)
	assert.Equal(t, "edge-1", got.ID)
	assert.True(t, got.Active)

	assert.ErrorIs(t, r.Register(ctx, e), ErrEdgeExists)

	_, err = r.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrEdgeNotFound)
}

func TestRegistryDeactivate(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &types.EdgeLocation{ID: "edge-1", URL: "https://edge-1", Active: true}))
	require.NoError(t, r.Deactivate(ctx, "edge-1"))

	got, err := r.Get(ctx, "edge-1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	// Deactivated, never deleted.
	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.ErrorIs(t, r.Deactivate(ctx, "nope"), ErrEdgeNotFound)
}

func TestRegistryCandidatesUseLatestSample(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &types.EdgeLocation{ID: "edge-1", URL: "https://edge-1", Active: true}))
	require.NoError(t, r.RecordMetric(ctx, types.EdgeMetric{EdgeID: "edge-1", LatencyMs: 100}))
	require.NoError(t, r.RecordMetric(ctx, types.EdgeMetric{EdgeID: "edge-1", LatencyMs: 20}))

	candidates, err := r.Candidates(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, float64(20), candidates[0].Metric.LatencyMs)
}

func TestRegistryCandidatesSkipEdgesWithoutSamples(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &types.EdgeLocation{ID: "edge-1", URL: "https://edge-1", Active: true}))

	candidates, err := r.Candidates(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRegistryMetricRequiresKnownEdge(t *testing.T) {
	r := NewMemoryRegistry()
	err := r.RecordMetric(context.Background(), types.EdgeMetric{EdgeID: "ghost"})
	assert.ErrorIs(t, err, ErrEdgeNotFound)
}

func TestRegistryPruneMetrics(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &types.EdgeLocation{ID: "edge-1", URL: "https://edge-1", Active: true}))
	require.NoError(t, r.RecordMetric(ctx, types.EdgeMetric{EdgeID: "edge-1", SampledAt: time.Now().Add(-2 * time.Hour)}))
	require.NoError(t, r.RecordMetric(ctx, types.EdgeMetric{EdgeID: "edge-1", SampledAt: time.Now().Add(-90 * time.Minute)}))
	require.NoError(t, r.RecordMetric(ctx, types.EdgeMetric{EdgeID: "edge-1", LatencyMs: 5}))

	pruned, err := r.PruneMetrics(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	candidates, err := r.Candidates(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, float64(5), candidates[0].Metric.LatencyMs)
}
