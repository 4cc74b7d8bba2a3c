// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"testing"

	"github.com/agentcache/uplink/pkg/edge"
	"github.com/agentcache/uplink/pkg/types"

	"github.com/stretchr/testify/assert"
)

func rankedFixture(weights map[string]float64) []edge.RankedEdge {
	// Stable order: heaviest first, mirroring selector output.
	order := []string{"edge-a", "edge-b", "edge-c"}
	var out []edge.RankedEdge
	for _, id := range order {
		w, ok := weights[id]
		if !ok {
			continue
		}
		out = append(out, edge.RankedEdge{
			Edge:   &types.EdgeLocation{ID: id},
			Weight: w,
		})
	}
	return out
}

func TestAssignChunksProportional(t *testing.T) {
	ranked := rankedFixture(map[string]float64{
		"edge-a": 0.5,
		"edge-b": 0.3,
		"edge-c": 0.2,
	})

	assignments := assignChunks(10, ranked)

	counts := map[string]int{}
	for _, id := range assignments {
		counts[id]++
	}
	assert.Equal(t, 5, counts["edge-a"])
	assert.Equal(t, 3, counts["edge-b"])
	assert.Equal(t, 2, counts["edge-c"])
}

func TestAssignChunksDeterministic(t *testing.T) {
	ranked := rankedFixture(map[string]float64{
		"edge-a": 0.6,
		"edge-b": 0.4,
	})

	first := assignChunks(17, ranked)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, assignChunks(17, ranked))
	}
}

func TestAssignChunksSingleEdge(t *testing.T) {
	ranked := rankedFixture(map[string]float64{"edge-a": 1.0})

	for _, id := range assignChunks(7, ranked) {
		assert.Equal(t, "edge-a", id)
	}
}

func TestAssignChunksNoEdges(t *testing.T) {
	assignments := assignChunks(3, nil)
	assert.Len(t, assignments, 3)
	for _, id := range assignments {
		assert.Empty(t, id)
	}
}
