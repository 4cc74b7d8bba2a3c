// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package chunkplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBands(t *testing.T) {
	tests := []struct {
		name      string
		fileSize  int64
		chunkSize int64
	}{
		{"tiny file small band", 1, SmallChunkSize},
		{"just under small limit", SmallFileLimit - 1, SmallChunkSize},
		{"at small limit moves to medium", SmallFileLimit, MediumChunkSize},
		{"one gigabyte medium band", 1 << 30, MediumChunkSize},
		{"just under medium limit", MediumFileLimit - 1, MediumChunkSize},
		{"at medium limit moves to large", MediumFileLimit, LargeChunkSize},
		{"fifty gigabytes large band", 50 << 30, LargeChunkSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Compute(tt.fileSize, 3)
			require.NoError(t, err)
			assert.Equal(t, tt.chunkSize, plan.ChunkSize)
		})
	}
}

func TestComputeChunkCountInvariant(t *testing.T) {
	sizes := []int64{1, 1024, 10 << 20, (10 << 20) + 1, 95 << 20, 1 << 30, 15 << 30}
	for _, size := range sizes {
		plan, err := Compute(size, 4)
		require.NoError(t, err)

		// chunkSize * count >= fileSize, and removing one chunk breaks it.
		assert.GreaterOrEqual(t, plan.ChunkSize*int64(plan.ChunkCount), size)
		assert.Less(t, plan.ChunkSize*int64(plan.ChunkCount-1), size)
	}
}

func TestComputeParallelism(t *testing.T) {
	tests := []struct {
		edgeCount   int
		parallelism int
	}{
		{1, 6},
		{2, 12},
		{4, 24},
		{5, 24}, // capped
		{10, 24},
		{0, 6}, // clamped to one edge
	}
	for _, tt := range tests {
		plan, err := Compute(1<<30, tt.edgeCount)
		require.NoError(t, err)
		assert.Equal(t, tt.parallelism, plan.Parallelism, "edgeCount=%d", tt.edgeCount)
	}
}

func TestComputeParallelismMonotonic(t *testing.T) {
	prev := 0
	for edges := 1; edges <= 8; edges++ {
		plan, err := Compute(1<<30, edges)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, plan.Parallelism, prev)
		prev = plan.Parallelism
	}
}

func TestComputeOneGiBFiveEdges(t *testing.T) {
	plan, err := Compute(1073741824, 5)
	require.NoError(t, err)

	assert.Equal(t, int64(MediumChunkSize), plan.ChunkSize)
	assert.Equal(t, 21, plan.ChunkCount)
	assert.Equal(t, 24, plan.Parallelism)
}

func TestComputeInvalidSize(t *testing.T) {
	_, err := Compute(0, 3)
	assert.ErrorIs(t, err, ErrInvalidFileSize)

	_, err = Compute(-1, 3)
	assert.ErrorIs(t, err, ErrInvalidFileSize)
}

func TestChunkLength(t *testing.T) {
	plan, err := Compute(25<<20, 2) // 25MB -> 3 x 10MB chunks
	require.NoError(t, err)
	require.Equal(t, 3, plan.ChunkCount)

	assert.Equal(t, int64(10<<20), plan.ChunkLength(0, 25<<20))
	assert.Equal(t, int64(10<<20), plan.ChunkLength(1, 25<<20))
	assert.Equal(t, int64(5<<20), plan.ChunkLength(2, 25<<20))

	var total int64
	for i := 0; i < plan.ChunkCount; i++ {
		total += plan.ChunkLength(i, 25<<20)
	}
	assert.Equal(t, int64(25<<20), total)
}
