// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunkplan derives chunk size and transfer parallelism from
// file size and the number of selected edges.
package chunkplan

import (
	"errors"
	"fmt"
)

const (
	// Chunk size bands. Larger files get larger chunks to bound total
	// chunk count; smaller files get smaller chunks to bound per-chunk
	// overhead.
	SmallChunkSize  = 10 * 1024 * 1024  // 10MB
	MediumChunkSize = 50 * 1024 * 1024  // 50MB
	LargeChunkSize  = 100 * 1024 * 1024 // 100MB

	// Band boundaries.
	SmallFileLimit  = 100 * 1024 * 1024       // 100MB
	MediumFileLimit = 10 * 1024 * 1024 * 1024 // 10GB

	// StreamsPerEdge is the number of concurrent streams opened per
	// selected edge.
	StreamsPerEdge = 6

	// MaxParallelism caps total concurrent chunk transfers regardless
	// of edge count.
	MaxParallelism = 24
)

var ErrInvalidFileSize = errors.New("file size must be positive")

// Plan is a chunking strategy for one upload.
type Plan struct {
	ChunkSize   int64 `json:"chunk_size"`
	ChunkCount  int   `json:"chunk_count"`
	Parallelism int   `json:"parallelism"`
}

// Compute returns the chunk plan for a file. Invariants:
// ChunkCount = ceil(fileSize/ChunkSize), so ChunkSize*ChunkCount >=
// fileSize and the final chunk may be short. Parallelism is monotonic
// non-decreasing in edgeCount.
func Compute(fileSize int64, edgeCount int) (Plan, error) {
	if fileSize <= 0 {
		return Plan{}, fmt.Errorf("%w: %d", ErrInvalidFileSize, fileSize)
	}
	if edgeCount < 1 {
		edgeCount = 1
	}

	var chunkSize int64
	switch {
	case fileSize < SmallFileLimit:
		chunkSize = SmallChunkSize
	case fileSize < MediumFileLimit:
		chunkSize = MediumChunkSize
	default:
		chunkSize = LargeChunkSize
	}

	count := int((fileSize + chunkSize - 1) / chunkSize)

	parallelism := edgeCount * StreamsPerEdge
	if parallelism > MaxParallelism {
		parallelism = MaxParallelism
	}

	return Plan{
		ChunkSize:   chunkSize,
		ChunkCount:  count,
		Parallelism: parallelism,
	}, nil
}

// ChunkLength returns the byte length of chunk index within a file of
// totalSize under this plan. The final chunk may be shorter.
func (p Plan) ChunkLength(index int, totalSize int64) int64 {
	start := int64(index) * p.ChunkSize
	remaining := totalSize - start
	if remaining < p.ChunkSize {
		return remaining
	}
	return p.ChunkSize
}
