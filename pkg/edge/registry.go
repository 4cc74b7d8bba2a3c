// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package edge

import (
	"context"
	"errors"
	"time"

	"github.com/agentcache/uplink/pkg/types"
)

// Common errors
var (
	ErrEdgeNotFound = errors.New("edge not found")
	ErrEdgeExists   = errors.New("edge already registered")
)

// Candidate pairs an active edge with its most recent metric sample.
type Candidate struct {
	Edge   *types.EdgeLocation
	Metric types.EdgeMetric
}

// Registry holds known edge endpoints and their live performance metrics.
// Metrics arrive from an external collector via RecordMetric; samples are
// append-only and pruned by age.
type Registry interface {
	// Register adds a new edge endpoint. Fails if the id is taken.
	Register(ctx context.Context, edge *types.EdgeLocation) error

	// Deactivate marks an edge inactive. Edges are never deleted.
	Deactivate(ctx context.Context, id string) error

	// Get returns an edge by id.
	Get(ctx context.Context, id string) (*types.EdgeLocation, error)

	// List returns all registered edges, active or not.
	List(ctx context.Context) ([]*types.EdgeLocation, error)

	// RecordMetric appends a performance sample for an edge.
	RecordMetric(ctx context.Context, metric types.EdgeMetric) error

	// Candidates returns active edges whose latest metric sample is no
	// older than staleness.
	Candidates(ctx context.Context, staleness time.Duration) ([]Candidate, error)

	// PruneMetrics drops samples older than maxAge and returns how many
	// were removed.
	PruneMetrics(ctx context.Context, maxAge time.Duration) (int, error)
}
