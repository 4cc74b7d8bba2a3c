// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package edge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentcache/uplink/pkg/logger"
	"github.com/agentcache/uplink/pkg/types"
	"github.com/agentcache/uplink/pkg/utils"
)

// Compile-time interface verification
var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry is an in-memory Registry implementation. Suitable for
// single-process deployments and tests; registration does not survive
// restarts.
type MemoryRegistry struct {
	mu      sync.RWMutex
	edges   map[string]*types.EdgeLocation
	samples map[string][]types.EdgeMetric // append-only per edge, oldest first
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		edges:   make(map[string]*types.EdgeLocation),
		samples: make(map[string][]types.EdgeMetric),
	}
}

// NewMemoryRegistryWithEdges creates a registry pre-populated with edges,
// typically loaded from a topology file.
func NewMemoryRegistryWithEdges(edges []*types.EdgeLocation) (*MemoryRegistry, error) {
	r := NewMemoryRegistry()
	for _, e := range edges {
		if err := r.Register(context.Background(), e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *MemoryRegistry) Register(ctx context.Context, edge *types.EdgeLocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.edges[edge.ID]; ok {
		return ErrEdgeExists
	}

	cp := *edge
	r.edges[edge.ID] = &cp
	registeredEdges.Inc()
	return nil
}

func (r *MemoryRegistry) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.edges[id]
	if !ok {
		return ErrEdgeNotFound
	}
	e.Active = false
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*types.EdgeLocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.edges[id]
	if !ok {
		return nil, ErrEdgeNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*types.EdgeLocation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.EdgeLocation, 0, len(r.edges))
	for _, e := range r.edges {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRegistry) RecordMetric(ctx context.Context, metric types.EdgeMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.edges[metric.EdgeID]; !ok {
		return ErrEdgeNotFound
	}
	if metric.SampledAt.IsZero() {
		metric.SampledAt = time.Now()
	}
	r.samples[metric.EdgeID] = append(r.samples[metric.EdgeID], metric)
	metricSamplesTotal.Inc()
	return nil
}

func (r *MemoryRegistry) Candidates(ctx context.Context, staleness time.Duration) ([]Candidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-staleness)
	var out []Candidate
	for id, e := range r.edges {
		if !e.Active {
			continue
		}
		samples := r.samples[id]
		if len(samples) == 0 {
			continue
		}
		latest := samples[len(samples)-1]
		if latest.SampledAt.Before(cutoff) {
			continue
		}
		cp := *e
		out = append(out, Candidate{Edge: &cp, Metric: latest})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Edge.ID < out[j].Edge.ID })
	return out, nil
}

func (r *MemoryRegistry) PruneMetrics(ctx context.Context, maxAge time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for id, samples := range r.samples {
		// Samples are appended in arrival order; find the first fresh one.
		keep := len(samples)
		for i, s := range samples {
			if !s.SampledAt.Before(cutoff) {
				keep = i
				break
			}
		}
		if keep == 0 {
			continue
		}
		pruned += keep
		r.samples[id] = append([]types.EdgeMetric(nil), samples[keep:]...)
	}
	return pruned, nil
}

// StartPruner runs PruneMetrics at jittered intervals until ctx is
// cancelled.
func (r *MemoryRegistry) StartPruner(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(utils.Jitter(interval, 0.1)):
			}

			n, err := r.PruneMetrics(ctx, maxAge)
			if err != nil {
				logger.Error().Err(err).Msg("edge: metric prune failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int("pruned", n).Msg("edge: pruned stale metric samples")
			}
		}
	}()
}
