// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package edge

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/agentcache/uplink/pkg/types"
)

// ErrNoEdgesAvailable is returned when no active edge has a recent
// metric sample. Callers fall back to the direct-storage path.
var ErrNoEdgesAvailable = errors.New("no active edges available")

// factorWeights is the contribution of each metric to an edge's score.
// All five weights sum to 1.0.
type factorWeights struct {
	latency   float64
	bandwidth float64
	load      float64
	distance  float64
	errorRate float64
}

func weightsFor(priority types.Priority) factorWeights {
	switch priority {
	case types.PrioritySpeed:
		return factorWeights{latency: 0.40, bandwidth: 0.30, load: 0.15, distance: 0.10, errorRate: 0.05}
	case types.PriorityCost:
		return factorWeights{load: 0.40, distance: 0.30, latency: 0.15, bandwidth: 0.10, errorRate: 0.05}
	default:
		return factorWeights{latency: 0.20, bandwidth: 0.20, load: 0.20, distance: 0.20, errorRate: 0.20}
	}
}

const (
	// DefaultMaxEdges bounds fan-out per upload.
	DefaultMaxEdges = 5

	// DefaultMetricStaleness is how recent an edge's latest sample must
	// be for the edge to be eligible.
	DefaultMetricStaleness = 2 * time.Minute
)

// RankedEdge is a selected edge with its score and chunk-share weight.
// Weights across a selection sum to 1.0.
type RankedEdge struct {
	Edge       *types.EdgeLocation
	Metric     types.EdgeMetric
	DistanceKm float64
	Score      float64
	Weight     float64
}

// SelectorConfig tunes edge selection.
type SelectorConfig struct {
	MaxEdges        int
	MetricStaleness time.Duration
}

// Selector scores and ranks edges for upload requests.
type Selector struct {
	registry Registry
	cfg      SelectorConfig
}

// NewSelector creates a Selector over the given registry.
func NewSelector(registry Registry, cfg SelectorConfig) *Selector {
	if cfg.MaxEdges <= 0 {
		cfg.MaxEdges = DefaultMaxEdges
	}
	if cfg.MetricStaleness <= 0 {
		cfg.MetricStaleness = DefaultMetricStaleness
	}
	return &Selector{registry: registry, cfg: cfg}
}

// Select returns edges ordered by score, each with the fraction of
// chunks it should receive. Edges in exclude are skipped, which is how
// retries avoid a failed edge. Ties break by lower latency, then by
// edge id, so identical inputs always produce identical output.
func (s *Selector) Select(ctx context.Context, origin *types.GeoPoint, priority types.Priority, exclude map[string]struct{}) ([]RankedEdge, error) {
	candidates, err := s.registry.Candidates(ctx, s.cfg.MetricStaleness)
	if err != nil {
		return nil, err
	}

	ranked := make([]RankedEdge, 0, len(candidates))
	for _, c := range candidates {
		if _, skip := exclude[c.Edge.ID]; skip {
			continue
		}
		re := RankedEdge{Edge: c.Edge, Metric: c.Metric}
		if origin != nil {
			re.DistanceKm = origin.DistanceKm(c.Edge.Location)
		}
		ranked = append(ranked, re)
	}
	if len(ranked) == 0 {
		selectionsTotal.WithLabelValues(string(priority), "no_edges").Inc()
		return nil, ErrNoEdgesAvailable
	}

	score(ranked, weightsFor(priority))

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Metric.LatencyMs != ranked[j].Metric.LatencyMs {
			return ranked[i].Metric.LatencyMs < ranked[j].Metric.LatencyMs
		}
		return ranked[i].Edge.ID < ranked[j].Edge.ID
	})

	if len(ranked) > s.cfg.MaxEdges {
		ranked = ranked[:s.cfg.MaxEdges]
	}

	normalize(ranked)
	selectionsTotal.WithLabelValues(string(priority), "ok").Inc()
	return ranked, nil
}

// score computes the weighted combination of normalized factors. Each
// factor is min-max normalized across the candidate set; latency, load,
// distance and error rate are inverted so that higher is always better.
func score(ranked []RankedEdge, w factorWeights) {
	var (
		minLat, maxLat   = minMax(ranked, func(r RankedEdge) float64 { return r.Metric.LatencyMs })
		minBw, maxBw     = minMax(ranked, func(r RankedEdge) float64 { return r.Metric.BandwidthMbps })
		minLoad, maxLoad = minMax(ranked, func(r RankedEdge) float64 { return r.Metric.LoadPercent })
		minDist, maxDist = minMax(ranked, func(r RankedEdge) float64 { return r.DistanceKm })
		minErr, maxErr   = minMax(ranked, func(r RankedEdge) float64 { return r.Metric.ErrorRate })
	)

	for i := range ranked {
		r := &ranked[i]
		r.Score = w.latency*(1-norm(r.Metric.LatencyMs, minLat, maxLat)) +
			w.bandwidth*norm(r.Metric.BandwidthMbps, minBw, maxBw) +
			w.load*(1-norm(r.Metric.LoadPercent, minLoad, maxLoad)) +
			w.distance*(1-norm(r.DistanceKm, minDist, maxDist)) +
			w.errorRate*(1-norm(r.Metric.ErrorRate, minErr, maxErr))
	}
}

// normalize converts scores into chunk-share weights summing to 1.0.
func normalize(ranked []RankedEdge) {
	var sum float64
	for _, r := range ranked {
		sum += r.Score
	}
	if sum <= 0 {
		// Degenerate case: all scores zero, split evenly.
		for i := range ranked {
			ranked[i].Weight = 1.0 / float64(len(ranked))
		}
		return
	}
	for i := range ranked {
		ranked[i].Weight = ranked[i].Score / sum
	}
}

func minMax(ranked []RankedEdge, f func(RankedEdge) float64) (float64, float64) {
	lo, hi := f(ranked[0]), f(ranked[0])
	for _, r := range ranked[1:] {
		v := f(r)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// norm maps v into [0,1] within [lo,hi]. When all candidates share the
// same value the factor carries no signal; every edge gets the midpoint
// so direct and inverted factors are treated alike.
func norm(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0.5
	}
	return (v - lo) / (hi - lo)
}
