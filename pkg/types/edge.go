// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"math"
	"time"
)

// GeoPoint is a geographic coordinate in decimal degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance to other in kilometers
// using the haversine formula.
func (g GeoPoint) DistanceKm(other GeoPoint) float64 {
	lat1 := g.Lat * math.Pi / 180
	lat2 := other.Lat * math.Pi / 180
	dLat := (other.Lat - g.Lat) * math.Pi / 180
	dLon := (other.Lon - g.Lon) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// EdgeLocation is a registered transfer edge endpoint. Immutable after
// registration except for Active; edges are deactivated, never deleted.
type EdgeLocation struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Location  GeoPoint `json:"location"`
	CostPerGB float64  `json:"cost_per_gb"`
	Active    bool     `json:"active"`
}

// EdgeMetric is a time-stamped performance sample for an edge.
// Samples are append-only; superseded samples are pruned by age.
type EdgeMetric struct {
	EdgeID        string    `json:"edge_id"`
	LatencyMs     float64   `json:"latency_ms"`
	LoadPercent   float64   `json:"load_percent"`
	BandwidthMbps float64   `json:"bandwidth_mbps"`
	ErrorRate     float64   `json:"error_rate"`
	SampledAt     time.Time `json:"sampled_at"`
}

// EdgeAssignment records the fraction of a session's chunks an edge
// should receive. Weights across a session's assignments sum to 1.0.
type EdgeAssignment struct {
	EdgeID string  `json:"edge_id"`
	Weight float64 `json:"weight"`
}

// Priority selects the scoring profile used to rank edges.
type Priority string

const (
	PrioritySpeed    Priority = "speed"
	PriorityCost     Priority = "cost"
	PriorityBalanced Priority = "balanced"
)

// ParsePriority validates a priority string. Empty defaults to balanced.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PrioritySpeed, PriorityCost, PriorityBalanced:
		return Priority(s), nil
	case "":
		return PriorityBalanced, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}
