package edge

import (
	"github.com/agentcache/uplink/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// selectionsTotal tracks edge selections by priority and outcome
	selectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uplink",
		Subsystem: "edge",
		Name:      "selections_total",
		Help:      "Total number of edge selection requests",
	}, []string{"priority", "outcome"}) // outcome: "ok", "no_edges"

	// registeredEdges tracks total edge registrations
	registeredEdges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uplink",
		Subsystem: "edge",
		Name:      "registered_total",
		Help:      "Total number of registered edges",
	})

	// metricSamplesTotal tracks ingested metric samples
	metricSamplesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uplink",
		Subsystem: "edge",
		Name:      "metric_samples_total",
		Help:      "Total number of ingested edge metric samples",
	})
)

func init() {
	debug.Registry().MustRegister(
		selectionsTotal,
		registeredEdges,
		metricSamplesTotal,
	)
}
