package transfer

import (
	"github.com/agentcache/uplink/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// uploadsTotal tracks upload outcomes by disposition
	uploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uplink",
		Subsystem: "transfer",
		Name:      "uploads_total",
		Help:      "Total number of uploads by outcome",
	}, []string{"outcome"}) // outcome: "started", "duplicate", "completed", "failed", "cancelled"

	chunksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uplink",
		Subsystem: "transfer",
		Name:      "chunks_completed_total",
		Help:      "Total number of chunks fully transferred",
	})

	chunkRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uplink",
		Subsystem: "transfer",
		Name:      "chunk_retries_total",
		Help:      "Total number of chunk attempts re-dispatched to an alternate edge",
	})

	chunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "uplink",
		Subsystem: "transfer",
		Name:      "chunk_duration_seconds",
		Help:      "Duration of successful chunk transfers",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	finalizeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "uplink",
		Subsystem: "transfer",
		Name:      "finalize_duration_seconds",
		Help:      "Duration of session verification and commit",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	resumesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uplink",
		Subsystem: "transfer",
		Name:      "resumes_total",
		Help:      "Total number of session resumes",
	})
)

func init() {
	debug.Registry().MustRegister(
		uploadsTotal,
		chunksCompleted,
		chunkRetriesTotal,
		chunkDuration,
		finalizeDuration,
		resumesTotal,
	)
}
