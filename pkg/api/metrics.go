package api

import (
	"github.com/agentcache/uplink/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uplink",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total HTTP requests by path and status code",
	}, []string{"path", "code"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "uplink",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration by path",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path"})
)

func init() {
	debug.Registry().MustRegister(
		httpRequests,
		httpDuration,
	)
}
