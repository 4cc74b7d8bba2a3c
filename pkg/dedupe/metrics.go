package dedupe

import (
	"github.com/agentcache/uplink/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// lookupsTotal tracks dedup index lookups by result
	lookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uplink",
		Subsystem: "dedupe",
		Name:      "lookups_total",
		Help:      "Total number of dedup index lookups",
	}, []string{"result"}) // result: "hit", "miss"

	// commitsTotal tracks successful commits (inserts and ref bumps)
	commitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uplink",
		Subsystem: "dedupe",
		Name:      "commits_total",
		Help:      "Total number of dedup index commits",
	})

	// BytesSaved tracks bytes never transferred thanks to dedup hits
	BytesSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "uplink",
		Subsystem: "dedupe",
		Name:      "bytes_saved_total",
		Help:      "Total bytes saved by deduplication short-circuits",
	})
)

func init() {
	debug.Registry().MustRegister(
		lookupsTotal,
		commitsTotal,
		BytesSaved,
	)
}
