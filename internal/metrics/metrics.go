// Package metrics exposes meshkv's internal counters and gauges as
// Prometheus collectors. Grounded on the pattern used in
// ryandielhenn-zephyrcache's internal/telemetry/metrics.go: a package-level
// registry plus named Vec collectors, mounted behind /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	PeersAlive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshkv",
		Name:      "peers_alive",
		Help:      "Number of peers currently considered alive.",
	})

	PeersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshkv",
		Name:      "peers_total",
		Help:      "Number of peers ever observed.",
	})

	StateVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshkv",
		Name:      "state_version",
		Help:      "Current local CRDT state version.",
	})

	PendingAcks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshkv",
		Name:      "pending_acks",
		Help:      "Number of reliable sends currently awaiting acknowledgement.",
	})

	MergesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshkv",
		Name:      "merges_total",
		Help:      "Total number of remote snapshots merged into local state.",
	})

	MergeChangesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshkv",
		Name:      "merge_changes_total",
		Help:      "Total number of keys mutated by a remote merge.",
	})

	PacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshkv",
			Name:      "packets_dropped_total",
			Help:      "Total number of packets dropped, by reason.",
		},
		[]string{"reason"},
	)

	RetriesExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshkv",
			Name:      "retries_exhausted_total",
			Help:      "Total number of reliable sends that exhausted their retry budget.",
		},
		[]string{"packet_type"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "meshkv",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		PeersAlive,
		PeersTotal,
		StateVersion,
		PendingAcks,
		MergesTotal,
		MergeChangesTotal,
		PacketsDropped,
		RetriesExhausted,
		uptime,
	)
}

// Handler exposes /metrics. Mount it with mux.Handle("/metrics", metrics.Handler()).
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
