package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all engine metric collectors. The demo binary exposes it
// via promhttp; tests can gather from it directly.
var Registry = prometheus.NewRegistry()

// Engine metric collectors.
//
// The bus drop counter is part of the delivery contract: events may be
// shed under backpressure, and the only way to see that happening is here.
var (
	busDroppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniplane_bus_dropped_events_total",
			Help: "Events dropped from a subscriber queue under backpressure (drop-oldest policy).",
		},
		[]string{"subscriber"},
	)

	reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniplane_reconcile_total",
			Help: "Total reconciliation passes per controller.",
		},
		[]string{"controller", "result"},
	)

	reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "miniplane_reconcile_duration_seconds",
			Help:    "Latency of a single reconciliation pass in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"controller"},
	)

	bindTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniplane_bind_attempts_total",
			Help: "Volume binding attempts by outcome (bound, unbound, error).",
		},
		[]string{"result"},
	)

	statefulSetReplicas = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "miniplane_statefulset_replicas",
			Help: "StatefulSet replica counts by state.",
		},
		[]string{"name", "namespace", "state"},
	)
)

func init() {
	Registry.MustRegister(
		busDroppedEvents,
		reconcileTotal,
		reconcileDuration,
		bindTotal,
		statefulSetReplicas,
	)
}

// Collectors returns all registered metric collectors. This is useful for
// testing that metrics are properly registered.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		busDroppedEvents,
		reconcileTotal,
		reconcileDuration,
		bindTotal,
		statefulSetReplicas,
	}
}
