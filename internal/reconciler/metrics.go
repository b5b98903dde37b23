package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bommer_reconciler_events_total",
			Help: "Workload events consumed by type.",
		},
		[]string{"type"},
	)
	staleTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bommer_reconciler_stale_events_total",
			Help: "Events ignored because a newer change token was already applied.",
		},
	)
	malformedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bommer_reconciler_malformed_events_total",
			Help: "Events skipped as malformed.",
		},
	)
	resyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bommer_reconciler_resyncs_total",
			Help: "Full relist snapshots applied.",
		},
	)
)
