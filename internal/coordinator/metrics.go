package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inflightGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bommer_fetch_inflight",
			Help: "SBOM fetches currently in flight against the store.",
		},
	)
	sharedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bommer_fetch_shared_total",
			Help: "Fetch requests served by an already in-flight call.",
		},
	)
	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bommer_fetch_retries_total",
			Help: "Automatic retries of failed fetches after backoff.",
		},
	)
)
