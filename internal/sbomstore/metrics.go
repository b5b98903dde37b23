package sbomstore

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bommer_sbom_fetch_total",
			Help: "Total SBOM store lookups by outcome.",
		},
		[]string{"outcome"},
	)
	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bommer_sbom_fetch_duration_seconds",
			Help:    "Duration of SBOM store lookups.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)
)

func observeFetch(err error, took time.Duration) {
	outcome := "resolved"
	var invalid *InvalidError
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		outcome = "missing"
	case errors.As(err, &invalid):
		outcome = "invalid"
	default:
		outcome = "transient"
	}
	fetchTotal.WithLabelValues(outcome).Inc()
	fetchDuration.WithLabelValues(outcome).Observe(took.Seconds())
}
