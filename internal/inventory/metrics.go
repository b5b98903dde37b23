package inventory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ctron/bommer/internal/types"
)

var (
	imagesGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bommer_inventory_images",
			Help: "Tracked image entries by SBOM state.",
		},
		[]string{"state"},
	)
	workloadsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bommer_inventory_workloads",
			Help: "Tracked workloads.",
		},
	)
	evictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bommer_inventory_evictions_total",
			Help: "Image entries evicted after their grace window expired.",
		},
	)
	discardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bommer_inventory_discarded_results_total",
			Help: "Fetch results discarded because the entry was already evicted.",
		},
	)
)

// trackState moves an entry between state gauges. Empty strings stand for
// "no entry" on creation and eviction.
func (s *Store) trackState(from, to types.SbomState) {
	if from != "" {
		imagesGauge.WithLabelValues(string(from)).Dec()
	}
	if to != "" {
		imagesGauge.WithLabelValues(string(to)).Inc()
	}
}
