package watcher

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

var watchErrorsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "bommer_watch_errors_total",
		Help: "Error events received on the pod watch stream.",
	},
)

// apiError turns a watch.Error event into a descriptive error.
func apiError(evt watch.Event) error {
	if status, ok := evt.Object.(*metav1.Status); ok {
		return fmt.Errorf("watch error: %s (code %d)", status.Message, status.Code)
	}
	return fmt.Errorf("watch error: %v", evt.Object)
}
