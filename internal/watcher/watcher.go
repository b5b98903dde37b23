// Package watcher adapts the Kubernetes pod watch API into the normalized
// workload event stream consumed by the reconciler.
package watcher

import (
	"context"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/ctron/bommer/internal/extractor"
	"github.com/ctron/bommer/internal/types"
)

// reconnectBackoff shapes the delay between failed list/watch attempts.
// The stream must survive API server outages indefinitely.
func reconnectBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: time.Second,
		Factor:   2.0,
		Jitter:   0.1,
		Cap:      time.Minute,
		Steps:    1<<31 - 1,
	}
}

// Watcher runs the pod list+watch loop. Every (re-)list emits one Resync
// snapshot, so any events missed during a stream gap are repaired; the
// subsequent watch emits incremental Add/Update/Delete events.
type Watcher struct {
	logger    *zap.Logger
	client    kubernetes.Interface
	extractor *extractor.Extractor
	namespace string
	events    chan types.WorkloadEvent
}

// New creates a Watcher observing pods in the given namespace; empty means
// all namespaces.
func New(client kubernetes.Interface, ext *extractor.Extractor, namespace string, logger *zap.Logger) *Watcher {
	return &Watcher{
		logger:    logger.Named("watcher"),
		client:    client,
		extractor: ext,
		namespace: namespace,
		events:    make(chan types.WorkloadEvent, 256),
	}
}

// Events is the normalized event stream. Closed when Run returns.
func (w *Watcher) Events() <-chan types.WorkloadEvent {
	return w.events
}

// Run blocks until the context is cancelled. A broken watch is never fatal:
// it reconnects with backoff and relists.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)

	backoff := reconnectBackoff()
	for {
		if ctx.Err() != nil {
			w.logger.Info("Watcher stopped")
			return
		}

		rv, err := w.relist(ctx)
		if err != nil {
			w.logger.Error("Pod list failed, retrying", zap.Error(err))
			if !sleep(ctx, backoff.Step()) {
				return
			}
			continue
		}
		backoff = reconnectBackoff()

		if err := w.watch(ctx, rv); err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Watcher stopped")
				return
			}
			w.logger.Warn("Pod watch ended, relisting", zap.Error(err))
			if !sleep(ctx, backoff.Step()) {
				return
			}
		}
	}
}

// relist fetches the full pod set and emits it as one authoritative Resync
// snapshot. Returns the list resource version the watch should start from.
func (w *Watcher) relist(ctx context.Context) (string, error) {
	list, err := w.client.CoreV1().Pods(w.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", err
	}

	snapshot := make([]types.WorkloadImages, 0, len(list.Items))
	for i := range list.Items {
		pod := &list.Items[i]
		token, ok := extractor.Token(pod)
		if !ok {
			w.logger.Warn("Skipping pod with unparseable resource version",
				zap.String("pod", pod.Namespace+"/"+pod.Name),
				zap.String("resourceVersion", pod.ResourceVersion),
			)
			continue
		}
		snapshot = append(snapshot, types.WorkloadImages{
			Workload: podRef(pod),
			Token:    token,
			Images:   w.extractor.Images(pod),
		})
	}

	w.logger.Info("Listed pods", zap.Int("count", len(snapshot)))
	if !w.emit(ctx, types.WorkloadEvent{Type: types.EventResync, Snapshot: snapshot}) {
		return "", ctx.Err()
	}
	return list.ResourceVersion, nil
}

// watch streams incremental changes from the given resource version until
// the watch closes. A closed or errored watch (including 410 Gone) returns
// so the caller relists.
func (w *Watcher) watch(ctx context.Context, rv string) error {
	wi, err := w.client.CoreV1().Pods(w.namespace).Watch(ctx, metav1.ListOptions{
		ResourceVersion: rv,
	})
	if err != nil {
		return err
	}
	defer wi.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-wi.ResultChan():
			if !ok {
				return nil
			}
			w.handle(ctx, evt)
			if evt.Type == watch.Error {
				watchErrorsTotal.Inc()
				return apiError(evt)
			}
		}
	}
}

// handle converts one raw watch event into a normalized workload event.
func (w *Watcher) handle(ctx context.Context, evt watch.Event) {
	pod, ok := evt.Object.(*corev1.Pod)
	if !ok {
		return
	}

	token, tok := extractor.Token(pod)
	if !tok {
		w.logger.Warn("Dropping event with unparseable resource version",
			zap.String("pod", pod.Namespace+"/"+pod.Name),
			zap.String("resourceVersion", pod.ResourceVersion),
		)
		return
	}

	out := types.WorkloadEvent{
		Workload: podRef(pod),
		Token:    token,
		Images:   w.extractor.Images(pod),
	}

	switch evt.Type {
	case watch.Added:
		out.Type = types.EventAdd
	case watch.Modified:
		out.Type = types.EventUpdate
	case watch.Deleted:
		out.Type = types.EventDelete
	default:
		return
	}

	w.emit(ctx, out)
}

func (w *Watcher) emit(ctx context.Context, evt types.WorkloadEvent) bool {
	select {
	case w.events <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

func podRef(pod *corev1.Pod) types.WorkloadRef {
	return types.WorkloadRef{Kind: types.KindPod, Namespace: pod.Namespace, Name: pod.Name}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
