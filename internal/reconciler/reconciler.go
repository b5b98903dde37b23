// Package reconciler consumes the normalized workload event stream and keeps
// the inventory in step with it.
package reconciler

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ctron/bommer/internal/inventory"
	"github.com/ctron/bommer/internal/types"
)

// Trigger starts a fetch for an image without waiting for it. Satisfied by
// the fetch coordinator.
type Trigger interface {
	Trigger(image types.ImageRef)
}

// Options configures the reconciler.
type Options struct {
	// Workers is the number of concurrent event appliers. Events for one
	// workload always land on the same worker, so one workload's events are
	// applied strictly in delivery order while distinct workloads proceed
	// concurrently.
	Workers int

	// RateLimit/RateBurst bound event throughput. Events are waited, not
	// dropped: they carry state, and losing one loses state.
	RateLimit rate.Limit
	RateBurst int
}

// DefaultOptions returns conservative defaults.
func DefaultOptions() Options {
	return Options{
		Workers:   4,
		RateLimit: 100,
		RateBurst: 200,
	}
}

// Reconciler applies workload events to the inventory and triggers SBOM
// fetches for images gaining their first reference. It is the sole writer
// to the inventory's workload-facing API.
type Reconciler struct {
	logger  *zap.Logger
	inv     *inventory.Store
	trigger Trigger
	opts    Options
	limiter *rate.Limiter
}

// New creates a Reconciler.
func New(inv *inventory.Store, trigger Trigger, opts Options, logger *zap.Logger) *Reconciler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultOptions().RateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = DefaultOptions().RateBurst
	}
	return &Reconciler{
		logger:  logger.Named("reconciler"),
		inv:     inv,
		trigger: trigger,
		opts:    opts,
		limiter: rate.NewLimiter(opts.RateLimit, opts.RateBurst),
	}
}

// work is one unit routed to a worker. A barrier item carries no event; the
// worker acknowledges it and moves on, which lets the dispatcher wait until
// every queue has drained.
type work struct {
	evt     types.WorkloadEvent
	barrier chan<- struct{}
}

// Run consumes events until the stream closes or the context is cancelled.
// Processing one event never aborts the stream; malformed events are logged
// and skipped.
func (r *Reconciler) Run(ctx context.Context, events <-chan types.WorkloadEvent) {
	r.logger.Info("Starting reconciler", zap.Int("workers", r.opts.Workers))

	queues := make([]chan work, r.opts.Workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan work, 64)
		wg.Add(1)
		go func(q <-chan work) {
			defer wg.Done()
			for item := range q {
				if item.barrier != nil {
					item.barrier <- struct{}{}
					continue
				}
				r.apply(item.evt)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
		r.logger.Info("Reconciler stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
			eventsTotal.WithLabelValues(string(evt.Type)).Inc()

			if evt.Type == types.EventResync {
				// A relist is authoritative over everything queued before
				// it; drain all workers, then apply it alone.
				r.drain(queues)
				r.resync(evt)
				continue
			}

			if evt.Workload.Namespace == "" || evt.Workload.Name == "" {
				malformedTotal.Inc()
				r.logger.Warn("Skipping malformed workload event", zap.String("type", string(evt.Type)))
				continue
			}

			queues[r.route(evt.Workload)] <- work{evt: evt}
		}
	}
}

// drain blocks until every worker has processed its queued events.
func (r *Reconciler) drain(queues []chan work) {
	acks := make(chan struct{}, len(queues))
	for _, q := range queues {
		q <- work{barrier: acks}
	}
	for range queues {
		<-acks
	}
}

func (r *Reconciler) route(w types.WorkloadRef) int {
	h := fnv.New32a()
	h.Write([]byte(w.Key()))
	return int(h.Sum32() % uint32(r.opts.Workers))
}

// apply handles one Add/Update/Delete event. Duplicate or out-of-order
// deliveries are no-ops by token comparison inside the inventory.
func (r *Reconciler) apply(evt types.WorkloadEvent) {
	switch evt.Type {
	case types.EventAdd, types.EventUpdate:
		toFetch, applied := r.inv.ApplyWorkload(evt.Workload, evt.Token, evt.Images)
		if !applied {
			staleTotal.Inc()
			r.logger.Debug("Ignoring stale event",
				zap.String("workload", evt.Workload.Key()),
				zap.Uint64("token", evt.Token),
			)
			return
		}
		for _, img := range toFetch {
			r.trigger.Trigger(img)
		}
	case types.EventDelete:
		r.inv.RemoveWorkload(evt.Workload)
	default:
		malformedTotal.Inc()
		r.logger.Warn("Skipping event of unknown type", zap.String("type", string(evt.Type)))
	}
}

func (r *Reconciler) resync(evt types.WorkloadEvent) {
	resyncsTotal.Inc()
	toFetch := r.inv.ReplaceAll(evt.Snapshot)
	r.logger.Info("Applied resync snapshot",
		zap.Int("workloads", len(evt.Snapshot)),
		zap.Int("fetches", len(toFetch)),
	)
	for _, img := range toFetch {
		r.trigger.Trigger(img)
	}
}
