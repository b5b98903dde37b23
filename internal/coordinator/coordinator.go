// Package coordinator deduplicates and paces SBOM fetches: at most one
// upstream call per image at a time, a global concurrency cap, and jittered
// exponential backoff for failures.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/ctron/bommer/internal/inventory"
	"github.com/ctron/bommer/internal/sbomstore"
	"github.com/ctron/bommer/internal/types"
)

// ErrEvicted is returned to waiters when the image entry disappeared before
// the fetch could start; its result would have been discarded anyway.
var ErrEvicted = errors.New("image entry evicted")

// Fetcher is the narrow contract to the SBOM store client.
type Fetcher interface {
	Fetch(ctx context.Context, image types.ImageRef) (*types.SBOM, error)
}

// Result is a completed fetch as seen by a waiter. A nil SBOM with a nil
// Err means the store has no SBOM for the image.
type Result struct {
	SBOM *types.SBOM
	Err  error
}

// Options configures the coordinator.
type Options struct {
	// MaxConcurrent caps in-flight upstream calls across all images. This
	// is the sole backpressure mechanism against the store; excess requests
	// queue on the semaphore.
	MaxConcurrent int64

	// MaxAttempts bounds automatic retries per trigger. A Failed entry past
	// the cap stays Failed until a new workload reference triggers it again.
	MaxAttempts int

	// Backoff shapes the retry delay for Failed entries.
	Backoff wait.Backoff

	// RetryInterval is how often Failed entries are scanned for elapsed
	// backoff windows.
	RetryInterval time.Duration
}

// DefaultOptions returns conservative defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: 8,
		MaxAttempts:   5,
		Backoff: wait.Backoff{
			Duration: 5 * time.Second,
			Factor:   2.0,
			Jitter:   0.2,
			Cap:      5 * time.Minute,
		},
		RetryInterval: 5 * time.Second,
	}
}

// Coordinator is the single-flight front of the SBOM store. All concurrent
// requesters of one image share one upstream call and observe the same
// outcome; completions are committed to the inventory before waiters are
// notified.
type Coordinator struct {
	logger  *zap.Logger
	fetcher Fetcher
	inv     *inventory.Store
	opts    Options

	group singleflight.Group
	sem   *semaphore.Weighted
	now   func() time.Time

	mu  sync.Mutex
	ctx context.Context
}

// New creates a Coordinator.
func New(fetcher Fetcher, inv *inventory.Store, opts Options, logger *zap.Logger) *Coordinator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultOptions().MaxConcurrent
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.Backoff.Duration == 0 {
		opts.Backoff = DefaultOptions().Backoff
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultOptions().RetryInterval
	}
	return &Coordinator{
		logger:  logger.Named("coordinator"),
		fetcher: fetcher,
		inv:     inv,
		opts:    opts,
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		now:     time.Now,
	}
}

// Run drives the retry loop until the context is cancelled. Fetches started
// by Request are scoped to this context, not to any individual waiter: a
// waiter walking away must not cancel a call others share.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.logger.Info("Starting fetch coordinator",
		zap.Int64("max_concurrent", c.opts.MaxConcurrent),
		zap.Int("max_attempts", c.opts.MaxAttempts),
	)

	ticker := time.NewTicker(c.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.retryDue()
		}
	}
}

// Trigger schedules a fetch without waiting for the result. Used by the
// reconciler when an image gains its first reference.
func (c *Coordinator) Trigger(image types.ImageRef) {
	ch := c.Request(context.Background(), image)
	go func() { <-ch }()
}

// Request schedules a fetch and returns a channel delivering exactly one
// Result. Concurrent calls for the same image share a single upstream call.
// A fresh call after a completed one starts a fresh fetch; long-term caching
// lives in the inventory, not here.
func (c *Coordinator) Request(ctx context.Context, image types.ImageRef) <-chan Result {
	key := image.Key()
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fetch(image)
	})

	out := make(chan Result, 1)
	go func() {
		select {
		case res := <-ch:
			if res.Shared {
				sharedTotal.Inc()
			}
			if res.Err != nil {
				out <- Result{Err: res.Err}
				return
			}
			out <- res.Val.(Result)
		case <-ctx.Done():
			out <- Result{Err: ctx.Err()}
		}
	}()
	return out
}

// fetch performs the single upstream call for one image and commits the
// outcome. The inventory lock is never held across the network call.
func (c *Coordinator) fetch(image types.ImageRef) (Result, error) {
	ctx := c.runCtx()
	key := image.Key()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Result{Err: err}, nil
	}
	defer c.sem.Release(1)
	inflightGauge.Inc()
	defer inflightGauge.Dec()

	if !c.inv.BeginFetch(key) {
		return Result{Err: ErrEvicted}, nil
	}

	sbom, err := c.fetcher.Fetch(ctx, image)
	switch {
	case err == nil:
		c.inv.CompleteFetch(key, sbom, nil, time.Time{})
		return Result{SBOM: sbom}, nil
	case errors.Is(err, sbomstore.ErrNotFound):
		// Stable negative: committed as Missing, never retried on its own.
		c.inv.CompleteFetch(key, nil, nil, time.Time{})
		return Result{}, nil
	default:
		attempts := 1
		if st, ok := c.inv.Get(key); ok {
			attempts = st.Attempts
		}
		next := c.now().Add(c.retryDelay(attempts))
		c.inv.CompleteFetch(key, nil, err, next)
		return Result{Err: err}, nil
	}
}

// retryDue re-requests still-referenced Failed entries whose backoff
// elapsed, up to the attempt cap.
func (c *Coordinator) retryDue() {
	for _, image := range c.inv.DueRetries() {
		st, ok := c.inv.Get(image.Key())
		if !ok || st.Attempts >= c.opts.MaxAttempts {
			continue
		}
		c.logger.Debug("Retrying failed fetch",
			zap.String("image", image.Key()),
			zap.Int("attempts", st.Attempts),
		)
		retriesTotal.Inc()
		c.Trigger(image)
	}
}

// retryDelay derives the jittered backoff delay after the given number of
// attempts.
func (c *Coordinator) retryDelay(attempts int) time.Duration {
	d := c.opts.Backoff.Duration
	for i := 1; i < attempts; i++ {
		d = time.Duration(float64(d) * c.opts.Backoff.Factor)
		if c.opts.Backoff.Cap > 0 && d >= c.opts.Backoff.Cap {
			d = c.opts.Backoff.Cap
			break
		}
	}
	if c.opts.Backoff.Jitter > 0 {
		// wait.Jitter treats a non-positive factor as "pick a default".
		d = wait.Jitter(d, c.opts.Backoff.Jitter)
	}
	return d
}

func (c *Coordinator) runCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}
