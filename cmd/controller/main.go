// The controller watches pod workloads, correlates their images with SBOM
// documents from the configured store, and serves the resulting inventory
// over a read-only HTTP API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ctron/bommer/internal/api"
	"github.com/ctron/bommer/internal/coordinator"
	"github.com/ctron/bommer/internal/extractor"
	"github.com/ctron/bommer/internal/inventory"
	"github.com/ctron/bommer/internal/reconciler"
	"github.com/ctron/bommer/internal/sbomstore"
	"github.com/ctron/bommer/internal/watcher"
)

func main() {
	var (
		bindAddr      string
		storeURL      string
		namespace     string
		kubeconfig    string
		gracePeriod   time.Duration
		fetchTimeout  time.Duration
		fetchRetries  int
		maxAttempts   int
		maxConcurrent int64
		retryInterval time.Duration
		backoffBase   time.Duration
		backoffCap    time.Duration
		workers       int
		eventRate     float64
		eventBurst    int
	)

	flag.StringVar(&bindAddr, "bind-address", ":8080", "The address the query API binds to. Overridden by BIND_ADDR.")
	flag.StringVar(&storeURL, "sbom-store-url", "http://localhost:8081", "Base URL of the SBOM store. Overridden by BOMBASTIC_URL.")
	flag.StringVar(&namespace, "namespace", "", "Namespace to watch. Empty watches all namespaces.")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to a kubeconfig. Empty uses in-cluster config, then the default loading rules.")
	flag.DurationVar(&gracePeriod, "eviction-grace-period", 30*time.Second, "How long a zero-reference image entry is retained before eviction.")
	flag.DurationVar(&fetchTimeout, "fetch-timeout", 10*time.Second, "Per-call timeout for SBOM store lookups.")
	flag.IntVar(&fetchRetries, "fetch-retries", 2, "In-call HTTP retries for 5xx/connection errors.")
	flag.IntVar(&maxAttempts, "fetch-max-attempts", 5, "Backoff retry attempts per trigger before a Failed entry waits for a new reference.")
	flag.Int64Var(&maxConcurrent, "fetch-concurrency", 8, "Global cap on concurrent SBOM store lookups.")
	flag.DurationVar(&retryInterval, "fetch-retry-interval", 5*time.Second, "How often Failed entries are scanned for elapsed backoff.")
	flag.DurationVar(&backoffBase, "fetch-backoff", 5*time.Second, "Initial retry backoff for failed fetches.")
	flag.DurationVar(&backoffCap, "fetch-backoff-cap", 5*time.Minute, "Maximum retry backoff for failed fetches.")
	flag.IntVar(&workers, "reconcile-workers", 4, "Number of concurrent event appliers.")
	flag.Float64Var(&eventRate, "event-rate-limit", 100, "Workload events applied per second.")
	flag.IntVar(&eventBurst, "event-rate-burst", 200, "Workload event rate burst.")
	flag.Parse()

	// Environment overrides for the contract surface.
	if v := os.Getenv("BIND_ADDR"); v != "" {
		bindAddr = v
	}
	if v := os.Getenv("BOMBASTIC_URL"); v != "" {
		storeURL = v
	}

	// Setup logger
	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := logConfig.Build()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting bommer",
		zap.String("bind_addr", bindAddr),
		zap.String("sbom_store_url", storeURL),
		zap.String("namespace", namespace),
		zap.Duration("eviction_grace_period", gracePeriod),
	)

	restConfig, err := buildConfig(kubeconfig)
	if err != nil {
		logger.Fatal("Failed to load Kubernetes config", zap.Error(err))
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		logger.Fatal("Failed to create Kubernetes client", zap.Error(err))
	}

	store, err := sbomstore.NewClient(sbomstore.Options{
		BaseURL:  storeURL,
		Timeout:  fetchTimeout,
		RetryMax: fetchRetries,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create SBOM store client", zap.Error(err))
	}

	inv := inventory.New(inventory.Options{GracePeriod: gracePeriod}, logger)

	coord := coordinator.New(store, inv, coordinator.Options{
		MaxConcurrent: maxConcurrent,
		MaxAttempts:   maxAttempts,
		Backoff: wait.Backoff{
			Duration: backoffBase,
			Factor:   2.0,
			Jitter:   0.2,
			Cap:      backoffCap,
		},
		RetryInterval: retryInterval,
	}, logger)

	rec := reconciler.New(inv, coord, reconciler.Options{
		Workers:   workers,
		RateLimit: rate.Limit(eventRate),
		RateBurst: eventBurst,
	}, logger)

	ext := extractor.New(logger)
	w := watcher.New(client, ext, namespace, logger)

	server := api.NewServer(api.ServerConfig{Addr: bindAddr}, inv, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		inv.RunJanitor(ctx)
		return nil
	})
	g.Go(func() error {
		coord.Run(ctx)
		return nil
	})
	g.Go(func() error {
		rec.Run(ctx, w.Events())
		return nil
	})
	g.Go(func() error {
		w.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("Shutdown with error", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

// buildConfig loads the REST config: explicit kubeconfig flag first, then
// in-cluster, then the default loading rules (works for local development).
func buildConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
}
