package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ctron/bommer/internal/inventory"
)

// ServerConfig holds configuration for the query API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., ":8080").
	Addr string
}

// Server serves the read-only query API plus /metrics and health probes on
// a single listener.
type Server struct {
	config ServerConfig
	inv    *inventory.Store
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a new query API server.
func NewServer(config ServerConfig, inv *inventory.Store, logger *zap.Logger) *Server {
	return &Server{
		config: config,
		inv:    inv,
		logger: logger.Named("server"),
	}
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/images", NewImagesHandler(s.inv, s.logger))
	mux.Handle("/api/v1/images/state", NewImageStateHandler(s.inv, s.logger))
	mux.Handle("/api/v1/workloads", NewWorkloadsHandler(s.inv, s.logger))
	mux.Handle("/api/v1/workloads/state", NewWorkloadStateHandler(s.inv, s.logger))
	mux.Handle("/api/v1/status", NewStatusHandler(s.inv, s.logger))
	mux.Handle("/api/v1/events", NewStreamHandler(s.inv, s.logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	return mux
}

// Start starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.config.Addr,
		Handler: s.Handler(),
		// WriteTimeout must outlast the long-poll bound.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: maxLongPoll + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.config.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
