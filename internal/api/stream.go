package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ctron/bommer/internal/inventory"
)

// StreamHandler handles GET /api/v1/events: a newline-delimited JSON stream
// of inventory changes. The first line is always a Restart event carrying
// the full snapshot, then incremental changes follow until the client goes
// away. A client that stops reading is disconnected rather than allowed to
// stall the inventory.
type StreamHandler struct {
	logger *zap.Logger
	inv    *inventory.Store
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(inv *inventory.Store, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{logger: logger.Named("stream"), inv: inv}
}

// ServeHTTP implements http.Handler.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// The server's write timeout is sized for request/response handlers;
	// a change stream lives until the client disconnects.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("Failed to clear write deadline", zap.Error(err))
	}

	sub := h.inv.Subscribe(64)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				// Dropped as a slow subscriber.
				return
			}
			if err := enc.Encode(evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
