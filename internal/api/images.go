// Package api exposes read-only views over the inventory. Reads never
// trigger fetches; all mutation is event-driven.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ctron/bommer/internal/inventory"
	"github.com/ctron/bommer/internal/types"
)

// maxLongPoll caps the ?wait= bound on single-image queries.
const maxLongPoll = 30 * time.Second

// ImagesResponse is the wire format for GET /api/v1/images.
type ImagesResponse struct {
	Images []types.ImageStatus `json:"images"`
}

// ImagesHandler handles GET /api/v1/images.
type ImagesHandler struct {
	logger *zap.Logger
	inv    *inventory.Store
}

// NewImagesHandler creates a new ImagesHandler.
func NewImagesHandler(inv *inventory.Store, logger *zap.Logger) *ImagesHandler {
	return &ImagesHandler{logger: logger.Named("images"), inv: inv}
}

// ServeHTTP implements http.Handler.
func (h *ImagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	images := h.inv.SnapshotAll()
	if images == nil {
		images = []types.ImageStatus{}
	}
	writeJSON(w, h.logger, ImagesResponse{Images: images})
}

// ImageStateHandler handles GET /api/v1/images/state?image=<ref>[&wait=5s].
// A Pending entry is returned as-is; with ?wait= the request blocks up to
// the bound (capped) for the entry to leave Pending.
type ImageStateHandler struct {
	logger *zap.Logger
	inv    *inventory.Store
}

// NewImageStateHandler creates a new ImageStateHandler.
func NewImageStateHandler(inv *inventory.Store, logger *zap.Logger) *ImageStateHandler {
	return &ImageStateHandler{logger: logger.Named("image_state"), inv: inv}
}

// ServeHTTP implements http.Handler.
func (h *ImageStateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ref := r.URL.Query().Get("image")
	if ref == "" {
		http.Error(w, "Missing image parameter", http.StatusBadRequest)
		return
	}
	img, err := types.ParseImageRef(ref, "")
	if err != nil {
		http.Error(w, "Invalid image reference", http.StatusBadRequest)
		return
	}

	var status types.ImageStatus
	var ok bool
	if waitFor := parseWait(r.URL.Query().Get("wait")); waitFor > 0 {
		status, ok = h.inv.WaitResolved(r.Context(), img.Key(), waitFor)
	} else {
		status, ok = h.inv.Get(img.Key())
	}
	if !ok {
		http.Error(w, "Unknown image", http.StatusNotFound)
		return
	}

	writeJSON(w, h.logger, status)
}

func parseWait(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0
	}
	if d > maxLongPoll {
		d = maxLongPoll
	}
	return d
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
