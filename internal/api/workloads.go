package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ctron/bommer/internal/inventory"
	"github.com/ctron/bommer/internal/types"
)

// WorkloadsResponse is the wire format for GET /api/v1/workloads.
type WorkloadsResponse struct {
	Workloads []types.WorkloadImages `json:"workloads"`
}

// WorkloadStateResponse is the wire format for GET /api/v1/workloads/state.
type WorkloadStateResponse struct {
	Workload types.WorkloadRef   `json:"workload"`
	Images   []types.ImageStatus `json:"images"`
}

// WorkloadsHandler handles GET /api/v1/workloads[?namespace=<ns>].
type WorkloadsHandler struct {
	logger *zap.Logger
	inv    *inventory.Store
}

// NewWorkloadsHandler creates a new WorkloadsHandler.
func NewWorkloadsHandler(inv *inventory.Store, logger *zap.Logger) *WorkloadsHandler {
	return &WorkloadsHandler{logger: logger.Named("workloads"), inv: inv}
}

// ServeHTTP implements http.Handler.
func (h *WorkloadsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workloads := h.inv.Workloads(r.URL.Query().Get("namespace"))
	if workloads == nil {
		workloads = []types.WorkloadImages{}
	}
	writeJSON(w, h.logger, WorkloadsResponse{Workloads: workloads})
}

// WorkloadStateHandler handles GET /api/v1/workloads/state?namespace=&name=.
type WorkloadStateHandler struct {
	logger *zap.Logger
	inv    *inventory.Store
}

// NewWorkloadStateHandler creates a new WorkloadStateHandler.
func NewWorkloadStateHandler(inv *inventory.Store, logger *zap.Logger) *WorkloadStateHandler {
	return &WorkloadStateHandler{logger: logger.Named("workload_state"), inv: inv}
}

// ServeHTTP implements http.Handler.
func (h *WorkloadStateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ref := types.WorkloadRef{
		Kind:      types.KindPod,
		Namespace: r.URL.Query().Get("namespace"),
		Name:      r.URL.Query().Get("name"),
	}
	if ref.Namespace == "" || ref.Name == "" {
		http.Error(w, "Missing namespace or name parameter", http.StatusBadRequest)
		return
	}

	images, ok := h.inv.Workload(ref)
	if !ok {
		http.Error(w, "Unknown workload", http.StatusNotFound)
		return
	}
	if images == nil {
		images = []types.ImageStatus{}
	}
	writeJSON(w, h.logger, WorkloadStateResponse{Workload: ref, Images: images})
}
