package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ctron/bommer/internal/inventory"
	"github.com/ctron/bommer/internal/types"
)

// StatusResponse is the wire format for GET /api/v1/status.
type StatusResponse struct {
	Workloads int `json:"workloads"`
	Images    int `json:"images"`
	Pending   int `json:"pending"`
	Resolved  int `json:"resolved"`
	Missing   int `json:"missing"`
	Failed    int `json:"failed"`
}

// StatusHandler handles GET /api/v1/status.
type StatusHandler struct {
	logger *zap.Logger
	inv    *inventory.Store
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(inv *inventory.Store, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{logger: logger.Named("status"), inv: inv}
}

// ServeHTTP implements http.Handler.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	byState, workloads := h.inv.Counts()
	total := 0
	for _, n := range byState {
		total += n
	}
	writeJSON(w, h.logger, StatusResponse{
		Workloads: workloads,
		Images:    total,
		Pending:   byState[types.StatePending],
		Resolved:  byState[types.StateResolved],
		Missing:   byState[types.StateMissing],
		Failed:    byState[types.StateFailed],
	})
}
