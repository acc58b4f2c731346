package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// ExecutionHandler serves the journal of execution reports.
type ExecutionHandler struct {
	store  domain.ExecutionStore
	logger *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler over store.
func NewExecutionHandler(store domain.ExecutionStore, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{store: store, logger: logHandler(logger, "executions")}
}

type executionJSON struct {
	RequestID    string  `json:"request_id"`
	OrderID      string  `json:"order_id,omitempty"`
	TokenID      string  `json:"token_id"`
	Action       string  `json:"action"`
	Side         string  `json:"side"`
	Status       string  `json:"status"`
	FilledSize   float64 `json:"filled_size"`
	FilledShares float64 `json:"filled_shares"`
	AvgPrice     float64 `json:"avg_price"`
	Partial      bool    `json:"partial,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	DryRun       bool    `json:"dry_run"`
	Timestamp    string  `json:"timestamp"`
}

// ListExecutions responds with recent reports, newest first.
// GET /api/executions?token=<id>&limit=<n>
func (h *ExecutionHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	reports, err := h.store.ListReports(r.Context(), r.URL.Query().Get("token"), parseLimit(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list executions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	out := make([]executionJSON, 0, len(reports))
	for _, rep := range reports {
		out = append(out, executionJSON{
			RequestID:    rep.RequestID,
			OrderID:      rep.OrderID,
			TokenID:      rep.TokenID,
			Action:       string(rep.Action),
			Side:         string(rep.Side),
			Status:       string(rep.Status),
			FilledSize:   rep.FilledSize,
			FilledShares: rep.FilledShares,
			AvgPrice:     rep.AvgPrice,
			Partial:      rep.Partial,
			Reason:       rep.Reason,
			DryRun:       rep.DryRun,
			Timestamp:    rep.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}
