package handler

import (
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/polyhft/internal/domain"
	"github.com/alanyoungcy/polyhft/internal/engine"
)

// RiskView is the read side of the risk manager.
type RiskView interface {
	Stats() domain.RiskStats
}

// ExecutionView is the read side of the execution service.
type ExecutionView interface {
	Stats() domain.ExecutionStats
	Inventory() domain.Inventory
	DryRun() bool
}

// LoopView is the read side of the decision loop.
type LoopView interface {
	Stats() engine.Stats
}

// StatusHandler serves the engine status and the open positions.
type StatusHandler struct {
	mode     string
	strategy string
	risk     RiskView
	exec     ExecutionView
	loop     LoopView
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, strategy string, risk RiskView, exec ExecutionView, loop LoopView) *StatusHandler {
	return &StatusHandler{mode: mode, strategy: strategy, risk: risk, exec: exec, loop: loop}
}

type positionJSON struct {
	TokenID       string  `json:"token_id"`
	MarketID      string  `json:"market_id"`
	Outcome       string  `json:"outcome"`
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	Size          float64 `json:"size"`
	Shares        float64 `json:"shares"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	OpenedAt      string  `json:"opened_at"`
}

type inventoryJSON struct {
	Positions     []positionJSON `json:"positions"`
	TotalExposure float64        `json:"total_exposure"`
	RealizedPnL   float64        `json:"realized_pnl"`
}

func inventoryResponse(inv domain.Inventory) inventoryJSON {
	out := inventoryJSON{
		Positions:     make([]positionJSON, 0, len(inv.Positions)),
		TotalExposure: inv.TotalExposure,
		RealizedPnL:   inv.RealizedPnL,
	}
	for _, p := range inv.Positions {
		out.Positions = append(out.Positions, positionJSON{
			TokenID:       p.TokenID,
			MarketID:      p.MarketID,
			Outcome:       string(p.Outcome),
			EntryPrice:    p.EntryPrice,
			CurrentPrice:  p.CurrentPrice,
			Size:          p.Size,
			Shares:        p.Shares,
			UnrealizedPnL: p.UnrealizedPnL(),
			OpenedAt:      p.OpenedAt.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(out.Positions, func(i, j int) bool {
		return out.Positions[i].TokenID < out.Positions[j].TokenID
	})
	return out
}

// GetStatus responds with mode, risk, execution and loop counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":      h.mode,
		"strategy":  h.strategy,
		"dry_run":   h.exec.DryRun(),
		"risk":      h.risk.Stats(),
		"execution": h.exec.Stats(),
		"loop":      h.loop.Stats(),
		"inventory": inventoryResponse(h.exec.Inventory()),
	})
}

// ListPositions responds with the open positions.
// GET /api/positions
func (h *StatusHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, inventoryResponse(h.exec.Inventory()))
}
