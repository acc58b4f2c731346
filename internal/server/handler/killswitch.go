package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// KillSwitchController toggles the global kill switch.
type KillSwitchController interface {
	ActivateKillSwitch(reason string)
	DeactivateKillSwitch()
	KillSwitch() domain.KillSwitchState
}

// KillSwitchHandler serves manual kill switch control.
type KillSwitchHandler struct {
	ctl    KillSwitchController
	logger *slog.Logger
}

// NewKillSwitchHandler creates a KillSwitchHandler.
func NewKillSwitchHandler(ctl KillSwitchController, logger *slog.Logger) *KillSwitchHandler {
	return &KillSwitchHandler{ctl: ctl, logger: logHandler(logger, "kill_switch")}
}

type killSwitchRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

// Get responds with the current state.
// GET /api/kill-switch
func (h *KillSwitchHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.KillSwitch())
}

// Set activates or clears the kill switch.
// POST /api/kill-switch {"active": true, "reason": "..."}
func (h *KillSwitchHandler) Set(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Active {
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "manual"
		}
		h.ctl.ActivateKillSwitch("api: " + reason)
	} else {
		h.ctl.DeactivateKillSwitch()
	}
	state := h.ctl.KillSwitch()
	h.logger.WarnContext(r.Context(), "kill switch set via api",
		slog.Bool("active", state.Active),
		slog.String("reason", state.Reason),
		slog.String("remote_addr", r.RemoteAddr),
	)
	writeJSON(w, http.StatusOK, state)
}
