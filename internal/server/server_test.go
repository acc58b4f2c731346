package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyhft/internal/domain"
	"github.com/alanyoungcy/polyhft/internal/engine"
	"github.com/alanyoungcy/polyhft/internal/server/handler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRisk struct {
	mu    sync.Mutex
	state domain.KillSwitchState
}

func (f *fakeRisk) Stats() domain.RiskStats {
	return domain.RiskStats{KillSwitch: f.KillSwitch(), Approved: 3}
}

func (f *fakeRisk) ActivateKillSwitch(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = domain.KillSwitchState{Active: true, Reason: reason}
}

func (f *fakeRisk) DeactivateKillSwitch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = domain.KillSwitchState{}
}

func (f *fakeRisk) KillSwitch() domain.KillSwitchState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

type fakeExec struct{ inv domain.Inventory }

func (f fakeExec) Stats() domain.ExecutionStats { return domain.ExecutionStats{Filled: 2} }
func (f fakeExec) Inventory() domain.Inventory  { return f.inv }
func (f fakeExec) DryRun() bool                 { return true }

type fakeLoop struct{}

func (fakeLoop) Stats() engine.Stats { return engine.Stats{Events: 10} }

type fakeJournal struct {
	token string
	limit int
	err   error
}

func (f *fakeJournal) InsertReports(context.Context, []domain.ExecutionReport) error { return nil }
func (f *fakeJournal) InsertRejections(context.Context, []domain.Rejection) error    { return nil }
func (f *fakeJournal) ListReports(_ context.Context, token string, limit int) ([]domain.ExecutionReport, error) {
	f.token, f.limit = token, limit
	if f.err != nil {
		return nil, f.err
	}
	return []domain.ExecutionReport{{RequestID: "r1", TokenID: token, Status: domain.OrderStatusFilled}}, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

func newTestHandler(t *testing.T, cfg Config, limiter domain.RateLimiter) (http.Handler, *fakeRisk, *fakeJournal) {
	t.Helper()
	risk := &fakeRisk{}
	inv := domain.NewInventory()
	inv.Positions["b"] = domain.Position{TokenID: "b", Size: 10, Shares: 20, EntryPrice: 0.5, CurrentPrice: 0.6}
	inv.Positions["a"] = domain.Position{TokenID: "a"}
	journal := &fakeJournal{}
	h := NewHandler(cfg, Handlers{
		Health:     handler.NewHealthHandler(time.Now()),
		Status:     handler.NewStatusHandler("trade", "early_entry", risk, fakeExec{inv: inv}, fakeLoop{}),
		KillSwitch: handler.NewKillSwitchHandler(risk, testLogger()),
		Executions: handler.NewExecutionHandler(journal, testLogger()),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("metrics"))
		}),
	}, limiter, testLogger())
	return h, risk, journal
}

func do(h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	h, _, _ := newTestHandler(t, Config{APIKey: "secret"}, nil)
	rec := do(h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestAuthRequired(t *testing.T) {
	h, _, _ := newTestHandler(t, Config{APIKey: "secret"}, nil)

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/status", "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/status", "", "X-API-Key", "secret").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics", "", "Authorization", "Bearer secret").Code)
}

func TestStatus(t *testing.T) {
	h, _, _ := newTestHandler(t, Config{}, nil)
	rec := do(h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Mode      string `json:"mode"`
		DryRun    bool   `json:"dry_run"`
		Execution struct {
			Filled int `json:"filled"`
		} `json:"execution"`
		Loop struct {
			Events int64 `json:"events"`
		} `json:"loop"`
		Inventory struct {
			Positions []struct {
				TokenID       string  `json:"token_id"`
				UnrealizedPnL float64 `json:"unrealized_pnl"`
			} `json:"positions"`
		} `json:"inventory"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "trade", body.Mode)
	assert.True(t, body.DryRun)
	assert.Equal(t, 2, body.Execution.Filled)
	assert.EqualValues(t, 10, body.Loop.Events)
	require.Len(t, body.Inventory.Positions, 2)
	assert.Equal(t, "a", body.Inventory.Positions[0].TokenID)
	assert.InDelta(t, 2.0, body.Inventory.Positions[1].UnrealizedPnL, 1e-9)
}

func TestKillSwitchToggle(t *testing.T) {
	h, risk, _ := newTestHandler(t, Config{}, nil)

	rec := do(h, http.MethodPost, "/api/kill-switch", `{"active":true,"reason":"maintenance"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, risk.KillSwitch().Active)
	assert.Equal(t, "api: maintenance", risk.KillSwitch().Reason)

	rec = do(h, http.MethodGet, "/api/kill-switch", "")
	assert.Contains(t, rec.Body.String(), `"active":true`)

	rec = do(h, http.MethodPost, "/api/kill-switch", `{"active":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, risk.KillSwitch().Active)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/kill-switch", `{`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodDelete, "/api/kill-switch", "").Code)
}

func TestExecutions(t *testing.T) {
	h, _, journal := newTestHandler(t, Config{}, nil)
	rec := do(h, http.MethodGet, "/api/executions?token=tok&limit=9999", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok", journal.token)
	assert.Equal(t, 500, journal.limit)
	assert.Contains(t, rec.Body.String(), `"request_id":"r1"`)

	journal.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodGet, "/api/executions", "").Code)
}

func TestRateLimit(t *testing.T) {
	h, _, _ := newTestHandler(t, Config{RequestsPerMinute: 60}, denyAll{})
	rec := do(h, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
