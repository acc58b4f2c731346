package strategy

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

func snapshot(mid, sinceOpen, untilResolution float64) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		TokenID:                "tok-yes",
		ComplementTokenID:      "tok-no",
		MarketID:               "btc-hourly",
		Asset:                  "BTC",
		Outcome:                domain.OutcomeYes,
		Strike:                 100000,
		BestBid:                mid - 0.01,
		BestAsk:                mid + 0.01,
		Mid:                    mid,
		ImpliedProb:            mid,
		MinutesSinceOpen:       sinceOpen,
		MinutesUntilResolution: untilResolution,
		Time:                   time.Date(2026, 10, 17, 12, 10, 0, 0, time.UTC),
	}
}

func newEarlyEntry(t *testing.T) *EarlyEntry {
	t.Helper()
	s, err := NewEarlyEntry(DefaultEarlyEntryConfig())
	require.NoError(t, err)
	return s
}

func held(tokenID string, entry, shares float64) domain.Inventory {
	inv := domain.NewInventory()
	inv.Positions[tokenID] = domain.Position{
		TokenID:    tokenID,
		Outcome:    domain.OutcomeYes,
		Side:       domain.SideBuy,
		EntryPrice: entry,
		Size:       entry * shares,
		Shares:     shares,
	}
	inv.TotalExposure = entry * shares
	return inv
}

func TestEarlyEntryEntersInsideWindow(t *testing.T) {
	s := newEarlyEntry(t)
	intent := s.Evaluate(snapshot(0.35, 10, 45), domain.NewInventory())

	assert.Equal(t, domain.ActionEnter, intent.Action)
	assert.Equal(t, domain.SideBuy, intent.Side)
	assert.Equal(t, 50.0, intent.Size)
	assert.Equal(t, 0.35, intent.Price)
	assert.Equal(t, "tok-yes", intent.TokenID)
	assert.NotEmpty(t, intent.Reason)
}

func TestEarlyEntryHoldsBeforeEntryDelay(t *testing.T) {
	s := newEarlyEntry(t)
	intent := s.Evaluate(snapshot(0.35, 2, 45), domain.NewInventory())

	assert.Equal(t, domain.ActionHold, intent.Action)
	assert.Contains(t, intent.Reason, "entry delay")
}

func TestEarlyEntryHoldsNearResolution(t *testing.T) {
	s := newEarlyEntry(t)
	intent := s.Evaluate(snapshot(0.35, 50, 4), domain.NewInventory())
	assert.Equal(t, domain.ActionHold, intent.Action)
	assert.NotEmpty(t, intent.Reason)
}

func TestEarlyEntryExitRules(t *testing.T) {
	s := newEarlyEntry(t)

	tests := []struct {
		name   string
		mid    float64
		until  float64
		action domain.IntentAction
		reason string
	}{
		{"profit target", 0.448, 45, domain.ActionExit, "profit target"},
		{"stop loss", 0.30, 45, domain.ActionExit, "stop loss"},
		{"tightened stop loss", 0.37, 4.5, domain.ActionExit, "stop loss"},
		{"time exit", 0.41, 4, domain.ActionExit, "time exit"},
		{"hold", 0.41, 45, domain.ActionHold, "holding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := s.Evaluate(snapshot(tt.mid, 20, tt.until), held("tok-yes", 0.40, 100))
			assert.Equal(t, tt.action, intent.Action)
			assert.Contains(t, intent.Reason, tt.reason)
			if tt.action == domain.ActionExit {
				assert.Equal(t, domain.SideSell, intent.Side)
				assert.InDelta(t, 100*tt.mid, intent.Size, 1e-9)
			}
		})
	}
}

func TestEarlyEntryProfitTargetWinsOverTimeExit(t *testing.T) {
	s := newEarlyEntry(t)
	intent := s.Evaluate(snapshot(0.50, 58, 2), held("tok-yes", 0.40, 100))
	assert.Contains(t, intent.Reason, "profit target")
}

func TestEarlyEntrySideSelection(t *testing.T) {
	s := newEarlyEntry(t)

	snap := snapshot(0.45, 10, 45)
	snap.ComplementMid = 0.40
	intent := s.Evaluate(snap, domain.NewInventory())
	assert.Equal(t, domain.ActionHold, intent.Action)
	assert.Contains(t, intent.Reason, "complement leg cheaper")

	snap.ComplementMid = 0.55
	intent = s.Evaluate(snap, domain.NewInventory())
	assert.Equal(t, domain.ActionEnter, intent.Action)

	intent = s.Evaluate(snap, held("tok-no", 0.5, 10))
	assert.Equal(t, domain.ActionHold, intent.Action)
	assert.Contains(t, intent.Reason, "complement leg already held")

	cfg := DefaultEarlyEntryConfig()
	cfg.SideSelection = SideNoOnly
	noOnly, err := NewEarlyEntry(cfg)
	require.NoError(t, err)
	intent = noOnly.Evaluate(snap, domain.NewInventory())
	assert.Equal(t, domain.ActionHold, intent.Action)
}

func TestEarlyEntryNeverEntersOutsideBand(t *testing.T) {
	s := newEarlyEntry(t)
	cfg := DefaultEarlyEntryConfig()
	rng := rand.New(rand.NewPCG(7, 11))

	for i := 0; i < 20000; i++ {
		mid := rng.Float64()
		since := rng.Float64() * 60
		snap := snapshot(mid, since, 60-since)
		snap.ComplementMid = rng.Float64()
		snap.Edge = rng.Float64()*2 - 1
		if rng.IntN(2) == 0 {
			snap.Outcome = domain.OutcomeNo
		}

		intent := s.Evaluate(snap, domain.NewInventory())
		require.NotEmpty(t, intent.Reason)
		if intent.Action == domain.ActionEnter {
			require.GreaterOrEqual(t, mid, cfg.MinEntryPrice)
			require.LessOrEqual(t, mid, cfg.MaxEntryPrice)
			require.GreaterOrEqual(t, intent.Confidence, 0.0)
			require.LessOrEqual(t, intent.Confidence, 1.0)
		}
	}
}

func TestEarlyEntryIsDeterministic(t *testing.T) {
	s := newEarlyEntry(t)
	snap := snapshot(0.35, 10, 45)
	assert.Equal(t, s.Evaluate(snap, domain.NewInventory()), s.Evaluate(snap, domain.NewInventory()))
}

func TestBaseAlwaysHolds(t *testing.T) {
	intent := Base{}.Evaluate(snapshot(0.35, 10, 45), domain.NewInventory())
	assert.Equal(t, domain.ActionHold, intent.Action)
	assert.NotEmpty(t, intent.Reason)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"base", "early_entry"}, r.List())

	s, err := r.New(Config{Name: "early_entry", EarlyEntry: DefaultEarlyEntryConfig()})
	require.NoError(t, err)
	assert.Equal(t, "early_entry", s.Name())

	_, err = r.New(Config{Name: "martingale"})
	assert.True(t, errors.Is(err, domain.ErrUnknownStrategy))

	bad := DefaultEarlyEntryConfig()
	bad.MinEntryPrice = 0.9
	_, err = r.New(Config{Name: "early_entry", EarlyEntry: bad})
	assert.Error(t, err)
}
