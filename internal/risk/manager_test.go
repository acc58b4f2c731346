package risk

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

var t0 = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(cfg Config, c *clock, opts ...Option) *Manager {
	return NewManager(cfg, discard(), append([]Option{WithClock(c.Now)}, opts...)...)
}

func snap(token string, mid float64) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		TokenID:                token,
		Mid:                    mid,
		BestBid:                mid - 0.01,
		BestAsk:                mid + 0.01,
		MinutesSinceOpen:       10,
		MinutesUntilResolution: 45,
	}
}

func enter(token string, price, size float64) domain.TradeIntent {
	return domain.TradeIntent{
		Action:  domain.ActionEnter,
		Side:    domain.SideBuy,
		Outcome: domain.OutcomeYes,
		TokenID: token,
		Price:   price,
		Size:    size,
		Reason:  "test entry",
	}
}

func exit(token string, price, size float64) domain.TradeIntent {
	return domain.TradeIntent{
		Action:  domain.ActionExit,
		Side:    domain.SideSell,
		Outcome: domain.OutcomeYes,
		TokenID: token,
		Price:   price,
		Size:    size,
		Reason:  "test exit",
	}
}

func requireRejection(t *testing.T, err error, check domain.RiskCheck) {
	t.Helper()
	var rej *domain.Rejection
	require.True(t, errors.As(err, &rej), "expected rejection, got %v", err)
	assert.Equal(t, check, rej.Check, rej.Detail)
}

func TestValidateApprovesAndDerivesLimitPrice(t *testing.T) {
	c := &clock{now: t0}
	m := newManager(DefaultConfig(), c)

	req, err := m.Validate(enter("a", 0.35, 50), domain.NewInventory(), snap("a", 0.35))
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, 0.35, req.Price)
	assert.Equal(t, 50.0, req.Size)
	assert.InDelta(t, 0.357, req.LimitPrice, 1e-9)
	assert.Equal(t, 2.0, req.MaxSlippagePct)
	assert.Equal(t, t0, req.CreatedAt)

	assert.InDelta(t, 0.99, limitPrice(domain.SideBuy, 0.98, 2), 1e-12)
	assert.InDelta(t, 0.49, limitPrice(domain.SideSell, 0.50, 2), 1e-12)
}

func TestValidateHoldIsNoAction(t *testing.T) {
	m := newManager(DefaultConfig(), &clock{now: t0})
	_, err := m.Validate(domain.TradeIntent{Action: domain.ActionHold, TokenID: "a"}, domain.NewInventory(), snap("a", 0.4))
	assert.ErrorIs(t, err, domain.ErrNoAction)
}

func TestRateLimitRejectsSeventhTrade(t *testing.T) {
	c := &clock{now: t0}
	m := newManager(DefaultConfig(), c)
	for i := 0; i < 6; i++ {
		m.RecordTrade(fmt.Sprintf("other-%d", i), t0.Add(-time.Duration(50-i*5)*time.Second))
	}

	_, err := m.Validate(enter("a", 0.35, 50), domain.NewInventory(), snap("a", 0.35))
	requireRejection(t, err, domain.CheckRateLimit)

	c.Advance(15 * time.Second)
	_, err = m.Validate(enter("a", 0.35, 50), domain.NewInventory(), snap("a", 0.35))
	assert.NoError(t, err, "oldest trade left the window")
}

func TestKillSwitchRejectsEnterAllowsExit(t *testing.T) {
	c := &clock{now: t0}
	cfg := DefaultConfig()
	cfg.MaxTradesPerMinute = 0
	m := newManager(cfg, c)
	m.ActivateKillSwitch("manual")

	rng := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 100; i++ {
		price := 0.05 + rng.Float64()*0.45
		token := fmt.Sprintf("t-%d", i)
		_, err := m.Validate(enter(token, price, 1+rng.Float64()*10), domain.NewInventory(), snap(token, price))
		requireRejection(t, err, domain.CheckKillSwitch)
	}

	inv := domain.NewInventory()
	for i := 0; i < 5; i++ {
		token := fmt.Sprintf("held-%d", i)
		inv.Positions[token] = domain.Position{TokenID: token, EntryPrice: 0.4, Size: 40, Shares: 100}
		c.Advance(time.Second)
		_, err := m.Validate(exit(token, 0.45, 45), inv, snap(token, 0.45))
		assert.NoError(t, err)
	}

	// EXIT near resolution is allowed under the default exemptions.
	near := snap("held-0", 0.45)
	near.MinutesUntilResolution = 1
	c.Advance(time.Minute)
	_, err := m.Validate(exit("held-0", 0.45, 45), inv, near)
	assert.NoError(t, err)
}

func TestExitExemptionIsConfigurable(t *testing.T) {
	c := &clock{now: t0}
	cfg := DefaultConfig()
	cfg.ExitExempt = nil
	m := newManager(cfg, c)
	assert.Empty(t, m.ExitExempt())
	m.ActivateKillSwitch("manual")

	_, err := m.Validate(exit("a", 0.45, 45), domain.NewInventory(), snap("a", 0.45))
	requireRejection(t, err, domain.CheckKillSwitch)

	assert.Equal(t, []domain.RiskCheck{domain.CheckKillSwitch, domain.CheckMarketTiming}, newManager(DefaultConfig(), c).ExitExempt())
}

func TestKillSwitchFromConfigAndDeactivate(t *testing.T) {
	c := &clock{now: t0}
	cfg := DefaultConfig()
	cfg.KillSwitch = true

	var seen []domain.KillSwitchState
	m := newManager(cfg, c, WithKillSwitchHook(func(st domain.KillSwitchState) { seen = append(seen, st) }))
	assert.True(t, m.KillSwitch().Active)
	assert.Equal(t, "config", m.KillSwitch().Reason)

	m.DeactivateKillSwitch()
	assert.False(t, m.KillSwitch().Active)
	_, err := m.Validate(enter("a", 0.35, 50), domain.NewInventory(), snap("a", 0.35))
	assert.NoError(t, err)

	m.ActivateKillSwitch("external")
	m.ActivateKillSwitch("second")
	assert.Equal(t, "external", m.KillSwitch().Reason)
	require.Len(t, seen, 2)
	assert.False(t, seen[0].Active)
	assert.True(t, seen[1].Active)
}

func TestCooldownNeverApprovesTwiceWithinWindow(t *testing.T) {
	c := &clock{now: t0}
	cfg := DefaultConfig()
	cfg.MaxTradesPerMinute = 0
	cfg.MaxPositionSize = 0
	cfg.MaxTotalExposure = 0
	cfg.MaxConcurrentPositions = 0
	m := newManager(cfg, c)

	rng := rand.New(rand.NewPCG(5, 6))
	var approvals []time.Time
	for i := 0; i < 2000; i++ {
		c.Advance(time.Duration(1+rng.IntN(4000)) * time.Millisecond)
		_, err := m.Validate(enter("a", 0.35, 1), domain.NewInventory(), snap("a", 0.35))
		if err == nil {
			approvals = append(approvals, c.now)
		} else {
			requireRejection(t, err, domain.CheckCooldown)
		}
	}
	require.NotEmpty(t, approvals)
	for i := 1; i < len(approvals); i++ {
		assert.GreaterOrEqual(t, approvals[i].Sub(approvals[i-1]), cfg.Cooldown)
	}
}

func TestLimitChecks(t *testing.T) {
	held := domain.NewInventory()
	held.Positions["a"] = domain.Position{TokenID: "a", EntryPrice: 0.3, Size: 30, Shares: 100}
	held.TotalExposure = 30

	crowded := domain.NewInventory()
	for i := 0; i < 4; i++ {
		tok := fmt.Sprintf("p%d", i)
		crowded.Positions[tok] = domain.Position{TokenID: tok, EntryPrice: 0.4, Size: 45, Shares: 112.5}
		crowded.TotalExposure += 45
	}

	tests := []struct {
		name   string
		cfg    func(*Config)
		intent domain.TradeIntent
		inv    domain.Inventory
		snap   domain.MarketSnapshot
		check  domain.RiskCheck
	}{
		{
			name:   "max position",
			intent: enter("a", 0.35, 30),
			inv:    held,
			snap:   snap("a", 0.35),
			check:  domain.CheckMaxPosition,
		},
		{
			name:   "max exposure",
			cfg:    func(c *Config) { c.MaxConcurrentPositions = 10 },
			intent: enter("b", 0.35, 50),
			inv:    crowded,
			snap:   snap("b", 0.35),
			check:  domain.CheckMaxExposure,
		},
		{
			name:   "max concurrent",
			intent: enter("b", 0.35, 10),
			inv:    held,
			snap:   snap("b", 0.35),
			check:  domain.CheckMaxConcurrentPositions,
		},
		{
			name:   "market timing",
			intent: enter("a", 0.35, 10),
			inv:    domain.NewInventory(),
			snap: func() domain.MarketSnapshot {
				s := snap("a", 0.35)
				s.MinutesUntilResolution = 4
				return s
			}(),
			check: domain.CheckMarketTiming,
		},
		{
			name:   "slippage",
			intent: enter("a", 0.30, 10),
			inv:    domain.NewInventory(),
			snap:   snap("a", 0.35),
			check:  domain.CheckSlippage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			m := newManager(cfg, &clock{now: t0})
			_, err := m.Validate(tt.intent, tt.inv, tt.snap)
			requireRejection(t, err, tt.check)
			assert.Equal(t, 1, m.Stats().Rejections[tt.check])
		})
	}
}

func TestPendingReservationsCountTowardLimits(t *testing.T) {
	c := &clock{now: t0}
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	m := newManager(cfg, c)

	req, err := m.Validate(enter("a", 0.35, 50), domain.NewInventory(), snap("a", 0.35))
	require.NoError(t, err)

	_, err = m.Validate(enter("a", 0.35, 10), domain.NewInventory(), snap("a", 0.35))
	requireRejection(t, err, domain.CheckMaxPosition)
	_, err = m.Validate(enter("b", 0.35, 10), domain.NewInventory(), snap("b", 0.35))
	requireRejection(t, err, domain.CheckMaxConcurrentPositions)

	m.Settle(domain.ExecutionReport{RequestID: req.ID, Status: domain.OrderStatusRejected})
	assert.Zero(t, m.Stats().PendingExposure)
	_, err = m.Validate(enter("b", 0.35, 10), domain.NewInventory(), snap("b", 0.35))
	assert.NoError(t, err)
}

func TestExposureNeverExceedsCap(t *testing.T) {
	c := &clock{now: t0}
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	cfg.MaxTradesPerMinute = 0
	cfg.MaxConcurrentPositions = 8
	cfg.MaxDrawdownPct = 0
	m := newManager(cfg, c)

	rng := rand.New(rand.NewPCG(9, 10))
	inv := domain.NewInventory()
	type open struct {
		req domain.OrderRequest
	}
	var unsettled []open

	fill := func(req domain.OrderRequest) {
		switch req.Action {
		case domain.ActionEnter:
			p := inv.Positions[req.TokenID]
			p.TokenID = req.TokenID
			p.EntryPrice = req.Price
			p.Size += req.Size
			p.Shares += req.Shares()
			inv.Positions[req.TokenID] = p
			inv.TotalExposure += req.Size
		case domain.ActionExit:
			if p, ok := inv.Positions[req.TokenID]; ok {
				inv.TotalExposure -= p.Size
				delete(inv.Positions, req.TokenID)
			}
		}
		m.Settle(domain.ExecutionReport{RequestID: req.ID, Status: domain.OrderStatusFilled})
	}

	for i := 0; i < 5000; i++ {
		c.Advance(time.Second)
		token := fmt.Sprintf("t%d", rng.IntN(12))
		price := 0.05 + rng.Float64()*0.9
		var intent domain.TradeIntent
		if _, ok := inv.Positions[token]; ok && rng.IntN(2) == 0 {
			intent = exit(token, price, 10)
		} else {
			intent = enter(token, price, 1+rng.Float64()*60)
		}

		req, err := m.Validate(intent, inv.Clone(), snap(token, price))
		if err == nil {
			if rng.IntN(3) == 0 {
				unsettled = append(unsettled, open{req: req})
			} else {
				fill(req)
			}
		}
		if len(unsettled) > 0 && rng.IntN(2) == 0 {
			fill(unsettled[0].req)
			unsettled = unsettled[1:]
		}

		require.LessOrEqual(t, inv.TotalExposure, cfg.MaxTotalExposure+1e-6)
		require.LessOrEqual(t, inv.TotalExposure+m.Stats().PendingExposure, cfg.MaxTotalExposure+1e-6)
	}
}

func TestDrawdownActivatesKillSwitch(t *testing.T) {
	c := &clock{now: t0}
	var fired []domain.KillSwitchState
	m := newManager(DefaultConfig(), c, WithKillSwitchHook(func(st domain.KillSwitchState) { fired = append(fired, st) }))

	inv := domain.NewInventory()
	inv.RealizedPnL = 100
	m.OnInventoryUpdate(inv)
	assert.InDelta(t, 1100, m.Stats().PeakEquity, 1e-9)
	assert.False(t, m.KillSwitch().Active)

	inv.RealizedPnL = -200
	m.OnInventoryUpdate(inv)
	assert.InDelta(t, 27.27, m.Stats().DrawdownPct, 0.01)

	st := m.KillSwitch()
	require.True(t, st.Active)
	assert.Contains(t, st.Reason, "max drawdown")
	require.Len(t, fired, 1)

	_, err := m.Validate(enter("a", 0.35, 10), domain.NewInventory(), snap("a", 0.35))
	requireRejection(t, err, domain.CheckKillSwitch)
}

func TestDrawdownIncludesUnrealized(t *testing.T) {
	m := newManager(DefaultConfig(), &clock{now: t0})
	inv := domain.NewInventory()
	inv.Positions["a"] = domain.Position{TokenID: "a", EntryPrice: 0.5, Size: 400, Shares: 800, CurrentPrice: 0.1}
	inv.TotalExposure = 400
	m.OnInventoryUpdate(inv)
	assert.True(t, m.KillSwitch().Active)
}

func TestReset(t *testing.T) {
	c := &clock{now: t0}
	m := newManager(DefaultConfig(), c)
	_, err := m.Validate(enter("a", 0.35, 50), domain.NewInventory(), snap("a", 0.35))
	require.NoError(t, err)
	m.ActivateKillSwitch("manual")

	m.Reset()
	st := m.Stats()
	assert.False(t, st.KillSwitch.Active)
	assert.Zero(t, st.Approved)
	assert.Zero(t, st.TradesLastMinute)
	assert.Zero(t, st.PendingExposure)

	_, err = m.Validate(enter("a", 0.35, 50), domain.NewInventory(), snap("a", 0.35))
	assert.NoError(t, err)
}

func TestTokenMismatch(t *testing.T) {
	m := newManager(DefaultConfig(), &clock{now: t0})
	_, err := m.Validate(enter("a", 0.35, 50), domain.NewInventory(), snap("b", 0.35))
	require.Error(t, err)
	var rej *domain.Rejection
	assert.False(t, errors.As(err, &rej))
}

type ledgerStub struct{ inv domain.Inventory }

func (l *ledgerStub) Inventory() domain.Inventory { return l.inv.Clone() }

func (l *ledgerStub) book(token string, size float64) {
	l.inv.Positions[token] = domain.Position{TokenID: token, EntryPrice: 0.4, Size: size, Shares: size / 0.4}
	l.inv.TotalExposure = l.inv.SumNotional()
}

func TestValidateReadsInventorySource(t *testing.T) {
	c := &clock{now: t0}
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	cfg.MaxTotalExposure = 50
	cfg.MaxConcurrentPositions = 4
	m := newManager(cfg, c)
	ledger := &ledgerStub{inv: domain.NewInventory()}
	m.SetInventorySource(ledger)

	stale := ledger.Inventory()
	reqA, err := m.Validate(enter("a", 0.4, 50), stale, snap("a", 0.4))
	require.NoError(t, err)

	// A fills and settles after the caller copied the inventory.
	ledger.book("a", 50)
	m.Settle(domain.ExecutionReport{RequestID: reqA.ID, Status: domain.OrderStatusFilled})

	_, err = m.Validate(enter("b", 0.4, 50), stale, snap("b", 0.4))
	requireRejection(t, err, domain.CheckMaxExposure)
}
