// Package risk gates trade intents behind exposure, timing, rate and
// drawdown limits and owns the global kill switch.
package risk

import (
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

const (
	rateWindow = time.Minute
	minPrice   = 0.01
	maxPrice   = 0.99
	epsilon    = 1e-9
)

// Config holds the risk limits. Zero values disable the corresponding limit
// except where noted.
type Config struct {
	InitialCapital         float64
	MaxPositionSize        float64
	MaxTotalExposure       float64
	MaxConcurrentPositions int
	MaxDrawdownPct         float64
	Cooldown               time.Duration
	MaxTradesPerMinute     int
	MaxSlippagePct         float64
	ExitBufferMinutes      float64
	// KillSwitch starts the manager with the kill switch active.
	KillSwitch bool
	// ExitExempt lists the checks EXIT intents skip.
	ExitExempt []domain.RiskCheck
}

// DefaultConfig returns the shipped limits.
func DefaultConfig() Config {
	return Config{
		InitialCapital:         1000,
		MaxPositionSize:        50,
		MaxTotalExposure:       200,
		MaxConcurrentPositions: 1,
		MaxDrawdownPct:         25,
		Cooldown:               10 * time.Second,
		MaxTradesPerMinute:     6,
		MaxSlippagePct:         2,
		ExitBufferMinutes:      5,
		ExitExempt:             []domain.RiskCheck{domain.CheckKillSwitch, domain.CheckMarketTiming},
	}
}

// InventorySource supplies the current inventory. The execution service's
// ledger satisfies it.
type InventorySource interface {
	Inventory() domain.Inventory
}

type reservation struct {
	tokenID string
	size    float64
}

// Manager is the only component that converts intents into order requests.
// All risk state lives behind one mutex so a kill-switch change is visible to
// the very next Validate.
type Manager struct {
	cfg    Config
	exempt map[domain.RiskCheck]bool
	now    func() time.Time
	logger *slog.Logger

	mu         sync.Mutex
	source     InventorySource
	kill       domain.KillSwitchState
	lastTrade  map[string]time.Time
	trades     *slidingWindow
	pending    map[string]reservation
	approved   int
	rejections map[domain.RiskCheck]int
	equity     float64
	peak       float64
	hooks      []func(domain.KillSwitchState)
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithKillSwitchHook registers a callback fired after every kill-switch
// transition. Hooks run outside the manager's lock.
func WithKillSwitchHook(fn func(domain.KillSwitchState)) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, fn) }
}

// NewManager creates a Manager from cfg.
func NewManager(cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		exempt: make(map[domain.RiskCheck]bool, len(cfg.ExitExempt)),
		now:    time.Now,
		logger: logger.With(slog.String("component", "risk")),
		trades: newSlidingWindow(rateWindow),
	}
	for _, c := range cfg.ExitExempt {
		m.exempt[c] = true
	}
	for _, opt := range opts {
		opt(m)
	}
	m.resetLocked()
	return m
}

func (m *Manager) resetLocked() {
	m.kill = domain.KillSwitchState{}
	if m.cfg.KillSwitch {
		m.kill = domain.KillSwitchState{Active: true, Reason: "config", Since: m.now()}
	}
	m.lastTrade = make(map[string]time.Time)
	m.trades.reset()
	m.pending = make(map[string]reservation)
	m.approved = 0
	m.rejections = make(map[domain.RiskCheck]int)
	m.equity = m.cfg.InitialCapital
	m.peak = m.cfg.InitialCapital
}

// SetInventorySource makes Validate read the inventory from src under the
// manager's lock instead of trusting the caller's copy. A fill booked and
// settled between the caller's read and Validate is then never missed.
func (m *Manager) SetInventorySource(src InventorySource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = src
}

// Reset restores the initial state. Intended for test isolation.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// Validate runs the checks in order and returns either an approved request
// or the first failure as a *domain.Rejection. HOLD intents return
// domain.ErrNoAction. When an inventory source is set, inv is ignored in
// favour of the source's current inventory.
func (m *Manager) Validate(intent domain.TradeIntent, inv domain.Inventory, snap domain.MarketSnapshot) (domain.OrderRequest, error) {
	if !intent.IsActionable() {
		return domain.OrderRequest{}, fmt.Errorf("risk: validate %s: %w", intent.TokenID, domain.ErrNoAction)
	}
	if intent.TokenID != snap.TokenID {
		return domain.OrderRequest{}, fmt.Errorf("risk: validate: intent token %s does not match snapshot token %s", intent.TokenID, snap.TokenID)
	}

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Settle takes m.mu, so a fill is in the source before its reservation
	// can be released.
	if m.source != nil {
		inv = m.source.Inventory()
	}

	for _, check := range domain.RiskChecks {
		if intent.Action == domain.ActionExit && m.exempt[check] {
			continue
		}
		if detail, failed := m.runCheckLocked(check, intent, inv, snap, now); failed {
			m.rejections[check]++
			m.logger.Info("intent rejected",
				slog.String("token_id", intent.TokenID),
				slog.String("action", string(intent.Action)),
				slog.String("check", string(check)),
				slog.String("detail", detail),
			)
			return domain.OrderRequest{}, &domain.Rejection{Intent: intent, Check: check, Detail: detail, At: now}
		}
	}

	req := domain.OrderRequest{
		ID:             uuid.NewString(),
		TokenID:        intent.TokenID,
		MarketID:       intent.MarketID,
		Action:         intent.Action,
		Side:           intent.Side,
		Outcome:        intent.Outcome,
		Price:          intent.Price,
		Size:           intent.Size,
		MaxSlippagePct: m.cfg.MaxSlippagePct,
		LimitPrice:     limitPrice(intent.Side, intent.Price, m.cfg.MaxSlippagePct),
		Reason:         intent.Reason,
		Strategy:       intent.Strategy,
		CreatedAt:      now,
	}

	m.recordTradeLocked(intent.TokenID, now)
	m.approved++
	if intent.Action == domain.ActionEnter {
		m.pending[req.ID] = reservation{tokenID: req.TokenID, size: req.Size}
	}
	return req, nil
}

func (m *Manager) runCheckLocked(check domain.RiskCheck, intent domain.TradeIntent, inv domain.Inventory, snap domain.MarketSnapshot, now time.Time) (string, bool) {
	enter := intent.Action == domain.ActionEnter

	switch check {
	case domain.CheckKillSwitch:
		if m.kill.Active {
			return "kill switch active: " + m.kill.Reason, true
		}

	case domain.CheckCooldown:
		if last, ok := m.lastTrade[intent.TokenID]; ok && m.cfg.Cooldown > 0 {
			if elapsed := now.Sub(last); elapsed < m.cfg.Cooldown {
				return fmt.Sprintf("last trade %s ago, cooldown %s", elapsed.Round(time.Millisecond), m.cfg.Cooldown), true
			}
		}

	case domain.CheckRateLimit:
		if m.cfg.MaxTradesPerMinute > 0 {
			if n := m.trades.count(now); n >= m.cfg.MaxTradesPerMinute {
				return fmt.Sprintf("%d trades in last minute, max %d", n, m.cfg.MaxTradesPerMinute), true
			}
		}

	case domain.CheckMaxPosition:
		if enter && m.cfg.MaxPositionSize > 0 {
			existing := m.pendingForLocked(intent.TokenID)
			if pos, ok := inv.Position(intent.TokenID); ok {
				existing += pos.Notional()
			}
			if existing+intent.Size > m.cfg.MaxPositionSize+epsilon {
				return fmt.Sprintf("position %.2f + %.2f exceeds max %.2f", existing, intent.Size, m.cfg.MaxPositionSize), true
			}
		}

	case domain.CheckMaxExposure:
		if enter && m.cfg.MaxTotalExposure > 0 {
			exposure := inv.TotalExposure + m.pendingTotalLocked()
			if exposure+intent.Size > m.cfg.MaxTotalExposure+epsilon {
				return fmt.Sprintf("exposure %.2f + %.2f exceeds max %.2f", exposure, intent.Size, m.cfg.MaxTotalExposure), true
			}
		}

	case domain.CheckMaxConcurrentPositions:
		if enter && m.cfg.MaxConcurrentPositions > 0 {
			open := m.openTokensLocked(inv)
			if _, ok := open[intent.TokenID]; !ok && len(open) >= m.cfg.MaxConcurrentPositions {
				return fmt.Sprintf("%d open positions, max %d", len(open), m.cfg.MaxConcurrentPositions), true
			}
		}

	case domain.CheckMarketTiming:
		if snap.MinutesUntilResolution <= m.cfg.ExitBufferMinutes {
			return fmt.Sprintf("%.1fm until resolution inside exit buffer %.1fm", snap.MinutesUntilResolution, m.cfg.ExitBufferMinutes), true
		}

	case domain.CheckSlippage:
		if snap.Mid <= 0 {
			return "snapshot has no mid price", true
		}
		if m.cfg.MaxSlippagePct > 0 {
			dev := math.Abs(intent.Price-snap.Mid) / snap.Mid * 100
			if dev > m.cfg.MaxSlippagePct+epsilon {
				return fmt.Sprintf("price %.4f deviates %.2f%% from mid %.4f, max %.2f%%", intent.Price, dev, snap.Mid, m.cfg.MaxSlippagePct), true
			}
		}
	}
	return "", false
}

func (m *Manager) pendingForLocked(tokenID string) float64 {
	var total float64
	for _, r := range m.pending {
		if r.tokenID == tokenID {
			total += r.size
		}
	}
	return total
}

func (m *Manager) pendingTotalLocked() float64 {
	var total float64
	for _, r := range m.pending {
		total += r.size
	}
	return total
}

func (m *Manager) openTokensLocked(inv domain.Inventory) map[string]struct{} {
	open := make(map[string]struct{}, len(inv.Positions)+len(m.pending))
	for token := range inv.Positions {
		open[token] = struct{}{}
	}
	for _, r := range m.pending {
		open[r.tokenID] = struct{}{}
	}
	return open
}

func limitPrice(side domain.Side, price, slippagePct float64) float64 {
	var p float64
	if side == domain.SideSell {
		p = price * (1 - slippagePct/100)
	} else {
		p = price * (1 + slippagePct/100)
	}
	return math.Max(minPrice, math.Min(maxPrice, p))
}

// Settle releases the exposure reserved for an approved ENTER once its order
// reaches a terminal state. Fills are already reflected in the inventory.
func (m *Manager) Settle(report domain.ExecutionReport) {
	if !report.Status.IsTerminal() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, report.RequestID)
}

// RecordTrade registers a trade executed outside Validate for cooldown and
// rate limiting.
func (m *Manager) RecordTrade(tokenID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordTradeLocked(tokenID, at)
}

func (m *Manager) recordTradeLocked(tokenID string, at time.Time) {
	if prev, ok := m.lastTrade[tokenID]; !ok || at.After(prev) {
		m.lastTrade[tokenID] = at
	}
	m.trades.add(at)
}

// OnInventoryUpdate is the drawdown monitor. It recomputes equity against the
// high-water mark and activates the kill switch when the drawdown limit is
// reached.
func (m *Manager) OnInventoryUpdate(inv domain.Inventory) {
	m.mu.Lock()
	m.equity = m.cfg.InitialCapital + inv.TotalPnL()
	if m.equity > m.peak {
		m.peak = m.equity
	}
	dd := m.drawdownPctLocked()
	var fired *domain.KillSwitchState
	if m.cfg.MaxDrawdownPct > 0 && dd >= m.cfg.MaxDrawdownPct && !m.kill.Active {
		st := m.activateLocked(fmt.Sprintf("max drawdown: %.2f%% >= %.2f%%", dd, m.cfg.MaxDrawdownPct))
		fired = &st
	}
	m.mu.Unlock()

	if fired != nil {
		m.notify(*fired)
	}
}

func (m *Manager) drawdownPctLocked() float64 {
	if m.peak <= 0 {
		return 0
	}
	return math.Max(0, (m.peak-m.equity)/m.peak*100)
}

// ActivateKillSwitch blocks new risk-taking intents. Re-activating an active
// switch keeps the original reason.
func (m *Manager) ActivateKillSwitch(reason string) {
	m.mu.Lock()
	if m.kill.Active {
		m.mu.Unlock()
		return
	}
	st := m.activateLocked(reason)
	m.mu.Unlock()
	m.notify(st)
}

func (m *Manager) activateLocked(reason string) domain.KillSwitchState {
	m.kill = domain.KillSwitchState{Active: true, Reason: reason, Since: m.now()}
	m.logger.Warn("kill switch activated", slog.String("reason", reason))
	return m.kill
}

// DeactivateKillSwitch clears the kill switch.
func (m *Manager) DeactivateKillSwitch() {
	m.mu.Lock()
	if !m.kill.Active {
		m.mu.Unlock()
		return
	}
	m.kill = domain.KillSwitchState{Since: m.now()}
	st := m.kill
	m.mu.Unlock()

	m.logger.Warn("kill switch deactivated")
	m.notify(st)
}

// KillSwitch returns the current kill-switch state.
func (m *Manager) KillSwitch() domain.KillSwitchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kill
}

func (m *Manager) notify(st domain.KillSwitchState) {
	for _, fn := range m.hooks {
		fn(st)
	}
}

// Stats summarises the manager's state.
func (m *Manager) Stats() domain.RiskStats {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.RiskStats{
		KillSwitch:       m.kill,
		TradesLastMinute: m.trades.count(now),
		Approved:         m.approved,
		Rejections:       maps.Clone(m.rejections),
		PendingExposure:  m.pendingTotalLocked(),
		Equity:           m.equity,
		PeakEquity:       m.peak,
		DrawdownPct:      m.drawdownPctLocked(),
	}
}

// ExitExempt returns the checks EXIT intents skip, in evaluation order.
func (m *Manager) ExitExempt() []domain.RiskCheck {
	out := make([]domain.RiskCheck, 0, len(m.exempt))
	for _, c := range domain.RiskChecks {
		if m.exempt[c] {
			out = append(out, c)
		}
	}
	return slices.Clip(out)
}
