package strategy

import (
	"fmt"
	"math"
	"sort"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// Side selection policies.
const (
	SideCheapest = "cheapest"
	SideYesOnly  = "yes_only"
	SideNoOnly   = "no_only"
)

// StopTightening sets a tighter stop loss once the market is within Minutes
// of resolution.
type StopTightening struct {
	Minutes     float64
	StopLossPct float64
}

// EarlyEntryConfig parameterises EarlyEntry.
type EarlyEntryConfig struct {
	EntryDelayMinutes float64
	ExitBufferMinutes float64
	MinEntryPrice     float64
	MaxEntryPrice     float64
	PositionSize      float64
	SideSelection     string

	ProfitTargetPct float64
	StopLossPct     float64
	TimeExitMinutes float64
	StopTightening  []StopTightening
}

// DefaultEarlyEntryConfig returns the shipped parameters.
func DefaultEarlyEntryConfig() EarlyEntryConfig {
	return EarlyEntryConfig{
		EntryDelayMinutes: 5,
		ExitBufferMinutes: 5,
		MinEntryPrice:     0.05,
		MaxEntryPrice:     0.50,
		PositionSize:      50,
		SideSelection:     SideCheapest,
		ProfitTargetPct:   10,
		StopLossPct:       20,
		TimeExitMinutes:   5,
		StopTightening: []StopTightening{
			{Minutes: 30, StopLossPct: 15},
			{Minutes: 15, StopLossPct: 10},
			{Minutes: 5, StopLossPct: 5},
		},
	}
}

// Validate reports inconsistent parameters.
func (c EarlyEntryConfig) Validate() error {
	switch {
	case c.MinEntryPrice <= 0 || c.MaxEntryPrice >= 1 || c.MinEntryPrice > c.MaxEntryPrice:
		return fmt.Errorf("strategy: early_entry: entry band [%.2f, %.2f] invalid", c.MinEntryPrice, c.MaxEntryPrice)
	case c.PositionSize <= 0:
		return fmt.Errorf("strategy: early_entry: position size must be positive")
	case c.ProfitTargetPct <= 0 || c.StopLossPct <= 0:
		return fmt.Errorf("strategy: early_entry: profit target and stop loss must be positive")
	}
	switch c.SideSelection {
	case SideCheapest, SideYesOnly, SideNoOnly:
	default:
		return fmt.Errorf("strategy: early_entry: unknown side selection %q", c.SideSelection)
	}
	return nil
}

// EarlyEntry buys the cheaper leg of a binary market a few minutes after it
// opens and exits on profit target, stop loss, or approaching resolution.
type EarlyEntry struct {
	cfg EarlyEntryConfig
}

// NewEarlyEntry creates the strategy. The tightening schedule is copied and
// sorted so the tightest applicable stop is found first.
func NewEarlyEntry(cfg EarlyEntryConfig) (*EarlyEntry, error) {
	if cfg.SideSelection == "" {
		cfg.SideSelection = SideCheapest
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sched := make([]StopTightening, len(cfg.StopTightening))
	copy(sched, cfg.StopTightening)
	sort.Slice(sched, func(i, j int) bool { return sched[i].Minutes < sched[j].Minutes })
	cfg.StopTightening = sched
	return &EarlyEntry{cfg: cfg}, nil
}

// Name returns the strategy identifier.
func (e *EarlyEntry) Name() string { return "early_entry" }

// Evaluate applies the exit rules when the token is held and the entry rules
// otherwise.
func (e *EarlyEntry) Evaluate(snap domain.MarketSnapshot, inv domain.Inventory) domain.TradeIntent {
	if pos, ok := inv.Position(snap.TokenID); ok {
		return e.evaluateExit(snap, pos)
	}
	return e.evaluateEntry(snap, inv)
}

func (e *EarlyEntry) evaluateExit(snap domain.MarketSnapshot, pos domain.Position) domain.TradeIntent {
	if pos.EntryPrice <= 0 {
		return domain.Hold(snap, e.Name(), "position has no entry price")
	}
	pnlPct := (snap.Mid - pos.EntryPrice) / pos.EntryPrice * 100

	exit := func(reason string) domain.TradeIntent {
		return domain.TradeIntent{
			Action:     domain.ActionExit,
			Side:       domain.SideSell,
			Outcome:    pos.Outcome,
			TokenID:    snap.TokenID,
			MarketID:   snap.MarketID,
			Price:      snap.Mid,
			Size:       pos.Shares * snap.Mid,
			Reason:     reason,
			Confidence: 1,
			Strategy:   e.Name(),
			CreatedAt:  snap.Time,
		}
	}

	if pnlPct >= e.cfg.ProfitTargetPct {
		return exit(fmt.Sprintf("profit target hit: %.1f%% >= %.1f%%", pnlPct, e.cfg.ProfitTargetPct))
	}
	stop := e.stopLossPct(snap.MinutesUntilResolution)
	if pnlPct <= -stop {
		return exit(fmt.Sprintf("stop loss hit: %.1f%% <= -%.1f%%", pnlPct, stop))
	}
	if snap.MinutesUntilResolution <= e.cfg.TimeExitMinutes {
		return exit(fmt.Sprintf("time exit: %.1fm until resolution", snap.MinutesUntilResolution))
	}
	return domain.Hold(snap, e.Name(), fmt.Sprintf("holding position: pnl %.1f%%", pnlPct))
}

// stopLossPct returns the tightest stop whose window contains minutesLeft.
func (e *EarlyEntry) stopLossPct(minutesLeft float64) float64 {
	for _, t := range e.cfg.StopTightening {
		if minutesLeft <= t.Minutes {
			return t.StopLossPct
		}
	}
	return e.cfg.StopLossPct
}

func (e *EarlyEntry) evaluateEntry(snap domain.MarketSnapshot, inv domain.Inventory) domain.TradeIntent {
	c := e.cfg
	switch {
	case snap.MinutesSinceOpen < c.EntryDelayMinutes:
		return domain.Hold(snap, e.Name(),
			fmt.Sprintf("waiting for entry delay: %.1fm < %.1fm", snap.MinutesSinceOpen, c.EntryDelayMinutes))
	case snap.Mid < c.MinEntryPrice || snap.Mid > c.MaxEntryPrice:
		return domain.Hold(snap, e.Name(),
			fmt.Sprintf("mid %.3f outside entry band [%.2f, %.2f]", snap.Mid, c.MinEntryPrice, c.MaxEntryPrice))
	case snap.MinutesUntilResolution <= c.ExitBufferMinutes:
		return domain.Hold(snap, e.Name(),
			fmt.Sprintf("too close to resolution: %.1fm left", snap.MinutesUntilResolution))
	}

	if reason, ok := e.selectSide(snap); !ok {
		return domain.Hold(snap, e.Name(), reason)
	}
	if snap.ComplementTokenID != "" {
		if _, held := inv.Position(snap.ComplementTokenID); held {
			return domain.Hold(snap, e.Name(), "complement leg already held")
		}
	}

	return domain.TradeIntent{
		Action:     domain.ActionEnter,
		Side:       domain.SideBuy,
		Outcome:    snap.Outcome,
		TokenID:    snap.TokenID,
		MarketID:   snap.MarketID,
		Price:      snap.Mid,
		Size:       c.PositionSize,
		Reason:     fmt.Sprintf("early entry: %s @ %.3f, %.0fm in", snap.Outcome, snap.Mid, snap.MinutesSinceOpen),
		Confidence: clamp01(0.5 + snap.Edge),
		Strategy:   e.Name(),
		CreatedAt:  snap.Time,
	}
}

func (e *EarlyEntry) selectSide(snap domain.MarketSnapshot) (string, bool) {
	switch e.cfg.SideSelection {
	case SideYesOnly:
		if snap.Outcome != domain.OutcomeYes {
			return "side selection yes_only", false
		}
	case SideNoOnly:
		if snap.Outcome != domain.OutcomeNo {
			return "side selection no_only", false
		}
	default:
		other := snap.ComplementMid
		if other <= 0 {
			other = 1 - snap.Mid
		}
		if snap.Mid > other {
			return fmt.Sprintf("complement leg cheaper: %.3f < %.3f", other, snap.Mid), false
		}
	}
	return "", true
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
