package domain

import (
	"maps"
	"time"
)

// Position is an open holding in one token. Size is the USD cost basis and
// Shares the number of outcome tokens held.
type Position struct {
	TokenID      string
	MarketID     string
	Outcome      Outcome
	Side         Side
	EntryPrice   float64
	Size         float64
	Shares       float64
	CurrentPrice float64
	OpenedAt     time.Time
	UpdatedAt    time.Time
}

// Notional is the exposure contributed by the position.
func (p Position) Notional() float64 {
	return p.Size
}

// MarketValue marks the position at its current price, falling back to the
// entry price when no mark has been observed yet.
func (p Position) MarketValue() float64 {
	price := p.CurrentPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return p.Shares * price
}

// UnrealizedPnL is the mark-to-market profit of the position in USD.
func (p Position) UnrealizedPnL() float64 {
	return p.MarketValue() - p.Size
}

// UnrealizedPnLPct is UnrealizedPnL as a percent of the cost basis.
func (p Position) UnrealizedPnLPct() float64 {
	if p.Size <= 0 {
		return 0
	}
	return p.UnrealizedPnL() / p.Size * 100
}

// Inventory is the set of open positions plus aggregate P&L. TotalExposure
// always equals the sum of position notionals.
type Inventory struct {
	Positions     map[string]Position
	TotalExposure float64
	RealizedPnL   float64
	UpdatedAt     time.Time
}

// NewInventory returns an empty inventory.
func NewInventory() Inventory {
	return Inventory{Positions: make(map[string]Position)}
}

// Position looks up the open position for a token.
func (inv Inventory) Position(tokenID string) (Position, bool) {
	p, ok := inv.Positions[tokenID]
	return p, ok
}

// OpenCount returns the number of open positions.
func (inv Inventory) OpenCount() int {
	return len(inv.Positions)
}

// UnrealizedPnL sums mark-to-market P&L across positions.
func (inv Inventory) UnrealizedPnL() float64 {
	var total float64
	for _, p := range inv.Positions {
		total += p.UnrealizedPnL()
	}
	return total
}

// TotalPnL is realized plus unrealized P&L.
func (inv Inventory) TotalPnL() float64 {
	return inv.RealizedPnL + inv.UnrealizedPnL()
}

// Clone returns a deep copy that shares no mutable state with inv.
func (inv Inventory) Clone() Inventory {
	out := inv
	out.Positions = maps.Clone(inv.Positions)
	if out.Positions == nil {
		out.Positions = make(map[string]Position)
	}
	return out
}

// SumNotional recomputes the exposure from the individual positions.
func (inv Inventory) SumNotional() float64 {
	var total float64
	for _, p := range inv.Positions {
		total += p.Notional()
	}
	return total
}
