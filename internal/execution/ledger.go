package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

const (
	dustShares = 1e-6
	// minOrderShares is the smallest share increment an order can carry.
	minOrderShares = 0.01
)

// InventoryObserver receives a copy of the inventory after every change.
type InventoryObserver func(domain.Inventory)

// Ledger owns the inventory. Each mutation is applied atomically under one
// lock so a partially applied fill is never observable.
type Ledger struct {
	mu        sync.Mutex
	inv       domain.Inventory
	observers []InventoryObserver
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{inv: domain.NewInventory()}
}

// Observe registers fn for inventory updates. Observers are called outside
// the ledger lock.
func (l *Ledger) Observe(fn InventoryObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Inventory returns a deep copy of the current inventory.
func (l *Ledger) Inventory() domain.Inventory {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inv.Clone()
}

// ApplyFill books shares executed for notional USD against req. A non-nil
// error reports an invariant violation (selling a position that does not
// exist or selling more shares than held); the fill is still booked as far
// as possible.
func (l *Ledger) ApplyFill(req domain.OrderRequest, shares, notional float64, at time.Time) error {
	if shares <= 0 || notional <= 0 {
		return nil
	}

	l.mu.Lock()
	var violation error
	switch req.Action {
	case domain.ActionEnter:
		l.buyLocked(req, shares, notional, at)
	case domain.ActionExit:
		violation = l.sellLocked(req, shares, notional, at)
	}
	l.inv.TotalExposure = l.inv.SumNotional()
	l.inv.UpdatedAt = at
	snap, observers := l.inv.Clone(), l.observers
	l.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
	return violation
}

func (l *Ledger) buyLocked(req domain.OrderRequest, shares, notional float64, at time.Time) {
	pos, ok := l.inv.Positions[req.TokenID]
	if !ok {
		pos = domain.Position{
			TokenID:  req.TokenID,
			MarketID: req.MarketID,
			Outcome:  req.Outcome,
			Side:     req.Side,
			OpenedAt: at,
		}
	}
	pos.Size += notional
	pos.Shares += shares
	pos.EntryPrice = pos.Size / pos.Shares
	pos.CurrentPrice = notional / shares
	pos.UpdatedAt = at
	l.inv.Positions[req.TokenID] = pos
}

func (l *Ledger) sellLocked(req domain.OrderRequest, shares, notional float64, at time.Time) error {
	pos, ok := l.inv.Positions[req.TokenID]
	if !ok || pos.Shares <= 0 {
		l.inv.RealizedPnL += notional
		return fmt.Errorf("execution: ledger: sell fill for %s without open position", req.TokenID)
	}

	sold := shares
	var violation error
	if sold > pos.Shares+dustShares {
		violation = fmt.Errorf("execution: ledger: sold %.6f shares of %s, held %.6f", sold, req.TokenID, pos.Shares)
		sold = pos.Shares
	}
	cost := pos.Size * (sold / pos.Shares)
	l.inv.RealizedPnL += notional - cost

	pos.Size -= cost
	pos.Shares -= sold
	pos.CurrentPrice = notional / shares
	pos.UpdatedAt = at
	switch {
	case pos.Shares <= dustShares:
		delete(l.inv.Positions, req.TokenID)
	case pos.Shares < minOrderShares:
		// Below the exchange's share increment the remainder cannot be
		// sold; its cost is written off.
		l.inv.RealizedPnL -= pos.Size
		delete(l.inv.Positions, req.TokenID)
	default:
		l.inv.Positions[req.TokenID] = pos
	}
	return violation
}

// MarkToMarket updates the current price of a held token. It reports whether
// the token was held.
func (l *Ledger) MarkToMarket(tokenID string, price float64, at time.Time) bool {
	l.mu.Lock()
	pos, ok := l.inv.Positions[tokenID]
	if !ok || price <= 0 {
		l.mu.Unlock()
		return false
	}
	pos.CurrentPrice = price
	pos.UpdatedAt = at
	l.inv.Positions[tokenID] = pos
	l.inv.UpdatedAt = at
	snap, observers := l.inv.Clone(), l.observers
	l.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
	return true
}

// Restore replaces the open positions, typically with those reloaded from
// storage at startup. Realized P&L is kept.
func (l *Ledger) Restore(positions []domain.Position) {
	l.mu.Lock()
	l.inv.Positions = make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		l.inv.Positions[p.TokenID] = p
	}
	l.inv.TotalExposure = l.inv.SumNotional()
	snap, observers := l.inv.Clone(), l.observers
	l.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

// Reset clears the inventory. Observers are kept.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inv = domain.NewInventory()
}
