package strategy

import "github.com/alanyoungcy/polyhft/internal/domain"

// Base never trades. It is the no-op variant used to run the pipeline
// without taking positions.
type Base struct{}

// Name returns the strategy identifier.
func (Base) Name() string { return "base" }

// Evaluate always returns HOLD.
func (b Base) Evaluate(snap domain.MarketSnapshot, _ domain.Inventory) domain.TradeIntent {
	return domain.Hold(snap, b.Name(), "base strategy holds")
}
