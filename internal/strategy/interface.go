// Package strategy turns market snapshots into trade intents.
package strategy

import "github.com/alanyoungcy/polyhft/internal/domain"

// Strategy defines the contract for decision policies. Evaluate must be pure:
// no I/O, no retained state, deterministic for the same inputs.
type Strategy interface {
	Name() string
	Evaluate(snap domain.MarketSnapshot, inv domain.Inventory) domain.TradeIntent
}

// Config selects a strategy and carries the parameters of every variant.
type Config struct {
	Name       string
	EarlyEntry EarlyEntryConfig
}
