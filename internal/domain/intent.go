package domain

import "time"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// IntentAction is what a strategy proposes to do with a token.
type IntentAction string

const (
	ActionEnter IntentAction = "ENTER"
	ActionExit  IntentAction = "EXIT"
	ActionHold  IntentAction = "HOLD"
)

// TradeIntent is a proposed, unvalidated trade. Intents are produced once per
// cycle and consumed immediately by the risk manager.
type TradeIntent struct {
	Action     IntentAction
	Side       Side
	Outcome    Outcome
	TokenID    string
	MarketID   string
	Price      float64
	Size       float64 // USD notional
	Reason     string
	Confidence float64
	Strategy   string
	CreatedAt  time.Time
}

// Hold builds a HOLD intent for the snapshot's token.
func Hold(snap MarketSnapshot, strategy, reason string) TradeIntent {
	return TradeIntent{
		Action:    ActionHold,
		Outcome:   snap.Outcome,
		TokenID:   snap.TokenID,
		MarketID:  snap.MarketID,
		Reason:    reason,
		Strategy:  strategy,
		CreatedAt: snap.Time,
	}
}

// IsActionable reports whether the intent asks for an order.
func (t TradeIntent) IsActionable() bool {
	return t.Action == ActionEnter || t.Action == ActionExit
}
