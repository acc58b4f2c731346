package domain

import (
	"fmt"
	"strings"
	"time"
)

// Outcome identifies which leg of a binary market a token pays out on.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// ParseOutcome accepts the common spellings used by exchanges and config
// files ("yes", "Up", "NO", ...).
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES", "UP":
		return OutcomeYes, nil
	case "NO", "DOWN":
		return OutcomeNo, nil
	default:
		return "", fmt.Errorf("domain: unknown outcome %q", s)
	}
}

// MarketInfo is the static metadata of one tradable token. Snapshots cannot
// be produced for a token until its MarketInfo has been registered.
type MarketInfo struct {
	TokenID           string
	ComplementTokenID string // token of the opposite outcome, may be empty
	MarketID          string // slug or condition id, used for grouping
	Asset             string // oracle symbol, e.g. "BTC"
	Outcome           Outcome
	Strike            float64
	OpenAt            time.Time
	Duration          time.Duration
}

// EndsAt returns the resolution time of the market.
func (m MarketInfo) EndsAt() time.Time {
	return m.OpenAt.Add(m.Duration)
}

// Validate reports missing or inconsistent metadata.
func (m MarketInfo) Validate() error {
	switch {
	case m.TokenID == "":
		return fmt.Errorf("domain: market info: token id is required")
	case m.Asset == "":
		return fmt.Errorf("domain: market info %s: asset is required", m.TokenID)
	case m.Outcome != OutcomeYes && m.Outcome != OutcomeNo:
		return fmt.Errorf("domain: market info %s: invalid outcome %q", m.TokenID, m.Outcome)
	case m.Strike <= 0:
		return fmt.Errorf("domain: market info %s: strike must be positive", m.TokenID)
	case m.OpenAt.IsZero():
		return fmt.Errorf("domain: market info %s: open time is required", m.TokenID)
	case m.Duration <= 0:
		return fmt.Errorf("domain: market info %s: duration must be positive", m.TokenID)
	}
	return nil
}

// MarketUpdate is a top-of-book observation delivered by the market gateway.
type MarketUpdate struct {
	TokenID   string
	BestBid   float64
	BestAsk   float64
	Timestamp time.Time
}

// OracleUpdate is a reference price observation delivered by the oracle
// gateway. Updates are scoped to an asset, not a token.
type OracleUpdate struct {
	Asset     string
	Price     float64
	Timestamp time.Time
}

// EventKind discriminates the payload carried by an Event.
type EventKind int

const (
	EventMarket EventKind = iota + 1
	EventOracle
)

func (k EventKind) String() string {
	switch k {
	case EventMarket:
		return "market"
	case EventOracle:
		return "oracle"
	default:
		return "unknown"
	}
}

// Event is the element type of the merged feed channel consumed by the
// decision loop. Exactly one of Market or Oracle is meaningful, as selected
// by Kind.
type Event struct {
	Kind   EventKind
	Market MarketUpdate
	Oracle OracleUpdate
}

// NewMarketEvent wraps a market update.
func NewMarketEvent(u MarketUpdate) Event {
	return Event{Kind: EventMarket, Market: u}
}

// NewOracleEvent wraps an oracle update.
func NewOracleEvent(u OracleUpdate) Event {
	return Event{Kind: EventOracle, Oracle: u}
}
