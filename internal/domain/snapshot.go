package domain

import "time"

// MarketSnapshot is the fused, point-in-time view of one token. It is
// produced fresh for every evaluation and never mutated afterwards.
type MarketSnapshot struct {
	TokenID           string
	ComplementTokenID string
	MarketID          string
	Asset             string
	Outcome           Outcome
	Strike            float64

	BestBid   float64
	BestAsk   float64
	Mid       float64
	Spread    float64
	SpreadPct float64 // spread as a percent of mid

	// ComplementMid is the mid of the opposite leg, taken from its own book
	// when fresh and otherwise inferred as 1 - Mid.
	ComplementMid float64

	OraclePrice float64

	MinutesSinceOpen       float64
	MinutesUntilResolution float64

	ImpliedProb float64 // equals Mid
	FairProb    float64
	Edge        float64 // FairProb - ImpliedProb

	BookAt   time.Time
	OracleAt time.Time
	Time     time.Time // when the snapshot was computed
}
