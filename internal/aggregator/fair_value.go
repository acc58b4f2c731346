package aggregator

import (
	"math"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// FairValueFunc maps the oracle's distance from the strike and the time left
// to resolution onto the probability that the YES outcome pays out. It must
// be monotonic in oracle price and saturate toward 0 or 1 as minutesLeft
// approaches zero.
type FairValueFunc func(oracle, strike, minutesLeft float64) float64

// minMinutesLeft floors the time term so the final second before resolution
// still produces a finite score.
const minMinutesLeft = 1.0 / 60

// LogisticFairValue returns a FairValueFunc that applies a logistic curve to
// the percent distance from strike, scaled by 1/sqrt(minutes left).
func LogisticFairValue(steepness float64) FairValueFunc {
	if steepness <= 0 {
		steepness = 8
	}
	return func(oracle, strike, minutesLeft float64) float64 {
		if strike <= 0 {
			return 0.5
		}
		distPct := (oracle - strike) / strike * 100
		t := math.Max(minutesLeft, minMinutesLeft)
		z := steepness * distPct / math.Sqrt(t)
		return 1 / (1 + math.Exp(-z))
	}
}

// fairForOutcome converts the YES probability into the probability of the
// token's own outcome.
func fairForOutcome(pYes float64, outcome domain.Outcome) float64 {
	if outcome == domain.OutcomeNo {
		return 1 - pYes
	}
	return pYes
}
