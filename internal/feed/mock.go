package feed

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

const (
	mockInitialMid = 0.45
	mockHalfSpread = 0.01
	mockMinMid     = 0.02
	mockMaxMid     = 0.98

	// The oracle walk moves a tenth of the relative volatility per tick.
	oracleVolScale = 0.1

	defaultOraclePrice = 100.0
)

// MockOraclePrices are the starting points of the oracle random walk.
var MockOraclePrices = map[string]float64{
	"BTC": 104500,
	"ETH": 3900,
	"XRP": 2.35,
}

// MockMarketStream is a random walk over the mid of each market, quoted with
// a fixed spread. Complementary tokens are kept at 1 - mid.
type MockMarketStream struct {
	markets  []domain.MarketInfo
	interval time.Duration
	vol      float64
	rng      *rand.Rand
	now      func() time.Time
}

// NewMockMarketStream creates a mock market feed ticking every interval.
func NewMockMarketStream(markets []domain.MarketInfo, interval time.Duration, vol float64, seed uint64) *MockMarketStream {
	return &MockMarketStream{
		markets:  markets,
		interval: interval,
		vol:      vol,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:      time.Now,
	}
}

// Run emits one update per market every interval.
func (s *MockMarketStream) Run(ctx context.Context, emit func(domain.MarketUpdate) error) error {
	mids := make(map[string]float64, len(s.markets))
	for _, m := range s.markets {
		mids[m.TokenID] = mockInitialMid
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		for _, u := range s.step(mids) {
			if err := emit(u); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// step advances every walk once and returns the resulting quotes.
func (s *MockMarketStream) step(mids map[string]float64) []domain.MarketUpdate {
	now := s.now()
	moved := make(map[string]bool, len(s.markets))
	out := make([]domain.MarketUpdate, 0, len(s.markets))

	for _, m := range s.markets {
		mid := mids[m.TokenID]
		if c := m.ComplementTokenID; c != "" && moved[c] {
			mid = 1 - mids[c]
		} else {
			mid += s.rng.NormFloat64() * s.vol
		}
		mid = math.Min(mockMaxMid, math.Max(mockMinMid, mid))
		mids[m.TokenID] = mid
		moved[m.TokenID] = true

		out = append(out, domain.MarketUpdate{
			TokenID:   m.TokenID,
			BestBid:   round2(mid - mockHalfSpread),
			BestAsk:   round2(mid + mockHalfSpread),
			Timestamp: now,
		})
	}
	return out
}

// MockOracleStream is a geometric random walk per asset.
type MockOracleStream struct {
	assets   []string
	interval time.Duration
	vol      float64
	rng      *rand.Rand
	now      func() time.Time
}

// NewMockOracleStream creates a mock oracle feed ticking every interval.
func NewMockOracleStream(assets []string, interval time.Duration, vol float64, seed uint64) *MockOracleStream {
	return &MockOracleStream{
		assets:   assets,
		interval: interval,
		vol:      vol * oracleVolScale,
		rng:      rand.New(rand.NewPCG(seed, seed^0x6a09e667f3bcc908)),
		now:      time.Now,
	}
}

// Run emits one update per asset every interval.
func (s *MockOracleStream) Run(ctx context.Context, emit func(domain.OracleUpdate) error) error {
	prices := make(map[string]float64, len(s.assets))
	for _, a := range s.assets {
		p, ok := MockOraclePrices[strings.ToUpper(a)]
		if !ok {
			p = defaultOraclePrice
		}
		prices[a] = p
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		now := s.now()
		for _, a := range s.assets {
			prices[a] *= 1 + s.rng.NormFloat64()*s.vol
			if err := emit(domain.OracleUpdate{Asset: strings.ToUpper(a), Price: prices[a], Timestamp: now}); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
