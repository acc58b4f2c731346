// Package aggregator fuses exchange order-book updates and oracle prices into
// per-token market snapshots.
package aggregator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// Config holds the aggregator's tunables.
type Config struct {
	// Staleness is the maximum age of a book or oracle observation that may
	// feed a snapshot. Zero disables the freshness check.
	Staleness time.Duration
	// PendingLimit bounds the number of unregistered tokens whose latest
	// update is buffered.
	PendingLimit int
	// FairValueSteepness parameterises the default logistic fair value.
	FairValueSteepness float64
}

type book struct {
	bid, ask float64
	at       time.Time
}

type oracle struct {
	price float64
	at    time.Time
}

// Aggregator holds the latest book per token and the latest oracle price per
// asset. Mutations are serialised; readers may call Snapshot concurrently.
type Aggregator struct {
	cfg    Config
	fair   FairValueFunc
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	markets map[string]domain.MarketInfo
	books   map[string]book
	oracles map[string]oracle
	byAsset map[string][]string
	pending map[string]domain.MarketUpdate
	dropped int
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithFairValue replaces the fair probability policy.
func WithFairValue(f FairValueFunc) Option {
	return func(a *Aggregator) { a.fair = f }
}

// New creates an empty Aggregator.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Aggregator {
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 1024
	}
	a := &Aggregator{
		cfg:     cfg,
		fair:    LogisticFairValue(cfg.FairValueSteepness),
		now:     time.Now,
		logger:  logger.With(slog.String("component", "aggregator")),
		markets: make(map[string]domain.MarketInfo),
		books:   make(map[string]book),
		oracles: make(map[string]oracle),
		byAsset: make(map[string][]string),
		pending: make(map[string]domain.MarketUpdate),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterMarket adds or replaces the metadata for a token and replays any
// update buffered while the token was unknown.
func (a *Aggregator) RegisterMarket(info domain.MarketInfo) error {
	if err := info.Validate(); err != nil {
		return fmt.Errorf("aggregator: register market: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	prev, existed := a.markets[info.TokenID]
	if existed && prev.Asset != info.Asset {
		a.byAsset[prev.Asset] = removeToken(a.byAsset[prev.Asset], info.TokenID)
	}
	if !existed || prev.Asset != info.Asset {
		a.byAsset[info.Asset] = append(a.byAsset[info.Asset], info.TokenID)
	}
	a.markets[info.TokenID] = info

	if u, ok := a.pending[info.TokenID]; ok {
		delete(a.pending, info.TokenID)
		a.applyMarketLocked(u)
		a.logger.Debug("replayed buffered market update",
			slog.String("token_id", info.TokenID),
		)
	}
	return nil
}

// OnMarketUpdate stores the latest top of book for a token. Invalid and
// out-of-order updates are dropped; updates for unknown tokens are buffered
// until RegisterMarket is called.
func (a *Aggregator) OnMarketUpdate(u domain.MarketUpdate) {
	if u.BestBid <= 0 || u.BestAsk > 1 || u.BestBid > u.BestAsk {
		a.logger.Debug("dropping invalid book",
			slog.String("token_id", u.TokenID),
			slog.Float64("bid", u.BestBid),
			slog.Float64("ask", u.BestAsk),
		)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.markets[u.TokenID]; !ok {
		a.bufferLocked(u)
		return
	}
	a.applyMarketLocked(u)
}

func (a *Aggregator) applyMarketLocked(u domain.MarketUpdate) {
	if prev, ok := a.books[u.TokenID]; ok && u.Timestamp.Before(prev.at) {
		return
	}
	a.books[u.TokenID] = book{bid: u.BestBid, ask: u.BestAsk, at: u.Timestamp}
}

func (a *Aggregator) bufferLocked(u domain.MarketUpdate) {
	if prev, ok := a.pending[u.TokenID]; ok {
		if !u.Timestamp.Before(prev.Timestamp) {
			a.pending[u.TokenID] = u
		}
		return
	}
	if len(a.pending) >= a.cfg.PendingLimit {
		a.dropped++
		if a.dropped == 1 || a.dropped%1000 == 0 {
			a.logger.Warn("pending buffer full, dropping update for unknown token",
				slog.String("token_id", u.TokenID),
				slog.Int("dropped", a.dropped),
			)
		}
		return
	}
	a.pending[u.TokenID] = u
	a.logger.Info("buffering update for unregistered token",
		slog.String("token_id", u.TokenID),
	)
}

// OnOracleUpdate stores the latest reference price for an asset.
func (a *Aggregator) OnOracleUpdate(u domain.OracleUpdate) {
	if u.Asset == "" || u.Price <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.oracles[u.Asset]; ok && u.Timestamp.Before(prev.at) {
		return
	}
	a.oracles[u.Asset] = oracle{price: u.Price, at: u.Timestamp}
}

// TokensForAsset returns every registered token backed by asset.
func (a *Aggregator) TokensForAsset(asset string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.byAsset[asset]))
	copy(out, a.byAsset[asset])
	return out
}

// Market returns the registered metadata for a token.
func (a *Aggregator) Market(tokenID string) (domain.MarketInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.markets[tokenID]
	return m, ok
}

// Markets lists registered markets ordered by token id.
func (a *Aggregator) Markets() []domain.MarketInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]domain.MarketInfo, 0, len(a.markets))
	for _, m := range a.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// PendingCount reports how many unregistered tokens have a buffered update.
func (a *Aggregator) PendingCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.pending)
}

// Snapshot computes the current view of a token. It returns an error wrapping
// domain.ErrNotReady whenever any input is missing, stale, or the market is
// outside its trading window.
func (a *Aggregator) Snapshot(tokenID string) (domain.MarketSnapshot, error) {
	now := a.now()

	a.mu.RLock()
	defer a.mu.RUnlock()

	info, ok := a.markets[tokenID]
	if !ok {
		return domain.MarketSnapshot{}, fmt.Errorf("aggregator: %s unknown token: %w", tokenID, domain.ErrNotReady)
	}
	b, ok := a.books[tokenID]
	if !ok {
		return domain.MarketSnapshot{}, fmt.Errorf("aggregator: %s no book: %w", tokenID, domain.ErrNotReady)
	}
	o, ok := a.oracles[info.Asset]
	if !ok {
		return domain.MarketSnapshot{}, fmt.Errorf("aggregator: %s no oracle price for %s: %w", tokenID, info.Asset, domain.ErrNotReady)
	}
	if a.stale(b.at, now) {
		return domain.MarketSnapshot{}, fmt.Errorf("aggregator: %s book stale since %s: %w", tokenID, b.at.Format(time.RFC3339), domain.ErrNotReady)
	}
	if a.stale(o.at, now) {
		return domain.MarketSnapshot{}, fmt.Errorf("aggregator: %s oracle stale since %s: %w", tokenID, o.at.Format(time.RFC3339), domain.ErrNotReady)
	}

	sinceOpen := now.Sub(info.OpenAt)
	untilEnd := info.EndsAt().Sub(now)
	if sinceOpen < 0 {
		return domain.MarketSnapshot{}, fmt.Errorf("aggregator: %s market not open: %w", tokenID, domain.ErrNotReady)
	}
	if untilEnd <= 0 {
		return domain.MarketSnapshot{}, fmt.Errorf("aggregator: %s market resolved: %w", tokenID, domain.ErrNotReady)
	}

	mid := (b.bid + b.ask) / 2
	spread := b.ask - b.bid
	minutesLeft := untilEnd.Minutes()
	fair := fairForOutcome(a.fair(o.price, info.Strike, minutesLeft), info.Outcome)

	complementMid := 1 - mid
	if info.ComplementTokenID != "" {
		if cb, ok := a.books[info.ComplementTokenID]; ok && !a.stale(cb.at, now) {
			complementMid = (cb.bid + cb.ask) / 2
		}
	}

	return domain.MarketSnapshot{
		TokenID:                tokenID,
		ComplementTokenID:      info.ComplementTokenID,
		MarketID:               info.MarketID,
		Asset:                  info.Asset,
		Outcome:                info.Outcome,
		Strike:                 info.Strike,
		BestBid:                b.bid,
		BestAsk:                b.ask,
		Mid:                    mid,
		Spread:                 spread,
		SpreadPct:              spread / mid * 100,
		ComplementMid:          complementMid,
		OraclePrice:            o.price,
		MinutesSinceOpen:       sinceOpen.Minutes(),
		MinutesUntilResolution: minutesLeft,
		ImpliedProb:            mid,
		FairProb:               fair,
		Edge:                   fair - mid,
		BookAt:                 b.at,
		OracleAt:               o.at,
		Time:                   now,
	}, nil
}

func (a *Aggregator) stale(at, now time.Time) bool {
	return a.cfg.Staleness > 0 && now.Sub(at) > a.cfg.Staleness
}

func removeToken(list []string, tokenID string) []string {
	out := list[:0]
	for _, t := range list {
		if t != tokenID {
			out = append(out, t)
		}
	}
	return out
}
