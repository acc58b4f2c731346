package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedSource fails failures times, then emits its events and finishes.
type scriptedSource struct {
	name     string
	failures int32
	events   []domain.Event
	runs     atomic.Int32
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) Run(_ context.Context, emit func(domain.Event) error) error {
	if s.runs.Add(1) <= s.failures {
		return domain.ErrWSDisconnect
	}
	for _, ev := range s.events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

func testMerger() *Merger {
	m := NewMerger(discardLogger())
	m.InitialBackoff = time.Millisecond
	m.MaxBackoff = 2 * time.Millisecond
	return m
}

func TestMergeCombinesSourcesAndCloses(t *testing.T) {
	market := &scriptedSource{name: "market", events: []domain.Event{
		domain.NewMarketEvent(domain.MarketUpdate{TokenID: "a", BestBid: 0.4, BestAsk: 0.42}),
		domain.NewMarketEvent(domain.MarketUpdate{TokenID: "b", BestBid: 0.5, BestAsk: 0.52}),
	}}
	oracle := &scriptedSource{name: "oracle", failures: 2, events: []domain.Event{
		domain.NewOracleEvent(domain.OracleUpdate{Asset: "BTC", Price: 100}),
	}}

	out := make(chan domain.Event, 8)
	require.NoError(t, testMerger().Run(context.Background(), out, market, oracle))

	var kinds []domain.EventKind
	for ev := range out {
		kinds = append(kinds, ev.Kind)
	}
	assert.Len(t, kinds, 3)
	assert.Contains(t, kinds, domain.EventOracle)
	assert.Equal(t, int32(3), oracle.runs.Load(), "two failed sessions then one good one")
}

type blockingSource struct{}

func (blockingSource) Name() string { return "blocking" }

func (blockingSource) Run(ctx context.Context, emit func(domain.Event) error) error {
	for {
		if err := emit(domain.NewOracleEvent(domain.OracleUpdate{Asset: "ETH", Price: 1})); err != nil {
			return err
		}
	}
}

func TestMergeStopsOnCancelWithFullChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan domain.Event, 1)

	done := make(chan error, 1)
	go func() { done <- testMerger().Run(ctx, out, blockingSource{}) }()

	<-out // the consumer drains one, the source blocks on the next
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("merge did not stop")
	}
	for range out {
	}
}

type failingStream struct{ err error }

func (f failingStream) Run(context.Context, func(domain.MarketUpdate) error) error { return f.err }

func TestMarketSourceAdapts(t *testing.T) {
	src := MarketSource("pm", failingStream{err: errors.New("down")})
	assert.Equal(t, "pm", src.Name())
	assert.EqualError(t, src.Run(context.Background(), func(domain.Event) error { return nil }), "down")
}

func TestMockMarketKeepsComplementsConsistent(t *testing.T) {
	markets := []domain.MarketInfo{
		{TokenID: "yes", ComplementTokenID: "no"},
		{TokenID: "no", ComplementTokenID: "yes"},
	}
	s := NewMockMarketStream(markets, time.Millisecond, 0.05, 7)
	mids := map[string]float64{"yes": mockInitialMid, "no": 1 - mockInitialMid}

	for range 200 {
		updates := s.step(mids)
		require.Len(t, updates, 2)
		for _, u := range updates {
			assert.Less(t, u.BestBid, u.BestAsk)
			assert.GreaterOrEqual(t, u.BestBid, 0.0)
			assert.LessOrEqual(t, u.BestAsk, 1.0)
		}
		assert.InDelta(t, 1.0, mids["yes"]+mids["no"], 1e-9)
	}
}

func TestMockOracleStartsAtKnownPrices(t *testing.T) {
	s := NewMockOracleStream([]string{"btc", "DOGE"}, time.Hour, 0.01, 1)
	ctx, cancel := context.WithCancel(context.Background())

	var got []domain.OracleUpdate
	err := s.Run(ctx, func(u domain.OracleUpdate) error {
		got = append(got, u)
		if len(got) == 2 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, got, 2)
	assert.Equal(t, "BTC", got[0].Asset)
	assert.InEpsilon(t, 104500, got[0].Price, 0.01)
	assert.InEpsilon(t, defaultOraclePrice, got[1].Price, 0.01)
}
