package polymarket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyhft/internal/crypto"
	"github.com/alanyoungcy/polyhft/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAPI struct {
	mu        sync.Mutex
	result    APIOrderResult
	postErr   error
	posted    []SignedOrder
	cancelled []string
	states    []APIOrder // returned in order, last one repeats
	// onCancel, when set, replaces states once CancelOrder is called.
	onCancel *APIOrder
}

func (f *fakeAPI) setStates(states ...APIOrder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = states
}

func (f *fakeAPI) postedOrders() []SignedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SignedOrder(nil), f.posted...)
}

func (f *fakeAPI) PostOrder(_ context.Context, order SignedOrder, _ string) (APIOrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, order)
	return f.result, f.postErr
}

func (f *fakeAPI) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	if f.onCancel != nil {
		f.states = []APIOrder{*f.onCancel}
	}
	return nil
}

func (f *fakeAPI) GetOrder(context.Context, string) (APIOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return APIOrder{}, domain.ErrNotFound
	}
	o := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return o, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}

func newTestGateway(t *testing.T, api OrderAPI, opts ...GatewayOption) *Gateway {
	t.Helper()
	return newPollingGateway(t, api, 5*time.Millisecond, opts...)
}

func newPollingGateway(t *testing.T, api OrderAPI, poll time.Duration, opts ...GatewayOption) *Gateway {
	t.Helper()
	signer, err := crypto.NewSigner(testKey, 137, "")
	require.NoError(t, err)
	g := NewGateway(api, signer, GatewayConfig{PollInterval: poll, OrdersPerWindow: 10, OrderWindow: time.Second}, discardLogger(), opts...)
	t.Cleanup(g.Close)
	return g
}

func buyRequest() domain.OrderRequest {
	return domain.OrderRequest{
		ID:         "req-1",
		TokenID:    "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		Action:     domain.ActionEnter,
		Side:       domain.SideBuy,
		Outcome:    domain.OutcomeYes,
		Price:      0.35,
		Size:       17.5,
		LimitPrice: 0.357,
	}
}

func TestOrderAmounts(t *testing.T) {
	price, maker, taker, err := orderAmounts(buyRequest())
	require.NoError(t, err)
	assert.Equal(t, "0.35", price.String(), "buy limit floors to the tick")
	assert.Equal(t, "17500000", maker, "buyer pays USDC")
	assert.Equal(t, "50000000", taker, "buyer receives shares")

	sell := buyRequest()
	sell.Side = domain.SideSell
	sell.Action = domain.ActionExit
	sell.LimitPrice = 0.343
	price, maker, taker, err = orderAmounts(sell)
	require.NoError(t, err)
	assert.Equal(t, "0.35", price.String(), "sell limit ceils to the tick")
	assert.Equal(t, "50000000", maker)
	assert.Equal(t, "17500000", taker)

	tiny := buyRequest()
	tiny.Size = 0.001
	_, _, _, err = orderAmounts(tiny)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestSubmitAcksAndReportsFill(t *testing.T) {
	api := &fakeAPI{
		result: APIOrderResult{Success: true, OrderID: "0xorder", Status: "live"},
		states: []APIOrder{
			{Status: "LIVE", OriginalSize: "50", SizeMatched: "20", Price: "0.35"},
			{Status: "MATCHED", OriginalSize: "50", SizeMatched: "50", Price: "0.35"},
		},
	}
	g := newTestGateway(t, api)

	events := make(chan domain.GatewayEvent, 8)
	require.NoError(t, g.Submit(context.Background(), buyRequest(), func(ev domain.GatewayEvent) { events <- ev }))

	ack := <-events
	assert.Equal(t, domain.GatewayAck, ack.Kind)
	assert.Equal(t, "0xorder", ack.OrderID)

	partial := <-events
	assert.Equal(t, domain.GatewayFill, partial.Kind)
	assert.InDelta(t, 7.0, partial.FilledSize, 1e-9)
	assert.InDelta(t, 20, partial.FilledShares, 1e-9)
	assert.False(t, partial.Final)

	final := <-events
	assert.True(t, final.Final)
	assert.InDelta(t, 17.5, final.FilledSize, 1e-9)
	assert.InDelta(t, 50, final.FilledShares, 1e-9)

	require.Len(t, api.posted, 1)
	posted := api.posted[0]
	assert.Equal(t, "BUY", posted.Side)
	assert.Equal(t, posted.Maker, posted.Signer, "EOA signature type makes the signer the maker")
	assert.NotEmpty(t, posted.Signature)
}

func TestSubmitClassifiesRefusals(t *testing.T) {
	api := &fakeAPI{result: APIOrderResult{Success: false, ErrorMsg: "not enough balance"}}
	g := newTestGateway(t, api)
	err := g.Submit(context.Background(), buyRequest(), func(domain.GatewayEvent) {})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.False(t, domain.IsTransient(err))

	api.result.ShouldRetry = true
	err = g.Submit(context.Background(), buyRequest(), func(domain.GatewayEvent) {})
	assert.True(t, domain.IsTransient(err))

	api.postErr = errors.New("boom")
	err = g.Submit(context.Background(), buyRequest(), func(domain.GatewayEvent) {})
	assert.Error(t, err)
}

func TestSubmitRespectsRateLimiter(t *testing.T) {
	api := &fakeAPI{result: APIOrderResult{Success: true, OrderID: "x"}}
	g := newTestGateway(t, api, WithRateLimiter(denyLimiter{}))
	err := g.Submit(context.Background(), buyRequest(), func(domain.GatewayEvent) {})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Empty(t, api.posted)
}

func TestOrderEventCancelled(t *testing.T) {
	ev, done := orderEvent("o1", 0.35, APIOrder{Status: "CANCELED", OriginalSize: "50", SizeMatched: "0"}, 0, testNow)
	require.NotNil(t, ev)
	assert.True(t, done)
	assert.Equal(t, domain.GatewayCancelled, ev.Kind)

	ev, done = orderEvent("o1", 0.35, APIOrder{Status: "CANCELED", OriginalSize: "50", SizeMatched: "10"}, 0, testNow)
	require.NotNil(t, ev)
	assert.True(t, done)
	assert.Equal(t, domain.GatewayFill, ev.Kind)
	assert.True(t, ev.Final)
	assert.InDelta(t, 10, ev.FilledShares, 1e-9)
	assert.InDelta(t, 3.5, ev.FilledSize, 1e-9)

	ev, done = orderEvent("o1", 0.35, APIOrder{Status: "LIVE", OriginalSize: "50", SizeMatched: "10"}, 10, testNow)
	assert.Nil(t, ev, "no new fill since the last report")
	assert.False(t, done)
}

func TestOrderEventReportsExchangeShares(t *testing.T) {
	// A sell limit rounded below the request price still reports the
	// shares the exchange matched, not notional at the request price.
	ev, done := orderEvent("o1", 0.45, APIOrder{Status: "MATCHED", OriginalSize: "111.11", SizeMatched: "111.11", Price: "0.45"}, 0, testNow)
	require.NotNil(t, ev)
	assert.True(t, done)
	assert.True(t, ev.Final)
	assert.InDelta(t, 111.11, ev.FilledShares, 1e-9)
	assert.InDelta(t, 111.11*0.45, ev.FilledSize, 1e-9)
	assert.Equal(t, 0.45, ev.AvgPrice)

	ev, _ = orderEvent("o1", 0.45, APIOrder{Status: "MATCHED", OriginalSize: "20", SizeMatched: "0"}, 0, testNow)
	require.NotNil(t, ev)
	assert.InDelta(t, 20, ev.FilledShares, 1e-9, "matched without size falls back to the order size")
}

func TestCancelIgnoresUnknownOrders(t *testing.T) {
	api := &fakeAPI{}
	g := newTestGateway(t, api)
	require.NoError(t, g.Cancel(context.Background(), "0xorder"))
	assert.Equal(t, []string{"0xorder"}, api.cancelled)
}
