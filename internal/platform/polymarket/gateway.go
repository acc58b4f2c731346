package polymarket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyhft/internal/crypto"
	"github.com/alanyoungcy/polyhft/internal/domain"
	"github.com/alanyoungcy/polyhft/internal/execution"
)

const (
	zeroAddress  = "0x0000000000000000000000000000000000000000"
	orderTypeGTC = "GTC"

	// sigTypeSafe is POLY_GNOSIS_SAFE: the maker is the proxy wallet and the
	// EOA only signs.
	sigTypeSafe = 2

	rateLimitKey = "clob:orders"
)

var (
	tick      = decimal.RequireFromString("0.01")
	minPrice  = decimal.RequireFromString("0.01")
	maxPrice  = decimal.RequireFromString("0.99")
	usdcScale = decimal.New(1, 6)
)

// OrderAPI is the subset of the CLOB REST API the gateway drives.
type OrderAPI interface {
	PostOrder(ctx context.Context, order SignedOrder, orderType string) (APIOrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (APIOrder, error)
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// SafeAddress is the proxy wallet used as maker when SignatureType is 2.
	SafeAddress   string
	SignatureType int
	PollInterval  time.Duration
	// OrdersPerWindow and OrderWindow throttle PostOrder when a limiter is set.
	OrdersPerWindow int
	OrderWindow     time.Duration
}

// Gateway is the live execution.OrderGateway. It signs and posts GTC limit
// orders, then polls each order until it is matched or cancelled.
type Gateway struct {
	api     OrderAPI
	signer  *crypto.Signer
	cfg     GatewayConfig
	limiter domain.RateLimiter
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pollers map[string]chan struct{} // order id -> stop
	wg      sync.WaitGroup
	closed  bool
}

var _ execution.OrderGateway = (*Gateway)(nil)

// GatewayOption customises a Gateway.
type GatewayOption func(*Gateway)

// WithRateLimiter throttles order posts through a shared limiter.
func WithRateLimiter(l domain.RateLimiter) GatewayOption {
	return func(g *Gateway) { g.limiter = l }
}

// WithGatewayClock replaces time.Now for event timestamps.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a live order gateway.
func NewGateway(api OrderAPI, signer *crypto.Signer, cfg GatewayConfig, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	g := &Gateway{
		api:     api,
		signer:  signer,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "polymarket_gateway")),
		now:     time.Now,
		pollers: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit signs and posts the order. On success an ack is emitted and a
// poller reports fills until the order reaches a terminal status.
func (g *Gateway) Submit(ctx context.Context, req domain.OrderRequest, events execution.EventFunc) error {
	if g.limiter != nil && g.cfg.OrdersPerWindow > 0 {
		ok, err := g.limiter.Allow(ctx, rateLimitKey, g.cfg.OrdersPerWindow, g.cfg.OrderWindow)
		if err != nil {
			g.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			return fmt.Errorf("polymarket/gateway: %w", domain.ErrRateLimited)
		}
	}

	order, price, err := g.buildOrder(req)
	if err != nil {
		return err
	}

	res, err := g.api.PostOrder(ctx, order, orderTypeGTC)
	if err != nil {
		return fmt.Errorf("polymarket/gateway: %w", err)
	}
	if !res.Success || res.OrderID == "" {
		if res.ShouldRetry {
			return fmt.Errorf("polymarket/gateway: %w: %s", domain.ErrTransient, res.ErrorMsg)
		}
		return fmt.Errorf("polymarket/gateway: %w: %s", domain.ErrInvalidOrder, res.ErrorMsg)
	}

	g.logger.InfoContext(ctx, "order posted",
		slog.String("request_id", req.ID),
		slog.String("order_id", res.OrderID),
		slog.String("status", res.Status),
		slog.String("price", price.String()),
	)
	events(domain.GatewayEvent{Kind: domain.GatewayAck, OrderID: res.OrderID, At: g.now()})
	g.startPoller(res.OrderID, price.InexactFloat64(), events)
	return nil
}

// Cancel asks the exchange to cancel orderID. The poller keeps running
// until the exchange reports the cancel, so late matches are still seen.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	if err := g.api.CancelOrder(ctx, orderID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("polymarket/gateway: %w", err)
	}
	return nil
}

// Close stops every poller and waits for them to exit.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	for id, stop := range g.pollers {
		close(stop)
		delete(g.pollers, id)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// buildOrder converts a request into a signed order and returns the tick
// aligned limit price.
func (g *Gateway) buildOrder(req domain.OrderRequest) (SignedOrder, decimal.Decimal, error) {
	price, makerAmt, takerAmt, err := orderAmounts(req)
	if err != nil {
		return SignedOrder{}, decimal.Zero, err
	}

	signer := g.signer.Address().Hex()
	maker := signer
	if g.cfg.SignatureType == sigTypeSafe && g.cfg.SafeAddress != "" {
		maker = g.cfg.SafeAddress
	}
	side := 0
	if req.Side == domain.SideSell {
		side = 1
	}

	payload := crypto.OrderPayload{
		Salt:          strconv.FormatInt(rand.Int64N(1<<53), 10),
		Maker:         maker,
		Signer:        signer,
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: g.cfg.SignatureType,
	}
	sig, err := g.signer.SignOrder(payload)
	if err != nil {
		return SignedOrder{}, decimal.Zero, fmt.Errorf("polymarket/gateway: %w", err)
	}
	salt, _ := strconv.ParseInt(payload.Salt, 10, 64)

	return SignedOrder{
		Salt:          salt,
		Maker:         payload.Maker,
		Signer:        payload.Signer,
		Taker:         payload.Taker,
		TokenID:       payload.TokenID,
		MakerAmount:   payload.MakerAmount,
		TakerAmount:   payload.TakerAmount,
		Expiration:    payload.Expiration,
		Nonce:         payload.Nonce,
		FeeRateBps:    payload.FeeRateBps,
		Side:          string(req.Side),
		SignatureType: payload.SignatureType,
		Signature:     sig,
	}, price, nil
}

// orderAmounts returns the order price and the maker/taker amounts in 1e6
// base units. BUY pays USDC for shares; SELL pays shares for USDC. Share
// count is the request size at the request price, floored to 0.01.
func orderAmounts(req domain.OrderRequest) (price decimal.Decimal, maker, taker string, err error) {
	limit := req.Price
	if req.LimitPrice > 0 {
		limit = req.LimitPrice
	}
	price = decimal.NewFromFloat(limit).Div(tick)
	if req.Side == domain.SideBuy {
		price = price.Floor().Mul(tick)
	} else {
		price = price.Ceil().Mul(tick)
	}
	if price.LessThan(minPrice) {
		price = minPrice
	}
	if price.GreaterThan(maxPrice) {
		price = maxPrice
	}

	// Round away float noise first so a full exit of 111.11 shares is not
	// floored to 111.10.
	shares := decimal.NewFromFloat(req.Shares()).Round(6).RoundFloor(2)
	if !shares.IsPositive() {
		return decimal.Zero, "", "", fmt.Errorf("polymarket/gateway: %w: size %.4f too small at %.4f", domain.ErrInvalidOrder, req.Size, req.Price)
	}

	shareUnits := shares.Mul(usdcScale).Truncate(0)
	usdcUnits := shares.Mul(price).Mul(usdcScale).Truncate(0)
	if req.Side == domain.SideBuy {
		return price, usdcUnits.String(), shareUnits.String(), nil
	}
	return price, shareUnits.String(), usdcUnits.String(), nil
}

func (g *Gateway) startPoller(orderID string, price float64, events execution.EventFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	stop := make(chan struct{})
	g.pollers[orderID] = stop
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.forget(orderID)
		g.poll(orderID, price, events, stop)
	}()
}

func (g *Gateway) forget(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if stop, ok := g.pollers[orderID]; ok {
		close(stop)
		delete(g.pollers, orderID)
	}
}

// poll reports cumulative fills until the order is matched or cancelled.
func (g *Gateway) poll(orderID string, price float64, events execution.EventFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	var reported float64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PollInterval*5)
		order, err := g.api.GetOrder(ctx, orderID)
		cancel()
		if err != nil {
			g.logger.Warn("order poll failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
			continue
		}

		ev, done := orderEvent(orderID, price, order, reported, g.now())
		if ev != nil {
			if ev.Kind == domain.GatewayFill {
				reported = ev.FilledShares
			}
			events(*ev)
		}
		if done {
			return
		}
	}
}

// orderEvent translates one polled order state into at most one gateway
// event. Fills carry the exchange's matched share count; reported is the
// share count already sent. done reports that the order reached a terminal
// status.
func orderEvent(orderID string, price float64, order APIOrder, reported float64, now time.Time) (*domain.GatewayEvent, bool) {
	if p := parseFloat(order.Price); p > 0 {
		price = p
	}
	shares := order.MatchedShares()
	fill := func(final bool) *domain.GatewayEvent {
		return &domain.GatewayEvent{
			Kind:         domain.GatewayFill,
			OrderID:      orderID,
			FilledShares: shares,
			FilledSize:   shares * price,
			AvgPrice:     price,
			Final:        final,
			At:           now,
		}
	}

	switch order.Lifecycle() {
	case LifecycleMatched:
		if shares <= 0 {
			shares = parseFloat(order.OriginalSize)
		}
		return fill(true), true
	case LifecycleCancelled:
		if shares > reported {
			// A partially matched order ends as a final partial fill.
			return fill(true), true
		}
		return &domain.GatewayEvent{
			Kind:    domain.GatewayCancelled,
			OrderID: orderID,
			Reason:  "cancelled by exchange: " + order.Status,
			At:      now,
		}, true
	default:
		if shares > reported {
			return fill(false), false
		}
		return nil, false
	}
}
