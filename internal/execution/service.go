// Package execution drives approved order requests through their lifecycle
// and books fills into the inventory.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// EventFunc receives asynchronous gateway callbacks for one order.
type EventFunc func(domain.GatewayEvent)

// OrderGateway is the exchange-facing side of the service. Submit hands the
// order off and returns; acknowledgement, fills, cancellation and rejection
// arrive later through events, keyed by the gateway order id.
type OrderGateway interface {
	Submit(ctx context.Context, req domain.OrderRequest, events EventFunc) error
	Cancel(ctx context.Context, orderID string) error
}

// Config holds the execution tunables.
type Config struct {
	DryRun        bool
	AckTimeout    time.Duration
	FillTimeout   time.Duration
	CancelTimeout time.Duration
}

// DefaultConfig returns the shipped timeouts with dry-run enabled.
func DefaultConfig() Config {
	return Config{
		DryRun:        true,
		AckTimeout:    10 * time.Second,
		FillTimeout:   30 * time.Second,
		CancelTimeout: 5 * time.Second,
	}
}

// ReportHook observes every intermediate and final execution report.
type ReportHook func(domain.ExecutionReport)

// HaltHook is called when a token is halted after an invariant violation.
type HaltHook func(tokenID, reason string)

// Service owns the order state machine, the in-flight guard and the ledger.
type Service struct {
	cfg       Config
	gw        OrderGateway
	ledger    *Ledger
	guard     *inflightGuard
	now       func() time.Time
	logger    *slog.Logger
	hooks     []ReportHook
	haltHooks []HaltHook

	mu     sync.Mutex
	orders map[string]*tracker // request id -> tracker
	halted map[string]string
	stats  domain.ExecutionStats
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithReportHook registers a report observer.
func WithReportHook(fn ReportHook) Option {
	return func(s *Service) { s.hooks = append(s.hooks, fn) }
}

// WithHaltHook registers a token-halt observer.
func WithHaltHook(fn HaltHook) Option {
	return func(s *Service) { s.haltHooks = append(s.haltHooks, fn) }
}

// WithInventoryObserver registers an inventory observer on the ledger.
func WithInventoryObserver(fn InventoryObserver) Option {
	return func(s *Service) { s.ledger.Observe(fn) }
}

// NewService creates a Service. In dry-run mode gw is ignored and a paper
// gateway that fills at the requested price is used instead.
func NewService(cfg Config, gw OrderGateway, logger *slog.Logger, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = def.FillTimeout
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = def.CancelTimeout
	}

	s := &Service{
		cfg:    cfg,
		gw:     gw,
		ledger: NewLedger(),
		guard:  newInflightGuard(),
		now:    time.Now,
		logger: logger.With(slog.String("component", "execution")),
		orders: make(map[string]*tracker),
		halted: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.DryRun {
		s.gw = paperGateway{now: s.now}
	}
	return s
}

// DryRun reports whether orders bypass the exchange.
func (s *Service) DryRun() bool { return s.cfg.DryRun }

// Execute runs one order to a terminal state and returns the final report.
// It never retries; transient failures come back REJECTED with Retryable set.
func (s *Service) Execute(ctx context.Context, req domain.OrderRequest) domain.ExecutionReport {
	rep := domain.ExecutionReport{
		RequestID:      req.ID,
		TokenID:        req.TokenID,
		MarketID:       req.MarketID,
		Action:         req.Action,
		Side:           req.Side,
		Status:         domain.OrderStatusPending,
		RequestedPrice: req.Price,
		RequestedSize:  req.Size,
		DryRun:         s.cfg.DryRun,
		Timestamp:      s.now(),
	}

	if err := req.Validate(); err != nil {
		return s.rejectLocal(ctx, rep, err, false)
	}
	if reason, ok := s.haltReason(req.TokenID); ok {
		return s.rejectLocal(ctx, rep, fmt.Errorf("%w: %s", domain.ErrTokenHalted, reason), false)
	}
	if owner, ok := s.guard.acquire(req.TokenID, req.ID); !ok {
		s.logger.WarnContext(ctx, "second order for in-flight token",
			slog.String("token_id", req.TokenID),
			slog.String("request_id", req.ID),
			slog.String("owner", owner),
		)
		return s.rejectLocal(ctx, rep, fmt.Errorf("%w: %s held by request %s", domain.ErrOrderInFlight, req.TokenID, owner), false)
	}
	defer s.guard.release(req.TokenID, req.ID)

	t := newTracker(req)
	s.register(t)
	defer s.unregister(t)

	s.emit(rep)
	return s.run(ctx, t, rep)
}

func (s *Service) run(ctx context.Context, t *tracker, rep domain.ExecutionReport) domain.ExecutionReport {
	if err := s.gw.Submit(ctx, t.req, t.push); err != nil {
		return s.finish(ctx, t, rep, domain.OrderStatusRejected, err.Error(), domain.IsTransient(err))
	}
	s.advance(ctx, t, &rep, domain.OrderStatusSubmitted, "")

	ackTimer := time.NewTimer(s.cfg.AckTimeout)
	defer ackTimer.Stop()
	ackC := ackTimer.C

	var fillTimer *time.Timer
	var fillC <-chan time.Time
	defer func() {
		if fillTimer != nil {
			fillTimer.Stop()
		}
	}()

	acknowledge := func(orderID string) {
		ackTimer.Stop()
		ackC = nil
		t.setOrderID(orderID)
		rep.OrderID = orderID
		s.advance(ctx, t, &rep, domain.OrderStatusAcknowledged, "")
		fillTimer = time.NewTimer(s.cfg.FillTimeout)
		fillC = fillTimer.C
	}

	for {
		select {
		case ev := <-t.events:
			if t.status() == domain.OrderStatusSubmitted && (ev.Kind == domain.GatewayAck || ev.Kind == domain.GatewayFill) {
				acknowledge(ev.OrderID)
			}
			switch ev.Kind {
			case domain.GatewayAck:
				// already handled
			case domain.GatewayFill:
				s.applyFill(ctx, t, &rep, ev)
				if ev.Final || complete(t.req, rep) {
					return s.finish(ctx, t, rep, domain.OrderStatusFilled, "", false)
				}
				s.emit(rep)
			case domain.GatewayCancelled:
				return s.finishCancelled(ctx, t, rep, nonEmpty(ev.Reason, "cancelled by exchange"))
			case domain.GatewayRejected:
				if rep.FilledShares > 0 {
					return s.finish(ctx, t, rep, domain.OrderStatusFilled, ev.Reason, false)
				}
				return s.finish(ctx, t, rep, domain.OrderStatusRejected, nonEmpty(ev.Reason, "rejected by exchange"), ev.Retryable)
			}

		case <-ackC:
			return s.finish(ctx, t, rep, domain.OrderStatusRejected, "timeout", true)

		case <-fillC:
			s.cancelAtGateway(ctx, t)
			return s.settleAfterCancel(ctx, t, rep, "fill timeout")

		case <-t.cancel:
			return s.settleAfterCancel(ctx, t, rep, "cancelled")

		case <-ctx.Done():
			if t.status() == domain.OrderStatusSubmitted {
				return s.finish(ctx, t, rep, domain.OrderStatusRejected, "context cancelled: "+ctx.Err().Error(), true)
			}
			s.cancelAtGateway(ctx, t)
			return s.settleAfterCancel(ctx, t, rep, "shutdown")
		}
	}
}

// applyFill books the increment between the cumulative fill in ev and what
// has already been booked.
func (s *Service) applyFill(ctx context.Context, t *tracker, rep *domain.ExecutionReport, ev domain.GatewayEvent) {
	avg := ev.AvgPrice
	if avg <= 0 {
		avg = t.req.Price
	}
	shares := ev.FilledShares
	if shares <= 0 {
		shares = ev.FilledSize / avg
	}
	if shares <= rep.FilledShares+dustShares {
		return
	}
	notional := ev.FilledSize
	if notional <= 0 {
		notional = shares * avg
	}

	deltaShares := shares - rep.FilledShares
	deltaNotional := notional - rep.FilledSize
	if deltaNotional <= 0 {
		deltaNotional = deltaShares * avg
	}

	at := ev.At
	if at.IsZero() {
		at = s.now()
	}
	if err := s.ledger.ApplyFill(t.req, deltaShares, deltaNotional, at); err != nil {
		s.halt(ctx, t.req.TokenID, err.Error())
	}
	if rep.FilledShares == 0 {
		rep.AvgPrice = avg
	} else {
		rep.AvgPrice = (rep.FilledSize + deltaNotional) / shares
	}
	rep.FilledShares = shares
	rep.FilledSize += deltaNotional

	if want := t.req.Shares(); shares > want*(1+1e-6)+dustShares {
		s.halt(ctx, t.req.TokenID, fmt.Sprintf("overfill: %.6f shares filled for %.6f requested", shares, want))
	}
}

// complete reports whether rep covers the requested shares to within the
// exchange's share increment.
func complete(req domain.OrderRequest, rep domain.ExecutionReport) bool {
	return rep.FilledShares >= req.Shares()-minOrderShares
}

// settleAfterCancel waits up to CancelTimeout for the gateway to confirm a
// cancel, booking fills reported in the meantime. A cancel that is never
// confirmed halts the token: the exchange may still hold a live order.
func (s *Service) settleAfterCancel(ctx context.Context, t *tracker, rep domain.ExecutionReport, reason string) domain.ExecutionReport {
	timer := time.NewTimer(s.cfg.CancelTimeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-t.events:
			switch ev.Kind {
			case domain.GatewayFill:
				s.applyFill(ctx, t, &rep, ev)
				if ev.Final || complete(t.req, rep) {
					return s.finishCancelled(ctx, t, rep, reason)
				}
				s.emit(rep)
			case domain.GatewayCancelled:
				return s.finishCancelled(ctx, t, rep, reason)
			case domain.GatewayRejected:
				return s.finishCancelled(ctx, t, rep, reason+": "+nonEmpty(ev.Reason, "rejected by exchange"))
			}
		case <-timer.C:
			s.halt(ctx, t.req.TokenID, fmt.Sprintf("cancel of order %s not confirmed", t.orderIDValue()))
			return s.finishCancelled(ctx, t, rep, reason+": cancel not confirmed")
		}
	}
}

func (s *Service) cancelAtGateway(ctx context.Context, t *tracker) {
	orderID := t.orderIDValue()
	if orderID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CancelTimeout)
	defer cancel()
	if err := s.gw.Cancel(cctx, orderID); err != nil {
		s.logger.WarnContext(ctx, "cancel at gateway failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}
}

// finishCancelled ends an order that will receive no further fills: anything
// filled so far is reported FILLED with the partial size.
func (s *Service) finishCancelled(ctx context.Context, t *tracker, rep domain.ExecutionReport, reason string) domain.ExecutionReport {
	if rep.FilledShares > 0 {
		return s.finish(ctx, t, rep, domain.OrderStatusFilled, reason, false)
	}
	return s.finish(ctx, t, rep, domain.OrderStatusCancelled, reason, false)
}

func (s *Service) advance(ctx context.Context, t *tracker, rep *domain.ExecutionReport, to domain.OrderStatus, reason string) {
	if err := t.transition(to); err != nil {
		s.logger.ErrorContext(ctx, "illegal order transition",
			slog.String("request_id", t.req.ID),
			slog.String("error", err.Error()),
		)
	}
	rep.Status = t.status()
	rep.Reason = reason
	rep.Timestamp = s.now()
	s.emit(*rep)
}

func (s *Service) finish(ctx context.Context, t *tracker, rep domain.ExecutionReport, to domain.OrderStatus, reason string, retryable bool) domain.ExecutionReport {
	if err := t.transition(to); err != nil {
		s.logger.ErrorContext(ctx, "illegal order transition",
			slog.String("request_id", t.req.ID),
			slog.String("error", err.Error()),
		)
	}
	rep.Status = to
	rep.Reason = reason
	rep.Retryable = retryable
	rep.Partial = to == domain.OrderStatusFilled && !complete(t.req, rep)
	rep.Timestamp = s.now()

	s.mu.Lock()
	s.stats.Submitted++
	switch to {
	case domain.OrderStatusFilled:
		s.stats.Filled++
		if rep.IsPartial() {
			s.stats.Partial++
		}
	case domain.OrderStatusCancelled:
		s.stats.Cancelled++
	case domain.OrderStatusRejected:
		s.stats.Rejected++
	}
	s.mu.Unlock()

	attrs := []any{
		slog.String("request_id", rep.RequestID),
		slog.String("order_id", rep.OrderID),
		slog.String("token_id", rep.TokenID),
		slog.String("action", string(rep.Action)),
		slog.String("status", string(rep.Status)),
		slog.Float64("filled_size", rep.FilledSize),
		slog.Float64("filled_shares", rep.FilledShares),
		slog.Float64("avg_price", rep.AvgPrice),
		slog.Bool("dry_run", rep.DryRun),
	}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}
	if to == domain.OrderStatusRejected {
		attrs = append(attrs, slog.Bool("retryable", retryable))
		s.logger.WarnContext(ctx, "order rejected", attrs...)
	} else {
		s.logger.InfoContext(ctx, "order finished", attrs...)
	}

	s.emit(rep)
	return rep
}

func (s *Service) rejectLocal(ctx context.Context, rep domain.ExecutionReport, err error, retryable bool) domain.ExecutionReport {
	rep.Status = domain.OrderStatusRejected
	rep.Reason = err.Error()
	rep.Retryable = retryable

	s.mu.Lock()
	s.stats.Rejected++
	s.mu.Unlock()

	s.logger.WarnContext(ctx, "order rejected locally",
		slog.String("request_id", rep.RequestID),
		slog.String("token_id", rep.TokenID),
		slog.String("error", err.Error()),
	)
	s.emit(rep)
	return rep
}

func (s *Service) emit(rep domain.ExecutionReport) {
	for _, fn := range s.hooks {
		fn(rep)
	}
}

func (s *Service) register(t *tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[t.req.ID] = t
}

func (s *Service) unregister(t *tracker) {
	s.mu.Lock()
	delete(s.orders, t.req.ID)
	s.mu.Unlock()
	close(t.done)
}

func (s *Service) halt(ctx context.Context, tokenID, reason string) {
	s.mu.Lock()
	if _, ok := s.halted[tokenID]; ok {
		s.mu.Unlock()
		return
	}
	s.halted[tokenID] = reason
	s.mu.Unlock()

	s.logger.ErrorContext(ctx, "token halted pending manual intervention",
		slog.String("token_id", tokenID),
		slog.String("reason", reason),
	)
	for _, fn := range s.haltHooks {
		fn(tokenID, reason)
	}
}

func (s *Service) haltReason(tokenID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.halted[tokenID]
	return r, ok
}

// HaltedTokens lists tokens blocked after an invariant violation.
func (s *Service) HaltedTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.halted))
	for tok := range s.halted {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// ResumeToken lifts a halt.
func (s *Service) ResumeToken(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.halted, tokenID)
}

// InFlight reports whether tokenID has an order in a non-terminal state.
func (s *Service) InFlight(tokenID string) bool {
	return s.guard.held(tokenID)
}

// Cancel cancels an acknowledged order by its gateway order id.
func (s *Service) Cancel(ctx context.Context, orderID string) error {
	t := s.trackerByOrderID(orderID)
	if t == nil {
		return fmt.Errorf("execution: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	if err := s.gw.Cancel(ctx, orderID); err != nil {
		return fmt.Errorf("execution: cancel %s: %w", orderID, err)
	}
	t.requestCancel()
	return nil
}

// CancelAll cancels every acknowledged order. Orders still awaiting
// acknowledgement resolve through the ack timeout.
func (s *Service) CancelAll(ctx context.Context) error {
	s.mu.Lock()
	var ids []string
	for _, t := range s.orders {
		if t.status() == domain.OrderStatusAcknowledged {
			if id := t.orderIDValue(); id != "" {
				ids = append(ids, id)
			}
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Cancel(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(ids) > 0 {
		s.logger.InfoContext(ctx, "cancel all issued", slog.Int("orders", len(ids)))
	}
	return errors.Join(errs...)
}

func (s *Service) trackerByOrderID(orderID string) *tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.orders {
		if t.orderIDValue() == orderID {
			return t
		}
	}
	return nil
}

// Inventory returns a deep copy of the current inventory.
func (s *Service) Inventory() domain.Inventory {
	return s.ledger.Inventory()
}

// MarkToMarket refreshes the current price of a held token.
func (s *Service) MarkToMarket(tokenID string, price float64) bool {
	return s.ledger.MarkToMarket(tokenID, price, s.now())
}

// Restore reloads open positions, typically from storage at startup.
func (s *Service) Restore(positions []domain.Position) {
	s.ledger.Restore(positions)
}

// Stats summarises execution history.
func (s *Service) Stats() domain.ExecutionStats {
	s.mu.Lock()
	st := s.stats
	st.Halted = make([]string, 0, len(s.halted))
	for tok := range s.halted {
		st.Halted = append(st.Halted, tok)
	}
	s.mu.Unlock()

	sort.Strings(st.Halted)
	st.InFlight = s.guard.count()
	if st.Submitted > 0 {
		st.FillRate = float64(st.Filled) / float64(st.Submitted)
	}
	return st
}

// Reset clears statistics, halts and the inventory. Intended for tests; it
// must not be called with orders in flight.
func (s *Service) Reset() {
	s.mu.Lock()
	s.stats = domain.ExecutionStats{}
	clear(s.halted)
	s.mu.Unlock()
	s.guard.reset()
	s.ledger.Reset()
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// tracker is the per-order state machine.
type tracker struct {
	req    domain.OrderRequest
	events chan domain.GatewayEvent
	cancel chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	state   domain.OrderStatus
	orderID string
}

func newTracker(req domain.OrderRequest) *tracker {
	return &tracker{
		req:    req,
		events: make(chan domain.GatewayEvent, 16),
		cancel: make(chan struct{}, 1),
		done:   make(chan struct{}),
		state:  domain.OrderStatusPending,
	}
}

// push delivers a gateway event, dropping it once the order has finished.
func (t *tracker) push(ev domain.GatewayEvent) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *tracker) requestCancel() {
	select {
	case t.cancel <- struct{}{}:
	default:
	}
}

func (t *tracker) transition(to domain.OrderStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !domain.CanTransition(t.state, to) {
		return fmt.Errorf("execution: %s -> %s: %w", t.state, to, domain.ErrInvalidTransition)
	}
	t.state = to
	return nil
}

func (t *tracker) status() domain.OrderStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *tracker) setOrderID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orderID = id
}

func (t *tracker) orderIDValue() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.orderID
}
