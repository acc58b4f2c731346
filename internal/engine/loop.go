// Package engine runs the single-consumer decision loop: feed events in,
// snapshot, evaluate, validate, execute.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polyhft/internal/domain"
	"github.com/alanyoungcy/polyhft/internal/strategy"
)

// Aggregator is the state the loop feeds and snapshots.
type Aggregator interface {
	OnMarketUpdate(domain.MarketUpdate)
	OnOracleUpdate(domain.OracleUpdate)
	Snapshot(tokenID string) (domain.MarketSnapshot, error)
	TokensForAsset(asset string) []string
}

// RiskGate validates intents and settles finished orders.
type RiskGate interface {
	Validate(intent domain.TradeIntent, inv domain.Inventory, snap domain.MarketSnapshot) (domain.OrderRequest, error)
	Settle(report domain.ExecutionReport)
	ActivateKillSwitch(reason string)
}

// Executor runs approved orders and owns the inventory.
type Executor interface {
	Execute(ctx context.Context, req domain.OrderRequest) domain.ExecutionReport
	InFlight(tokenID string) bool
	Inventory() domain.Inventory
	MarkToMarket(tokenID string, price float64) bool
	CancelAll(ctx context.Context) error
}

// Sink receives records for persistence. Implementations must not block.
type Sink interface {
	RecordReport(domain.ExecutionReport)
	RecordRejection(domain.Rejection)
	RecordSnapshot(domain.MarketSnapshot)
}

// Metrics receives loop instrumentation.
type Metrics interface {
	EventProcessed(kind string)
	IntentEvaluated(action string)
	IntentRejected(check string)
	OrderFinished(status string, latency time.Duration)
	CycleDuration(d time.Duration)
}

// Config holds the loop tunables.
type Config struct {
	QueueSize        int
	TickInterval     time.Duration
	ShutdownTimeout  time.Duration
	SnapshotInterval time.Duration
	// MonitorOnly evaluates strategies and logs intents without validating
	// or executing them.
	MonitorOnly bool
}

// DefaultConfig returns the shipped loop settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:        4096,
		TickInterval:     time.Second,
		ShutdownTimeout:  15 * time.Second,
		SnapshotInterval: 5 * time.Second,
	}
}

// Stats counts loop activity.
type Stats struct {
	Events    int64 `json:"events"`
	Intents   int64 `json:"intents"`
	Approved  int64 `json:"approved"`
	Rejected  int64 `json:"rejected"`
	Executing int64 `json:"executing"`
}

// Loop is the decision loop. Run must be called from exactly one goroutine.
type Loop struct {
	cfg     Config
	agg     Aggregator
	strat   strategy.Strategy
	risk    RiskGate
	exec    Executor
	kill    domain.KillSignal
	sink    Sink
	metrics Metrics
	logger  *slog.Logger

	tokens     map[string]struct{}
	lastSample time.Time
	busyMu     sync.Mutex
	busy       map[string]struct{}
	wg         sync.WaitGroup

	events    atomic.Int64
	intents   atomic.Int64
	approved  atomic.Int64
	rejected  atomic.Int64
	executing atomic.Int64
}

// Option customises a Loop.
type Option func(*Loop)

// WithKillSignal sets the external kill flag polled on every tick.
func WithKillSignal(k domain.KillSignal) Option {
	return func(l *Loop) { l.kill = k }
}

// WithSink sets the persistence sink.
func WithSink(s Sink) Option {
	return func(l *Loop) { l.sink = s }
}

// WithMetrics sets the instrumentation sink.
func WithMetrics(m Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// New creates a Loop.
func New(cfg Config, agg Aggregator, strat strategy.Strategy, risk RiskGate, exec Executor, logger *slog.Logger, opts ...Option) *Loop {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	l := &Loop{
		cfg:     cfg,
		agg:     agg,
		strat:   strat,
		risk:    risk,
		exec:    exec,
		sink:    nopSink{},
		metrics: nopMetrics{},
		logger:  logger.With(slog.String("component", "engine")),
		tokens:  make(map[string]struct{}),
		busy:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// QueueSize is the capacity the merged event channel should be created with.
func (l *Loop) QueueSize() int { return l.cfg.QueueSize }

// Run drains events until ctx is cancelled or the channel is closed, then
// cancels acknowledged orders and waits for executions to finish.
func (l *Loop) Run(ctx context.Context, events <-chan domain.Event) error {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	l.logger.InfoContext(ctx, "decision loop started",
		slog.String("strategy", l.strat.Name()),
		slog.Bool("monitor_only", l.cfg.MonitorOnly),
	)

	for {
		select {
		case <-ctx.Done():
			l.shutdown(ctx)
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				l.shutdown(ctx)
				return nil
			}
			l.handle(ctx, ev)

		case now := <-ticker.C:
			l.pollKillSignal(ctx)
			l.sample(now)
		}
	}
}

func (l *Loop) handle(ctx context.Context, ev domain.Event) {
	l.events.Add(1)
	l.metrics.EventProcessed(ev.Kind.String())

	var tokens []string
	switch ev.Kind {
	case domain.EventMarket:
		l.agg.OnMarketUpdate(ev.Market)
		tokens = []string{ev.Market.TokenID}
	case domain.EventOracle:
		l.agg.OnOracleUpdate(ev.Oracle)
		tokens = l.agg.TokensForAsset(ev.Oracle.Asset)
	default:
		return
	}

	for _, tok := range tokens {
		l.tokens[tok] = struct{}{}
		l.cycle(ctx, tok)
	}
}

// cycle runs evaluate → validate → execute for one token.
func (l *Loop) cycle(ctx context.Context, tokenID string) {
	start := time.Now()
	defer func() { l.metrics.CycleDuration(time.Since(start)) }()

	snap, err := l.agg.Snapshot(tokenID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotReady) {
			l.logger.WarnContext(ctx, "snapshot failed", slog.String("error", err.Error()))
		}
		return
	}
	l.exec.MarkToMarket(tokenID, snap.Mid)

	if l.isBusy(tokenID) || l.exec.InFlight(tokenID) {
		return
	}

	inv := l.exec.Inventory()
	intent := l.strat.Evaluate(snap, inv)
	l.metrics.IntentEvaluated(string(intent.Action))
	if !intent.IsActionable() {
		return
	}
	l.intents.Add(1)

	if l.cfg.MonitorOnly {
		l.logger.InfoContext(ctx, "intent (monitor only)",
			slog.String("token_id", tokenID),
			slog.String("action", string(intent.Action)),
			slog.Float64("price", intent.Price),
			slog.Float64("size", intent.Size),
			slog.String("reason", intent.Reason),
		)
		return
	}

	// Validate against a fresh snapshot so the slippage check sees any
	// move since the intent was priced.
	fresh, err := l.agg.Snapshot(tokenID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotReady) {
			l.logger.WarnContext(ctx, "snapshot failed", slog.String("error", err.Error()))
		}
		return
	}
	req, err := l.risk.Validate(intent, inv, fresh)
	if err != nil {
		var rej *domain.Rejection
		if errors.As(err, &rej) {
			l.rejected.Add(1)
			l.metrics.IntentRejected(string(rej.Check))
			l.sink.RecordRejection(*rej)
			return
		}
		if !errors.Is(err, domain.ErrNoAction) {
			l.logger.WarnContext(ctx, "validate failed", slog.String("error", err.Error()))
		}
		return
	}
	l.approved.Add(1)

	l.logger.InfoContext(ctx, "order approved",
		slog.String("request_id", req.ID),
		slog.String("token_id", req.TokenID),
		slog.String("action", string(req.Action)),
		slog.Float64("price", req.Price),
		slog.Float64("size", req.Size),
		slog.String("reason", req.Reason),
	)

	l.setBusy(tokenID, true)
	l.executing.Add(1)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.executing.Add(-1)
		defer l.setBusy(tokenID, false)

		// Orders run to a terminal state even when the loop is shutting
		// down; shutdown cancels them through CancelAll.
		rep := l.exec.Execute(context.WithoutCancel(ctx), req)
		l.risk.Settle(rep)
		l.metrics.OrderFinished(string(rep.Status), rep.Timestamp.Sub(req.CreatedAt))
		l.sink.RecordReport(rep)
	}()
}

func (l *Loop) isBusy(tokenID string) bool {
	l.busyMu.Lock()
	defer l.busyMu.Unlock()
	_, ok := l.busy[tokenID]
	return ok
}

func (l *Loop) setBusy(tokenID string, busy bool) {
	l.busyMu.Lock()
	defer l.busyMu.Unlock()
	if busy {
		l.busy[tokenID] = struct{}{}
	} else {
		delete(l.busy, tokenID)
	}
}

func (l *Loop) pollKillSignal(ctx context.Context) {
	if l.kill == nil {
		return
	}
	triggered, err := l.kill.Triggered(ctx)
	if err != nil {
		l.logger.WarnContext(ctx, "kill signal poll failed", slog.String("error", err.Error()))
		return
	}
	if triggered {
		l.risk.ActivateKillSwitch("external")
	}
}

// sample records a snapshot of every known token at SnapshotInterval.
func (l *Loop) sample(now time.Time) {
	if l.cfg.SnapshotInterval <= 0 || now.Sub(l.lastSample) < l.cfg.SnapshotInterval {
		return
	}
	l.lastSample = now
	for tok := range l.tokens {
		if snap, err := l.agg.Snapshot(tok); err == nil {
			l.sink.RecordSnapshot(snap)
		}
	}
}

func (l *Loop) shutdown(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.ShutdownTimeout)
	defer cancel()

	l.logger.Info("decision loop stopping, cancelling open orders")
	if err := l.exec.CancelAll(cctx); err != nil {
		l.logger.Warn("cancel all failed", slog.String("error", err.Error()))
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.logger.Info("decision loop stopped")
	case <-cctx.Done():
		l.logger.Warn("timed out waiting for executions",
			slog.Int64("executing", l.executing.Load()),
		)
	}
}

// Stats returns loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Events:    l.events.Load(),
		Intents:   l.intents.Load(),
		Approved:  l.approved.Load(),
		Rejected:  l.rejected.Load(),
		Executing: l.executing.Load(),
	}
}

type nopSink struct{}

func (nopSink) RecordReport(domain.ExecutionReport)  {}
func (nopSink) RecordRejection(domain.Rejection)     {}
func (nopSink) RecordSnapshot(domain.MarketSnapshot) {}

type nopMetrics struct{}

func (nopMetrics) EventProcessed(string)               {}
func (nopMetrics) IntentEvaluated(string)              {}
func (nopMetrics) IntentRejected(string)               {}
func (nopMetrics) OrderFinished(string, time.Duration) {}
func (nopMetrics) CycleDuration(time.Duration)         {}
