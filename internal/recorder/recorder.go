// Package recorder persists and exports what the decision loop produces
// without ever blocking it. Records are queued on a bounded channel and
// flushed in batches to the configured stores, archive and publishers.
// When the queue is full the record is dropped and counted.
package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// Logical topics handed to every EventPublisher.
const (
	TopicExecutions = "executions"
	TopicRejections = "rejections"
	TopicKillSwitch = "kill_switch"
)

// Config sizes the queue and the flush cadence.
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// ArchiveBatchSize is the number of snapshots per archived object.
	ArchiveBatchSize int
	// FlushTimeout bounds each flush, including the final one on shutdown.
	FlushTimeout time.Duration
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:       4096,
		BatchSize:        100,
		FlushInterval:    2 * time.Second,
		ArchiveBatchSize: 500,
		FlushTimeout:     10 * time.Second,
	}
}

type recordKind int

const (
	kindReport recordKind = iota
	kindRejection
	kindSnapshot
	kindKillSwitch
)

type record struct {
	kind      recordKind
	report    domain.ExecutionReport
	rejection domain.Rejection
	snapshot  domain.MarketSnapshot
	kill      domain.KillSwitchState
}

// Stats counts what the recorder accepted, dropped and failed to write.
type Stats struct {
	Queued  int64 `json:"queued"`
	Dropped int64 `json:"dropped"`
	Flushes int64 `json:"flushes"`
	Errors  int64 `json:"errors"`
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithExecutionStore persists reports and rejections.
func WithExecutionStore(s domain.ExecutionStore) Option {
	return func(r *Recorder) { r.executions = s }
}

// WithSnapshotStore persists sampled snapshots.
func WithSnapshotStore(s domain.SnapshotStore) Option {
	return func(r *Recorder) { r.snapshots = s }
}

// WithPositionStore mirrors the inventory's open positions.
func WithPositionStore(s domain.PositionStore) Option {
	return func(r *Recorder) { r.positions = s }
}

// WithArchiver ships snapshot batches to cold storage.
func WithArchiver(a domain.SnapshotArchiver) Option {
	return func(r *Recorder) { r.archiver = a }
}

// WithPublisher adds an event publisher. May be given more than once.
func WithPublisher(p domain.EventPublisher) Option {
	return func(r *Recorder) { r.publishers = append(r.publishers, p) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder implements engine.Sink and fans records out asynchronously.
type Recorder struct {
	cfg    Config
	in     chan record
	now    func() time.Time
	logger *slog.Logger

	executions domain.ExecutionStore
	snapshots  domain.SnapshotStore
	positions  domain.PositionStore
	archiver   domain.SnapshotArchiver
	publishers []domain.EventPublisher

	// batch state, owned by Run
	reports    []domain.ExecutionReport
	rejections []domain.Rejection
	snaps      []domain.MarketSnapshot
	archive    []domain.MarketSnapshot
	kills      []domain.KillSwitchState

	invMu     sync.Mutex
	inventory *domain.Inventory // latest unsynced copy

	closeOnce sync.Once
	done      chan struct{}

	queued  atomic.Int64
	dropped atomic.Int64
	flushes atomic.Int64
	errs    atomic.Int64
}

// New creates a Recorder. Nothing is written until Run is started.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Recorder {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.ArchiveBatchSize <= 0 {
		cfg.ArchiveBatchSize = def.ArchiveBatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	r := &Recorder{
		cfg:    cfg,
		in:     make(chan record, cfg.BufferSize),
		now:    time.Now,
		logger: logger.With(slog.String("component", "recorder")),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordReport queues an execution report.
func (r *Recorder) RecordReport(rep domain.ExecutionReport) {
	r.enqueue(record{kind: kindReport, report: rep})
}

// RecordRejection queues a risk rejection.
func (r *Recorder) RecordRejection(rej domain.Rejection) {
	r.enqueue(record{kind: kindRejection, rejection: rej})
}

// RecordSnapshot queues a sampled market snapshot.
func (r *Recorder) RecordSnapshot(s domain.MarketSnapshot) {
	r.enqueue(record{kind: kindSnapshot, snapshot: s})
}

// ObserveInventory keeps inv for the next position sync. Only the latest
// copy per flush is written, so marks never crowd the queue.
func (r *Recorder) ObserveInventory(inv domain.Inventory) {
	if r.positions == nil {
		return
	}
	r.invMu.Lock()
	r.inventory = &inv
	r.invMu.Unlock()
}

func (r *Recorder) takeInventory() *domain.Inventory {
	r.invMu.Lock()
	defer r.invMu.Unlock()
	inv := r.inventory
	r.inventory = nil
	return inv
}

// RecordKillSwitch queues a kill switch transition for publishing.
func (r *Recorder) RecordKillSwitch(state domain.KillSwitchState) {
	r.enqueue(record{kind: kindKillSwitch, kill: state})
}

func (r *Recorder) enqueue(rec record) {
	select {
	case <-r.done:
		r.dropped.Add(1)
		return
	default:
	}
	select {
	case r.in <- rec:
		r.queued.Add(1)
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			r.logger.Warn("recorder queue full, dropping",
				slog.Int("kind", int(rec.kind)),
				slog.Int64("dropped_total", n),
			)
		}
	}
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Queued:  r.queued.Load(),
		Dropped: r.dropped.Load(),
		Flushes: r.flushes.Load(),
		Errors:  r.errs.Load(),
	}
}

// Run consumes the queue until ctx is cancelled, then drains what is
// already queued and performs a final flush bounded by FlushTimeout.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.closeOnce.Do(func() { close(r.done) })
			r.drain()
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FlushTimeout)
			r.flush(final)
			r.archiveAll(final)
			cancel()
			return nil
		case rec := <-r.in:
			r.add(rec)
			if r.pending() >= r.cfg.BatchSize {
				r.flushWithTimeout(ctx)
			}
		case <-ticker.C:
			r.flushWithTimeout(ctx)
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case rec := <-r.in:
			r.add(rec)
		default:
			return
		}
	}
}

func (r *Recorder) add(rec record) {
	switch rec.kind {
	case kindReport:
		r.reports = append(r.reports, rec.report)
	case kindRejection:
		r.rejections = append(r.rejections, rec.rejection)
	case kindSnapshot:
		r.snaps = append(r.snaps, rec.snapshot)
	case kindKillSwitch:
		r.kills = append(r.kills, rec.kill)
	}
}

func (r *Recorder) pending() int {
	return len(r.reports) + len(r.rejections) + len(r.snaps) + len(r.kills)
}

func (r *Recorder) flushWithTimeout(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, r.cfg.FlushTimeout)
	defer cancel()
	r.flush(fctx)
}

// flush writes every pending batch. Failed batches are logged and dropped.
func (r *Recorder) flush(ctx context.Context) {
	inv := r.takeInventory()
	if r.pending() == 0 && inv == nil {
		return
	}
	r.flushes.Add(1)

	if len(r.reports) > 0 {
		if r.executions != nil {
			r.check(ctx, "insert reports", len(r.reports), r.executions.InsertReports(ctx, r.reports))
		}
		for _, rep := range r.reports {
			r.publish(ctx, TopicExecutions, rep.TokenID, reportPayload(rep))
		}
		r.reports = r.reports[:0]
	}

	if len(r.rejections) > 0 {
		if r.executions != nil {
			r.check(ctx, "insert rejections", len(r.rejections), r.executions.InsertRejections(ctx, r.rejections))
		}
		for _, rej := range r.rejections {
			r.publish(ctx, TopicRejections, rej.Intent.TokenID, rejectionPayload(rej))
		}
		r.rejections = r.rejections[:0]
	}

	if len(r.snaps) > 0 {
		if r.snapshots != nil {
			r.check(ctx, "insert snapshots", len(r.snaps), r.snapshots.InsertSnapshots(ctx, r.snaps))
		}
		if r.archiver != nil {
			r.archive = append(r.archive, r.snaps...)
			for len(r.archive) >= r.cfg.ArchiveBatchSize {
				r.archiveBatch(ctx, r.archive[:r.cfg.ArchiveBatchSize])
				r.archive = append(r.archive[:0], r.archive[r.cfg.ArchiveBatchSize:]...)
			}
		}
		r.snaps = r.snaps[:0]
	}

	if inv != nil {
		r.check(ctx, "sync positions", len(inv.Positions), r.positions.Sync(ctx, *inv, r.now()))
	}

	for _, k := range r.kills {
		r.publish(ctx, TopicKillSwitch, "global", killPayload(k))
	}
	r.kills = r.kills[:0]
}

func (r *Recorder) archiveAll(ctx context.Context) {
	if r.archiver == nil || len(r.archive) == 0 {
		return
	}
	r.archiveBatch(ctx, r.archive)
	r.archive = r.archive[:0]
}

func (r *Recorder) archiveBatch(ctx context.Context, batch []domain.MarketSnapshot) {
	key, err := r.archiver.Archive(ctx, batch)
	if err != nil {
		r.check(ctx, "archive snapshots", len(batch), err)
		return
	}
	r.logger.DebugContext(ctx, "snapshots archived",
		slog.String("key", key),
		slog.Int("count", len(batch)),
	)
}

func (r *Recorder) publish(ctx context.Context, topic, key string, payload []byte) {
	if payload == nil {
		return
	}
	for _, p := range r.publishers {
		if err := p.Publish(ctx, topic, key, payload); err != nil {
			r.check(ctx, "publish "+topic, 1, err)
		}
	}
}

func (r *Recorder) check(ctx context.Context, op string, n int, err error) {
	if err == nil {
		return
	}
	r.errs.Add(1)
	r.logger.WarnContext(ctx, "recorder write failed, batch dropped",
		slog.String("op", op),
		slog.Int("count", n),
		slog.String("error", err.Error()),
	)
}

type reportJSON struct {
	RequestID      string  `json:"request_id"`
	OrderID        string  `json:"order_id,omitempty"`
	TokenID        string  `json:"token_id"`
	MarketID       string  `json:"market_id"`
	Action         string  `json:"action"`
	Side           string  `json:"side"`
	Status         string  `json:"status"`
	RequestedPrice float64 `json:"requested_price"`
	RequestedSize  float64 `json:"requested_size"`
	FilledSize     float64 `json:"filled_size"`
	FilledShares   float64 `json:"filled_shares"`
	AvgPrice       float64 `json:"avg_price"`
	Partial        bool    `json:"partial,omitempty"`
	Retryable      bool    `json:"retryable"`
	Reason         string  `json:"reason,omitempty"`
	DryRun         bool    `json:"dry_run"`
	Timestamp      string  `json:"timestamp"`
}

func reportPayload(rep domain.ExecutionReport) []byte {
	b, _ := json.Marshal(reportJSON{
		RequestID:      rep.RequestID,
		OrderID:        rep.OrderID,
		TokenID:        rep.TokenID,
		MarketID:       rep.MarketID,
		Action:         string(rep.Action),
		Side:           string(rep.Side),
		Status:         string(rep.Status),
		RequestedPrice: rep.RequestedPrice,
		RequestedSize:  rep.RequestedSize,
		FilledSize:     rep.FilledSize,
		FilledShares:   rep.FilledShares,
		AvgPrice:       rep.AvgPrice,
		Partial:        rep.Partial,
		Retryable:      rep.Retryable,
		Reason:         rep.Reason,
		DryRun:         rep.DryRun,
		Timestamp:      rep.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	return b
}

type rejectionJSON struct {
	TokenID  string  `json:"token_id"`
	MarketID string  `json:"market_id"`
	Action   string  `json:"action"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
	Strategy string  `json:"strategy"`
	Check    string  `json:"check"`
	Detail   string  `json:"detail"`
	At       string  `json:"at"`
}

func rejectionPayload(rej domain.Rejection) []byte {
	b, _ := json.Marshal(rejectionJSON{
		TokenID:  rej.Intent.TokenID,
		MarketID: rej.Intent.MarketID,
		Action:   string(rej.Intent.Action),
		Side:     string(rej.Intent.Side),
		Price:    rej.Intent.Price,
		Size:     rej.Intent.Size,
		Strategy: rej.Intent.Strategy,
		Check:    string(rej.Check),
		Detail:   rej.Detail,
		At:       rej.At.UTC().Format(time.RFC3339Nano),
	})
	return b
}

func killPayload(k domain.KillSwitchState) []byte {
	b, _ := json.Marshal(k)
	return b
}
