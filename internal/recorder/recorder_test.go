package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStores struct {
	mu         sync.Mutex
	reports    []domain.ExecutionReport
	rejections []domain.Rejection
	snaps      []domain.MarketSnapshot
	syncs      []domain.Inventory
	archived   [][]domain.MarketSnapshot
	published  []string
	failInsert bool
}

func (f *fakeStores) InsertReports(_ context.Context, reps []domain.ExecutionReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert {
		return errors.New("db down")
	}
	f.reports = append(f.reports, reps...)
	return nil
}

func (f *fakeStores) InsertRejections(_ context.Context, rejs []domain.Rejection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejections = append(f.rejections, rejs...)
	return nil
}

func (f *fakeStores) ListReports(context.Context, string, int) ([]domain.ExecutionReport, error) {
	return nil, nil
}

func (f *fakeStores) InsertSnapshots(_ context.Context, snaps []domain.MarketSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snaps...)
	return nil
}

func (f *fakeStores) Sync(_ context.Context, inv domain.Inventory, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, inv)
	return nil
}

func (f *fakeStores) LoadOpen(context.Context) ([]domain.Position, error) { return nil, nil }

func (f *fakeStores) Archive(_ context.Context, snaps []domain.MarketSnapshot) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, append([]domain.MarketSnapshot(nil), snaps...))
	return "key", nil
}

func (f *fakeStores) Publish(_ context.Context, topic, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic+"/"+key)
	return nil
}

func (f *fakeStores) reportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

func newTestRecorder(cfg Config, f *fakeStores) *Recorder {
	return New(cfg, testLogger(),
		WithExecutionStore(f),
		WithSnapshotStore(f),
		WithPositionStore(f),
		WithArchiver(f),
		WithPublisher(f),
	)
}

// runUntilStopped starts Run and returns a stop function that cancels it and
// waits for the final flush.
func runUntilStopped(t *testing.T, r *Recorder) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("recorder did not stop")
		}
	}
}

func TestFinalFlushOnShutdown(t *testing.T) {
	f := &fakeStores{}
	r := newTestRecorder(Config{BatchSize: 1000, FlushInterval: time.Hour, ArchiveBatchSize: 10}, f)
	stop := runUntilStopped(t, r)

	r.RecordReport(domain.ExecutionReport{RequestID: "r1", TokenID: "tok", Status: domain.OrderStatusFilled})
	r.RecordRejection(domain.Rejection{Intent: domain.TradeIntent{TokenID: "tok"}, Check: domain.CheckCooldown})
	r.RecordSnapshot(domain.MarketSnapshot{TokenID: "tok"})
	r.RecordKillSwitch(domain.KillSwitchState{Active: true, Reason: "drawdown"})
	inv := domain.NewInventory()
	inv.Positions["tok"] = domain.Position{TokenID: "tok"}
	r.ObserveInventory(domain.NewInventory())
	r.ObserveInventory(inv)
	stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.reports, 1)
	assert.Len(t, f.rejections, 1)
	assert.Len(t, f.snaps, 1)
	require.Len(t, f.syncs, 1, "only the latest inventory is synced")
	assert.Contains(t, f.syncs[0].Positions, "tok")
	require.Len(t, f.archived, 1, "remaining snapshots are archived on shutdown")
	assert.ElementsMatch(t, []string{"executions/tok", "rejections/tok", "kill_switch/global"}, f.published)
}

func TestFlushesWhenBatchIsFull(t *testing.T) {
	f := &fakeStores{}
	r := newTestRecorder(Config{BatchSize: 2, FlushInterval: time.Hour}, f)
	stop := runUntilStopped(t, r)
	defer stop()

	r.RecordReport(domain.ExecutionReport{RequestID: "a"})
	r.RecordReport(domain.ExecutionReport{RequestID: "b"})
	require.Eventually(t, func() bool { return f.reportCount() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestFlushesOnInterval(t *testing.T) {
	f := &fakeStores{}
	r := newTestRecorder(Config{BatchSize: 1000, FlushInterval: 10 * time.Millisecond}, f)
	stop := runUntilStopped(t, r)
	defer stop()

	r.RecordReport(domain.ExecutionReport{RequestID: "a"})
	require.Eventually(t, func() bool { return f.reportCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestDropsWhenQueueFull(t *testing.T) {
	f := &fakeStores{}
	r := newTestRecorder(Config{BufferSize: 1}, f)

	start := time.Now()
	r.RecordReport(domain.ExecutionReport{RequestID: "a"})
	r.RecordReport(domain.ExecutionReport{RequestID: "b"})
	r.RecordSnapshot(domain.MarketSnapshot{})
	assert.Less(t, time.Since(start), time.Second, "recording never blocks")

	st := r.Stats()
	assert.EqualValues(t, 1, st.Queued)
	assert.EqualValues(t, 2, st.Dropped)
}

func TestStoreFailureIsCountedAndDropped(t *testing.T) {
	f := &fakeStores{failInsert: true}
	r := newTestRecorder(Config{BatchSize: 1000, FlushInterval: time.Hour}, f)
	stop := runUntilStopped(t, r)

	r.RecordReport(domain.ExecutionReport{RequestID: "a", TokenID: "tok"})
	stop()

	assert.EqualValues(t, 1, r.Stats().Errors)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.reports)
	assert.Equal(t, []string{"executions/tok"}, f.published, "publishing is independent of the store")
}

func TestArchiveSplitsBatches(t *testing.T) {
	f := &fakeStores{}
	r := newTestRecorder(Config{BatchSize: 1000, FlushInterval: time.Hour, ArchiveBatchSize: 2}, f)
	stop := runUntilStopped(t, r)
	for i := 0; i < 5; i++ {
		r.RecordSnapshot(domain.MarketSnapshot{TokenID: "tok"})
	}
	stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.archived, 3)
	assert.Len(t, f.archived[0], 2)
	assert.Len(t, f.archived[1], 2)
	assert.Len(t, f.archived[2], 1)
}

func TestInventoryIgnoredWithoutPositionStore(t *testing.T) {
	r := New(Config{}, testLogger())
	r.ObserveInventory(domain.NewInventory())
	assert.Zero(t, r.Stats().Queued)
}

func TestReportPayload(t *testing.T) {
	at := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	b := reportPayload(domain.ExecutionReport{
		RequestID: "r1", TokenID: "tok", Status: domain.OrderStatusFilled,
		FilledSize: 17.5, FilledShares: 50, AvgPrice: 0.35, DryRun: true, Timestamp: at,
	})
	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "FILLED", got["status"])
	assert.Equal(t, 17.5, got["filled_size"])
	assert.Equal(t, 50.0, got["filled_shares"])
	assert.NotContains(t, got, "partial")
	assert.Equal(t, true, got["dry_run"])
	assert.Equal(t, "2026-10-17T12:00:00Z", got["timestamp"])
	assert.NotContains(t, got, "order_id")
}
