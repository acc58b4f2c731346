package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a SnapshotStore backed by pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

var snapshotColumns = []string{
	"token_id", "market_id", "asset", "outcome",
	"best_bid", "best_ask", "mid", "spread_pct",
	"oracle_price", "fair_prob", "edge",
	"minutes_since_open", "minutes_left", "taken_at",
}

func snapshotRow(s domain.MarketSnapshot) []any {
	return []any{
		s.TokenID, s.MarketID, s.Asset, string(s.Outcome),
		s.BestBid, s.BestAsk, s.Mid, s.SpreadPct,
		s.OraclePrice, s.FairProb, s.Edge,
		s.MinutesSinceOpen, s.MinutesUntilResolution, s.Time,
	}
}

// InsertSnapshots bulk-loads snapshots with COPY.
func (s *SnapshotStore) InsertSnapshots(ctx context.Context, snaps []domain.MarketSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(snaps))
	for _, sn := range snaps {
		rows = append(rows, snapshotRow(sn))
	}
	if _, err := s.pool.CopyFrom(ctx, pgx.Identifier{"market_snapshots"}, snapshotColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("postgres: copy snapshots: %w", err)
	}
	return nil
}
