package domain

import (
	"context"
	"time"
)

// ExecutionStore persists execution reports and risk rejections.
type ExecutionStore interface {
	InsertReports(ctx context.Context, reports []ExecutionReport) error
	InsertRejections(ctx context.Context, rejections []Rejection) error
	ListReports(ctx context.Context, tokenID string, limit int) ([]ExecutionReport, error)
}

// PositionStore persists the inventory's open positions.
type PositionStore interface {
	// Sync makes the stored set of open positions equal to inv, closing any
	// stored position no longer present.
	Sync(ctx context.Context, inv Inventory, at time.Time) error
	LoadOpen(ctx context.Context) ([]Position, error)
}

// SnapshotStore persists sampled market snapshots.
type SnapshotStore interface {
	InsertSnapshots(ctx context.Context, snaps []MarketSnapshot) error
}

// SnapshotArchiver ships batches of snapshots to cold storage.
type SnapshotArchiver interface {
	Archive(ctx context.Context, snaps []MarketSnapshot) (string, error)
}
