package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a PositionStore backed by pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const upsertPositionSQL = `
	INSERT INTO positions (
		token_id, market_id, outcome, side, entry_price, size, shares,
		current_price, status, opened_at, updated_at, closed_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7,
		$8, 'open', $9, $10, NULL
	) ON CONFLICT (token_id) DO UPDATE SET
		market_id     = EXCLUDED.market_id,
		outcome       = EXCLUDED.outcome,
		side          = EXCLUDED.side,
		entry_price   = EXCLUDED.entry_price,
		size          = EXCLUDED.size,
		shares        = EXCLUDED.shares,
		current_price = EXCLUDED.current_price,
		status        = 'open',
		opened_at     = EXCLUDED.opened_at,
		updated_at    = EXCLUDED.updated_at,
		closed_at     = NULL`

// closeMissingSQL closes every open row whose token is not in $1.
const closeMissingSQL = `
	UPDATE positions SET status = 'closed', closed_at = $2, updated_at = $2
	WHERE status = 'open' AND NOT (token_id = ANY($1))`

func positionArgs(p domain.Position, at time.Time) []any {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = at
	}
	return []any{
		p.TokenID, p.MarketID, string(p.Outcome), string(p.Side),
		p.EntryPrice, p.Size, p.Shares, p.CurrentPrice,
		p.OpenedAt, updated,
	}
}

// openTokenIDs returns the inventory's tokens in a stable order.
func openTokenIDs(inv domain.Inventory) []string {
	ids := make([]string, 0, len(inv.Positions))
	for id := range inv.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sync upserts every open position and closes stored rows that are no
// longer held, in one transaction.
func (s *PositionStore) Sync(ctx context.Context, inv domain.Inventory, at time.Time) error {
	ids := openTokenIDs(inv)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin position sync: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue(upsertPositionSQL, positionArgs(inv.Positions[id], at)...)
	}
	batch.Queue(closeMissingSQL, ids, at)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: position sync item %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: position sync: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit position sync: %w", err)
	}
	return nil
}

// LoadOpen returns every stored open position.
func (s *PositionStore) LoadOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_id, market_id, outcome, side, entry_price, size, shares,
			current_price, opened_at, updated_at
		FROM positions WHERE status = 'open' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var outcome, side string
		if err := rows.Scan(
			&p.TokenID, &p.MarketID, &outcome, &side, &p.EntryPrice, &p.Size, &p.Shares,
			&p.CurrentPrice, &p.OpenedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		p.Outcome = domain.Outcome(outcome)
		p.Side = domain.Side(side)
		out = append(out, p)
	}
	return out, rows.Err()
}
