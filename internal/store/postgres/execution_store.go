package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore creates an ExecutionStore backed by pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const insertReportSQL = `
	INSERT INTO executions (
		request_id, order_id, token_id, market_id, action, side, status,
		requested_price, requested_size, filled_size, filled_shares, avg_price,
		partial, retryable, reason, dry_run, reported_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7,
		$8, $9, $10, $11, $12,
		$13, $14, $15, $16, $17
	) ON CONFLICT (request_id, status) DO NOTHING`

func reportArgs(r domain.ExecutionReport) []any {
	return []any{
		r.RequestID, r.OrderID, r.TokenID, r.MarketID,
		string(r.Action), string(r.Side), string(r.Status),
		r.RequestedPrice, r.RequestedSize, r.FilledSize, r.FilledShares, r.AvgPrice,
		r.Partial, r.Retryable, r.Reason, r.DryRun, r.Timestamp,
	}
}

// InsertReports writes reports in one batch. A report already stored with
// the same request id and status is skipped.
func (s *ExecutionStore) InsertReports(ctx context.Context, reports []domain.ExecutionReport) error {
	if len(reports) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range reports {
		batch.Queue(insertReportSQL, reportArgs(r)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range reports {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert execution batch item %d: %w", i, err)
		}
	}
	return nil
}

var rejectionColumns = []string{
	"token_id", "market_id", "action", "side", "price", "size",
	"strategy", "check_name", "detail", "rejected_at",
}

func rejectionRow(r domain.Rejection) []any {
	return []any{
		r.Intent.TokenID, r.Intent.MarketID, string(r.Intent.Action), string(r.Intent.Side),
		r.Intent.Price, r.Intent.Size, r.Intent.Strategy,
		string(r.Check), r.Detail, r.At,
	}
}

// InsertRejections bulk-loads rejections with COPY.
func (s *ExecutionStore) InsertRejections(ctx context.Context, rejections []domain.Rejection) error {
	if len(rejections) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(rejections))
	for _, r := range rejections {
		rows = append(rows, rejectionRow(r))
	}
	if _, err := s.pool.CopyFrom(ctx, pgx.Identifier{"rejections"}, rejectionColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("postgres: copy rejections: %w", err)
	}
	return nil
}

// ListReports returns the most recent reports, newest first. An empty
// tokenID lists every token.
func (s *ExecutionStore) ListReports(ctx context.Context, tokenID string, limit int) ([]domain.ExecutionReport, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT request_id, order_id, token_id, market_id, action, side, status,
			requested_price, requested_size, filled_size, filled_shares, avg_price,
			partial, retryable, reason, dry_run, reported_at
		FROM executions`
	args := []any{}
	if tokenID != "" {
		query += ` WHERE token_id = $1`
		args = append(args, tokenID)
	}
	query += fmt.Sprintf(` ORDER BY reported_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionReport
	for rows.Next() {
		var r domain.ExecutionReport
		var action, side, status string
		if err := rows.Scan(
			&r.RequestID, &r.OrderID, &r.TokenID, &r.MarketID, &action, &side, &status,
			&r.RequestedPrice, &r.RequestedSize, &r.FilledSize, &r.FilledShares, &r.AvgPrice,
			&r.Partial, &r.Retryable, &r.Reason, &r.DryRun, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		r.Action = domain.IntentAction(action)
		r.Side = domain.Side(side)
		r.Status = domain.OrderStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
