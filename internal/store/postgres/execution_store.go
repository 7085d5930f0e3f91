package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionColumns = `id, sequence, start_currency, start_amount, end_currency, end_amount,
	expected_profit, actual_profit, status, error, started_at, completed_at`

// Create inserts an execution and its hops in one transaction.
func (s *ExecutionStore) Create(ctx context.Context, exec domain.SequenceExecution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var completedAt *time.Time
	if !exec.CompletedAt.IsZero() {
		completedAt = &exec.CompletedAt
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO sequence_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		exec.ID, exec.Sequence, exec.StartCurrency, exec.StartAmount, exec.EndCurrency, exec.EndAmount,
		exec.ExpectedProfit, exec.ActualProfit, string(exec.Status), exec.Error, exec.StartedAt, completedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert sequence_execution %s: %w", exec.ID, err)
	}

	batch := &pgx.Batch{}
	for _, h := range exec.Hops {
		batch.Queue(`
			INSERT INTO sequence_execution_hops (execution_id, hop_index, order_id, base, quote, side, order_type, amount, price, required_balance, received_amount, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			exec.ID, h.Index, h.OrderID, h.Pair.Base, h.Pair.Quote, string(h.Side), string(h.Type),
			h.Amount, h.Price, h.RequiredBalance, h.ReceivedAmount, string(h.Status),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert hops of %s: %w", exec.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// GetByID returns an execution with its hops.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.SequenceExecution, error) {
	exec, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM sequence_executions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SequenceExecution{}, domain.ErrNotFound
		}
		return domain.SequenceExecution{}, fmt.Errorf("postgres: get sequence_execution %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT hop_index, order_id, base, quote, side, order_type, amount, price, required_balance, received_amount, status
		FROM sequence_execution_hops WHERE execution_id = $1 ORDER BY hop_index, id`, id)
	if err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("postgres: get hops of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var h domain.HopExecution
		var side, typ, status string
		if err := rows.Scan(&h.Index, &h.OrderID, &h.Pair.Base, &h.Pair.Quote, &side, &typ,
			&h.Amount, &h.Price, &h.RequiredBalance, &h.ReceivedAmount, &status); err != nil {
			return domain.SequenceExecution{}, fmt.Errorf("postgres: scan hop: %w", err)
		}
		h.Side = domain.Side(side)
		h.Type = domain.OrderType(typ)
		h.Status = domain.OrderStatus(status)
		exec.Hops = append(exec.Hops, h)
	}
	if err := rows.Err(); err != nil {
		return domain.SequenceExecution{}, fmt.Errorf("postgres: hops rows: %w", err)
	}
	return exec, nil
}

// ListRecent returns the latest executions without hops, newest first.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.SequenceExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, `SELECT `+executionColumns+` FROM sequence_executions
		ORDER BY started_at DESC LIMIT $1`, limit)
}

// ListBefore returns up to limit executions started before before, oldest
// first. The archiver uses it to page through rows to move to cold storage.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.SequenceExecution, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.list(ctx, `SELECT `+executionColumns+` FROM sequence_executions
		WHERE started_at < $1 ORDER BY started_at ASC LIMIT $2`, before, limit)
}

// Delete removes the executions with the given ids. Hops cascade.
func (s *ExecutionStore) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM sequence_executions WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete sequence_executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SumProfit returns the summed actual profit of executions since since.
func (s *ExecutionStore) SumProfit(ctx context.Context, since time.Time) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(actual_profit), 0) FROM sequence_executions WHERE started_at >= $1`, since,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum profit: %w", err)
	}
	return sum, nil
}

func (s *ExecutionStore) list(ctx context.Context, query string, args ...any) ([]domain.SequenceExecution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sequence_executions: %w", err)
	}
	defer rows.Close()

	var out []domain.SequenceExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan sequence_execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(row pgx.Row) (domain.SequenceExecution, error) {
	var exec domain.SequenceExecution
	var status string
	var completedAt *time.Time
	err := row.Scan(&exec.ID, &exec.Sequence, &exec.StartCurrency, &exec.StartAmount,
		&exec.EndCurrency, &exec.EndAmount, &exec.ExpectedProfit, &exec.ActualProfit,
		&status, &exec.Error, &exec.StartedAt, &completedAt)
	if err != nil {
		return domain.SequenceExecution{}, err
	}
	exec.Status = domain.ExecStatus(status)
	if completedAt != nil {
		exec.CompletedAt = *completedAt
	}
	return exec, nil
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
