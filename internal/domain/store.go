package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// ExecutionStore persists sequence executions and their hops.
type ExecutionStore interface {
	Create(ctx context.Context, exec SequenceExecution) error
	GetByID(ctx context.Context, id string) (SequenceExecution, error)
	ListRecent(ctx context.Context, limit int) ([]SequenceExecution, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]SequenceExecution, error)
	Delete(ctx context.Context, ids []string) (int64, error)
	SumProfit(ctx context.Context, since time.Time) (float64, error)
}

// BannedPairStore persists liquidity bans across restarts.
type BannedPairStore interface {
	Ban(ctx context.Context, b BannedPair) error
	ListActive(ctx context.Context, now time.Time) ([]BannedPair, error)
	Purge(ctx context.Context, now time.Time) (int64, error)
}
