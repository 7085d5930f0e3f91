package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// BannedPairStore implements domain.BannedPairStore.
type BannedPairStore struct {
	pool *pgxpool.Pool
}

// NewBannedPairStore creates a new BannedPairStore.
func NewBannedPairStore(pool *pgxpool.Pool) *BannedPairStore {
	return &BannedPairStore{pool: pool}
}

// Ban upserts a ban, extending it when the pair is already banned.
func (s *BannedPairStore) Ban(ctx context.Context, b domain.BannedPair) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO banned_pairs (base, quote, reason, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (base, quote) DO UPDATE
		SET reason = EXCLUDED.reason, expires_at = GREATEST(banned_pairs.expires_at, EXCLUDED.expires_at)`,
		b.Pair.Base, b.Pair.Quote, b.Reason, b.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: ban %s: %w", b.Pair, err)
	}
	return nil
}

// ListActive returns bans that have not expired at now.
func (s *BannedPairStore) ListActive(ctx context.Context, now time.Time) ([]domain.BannedPair, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT base, quote, reason, expires_at FROM banned_pairs WHERE expires_at > $1 ORDER BY expires_at`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: list banned_pairs: %w", err)
	}
	defer rows.Close()

	var out []domain.BannedPair
	for rows.Next() {
		var b domain.BannedPair
		if err := rows.Scan(&b.Pair.Base, &b.Pair.Quote, &b.Reason, &b.ExpiresAt); err != nil {
			return nil, fmt.Errorf("postgres: scan banned_pair: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Purge deletes bans that expired at or before now.
func (s *BannedPairStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM banned_pairs WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge banned_pairs: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.BannedPairStore = (*BannedPairStore)(nil)
