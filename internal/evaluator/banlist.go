package evaluator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// DefaultBanDuration is how long a pair that could not cover a quote stays
// excluded.
const DefaultBanDuration = 10 * time.Minute

// BanList excludes pairs from evaluation for a while. Bans are applied in
// memory immediately and written to the optional store in the background.
type BanList struct {
	mu       sync.RWMutex
	bans     map[domain.Pair]time.Time
	duration time.Duration
	store    domain.BannedPairStore
	queue    chan domain.BannedPair
	now      func() time.Time
	logger   *slog.Logger
}

// NewBanList creates a BanList. store may be nil.
func NewBanList(duration time.Duration, store domain.BannedPairStore, logger *slog.Logger) *BanList {
	if duration <= 0 {
		duration = DefaultBanDuration
	}
	return &BanList{
		bans:     make(map[domain.Pair]time.Time),
		duration: duration,
		store:    store,
		queue:    make(chan domain.BannedPair, 256),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "ban_list")),
	}
}

// Load restores unexpired bans from the store.
func (b *BanList) Load(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	active, err := b.store.ListActive(ctx, b.now())
	if err != nil {
		return err
	}
	b.mu.Lock()
	for _, ban := range active {
		b.bans[ban.Pair] = ban.ExpiresAt
	}
	b.mu.Unlock()
	b.logger.InfoContext(ctx, "restored bans", slog.Int("count", len(active)))
	return nil
}

// Ban excludes pair for the configured duration.
func (b *BanList) Ban(pair domain.Pair, reason string) {
	expires := b.now().Add(b.duration)

	b.mu.Lock()
	_, already := b.bans[pair]
	b.bans[pair] = expires
	b.mu.Unlock()

	if already || b.store == nil {
		return
	}
	select {
	case b.queue <- domain.BannedPair{Pair: pair, Reason: reason, ExpiresAt: expires}:
	default:
		b.logger.Warn("ban persist queue full", slog.String("pair", pair.String()))
	}
}

// Banned reports whether pair is currently excluded.
func (b *BanList) Banned(pair domain.Pair) bool {
	b.mu.RLock()
	expires, ok := b.bans[pair]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if b.now().Before(expires) {
		return true
	}
	b.mu.Lock()
	if exp, ok := b.bans[pair]; ok && !b.now().Before(exp) {
		delete(b.bans, pair)
	}
	b.mu.Unlock()
	return false
}

// Active returns the currently banned pairs.
func (b *BanList) Active() []domain.BannedPair {
	now := b.now()
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.BannedPair, 0, len(b.bans))
	for p, exp := range b.bans {
		if now.Before(exp) {
			out = append(out, domain.BannedPair{Pair: p, ExpiresAt: exp})
		}
	}
	return out
}

// Run persists queued bans and purges expired rows until ctx is done.
func (b *BanList) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ban := <-b.queue:
			if b.store == nil {
				continue
			}
			if err := b.store.Ban(ctx, ban); err != nil {
				b.logger.WarnContext(ctx, "persist ban failed",
					slog.String("pair", ban.Pair.String()),
					slog.String("error", err.Error()),
				)
			}
		case <-ticker.C:
			if b.store == nil {
				continue
			}
			n, err := b.store.Purge(ctx, b.now())
			if err != nil {
				b.logger.WarnContext(ctx, "purge bans failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				b.logger.DebugContext(ctx, "purged expired bans", slog.Int64("count", n))
			}
		}
	}
}
