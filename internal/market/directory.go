// Package market holds the exchange pair metadata the engine trades against.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// DefaultFee is used for pairs whose fee has not been fetched yet.
const DefaultFee = 0.001

// Directory is a concurrency-safe index of tradeable pairs.
type Directory struct {
	mu    sync.RWMutex
	pairs map[domain.Pair]domain.PairInfo
	// byLegs maps an unordered currency pair to the listed Pair.
	byLegs map[[2]string]domain.Pair
}

// NewDirectory indexes infos. Invalid entries are skipped.
func NewDirectory(infos []domain.PairInfo) *Directory {
	d := &Directory{
		pairs:  make(map[domain.Pair]domain.PairInfo, len(infos)),
		byLegs: make(map[[2]string]domain.Pair, len(infos)),
	}
	for _, pi := range infos {
		if pi.Fee == 0 {
			pi.Fee = DefaultFee
		}
		if pi.Validate() != nil {
			continue
		}
		d.pairs[pi.Pair] = pi
		d.byLegs[legKey(pi.Pair.Base, pi.Pair.Quote)] = pi.Pair
	}
	return d
}

// Load fetches the exchange symbol list and keeps the enabled symbols accepted
// by keep.
func Load(ctx context.Context, src domain.SymbolSource, keep func(domain.PairInfo) bool) (*Directory, error) {
	infos, err := src.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("market: load symbols: %w", err)
	}
	kept := infos[:0]
	for _, pi := range infos {
		if pi.Enabled && (keep == nil || keep(pi)) {
			kept = append(kept, pi)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("market: no tradeable symbols after filtering: %w", domain.ErrNotFound)
	}
	return NewDirectory(kept), nil
}

func legKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Info returns the metadata for pair.
func (d *Directory) Info(pair domain.Pair) (domain.PairInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pi, ok := d.pairs[pair]
	return pi, ok
}

// Fee returns the taker fee for pair, or DefaultFee when unknown.
func (d *Directory) Fee(pair domain.Pair) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if pi, ok := d.pairs[pair]; ok {
		return pi.Fee
	}
	return DefaultFee
}

// Between returns the listed pair trading a against b in either orientation.
func (d *Directory) Between(a, b string) (domain.Pair, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byLegs[legKey(a, b)]
	return p, ok
}

// Pairs returns every listed pair sorted by symbol.
func (d *Directory) Pairs() []domain.Pair {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Pair, 0, len(d.pairs))
	for p := range d.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Restrict drops every pair not in keep.
func (d *Directory) Restrict(keep []domain.Pair) {
	set := make(map[domain.Pair]bool, len(keep))
	for _, p := range keep {
		set[p] = true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := range d.pairs {
		if !set[p] {
			delete(d.pairs, p)
			delete(d.byLegs, legKey(p.Base, p.Quote))
		}
	}
}

// SetFees overwrites fees for the given pairs.
func (d *Directory) SetFees(fees map[domain.Pair]float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, f := range fees {
		pi, ok := d.pairs[p]
		if !ok || f < 0 || f >= 1 {
			continue
		}
		pi.Fee = f
		d.pairs[p] = pi
	}
}

// RefreshFees pulls current fees from src once.
func (d *Directory) RefreshFees(ctx context.Context, src domain.FeeSource) error {
	fees, err := src.PairFees(ctx, d.Pairs())
	if err != nil {
		return fmt.Errorf("market: refresh fees: %w", err)
	}
	d.SetFees(fees)
	return nil
}

// FeeRefreshLoop refreshes fees every interval until ctx is cancelled.
// Failures are logged and retried on the next tick.
func (d *Directory) FeeRefreshLoop(ctx context.Context, src domain.FeeSource, interval time.Duration, logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "fee_refresh"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.RefreshFees(ctx, src); err != nil {
				logger.WarnContext(ctx, "fee refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}
