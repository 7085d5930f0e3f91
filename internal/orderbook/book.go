// Package orderbook maintains sequence-checked local order books and keeps
// them synchronized with an exchange's snapshot + delta streams.
package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrStaleDelta is returned by Update for a delta at or below the last
// applied sequence.
var ErrStaleDelta = errors.New("orderbook: stale delta")

// maxTrackedMissing bounds the set of individual missing sequence numbers.
// MissingCount keeps counting past it.
const maxTrackedMissing = 4096

type level struct {
	price float64
	size  float64
}

// Book is the local view of one pair's order book. Reads and writes are safe
// for concurrent use.
type Book struct {
	pair domain.Pair

	mu           sync.RWMutex
	bids         map[string]level
	asks         map[string]level
	lastSequence int64
	missing      map[int64]struct{}
	missingCount int
	calibrated   bool
	updatedAt    time.Time

	// sorted caches each side ordered best-first. Writers clear it under the
	// write lock; readers fill it under the read lock.
	sortedBids atomic.Pointer[[]domain.PriceLevel]
	sortedAsks atomic.Pointer[[]domain.PriceLevel]
}

// NewBook returns an empty, uncalibrated book.
func NewBook(pair domain.Pair) *Book {
	return &Book{
		pair:    pair,
		bids:    make(map[string]level),
		asks:    make(map[string]level),
		missing: make(map[int64]struct{}),
	}
}

// Pair returns the pair this book tracks.
func (b *Book) Pair() domain.Pair { return b.pair }

// Calibrate replaces the book with snap, replays every delta in buffered whose
// sequence is above the snapshot's, in sequence order, and marks the book
// calibrated. Deltas at or below the snapshot sequence are discarded.
func (b *Book) Calibrate(snap domain.BookSnapshot, buffered []domain.BookDelta) (replayed int, err error) {
	bids, err := parseLevels(snap.Bids)
	if err != nil {
		return 0, fmt.Errorf("orderbook: calibrate %s bids: %w", b.pair, err)
	}
	asks, err := parseLevels(snap.Asks)
	if err != nil {
		return 0, fmt.Errorf("orderbook: calibrate %s asks: %w", b.pair, err)
	}

	replay := make([]domain.BookDelta, 0, len(buffered))
	for _, d := range buffered {
		if d.Sequence > snap.Sequence {
			replay = append(replay, d)
		}
	}
	sort.SliceStable(replay, func(i, j int) bool { return replay[i].Sequence < replay[j].Sequence })

	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = bids
	b.asks = asks
	b.invalidateLocked(domain.BookBids)
	b.invalidateLocked(domain.BookAsks)
	b.lastSequence = snap.Sequence
	b.missing = make(map[int64]struct{})
	b.missingCount = 0

	for _, d := range replay {
		if _, err := b.applyLocked(d.Side, d.Price, d.Size, d.Sequence); err != nil {
			if errors.Is(err, ErrStaleDelta) {
				continue
			}
			return replayed, fmt.Errorf("orderbook: calibrate %s replay seq %d: %w", b.pair, d.Sequence, err)
		}
		replayed++
	}

	b.calibrated = true
	b.updatedAt = time.Now()
	return replayed, nil
}

// Update applies one delta. A sequence that skips ahead of lastSequence+1 is
// still applied; the skipped sequence numbers are recorded as missing and gap
// reports how many there were. A sequence at or below lastSequence returns
// ErrStaleDelta and leaves the book untouched.
func (b *Book) Update(side domain.BookSide, price, size string, seq int64) (gap int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.calibrated {
		return 0, domain.ErrBookNotReady
	}
	return b.applyLocked(side, price, size, seq)
}

func (b *Book) applyLocked(side domain.BookSide, price, size string, seq int64) (int64, error) {
	if seq <= b.lastSequence {
		return 0, ErrStaleDelta
	}

	levels, err := b.sideLocked(side)
	if err != nil {
		return 0, err
	}
	key, lvl, err := parseLevel(price, size)
	if err != nil {
		return 0, err
	}

	var gap int64
	if seq != b.lastSequence+1 {
		gap = seq - b.lastSequence - 1
		for s := b.lastSequence + 1; s < seq && len(b.missing) < maxTrackedMissing; s++ {
			b.missing[s] = struct{}{}
		}
		b.missingCount += int(gap)
	}

	if lvl.size == 0 {
		delete(levels, key)
	} else {
		levels[key] = lvl
	}
	b.invalidateLocked(side)
	b.lastSequence = seq
	b.updatedAt = time.Now()
	return gap, nil
}

// Reset drops all levels and marks the book uncalibrated.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = make(map[string]level)
	b.asks = make(map[string]level)
	b.invalidateLocked(domain.BookBids)
	b.invalidateLocked(domain.BookAsks)
	b.missing = make(map[int64]struct{})
	b.missingCount = 0
	b.lastSequence = 0
	b.calibrated = false
}

// Levels returns a numeric copy of one side ordered best-first: bids by
// descending price, asks by ascending price.
func (b *Book) Levels(side domain.BookSide) []domain.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.levelsLocked(side, 0)
}

// Top returns at most n best levels of one side.
func (b *Book) Top(side domain.BookSide, n int) []domain.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.levelsLocked(side, n)
}

// EvictTop removes the n best levels of one side. It is used to discard
// liquidity that proved unreal during an execution. It returns how many levels
// were removed.
func (b *Book) EvictTop(side domain.BookSide, n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	levels, err := b.sideLocked(side)
	if err != nil || n <= 0 {
		return 0
	}
	keys := sortedKeys(levels, side)
	if n > len(keys) {
		n = len(keys)
	}
	for _, k := range keys[:n] {
		delete(levels, k)
	}
	b.invalidateLocked(side)
	return n
}

// Calibrated reports whether the book has been seeded from a snapshot.
func (b *Book) Calibrated() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.calibrated
}

// LastSequence returns the sequence of the last applied delta or snapshot.
func (b *Book) LastSequence() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSequence
}

// MissingCount returns how many sequence numbers were skipped since the last
// calibration.
func (b *Book) MissingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.missingCount
}

// IsMissing reports whether seq was recorded as skipped.
func (b *Book) IsMissing(seq int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.missing[seq]
	return ok
}

// View returns a numeric point-in-time copy of the book limited to depth
// levels per side (0 means all).
func (b *Book) View(depth int) domain.BookView {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v := domain.BookView{
		Pair:         b.pair,
		Bids:         b.levelsLocked(domain.BookBids, depth),
		Asks:         b.levelsLocked(domain.BookAsks, depth),
		Sequence:     b.lastSequence,
		MissingCount: b.missingCount,
		Calibrated:   b.calibrated,
		Timestamp:    b.updatedAt,
	}
	if len(v.Bids) > 0 {
		v.BestBid = v.Bids[0].Price
	}
	if len(v.Asks) > 0 {
		v.BestAsk = v.Asks[0].Price
	}
	return v
}

func (b *Book) sideLocked(side domain.BookSide) (map[string]level, error) {
	switch side {
	case domain.BookBids:
		return b.bids, nil
	case domain.BookAsks:
		return b.asks, nil
	}
	return nil, fmt.Errorf("orderbook: unknown side %q", side)
}

func (b *Book) cacheFor(side domain.BookSide) *atomic.Pointer[[]domain.PriceLevel] {
	if side == domain.BookBids {
		return &b.sortedBids
	}
	return &b.sortedAsks
}

func (b *Book) invalidateLocked(side domain.BookSide) {
	b.cacheFor(side).Store(nil)
}

// levelsLocked copies at most n levels (0 means all) from the sorted cache,
// rebuilding it if a write cleared it. Concurrent readers may rebuild the same
// view; they store identical slices.
func (b *Book) levelsLocked(side domain.BookSide, n int) []domain.PriceLevel {
	levels, err := b.sideLocked(side)
	if err != nil {
		return nil
	}
	cache := b.cacheFor(side)
	sorted := cache.Load()
	if sorted == nil {
		keys := sortedKeys(levels, side)
		view := make([]domain.PriceLevel, len(keys))
		for i, k := range keys {
			view[i] = domain.PriceLevel{Price: levels[k].price, Size: levels[k].size}
		}
		cache.Store(&view)
		sorted = &view
	}
	src := *sorted
	if n > 0 && n < len(src) {
		src = src[:n]
	}
	out := make([]domain.PriceLevel, len(src))
	copy(out, src)
	return out
}

func sortedKeys(levels map[string]level, side domain.BookSide) []string {
	keys := make([]string, 0, len(levels))
	for k := range levels {
		keys = append(keys, k)
	}
	if side == domain.BookBids {
		sort.Slice(keys, func(i, j int) bool { return levels[keys[i]].price > levels[keys[j]].price })
	} else {
		sort.Slice(keys, func(i, j int) bool { return levels[keys[i]].price < levels[keys[j]].price })
	}
	return keys
}

// parseLevel normalizes the price so "0.0100" and "0.01" address the same
// level.
func parseLevel(price, size string) (string, level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return "", level{}, fmt.Errorf("orderbook: price %q: %w", price, err)
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return "", level{}, fmt.Errorf("orderbook: size %q: %w", size, err)
	}
	if p.Sign() <= 0 || s.Sign() < 0 {
		return "", level{}, fmt.Errorf("orderbook: invalid level %s@%s", size, price)
	}
	return p.String(), level{price: p.InexactFloat64(), size: s.InexactFloat64()}, nil
}

func parseLevels(raw []domain.RawLevel) (map[string]level, error) {
	out := make(map[string]level, len(raw))
	for _, r := range raw {
		key, lvl, err := parseLevel(r.Price, r.Size)
		if err != nil {
			return nil, err
		}
		if lvl.size == 0 {
			continue
		}
		out[key] = lvl
	}
	return out, nil
}
