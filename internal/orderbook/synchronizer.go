package orderbook

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSettleDelay  = 3 * time.Second
	defaultConcurrency  = 10
	snapshotRetryDelay  = 2 * time.Second
	maxBufferedPerPair  = 50_000
	snapshotLimiterKey  = "snapshot"
	auditEventResync    = "book_resync"
	auditEventCalibrate = "book_calibrated"
)

// SyncConfig tunes the synchronizer.
type SyncConfig struct {
	// SettleDelay is how long deltas are buffered after start or reconnect
	// before snapshots are requested.
	SettleDelay time.Duration
	// Concurrency bounds in-flight snapshot requests.
	Concurrency int
	// ResyncGapThreshold triggers a fresh snapshot for a book once this many
	// sequences have been missed. Zero disables automatic resync.
	ResyncGapThreshold int
	// SnapshotLimit and SnapshotWindow throttle snapshot requests through the
	// optional RateLimiter.
	SnapshotLimit  int
	SnapshotWindow time.Duration
}

type snapshotResult struct {
	pair       domain.Pair
	generation uint64
	snap       domain.BookSnapshot
	err        error
}

// Synchronizer owns every Book and is the only writer to them. Deltas are
// consumed by Run on a single goroutine; snapshot fetches happen on helper
// goroutines and hand their results back to Run.
type Synchronizer struct {
	fetcher domain.SnapshotFetcher
	limiter domain.RateLimiter
	audit   domain.AuditStore
	cfg     SyncConfig
	logger  *slog.Logger

	books map[domain.Pair]*Book

	// Owned by Run.
	buffers    map[domain.Pair][]domain.BookDelta
	inflight   map[domain.Pair]bool
	generation uint64

	results  chan snapshotResult
	resyncCh chan domain.Pair
	resetCh  chan struct{}
}

// NewSynchronizer creates books for pairs. limiter and audit may be nil.
func NewSynchronizer(fetcher domain.SnapshotFetcher, pairs []domain.Pair, cfg SyncConfig, limiter domain.RateLimiter, audit domain.AuditStore, logger *slog.Logger) *Synchronizer {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	books := make(map[domain.Pair]*Book, len(pairs))
	for _, p := range pairs {
		books[p] = NewBook(p)
	}
	return &Synchronizer{
		fetcher:  fetcher,
		limiter:  limiter,
		audit:    audit,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "book_sync")),
		books:    books,
		buffers:  make(map[domain.Pair][]domain.BookDelta, len(pairs)),
		inflight: make(map[domain.Pair]bool, len(pairs)),
		results:  make(chan snapshotResult, len(pairs)+1),
		resyncCh: make(chan domain.Pair, len(pairs)+1),
		resetCh:  make(chan struct{}, 1),
	}
}

// Book returns the local book for pair.
func (s *Synchronizer) Book(pair domain.Pair) (*Book, bool) {
	b, ok := s.books[pair]
	return b, ok
}

// Pairs lists every synchronized pair, sorted by symbol.
func (s *Synchronizer) Pairs() []domain.Pair {
	out := make([]domain.Pair, 0, len(s.books))
	for p := range s.books {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// CalibratedCount returns how many books are currently calibrated.
func (s *Synchronizer) CalibratedCount() int {
	n := 0
	for _, b := range s.books {
		if b.Calibrated() {
			n++
		}
	}
	return n
}

// Resync asks Run to rebuild pair's book from a fresh snapshot.
func (s *Synchronizer) Resync(pair domain.Pair) {
	select {
	case s.resyncCh <- pair:
	default:
	}
}

// ResetAll asks Run to rebuild every book, e.g. after a reconnect.
func (s *Synchronizer) ResetAll() {
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
}

// Run consumes deltas until ctx is cancelled or deltas is closed.
func (s *Synchronizer) Run(ctx context.Context, deltas <-chan domain.BookDelta) error {
	settle := time.NewTimer(s.cfg.SettleDelay)
	defer settle.Stop()

	s.logger.InfoContext(ctx, "buffering deltas before snapshot",
		slog.Int("pairs", len(s.books)),
		slog.Duration("settle_delay", s.cfg.SettleDelay),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d, ok := <-deltas:
			if !ok {
				return nil
			}
			s.handleDelta(ctx, d)

		case res := <-s.results:
			s.handleSnapshot(ctx, res)

		case pair := <-s.resyncCh:
			s.resync(ctx, pair, "requested")

		case <-s.resetCh:
			s.generation++
			for p, b := range s.books {
				b.Reset()
				s.buffers[p] = nil
				s.inflight[p] = false
			}
			s.logger.WarnContext(ctx, "all books reset, waiting to resnapshot")
			settle.Reset(s.cfg.SettleDelay)

		case <-settle.C:
			s.requestSnapshots(ctx, s.uncalibrated())
		}
	}
}

func (s *Synchronizer) handleDelta(ctx context.Context, d domain.BookDelta) {
	book, ok := s.books[d.Pair]
	if !ok {
		return
	}
	if !book.Calibrated() {
		buf := s.buffers[d.Pair]
		if len(buf) >= maxBufferedPerPair {
			buf = buf[1:]
		}
		s.buffers[d.Pair] = append(buf, d)
		return
	}

	gap, err := book.Update(d.Side, d.Price, d.Size, d.Sequence)
	switch {
	case errors.Is(err, ErrStaleDelta):
		return
	case err != nil:
		s.logger.WarnContext(ctx, "delta rejected",
			slog.String("pair", d.Pair.String()),
			slog.Int64("seq", d.Sequence),
			slog.String("error", err.Error()),
		)
		return
	}
	if gap == 0 {
		return
	}

	missing := book.MissingCount()
	s.logger.WarnContext(ctx, "sequence gap",
		slog.String("pair", d.Pair.String()),
		slog.Int64("gap", gap),
		slog.Int("missing_total", missing),
	)
	if s.cfg.ResyncGapThreshold > 0 && missing >= s.cfg.ResyncGapThreshold {
		s.resync(ctx, d.Pair, "gap threshold")
	}
}

func (s *Synchronizer) handleSnapshot(ctx context.Context, res snapshotResult) {
	if res.generation != s.generation {
		return
	}
	s.inflight[res.pair] = false
	book := s.books[res.pair]

	if res.err != nil {
		s.logger.WarnContext(ctx, "snapshot failed, retrying",
			slog.String("pair", res.pair.String()),
			slog.String("error", res.err.Error()),
		)
		s.retryLater(ctx, res.pair)
		return
	}

	buffered := s.buffers[res.pair]
	replayed, err := book.Calibrate(res.snap, buffered)
	s.buffers[res.pair] = nil
	if err != nil {
		s.logger.ErrorContext(ctx, "calibration failed",
			slog.String("pair", res.pair.String()),
			slog.String("error", err.Error()),
		)
		book.Reset()
		s.retryLater(ctx, res.pair)
		return
	}

	s.logger.InfoContext(ctx, "book calibrated",
		slog.String("pair", res.pair.String()),
		slog.Int64("snapshot_seq", res.snap.Sequence),
		slog.Int("buffered", len(buffered)),
		slog.Int("replayed", replayed),
	)
	s.auditLog(ctx, auditEventCalibrate, map[string]any{
		"pair":         res.pair.String(),
		"snapshot_seq": res.snap.Sequence,
		"replayed":     replayed,
	})
}

func (s *Synchronizer) resync(ctx context.Context, pair domain.Pair, reason string) {
	book, ok := s.books[pair]
	if !ok || s.inflight[pair] {
		return
	}
	missing := book.MissingCount()
	book.Reset()
	s.buffers[pair] = nil
	s.logger.WarnContext(ctx, "resyncing book",
		slog.String("pair", pair.String()),
		slog.String("reason", reason),
		slog.Int("missing", missing),
	)
	s.auditLog(ctx, auditEventResync, map[string]any{
		"pair":    pair.String(),
		"reason":  reason,
		"missing": missing,
	})
	s.requestSnapshots(ctx, []domain.Pair{pair})
}

func (s *Synchronizer) retryLater(ctx context.Context, pair domain.Pair) {
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(snapshotRetryDelay):
			s.Resync(pair)
		}
	}()
}

func (s *Synchronizer) uncalibrated() []domain.Pair {
	var out []domain.Pair
	for p, b := range s.books {
		if !b.Calibrated() && !s.inflight[p] {
			out = append(out, p)
		}
	}
	return out
}

// requestSnapshots fetches pairs with bounded concurrency off the Run
// goroutine. Results come back through s.results.
func (s *Synchronizer) requestSnapshots(ctx context.Context, pairs []domain.Pair) {
	if len(pairs) == 0 {
		return
	}
	gen := s.generation
	for _, p := range pairs {
		s.inflight[p] = true
	}

	go func() {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Concurrency)
		for _, p := range pairs {
			g.Go(func() error {
				snap, err := s.fetch(gctx, p)
				select {
				case s.results <- snapshotResult{pair: p, generation: gen, snap: snap, err: err}:
				case <-ctx.Done():
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (s *Synchronizer) fetch(ctx context.Context, pair domain.Pair) (domain.BookSnapshot, error) {
	if s.limiter != nil && s.cfg.SnapshotLimit > 0 {
		if err := s.limiter.Wait(ctx, snapshotLimiterKey, s.cfg.SnapshotLimit, s.cfg.SnapshotWindow); err != nil {
			return domain.BookSnapshot{}, err
		}
	}
	return s.fetcher.OrderBookSnapshot(ctx, pair)
}

func (s *Synchronizer) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.DebugContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
}

// MirrorLoop periodically publishes calibrated book views to mirror until ctx
// is cancelled.
func (s *Synchronizer) MirrorLoop(ctx context.Context, mirror domain.BookMirror, interval time.Duration, depth int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, b := range s.books {
				if !b.Calibrated() {
					continue
				}
				if err := mirror.SetBook(ctx, b.View(depth)); err != nil {
					s.logger.DebugContext(ctx, "mirror book failed",
						slog.String("pair", b.Pair().String()),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}
