// Package evaluator prices candidate sequences against the local books and
// hands profitable ones to the executor.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/orderbook"
	"github.com/alanyoungcy/triarb/internal/pricing"
)

// NonViable is the expected profit reported for a sequence that cannot be
// priced.
const NonViable = -1.0

const (
	DefaultTolerance          = 0.0005
	DefaultVolumeScale        = 0.6
	DefaultMaxPlausibleProfit = 1.5
)

// Config tunes the evaluator.
type Config struct {
	// Tolerance is the minimum expected profit fraction worth executing.
	Tolerance float64
	// MaxMissing is the largest number of unrecovered sequence gaps a book
	// may carry and still be trusted.
	MaxMissing int
	// FlexibleVolume retries an unprofitable quote at VolumeScale of the
	// volume until it would fall below MinVolume.
	FlexibleVolume bool
	VolumeScale    float64
	MinVolume      float64
	// MaxPlausibleProfit is the expected profit fraction above which the
	// books are assumed to be corrupt.
	MaxPlausibleProfit float64
	// MaxStart caps the amount of a start currency committed to one
	// sequence. Currencies without an entry are uncapped.
	MaxStart map[string]float64
	Solver   pricing.Solver
}

func (c *Config) defaults() {
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.VolumeScale <= 0 || c.VolumeScale >= 1 {
		c.VolumeScale = DefaultVolumeScale
	}
	if c.MaxPlausibleProfit <= 0 {
		c.MaxPlausibleProfit = DefaultMaxPlausibleProfit
	}
}

// BookSource looks up local order books.
type BookSource interface {
	Book(pair domain.Pair) (*orderbook.Book, bool)
}

// FeeSource returns the taker fee fraction for a pair.
type FeeSource interface {
	Fee(pair domain.Pair) float64
}

// BalanceSource reports the tradable balance of a currency.
type BalanceSource interface {
	Balance(currency string) (float64, bool)
}

// Executor trades a sequence.
type Executor interface {
	Execute(ctx context.Context, seq domain.Sequence, startAmount, expected float64) (domain.SequenceExecution, error)
}

// Quote is the priced outcome of trading a sequence with a start amount.
type Quote struct {
	Sequence    domain.Sequence
	StartAmount float64
	EndAmount   float64
	Expected    float64
	Fills       []pricing.Fill
}

// HopError identifies the hop a quote failed on.
type HopError struct {
	Index int
	Hop   domain.Hop
	Err   error
}

func (e *HopError) Error() string {
	return fmt.Sprintf("evaluator: hop %d %s: %v", e.Index, e.Hop, e.Err)
}

func (e *HopError) Unwrap() error { return e.Err }

// Stats summarizes evaluator activity.
type Stats struct {
	Evaluated    int64
	Executed     int64
	BestExpected float64
	BestSequence string
}

// Evaluator quotes sequences and executes those clearing the tolerance.
type Evaluator struct {
	cfg      Config
	books    BookSource
	fees     FeeSource
	balances BalanceSource
	executor Executor
	recent   *RecentSet
	bans     *BanList
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New wires an Evaluator. executor may be nil for a quote-only evaluator.
func New(cfg Config, books BookSource, fees FeeSource, balances BalanceSource, executor Executor, recent *RecentSet, bans *BanList, logger *slog.Logger) *Evaluator {
	cfg.defaults()
	return &Evaluator{
		cfg:      cfg,
		books:    books,
		fees:     fees,
		balances: balances,
		executor: executor,
		recent:   recent,
		bans:     bans,
		logger:   logger.With(slog.String("component", "evaluator")),
		stats:    Stats{BestExpected: NonViable},
	}
}

// Quote prices seq starting with amount of its start currency. It has no side
// effects. Pricing failures are returned as *HopError.
func (e *Evaluator) Quote(seq domain.Sequence, amount float64) (Quote, error) {
	if len(seq) == 0 || amount <= 0 {
		return Quote{}, fmt.Errorf("evaluator: empty quote: %w", domain.ErrInvalidOrder)
	}
	q := Quote{Sequence: seq, StartAmount: amount, Fills: make([]pricing.Fill, 0, len(seq))}
	total := amount
	for i, hop := range seq {
		book, ok := e.books.Book(hop.Pair)
		if !ok {
			return q, &HopError{Index: i, Hop: hop, Err: domain.ErrNotFound}
		}
		if !book.Calibrated() || book.MissingCount() > e.cfg.MaxMissing {
			return q, &HopError{Index: i, Hop: hop, Err: domain.ErrBookNotReady}
		}
		fill, err := e.cfg.Solver.Solve(hop.Side, book.Levels(domain.ConsumedSide(hop.Side)), total)
		if err != nil {
			return q, &HopError{Index: i, Hop: hop, Err: err}
		}
		q.Fills = append(q.Fills, fill)

		tx := 1 - e.fees.Fee(hop.Pair)
		if hop.Side == domain.SideBuy {
			total *= (1 / fill.Price) * tx
		} else {
			total *= fill.Price * tx
		}
	}
	q.EndAmount = total
	q.Expected = total/amount - 1
	if q.Expected > e.cfg.MaxPlausibleProfit {
		return q, fmt.Errorf("evaluator: %s expected %.4f: %w", seq.Key(), q.Expected, domain.ErrImplausibleProfit)
	}
	return q, nil
}

// Fitness is the side-effect free expected profit of seq with the full
// balance of its start currency, or NonViable.
func (e *Evaluator) Fitness(seq domain.Sequence) float64 {
	amount := e.startAmount(seq)
	if amount <= 0 || e.banned(seq) {
		return NonViable
	}
	q, err := e.Quote(seq, amount)
	if err != nil {
		return NonViable
	}
	return q.Expected
}

// EvaluateAndMaybeExecute prices seq with the balance of its start currency,
// capped by MaxStart, and executes it when the expected profit clears the
// tolerance and none of its hops was attempted recently. It returns the
// expected profit fraction, or NonViable. The error is non-nil for implausible quotes and for
// errors the executor surfaces.
func (e *Evaluator) EvaluateAndMaybeExecute(ctx context.Context, seq domain.Sequence) (float64, error) {
	amount := e.startAmount(seq)
	if amount <= 0 || e.banned(seq) {
		return NonViable, nil
	}

	q, err := e.quoteFlexible(seq, amount)
	if err != nil {
		if errors.Is(err, domain.ErrImplausibleProfit) {
			e.logger.ErrorContext(ctx, "implausible quote",
				slog.String("sequence", seq.Key()),
				slog.Float64("expected", q.Expected),
			)
			return q.Expected, err
		}
		var hopErr *HopError
		if errors.As(err, &hopErr) && errors.Is(err, pricing.ErrInsufficientDepth) && e.bans != nil {
			e.bans.Ban(hopErr.Hop.Pair, "insufficient depth")
		}
		e.record(seq, NonViable, false)
		return NonViable, nil
	}

	if q.Expected <= e.cfg.Tolerance || e.executor == nil {
		e.record(seq, q.Expected, false)
		return q.Expected, nil
	}
	if e.recent != nil && e.recent.ContainsAny(seq) {
		e.record(seq, q.Expected, false)
		return q.Expected, nil
	}

	e.record(seq, q.Expected, true)
	e.logger.InfoContext(ctx, "profitable sequence",
		slog.String("sequence", seq.Key()),
		slog.Float64("start_amount", q.StartAmount),
		slog.Float64("expected", q.Expected),
	)
	if _, err := e.executor.Execute(ctx, seq, q.StartAmount, q.Expected); err != nil {
		return q.Expected, err
	}
	return q.Expected, nil
}

// startAmount is the balance of seq's start currency, capped by MaxStart.
func (e *Evaluator) startAmount(seq domain.Sequence) float64 {
	start := seq.Start()
	amount, _ := e.balances.Balance(start)
	if limit, ok := e.cfg.MaxStart[start]; ok && limit > 0 && amount > limit {
		return limit
	}
	return amount
}

// quoteFlexible quotes amount and, when that does not clear the tolerance,
// progressively smaller volumes down to MinVolume.
func (e *Evaluator) quoteFlexible(seq domain.Sequence, amount float64) (Quote, error) {
	q, err := e.Quote(seq, amount)
	if err != nil || !e.cfg.FlexibleVolume || q.Expected > e.cfg.Tolerance {
		return q, err
	}
	best := q
	for v := amount * e.cfg.VolumeScale; v >= e.cfg.MinVolume && v > 0; v *= e.cfg.VolumeScale {
		smaller, err := e.Quote(seq, v)
		if err != nil {
			if errors.Is(err, domain.ErrImplausibleProfit) {
				return smaller, err
			}
			break
		}
		if smaller.Expected > best.Expected {
			best = smaller
		}
		if smaller.Expected > e.cfg.Tolerance {
			break
		}
	}
	return best, nil
}

func (e *Evaluator) banned(seq domain.Sequence) bool {
	if e.bans == nil {
		return false
	}
	for _, h := range seq {
		if e.bans.Banned(h.Pair) {
			return true
		}
	}
	return false
}

func (e *Evaluator) record(seq domain.Sequence, expected float64, executed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Evaluated++
	if executed {
		e.stats.Executed++
	}
	if expected > e.stats.BestExpected {
		e.stats.BestExpected = expected
		e.stats.BestSequence = seq.Key()
	}
}

// Stats returns a snapshot of evaluator activity.
func (e *Evaluator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ResetBest forgets the best quote seen so far.
func (e *Evaluator) ResetBest() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.BestExpected = NonViable
	e.stats.BestSequence = ""
}
