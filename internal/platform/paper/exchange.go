// Package paper simulates an exchange account against the live local order
// books. It emits the same order and balance events as a real connection, so
// the settlement path runs unchanged.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/orderbook"
	"github.com/alanyoungcy/triarb/internal/pricing"
	"github.com/google/uuid"
)

// BookSource looks up local order books.
type BookSource interface {
	Book(pair domain.Pair) (*orderbook.Book, bool)
}

// FeeSource returns the taker fee fraction for a pair.
type FeeSource interface {
	Fee(pair domain.Pair) float64
}

// Config configures the simulated account.
type Config struct {
	Balances map[string]float64
	// Latency delays the events of each fill.
	Latency time.Duration
}

// Exchange is a simulated spot account. Orders fill immediately against the
// current book at their volume-weighted price; limit orders whose price the
// book cannot meet are canceled unfilled.
type Exchange struct {
	books   BookSource
	fees    FeeSource
	solver  pricing.Solver
	latency time.Duration
	events  chan domain.ExchangeEvent
	logger  *slog.Logger

	mu       sync.Mutex
	balances map[string]float64
}

// New creates a simulated exchange.
func New(books BookSource, fees FeeSource, cfg Config, logger *slog.Logger) *Exchange {
	bal := make(map[string]float64, len(cfg.Balances))
	for c, v := range cfg.Balances {
		bal[c] = v
	}
	return &Exchange{
		books:    books,
		fees:     fees,
		latency:  cfg.Latency,
		events:   make(chan domain.ExchangeEvent, 256),
		balances: bal,
		logger:   logger.With(slog.String("component", "paper_exchange")),
	}
}

// Events is the stream of simulated order and balance events.
func (x *Exchange) Events() <-chan domain.ExchangeEvent { return x.events }

// Balances returns the simulated available balances.
func (x *Exchange) Balances(context.Context) (map[string]float64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]float64, len(x.balances))
	for c, v := range x.balances {
		out[c] = v
	}
	return out, nil
}

// fill is the outcome of matching one order.
type fill struct {
	spent    float64
	received float64
	size     float64 // base units
	ok       bool
}

// SubmitMarketOrder fills a market order. A BUY amount is quote funds, a SELL
// amount is base size.
func (x *Exchange) SubmitMarketOrder(ctx context.Context, pair domain.Pair, side domain.Side, amount, _ string) (string, error) {
	amt, err := parseAmount(amount)
	if err != nil {
		return "", err
	}
	book, err := x.book(pair)
	if err != nil {
		return "", err
	}
	fee := x.fees.Fee(pair)

	var f fill
	if side == domain.SideBuy {
		p, err := x.solver.Solve(side, book.Levels(domain.BookAsks), amt)
		if err != nil {
			return "", fmt.Errorf("paper: market buy %s: %w", pair, err)
		}
		size := amt / p.Price
		f = fill{spent: amt, received: size * (1 - fee), size: size, ok: true}
	} else {
		vwap, _, err := pricing.VWAP(book.Levels(domain.BookBids), amt)
		if err != nil {
			return "", fmt.Errorf("paper: market sell %s: %w", pair, err)
		}
		f = fill{spent: amt, received: amt * vwap * (1 - fee), size: amt, ok: true}
	}
	return x.execute(ctx, pair, side, f)
}

// SubmitLimitOrder fills a limit order for amount base units when the book can
// absorb it at price or better.
func (x *Exchange) SubmitLimitOrder(ctx context.Context, pair domain.Pair, side domain.Side, amount, price string, _ domain.TimeInForce, _ string) (string, error) {
	size, err := parseAmount(amount)
	if err != nil {
		return "", err
	}
	limit, err := parseAmount(price)
	if err != nil {
		return "", err
	}
	book, err := x.book(pair)
	if err != nil {
		return "", err
	}
	fee := x.fees.Fee(pair)

	f := fill{size: size}
	if side == domain.SideBuy {
		f.spent = size * limit
		if vwap, _, err := pricing.VWAP(book.Levels(domain.BookAsks), size); err == nil && vwap <= limit {
			f.spent = size * vwap
			f.received = size * (1 - fee)
			f.ok = true
		}
	} else {
		f.spent = size
		if vwap, _, err := pricing.VWAP(book.Levels(domain.BookBids), size); err == nil && vwap >= limit {
			f.received = size * vwap * (1 - fee)
			f.ok = true
		}
	}
	return x.execute(ctx, pair, side, f)
}

// execute books f against the simulated balances and schedules its events.
func (x *Exchange) execute(ctx context.Context, pair domain.Pair, side domain.Side, f fill) (string, error) {
	hop := domain.Hop{Side: side, Pair: pair}
	spends, acquires := hop.Spends(), hop.Acquires()

	x.mu.Lock()
	if x.balances[spends] < f.spent {
		have := x.balances[spends]
		x.mu.Unlock()
		return "", fmt.Errorf("paper: %s needs %.8f %s, have %.8f: %w", hop, f.spent, spends, have, domain.ErrInsufficientBalance)
	}
	if f.ok {
		x.balances[spends] -= f.spent
		x.balances[acquires] += f.received
	}
	x.mu.Unlock()

	id := uuid.NewString()
	x.logger.DebugContext(ctx, "paper order",
		slog.String("order_id", id),
		slog.String("hop", hop.String()),
		slog.Bool("filled", f.ok),
		slog.Float64("received", f.received),
	)
	go x.publish(id, pair, spends, acquires, f)
	return id, nil
}

func (x *Exchange) publish(id string, pair domain.Pair, spends, acquires string, f fill) {
	if x.latency > 0 {
		time.Sleep(x.latency)
	}
	now := time.Now().UTC()
	x.events <- domain.OrderUpdate{OrderID: id, Pair: pair, Type: domain.OrderUpdateOpen, Time: now}
	if !f.ok {
		x.events <- domain.OrderUpdate{OrderID: id, Pair: pair, Type: domain.OrderUpdateCanceled, Time: now}
		return
	}
	x.events <- domain.OrderUpdate{OrderID: id, Pair: pair, Type: domain.OrderUpdateMatch, FilledSize: f.size, Time: now}
	x.events <- domain.OrderUpdate{OrderID: id, Pair: pair, Type: domain.OrderUpdateFilled, FilledSize: f.size, Time: now}

	x.mu.Lock()
	spentBal, acqBal := x.balances[spends], x.balances[acquires]
	x.mu.Unlock()
	x.events <- domain.BalanceUpdate{OrderID: id, Currency: spends, Available: spentBal, AvailableChange: -f.spent, RelationEvent: domain.RelationSettled, Time: now}
	x.events <- domain.BalanceUpdate{OrderID: id, Currency: acquires, Available: acqBal, AvailableChange: f.received, RelationEvent: domain.RelationSettled, Time: now}
}

func (x *Exchange) book(pair domain.Pair) (*orderbook.Book, error) {
	b, ok := x.books.Book(pair)
	if !ok || !b.Calibrated() {
		return nil, fmt.Errorf("paper: book %s: %w", pair, domain.ErrBookNotReady)
	}
	return b, nil
}

func parseAmount(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("paper: amount %q: %w", s, domain.ErrInvalidOrder)
	}
	return v, nil
}
