// Package feed fans exchange events from one or more connections into the
// book synchronizer and the order router.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// Source is any connection producing exchange events.
type Source interface {
	Events() <-chan domain.ExchangeEvent
}

// OrderRouter consumes order and balance events.
type OrderRouter interface {
	Dispatch(ev domain.ExchangeEvent)
}

// Resetter invalidates every local book.
type Resetter interface {
	ResetAll()
}

// OrderChannel is the bus channel order and balance events are mirrored to.
const OrderChannel = "triarb:orders"

// Dispatcher routes book deltas to the synchronizer channel, order and
// balance events to the router, and resets all books after a reconnect.
type Dispatcher struct {
	sources []Source
	deltas  chan domain.BookDelta
	router  OrderRouter
	books   Resetter
	bus     domain.SignalBus
	logger  *slog.Logger

	mu     sync.Mutex
	counts map[string]int64
}

// NewDispatcher creates a Dispatcher. buffer sizes the delta channel.
func NewDispatcher(router OrderRouter, books Resetter, buffer int, logger *slog.Logger, sources ...Source) *Dispatcher {
	if buffer <= 0 {
		buffer = 4096
	}
	return &Dispatcher{
		sources: sources,
		deltas:  make(chan domain.BookDelta, buffer),
		router:  router,
		books:   books,
		logger:  logger.With(slog.String("component", "feed_dispatcher")),
		counts:  make(map[string]int64),
	}
}

// WithBus mirrors order and balance events to bus for external consumers.
func (d *Dispatcher) WithBus(bus domain.SignalBus) *Dispatcher { d.bus = bus; return d }

// Deltas is the stream the book synchronizer reads.
func (d *Dispatcher) Deltas() <-chan domain.BookDelta { return d.deltas }

// Counts returns how many events of each kind were dispatched.
func (d *Dispatcher) Counts() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// Run reads every source until ctx is cancelled or all sources close.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("feed dispatcher started", slog.Int("sources", len(d.sources)))
	defer d.logger.Info("feed dispatcher stopped")

	var wg sync.WaitGroup
	for _, src := range d.sources {
		wg.Add(1)
		go func(ch <-chan domain.ExchangeEvent) {
			defer wg.Done()
			d.pump(ctx, ch)
		}(src.Events())
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) pump(ctx context.Context, ch <-chan domain.ExchangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev domain.ExchangeEvent) {
	switch e := ev.(type) {
	case domain.BookDelta:
		d.count("delta")
		select {
		case d.deltas <- e:
		case <-ctx.Done():
		}
	case domain.OrderUpdate:
		d.count("order")
		d.router.Dispatch(e)
		d.mirror(ctx, "order", e.OrderID, e)
	case domain.BalanceUpdate:
		d.count("balance")
		d.router.Dispatch(e)
		d.mirror(ctx, "balance", e.OrderID, e)
	case domain.Reconnected:
		d.count("reconnect")
		d.logger.WarnContext(ctx, "connection re-established, resetting books",
			slog.Time("at", e.Time),
		)
		d.books.ResetAll()
	}
}

func (d *Dispatcher) count(kind string) {
	d.mu.Lock()
	d.counts[kind]++
	d.mu.Unlock()
}

type busEvent struct {
	Kind    string    `json:"kind"`
	OrderID string    `json:"order_id"`
	Event   any       `json:"event"`
	SentAt  time.Time `json:"sent_at"`
}

func (d *Dispatcher) mirror(ctx context.Context, kind, orderID string, ev any) {
	if d.bus == nil {
		return
	}
	payload, err := json.Marshal(busEvent{Kind: kind, OrderID: orderID, Event: ev, SentAt: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := d.bus.Publish(ctx, OrderChannel, payload); err != nil {
		d.logger.DebugContext(ctx, "mirror event failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}
}
