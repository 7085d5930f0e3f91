package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

const (
	defaultPendingTTL  = 30 * time.Second
	maxPendingPerOrder = 64
)

type pendingEvent struct {
	at    time.Time
	event domain.ExchangeEvent
}

// Router delivers order and balance events to the Settlement registered for
// their order ID. Events that arrive before their order is registered (the
// exchange can report a fill before the submit call returns) are held for a
// short while and replayed on registration. Delivery never blocks.
type Router struct {
	mu      sync.Mutex
	active  map[string]*Settlement
	pending map[string][]pendingEvent
	ttl     time.Duration
	logger  *slog.Logger
}

// NewRouter creates a Router holding early events for pendingTTL.
func NewRouter(pendingTTL time.Duration, logger *slog.Logger) *Router {
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingTTL
	}
	return &Router{
		active:  make(map[string]*Settlement),
		pending: make(map[string][]pendingEvent),
		ttl:     pendingTTL,
		logger:  logger.With(slog.String("component", "settlement_router")),
	}
}

// Register starts tracking o, which must already carry its exchange ID.
func (r *Router) Register(o *domain.Order) *Settlement {
	s := newSettlement(o)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[o.ID] = s
	for _, p := range r.pending[o.ID] {
		deliver(s, p.event)
	}
	delete(r.pending, o.ID)
	return s
}

// Unregister stops routing events for orderID.
func (r *Router) Unregister(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, orderID)
}

// Dispatch routes one exchange event. Book deltas and other events are
// ignored.
func (r *Router) Dispatch(ev domain.ExchangeEvent) {
	var id string
	switch e := ev.(type) {
	case domain.OrderUpdate:
		id = e.OrderID
	case domain.BalanceUpdate:
		id = e.OrderID
	default:
		return
	}
	if id == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.active[id]; ok {
		deliver(s, ev)
		return
	}
	q := r.pending[id]
	if len(q) >= maxPendingPerOrder {
		return
	}
	r.pending[id] = append(q, pendingEvent{at: time.Now(), event: ev})
}

func deliver(s *Settlement, ev domain.ExchangeEvent) {
	switch e := ev.(type) {
	case domain.OrderUpdate:
		s.onOrderUpdate(e)
	case domain.BalanceUpdate:
		s.onBalanceUpdate(e)
	}
}

// Cleanup drops early events older than the pending TTL.
func (r *Router) Cleanup() int {
	cutoff := time.Now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, q := range r.pending {
		if len(q) > 0 && q[len(q)-1].at.Before(cutoff) {
			delete(r.pending, id)
			dropped++
		}
	}
	return dropped
}

// Run sweeps stale early events until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.Cleanup(); n > 0 {
				r.logger.DebugContext(ctx, "dropped unclaimed order events", slog.Int("orders", n))
			}
		}
	}
}
