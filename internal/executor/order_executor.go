package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/ledger"
	"github.com/google/uuid"
)

const (
	defaultSettleTimeout = 10 * time.Second
	defaultLateWindow    = 2 * time.Minute
)

// OrderHook observes an order whose settlement outlived its submitter: the
// timeout itself, a late settlement, or the end of the late window.
type OrderHook func(ctx context.Context, order *domain.Order)

// OrderExecutor submits orders and waits for their settlement.
type OrderExecutor struct {
	placer     domain.OrderPlacer
	router     *Router
	timeout    time.Duration
	lateWindow time.Duration
	onLate     OrderHook
	onExpire   OrderHook
	onTimeout  OrderHook
	audit      domain.AuditStore
	logger     *slog.Logger
}

// OrderExecutorConfig configures an OrderExecutor.
type OrderExecutorConfig struct {
	SettleTimeout time.Duration
	// LateWindow is how long a timed-out order stays registered in case the
	// exchange settles it anyway.
	LateWindow time.Duration
}

// NewOrderExecutor wires an OrderExecutor. audit may be nil.
func NewOrderExecutor(placer domain.OrderPlacer, router *Router, cfg OrderExecutorConfig, audit domain.AuditStore, logger *slog.Logger) *OrderExecutor {
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = defaultSettleTimeout
	}
	if cfg.LateWindow <= 0 {
		cfg.LateWindow = defaultLateWindow
	}
	return &OrderExecutor{
		placer:     placer,
		router:     router,
		timeout:    cfg.SettleTimeout,
		lateWindow: cfg.LateWindow,
		audit:      audit,
		logger:     logger.With(slog.String("component", "order_executor")),
	}
}

// OnLateSettlement installs the hook called for orders that settle after
// their wait timed out.
func (e *OrderExecutor) OnLateSettlement(fn OrderHook) { e.onLate = fn }

// OnTimeout installs the hook called synchronously when an order times out,
// before the late window starts.
func (e *OrderExecutor) OnTimeout(fn OrderHook) { e.onTimeout = fn }

// OnLateExpired installs the hook called for timed-out orders that did not
// settle within the late window, or that the exchange reported failed.
func (e *OrderExecutor) OnLateExpired(fn OrderHook) { e.onExpire = fn }

// Submit places order and blocks until it settles. It returns the amount of
// the acquiring currency received. Timeouts wrap domain.ErrSettlementTimeout
// and exchange-reported failures wrap domain.ErrOrderFailed.
func (e *OrderExecutor) Submit(ctx context.Context, order *domain.Order) (float64, error) {
	if order.ClientOID == "" {
		order.ClientOID = uuid.NewString()
	}

	var (
		id  string
		err error
	)
	switch order.Type {
	case domain.OrderTypeMarket:
		id, err = e.placer.SubmitMarketOrder(ctx, order.Pair, order.Side, order.Amount, order.ClientOID)
	case domain.OrderTypeLimit:
		id, err = e.placer.SubmitLimitOrder(ctx, order.Pair, order.Side, order.Amount, order.Price, order.TimeInForce, order.ClientOID)
	default:
		err = fmt.Errorf("order type %q: %w", order.Type, domain.ErrInvalidOrder)
	}
	if err != nil {
		order.Status = domain.OrderStatusFailed
		return 0, fmt.Errorf("executor: submit %s %s: %w", order.Side, order.Pair, errors.Join(domain.ErrOrderFailed, err))
	}
	order.ID = id

	e.logger.InfoContext(ctx, "order submitted",
		slog.String("order_id", id),
		slog.String("pair", order.Pair.String()),
		slog.String("side", string(order.Side)),
		slog.String("type", string(order.Type)),
		slog.String("amount", order.Amount),
		slog.String("price", order.Price),
	)

	s := e.router.Register(order)
	received, err := s.Wait(ctx, e.timeout)
	order.FilledSize = s.FilledSize()

	if errors.Is(err, domain.ErrSettlementTimeout) {
		order.Status = domain.OrderStatusFailed
		e.logger.WarnContext(ctx, "settlement timed out",
			slog.String("order_id", id),
			slog.String("status", string(s.Status())),
		)
		e.auditLog(ctx, "settlement_timeout", order)
		if e.onTimeout != nil {
			e.onTimeout(ctx, order)
		}
		go e.watchLate(order, s)
		return 0, err
	}
	e.router.Unregister(id)

	order.Status = s.Status()
	if err != nil {
		e.logger.WarnContext(ctx, "order failed", slog.String("order_id", id), slog.String("error", err.Error()))
		e.auditLog(ctx, "order_failed", order)
		return 0, err
	}
	now := time.Now().UTC()
	order.SettledAt = &now
	order.ReceivedAmount = received
	return received, nil
}

// BookInto keeps l truthful about orders that time out: their funds are
// reserved at the timeout, booked if the order settles late and released if
// it never does.
func (e *OrderExecutor) BookInto(l *ledger.Ledger) {
	e.OnTimeout(func(_ context.Context, o *domain.Order) {
		l.Reserve(o.ID, o.ExpectedOwned(), o.RequiredBalance)
	})
	e.OnLateSettlement(func(ctx context.Context, o *domain.Order) {
		if err := l.ApplySettledOrder(o); err != nil {
			l.Release(o.ID)
			e.logger.ErrorContext(ctx, "late settlement not booked",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		e.logger.WarnContext(ctx, "late settlement booked",
			slog.String("order_id", o.ID),
			slog.Float64("received", o.ReceivedAmount),
		)
	})
	e.OnLateExpired(func(ctx context.Context, o *domain.Order) {
		if l.Release(o.ID) {
			e.logger.InfoContext(ctx, "reservation released", slog.String("order_id", o.ID))
		}
	})
}

// watchLate keeps a timed-out order registered for the late window and
// reports it if the exchange settles it after all.
func (e *OrderExecutor) watchLate(order *domain.Order, s *Settlement) {
	defer e.router.Unregister(order.ID)

	timer := time.NewTimer(e.lateWindow)
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), e.lateWindow+10*time.Second)
	defer cancel()

	var err error
	var received float64
	select {
	case <-timer.C:
		err = domain.ErrSettlementTimeout
	case <-s.Done():
		received, err = s.Result()
	}
	if err != nil {
		if e.onExpire != nil {
			e.onExpire(ctx, order)
		}
		return
	}

	late := *order
	late.Status = domain.OrderStatusFilled
	late.ReceivedAmount = received
	late.FilledSize = s.FilledSize()

	e.logger.WarnContext(ctx, "order settled after timeout",
		slog.String("order_id", order.ID),
		slog.Float64("received", received),
	)
	e.auditLog(ctx, "late_settlement", &late)
	if e.onLate != nil {
		e.onLate(ctx, &late)
	}
}

func (e *OrderExecutor) auditLog(ctx context.Context, event string, o *domain.Order) {
	if e.audit == nil {
		return
	}
	err := e.audit.Log(ctx, event, map[string]any{
		"order_id":   o.ID,
		"client_oid": o.ClientOID,
		"pair":       o.Pair.String(),
		"side":       string(o.Side),
		"type":       string(o.Type),
		"amount":     o.Amount,
		"price":      o.Price,
		"status":     string(o.Status),
		"filled":     o.FilledSize,
		"received":   o.ReceivedAmount,
	})
	if err != nil {
		e.logger.DebugContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
}
