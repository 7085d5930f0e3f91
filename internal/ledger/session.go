package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// Submitter places an order and blocks until it settles, returning the amount
// of the acquired currency actually received.
type Submitter interface {
	Submit(ctx context.Context, order *domain.Order) (float64, error)
}

// Session gates every order through the ledger: orders the ledger cannot fund
// are rejected before they reach the exchange, and settled orders are booked.
type Session struct {
	ledger    *Ledger
	submitter Submitter
	logger    *slog.Logger
}

// NewSession binds a ledger to an order submitter.
func NewSession(l *Ledger, s Submitter, logger *slog.Logger) *Session {
	return &Session{
		ledger:    l,
		submitter: s,
		logger:    logger.With(slog.String("component", "session")),
	}
}

// Ledger returns the session's ledger.
func (s *Session) Ledger() *Ledger { return s.ledger }

// SubmitOrder checks the balance, submits the order, waits for settlement and
// books the result.
func (s *Session) SubmitOrder(ctx context.Context, order *domain.Order) (float64, error) {
	if err := s.ledger.CanSpend(order.ExpectedOwned(), order.RequiredBalance); err != nil {
		return 0, fmt.Errorf("session: %s %s: %w", order.Side, order.Pair, err)
	}

	received, err := s.submitter.Submit(ctx, order)
	if err != nil {
		return 0, err
	}
	order.ReceivedAmount = received

	if err := s.ledger.ApplySettledOrder(order); err != nil {
		s.logger.ErrorContext(ctx, "ledger rejected settled order",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		return received, err
	}

	s.logger.InfoContext(ctx, "order booked",
		slog.String("order_id", order.ID),
		slog.String("pair", order.Pair.String()),
		slog.String("side", string(order.Side)),
		slog.Float64("debit", order.RequiredBalance),
		slog.Float64("credit", received),
		slog.Float64("pl", s.ledger.PL()),
	)
	return received, nil
}
