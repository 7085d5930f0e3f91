package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// Settlement is the state machine for one submitted order. It is fed by the
// Router and waited on by the submitting flow.
//
//	CREATED -> OPEN -> PARTIAL_FILL -> FILLED
//	    \         \          \
//	     +---------+----------+--> FAILED
//
// The order settles only when the exchange has reported it filled and a
// settled balance change of the acquiring currency arrived for every match.
// Neither stream alone is enough.
type Settlement struct {
	orderID   string
	acquiring string

	mu          sync.Mutex
	status      domain.OrderStatus
	filledSize  float64
	matches     int
	settlements int
	received    float64
	done        chan struct{}
	closed      bool
	err         error
}

func newSettlement(o *domain.Order) *Settlement {
	return &Settlement{
		orderID:   o.ID,
		acquiring: o.Acquiring(),
		status:    domain.OrderStatusCreated,
		done:      make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (s *Settlement) Status() domain.OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// FilledSize returns the last reported cumulative filled size.
func (s *Settlement) FilledSize() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filledSize
}

// Done is closed once the order settled or failed.
func (s *Settlement) Done() <-chan struct{} { return s.done }

// Result returns the received amount and terminal error. It is meaningful
// only after Done is closed.
func (s *Settlement) Result() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received, s.err
}

// Wait blocks until the order settles, fails, timeout elapses or ctx ends.
func (s *Settlement) Wait(ctx context.Context, timeout time.Duration) (float64, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return s.Result()
	case <-timer.C:
		return 0, fmt.Errorf("executor: order %s after %s: %w", s.orderID, timeout, domain.ErrSettlementTimeout)
	case <-ctx.Done():
		return 0, fmt.Errorf("executor: order %s: %w", s.orderID, ctx.Err())
	}
}

func (s *Settlement) onOrderUpdate(u domain.OrderUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch u.Type {
	case domain.OrderUpdateOpen:
		if s.status == domain.OrderStatusCreated {
			s.status = domain.OrderStatusOpen
		}
	case domain.OrderUpdateMatch:
		s.matches++
		s.filledSize = u.FilledSize
		if s.status != domain.OrderStatusFilled {
			s.status = domain.OrderStatusPartialFill
		}
	case domain.OrderUpdateFilled:
		s.filledSize = u.FilledSize
		s.status = domain.OrderStatusFilled
	case domain.OrderUpdateCanceled:
		s.filledSize = u.FilledSize
		if u.FilledSize == 0 {
			s.status = domain.OrderStatusFailed
			s.finishLocked(fmt.Errorf("executor: order %s canceled without fill: %w", s.orderID, domain.ErrOrderFailed))
			return
		}
		s.status = domain.OrderStatusFilled
	default:
		// Amendments are not issued by this engine.
		return
	}
	s.checkLocked()
}

func (s *Settlement) onBalanceUpdate(b domain.BalanceUpdate) {
	if b.RelationEvent != domain.RelationSettled || b.Currency != s.acquiring {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.settlements++
	s.received += b.AvailableChange
	s.checkLocked()
}

// checkLocked completes the order once the exchange reported it done with a
// fill, at least one settlement arrived, and every reported match has been
// settled. Balance and order events interleave freely, so a settlement seen
// before its match does not finish the order.
func (s *Settlement) checkLocked() {
	if s.status != domain.OrderStatusFilled {
		return
	}
	if s.settlements == 0 || s.settlements < s.matches {
		return
	}
	s.finishLocked(nil)
}

func (s *Settlement) finishLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}
