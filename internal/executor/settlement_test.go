package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ethUSDT = domain.Pair{Base: "ETH", Quote: "USDT"}
	ethBTC  = domain.Pair{Base: "ETH", Quote: "BTC"}
	btcUSDT = domain.Pair{Base: "BTC", Quote: "USDT"}
	xrpUSDT = domain.Pair{Base: "XRP", Quote: "USDT"}
	xrpBTC  = domain.Pair{Base: "XRP", Quote: "BTC"}
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func buyOrder(id string) *domain.Order {
	return &domain.Order{ID: id, Pair: ethUSDT, Side: domain.SideBuy, Type: domain.OrderTypeMarket}
}

func settledBalance(id, cur string, change float64) domain.BalanceUpdate {
	return domain.BalanceUpdate{OrderID: id, Currency: cur, AvailableChange: change, RelationEvent: domain.RelationSettled}
}

func TestSettlement_FilledNeedsBalanceEvent(t *testing.T) {
	r := NewRouter(time.Second, discard())
	s := r.Register(buyOrder("a"))

	r.Dispatch(domain.OrderUpdate{OrderID: "a", Type: domain.OrderUpdateOpen})
	assert.Equal(t, domain.OrderStatusOpen, s.Status())
	r.Dispatch(domain.OrderUpdate{OrderID: "a", Type: domain.OrderUpdateMatch, FilledSize: 0.2})
	assert.Equal(t, domain.OrderStatusPartialFill, s.Status())
	r.Dispatch(domain.OrderUpdate{OrderID: "a", Type: domain.OrderUpdateFilled, FilledSize: 0.5})
	assert.Equal(t, domain.OrderStatusFilled, s.Status())

	select {
	case <-s.Done():
		t.Fatal("settled on status alone")
	default:
	}

	// Wrong currency and wrong relation are ignored.
	r.Dispatch(settledBalance("a", "USDT", -1000))
	r.Dispatch(domain.BalanceUpdate{OrderID: "a", Currency: "ETH", AvailableChange: 1, RelationEvent: "trade.hold"})
	r.Dispatch(settledBalance("a", "ETH", 0.4995))

	got, err := s.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 0.4995, got, 1e-12)
}

func TestSettlement_WaitsForEveryMatchToSettle(t *testing.T) {
	r := NewRouter(time.Second, discard())
	s := r.Register(buyOrder("m"))

	r.Dispatch(domain.OrderUpdate{OrderID: "m", Type: domain.OrderUpdateMatch, FilledSize: 0.1})
	r.Dispatch(domain.OrderUpdate{OrderID: "m", Type: domain.OrderUpdateMatch, FilledSize: 0.3})
	r.Dispatch(domain.OrderUpdate{OrderID: "m", Type: domain.OrderUpdateFilled, FilledSize: 0.3})
	r.Dispatch(settledBalance("m", "ETH", 0.1))

	select {
	case <-s.Done():
		t.Fatal("settled with one match outstanding")
	default:
	}

	r.Dispatch(settledBalance("m", "ETH", 0.2))
	got, err := s.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, got, 1e-12)
}

func TestSettlement_BalanceBeforeMatchWaitsForFilled(t *testing.T) {
	r := NewRouter(time.Second, discard())
	s := r.Register(buyOrder("i"))

	r.Dispatch(domain.OrderUpdate{OrderID: "i", Type: domain.OrderUpdateOpen})
	r.Dispatch(settledBalance("i", "ETH", 0.3))
	r.Dispatch(domain.OrderUpdate{OrderID: "i", Type: domain.OrderUpdateMatch, FilledSize: 0.3})
	r.Dispatch(domain.OrderUpdate{OrderID: "i", Type: domain.OrderUpdateMatch, FilledSize: 1.0})
	r.Dispatch(settledBalance("i", "ETH", 0.7))

	select {
	case <-s.Done():
		t.Fatal("settled before the order was reported filled")
	default:
	}

	r.Dispatch(domain.OrderUpdate{OrderID: "i", Type: domain.OrderUpdateFilled, FilledSize: 1.0})
	got, err := s.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-12)
	assert.Equal(t, domain.OrderStatusFilled, s.Status())
}

func TestSettlement_BalanceBeforeFilledStatus(t *testing.T) {
	r := NewRouter(time.Second, discard())
	s := r.Register(buyOrder("b"))

	r.Dispatch(domain.OrderUpdate{OrderID: "b", Type: domain.OrderUpdateMatch, FilledSize: 0.5})
	r.Dispatch(settledBalance("b", "ETH", 0.5))
	r.Dispatch(domain.OrderUpdate{OrderID: "b", Type: domain.OrderUpdateFilled, FilledSize: 0.5})

	got, err := s.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got, 1e-12)
}

func TestSettlement_CanceledWithoutFillFails(t *testing.T) {
	r := NewRouter(time.Second, discard())
	s := r.Register(buyOrder("c"))

	r.Dispatch(domain.OrderUpdate{OrderID: "c", Type: domain.OrderUpdateCanceled, FilledSize: 0})
	_, err := s.Wait(context.Background(), time.Second)
	assert.ErrorIs(t, err, domain.ErrOrderFailed)
	assert.Equal(t, domain.OrderStatusFailed, s.Status())
}

func TestSettlement_CanceledWithFillCountsAsFilled(t *testing.T) {
	r := NewRouter(time.Second, discard())
	s := r.Register(buyOrder("p"))

	r.Dispatch(domain.OrderUpdate{OrderID: "p", Type: domain.OrderUpdateCanceled, FilledSize: 0.2})
	r.Dispatch(settledBalance("p", "ETH", 0.2))
	got, err := s.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0.2, got)
	assert.Equal(t, domain.OrderStatusFilled, s.Status())
}

func TestSettlement_TimeoutWithoutBalanceEvent(t *testing.T) {
	r := NewRouter(time.Second, discard())
	s := r.Register(buyOrder("t"))
	r.Dispatch(domain.OrderUpdate{OrderID: "t", Type: domain.OrderUpdateFilled, FilledSize: 1})

	start := time.Now()
	_, err := s.Wait(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrSettlementTimeout)
	assert.NotErrorIs(t, err, domain.ErrOrderFailed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRouter_ReplaysEarlyEvents(t *testing.T) {
	r := NewRouter(time.Second, discard())

	r.Dispatch(domain.OrderUpdate{OrderID: "early", Type: domain.OrderUpdateFilled, FilledSize: 1})
	r.Dispatch(settledBalance("early", "ETH", 1))
	r.Dispatch(domain.BookDelta{Pair: ethUSDT})

	s := r.Register(buyOrder("early"))
	got, err := s.Wait(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)
}

func TestRouter_CleanupDropsStalePending(t *testing.T) {
	r := NewRouter(10*time.Millisecond, discard())
	r.Dispatch(domain.OrderUpdate{OrderID: "ghost", Type: domain.OrderUpdateOpen})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, r.Cleanup())

	s := r.Register(buyOrder("ghost"))
	assert.Equal(t, domain.OrderStatusCreated, s.Status())
}
