package paper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/orderbook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ethUSDT = domain.Pair{Base: "ETH", Quote: "USDT"}

type books map[domain.Pair]*orderbook.Book

func (b books) Book(p domain.Pair) (*orderbook.Book, bool) {
	bk, ok := b[p]
	return bk, ok
}

type flatFee float64

func (f flatFee) Fee(domain.Pair) float64 { return float64(f) }

func newExchange(t *testing.T, fee float64, balances map[string]float64) *Exchange {
	t.Helper()
	b := orderbook.NewBook(ethUSDT)
	_, err := b.Calibrate(domain.BookSnapshot{
		Pair:     ethUSDT,
		Bids:     []domain.RawLevel{{Price: "1999", Size: "10"}},
		Asks:     []domain.RawLevel{{Price: "2000", Size: "1"}, {Price: "2100", Size: "10"}},
		Sequence: 1,
	}, nil)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(books{ethUSDT: b}, flatFee(fee), Config{Balances: balances}, logger)
}

func drain(t *testing.T, x *Exchange, n int) []domain.ExchangeEvent {
	t.Helper()
	out := make([]domain.ExchangeEvent, 0, n)
	for len(out) < n {
		select {
		case ev := <-x.Events():
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("got %d of %d events", len(out), n)
		}
	}
	return out
}

func TestExchange_MarketBuySettles(t *testing.T) {
	x := newExchange(t, 0.001, map[string]float64{"USDT": 1000})

	id, err := x.SubmitMarketOrder(context.Background(), ethUSDT, domain.SideBuy, "1000", "c1")
	require.NoError(t, err)

	evs := drain(t, x, 5)
	assert.Equal(t, domain.OrderUpdateOpen, evs[0].(domain.OrderUpdate).Type)
	assert.Equal(t, domain.OrderUpdateFilled, evs[2].(domain.OrderUpdate).Type)

	got := evs[4].(domain.BalanceUpdate)
	assert.Equal(t, id, got.OrderID)
	assert.Equal(t, "ETH", got.Currency)
	assert.Equal(t, domain.RelationSettled, got.RelationEvent)
	assert.InDelta(t, 0.4995, got.AvailableChange, 1e-9)

	bal, err := x.Balances(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0, bal["USDT"], 1e-9)
	assert.InDelta(t, 0.4995, bal["ETH"], 1e-9)
}

func TestExchange_MarketSellWalksBids(t *testing.T) {
	x := newExchange(t, 0, map[string]float64{"ETH": 2})

	_, err := x.SubmitMarketOrder(context.Background(), ethUSDT, domain.SideSell, "2", "c1")
	require.NoError(t, err)
	evs := drain(t, x, 5)
	assert.InDelta(t, 3998, evs[4].(domain.BalanceUpdate).AvailableChange, 1e-9)
}

func TestExchange_LimitBeyondBookIsCanceled(t *testing.T) {
	x := newExchange(t, 0, map[string]float64{"USDT": 10000})

	_, err := x.SubmitLimitOrder(context.Background(), ethUSDT, domain.SideBuy, "2", "2000", domain.TimeInForceFOK, "c1")
	require.NoError(t, err)

	evs := drain(t, x, 2)
	u := evs[1].(domain.OrderUpdate)
	assert.Equal(t, domain.OrderUpdateCanceled, u.Type)
	assert.Zero(t, u.FilledSize)

	bal, _ := x.Balances(context.Background())
	assert.Equal(t, 10000.0, bal["USDT"])
}

func TestExchange_LimitWithinBookFills(t *testing.T) {
	x := newExchange(t, 0, map[string]float64{"USDT": 10000})

	_, err := x.SubmitLimitOrder(context.Background(), ethUSDT, domain.SideBuy, "2", "2100", domain.TimeInForceFOK, "c1")
	require.NoError(t, err)
	evs := drain(t, x, 5)
	assert.InDelta(t, 2, evs[4].(domain.BalanceUpdate).AvailableChange, 1e-9)

	bal, _ := x.Balances(context.Background())
	assert.InDelta(t, 10000-4100, bal["USDT"], 1e-9)
}

func TestExchange_Rejections(t *testing.T) {
	x := newExchange(t, 0, map[string]float64{"USDT": 10})
	ctx := context.Background()

	_, err := x.SubmitMarketOrder(ctx, ethUSDT, domain.SideBuy, "100", "c1")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = x.SubmitMarketOrder(ctx, ethUSDT, domain.SideBuy, "-1", "c1")
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	_, err = x.SubmitMarketOrder(ctx, domain.Pair{Base: "XRP", Quote: "USDT"}, domain.SideBuy, "1", "c1")
	assert.ErrorIs(t, err, domain.ErrBookNotReady)
}
