package executor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/ledger"
	"github.com/alanyoungcy/triarb/internal/orderbook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type placed struct {
	id     string
	pair   domain.Pair
	side   domain.Side
	amount string
	price  string
	market bool
}

// fakeExchange acknowledges orders and asynchronously emits the order and
// balance events a real exchange would, through the router.
type fakeExchange struct {
	mu     sync.Mutex
	router *Router
	orders []placed
	// settle returns the amount received for an order, or ok=false to cancel
	// it unfilled. A nil settle leaves orders silent.
	settle func(p placed) (float64, bool)
	// silent leaves matching orders without any event.
	silent func(p placed) bool
}

func (f *fakeExchange) SubmitMarketOrder(_ context.Context, pair domain.Pair, side domain.Side, amount, _ string) (string, error) {
	return f.place(placed{pair: pair, side: side, amount: amount, market: true}), nil
}

func (f *fakeExchange) SubmitLimitOrder(_ context.Context, pair domain.Pair, side domain.Side, amount, price string, _ domain.TimeInForce, _ string) (string, error) {
	return f.place(placed{pair: pair, side: side, amount: amount, price: price}), nil
}

func (f *fakeExchange) place(p placed) string {
	f.mu.Lock()
	p.id = fmt.Sprintf("ord-%d", len(f.orders)+1)
	f.orders = append(f.orders, p)
	settle, silent := f.settle, f.silent
	f.mu.Unlock()

	if settle == nil || (silent != nil && silent(p)) {
		return p.id
	}
	received, ok := settle(p)
	acquiring := domain.Hop{Side: p.side, Pair: p.pair}.Acquires()
	go func() {
		// Settlement before the submit call returns exercises the router's
		// early-event buffer.
		f.router.Dispatch(domain.OrderUpdate{OrderID: p.id, Type: domain.OrderUpdateOpen})
		if !ok {
			f.router.Dispatch(domain.OrderUpdate{OrderID: p.id, Type: domain.OrderUpdateCanceled})
			return
		}
		f.router.Dispatch(domain.OrderUpdate{OrderID: p.id, Type: domain.OrderUpdateMatch, FilledSize: 1})
		f.router.Dispatch(domain.OrderUpdate{OrderID: p.id, Type: domain.OrderUpdateFilled, FilledSize: 1})
		f.router.Dispatch(settledBalance(p.id, acquiring, received))
	}()
	return p.id
}

func (f *fakeExchange) submitted() []placed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placed(nil), f.orders...)
}

type bookMap map[domain.Pair]*orderbook.Book

func (m bookMap) Book(p domain.Pair) (*orderbook.Book, bool) {
	b, ok := m[p]
	return b, ok
}

func mkBook(t *testing.T, p domain.Pair, bids, asks []domain.RawLevel) *orderbook.Book {
	t.Helper()
	b := orderbook.NewBook(p)
	_, err := b.Calibrate(domain.BookSnapshot{Pair: p, Bids: bids, Asks: asks, Sequence: 1}, nil)
	require.NoError(t, err)
	return b
}

type memory struct {
	mu   sync.Mutex
	hops map[domain.Hop]bool
}

func (m *memory) Remember(h domain.Hop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hops == nil {
		m.hops = map[domain.Hop]bool{}
	}
	m.hops[h] = true
}

func (m *memory) has(h domain.Hop) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hops[h]
}

type fixture struct {
	exchange *fakeExchange
	orders   *OrderExecutor
	ledger   *ledger.Ledger
	books    bookMap
	memory   *memory
	exec     *SequenceExecutor
}

var triangle = domain.Sequence{
	{Side: domain.SideBuy, Pair: ethUSDT},
	{Side: domain.SideSell, Pair: ethBTC},
	{Side: domain.SideSell, Pair: btcUSDT},
}

func newFixture(t *testing.T, settle func(placed) (float64, bool)) *fixture {
	t.Helper()
	deep := "1000"
	books := bookMap{
		ethUSDT: mkBook(t, ethUSDT, []domain.RawLevel{{Price: "1999", Size: deep}}, []domain.RawLevel{{Price: "2000", Size: deep}, {Price: "2001", Size: deep}}),
		ethBTC:  mkBook(t, ethBTC, []domain.RawLevel{{Price: "0.05", Size: deep}, {Price: "0.049", Size: deep}}, []domain.RawLevel{{Price: "0.051", Size: deep}}),
		btcUSDT: mkBook(t, btcUSDT, []domain.RawLevel{{Price: "40200", Size: deep}}, []domain.RawLevel{{Price: "40300", Size: deep}}),
		xrpUSDT: mkBook(t, xrpUSDT, []domain.RawLevel{{Price: "0.5", Size: "100000"}}, []domain.RawLevel{{Price: "0.51", Size: "100000"}}),
		xrpBTC:  mkBook(t, xrpBTC, []domain.RawLevel{{Price: "0.0000125", Size: "100000"}}, []domain.RawLevel{{Price: "0.0000126", Size: "100000"}}),
	}
	infos := infoMap{
		ethUSDT: pairInfo(ethUSDT, 0, "0.0001", "0.01", "0.01"),
		ethBTC:  pairInfo(ethBTC, 0, "0.0001", "0.00001", "0.00001"),
		btcUSDT: pairInfo(btcUSDT, 0, "0.00000001", "0.01", "0.1"),
		xrpUSDT: pairInfo(xrpUSDT, 0, "0.1", "0.0001", "0.0001"),
		xrpBTC:  pairInfo(xrpBTC, 0, "0.1", "0.00000001", "0.0000001"),
	}

	router := NewRouter(time.Second, discard())
	ex := &fakeExchange{router: router, settle: settle}
	oe := NewOrderExecutor(ex, router, OrderExecutorConfig{SettleTimeout: 200 * time.Millisecond, LateWindow: time.Second}, nil, discard())
	l := ledger.New("USDT", 1000, "ETH", "BTC", "XRP")
	oe.BookInto(l)
	session := ledger.NewSession(l, oe, discard())
	mem := &memory{}
	sx := NewSequenceExecutor(session, NewOrderFactory(infos, domain.OrderTypeLimit, domain.TimeInForceGTC), books, infos, mem,
		SequenceExecutorConfig{Majors: []string{"USDT", "BTC", "ETH"}}, discard())
	return &fixture{exchange: ex, orders: oe, ledger: l, books: books, memory: mem, exec: sx}
}

// slippage fills every order at 99.9% of its nominal proceeds.
func slippage(p placed) (float64, bool) {
	amt, _ := strconv.ParseFloat(p.amount, 64)
	if p.side == domain.SideBuy {
		return amt * 0.999, true
	}
	px, _ := strconv.ParseFloat(p.price, 64)
	if p.market {
		px = 0.5
	}
	return amt * px * 0.999, true
}

func TestSequenceExecutor_CompletesAndBooksActualAmounts(t *testing.T) {
	f := newFixture(t, slippage)

	exec, err := f.exec.Execute(context.Background(), triangle, 1000, 0.005)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecCompleted, exec.Status)
	require.Len(t, exec.Hops, 3)

	orders := f.exchange.submitted()
	require.Len(t, orders, 3)
	assert.Equal(t, ethUSDT, orders[0].pair)
	assert.Equal(t, "0.5", orders[0].amount)
	assert.Equal(t, "2000", orders[0].price)
	assert.Equal(t, ethBTC, orders[1].pair)
	assert.Equal(t, "0.4995", orders[1].amount)
	assert.Equal(t, btcUSDT, orders[2].pair)

	btcSold, _ := strconv.ParseFloat(orders[2].amount, 64)
	want := btcSold * 40200 * 0.999
	usdt, _ := f.ledger.Balance("USDT")
	assert.InDelta(t, want, usdt, 1e-6)
	assert.InDelta(t, want/1000-1, exec.ActualProfit, 1e-9)
	assert.Equal(t, 3, f.ledger.Trades())

	// Slippage made it a loss, so every hop is suppressed for a while.
	for _, h := range triangle {
		assert.True(t, f.memory.has(h))
	}
}

func TestSequenceExecutor_FirstHopFailureAborts(t *testing.T) {
	f := newFixture(t, func(p placed) (float64, bool) { return 0, false })

	exec, err := f.exec.Execute(context.Background(), triangle, 1000, 0.005)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecAborted, exec.Status)
	assert.True(t, f.memory.has(triangle[0]))

	asks := f.books[ethUSDT].Levels(domain.BookAsks)
	require.Len(t, asks, 1, "consumed ask level evicted")
	assert.Equal(t, 2001.0, asks[0].Price)

	usdt, _ := f.ledger.Balance("USDT")
	assert.Equal(t, 1000.0, usdt)
	assert.Len(t, f.exchange.submitted(), 1)
}

func TestSequenceExecutor_StuckInMajorSwitchesBase(t *testing.T) {
	f := newFixture(t, func(p placed) (float64, bool) {
		if p.pair == btcUSDT {
			return 0, false
		}
		return slippage(p)
	})

	exec, err := f.exec.Execute(context.Background(), triangle, 1000, 0.005)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecBaseSwitch, exec.Status)
	assert.Equal(t, "BTC", exec.EndCurrency)

	select {
	case base := <-f.exec.BaseSwitches():
		assert.Equal(t, "BTC", base)
	default:
		t.Fatal("no base switch published")
	}
	assert.Empty(t, f.books[btcUSDT].Levels(domain.BookBids))
}

func TestSequenceExecutor_StuckInMinorReturnsHome(t *testing.T) {
	f := newFixture(t, func(p placed) (float64, bool) {
		if p.pair == xrpBTC {
			return 0, false
		}
		return slippage(p)
	})
	seq := domain.Sequence{
		{Side: domain.SideBuy, Pair: xrpUSDT},
		{Side: domain.SideSell, Pair: xrpBTC},
		{Side: domain.SideSell, Pair: btcUSDT},
	}

	exec, err := f.exec.Execute(context.Background(), seq, 100, 0.01)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecReturned, exec.Status)
	assert.Equal(t, "USDT", exec.EndCurrency)

	orders := f.exchange.submitted()
	require.Len(t, orders, 3)
	home := orders[2]
	assert.True(t, home.market)
	assert.Equal(t, xrpUSDT, home.pair)
	assert.Equal(t, domain.SideSell, home.side)

	xrp, _ := f.ledger.Balance("XRP")
	assert.Less(t, xrp, 0.1, "only dust below the base increment remains")
	usdt, _ := f.ledger.Balance("USDT")
	assert.Greater(t, usdt, 990.0)
}

func TestSequenceExecutor_TimedOutHopKeepsFundsForLateSettlement(t *testing.T) {
	f := newFixture(t, slippage)
	f.exchange.silent = func(p placed) bool { return p.pair == xrpBTC }
	seq := domain.Sequence{
		{Side: domain.SideBuy, Pair: xrpUSDT},
		{Side: domain.SideSell, Pair: xrpBTC},
		{Side: domain.SideSell, Pair: btcUSDT},
	}

	exec, err := f.exec.Execute(context.Background(), seq, 100, 0.01)
	require.NoError(t, err)

	// The timed-out sale holds the whole XRP balance, so nothing is sold home.
	orders := f.exchange.submitted()
	require.Len(t, orders, 2)
	assert.Equal(t, domain.ExecStranded, exec.Status)
	assert.Equal(t, "XRP", exec.EndCurrency)

	sold, _ := strconv.ParseFloat(orders[1].amount, 64)
	assert.InDelta(t, sold, f.ledger.Reserved("XRP"), 1e-12)
	xrp, _ := f.ledger.Balance("XRP")
	assert.Less(t, xrp, 0.1)

	f.exchange.router.Dispatch(domain.OrderUpdate{OrderID: orders[1].id, Type: domain.OrderUpdateFilled, FilledSize: sold})
	f.exchange.router.Dispatch(settledBalance(orders[1].id, "BTC", 0.0024))

	require.Eventually(t, func() bool {
		btc, _ := f.ledger.Balance("BTC")
		return btc > 0
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.ledger.Reserved("XRP"))
	btc, _ := f.ledger.Balance("BTC")
	assert.InDelta(t, 0.0024, btc, 1e-12)
	assert.Equal(t, 2, f.ledger.Trades())
}

func TestOrderExecutor_ExpiredReservationIsReleased(t *testing.T) {
	router := NewRouter(time.Second, discard())
	ex := &fakeExchange{router: router}
	oe := NewOrderExecutor(ex, router, OrderExecutorConfig{SettleTimeout: 20 * time.Millisecond, LateWindow: 300 * time.Millisecond}, nil, discard())
	l := ledger.New("USDT", 1000, "ETH")
	oe.BookInto(l)
	session := ledger.NewSession(l, oe, discard())

	order, err := domain.NewMarketOrder(ethUSDT, domain.SideBuy, "400")
	require.NoError(t, err)
	_, err = session.SubmitOrder(context.Background(), order)
	require.ErrorIs(t, err, domain.ErrSettlementTimeout)

	assert.Equal(t, 400.0, l.Reserved("USDT"))
	usdt, _ := l.Balance("USDT")
	assert.Equal(t, 600.0, usdt)

	require.Eventually(t, func() bool { return l.Reserved("USDT") == 0 }, time.Second, 5*time.Millisecond)
	usdt, _ = l.Balance("USDT")
	assert.Equal(t, 1000.0, usdt)
}

func TestOrderExecutor_TimeoutThenLateSettlement(t *testing.T) {
	router := NewRouter(time.Second, discard())
	ex := &fakeExchange{router: router}
	oe := NewOrderExecutor(ex, router, OrderExecutorConfig{SettleTimeout: 30 * time.Millisecond, LateWindow: time.Second}, nil, discard())

	late := make(chan *domain.Order, 1)
	oe.OnLateSettlement(func(_ context.Context, o *domain.Order) { late <- o })

	order := &domain.Order{Pair: ethUSDT, Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: "10"}
	_, err := oe.Submit(context.Background(), order)
	require.ErrorIs(t, err, domain.ErrSettlementTimeout)
	assert.Equal(t, domain.OrderStatusFailed, order.Status)
	require.NotEmpty(t, order.ID)

	router.Dispatch(domain.OrderUpdate{OrderID: order.ID, Type: domain.OrderUpdateFilled, FilledSize: 1})
	router.Dispatch(settledBalance(order.ID, "ETH", 0.005))

	select {
	case o := <-late:
		assert.Equal(t, 0.005, o.ReceivedAmount)
		assert.Equal(t, domain.OrderStatusFilled, o.Status)
	case <-time.After(time.Second):
		t.Fatal("late settlement not reported")
	}
}
