package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/engine"
	"github.com/alanyoungcy/triarb/internal/ledger"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func serve(pattern string, h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

var ethUSDT = domain.Pair{Base: "ETH", Quote: "USDT"}

func TestHealthCheck(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	bad := PingFunc(func(context.Context) error { return errors.New("connection refused") })

	t.Run("all healthy", func(t *testing.T) {
		h := NewHealthHandler(map[string]Pinger{"postgres": ok, "redis": ok}, discard())
		rec := serve("GET /api/health", h.HealthCheck, "/api/health")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		decode(t, rec, &body)
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, map[string]string{"postgres": "ok", "redis": "ok"}, body.Checks)
	})

	t.Run("degraded", func(t *testing.T) {
		h := NewHealthHandler(map[string]Pinger{"postgres": ok, "redis": bad}, discard())
		rec := serve("GET /api/health", h.HealthCheck, "/api/health")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		decode(t, rec, &body)
		assert.Equal(t, "degraded", body.Status)
		assert.Equal(t, "connection refused", body.Checks["redis"])
	})

	t.Run("no dependencies", func(t *testing.T) {
		h := NewHealthHandler(nil, discard())
		rec := serve("GET /api/health", h.HealthCheck, "/api/health")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

type fakeEngine struct{ st engine.Status }

func (f fakeEngine) Status() engine.Status { return f.st }

type fakeCounter struct{ pairs, calibrated int }

func (f fakeCounter) Pairs() []domain.Pair { return make([]domain.Pair, f.pairs) }
func (f fakeCounter) CalibratedCount() int { return f.calibrated }

func TestGetStatus(t *testing.T) {
	eng := fakeEngine{st: engine.Status{Strategy: "triangular", Base: "USDT", Running: true, Rounds: 7}}
	h := NewStatusHandler("paper", eng, fakeCounter{pairs: 12, calibrated: 9})
	rec := serve("GET /api/status", h.GetStatus, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Mode       string `json:"mode"`
		Pairs      int    `json:"pairs"`
		Calibrated int    `json:"calibrated_books"`
		Engine     *struct {
			Strategy string `json:"strategy"`
			Base     string `json:"base"`
			Rounds   int64  `json:"rounds"`
		} `json:"engine"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "paper", body.Mode)
	assert.Equal(t, 12, body.Pairs)
	assert.Equal(t, 9, body.Calibrated)
	require.NotNil(t, body.Engine)
	assert.Equal(t, "triangular", body.Engine.Strategy)
	assert.Equal(t, int64(7), body.Engine.Rounds)
}

func TestGetStatusMonitor(t *testing.T) {
	h := NewStatusHandler("monitor", nil, nil)
	rec := serve("GET /api/status", h.GetStatus, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "monitor", body["mode"])
	assert.NotContains(t, body, "engine")
}

type fakeLedger struct{ trades []ledger.Trade }

func (fakeLedger) StartCurrency() string        { return "USDT" }
func (fakeLedger) Balances() map[string]float64 { return map[string]float64{"USDT": 1005, "ETH": 0} }
func (fakeLedger) PL() float64                  { return 0.005 }
func (f fakeLedger) RecentTrades(n int) []ledger.Trade {
	if n > len(f.trades) {
		n = len(f.trades)
	}
	return f.trades[len(f.trades)-n:]
}

func TestGetLedger(t *testing.T) {
	l := fakeLedger{trades: []ledger.Trade{
		{OrderID: "a", Pair: ethUSDT, Side: domain.SideBuy, Spent: "USDT", Debit: 1000, Acquired: "ETH", Credit: 0.5},
		{OrderID: "b", Pair: ethUSDT, Side: domain.SideSell, Spent: "ETH", Debit: 0.5, Acquired: "USDT", Credit: 1005},
	}}
	h := NewLedgerHandler(l)
	rec := serve("GET /api/ledger", h.GetLedger, "/api/ledger")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		StartCurrency string             `json:"start_currency"`
		Balances      map[string]float64 `json:"balances"`
		PL            float64            `json:"pl"`
		Trades        []struct {
			OrderID string `json:"order_id"`
			Pair    string `json:"pair"`
		} `json:"trades"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "USDT", body.StartCurrency)
	assert.InDelta(t, 1005, body.Balances["USDT"], 1e-9)
	assert.InDelta(t, 0.005, body.PL, 1e-12)
	require.Len(t, body.Trades, 2)
	assert.Equal(t, "b", body.Trades[0].OrderID, "newest first")
	assert.Equal(t, "ETH-USDT", body.Trades[0].Pair)
}

type fakeBooks struct {
	views map[domain.Pair]domain.BookView
	err   error
}

func (f fakeBooks) Pairs() []domain.Pair {
	out := make([]domain.Pair, 0, len(f.views))
	for p := range f.views {
		out = append(out, p)
	}
	return out
}

func (f fakeBooks) View(_ context.Context, pair domain.Pair, depth int) (domain.BookView, error) {
	if f.err != nil {
		return domain.BookView{}, f.err
	}
	v, ok := f.views[pair]
	if !ok {
		return domain.BookView{}, domain.ErrNotFound
	}
	if depth > 0 && len(v.Asks) > depth {
		v.Asks = v.Asks[:depth]
	}
	return v, nil
}

func testBooks() fakeBooks {
	btc := domain.Pair{Base: "BTC", Quote: "USDT"}
	return fakeBooks{views: map[domain.Pair]domain.BookView{
		ethUSDT: {
			Pair:       ethUSDT,
			Bids:       []domain.PriceLevel{{Price: 1999, Size: 2}},
			Asks:       []domain.PriceLevel{{Price: 2000, Size: 1}, {Price: 2100, Size: 5}},
			BestBid:    1999,
			BestAsk:    2000,
			Calibrated: true,
		},
		btc: {Pair: btc, BestBid: 60000, BestAsk: 60001, Calibrated: true},
	}}
}

func TestListBooks(t *testing.T) {
	h := NewBookHandler(testBooks(), discard())
	rec := serve("GET /api/books", h.ListBooks, "/api/books")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Books []struct {
			Pair    string      `json:"pair"`
			BestAsk float64     `json:"best_ask"`
			Asks    []levelJSON `json:"asks"`
		} `json:"books"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Books, 2)
	assert.Equal(t, "BTC-USDT", body.Books[0].Pair)
	assert.Equal(t, "ETH-USDT", body.Books[1].Pair)
	assert.Empty(t, body.Books[1].Asks, "summary omits levels")
}

func TestGetBook(t *testing.T) {
	h := NewBookHandler(testBooks(), discard())

	t.Run("found with depth", func(t *testing.T) {
		rec := serve("GET /api/books/{pair}", h.GetBook, "/api/books/ETH-USDT?depth=1")
		require.Equal(t, http.StatusOK, rec.Code)
		var body bookJSON
		decode(t, rec, &body)
		assert.Equal(t, "ETH-USDT", body.Pair)
		assert.Equal(t, []levelJSON{{Price: 2000, Size: 1}}, body.Asks)
		assert.True(t, body.Calibrated)
	})

	t.Run("unknown pair", func(t *testing.T) {
		rec := serve("GET /api/books/{pair}", h.GetBook, "/api/books/XRP-USDT")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad symbol", func(t *testing.T) {
		rec := serve("GET /api/books/{pair}", h.GetBook, "/api/books/ETHUSDT")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("source failure", func(t *testing.T) {
		h := NewBookHandler(fakeBooks{err: errors.New("redis down")}, discard())
		rec := serve("GET /api/books/{pair}", h.GetBook, "/api/books/ETH-USDT")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

type fakeMirror struct{ view domain.BookView }

func (f fakeMirror) SetBook(context.Context, domain.BookView) error { return nil }
func (f fakeMirror) GetBook(_ context.Context, pair domain.Pair) (domain.BookView, error) {
	if pair != f.view.Pair {
		return domain.BookView{}, domain.ErrNotFound
	}
	return f.view, nil
}
func (f fakeMirror) GetBBO(context.Context, domain.Pair) (float64, float64, error) { return 0, 0, nil }

func TestMirroredBooksTrimsDepth(t *testing.T) {
	m := MirroredBooks{
		Mirror: fakeMirror{view: domain.BookView{
			Pair: ethUSDT,
			Bids: []domain.PriceLevel{{Price: 3, Size: 1}, {Price: 2, Size: 1}, {Price: 1, Size: 1}},
			Asks: []domain.PriceLevel{{Price: 4, Size: 1}, {Price: 5, Size: 1}},
		}},
		List: []domain.Pair{ethUSDT},
	}
	v, err := m.View(context.Background(), ethUSDT, 1)
	require.NoError(t, err)
	assert.Len(t, v.Bids, 1)
	assert.Len(t, v.Asks, 1)

	_, err = m.View(context.Background(), domain.Pair{Base: "BTC", Quote: "USDT"}, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []domain.Pair{ethUSDT}, m.Pairs())
}

type fakeExecutions struct {
	execs  []domain.SequenceExecution
	profit float64
	err    error
}

func (f fakeExecutions) GetByID(_ context.Context, id string) (domain.SequenceExecution, error) {
	for _, e := range f.execs {
		if e.ID == id {
			return e, nil
		}
	}
	return domain.SequenceExecution{}, domain.ErrNotFound
}

func (f fakeExecutions) ListRecent(_ context.Context, limit int) ([]domain.SequenceExecution, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.execs) {
		return f.execs[:limit], nil
	}
	return f.execs, nil
}

func (f fakeExecutions) SumProfit(context.Context, time.Time) (float64, error) { return f.profit, nil }

func TestExecutions(t *testing.T) {
	store := fakeExecutions{
		profit: 4.2,
		execs: []domain.SequenceExecution{
			{
				ID:            "exec-2",
				Sequence:      "USDT->ETH->BTC->USDT",
				StartCurrency: "USDT",
				StartAmount:   1000,
				EndAmount:     1005,
				ActualProfit:  0.005,
				Status:        domain.ExecCompleted,
				Hops: []domain.HopExecution{
					{Index: 0, OrderID: "o1", Pair: ethUSDT, Side: domain.SideBuy, Amount: "1000"},
				},
				StartedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
				CompletedAt: time.Date(2024, 5, 1, 12, 0, 2, 0, time.UTC),
			},
			{ID: "exec-1", Sequence: "USDT->BTC->ETH->USDT", Status: domain.ExecAborted, Error: "settlement timeout"},
		},
	}
	h := NewExecutionHandler(store, discard())

	t.Run("list", func(t *testing.T) {
		rec := serve("GET /api/executions", h.ListExecutions, "/api/executions?limit=1")
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Executions  []executionJSON `json:"executions"`
			ProfitToday float64         `json:"profit_today"`
		}
		decode(t, rec, &body)
		require.Len(t, body.Executions, 1)
		assert.Equal(t, "exec-2", body.Executions[0].ID)
		assert.Empty(t, body.Executions[0].Hops)
		assert.InDelta(t, 4.2, body.ProfitToday, 1e-12)
	})

	t.Run("get with hops", func(t *testing.T) {
		rec := serve("GET /api/executions/{id}", h.GetExecution, "/api/executions/exec-2")
		require.Equal(t, http.StatusOK, rec.Code)
		var body executionJSON
		decode(t, rec, &body)
		require.Len(t, body.Hops, 1)
		assert.Equal(t, "ETH-USDT", body.Hops[0].Pair)
		require.NotNil(t, body.CompletedAt)
	})

	t.Run("incomplete execution omits completion time", func(t *testing.T) {
		rec := serve("GET /api/executions/{id}", h.GetExecution, "/api/executions/exec-1")
		require.Equal(t, http.StatusOK, rec.Code)
		var body executionJSON
		decode(t, rec, &body)
		assert.Nil(t, body.CompletedAt)
		assert.Equal(t, "settlement timeout", body.Error)
	})

	t.Run("missing", func(t *testing.T) {
		rec := serve("GET /api/executions/{id}", h.GetExecution, "/api/executions/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		h := NewExecutionHandler(fakeExecutions{err: errors.New("db down")}, discard())
		rec := serve("GET /api/executions", h.ListExecutions, "/api/executions")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

type fakeReader struct{ prefixes []string }

func (f *fakeReader) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	f.prefixes = append(f.prefixes, prefix)
	return nil, nil
}

func (f *fakeReader) Exists(context.Context, string) (bool, error) { return false, nil }

func TestListArchives(t *testing.T) {
	r := &fakeReader{}
	h := NewArchiveHandler(r, discard())

	rec := serve("GET /api/archives", h.ListArchives, "/api/archives")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"objects":[]}`, rec.Body.String())

	rec = serve("GET /api/archives", h.ListArchives, "/api/archives?kind=audit")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve("GET /api/archives", h.ListArchives, "/api/archives?kind=orders")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, []string{"archive/", "archive/audit/"}, r.prefixes)
}

func TestParseLimit(t *testing.T) {
	cases := map[string]int{
		"":           50,
		"?limit=10":  10,
		"?limit=0":   50,
		"?limit=-3":  50,
		"?limit=abc": 50,
		"?limit=999": 500,
	}
	for q, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/x"+q, nil)
		assert.Equal(t, want, parseLimit(r, 50, 500), q)
	}
}
