package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/triarb/internal/ledger"
)

// LedgerView is the read side of the session ledger.
type LedgerView interface {
	StartCurrency() string
	Balances() map[string]float64
	PL() float64
	RecentTrades(n int) []ledger.Trade
}

// LedgerHandler serves the session balances and recent trades.
type LedgerHandler struct {
	ledger LedgerView
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(l LedgerView) *LedgerHandler {
	return &LedgerHandler{ledger: l}
}

type tradeJSON struct {
	OrderID  string    `json:"order_id"`
	Pair     string    `json:"pair"`
	Side     string    `json:"side"`
	Spent    string    `json:"spent"`
	Debit    float64   `json:"debit"`
	Acquired string    `json:"acquired"`
	Credit   float64   `json:"credit"`
	At       time.Time `json:"at"`
}

type ledgerResponse struct {
	StartCurrency string             `json:"start_currency"`
	Balances      map[string]float64 `json:"balances"`
	PL            float64            `json:"pl"`
	Trades        []tradeJSON        `json:"trades"`
}

// GetLedger returns balances, realized P/L and the newest trades.
// GET /api/ledger?limit=20
func (h *LedgerHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 20, 200)
	trades := h.ledger.RecentTrades(limit)

	out := make([]tradeJSON, 0, len(trades))
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		out = append(out, tradeJSON{
			OrderID:  t.OrderID,
			Pair:     t.Pair.String(),
			Side:     string(t.Side),
			Spent:    t.Spent,
			Debit:    t.Debit,
			Acquired: t.Acquired,
			Credit:   t.Credit,
			At:       t.At,
		})
	}

	writeJSON(w, http.StatusOK, ledgerResponse{
		StartCurrency: h.ledger.StartCurrency(),
		Balances:      h.ledger.Balances(),
		PL:            h.ledger.PL(),
		Trades:        out,
	})
}
