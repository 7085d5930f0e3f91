package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// ExecutionReader is the subset of domain.ExecutionStore the API reads.
type ExecutionReader interface {
	GetByID(ctx context.Context, id string) (domain.SequenceExecution, error)
	ListRecent(ctx context.Context, limit int) ([]domain.SequenceExecution, error)
	SumProfit(ctx context.Context, since time.Time) (float64, error)
}

// ExecutionHandler serves persisted sequence executions.
type ExecutionHandler struct {
	store  ExecutionReader
	logger *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler.
func NewExecutionHandler(store ExecutionReader, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{store: store, logger: logHandler(logger, "executions")}
}

type hopJSON struct {
	Index           int     `json:"index"`
	OrderID         string  `json:"order_id"`
	Pair            string  `json:"pair"`
	Side            string  `json:"side"`
	Type            string  `json:"type"`
	Amount          string  `json:"amount"`
	Price           string  `json:"price,omitempty"`
	RequiredBalance float64 `json:"required_balance"`
	ReceivedAmount  float64 `json:"received_amount"`
	Status          string  `json:"status"`
}

type executionJSON struct {
	ID             string     `json:"id"`
	Sequence       string     `json:"sequence"`
	StartCurrency  string     `json:"start_currency"`
	StartAmount    float64    `json:"start_amount"`
	EndCurrency    string     `json:"end_currency"`
	EndAmount      float64    `json:"end_amount"`
	ExpectedProfit float64    `json:"expected_profit"`
	ActualProfit   float64    `json:"actual_profit"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	Hops           []hopJSON  `json:"hops,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func toExecutionJSON(e domain.SequenceExecution, withHops bool) executionJSON {
	out := executionJSON{
		ID:             e.ID,
		Sequence:       e.Sequence,
		StartCurrency:  e.StartCurrency,
		StartAmount:    e.StartAmount,
		EndCurrency:    e.EndCurrency,
		EndAmount:      e.EndAmount,
		ExpectedProfit: e.ExpectedProfit,
		ActualProfit:   e.ActualProfit,
		Status:         string(e.Status),
		Error:          e.Error,
		StartedAt:      e.StartedAt,
	}
	if !e.CompletedAt.IsZero() {
		t := e.CompletedAt
		out.CompletedAt = &t
	}
	if withHops {
		out.Hops = make([]hopJSON, len(e.Hops))
		for i, h := range e.Hops {
			out.Hops[i] = hopJSON{
				Index:           h.Index,
				OrderID:         h.OrderID,
				Pair:            h.Pair.String(),
				Side:            string(h.Side),
				Type:            string(h.Type),
				Amount:          h.Amount,
				Price:           h.Price,
				RequiredBalance: h.RequiredBalance,
				ReceivedAmount:  h.ReceivedAmount,
				Status:          string(h.Status),
			}
		}
	}
	return out
}

type listExecutionsResponse struct {
	Executions  []executionJSON `json:"executions"`
	ProfitToday float64         `json:"profit_today"`
}

// ListExecutions returns the newest executions without their hops.
// GET /api/executions?limit=50
func (h *ExecutionHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 500)
	execs, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list executions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	since := time.Now().UTC().Truncate(24 * time.Hour)
	profit, err := h.store.SumProfit(r.Context(), since)
	if err != nil {
		h.logger.WarnContext(r.Context(), "sum profit failed",
			slog.String("error", err.Error()),
		)
	}

	out := make([]executionJSON, 0, len(execs))
	for _, e := range execs {
		out = append(out, toExecutionJSON(e, false))
	}
	writeJSON(w, http.StatusOK, listExecutionsResponse{Executions: out, ProfitToday: profit})
}

// GetExecution returns one execution with every hop.
// GET /api/executions/{id}
func (h *ExecutionHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing execution id")
		return
	}

	e, err := h.store.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get execution failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, toExecutionJSON(e, true))
}
