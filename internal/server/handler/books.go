package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/orderbook"
)

// BookSource lists pairs and returns point-in-time views of their books.
type BookSource interface {
	Pairs() []domain.Pair
	View(ctx context.Context, pair domain.Pair, depth int) (domain.BookView, error)
}

// LocalBooks serves views straight from the in-process synchronizer.
type LocalBooks struct {
	Sync *orderbook.Synchronizer
}

// Pairs lists every synchronized pair.
func (l LocalBooks) Pairs() []domain.Pair { return l.Sync.Pairs() }

// View returns the current local view of pair.
func (l LocalBooks) View(_ context.Context, pair domain.Pair, depth int) (domain.BookView, error) {
	b, ok := l.Sync.Book(pair)
	if !ok {
		return domain.BookView{}, domain.ErrNotFound
	}
	return b.View(depth), nil
}

// MirroredBooks serves views another process published to the book mirror.
type MirroredBooks struct {
	Mirror domain.BookMirror
	List   []domain.Pair
}

// Pairs lists the configured pairs.
func (m MirroredBooks) Pairs() []domain.Pair { return append([]domain.Pair(nil), m.List...) }

// View reads the mirrored view of pair and trims it to depth.
func (m MirroredBooks) View(ctx context.Context, pair domain.Pair, depth int) (domain.BookView, error) {
	v, err := m.Mirror.GetBook(ctx, pair)
	if err != nil {
		return domain.BookView{}, err
	}
	v.Pair = pair
	if depth > 0 {
		if len(v.Bids) > depth {
			v.Bids = v.Bids[:depth]
		}
		if len(v.Asks) > depth {
			v.Asks = v.Asks[:depth]
		}
	}
	return v, nil
}

// BookHandler serves order book summaries and depth.
type BookHandler struct {
	books  BookSource
	logger *slog.Logger
}

// NewBookHandler creates a BookHandler.
func NewBookHandler(books BookSource, logger *slog.Logger) *BookHandler {
	return &BookHandler{books: books, logger: logHandler(logger, "books")}
}

type levelJSON struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type bookJSON struct {
	Pair         string      `json:"pair"`
	BestBid      float64     `json:"best_bid"`
	BestAsk      float64     `json:"best_ask"`
	Sequence     int64       `json:"sequence"`
	MissingCount int         `json:"missing_count"`
	Calibrated   bool        `json:"calibrated"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Bids         []levelJSON `json:"bids,omitempty"`
	Asks         []levelJSON `json:"asks,omitempty"`
}

func toBookJSON(v domain.BookView, withLevels bool) bookJSON {
	out := bookJSON{
		Pair:         v.Pair.String(),
		BestBid:      v.BestBid,
		BestAsk:      v.BestAsk,
		Sequence:     v.Sequence,
		MissingCount: v.MissingCount,
		Calibrated:   v.Calibrated,
		UpdatedAt:    v.Timestamp,
	}
	if withLevels {
		out.Bids = toLevels(v.Bids)
		out.Asks = toLevels(v.Asks)
	}
	return out
}

func toLevels(in []domain.PriceLevel) []levelJSON {
	out := make([]levelJSON, len(in))
	for i, l := range in {
		out[i] = levelJSON{Price: l.Price, Size: l.Size}
	}
	return out
}

// ListBooks returns top-of-book for every pair, sorted by symbol. Pairs whose
// view cannot be read are skipped.
// GET /api/books
func (h *BookHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	pairs := h.books.Pairs()
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })

	out := make([]bookJSON, 0, len(pairs))
	for _, p := range pairs {
		v, err := h.books.View(r.Context(), p, 1)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				h.logger.WarnContext(r.Context(), "read book failed",
					slog.String("pair", p.String()),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		out = append(out, toBookJSON(v, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": out})
}

// GetBook returns the levels of one pair.
// GET /api/books/{pair}?depth=20
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	pair, err := parsePair(r, "pair")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	depth := parseIntParam(r, "depth", 20, 500)

	v, err := h.books.View(r.Context(), pair, depth)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "book not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read book failed",
			slog.String("pair", pair.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read book")
		return
	}
	writeJSON(w, http.StatusOK, toBookJSON(v, true))
}
