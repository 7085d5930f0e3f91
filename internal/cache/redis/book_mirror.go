package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/redis/go-redis/v9"
)

// defaultBookTTL expires mirrored books whose publisher went away.
const defaultBookTTL = 30 * time.Second

// BookMirror implements domain.BookMirror. Each pair is stored under two keys:
//
//	{prefix}book:{pair}:view  JSON encoded domain.BookView, with TTL
//	{prefix}book:{pair}:bbo   hash with "bid", "ask" and "ts" fields
type BookMirror struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewBookMirror creates a BookMirror. A non-positive ttl uses 30s.
func NewBookMirror(c *Client, ttl time.Duration) *BookMirror {
	if ttl <= 0 {
		ttl = defaultBookTTL
	}
	return &BookMirror{rdb: c.Underlying(), prefix: c.Prefix(), ttl: ttl}
}

func (m *BookMirror) viewKey(pair domain.Pair) string {
	return m.prefix + "book:" + pair.String() + ":view"
}

func (m *BookMirror) bboKey(pair domain.Pair) string {
	return m.prefix + "book:" + pair.String() + ":bbo"
}

type mirroredView struct {
	Pair         string       `json:"pair"`
	Bids         [][2]float64 `json:"bids"`
	Asks         [][2]float64 `json:"asks"`
	Sequence     int64        `json:"sequence"`
	MissingCount int          `json:"missing_count"`
	Calibrated   bool         `json:"calibrated"`
	Timestamp    int64        `json:"ts"`
}

func encodeLevels(levels []domain.PriceLevel) [][2]float64 {
	out := make([][2]float64, len(levels))
	for i, l := range levels {
		out[i] = [2]float64{l.Price, l.Size}
	}
	return out
}

func decodeLevels(raw [][2]float64) []domain.PriceLevel {
	out := make([]domain.PriceLevel, len(raw))
	for i, l := range raw {
		out[i] = domain.PriceLevel{Price: l[0], Size: l[1]}
	}
	return out
}

// SetBook replaces the mirrored view and best prices of view.Pair atomically.
func (m *BookMirror) SetBook(ctx context.Context, view domain.BookView) error {
	data, err := json.Marshal(mirroredView{
		Pair:         view.Pair.String(),
		Bids:         encodeLevels(view.Bids),
		Asks:         encodeLevels(view.Asks),
		Sequence:     view.Sequence,
		MissingCount: view.MissingCount,
		Calibrated:   view.Calibrated,
		Timestamp:    view.Timestamp.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("redis: encode book %s: %w", view.Pair, err)
	}

	bbo := m.bboKey(view.Pair)
	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, m.viewKey(view.Pair), data, m.ttl)
	pipe.Del(ctx, bbo)
	pipe.HSet(ctx, bbo,
		"bid", strconv.FormatFloat(view.BestBid, 'f', -1, 64),
		"ask", strconv.FormatFloat(view.BestAsk, 'f', -1, 64),
		"ts", strconv.FormatInt(view.Timestamp.UnixNano(), 10),
	)
	pipe.Expire(ctx, bbo, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book %s: %w", view.Pair, err)
	}
	return nil
}

// GetBook returns the mirrored view of pair or domain.ErrNotFound.
func (m *BookMirror) GetBook(ctx context.Context, pair domain.Pair) (domain.BookView, error) {
	data, err := m.rdb.Get(ctx, m.viewKey(pair)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BookView{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BookView{}, fmt.Errorf("redis: get book %s: %w", pair, err)
	}

	var mv mirroredView
	if err := json.Unmarshal(data, &mv); err != nil {
		return domain.BookView{}, fmt.Errorf("redis: decode book %s: %w", pair, err)
	}
	view := domain.BookView{
		Pair:         pair,
		Bids:         decodeLevels(mv.Bids),
		Asks:         decodeLevels(mv.Asks),
		Sequence:     mv.Sequence,
		MissingCount: mv.MissingCount,
		Calibrated:   mv.Calibrated,
		Timestamp:    time.Unix(0, mv.Timestamp),
	}
	if len(view.Bids) > 0 {
		view.BestBid = view.Bids[0].Price
	}
	if len(view.Asks) > 0 {
		view.BestAsk = view.Asks[0].Price
	}
	return view, nil
}

// GetBBO retrieves the best bid and ask of pair or domain.ErrNotFound.
func (m *BookMirror) GetBBO(ctx context.Context, pair domain.Pair) (bestBid, bestAsk float64, err error) {
	vals, err := m.rdb.HGetAll(ctx, m.bboKey(pair)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis: get bbo %s: %w", pair, err)
	}
	if len(vals) == 0 {
		return 0, 0, domain.ErrNotFound
	}
	bestBid, _ = strconv.ParseFloat(vals["bid"], 64)
	bestAsk, _ = strconv.ParseFloat(vals["ask"], 64)
	return bestBid, bestAsk, nil
}

var _ domain.BookMirror = (*BookMirror)(nil)
