package kucoin

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// codeOK is the success code of every REST envelope.
const codeOK = "200000"

// codeTooManyRequests is returned when the request weight budget is spent.
const codeTooManyRequests = "429000"

// --------------------------------------------------------------------------
// REST DTOs
// --------------------------------------------------------------------------

// apiResponse is the envelope around every REST payload.
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data"`
}

// APISymbol is one entry of /api/v1/symbols.
type APISymbol struct {
	Symbol         string `json:"symbol"`
	BaseCurrency   string `json:"baseCurrency"`
	QuoteCurrency  string `json:"quoteCurrency"`
	BaseMinSize    string `json:"baseMinSize"`
	QuoteMinSize   string `json:"quoteMinSize"`
	BaseIncrement  string `json:"baseIncrement"`
	QuoteIncrement string `json:"quoteIncrement"`
	PriceIncrement string `json:"priceIncrement"`
	MinFunds       string `json:"minFunds"`
	EnableTrading  bool   `json:"enableTrading"`
}

// ToDomainPairInfo converts the symbol metadata. Fees are fetched separately.
func (s APISymbol) ToDomainPairInfo() domain.PairInfo {
	return domain.PairInfo{
		Pair:           domain.Pair{Base: s.BaseCurrency, Quote: s.QuoteCurrency},
		BaseIncrement:  s.BaseIncrement,
		QuoteIncrement: s.QuoteIncrement,
		PriceIncrement: s.PriceIncrement,
		MinFunds:       s.MinFunds,
		Enabled:        s.EnableTrading,
	}
}

// APIOrderBook is the payload of /api/v1/market/orderbook/level2_100.
type APIOrderBook struct {
	Sequence string     `json:"sequence"`
	Time     int64      `json:"time"`
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
}

// ToDomainSnapshot converts the REST book.
func (b APIOrderBook) ToDomainSnapshot(pair domain.Pair) (domain.BookSnapshot, error) {
	seq, err := strconv.ParseInt(b.Sequence, 10, 64)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("parse sequence %q: %w", b.Sequence, err)
	}
	bids, err := rawLevels(b.Bids)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := rawLevels(b.Asks)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("asks: %w", err)
	}
	return domain.BookSnapshot{
		Pair:     pair,
		Bids:     bids,
		Asks:     asks,
		Sequence: seq,
		Time:     time.UnixMilli(b.Time).UTC(),
	}, nil
}

func rawLevels(in [][]string) ([]domain.RawLevel, error) {
	out := make([]domain.RawLevel, 0, len(in))
	for _, l := range in {
		if len(l) < 2 {
			return nil, fmt.Errorf("malformed level %v", l)
		}
		out = append(out, domain.RawLevel{Price: l[0], Size: l[1]})
	}
	return out, nil
}

// APIFee is one entry of /api/v1/trade-fees.
type APIFee struct {
	Symbol       string `json:"symbol"`
	TakerFeeRate string `json:"takerFeeRate"`
	MakerFeeRate string `json:"makerFeeRate"`
}

// APIAccount is one entry of /api/v1/accounts.
type APIAccount struct {
	Currency  string `json:"currency"`
	Type      string `json:"type"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Holds     string `json:"holds"`
}

// apiOrderRequest is the body of POST /api/v1/orders.
type apiOrderRequest struct {
	ClientOid   string `json:"clientOid"`
	Side        string `json:"side"`
	Symbol      string `json:"symbol"`
	Type        string `json:"type"`
	Price       string `json:"price,omitempty"`
	Size        string `json:"size,omitempty"`
	Funds       string `json:"funds,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
}

type apiOrderResult struct {
	OrderID string `json:"orderId"`
}

// apiBullet is the payload of /api/v1/bullet-public and bullet-private.
type apiBullet struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		Protocol     string `json:"protocol"`
		Encrypt      bool   `json:"encrypt"`
		PingInterval int64  `json:"pingInterval"` // ms
		PingTimeout  int64  `json:"pingTimeout"`  // ms
	} `json:"instanceServers"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSCommand is a subscribe/unsubscribe/ping frame sent to the server.
type WSCommand struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel,omitempty"`
	Response       bool   `json:"response,omitempty"`
}

// wsEnvelope is every frame received from the server.
type wsEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"` // welcome, ack, pong, message, error
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

// L2UpdateMessage is the data of a trade.l2update frame. Each change is
// [price, size, sequence].
type L2UpdateMessage struct {
	Symbol        string `json:"symbol"`
	SequenceStart int64  `json:"sequenceStart"`
	SequenceEnd   int64  `json:"sequenceEnd"`
	Changes       struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
	} `json:"changes"`
}

// ToDomainDeltas flattens the update into one delta per level change, in
// sequence order.
func (m L2UpdateMessage) ToDomainDeltas() ([]domain.BookDelta, error) {
	pair, err := domain.ParsePair(m.Symbol)
	if err != nil {
		return nil, err
	}
	out := make([]domain.BookDelta, 0, len(m.Changes.Asks)+len(m.Changes.Bids))
	for _, side := range []struct {
		side    domain.BookSide
		changes [][]string
	}{{domain.BookAsks, m.Changes.Asks}, {domain.BookBids, m.Changes.Bids}} {
		for _, c := range side.changes {
			if len(c) < 3 {
				return nil, fmt.Errorf("malformed change %v", c)
			}
			seq, err := strconv.ParseInt(c[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse change sequence %q: %w", c[2], err)
			}
			out = append(out, domain.BookDelta{Pair: pair, Side: side.side, Price: c[0], Size: c[1], Sequence: seq})
		}
	}
	// Sequences interleave across the two sides.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// OrderChangeMessage is the data of a /spotMarket/tradeOrders frame.
type OrderChangeMessage struct {
	Symbol     string `json:"symbol"`
	OrderID    string `json:"orderId"`
	ClientOid  string `json:"clientOid"`
	Type       string `json:"type"` // open, match, filled, canceled, update
	Side       string `json:"side"`
	OrderType  string `json:"orderType"`
	Size       string `json:"size"`
	FilledSize string `json:"filledSize"`
	Status     string `json:"status"`
	Ts         int64  `json:"ts"` // ns
}

// ToDomainOrderUpdate converts the order change.
func (m OrderChangeMessage) ToDomainOrderUpdate() domain.OrderUpdate {
	pair, _ := domain.ParsePair(m.Symbol)
	filled, _ := strconv.ParseFloat(m.FilledSize, 64)
	return domain.OrderUpdate{
		OrderID:    m.OrderID,
		Pair:       pair,
		Type:       domain.OrderUpdateType(m.Type),
		FilledSize: filled,
		Time:       time.Unix(0, m.Ts).UTC(),
	}
}

// BalanceMessage is the data of an /account/balance frame.
type BalanceMessage struct {
	Currency        string `json:"currency"`
	Total           string `json:"total"`
	Available       string `json:"available"`
	AvailableChange string `json:"availableChange"`
	RelationEvent   string `json:"relationEvent"`
	RelationContext struct {
		Symbol  string `json:"symbol"`
		TradeID string `json:"tradeId"`
		OrderID string `json:"orderId"`
	} `json:"relationContext"`
	Time string `json:"time"` // ms
}

// ToDomainBalanceUpdate converts the balance notice.
func (m BalanceMessage) ToDomainBalanceUpdate() domain.BalanceUpdate {
	avail, _ := strconv.ParseFloat(m.Available, 64)
	change, _ := strconv.ParseFloat(m.AvailableChange, 64)
	ms, _ := strconv.ParseInt(m.Time, 10, 64)
	return domain.BalanceUpdate{
		OrderID:         m.RelationContext.OrderID,
		Currency:        m.Currency,
		Available:       avail,
		AvailableChange: change,
		RelationEvent:   m.RelationEvent,
		Time:            time.UnixMilli(ms).UTC(),
	}
}
