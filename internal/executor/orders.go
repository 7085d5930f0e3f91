package executor

import (
	"fmt"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/shopspring/decimal"
)

// PairInfoSource resolves pair sizing metadata.
type PairInfoSource interface {
	Info(pair domain.Pair) (domain.PairInfo, bool)
}

// OrderFactory turns a hop and an owned amount into an exchange-valid order.
// Amounts and prices are rounded down to the pair's increments.
type OrderFactory struct {
	pairs     PairInfoSource
	orderType domain.OrderType
	tif       domain.TimeInForce
}

// NewOrderFactory creates a factory producing orders of orderType.
func NewOrderFactory(pairs PairInfoSource, orderType domain.OrderType, tif domain.TimeInForce) *OrderFactory {
	if orderType == "" {
		orderType = domain.OrderTypeLimit
	}
	return &OrderFactory{pairs: pairs, orderType: orderType, tif: tif}
}

// ForHop builds the order spending owned on hop. price is the expected fill
// price and is only used for limit orders.
func (f *OrderFactory) ForHop(hop domain.Hop, owned, price float64) (*domain.Order, error) {
	if f.orderType == domain.OrderTypeMarket {
		return f.Market(hop, owned)
	}
	return f.Limit(hop, owned, price)
}

// Market builds a market order. A BUY spends funds in quote, a SELL spends
// size in base. A BUY reserves the fee out of the funds.
func (f *OrderFactory) Market(hop domain.Hop, owned float64) (*domain.Order, error) {
	info, err := f.info(hop.Pair)
	if err != nil {
		return nil, err
	}
	var amount string
	if hop.Side == domain.SideBuy {
		amount, err = RoundDown(owned*(1-info.Fee), info.QuoteIncrement)
	} else {
		amount, err = RoundDown(owned, info.BaseIncrement)
	}
	if err != nil {
		return nil, fmt.Errorf("executor: market %s: %w", hop, err)
	}
	return domain.NewMarketOrder(hop.Pair, hop.Side, amount)
}

// Limit builds a limit order at price. The amount is always base size.
func (f *OrderFactory) Limit(hop domain.Hop, owned, price float64) (*domain.Order, error) {
	info, err := f.info(hop.Pair)
	if err != nil {
		return nil, err
	}
	px, err := RoundDown(price, info.PriceIncrement)
	if err != nil {
		return nil, fmt.Errorf("executor: limit %s price: %w", hop, err)
	}
	pxf := decimal.RequireFromString(px).InexactFloat64()

	var amount string
	if hop.Side == domain.SideBuy {
		amount, err = RoundDown(owned*(1-info.Fee)/pxf, info.BaseIncrement)
	} else {
		amount, err = RoundDown(owned, info.BaseIncrement)
	}
	if err != nil {
		return nil, fmt.Errorf("executor: limit %s amount: %w", hop, err)
	}
	return domain.NewLimitOrder(hop.Pair, hop.Side, amount, px, f.tif)
}

func (f *OrderFactory) info(pair domain.Pair) (domain.PairInfo, error) {
	info, ok := f.pairs.Info(pair)
	if !ok {
		return domain.PairInfo{}, fmt.Errorf("executor: pair %s: %w", pair, domain.ErrNotFound)
	}
	return info, nil
}

// RoundDown truncates value to a multiple of increment and renders it without
// trailing zeros. It fails when the result is not positive.
func RoundDown(value float64, increment string) (string, error) {
	inc, err := decimal.NewFromString(increment)
	if err != nil || inc.Sign() <= 0 {
		return "", fmt.Errorf("increment %q: %w", increment, domain.ErrInvalidOrder)
	}
	v := decimal.NewFromFloat(value)
	q := v.Div(inc).Floor().Mul(inc)
	if q.Sign() <= 0 {
		return "", fmt.Errorf("%v rounds to zero at increment %s: %w", value, increment, domain.ErrInvalidOrder)
	}
	return q.String(), nil
}
