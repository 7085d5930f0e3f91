package domain

import (
	"fmt"
	"strconv"
	"time"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce for limit orders.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus tracks the settlement lifecycle of an order.
type OrderStatus string

const (
	OrderStatusCreated     OrderStatus = "CREATED"
	OrderStatusOpen        OrderStatus = "OPEN"
	OrderStatusPartialFill OrderStatus = "PARTIAL_FILL"
	OrderStatusFilled      OrderStatus = "FILLED"
	OrderStatusFailed      OrderStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusFailed
}

// Order is a single exchange order produced for one hop of a sequence.
//
// Amount and Price are the exchange-formatted decimal strings actually sent.
// For market orders Amount is denominated in the currency being spent (funds
// for a BUY, size for a SELL). For limit orders Amount is always the base size.
type Order struct {
	ID              string
	ClientOID       string
	Pair            Pair
	Side            Side
	Type            OrderType
	Amount          string
	Price           string
	TimeInForce     TimeInForce
	Status          OrderStatus
	RequiredBalance float64
	ReceivedAmount  float64
	FilledSize      float64
	CreatedAt       time.Time
	SettledAt       *time.Time
}

// Acquiring returns the currency the order produces.
func (o *Order) Acquiring() string {
	return Hop{Side: o.Side, Pair: o.Pair}.Acquires()
}

// ExpectedOwned returns the currency the order spends.
func (o *Order) ExpectedOwned() string {
	return Hop{Side: o.Side, Pair: o.Pair}.Spends()
}

// NewMarketOrder builds a market order spending amount of the owned currency.
func NewMarketOrder(pair Pair, side Side, amount string) (*Order, error) {
	amt, err := parsePositive(amount)
	if err != nil {
		return nil, fmt.Errorf("market order %s %s: amount: %w", side, pair, err)
	}
	return &Order{
		Pair:            pair,
		Side:            side,
		Type:            OrderTypeMarket,
		Amount:          amount,
		Status:          OrderStatusCreated,
		RequiredBalance: amt,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// NewLimitOrder builds a limit order for amount of base at price. The balance
// required is price*amount of quote for a BUY and amount of base for a SELL.
func NewLimitOrder(pair Pair, side Side, amount, price string, tif TimeInForce) (*Order, error) {
	amt, err := parsePositive(amount)
	if err != nil {
		return nil, fmt.Errorf("limit order %s %s: amount: %w", side, pair, err)
	}
	px, err := parsePositive(price)
	if err != nil {
		return nil, fmt.Errorf("limit order %s %s: price: %w", side, pair, err)
	}
	required := amt
	if side == SideBuy {
		required = amt * px
	}
	if tif == "" {
		tif = TimeInForceGTC
	}
	return &Order{
		Pair:            pair,
		Side:            side,
		Type:            OrderTypeLimit,
		Amount:          amount,
		Price:           price,
		TimeInForce:     tif,
		Status:          OrderStatusCreated,
		RequiredBalance: required,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func parsePositive(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, ErrInvalidOrder)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%q must be > 0: %w", s, ErrInvalidOrder)
	}
	return v, nil
}
