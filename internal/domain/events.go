package domain

import "time"

// ExchangeEvent is any message produced by an exchange connection. The
// concrete types are BookDelta, OrderUpdate, BalanceUpdate and Reconnected.
type ExchangeEvent interface {
	exchangeEvent()
}

// BookDelta is an incremental level update. Size "0" removes the level.
type BookDelta struct {
	Pair     Pair
	Side     BookSide
	Price    string
	Size     string
	Sequence int64
}

// OrderUpdateType is the exchange's order lifecycle notification kind.
type OrderUpdateType string

const (
	OrderUpdateOpen     OrderUpdateType = "open"
	OrderUpdateMatch    OrderUpdateType = "match"
	OrderUpdateFilled   OrderUpdateType = "filled"
	OrderUpdateCanceled OrderUpdateType = "canceled"
	OrderUpdateUpdate   OrderUpdateType = "update"
)

// OrderUpdate reports a status change of one order.
type OrderUpdate struct {
	OrderID    string
	Pair       Pair
	Type       OrderUpdateType
	FilledSize float64
	Time       time.Time
}

// RelationSettled marks the balance change that settles a trade.
const RelationSettled = "trade.setted"

// BalanceUpdate reports a change of one currency's balance caused by an order.
type BalanceUpdate struct {
	OrderID         string
	Currency        string
	Available       float64
	AvailableChange float64
	RelationEvent   string
	Time            time.Time
}

// Reconnected is emitted after a connection was re-established; every book
// fed by that connection must be resynchronized.
type Reconnected struct {
	Time time.Time
}

func (BookDelta) exchangeEvent()     {}
func (OrderUpdate) exchangeEvent()   {}
func (BalanceUpdate) exchangeEvent() {}
func (Reconnected) exchangeEvent()   {}
