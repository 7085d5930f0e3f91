package domain

import "time"

// BookSide selects one side of an order book.
type BookSide string

const (
	BookBids BookSide = "bids"
	BookAsks BookSide = "asks"
)

// ConsumedSide returns the book side a hop takes liquidity from: a BUY lifts
// asks, a SELL hits bids.
func ConsumedSide(side Side) BookSide {
	if side == SideBuy {
		return BookAsks
	}
	return BookBids
}

// PriceLevel is a single price+size entry in an order book.
type PriceLevel struct {
	Price float64
	Size  float64
}

// RawLevel is a level exactly as received from the exchange.
type RawLevel struct {
	Price string
	Size  string
}

// BookSnapshot is a full REST snapshot of a pair's book.
type BookSnapshot struct {
	Pair     Pair
	Bids     []RawLevel
	Asks     []RawLevel
	Sequence int64
	Time     time.Time
}

// BookView is a point-in-time numeric copy of a book, used by the HTTP API
// and the Redis mirror.
type BookView struct {
	Pair         Pair
	Bids         []PriceLevel
	Asks         []PriceLevel
	BestBid      float64
	BestAsk      float64
	Sequence     int64
	MissingCount int
	Calibrated   bool
	Timestamp    time.Time
}
