package domain

import "context"

// SnapshotFetcher retrieves full REST order-book snapshots.
type SnapshotFetcher interface {
	OrderBookSnapshot(ctx context.Context, pair Pair) (BookSnapshot, error)
}

// OrderPlacer submits orders and returns the exchange-assigned order ID.
type OrderPlacer interface {
	SubmitMarketOrder(ctx context.Context, pair Pair, side Side, amount, clientOID string) (string, error)
	SubmitLimitOrder(ctx context.Context, pair Pair, side Side, amount, price string, tif TimeInForce, clientOID string) (string, error)
}

// FeeSource reports taker fee fractions per pair.
type FeeSource interface {
	PairFees(ctx context.Context, pairs []Pair) (map[Pair]float64, error)
}

// SymbolSource lists the pairs an exchange trades, with sizing metadata.
type SymbolSource interface {
	Symbols(ctx context.Context) ([]PairInfo, error)
}
