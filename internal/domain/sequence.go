package domain

import "strings"

// Side is the direction of a trade on a pair.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Hop is one trade in a sequence: buy or sell a pair. A BUY spends the quote
// currency and acquires the base; a SELL spends the base and acquires the
// quote. Hop is comparable so it can key the recently-attempted set.
type Hop struct {
	Side Side
	Pair Pair
}

// Spends returns the currency this hop consumes.
func (h Hop) Spends() string {
	if h.Side == SideBuy {
		return h.Pair.Quote
	}
	return h.Pair.Base
}

// Acquires returns the currency this hop produces.
func (h Hop) Acquires() string {
	if h.Side == SideBuy {
		return h.Pair.Base
	}
	return h.Pair.Quote
}

func (h Hop) String() string {
	return string(h.Side) + ":" + h.Pair.String()
}

// HopFrom returns the hop that converts owned into the other leg of pair.
func HopFrom(owned string, pair Pair) Hop {
	if pair.Quote == owned {
		return Hop{Side: SideBuy, Pair: pair}
	}
	return Hop{Side: SideSell, Pair: pair}
}

// Sequence is an ordered cycle of hops that starts and ends in the same
// currency.
type Sequence []Hop

// Start returns the currency owned before the first hop.
func (s Sequence) Start() string {
	if len(s) == 0 {
		return ""
	}
	return s[0].Spends()
}

// Key renders the sequence as a stable string, e.g.
// "buy:ETH-USDT>sell:ETH-BTC>sell:BTC-USDT".
func (s Sequence) Key() string {
	parts := make([]string, len(s))
	for i, h := range s {
		parts[i] = h.String()
	}
	return strings.Join(parts, ">")
}

// Clone returns an independent copy of the sequence.
func (s Sequence) Clone() Sequence {
	out := make(Sequence, len(s))
	copy(out, s)
	return out
}
