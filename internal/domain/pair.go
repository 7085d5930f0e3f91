package domain

import (
	"fmt"
	"strings"
)

// Pair is a tradeable currency pair. Base is the asset being bought or sold,
// Quote is the asset prices are denominated in. Pair is comparable and is used
// directly as a map key.
type Pair struct {
	Base  string
	Quote string
}

// String renders the pair in exchange symbol form, e.g. "ETH-USDT".
func (p Pair) String() string {
	return p.Base + "-" + p.Quote
}

// Has reports whether currency is one of the pair's two legs.
func (p Pair) Has(currency string) bool {
	return p.Base == currency || p.Quote == currency
}

// Other returns the leg of the pair that is not currency. It returns "" when
// currency is not part of the pair.
func (p Pair) Other(currency string) string {
	switch currency {
	case p.Base:
		return p.Quote
	case p.Quote:
		return p.Base
	}
	return ""
}

// ParsePair parses a "BASE-QUOTE" symbol.
func ParsePair(symbol string) (Pair, error) {
	base, quote, ok := strings.Cut(symbol, "-")
	if !ok || base == "" || quote == "" {
		return Pair{}, fmt.Errorf("parse pair %q: expected BASE-QUOTE", symbol)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// PairInfo carries the exchange metadata needed to price and size orders on a
// pair. Increments are decimal strings exactly as the exchange publishes them.
type PairInfo struct {
	Pair           Pair
	Fee            float64 // taker fee fraction, e.g. 0.001
	BaseIncrement  string
	QuoteIncrement string
	PriceIncrement string
	MinFunds       string
	Enabled        bool
}

// Validate checks that the pair metadata is usable for order sizing.
func (pi PairInfo) Validate() error {
	if pi.Pair.Base == "" || pi.Pair.Quote == "" {
		return fmt.Errorf("pair info: empty leg in %q: %w", pi.Pair, ErrInvalidOrder)
	}
	if pi.Pair.Base == pi.Pair.Quote {
		return fmt.Errorf("pair info: base equals quote in %q: %w", pi.Pair, ErrInvalidOrder)
	}
	if pi.Fee < 0 || pi.Fee >= 1 {
		return fmt.Errorf("pair info: fee %v out of range for %s: %w", pi.Fee, pi.Pair, ErrInvalidOrder)
	}
	if pi.BaseIncrement == "" || pi.QuoteIncrement == "" || pi.PriceIncrement == "" {
		return fmt.Errorf("pair info: missing increment for %s: %w", pi.Pair, ErrInvalidOrder)
	}
	return nil
}
