// Package sequence generates closed trade cycles over a pair graph.
package sequence

import (
	"sort"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// Universe is an immutable adjacency index over tradeable pairs.
type Universe struct {
	pairs      []domain.Pair
	byCurrency map[string][]domain.Pair
	byLegs     map[[2]string]domain.Pair
}

// NewUniverse indexes pairs. Order of pairs is preserved for deterministic
// iteration.
func NewUniverse(pairs []domain.Pair) *Universe {
	u := &Universe{
		pairs:      append([]domain.Pair(nil), pairs...),
		byCurrency: make(map[string][]domain.Pair),
		byLegs:     make(map[[2]string]domain.Pair, len(pairs)),
	}
	for _, p := range u.pairs {
		u.byCurrency[p.Base] = append(u.byCurrency[p.Base], p)
		u.byCurrency[p.Quote] = append(u.byCurrency[p.Quote], p)
		u.byLegs[legs(p.Base, p.Quote)] = p
	}
	return u
}

func legs(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Pairs returns every pair in the universe.
func (u *Universe) Pairs() []domain.Pair { return u.pairs }

// PairsWith returns the pairs that trade currency.
func (u *Universe) PairsWith(currency string) []domain.Pair { return u.byCurrency[currency] }

// Between returns the pair trading a against b, if listed.
func (u *Universe) Between(a, b string) (domain.Pair, bool) {
	p, ok := u.byLegs[legs(a, b)]
	return p, ok
}

// Currencies returns every currency in the universe, sorted.
func (u *Universe) Currencies() []string {
	out := make([]string, 0, len(u.byCurrency))
	for c := range u.byCurrency {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// RemoveSingleSwappable drops pairs with a currency that appears in only one
// pair. Such a currency can be entered but never left, so no cycle passes
// through it. Removal repeats until no such currency remains.
func RemoveSingleSwappable(pairs []domain.Pair) []domain.Pair {
	out := append([]domain.Pair(nil), pairs...)
	for {
		count := make(map[string]int)
		for _, p := range out {
			count[p.Base]++
			count[p.Quote]++
		}
		kept := out[:0]
		for _, p := range out {
			if count[p.Base] > 1 && count[p.Quote] > 1 {
				kept = append(kept, p)
			}
		}
		if len(kept) == len(out) {
			return kept
		}
		out = kept
	}
}

// IsLegal reports whether seq is a continuous closed cycle: every hop spends
// the currency the previous hop acquired, and the last hop acquires the
// currency the first hop spends.
func IsLegal(seq domain.Sequence) bool {
	if len(seq) == 0 {
		return false
	}
	for i := 1; i < len(seq); i++ {
		if seq[i].Spends() != seq[i-1].Acquires() {
			return false
		}
	}
	return seq[len(seq)-1].Acquires() == seq[0].Spends()
}

// backtracks reports whether two consecutive hops trade the same pair, which
// is a legal but pointless round trip.
func backtracks(seq domain.Sequence) bool {
	for i := 1; i < len(seq); i++ {
		if seq[i].Pair == seq[i-1].Pair {
			return true
		}
	}
	return len(seq) > 1 && seq[0].Pair == seq[len(seq)-1].Pair
}
