package sequence

import "github.com/alanyoungcy/triarb/internal/domain"

// EnumerateTriangular returns every 3-hop cycle start→B→C→start in u.
func EnumerateTriangular(u *Universe, start string) []domain.Sequence {
	var out []domain.Sequence
	for _, p1 := range u.PairsWith(start) {
		b := p1.Other(start)
		for _, p2 := range u.PairsWith(b) {
			if p2 == p1 || p2.Has(start) {
				continue
			}
			c := p2.Other(b)
			p3, ok := u.Between(c, start)
			if !ok {
				continue
			}
			out = append(out, domain.Sequence{
				domain.HopFrom(start, p1),
				domain.HopFrom(b, p2),
				domain.HopFrom(c, p3),
			})
		}
	}
	return out
}
