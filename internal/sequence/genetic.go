package sequence

import (
	"math"
	"math/rand"
	"sort"

	"github.com/alanyoungcy/triarb/internal/domain"
)

const maxWalkAttempts = 64

// EvolverConfig tunes the genetic search.
type EvolverConfig struct {
	SetSize        int     // initial population size
	MinHops        int     // shortest generated cycle
	MaxHops        int     // longest generated cycle
	MutationRate   float64 // probability a child is mutated
	MaxGenerations int
}

// DefaultEvolverConfig returns the settings the engine runs with unless
// configured otherwise.
func DefaultEvolverConfig() EvolverConfig {
	return EvolverConfig{
		SetSize:        200,
		MinHops:        3,
		MaxHops:        5,
		MutationRate:   0.05,
		MaxGenerations: 20,
	}
}

// Fitness scores a sequence; higher is better. Unpriceable sequences should
// score negative.
type Fitness func(domain.Sequence) float64

// Evolver searches for profitable cycles by selection, recombination and
// mutation. It is not safe for concurrent use.
type Evolver struct {
	u   *Universe
	cfg EvolverConfig
	rng *rand.Rand
}

// NewEvolver returns an Evolver drawing randomness from rng.
func NewEvolver(u *Universe, cfg EvolverConfig, rng *rand.Rand) *Evolver {
	def := DefaultEvolverConfig()
	if cfg.SetSize <= 0 {
		cfg.SetSize = def.SetSize
	}
	if cfg.MinHops < 3 {
		cfg.MinHops = def.MinHops
	}
	if cfg.MaxHops < cfg.MinHops {
		cfg.MaxHops = cfg.MinHops
	}
	if cfg.MutationRate < 0 || cfg.MutationRate > 1 {
		cfg.MutationRate = def.MutationRate
	}
	if cfg.MaxGenerations <= 0 {
		cfg.MaxGenerations = def.MaxGenerations
	}
	return &Evolver{u: u, cfg: cfg, rng: rng}
}

// RandomCycle returns a random legal cycle of exactly hops hops from start.
func (e *Evolver) RandomCycle(start string, hops int) (domain.Sequence, bool) {
	return e.randomPath(start, start, hops, domain.Pair{})
}

// randomPath walks from `from` to `to` in exactly hops hops. It never trades
// the same pair twice in a row and does not reach `to` before the final hop.
func (e *Evolver) randomPath(from, to string, hops int, prev domain.Pair) (domain.Sequence, bool) {
	if hops < 1 {
		return nil, false
	}
attempts:
	for attempt := 0; attempt < maxWalkAttempts; attempt++ {
		cur, last := from, prev
		path := make(domain.Sequence, 0, hops)
		for i := 0; i < hops-1; i++ {
			var cands []domain.Pair
			for _, p := range e.u.PairsWith(cur) {
				if p != last && p.Other(cur) != to {
					cands = append(cands, p)
				}
			}
			if len(cands) == 0 {
				continue attempts
			}
			p := cands[e.rng.Intn(len(cands))]
			path = append(path, domain.HopFrom(cur, p))
			cur, last = p.Other(cur), p
		}
		closing, ok := e.u.Between(cur, to)
		if !ok || closing == last {
			continue
		}
		path = append(path, domain.HopFrom(cur, closing))
		return path, true
	}
	return nil, false
}

// Population draws SetSize random cycles from start with lengths spread over
// [MinHops, MaxHops].
func (e *Evolver) Population(start string) []domain.Sequence {
	pop := make([]domain.Sequence, 0, e.cfg.SetSize)
	misses := 0
	for len(pop) < e.cfg.SetSize && misses < e.cfg.SetSize {
		hops := e.cfg.MinHops + e.rng.Intn(e.cfg.MaxHops-e.cfg.MinHops+1)
		seq, ok := e.RandomCycle(start, hops)
		if !ok || backtracks(seq) {
			misses++
			continue
		}
		pop = append(pop, seq)
	}
	return pop
}

// Recombine splices two parents at the first position where both own the
// same currency. ok is false when the parents share no such position.
func (e *Evolver) Recombine(a, b domain.Sequence) (domain.Sequence, domain.Sequence, bool) {
	n := min(len(a), len(b))
	var cut []int
	for i := 1; i < n; i++ {
		if a[i].Spends() == b[i].Spends() {
			cut = append(cut, i)
		}
	}
	if len(cut) == 0 {
		return nil, nil, false
	}
	i := cut[e.rng.Intn(len(cut))]

	c1 := append(append(domain.Sequence{}, a[:i]...), b[i:]...)
	c2 := append(append(domain.Sequence{}, b[:i]...), a[i:]...)
	return c1, c2, true
}

// Mutate truncates seq at a random interior hop and regenerates the tail back
// to the start currency, preserving the length. The original is returned
// unchanged when no tail can be generated.
func (e *Evolver) Mutate(seq domain.Sequence) domain.Sequence {
	if len(seq) < 2 {
		return seq
	}
	i := 1 + e.rng.Intn(len(seq)-1)
	tail, ok := e.randomPath(seq[i-1].Acquires(), seq.Start(), len(seq)-i, seq[i-1].Pair)
	if !ok {
		return seq
	}
	out := append(append(domain.Sequence{}, seq[:i]...), tail...)
	if !IsLegal(out) || backtracks(out) {
		return seq
	}
	return out
}

type scored struct {
	seq   domain.Sequence
	score float64
}

// Run evolves a population from start and returns the best score seen and its
// sequence. Every generation keeps the above-median sequences, recombines
// them, mutates the children with MutationRate and carries the generation's
// best forward. The loop stops after MaxGenerations or when fewer than two
// survivors remain.
func (e *Evolver) Run(start string, fitness Fitness) (float64, domain.Sequence) {
	pop := e.Population(start)
	best := scored{score: math.Inf(-1)}

	for gen := 0; gen < e.cfg.MaxGenerations && len(pop) > 0; gen++ {
		ranked := make([]scored, len(pop))
		for i, s := range pop {
			ranked[i] = scored{seq: s, score: fitness(s)}
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
		if ranked[0].score > best.score {
			best = ranked[0]
		}

		median := ranked[len(ranked)/2].score
		var survivors []domain.Sequence
		for _, r := range ranked {
			if r.score > median {
				survivors = append(survivors, r.seq)
			}
		}
		if len(survivors) < 2 {
			break
		}

		e.rng.Shuffle(len(survivors), func(i, j int) { survivors[i], survivors[j] = survivors[j], survivors[i] })
		var next []domain.Sequence
		for i := 0; i+1 < len(survivors); i += 2 {
			c1, c2, ok := e.Recombine(survivors[i], survivors[i+1])
			if !ok {
				continue
			}
			for _, c := range []domain.Sequence{c1, c2} {
				if e.rng.Float64() < e.cfg.MutationRate {
					c = e.Mutate(c)
				}
				if IsLegal(c) && !backtracks(c) {
					next = append(next, c)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		pop = append(next, ranked[0].seq)
	}
	return best.score, best.seq
}
