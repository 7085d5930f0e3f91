package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/sequence"
)

// Triangular samples random 3-hop cycles from the exhaustive enumeration
// each round and carries the best tenth of them into the next round.
type Triangular struct {
	universe  *sequence.Universe
	evaluator Evaluator
	rng       *rand.Rand
	sample    int
	keep      float64

	sequences []domain.Sequence
	survivors []domain.Sequence
}

// NewTriangular creates the strategy. sample is how many cycles are drawn per
// round.
func NewTriangular(u *sequence.Universe, ev Evaluator, sample int, rng *rand.Rand) *Triangular {
	if sample <= 0 {
		sample = 200
	}
	return &Triangular{universe: u, evaluator: ev, rng: rng, sample: sample, keep: 0.1}
}

func (t *Triangular) Name() string { return "triangular" }

// Prepare enumerates every triangle through base.
func (t *Triangular) Prepare(base string) error {
	seqs := sequence.EnumerateTriangular(t.universe, base)
	if len(seqs) == 0 {
		return fmt.Errorf("engine: no triangles through %s: %w", base, domain.ErrNoRoute)
	}
	t.sequences = seqs
	t.survivors = nil
	return nil
}

// Sequences returns the enumerated candidates.
func (t *Triangular) Sequences() []domain.Sequence { return t.sequences }

// Step evaluates a random sample plus the previous survivors.
func (t *Triangular) Step(ctx context.Context, _ string) (Result, error) {
	if len(t.sequences) == 0 {
		return Result{}, fmt.Errorf("engine: triangular not prepared: %w", domain.ErrNoRoute)
	}

	seen := make(map[string]bool, t.sample+len(t.survivors))
	pool := make([]domain.Sequence, 0, t.sample+len(t.survivors))
	for _, s := range t.survivors {
		if !seen[s.Key()] {
			seen[s.Key()] = true
			pool = append(pool, s)
		}
	}
	for i := 0; i < t.sample; i++ {
		s := t.sequences[t.rng.Intn(len(t.sequences))]
		if !seen[s.Key()] {
			seen[s.Key()] = true
			pool = append(pool, s)
		}
	}

	type scored struct {
		seq    domain.Sequence
		profit float64
	}
	ranked := make([]scored, 0, len(pool))
	res := Result{Best: -1}
	var firstErr error
	for _, s := range pool {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p, err := t.evaluator.EvaluateAndMaybeExecute(ctx, s)
		res.Evaluated++
		if errors.Is(err, domain.ErrImplausibleProfit) {
			continue
		}
		if err != nil {
			if halts(err) {
				return res, err
			}
			// One failed execution does not end the round.
			if firstErr == nil {
				firstErr = err
			}
			res.Failed++
		}
		ranked = append(ranked, scored{seq: s, profit: p})
		if p > res.Best {
			res.Best, res.Sequence = p, s
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].profit > ranked[j].profit })
	n := int(math.Ceil(float64(len(ranked)) * t.keep))
	t.survivors = t.survivors[:0]
	for _, r := range ranked[:n] {
		t.survivors = append(t.survivors, r.seq)
	}
	if firstErr != nil {
		return res, fmt.Errorf("engine: %d of %d sequences failed: %w", res.Failed, res.Evaluated, firstErr)
	}
	return res, nil
}
