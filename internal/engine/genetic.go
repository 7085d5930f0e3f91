package engine

import (
	"context"

	"github.com/alanyoungcy/triarb/internal/sequence"
)

// Genetic evolves a population of 3 to 5 hop cycles with side-effect free
// quotes and then evaluates the winner for execution.
type Genetic struct {
	evolver   *sequence.Evolver
	evaluator Evaluator
}

// NewGenetic creates the strategy.
func NewGenetic(ev *sequence.Evolver, evaluator Evaluator) *Genetic {
	return &Genetic{evolver: ev, evaluator: evaluator}
}

func (g *Genetic) Name() string { return "genetic" }

func (g *Genetic) Prepare(string) error { return nil }

// Step runs one evolutionary search from base.
func (g *Genetic) Step(ctx context.Context, base string) (Result, error) {
	best, seq := g.evolver.Run(base, g.evaluator.Fitness)
	res := Result{Best: best, Sequence: seq}
	if len(seq) == 0 || !sequence.IsLegal(seq) {
		return Result{Best: -1}, nil
	}
	p, err := g.evaluator.EvaluateAndMaybeExecute(ctx, seq)
	res.Evaluated = 1
	res.Best = p
	return res, err
}
