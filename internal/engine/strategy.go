package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// Evaluator prices and possibly executes sequences.
type Evaluator interface {
	EvaluateAndMaybeExecute(ctx context.Context, seq domain.Sequence) (float64, error)
	Fitness(seq domain.Sequence) float64
}

// Strategy generates candidate sequences for one search round.
type Strategy interface {
	Name() string
	// Prepare is called before the first round and whenever the base
	// currency changes.
	Prepare(base string) error
	Step(ctx context.Context, base string) (Result, error)
}

// Result summarizes one search round.
type Result struct {
	Evaluated int
	// Failed counts sequences whose execution returned an error.
	Failed   int
	Best     float64
	Sequence domain.Sequence
}

// halts reports whether err must stop the search rather than the single
// sequence it came from.
func halts(err error) bool {
	return errors.Is(err, domain.ErrInvariant) ||
		errors.Is(err, domain.ErrKillSwitch) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Registry manages the named search strategies. It is safe for concurrent use.
type Registry struct {
	strategies map[string]Strategy
	mu         sync.RWMutex
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds s under its name, replacing any previous one.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("engine: strategy %q: %w", name, domain.ErrNotFound)
	}
	return s, nil
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
