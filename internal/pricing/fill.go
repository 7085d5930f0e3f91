// Package pricing estimates the average price an order of a given size would
// actually receive when it walks an order book.
package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/alanyoungcy/triarb/internal/domain"
)

var (
	// ErrInsufficientDepth means the book cannot absorb the requested volume.
	ErrInsufficientDepth = errors.New("pricing: insufficient depth")
	// ErrNoConvergence means the fixed-point iteration did not settle within
	// the iteration budget.
	ErrNoConvergence = errors.New("pricing: no convergence")
)

const (
	DefaultTolerance     = 0.001
	DefaultMaxIterations = 5
)

// Fill is the solved execution estimate for one order.
type Fill struct {
	Price          float64 // volume-weighted average price
	Volume         float64 // base volume taken from the book
	LevelsConsumed int     // number of best levels touched, partially or fully
	Iterations     int
}

// Solver computes fill prices. The zero value uses the package defaults.
type Solver struct {
	Tolerance     float64
	MaxIterations int
}

// SolveFillPrice runs the default Solver.
func SolveFillPrice(side domain.Side, levels []domain.PriceLevel, owned float64) (Fill, error) {
	return Solver{}.Solve(side, levels, owned)
}

// Solve finds the price P at which spending owned against levels is
// self-consistent: the base volume implied by P is the volume whose VWAP is P.
//
// levels must be the consumed side ordered best-first (asks for a BUY, bids
// for a SELL). For a BUY owned is quote currency; for a SELL it is base.
func (s Solver) Solve(side domain.Side, levels []domain.PriceLevel, owned float64) (Fill, error) {
	tol := s.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	maxIter := s.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	if owned <= 0 || math.IsNaN(owned) || math.IsInf(owned, 0) {
		return Fill{}, fmt.Errorf("pricing: owned amount %v must be positive", owned)
	}
	if len(levels) == 0 || levels[0].Price <= 0 {
		return Fill{}, ErrInsufficientDepth
	}

	price := levels[0].Price
	for iter := 1; iter <= maxIter; iter++ {
		testVolume := volumeFor(side, owned, price)

		vwap, consumed, ok := walk(levels, testVolume)
		if !ok {
			return Fill{}, ErrInsufficientDepth
		}

		realVolume := volumeFor(side, owned, vwap)
		if math.Abs(realVolume-testVolume)/testVolume < tol {
			return Fill{
				Price:          vwap,
				Volume:         realVolume,
				LevelsConsumed: consumed,
				Iterations:     iter,
			}, nil
		}
		price = vwap
	}
	return Fill{}, ErrNoConvergence
}

func volumeFor(side domain.Side, owned, price float64) float64 {
	if side == domain.SideBuy {
		return owned / price
	}
	return owned
}

// walk takes volume from the best levels and returns the prorated VWAP and
// how many levels were touched. ok is false when the book is too thin.
func walk(levels []domain.PriceLevel, volume float64) (vwap float64, consumed int, ok bool) {
	remaining := volume
	notional := 0.0
	for i, l := range levels {
		take := math.Min(l.Size, remaining)
		notional += take * l.Price
		remaining -= take
		if remaining <= volume*1e-12 {
			return notional / volume, i + 1, true
		}
	}
	return 0, 0, false
}

// VWAP returns the volume-weighted average price of taking volume base units
// from levels, and how many levels that touches.
func VWAP(levels []domain.PriceLevel, volume float64) (float64, int, error) {
	if volume <= 0 {
		return 0, 0, fmt.Errorf("pricing: volume %v must be positive", volume)
	}
	vwap, n, ok := walk(levels, volume)
	if !ok {
		return 0, 0, ErrInsufficientDepth
	}
	return vwap, n, nil
}
