// Package service holds cross-cutting guards that sit between the evaluator
// and the sequence executor.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// RiskConfig holds the tunable parameters for pre-trade risk checks. A zero
// limit disables its check.
type RiskConfig struct {
	// MaxStartAmount is the largest amount of Currency committed to one
	// sequence. Sequences starting in another currency are not checked.
	Currency       string
	MaxStartAmount float64
	// MaxDrawdown trips the kill switch once realized P/L, as a fraction of
	// the starting balance, falls below -MaxDrawdown.
	MaxDrawdown float64
}

// Executor runs a profitable sequence.
type Executor interface {
	Execute(ctx context.Context, seq domain.Sequence, startAmount, expected float64) (domain.SequenceExecution, error)
}

// ProfitSource reports realized P/L as a fraction of the starting balance.
type ProfitSource interface {
	PL() float64
}

// RiskGuard checks every sequence against the configured limits before
// handing it to the wrapped executor.
type RiskGuard struct {
	next   Executor
	pl     ProfitSource
	cfg    RiskConfig
	logger *slog.Logger

	mu      sync.Mutex
	tripped bool
	onTrip  func(pl float64)
}

// NewRiskGuard creates a RiskGuard in front of next.
func NewRiskGuard(next Executor, pl ProfitSource, cfg RiskConfig, logger *slog.Logger) *RiskGuard {
	return &RiskGuard{
		next:   next,
		pl:     pl,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "risk")),
	}
}

// OnTrip registers a callback invoked once when the kill switch trips.
func (g *RiskGuard) OnTrip(fn func(pl float64)) *RiskGuard {
	g.onTrip = fn
	return g
}

// Tripped reports whether the kill switch has tripped.
func (g *RiskGuard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// PreTradeCheck validates a sequence against the limits. It returns a non-nil
// error describing the first failed check. The evaluator already sizes
// sequences within MaxStartAmount, so the start check only catches callers
// that bypass it.
func (g *RiskGuard) PreTradeCheck(ctx context.Context, seq domain.Sequence, startAmount float64) error {
	if err := g.checkDrawdown(ctx); err != nil {
		return err
	}
	if g.cfg.MaxStartAmount > 0 && seq.Start() == g.cfg.Currency && startAmount > g.cfg.MaxStartAmount {
		g.logger.WarnContext(ctx, "start amount exceeds limit",
			slog.String("sequence", seq.Key()),
			slog.Float64("amount", startAmount),
			slog.Float64("max", g.cfg.MaxStartAmount),
		)
		return fmt.Errorf("risk: start amount %.8g exceeds max %.8g: %w",
			startAmount, g.cfg.MaxStartAmount, domain.ErrRiskLimit)
	}
	return nil
}

func (g *RiskGuard) checkDrawdown(ctx context.Context) error {
	g.mu.Lock()
	if g.tripped {
		g.mu.Unlock()
		return fmt.Errorf("risk: %w", domain.ErrKillSwitch)
	}
	if g.cfg.MaxDrawdown <= 0 || g.pl == nil {
		g.mu.Unlock()
		return nil
	}
	pl := g.pl.PL()
	if pl >= -g.cfg.MaxDrawdown {
		g.mu.Unlock()
		return nil
	}
	g.tripped = true
	onTrip := g.onTrip
	g.mu.Unlock()

	g.logger.ErrorContext(ctx, "drawdown limit reached, kill switch tripped",
		slog.Float64("pl", pl),
		slog.Float64("max_drawdown", g.cfg.MaxDrawdown),
	)
	if onTrip != nil {
		onTrip(pl)
	}
	return fmt.Errorf("risk: drawdown %.4f beyond %.4f: %w", -pl, g.cfg.MaxDrawdown, domain.ErrKillSwitch)
}

// Execute runs the checks and delegates to the wrapped executor.
func (g *RiskGuard) Execute(ctx context.Context, seq domain.Sequence, startAmount, expected float64) (domain.SequenceExecution, error) {
	if err := g.PreTradeCheck(ctx, seq, startAmount); err != nil {
		return domain.SequenceExecution{}, err
	}
	exec, err := g.next.Execute(ctx, seq, startAmount, expected)
	if err != nil {
		return exec, err
	}
	// A loss on this execution may already cross the limit.
	if derr := g.checkDrawdown(ctx); derr != nil {
		return exec, derr
	}
	return exec, nil
}
