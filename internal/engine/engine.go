// Package engine runs the search loop that feeds candidate sequences to the
// evaluator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// Config configures the engine loop.
type Config struct {
	Strategy  string
	Base      string
	LoopDelay time.Duration
}

// Status is a point-in-time view of the engine for status APIs.
type Status struct {
	Strategy     string    `json:"strategy"`
	Base         string    `json:"base"`
	Running      bool      `json:"running"`
	Rounds       int64     `json:"rounds"`
	Evaluated    int64     `json:"evaluated"`
	LastBest     float64   `json:"last_best"`
	LastSequence string    `json:"last_sequence,omitempty"`
	LastRoundAt  time.Time `json:"last_round_at"`
	BaseSwitches int64     `json:"base_switches"`
}

// Engine repeatedly asks the active strategy for a search round and follows
// base-currency switches reported by the executor.
type Engine struct {
	registry *Registry
	active   Strategy
	delay    time.Duration
	switches <-chan string
	onSwitch func(base string)
	logger   *slog.Logger

	mu     sync.Mutex
	base   string
	status Status
}

// New creates an Engine running the strategy named in cfg.
func New(registry *Registry, cfg Config, logger *slog.Logger) (*Engine, error) {
	s, err := registry.Get(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	if cfg.Base == "" {
		return nil, fmt.Errorf("engine: base currency required: %w", domain.ErrInvalidOrder)
	}
	if cfg.LoopDelay <= 0 {
		cfg.LoopDelay = 100 * time.Millisecond
	}
	return &Engine{
		registry: registry,
		active:   s,
		delay:    cfg.LoopDelay,
		base:     cfg.Base,
		logger:   logger.With(slog.String("component", "engine")),
		status:   Status{Strategy: s.Name(), Base: cfg.Base},
	}, nil
}

// WithBaseSwitches makes the engine adopt currencies received on ch as its
// new base. fn, if non-nil, is called after each switch.
func (e *Engine) WithBaseSwitches(ch <-chan string, fn func(base string)) *Engine {
	e.switches = ch
	e.onSwitch = fn
	return e
}

// Base returns the current base currency.
func (e *Engine) Base() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.base
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// ListNames returns the registered strategy names.
func (e *Engine) ListNames() []string { return e.registry.List() }

// SetBase switches the base currency and re-prepares the active strategy.
// The previous base is kept when the strategy cannot run from the new one.
func (e *Engine) SetBase(base string) error {
	if err := e.active.Prepare(base); err != nil {
		if perr := e.active.Prepare(e.Base()); perr != nil {
			return errors.Join(err, perr)
		}
		return err
	}
	e.mu.Lock()
	e.base = base
	e.status.Base = base
	e.status.BaseSwitches++
	e.mu.Unlock()
	if e.onSwitch != nil {
		e.onSwitch(base)
	}
	return nil
}

// RunEvolutionaryStep runs one genetic search round from the current base and
// returns the best expected profit found with its sequence.
func (e *Engine) RunEvolutionaryStep(ctx context.Context) (float64, domain.Sequence, error) {
	s, err := e.registry.Get("genetic")
	if err != nil {
		return 0, nil, err
	}
	res, err := s.Step(ctx, e.Base())
	return res.Best, res.Sequence, err
}

// Run loops until ctx is cancelled or an invariant is violated.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.active.Prepare(e.Base()); err != nil {
		return err
	}
	e.setRunning(true)
	defer e.setRunning(false)

	e.logger.InfoContext(ctx, "engine started",
		slog.String("strategy", e.active.Name()),
		slog.String("base", e.Base()),
	)
	defer e.logger.Info("engine stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case base := <-e.switches:
			e.switchBase(ctx, base)
			continue
		case <-timer.C:
		}

		res, err := e.active.Step(ctx, e.Base())
		e.record(res)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case errors.Is(err, domain.ErrInvariant):
			e.logger.ErrorContext(ctx, "invariant violated, halting", slog.String("error", err.Error()))
			return fmt.Errorf("engine: %w", err)
		case errors.Is(err, domain.ErrKillSwitch):
			e.logger.ErrorContext(ctx, "kill switch tripped, halting", slog.String("error", err.Error()))
			return fmt.Errorf("engine: %w", err)
		default:
			e.logger.WarnContext(ctx, "search round failed", slog.String("error", err.Error()))
		}
		timer.Reset(e.delay)
	}
}

func (e *Engine) switchBase(ctx context.Context, base string) {
	if base == "" || base == e.Base() {
		return
	}
	if err := e.SetBase(base); err != nil {
		e.logger.WarnContext(ctx, "base switch rejected",
			slog.String("base", base),
			slog.String("error", err.Error()),
		)
		return
	}
	e.logger.InfoContext(ctx, "base currency switched", slog.String("base", base))
}

func (e *Engine) record(res Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Rounds++
	e.status.Evaluated += int64(res.Evaluated)
	e.status.LastBest = res.Best
	e.status.LastSequence = ""
	if len(res.Sequence) > 0 {
		e.status.LastSequence = res.Sequence.Key()
	}
	e.status.LastRoundAt = time.Now().UTC()
}

func (e *Engine) setRunning(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Running = v
}
