package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/domain"
)

type countingExecutor struct {
	calls  int
	onCall func()
}

func (c *countingExecutor) Execute(_ context.Context, seq domain.Sequence, startAmount, _ float64) (domain.SequenceExecution, error) {
	c.calls++
	if c.onCall != nil {
		c.onCall()
	}
	return domain.SequenceExecution{Sequence: seq.Key(), StartAmount: startAmount}, nil
}

type fixedPL struct{ pl float64 }

func (f *fixedPL) PL() float64 { return f.pl }

func triangle() domain.Sequence {
	return domain.Sequence{
		domain.HopFrom("USDT", domain.Pair{Base: "BTC", Quote: "USDT"}),
		domain.HopFrom("BTC", domain.Pair{Base: "ETH", Quote: "BTC"}),
		domain.HopFrom("ETH", domain.Pair{Base: "ETH", Quote: "USDT"}),
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRiskGuard_PassesWithinLimits(t *testing.T) {
	next := &countingExecutor{}
	g := NewRiskGuard(next, &fixedPL{}, RiskConfig{Currency: "USDT", MaxStartAmount: 100, MaxDrawdown: 0.05}, discard())

	exec, err := g.Execute(context.Background(), triangle(), 50, 0.01)
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, 50.0, exec.StartAmount)
}

func TestRiskGuard_RejectsOversizedStart(t *testing.T) {
	next := &countingExecutor{}
	g := NewRiskGuard(next, &fixedPL{}, RiskConfig{Currency: "USDT", MaxStartAmount: 100}, discard())

	_, err := g.Execute(context.Background(), triangle(), 150, 0.01)
	require.ErrorIs(t, err, domain.ErrRiskLimit)
	assert.Zero(t, next.calls)
	assert.False(t, g.Tripped())

	// The cap is denominated in USDT only.
	g = NewRiskGuard(next, &fixedPL{}, RiskConfig{Currency: "BTC", MaxStartAmount: 100}, discard())
	_, err = g.Execute(context.Background(), triangle(), 150, 0.01)
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
}

func TestRiskGuard_KillSwitchTripsOnce(t *testing.T) {
	pl := &fixedPL{pl: -0.06}
	next := &countingExecutor{}
	var trips []float64
	g := NewRiskGuard(next, pl, RiskConfig{MaxDrawdown: 0.05}, discard()).
		OnTrip(func(v float64) { trips = append(trips, v) })

	_, err := g.Execute(context.Background(), triangle(), 10, 0.01)
	require.ErrorIs(t, err, domain.ErrKillSwitch)
	assert.True(t, g.Tripped())

	// Stays tripped after P/L recovers.
	pl.pl = 0
	_, err = g.Execute(context.Background(), triangle(), 10, 0.01)
	require.ErrorIs(t, err, domain.ErrKillSwitch)

	assert.Zero(t, next.calls)
	assert.Equal(t, []float64{-0.06}, trips)
}

func TestRiskGuard_TripsAfterLosingExecution(t *testing.T) {
	pl := &fixedPL{}
	next := &countingExecutor{onCall: func() { pl.pl = -0.1 }}
	g := NewRiskGuard(next, pl, RiskConfig{MaxDrawdown: 0.05}, discard())

	exec, err := g.Execute(context.Background(), triangle(), 10, 0.01)
	require.ErrorIs(t, err, domain.ErrKillSwitch)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, triangle().Key(), exec.Sequence)
}

func TestRiskGuard_ZeroLimitsDisableChecks(t *testing.T) {
	next := &countingExecutor{}
	g := NewRiskGuard(next, &fixedPL{pl: -0.9}, RiskConfig{}, discard())

	_, err := g.Execute(context.Background(), triangle(), 1e9, 0.01)
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
}
