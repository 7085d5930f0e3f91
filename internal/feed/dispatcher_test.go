package feed

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource chan domain.ExchangeEvent

func (c chanSource) Events() <-chan domain.ExchangeEvent { return c }

type recorder struct {
	mu     sync.Mutex
	events []domain.ExchangeEvent
	resets int
}

func (r *recorder) Dispatch(ev domain.ExchangeEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ResetAll() {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
}

func (r *recorder) snapshot() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events), r.resets
}

type fakeBus struct {
	mu       sync.Mutex
	channels []string
}

func (b *fakeBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	b.channels = append(b.channels, channel)
	b.mu.Unlock()
	return nil
}
func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *fakeBus) StreamAppend(context.Context, string, []byte) error       { return nil }
func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

func TestDispatcher_RoutesByKind(t *testing.T) {
	rec := &recorder{}
	bus := &fakeBus{}
	a, b := make(chanSource, 8), make(chanSource, 8)
	d := NewDispatcher(rec, rec, 8, slog.New(slog.NewTextHandler(io.Discard, nil)), a, b).WithBus(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	pair := domain.Pair{Base: "ETH", Quote: "USDT"}
	a <- domain.BookDelta{Pair: pair, Side: domain.BookBids, Price: "1", Size: "2", Sequence: 7}
	b <- domain.OrderUpdate{OrderID: "o1", Type: domain.OrderUpdateOpen}
	a <- domain.BalanceUpdate{OrderID: "o1", Currency: "ETH", RelationEvent: domain.RelationSettled}
	b <- domain.Reconnected{Time: time.Now()}

	select {
	case got := <-d.Deltas():
		assert.Equal(t, int64(7), got.Sequence)
	case <-time.After(time.Second):
		t.Fatal("no delta forwarded")
	}

	require.Eventually(t, func() bool {
		n, resets := rec.snapshot()
		return n == 2 && resets == 1 && bus.published() == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	counts := d.Counts()
	assert.Equal(t, int64(1), counts["delta"])
	assert.Equal(t, int64(1), counts["order"])
	assert.Equal(t, int64(1), counts["balance"])
	assert.Equal(t, int64(1), counts["reconnect"])
}

func TestDispatcher_StopsWhenSourcesClose(t *testing.T) {
	rec := &recorder{}
	src := make(chanSource)
	d := NewDispatcher(rec, rec, 0, slog.New(slog.NewTextHandler(io.Discard, nil)), src)
	close(src)
	assert.NoError(t, d.Run(context.Background()))
}
