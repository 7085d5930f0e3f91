package orderbook

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu    sync.Mutex
	snaps map[domain.Pair]domain.BookSnapshot
	calls atomic.Int32
}

func (f *fakeFetcher) OrderBookSnapshot(_ context.Context, pair domain.Pair) (domain.BookSnapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snaps[pair], nil
}

func (f *fakeFetcher) set(s domain.BookSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[s.Pair] = s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runSync(t *testing.T, s *Synchronizer) chan<- domain.BookDelta {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	deltas := make(chan domain.BookDelta)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, deltas)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return deltas
}

func TestSynchronizer_BuffersThenCalibrates(t *testing.T) {
	f := &fakeFetcher{snaps: map[domain.Pair]domain.BookSnapshot{}}
	f.set(domain.BookSnapshot{
		Pair:     ethUSDT,
		Bids:     []domain.RawLevel{{Price: "100", Size: "1"}},
		Asks:     []domain.RawLevel{{Price: "101", Size: "1"}},
		Sequence: 11,
	})
	s := NewSynchronizer(f, []domain.Pair{ethUSDT}, SyncConfig{SettleDelay: 20 * time.Millisecond}, nil, nil, discardLogger())
	deltas := runSync(t, s)

	// Arrives before the snapshot; 10 and 11 are already reflected in it.
	for _, d := range []domain.BookDelta{
		{Pair: ethUSDT, Side: domain.BookAsks, Price: "102", Size: "4", Sequence: 12},
		{Pair: ethUSDT, Side: domain.BookBids, Price: "100", Size: "9", Sequence: 10},
		{Pair: ethUSDT, Side: domain.BookAsks, Price: "101", Size: "0", Sequence: 13},
	} {
		deltas <- d
	}

	book, ok := s.Book(ethUSDT)
	require.True(t, ok)
	require.Eventually(t, book.Calibrated, time.Second, 5*time.Millisecond)

	asks := book.Levels(domain.BookAsks)
	require.Len(t, asks, 1)
	assert.Equal(t, 102.0, asks[0].Price)
	assert.Equal(t, 1.0, book.Levels(domain.BookBids)[0].Size)
	assert.Equal(t, int64(13), book.LastSequence())

	deltas <- domain.BookDelta{Pair: ethUSDT, Side: domain.BookBids, Price: "100.5", Size: "2", Sequence: 14}
	require.Eventually(t, func() bool { return book.LastSequence() == 14 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 100.5, book.Levels(domain.BookBids)[0].Price)
}

func TestSynchronizer_GapThresholdTriggersResync(t *testing.T) {
	f := &fakeFetcher{snaps: map[domain.Pair]domain.BookSnapshot{}}
	f.set(domain.BookSnapshot{Pair: ethUSDT, Bids: []domain.RawLevel{{Price: "100", Size: "1"}}, Sequence: 5})
	s := NewSynchronizer(f, []domain.Pair{ethUSDT}, SyncConfig{
		SettleDelay:        10 * time.Millisecond,
		ResyncGapThreshold: 3,
	}, nil, nil, discardLogger())
	deltas := runSync(t, s)

	book, _ := s.Book(ethUSDT)
	require.Eventually(t, book.Calibrated, time.Second, 5*time.Millisecond)

	f.set(domain.BookSnapshot{Pair: ethUSDT, Bids: []domain.RawLevel{{Price: "99", Size: "1"}}, Sequence: 50})
	deltas <- domain.BookDelta{Pair: ethUSDT, Side: domain.BookBids, Price: "98", Size: "1", Sequence: 10}

	require.Eventually(t, func() bool {
		return book.Calibrated() && book.LastSequence() == 50
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Zero(t, book.MissingCount())
	assert.Equal(t, 99.0, book.Levels(domain.BookBids)[0].Price)
}

func TestSynchronizer_ResetAllResnapshots(t *testing.T) {
	f := &fakeFetcher{snaps: map[domain.Pair]domain.BookSnapshot{}}
	f.set(domain.BookSnapshot{Pair: ethUSDT, Sequence: 1})
	s := NewSynchronizer(f, []domain.Pair{ethUSDT}, SyncConfig{SettleDelay: 10 * time.Millisecond}, nil, nil, discardLogger())
	runSync(t, s)

	book, _ := s.Book(ethUSDT)
	require.Eventually(t, book.Calibrated, time.Second, 5*time.Millisecond)

	s.ResetAll()
	require.Eventually(t, func() bool { return f.calls.Load() == 2 && book.Calibrated() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.CalibratedCount())
}

// gatedFetcher holds every snapshot request until release is closed.
type gatedFetcher struct {
	snap      domain.BookSnapshot
	requested chan struct{}
	release   chan struct{}
}

func (g *gatedFetcher) OrderBookSnapshot(ctx context.Context, _ domain.Pair) (domain.BookSnapshot, error) {
	select {
	case g.requested <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return g.snap, nil
	case <-ctx.Done():
		return domain.BookSnapshot{}, ctx.Err()
	}
}

func TestSynchronizer_DeltasDuringSnapshotFetchAreReplayed(t *testing.T) {
	g := &gatedFetcher{
		snap: domain.BookSnapshot{
			Pair:     ethUSDT,
			Bids:     []domain.RawLevel{{Price: "100", Size: "1"}},
			Asks:     []domain.RawLevel{{Price: "101", Size: "1"}},
			Sequence: 20,
		},
		requested: make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	s := NewSynchronizer(g, []domain.Pair{ethUSDT}, SyncConfig{SettleDelay: 10 * time.Millisecond}, nil, nil, discardLogger())
	deltas := runSync(t, s)

	select {
	case <-g.requested:
	case <-time.After(time.Second):
		t.Fatal("snapshot was never requested")
	}

	// Interleaved sides, out of order, straddling the snapshot sequence.
	for _, d := range []domain.BookDelta{
		{Pair: ethUSDT, Side: domain.BookAsks, Price: "101", Size: "0", Sequence: 22},
		{Pair: ethUSDT, Side: domain.BookBids, Price: "100", Size: "7", Sequence: 19},
		{Pair: ethUSDT, Side: domain.BookBids, Price: "100.5", Size: "2", Sequence: 21},
		{Pair: ethUSDT, Side: domain.BookAsks, Price: "102", Size: "3", Sequence: 23},
	} {
		deltas <- d
	}
	book, _ := s.Book(ethUSDT)
	assert.False(t, book.Calibrated())
	close(g.release)

	require.Eventually(t, book.Calibrated, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(23), book.LastSequence())
	assert.Zero(t, book.MissingCount())

	bids := book.Levels(domain.BookBids)
	require.Len(t, bids, 2)
	assert.Equal(t, 100.5, bids[0].Price)
	assert.Equal(t, 1.0, bids[1].Size)
	asks := book.Levels(domain.BookAsks)
	require.Len(t, asks, 1)
	assert.Equal(t, 102.0, asks[0].Price)
}
