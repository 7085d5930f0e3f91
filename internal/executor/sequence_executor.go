package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/ledger"
	"github.com/alanyoungcy/triarb/internal/orderbook"
	"github.com/alanyoungcy/triarb/internal/pricing"
	"github.com/google/uuid"
)

const (
	executionLockKey = "triarb:execute"
	// ExecutionChannel is the pub/sub channel and stream completed executions
	// are published on.
	ExecutionChannel = "triarb:executions"
)

// BookSource looks up local order books.
type BookSource interface {
	Book(pair domain.Pair) (*orderbook.Book, bool)
}

// RouteSource finds the direct pair between two currencies.
type RouteSource interface {
	Between(a, b string) (domain.Pair, bool)
}

// HopMemory remembers hops that should not be retried for a while.
type HopMemory interface {
	Remember(h domain.Hop)
}

// Notifier is the subset of notify.Notifier the executor uses.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// SequenceExecutorConfig configures recovery behavior.
type SequenceExecutorConfig struct {
	// Majors are currencies worth holding: a sequence stuck in one of them
	// switches the engine base instead of converting back home.
	Majors  []string
	LockTTL time.Duration
}

// SequenceExecutor trades a sequence hop by hop through the session and
// recovers from a failed hop.
type SequenceExecutor struct {
	session *ledger.Session
	factory *OrderFactory
	books   BookSource
	routes  RouteSource
	memory  HopMemory
	solver  pricing.Solver
	majors  map[string]bool
	lockTTL time.Duration
	baseCh  chan string

	locks    domain.LockManager
	store    domain.ExecutionStore
	bus      domain.SignalBus
	notifier Notifier
	logger   *slog.Logger
}

// NewSequenceExecutor wires a SequenceExecutor. Optional collaborators are
// attached with the With* methods.
func NewSequenceExecutor(session *ledger.Session, factory *OrderFactory, books BookSource, routes RouteSource, memory HopMemory, cfg SequenceExecutorConfig, logger *slog.Logger) *SequenceExecutor {
	majors := make(map[string]bool, len(cfg.Majors))
	for _, m := range cfg.Majors {
		majors[m] = true
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	return &SequenceExecutor{
		session: session,
		factory: factory,
		books:   books,
		routes:  routes,
		memory:  memory,
		majors:  majors,
		lockTTL: cfg.LockTTL,
		baseCh:  make(chan string, 1),
		logger:  logger.With(slog.String("component", "sequence_executor")),
	}
}

// WithLocks serializes executions across processes sharing one account.
func (x *SequenceExecutor) WithLocks(l domain.LockManager) *SequenceExecutor {
	x.locks = l
	return x
}

// WithStore persists every execution.
func (x *SequenceExecutor) WithStore(s domain.ExecutionStore) *SequenceExecutor {
	x.store = s
	return x
}

// WithBus publishes every execution.
func (x *SequenceExecutor) WithBus(b domain.SignalBus) *SequenceExecutor {
	x.bus = b
	return x
}

// WithNotifier sends operator alerts.
func (x *SequenceExecutor) WithNotifier(n Notifier) *SequenceExecutor {
	x.notifier = n
	return x
}

// BaseSwitches delivers the currency the engine should adopt as its new base
// after a sequence was abandoned holding a major currency.
func (x *SequenceExecutor) BaseSwitches() <-chan string { return x.baseCh }

// Execute trades seq starting with startAmount of its start currency.
// expected is the profit fraction the evaluator predicted. The returned error
// is non-nil only for conditions the caller must surface: lock contention,
// context cancellation or an invariant violation.
func (x *SequenceExecutor) Execute(ctx context.Context, seq domain.Sequence, startAmount, expected float64) (domain.SequenceExecution, error) {
	exec := domain.SequenceExecution{
		ID:             uuid.NewString(),
		Sequence:       seq.Key(),
		StartCurrency:  seq.Start(),
		StartAmount:    startAmount,
		ExpectedProfit: expected,
		StartedAt:      time.Now().UTC(),
	}

	if x.locks != nil {
		unlock, err := x.locks.Acquire(ctx, executionLockKey, x.lockTTL)
		if err != nil {
			exec.Status = domain.ExecAborted
			exec.Error = err.Error()
			return exec, fmt.Errorf("executor: execution lock: %w", err)
		}
		defer unlock()
	}

	x.logger.InfoContext(ctx, "executing sequence",
		slog.String("exec_id", exec.ID),
		slog.String("sequence", exec.Sequence),
		slog.Float64("start_amount", startAmount),
		slog.Float64("expected", expected),
	)

	owned := startAmount
	for i, hop := range seq {
		order, consumed, err := x.orderFor(hop, owned)
		if err == nil {
			_, err = x.session.SubmitOrder(ctx, order)
		}
		if order != nil {
			exec.Hops = append(exec.Hops, hopRecord(i, order))
		}
		if err != nil {
			return x.recover(ctx, exec, seq, i, consumed, err)
		}
		owned = order.ReceivedAmount
	}

	exec.EndCurrency = exec.StartCurrency
	exec.EndAmount = owned
	exec.ActualProfit = owned/startAmount - 1
	exec.Status = domain.ExecCompleted
	if exec.ActualProfit < 0 {
		for _, h := range seq {
			x.memory.Remember(h)
		}
	}
	x.finish(ctx, &exec)
	return exec, nil
}

// orderFor prices hop against the local book and builds its order. consumed
// is the number of best levels the estimate relied on.
func (x *SequenceExecutor) orderFor(hop domain.Hop, owned float64) (*domain.Order, int, error) {
	book, ok := x.books.Book(hop.Pair)
	if !ok {
		return nil, 0, fmt.Errorf("executor: no book for %s: %w", hop.Pair, domain.ErrNotFound)
	}
	fill, err := x.solver.Solve(hop.Side, book.Levels(domain.ConsumedSide(hop.Side)), owned)
	if err != nil {
		return nil, 0, fmt.Errorf("executor: price %s: %w", hop, err)
	}
	order, err := x.factory.ForHop(hop, owned, fill.Price)
	if err != nil {
		return nil, fill.LevelsConsumed, err
	}
	return order, fill.LevelsConsumed, nil
}

// recover handles a failed hop i: the hop is remembered, the book levels its
// estimate relied on are evicted, and then the sequence is abandoned. Where
// it is abandoned depends on what is held: nothing on the first hop, a major
// currency becomes the new base, anything else is sold back home.
func (x *SequenceExecutor) recover(ctx context.Context, exec domain.SequenceExecution, seq domain.Sequence, i, consumed int, cause error) (domain.SequenceExecution, error) {
	hop := seq[i]
	held := hop.Spends()
	exec.Error = cause.Error()
	exec.EndCurrency = held
	exec.EndAmount, _ = x.session.Ledger().Balance(held)

	x.memory.Remember(hop)
	if consumed > 0 {
		if book, ok := x.books.Book(hop.Pair); ok {
			n := book.EvictTop(domain.ConsumedSide(hop.Side), consumed)
			x.logger.WarnContext(ctx, "evicted suspect levels",
				slog.String("pair", hop.Pair.String()),
				slog.Int("levels", n),
			)
		}
	}

	x.logger.WarnContext(ctx, "hop failed",
		slog.String("exec_id", exec.ID),
		slog.Int("hop", i),
		slog.String("pair", hop.Pair.String()),
		slog.String("held", held),
		slog.String("error", cause.Error()),
	)

	var err error
	switch {
	case errors.Is(cause, domain.ErrInvariant):
		exec.Status = domain.ExecStranded
		err = cause
		x.notify(ctx, "invariant_violation", "Invariant violation", fmt.Sprintf("%s hop %d: %v", exec.Sequence, i, cause))
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		exec.Status = domain.ExecAborted
		err = cause
	case i == 0:
		exec.Status = domain.ExecAborted
	case x.majors[held]:
		exec.Status = domain.ExecBaseSwitch
		x.switchBase(held)
		x.notify(ctx, "base_switched", "Base currency switched", fmt.Sprintf("%s stuck in %s; new base %s", exec.Sequence, held, held))
	default:
		received, rerr := x.ReturnHome(ctx, held)
		if rerr != nil {
			exec.Status = domain.ExecStranded
			exec.Error = errors.Join(cause, rerr).Error()
			x.notify(ctx, "stranded", "Return home failed", fmt.Sprintf("%s holding %s: %v", exec.Sequence, held, rerr))
		} else {
			exec.Status = domain.ExecReturned
			exec.EndCurrency = x.session.Ledger().StartCurrency()
			exec.EndAmount = received
		}
	}
	if exec.EndCurrency == exec.StartCurrency && exec.StartAmount > 0 {
		exec.ActualProfit = exec.EndAmount/exec.StartAmount - 1
	}
	x.finish(ctx, &exec)
	return exec, err
}

// ReturnHome sells the whole ledger balance of held into the session's start
// currency with a market order on the direct pair.
func (x *SequenceExecutor) ReturnHome(ctx context.Context, held string) (float64, error) {
	l := x.session.Ledger()
	home := l.StartCurrency()
	pair, ok := x.routes.Between(held, home)
	if !ok {
		return 0, fmt.Errorf("executor: return home %s->%s: %w", held, home, domain.ErrNoRoute)
	}
	bal, _ := l.Balance(held)
	order, err := x.factory.Market(domain.HopFrom(held, pair), bal)
	if err != nil {
		return 0, fmt.Errorf("executor: return home %s->%s: %w", held, home, err)
	}
	received, err := x.session.SubmitOrder(ctx, order)
	if err != nil {
		return 0, fmt.Errorf("executor: return home %s->%s: %w", held, home, err)
	}
	x.logger.InfoContext(ctx, "returned home",
		slog.String("from", held),
		slog.String("to", home),
		slog.Float64("received", received),
	)
	return received, nil
}

// switchBase publishes the newest base, replacing any unread one.
func (x *SequenceExecutor) switchBase(currency string) {
	select {
	case <-x.baseCh:
	default:
	}
	select {
	case x.baseCh <- currency:
	default:
	}
}

func (x *SequenceExecutor) finish(ctx context.Context, exec *domain.SequenceExecution) {
	exec.CompletedAt = time.Now().UTC()

	x.logger.InfoContext(ctx, "sequence finished",
		slog.String("exec_id", exec.ID),
		slog.String("status", string(exec.Status)),
		slog.Float64("expected", exec.ExpectedProfit),
		slog.Float64("actual", exec.ActualProfit),
		slog.Float64("pl", x.session.Ledger().PL()),
	)

	// Bookkeeping must outlive a cancelled trading context.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if x.store != nil {
		if err := x.store.Create(bg, *exec); err != nil {
			x.logger.WarnContext(ctx, "persist execution failed", slog.String("error", err.Error()))
		}
	}
	if x.bus != nil {
		if payload, err := json.Marshal(exec); err == nil {
			if err := x.bus.Publish(bg, ExecutionChannel, payload); err != nil {
				x.logger.DebugContext(ctx, "publish execution failed", slog.String("error", err.Error()))
			}
			if err := x.bus.StreamAppend(bg, ExecutionChannel, payload); err != nil {
				x.logger.DebugContext(ctx, "stream execution failed", slog.String("error", err.Error()))
			}
		}
	}
	if exec.Status == domain.ExecCompleted {
		x.notify(bg, "sequence_executed", "Sequence executed",
			fmt.Sprintf("%s expected %.4f%% actual %.4f%%", exec.Sequence, exec.ExpectedProfit*100, exec.ActualProfit*100))
	}
}

func (x *SequenceExecutor) notify(ctx context.Context, event, title, msg string) {
	if x.notifier == nil {
		return
	}
	if err := x.notifier.Notify(ctx, event, title, msg); err != nil {
		x.logger.DebugContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}

func hopRecord(i int, o *domain.Order) domain.HopExecution {
	return domain.HopExecution{
		Index:           i,
		OrderID:         o.ID,
		Pair:            o.Pair,
		Side:            o.Side,
		Type:            o.Type,
		Amount:          o.Amount,
		Price:           o.Price,
		RequiredBalance: o.RequiredBalance,
		ReceivedAmount:  o.ReceivedAmount,
		Status:          o.Status,
	}
}
