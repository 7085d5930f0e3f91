package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/triarb/internal/crypto"
	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/engine"
	"github.com/alanyoungcy/triarb/internal/evaluator"
	"github.com/alanyoungcy/triarb/internal/executor"
	"github.com/alanyoungcy/triarb/internal/feed"
	"github.com/alanyoungcy/triarb/internal/ledger"
	"github.com/alanyoungcy/triarb/internal/market"
	"github.com/alanyoungcy/triarb/internal/notify"
	"github.com/alanyoungcy/triarb/internal/orderbook"
	"github.com/alanyoungcy/triarb/internal/platform/kucoin"
	"github.com/alanyoungcy/triarb/internal/platform/paper"
	"github.com/alanyoungcy/triarb/internal/sequence"
	"github.com/alanyoungcy/triarb/internal/server"
	"github.com/alanyoungcy/triarb/internal/server/handler"
	"github.com/alanyoungcy/triarb/internal/server/ws"
	"github.com/alanyoungcy/triarb/internal/service"
)

// StatusChannel carries periodic engine status snapshots.
const StatusChannel = "triarb:status"

const (
	statusInterval  = 5 * time.Second
	cleanupInterval = 10 * time.Second
)

// balanceSource reports account balances, from KuCoin or the paper account.
type balanceSource interface {
	Balances(ctx context.Context) (map[string]float64, error)
}

// marketData is what every mode loads from the exchange before starting.
type marketData struct {
	client   *kucoin.Client
	dir      *market.Directory
	universe *sequence.Universe
	pairs    []domain.Pair
}

// loadMarket builds the REST client, loads the pair directory restricted to
// the configured currencies and drops currencies that cannot close a cycle.
func (a *App) loadMarket(ctx context.Context, deps *Dependencies) (*marketData, error) {
	ex := a.cfg.Exchange
	var auth *crypto.HMACAuth
	if ex.APIKey != "" {
		auth = &crypto.HMACAuth{Key: ex.APIKey, Secret: ex.APISecret, Passphrase: ex.APIPassphrase}
	}
	client := kucoin.NewClient(kucoin.ClientConfig{
		BaseURL:       ex.BaseURL,
		Auth:          auth,
		Limiter:       deps.RateLimiter,
		RequestLimit:  ex.RequestLimit,
		RequestWindow: ex.RequestWindow.Duration,
		Timeout:       ex.Timeout.Duration,
	})

	var keep func(domain.PairInfo) bool
	if len(ex.Currencies) > 0 {
		allowed := make(map[string]bool, len(ex.Currencies))
		for _, c := range ex.Currencies {
			allowed[c] = true
		}
		keep = func(pi domain.PairInfo) bool {
			return allowed[pi.Pair.Base] && allowed[pi.Pair.Quote]
		}
	}

	dir, err := market.Load(ctx, client, keep)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	loaded := len(dir.Pairs())
	pairs := sequence.RemoveSingleSwappable(dir.Pairs())
	if len(pairs) == 0 {
		return nil, fmt.Errorf("app: no pair can take part in a cycle: %w", domain.ErrNoRoute)
	}
	dir.Restrict(pairs)

	if client.Authenticated() {
		if err := dir.RefreshFees(ctx, client); err != nil {
			a.logger.WarnContext(ctx, "initial fee refresh failed, using default fee",
				slog.String("error", err.Error()),
			)
		}
	}

	universe := sequence.NewUniverse(pairs)
	a.logger.InfoContext(ctx, "market loaded",
		slog.Int("symbols", loaded),
		slog.Int("pairs", len(pairs)),
		slog.Int("currencies", len(universe.Currencies())),
	)
	return &marketData{client: client, dir: dir, universe: universe, pairs: pairs}, nil
}

// LiveMode trades on the KuCoin account.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	return a.tradeMode(ctx, deps, true)
}

// PaperMode trades against a simulated account filled from the live books.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	return a.tradeMode(ctx, deps, false)
}

// tradeMode runs the full pipeline: book synchronization, the settlement
// machine, the ledger, the evaluator and the search engine.
func (a *App) tradeMode(ctx context.Context, deps *Dependencies, live bool) error {
	a.logger.InfoContext(ctx, "starting trade mode", slog.Bool("live", live))

	md, err := a.loadMarket(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	// --- Books and feed ---
	bc := a.cfg.Book
	books := orderbook.NewSynchronizer(md.client, md.pairs, orderbook.SyncConfig{
		SettleDelay:        bc.SettleDelay.Duration,
		Concurrency:        bc.Concurrency,
		ResyncGapThreshold: bc.ResyncGapThreshold,
		SnapshotLimit:      bc.SnapshotLimit,
		SnapshotWindow:     bc.SnapshotWindow.Duration,
	}, deps.RateLimiter, deps.AuditStore, a.logger)

	wsClient := kucoin.NewWSClient(md.client, kucoin.WSConfig{
		Pairs:   md.pairs,
		Private: live,
		Buffer:  a.cfg.Exchange.WSBuffer,
	}, a.logger)

	ec := a.cfg.Execution
	router := executor.NewRouter(ec.PendingTTL.Duration, a.logger)

	var (
		placer   domain.OrderPlacer = md.client
		balances balanceSource      = md.client
		sources                     = []feed.Source{wsClient}
	)
	if !live {
		px := paper.New(books, md.dir, paper.Config{
			Balances: a.cfg.Session.PaperBalances,
			Latency:  a.cfg.Session.PaperLatency.Duration,
		}, a.logger)
		placer, balances = px, px
		sources = append(sources, px)
	}

	dispatcher := feed.NewDispatcher(router, books, a.cfg.Exchange.WSBuffer, a.logger, sources...)
	if bus := deps.Bus(); bus != nil {
		dispatcher.WithBus(bus)
	}

	// --- Ledger and settlement ---
	sc := a.cfg.Session
	led := ledger.New(sc.StartCurrency, sc.StartBalance, append(md.universe.Currencies(), sc.Tracked...)...)
	if sc.SyncBalances {
		observed, err := balances.Balances(ctx)
		if err != nil {
			return fmt.Errorf("app: sync balances: %w", err)
		}
		led.Sync(observed)
	}
	start, _ := led.Balance(sc.StartCurrency)
	a.logger.InfoContext(ctx, "ledger opened",
		slog.String("currency", sc.StartCurrency),
		slog.Float64("balance", start),
	)

	orders := executor.NewOrderExecutor(placer, router, executor.OrderExecutorConfig{
		SettleTimeout: ec.SettleTimeout.Duration,
		LateWindow:    ec.LateWindow.Duration,
	}, deps.AuditStore, a.logger)
	orders.BookInto(led)
	session := ledger.NewSession(led, orders, a.logger)

	// --- Evaluation and execution ---
	factory := executor.NewOrderFactory(md.dir, domain.OrderType(ec.OrderType), domain.TimeInForce(ec.TimeInForce))
	en := a.cfg.Engine
	recent := evaluator.NewRecentSet(en.RecentTTL.Duration)
	bans := evaluator.NewBanList(en.BanDuration.Duration, deps.BannedPairStore, a.logger)
	if err := bans.Load(ctx); err != nil {
		a.logger.WarnContext(ctx, "restore bans failed", slog.String("error", err.Error()))
	}

	seqExec := executor.NewSequenceExecutor(session, factory, books, md.dir, recent, executor.SequenceExecutorConfig{
		Majors:  ec.Majors,
		LockTTL: ec.LockTTL.Duration,
	}, a.logger).WithNotifier(deps.Notifier)
	if deps.LockManager != nil {
		seqExec.WithLocks(deps.LockManager)
	}
	if deps.ExecutionStore != nil {
		seqExec.WithStore(deps.ExecutionStore)
	}
	if bus := deps.Bus(); bus != nil {
		seqExec.WithBus(bus)
	}

	guard := service.NewRiskGuard(seqExec, led, service.RiskConfig{
		Currency:       led.StartCurrency(),
		MaxStartAmount: ec.MaxStartAmount,
		MaxDrawdown:    ec.MaxDrawdown,
	}, a.logger).OnTrip(func(pl float64) {
		msg := fmt.Sprintf("realized P/L %.4f breached the drawdown limit, trading halted", pl)
		if err := deps.Notifier.Notify(context.Background(), notify.EventKillSwitch, "Kill switch", msg); err != nil {
			a.logger.Warn("notify kill switch failed", slog.String("error", err.Error()))
		}
	})

	ev := evaluator.New(evaluator.Config{
		Tolerance:          en.Tolerance,
		MaxMissing:         en.MaxMissing,
		FlexibleVolume:     en.FlexibleVolume,
		VolumeScale:        en.VolumeScale,
		MinVolume:          en.MinVolume,
		MaxPlausibleProfit: en.MaxPlausibleProfit,
		MaxStart:           map[string]float64{led.StartCurrency(): ec.MaxStartAmount},
	}, books, md.dir, led, guard, recent, bans, a.logger)

	// --- Search engine ---
	eng, err := a.newEngine(md.universe, ev)
	if err != nil {
		return err
	}
	eng.WithBaseSwitches(seqExec.BaseSwitches(), func(base string) {
		msg := fmt.Sprintf("engine base switched to %s", base)
		if err := deps.Notifier.Notify(context.Background(), notify.EventBaseSwitched, "Base switched", msg); err != nil {
			a.logger.Warn("notify base switch failed", slog.String("error", err.Error()))
		}
	})

	// --- Goroutines ---
	g.Go(func() error { return wsClient.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return books.Run(ctx, dispatcher.Deltas()) })
	g.Go(func() error { return router.Run(ctx) })
	g.Go(func() error { return bans.Run(ctx) })
	g.Go(func() error {
		return every(ctx, cleanupInterval, func() { recent.Cleanup() })
	})
	g.Go(func() error {
		err := eng.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = deps.Notifier.Notify(nctx, notify.EventEngineHalted, "Engine halted", err.Error())
		}
		return err
	})

	if md.client.Authenticated() && bc.FeeRefreshInterval.Duration > 0 {
		g.Go(func() error {
			return md.dir.FeeRefreshLoop(ctx, md.client, bc.FeeRefreshInterval.Duration, a.logger)
		})
	}
	if deps.BookMirror != nil {
		g.Go(func() error {
			return books.MirrorLoop(ctx, deps.BookMirror, bc.MirrorInterval.Duration, bc.MirrorDepth)
		})
	}
	if deps.SignalBus != nil {
		g.Go(func() error {
			return every(ctx, statusInterval, func() {
				st := statusMessage{
					Mode:       a.cfg.Mode,
					Engine:     eng.Status(),
					PL:         led.PL(),
					Pairs:      len(md.pairs),
					Calibrated: books.CalibratedCount(),
					Events:     dispatcher.Counts(),
				}
				if err := deps.SignalBus.PublishJSON(ctx, StatusChannel, st); err != nil {
					a.logger.DebugContext(ctx, "publish status failed", slog.String("error", err.Error()))
				}
			})
		})
	}
	a.startArchiver(ctx, g, deps)

	if a.cfg.Server.Enabled {
		handlers := a.baseHandlers(deps)
		handlers.Status = handler.NewStatusHandler(a.cfg.Mode, eng, books)
		handlers.Ledger = handler.NewLedgerHandler(led)
		handlers.Books = handler.NewBookHandler(handler.LocalBooks{Sync: books}, a.logger)
		a.startHTTPServer(ctx, g, deps, handlers)
	}

	return g.Wait()
}

// MonitorMode serves books mirrored to Redis by a trading process together
// with persisted executions and live bus events. It places no orders and
// keeps no books of its own.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	md, err := a.loadMarket(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startArchiver(ctx, g, deps)

	handlers := a.baseHandlers(deps)
	handlers.Status = handler.NewStatusHandler(a.cfg.Mode, nil, nil)
	handlers.Books = handler.NewBookHandler(handler.MirroredBooks{Mirror: deps.BookMirror, List: md.pairs}, a.logger)
	a.startHTTPServer(ctx, g, deps, handlers)

	return g.Wait()
}

// statusMessage is published on StatusChannel.
type statusMessage struct {
	Mode       string           `json:"mode"`
	Engine     engine.Status    `json:"engine"`
	PL         float64          `json:"pl"`
	Pairs      int              `json:"pairs"`
	Calibrated int              `json:"calibrated_books"`
	Events     map[string]int64 `json:"events"`
}

// newEngine registers both search strategies and selects the configured one.
func (a *App) newEngine(u *sequence.Universe, ev *evaluator.Evaluator) (*engine.Engine, error) {
	en := a.cfg.Engine
	seed := en.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	registry := engine.NewRegistry()
	registry.Register(engine.NewTriangular(u, ev, en.SampleSize, rand.New(rand.NewSource(seed))))
	evolver := sequence.NewEvolver(u, sequence.EvolverConfig{
		SetSize:        en.Genetic.SetSize,
		MinHops:        en.Genetic.MinHops,
		MaxHops:        en.Genetic.MaxHops,
		MutationRate:   en.Genetic.MutationRate,
		MaxGenerations: en.Genetic.MaxGenerations,
	}, rand.New(rand.NewSource(seed+1)))
	registry.Register(engine.NewGenetic(evolver, ev))

	eng, err := engine.New(registry, engine.Config{
		Strategy:  en.Strategy,
		Base:      en.Base,
		LoopDelay: en.LoopDelay.Duration,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return eng, nil
}

// startArchiver runs the S3 archiver when it is wired.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	g.Go(func() error {
		return deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration, retention)
	})
}

// baseHandlers returns the handlers every mode shares.
func (a *App) baseHandlers(deps *Dependencies) server.Handlers {
	h := server.Handlers{
		Health: handler.NewHealthHandler(deps.Pingers(), a.logger),
	}
	if deps.ExecutionStore != nil {
		h.Executions = handler.NewExecutionHandler(deps.ExecutionStore, a.logger)
	}
	if deps.BlobReader != nil {
		h.Archives = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}
	return h
}

// startHTTPServer launches the HTTP server, and the WebSocket hub when a
// signal bus is available, and shuts the server down when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, handlers server.Handlers) {
	var hub *ws.Hub
	if bus := deps.Bus(); bus != nil {
		hub = ws.NewHub(bus, a.logger, ws.Config{
			Mode:     a.cfg.Mode,
			Channels: []string{executor.ExecutionChannel, feed.OrderChannel, StatusChannel},
		})
		g.Go(func() error { return hub.Run(ctx) })
	}

	srv := server.NewServer(server.Config{
		Port:   a.cfg.Server.Port,
		APIKey: a.cfg.Server.APIKey,
	}, handlers, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// every calls fn on each tick until ctx is cancelled.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}
