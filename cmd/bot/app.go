package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/alerts"
	"github.com/eddiefleurent/candlebot/internal/broker"
	"github.com/eddiefleurent/candlebot/internal/calendar"
	"github.com/eddiefleurent/candlebot/internal/config"
	"github.com/eddiefleurent/candlebot/internal/ema"
	"github.com/eddiefleurent/candlebot/internal/events"
	"github.com/eddiefleurent/candlebot/internal/execution"
	"github.com/eddiefleurent/candlebot/internal/feed"
	"github.com/eddiefleurent/candlebot/internal/ledger"
	"github.com/eddiefleurent/candlebot/internal/metrics"
	"github.com/eddiefleurent/candlebot/internal/orders"
	"github.com/eddiefleurent/candlebot/internal/pipeline"
	"github.com/eddiefleurent/candlebot/internal/quotes"
	"github.com/eddiefleurent/candlebot/internal/research"
	"github.com/eddiefleurent/candlebot/internal/retry"
	"github.com/eddiefleurent/candlebot/internal/runner"
	"github.com/eddiefleurent/candlebot/internal/selection"
	"github.com/eddiefleurent/candlebot/internal/status"
	"github.com/eddiefleurent/candlebot/internal/storage"
	"github.com/eddiefleurent/candlebot/internal/strategy"
	"github.com/eddiefleurent/candlebot/internal/watcher"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// app holds every long-lived component of the bot.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	loc    *time.Location

	alerts     *alerts.Sink
	broker     *broker.CircuitBreakerBroker
	bus        *events.Bus
	aggregator *pipeline.Aggregator
	price      *pipeline.PriceState
	tickSource func(ctx context.Context, out chan<- []byte) error
	quotes     *quotes.Service
	manager    *orders.Manager
	watcher    *watcher.Watcher
	runner     *runner.Runner
	research   *research.Runner
	server     *status.Server
	ledger     *ledger.FileLedger
	sqlite     *ledger.SQLiteStore

	closeOnce sync.Once
}

func build(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	metrics.Init()
	a := &app{cfg: cfg, logger: logger, loc: cfg.Location()}

	sink, err := alerts.New(cfg.Alerts.SentryDSN, cfg.Environment.Mode, logger)
	if err != nil {
		return nil, err
	}
	a.alerts = sink

	if cfg.Broker.APIKey != "" {
		api := broker.NewTradierAPIWithBaseURLAndClient(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.Sandbox, cfg.Broker.APIEndpoint, nil)
		a.broker = broker.NewCircuitBreakerBroker(api, logger)
	}

	bounds, err := a.sessionBounds()
	if err != nil {
		return nil, err
	}

	candles := storage.NewCandleStore(cfg.Storage.CandlesDir, a.loc)
	emaStore, err := ema.NewStore(ema.Config{
		Windows:    cfg.EMA.Windows,
		StatePath:  cfg.EMA.StatePath,
		SeriesDir:  cfg.EMA.SeriesDir,
		Bootstrap:  cfg.BootstrapWindow(),
		Location:   a.loc,
		MarketOpen: cfg.Schedule.MarketOpen,
		Bounds:     bounds,
	}, ema.NewCandleFileHistory(candles, cfg.Pipeline.Symbol, cfg.EMA.HistoryDays), logger)
	if err != nil {
		return nil, fmt.Errorf("ema store: %w", err)
	}

	a.bus = events.NewBus(logger)
	a.price = &pipeline.PriceState{}
	a.aggregator = pipeline.NewAggregator(pipeline.Config{
		Timeframes: cfg.Pipeline.Timeframes,
		Durations:  cfg.Durations(),
		BufferSecs: cfg.Pipeline.BufferSecs,
		Symbol:     cfg.Pipeline.Symbol,
		Location:   a.loc,
		Source:     candleSource(cfg.Pipeline.Feed),
	}, bounds, pipeline.Sinks{
		AppendCandle: candles.AppendCandle,
		UpdateEMA:    emaStore.Update,
		OnError:      sink.OnError,
	}, a.bus, a.price, logger)
	if a.tickSource, err = a.buildTickSource(); err != nil {
		return nil, err
	}

	provider, err := a.buildProvider()
	if err != nil {
		return nil, err
	}
	expiration, err := config.ResolveExpiration(cfg.Options.Expiration, time.Now(), a.loc)
	if err != nil {
		return nil, fmt.Errorf("options.expiration: %w", err)
	}
	a.quotes = quotes.NewService(provider, cfg.Pipeline.Symbol, expiration, cfg.PollInterval(), logger)

	executor, err := a.buildExecutor()
	if err != nil {
		return nil, err
	}

	a.ledger = ledger.NewFileLedger(cfg.Storage.LedgerPath)
	recorders := []ledger.Recorder{a.ledger}
	if cfg.Storage.SQLitePath != "" {
		if a.sqlite, err = ledger.NewSQLiteStore(cfg.Storage.SQLitePath); err != nil {
			return nil, err
		}
		recorders = append(recorders, a.sqlite)
	}

	a.manager = orders.NewManager(a.quotes, executor, logger, orders.Config{
		PollInterval:    cfg.OrderPollInterval(),
		DefaultSelector: cfg.Options.Selector,
		LimitFromQuote:  cfg.Options.OrderType == execution.TypeLimit,
	}).
		WithLedger(ledger.NewMulti(logger, recorders...)).
		WithStore(storage.NewJSONPositionStore(cfg.Storage.PositionsPath))
	if err := a.manager.Restore(); err != nil {
		return nil, fmt.Errorf("restore positions: %w", err)
	}

	a.watcher = watcher.NewWatcher(a.quotes, a.manager.Positions, cfg.WatcherRefresh(), logger)

	instances, err := buildStrategies(cfg)
	if err != nil {
		return nil, err
	}
	a.runner = runner.NewRunner(a.bus, a.watcher, a.manager, emaStore, runner.Config{
		Expiration:   a.quotes.Expiration,
		SelectorName: cfg.Options.Selector,
		OrderType:    cfg.Options.OrderType,
		MaxOTM:       cfg.Options.MaxOTM,
		PriceRanges:  priceRanges(cfg.Options.PriceRanges),
	}, logger)
	for _, inst := range instances {
		a.runner.AddStrategy(inst)
		logger.WithFields(logrus.Fields{"strategy": inst.Strategy.Name(), "timeframe": inst.Timeframe, "quantity": inst.Quantity}).
			Info("strategy loaded")
	}
	a.runner.AddHooks(runner.NewLogNotifier(logger))

	if cfg.Research.Enabled {
		if a.research, err = a.buildResearch(emaStore); err != nil {
			return nil, err
		}
	}

	if cfg.Server.Enabled {
		a.server = status.NewServer(status.Config{Port: cfg.Server.Port, AuthToken: cfg.Server.AuthToken}, status.Sources{
			Positions: a.manager.Positions,
			Marks:     a.watcher.Latest,
			EMA:       emaStore,
			DailyPnL:  a.dailyPnL,
			LastPrice: a.lastPrice,
			Location:  a.loc,
		}, logger)
	}
	return a, nil
}

func (a *app) buildResearch(history research.EMAHistory) (*research.Runner, error) {
	cfg := a.cfg
	strategies, err := research.Build(cfg.Research.Strategies, cfg.EMA.Windows)
	if err != nil {
		return nil, err
	}
	r := research.NewRunner(a.bus, a.quotes, history, a.price.Get, research.Config{
		Expiration:     a.quotes.Expiration,
		SelectorName:   cfg.Options.Selector,
		MaxOTM:         cfg.Options.MaxOTM,
		PriceRanges:    priceRanges(cfg.Options.PriceRanges),
		Timeframes:     cfg.Research.Timeframes,
		Ledger:         research.Ledger{SignalsPath: cfg.Research.SignalsPath, PathsPath: cfg.Research.PathsPath},
		TouchInterval:  cfg.TouchPollInterval(),
		TouchTolerance: cfg.Research.TouchTolerance,
		Location:       a.loc,
	}, a.logger)
	for _, s := range strategies {
		r.AddStrategy(s)
		a.logger.WithField("strategy", s.Name()).Info("research signal loaded")
	}
	return r, nil
}

// lastPrice prefers the streamed trade price and falls back to a broker quote.
func (a *app) lastPrice(ctx context.Context) (float64, string, bool) {
	if p, ok := a.price.Get(); ok {
		return p, "stream", true
	}
	if a.broker == nil {
		return 0, "", false
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	q, err := a.broker.GetQuoteCtx(ctx, a.cfg.Pipeline.Symbol)
	if err != nil {
		a.logger.WithError(err).Debug("broker quote unavailable")
		return 0, "", false
	}
	if q == nil || q.Last <= 0 {
		return 0, "", false
	}
	return q.Last, "broker", true
}

func (a *app) sessionBounds() (pipeline.SessionBounds, error) {
	if a.cfg.Schedule.UseBrokerCalendar && a.broker != nil {
		return calendar.NewBrokerCalendar(a.broker, a.loc, a.logger), nil
	}
	cal, err := calendar.NewStaticCalendar(a.loc, a.cfg.Schedule.MarketOpen, a.cfg.Schedule.MarketClose)
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	return cal, nil
}

func (a *app) buildTickSource() (func(context.Context, chan<- []byte) error, error) {
	switch a.cfg.Pipeline.Feed {
	case "replay":
		delay, err := time.ParseDuration(orDefault(a.cfg.Pipeline.ReplayDelay, "0s"))
		if err != nil {
			return nil, fmt.Errorf("pipeline.replay_delay: %w", err)
		}
		path := a.cfg.Pipeline.ReplayPath
		return func(ctx context.Context, out chan<- []byte) error {
			return feed.ReplayTicks(ctx, path, delay, out)
		}, nil
	default:
		if a.broker == nil {
			return nil, errors.New("tradier feed requires broker credentials")
		}
		stream := feed.NewTradierStream(feed.StreamConfig{
			URL:     a.cfg.Broker.StreamEndpoint,
			APIKey:  a.cfg.Broker.APIKey,
			Symbols: []string{a.cfg.Pipeline.Symbol},
		}, a.broker, a.logger)
		return stream.Run, nil
	}
}

func (a *app) buildProvider() (quotes.Provider, error) {
	var chains quotes.ChainSource
	if a.broker != nil {
		chains = a.broker
	}
	syn := a.cfg.Options.Synthetic
	provider, err := quotes.New(a.cfg.Options.Provider, chains, quotes.SyntheticConfig{
		Underlying:      syn.Underlying,
		StrikeStep:      syn.StrikeStep,
		StrikesEachSide: syn.StrikesEachSide,
		Seed:            syn.Seed,
	}, a.cfg.Options.FixturePath)
	if err != nil {
		return nil, fmt.Errorf("quote provider: %w", err)
	}
	if a.cfg.Options.RecordPath != "" {
		provider = quotes.NewRecordingProvider(provider, a.cfg.Options.RecordPath, a.logger)
	}
	return provider, nil
}

func (a *app) buildExecutor() (execution.Executor, error) {
	if a.cfg.IsPaperTrading() {
		return execution.NewPaperExecutor(a.quotes.GetQuote, a.logger), nil
	}
	if a.broker == nil {
		return nil, errors.New("live trading requires broker credentials")
	}
	return execution.NewTradierExecutor(a.broker, retry.DefaultConfig, a.logger), nil
}

func (a *app) dailyPnL(day string, loc *time.Location) (float64, error) {
	if a.sqlite != nil {
		return a.sqlite.DailyRealizedPnL(day, loc)
	}
	return a.ledger.SumRealizedPnLForDay(day, loc)
}

// Run drives every component until ctx ends or one of them fails.
func (a *app) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	ticks := make(chan []byte, a.cfg.Pipeline.QueueSize)

	g.Go(func() error {
		defer close(ticks)
		return ignoreCanceled(a.tickSource(gctx, ticks))
	})
	g.Go(func() error { return ignoreCanceled(a.aggregator.Run(gctx, ticks)) })
	g.Go(func() error { return a.quotes.Run(gctx) })
	g.Go(func() error { return a.watcher.Run(gctx) })
	g.Go(func() error { return a.runner.Run(gctx) })
	if a.research != nil {
		g.Go(func() error { return a.research.Run(gctx) })
	}
	g.Go(func() error { return ignoreCanceled(a.manager.RunFillPoller(gctx)) })
	if a.server != nil {
		g.Go(func() error { return a.server.Run(gctx) })
	}

	err := g.Wait()
	a.reportDay()
	return err
}

func (a *app) reportDay() {
	day := time.Now().In(a.loc).Format("2006-01-02")
	pnl, err := a.dailyPnL(day, a.loc)
	if err != nil {
		a.logger.WithError(err).Warn("could not compute realized P&L for today")
		return
	}
	a.logger.WithFields(logrus.Fields{"day": day, "open_positions": len(a.manager.OpenPositions())}).
		Infof("Realized P&L today: %s", runner.Money(pnl))
}

// Close releases resources. Safe to call more than once.
func (a *app) Close() {
	a.closeOnce.Do(func() {
		a.bus.Close()
		if a.sqlite != nil {
			if err := a.sqlite.Close(); err != nil {
				a.logger.WithError(err).Warn("closing sqlite ledger")
			}
		}
		a.alerts.Flush(2 * time.Second)
	})
}

func buildStrategies(cfg *config.Config) ([]strategy.Instance, error) {
	specs := make([]config.StrategySpec, len(cfg.Strategies))
	for i, s := range cfg.Strategies {
		if s.Quantity <= 0 {
			s.Quantity = cfg.Options.Quantity
		}
		specs[i] = s
	}
	reg := strategy.NewRegistry()
	instances, err := reg.Build(specs)
	if err != nil {
		return nil, fmt.Errorf("strategies (known kinds: %s): %w", strings.Join(reg.Kinds(), ", "), err)
	}
	return instances, nil
}

func priceRanges(in []config.PriceRange) []selection.PriceRange {
	if len(in) == 0 {
		return nil
	}
	out := make([]selection.PriceRange, len(in))
	for i, r := range in {
		out[i] = selection.PriceRange{Low: r.Low, High: r.High}
	}
	return out
}

func candleSource(feedKind string) string {
	if feedKind == "replay" {
		return events.SourceReplay
	}
	return events.SourceLive
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
