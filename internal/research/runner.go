package research

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/config"
	"github.com/eddiefleurent/candlebot/internal/ema"
	"github.com/eddiefleurent/candlebot/internal/events"
	"github.com/eddiefleurent/candlebot/internal/metrics"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/selection"
	"github.com/sirupsen/logrus"
)

// Defaults for the touch poller.
const (
	DefaultTouchInterval  = time.Second
	MinTouchInterval      = 200 * time.Millisecond
	DefaultTouchTolerance = 0.02
)

// CandleBus is the event bus surface the runner subscribes to.
type CandleBus interface {
	RegisterAsyncListener(fn events.AsyncListener) int
	RemoveListener(id int)
}

// QuoteSource is the option chain view used for selection and marks.
type QuoteSource interface {
	Quotes() []models.OptionQuote
	GetQuote(key string) (models.OptionQuote, bool)
}

// EMAHistory supplies the newest EMA rows for a timeframe.
type EMAHistory interface {
	Tail(tf string, n int) []ema.Snapshot
}

// Config controls selection, ledgers and touch detection.
type Config struct {
	Expiration   func() string
	SelectorName string
	MaxOTM       *float64
	PriceRanges  []selection.PriceRange
	// Timeframes limits which closes are evaluated; empty means all.
	Timeframes []string
	Ledger     Ledger
	// TouchInterval <= 0 disables the touch poller.
	TouchInterval  time.Duration
	TouchTolerance float64
	Location       *time.Location
}

type active struct {
	signalID    string
	strategyTag string
	timeframe   string
	contract    models.OptionContract
	variant     string
}

// Runner evaluates research strategies on candle closes and follows each
// recorded signal's contract until the end-of-day flush.
type Runner struct {
	bus     CandleBus
	quotes  QuoteSource
	history EMAHistory
	price   func() (float64, bool)
	config  Config
	logger  logrus.FieldLogger
	now     func() time.Time

	strategies []Strategy
	timeframes map[string]struct{}

	mu     sync.Mutex
	active map[string]active
	// seen[signalID][eventKey] is the last bucket recorded, so each path
	// event fires at most once per bucket.
	seen  map[string]map[string]string
	order []string

	runMu   sync.Mutex
	busID   int
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewRunner builds a stopped runner. price may be nil, which disables touches.
func NewRunner(bus CandleBus, quotes QuoteSource, history EMAHistory, price func() (float64, bool), cfg Config, logger logrus.FieldLogger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TouchTolerance <= 0 {
		cfg.TouchTolerance = DefaultTouchTolerance
	}
	if cfg.TouchInterval > 0 && cfg.TouchInterval < MinTouchInterval {
		cfg.TouchInterval = MinTouchInterval
	}
	return &Runner{
		bus:        bus,
		quotes:     quotes,
		history:    history,
		price:      price,
		config:     cfg,
		logger:     logger.WithField("component", "research"),
		now:        time.Now,
		timeframes: tfSet(cfg.Timeframes),
		active:     map[string]active{},
		seen:       map[string]map[string]string{},
	}
}

// WithClock overrides the wall clock used for touch buckets.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// AddStrategy registers a research strategy. Call before Start.
func (r *Runner) AddStrategy(s Strategy) {
	if s != nil {
		r.strategies = append(r.strategies, s)
	}
}

// Active lists the signal ids being followed, oldest first.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// HandleCandleClose runs every strategy, records new signals, then records a
// candle-close mark for each signal already followed on that timeframe. An
// end-of-day flush ends the timeframe's signals.
func (r *Runner) HandleCandleClose(_ context.Context, evt events.CandleCloseEvent) error {
	if !allowed(r.timeframes, evt.Timeframe) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	sctx := Context{
		Symbol:    evt.Symbol,
		Timeframe: evt.Timeframe,
		Candle:    evt.Candle,
		Timestamp: evt.ClosedAt,
	}
	if r.history != nil {
		sctx.EMAHistory = r.history.Tail(evt.Timeframe, 2)
	}
	if chain := r.quotes.Quotes(); len(chain) > 0 {
		for _, s := range r.strategies {
			for _, sig := range r.callStrategy(s, sctx) {
				if err := r.recordSignal(s.Name(), sig, sctx, chain); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	errs = append(errs, r.recordCloses(evt)...)
	if evt.Source == events.SourceEOD {
		r.clearTimeframe(evt.Timeframe)
	}
	return errors.Join(errs...)
}

func (r *Runner) callStrategy(s Strategy, sctx Context) (out []Signal) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ListenerErrors.WithLabelValues("research").Inc()
			r.logger.WithFields(logrus.Fields{"strategy": s.Name(), "panic": fmt.Sprint(rec)}).Error("research strategy panicked")
			out = nil
		}
	}()
	return s.OnCandleClose(sctx)
}

// recordSignal selects a contract and writes the signal. Caller holds r.mu.
func (r *Runner) recordSignal(name string, sig Signal, sctx Context, chain []models.OptionQuote) error {
	if sig.Direction != models.OptionCall && sig.Direction != models.OptionPut {
		return nil
	}
	underlying := sctx.Candle.Close
	if underlying <= 0 {
		return nil
	}
	log := r.logger.WithFields(logrus.Fields{"strategy": name, "timeframe": sctx.Timeframe, "direction": sig.Direction})
	expiration := ""
	if r.config.Expiration != nil {
		expiration = r.config.Expiration()
	}
	res, err := selection.Select(chain, selection.Request{
		Symbol:          sctx.Symbol,
		OptionType:      sig.Direction,
		Expiration:      expiration,
		UnderlyingPrice: underlying,
		MaxOTM:          r.config.MaxOTM,
		PriceRanges:     r.config.PriceRanges,
	}, r.config.SelectorName, nil)
	if err != nil {
		return fmt.Errorf("%s: select: %w", name, err)
	}
	if res == nil {
		log.Debug("no contract for research signal")
		return nil
	}
	q := res.Quote
	mark, ok := EntryMark(q)
	if !ok {
		log.WithField("contract", q.Contract.Key()).Debug("no entry mark for research signal")
		return nil
	}

	ts := isoUTC(sctx.Timestamp)
	id := SignalID(name, sctx.Timeframe, ts, q.Contract.Key(), sig.Variant)
	tag := StrategyTag(name, sctx.Timeframe)
	evt := SignalEvent{
		TS:              ts,
		Event:           EventSignal,
		SignalID:        id,
		StrategyTag:     tag,
		Timeframe:       sctx.Timeframe,
		Symbol:          q.Contract.Symbol,
		OptionType:      q.Contract.OptionType,
		Strike:          q.Contract.Strike,
		Expiration:      q.Contract.Expiration,
		ContractKey:     q.Contract.Key(),
		UnderlyingPrice: underlying,
		EntryMark:       mark,
		Bid:             q.Bid,
		Ask:             q.Ask,
		Last:            q.Last,
		Reason:          optional(sig.Reason),
		Variant:         optional(sig.Variant),
	}
	if err := r.config.Ledger.RecordSignal(evt); err != nil {
		log.WithError(err).Warn("research signal not recorded")
		return err
	}
	if _, ok := r.active[id]; !ok {
		r.order = append(r.order, id)
	}
	r.active[id] = active{signalID: id, strategyTag: tag, timeframe: sctx.Timeframe, contract: q.Contract, variant: sig.Variant}
	log.WithFields(logrus.Fields{"contract": evt.ContractKey, "mark": mark, "reason": sig.Reason}).Info("research signal recorded")
	return nil
}

// recordCloses marks every followed signal of the event's timeframe. Caller
// holds r.mu.
func (r *Runner) recordCloses(evt events.CandleCloseEvent) []error {
	if len(r.active) == 0 || evt.Candle.Close <= 0 {
		return nil
	}
	bucket := isoUTC(evt.Candle.Timestamp)
	if evt.Candle.Timestamp.IsZero() {
		bucket = isoUTC(evt.ClosedAt)
	}
	var errs []error
	for _, id := range r.order {
		a := r.active[id]
		if a.timeframe != evt.Timeframe {
			continue
		}
		if err := r.recordPath(a, EventCandleClose, EventCandleClose, bucket, evt.ClosedAt, evt.Candle.Close, "close:"+evt.Source); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// CheckTouches records an EMA touch for every followed signal whose
// timeframe's latest EMA lies within the tolerance of price.
func (r *Runner) CheckTouches(price float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.active) == 0 || r.history == nil {
		return nil
	}
	now := r.now().In(r.config.Location)
	var errs []error
	for _, id := range r.order {
		a := r.active[id]
		rows := r.history.Tail(a.timeframe, 1)
		if len(rows) == 0 {
			continue
		}
		bucket := isoUTC(touchBucket(now, a.timeframe))
		for _, lvl := range Levels(rows[0]) {
			if math.Abs(price-lvl.Value) > r.config.TouchTolerance {
				continue
			}
			key := fmt.Sprintf("ema:%d", lvl.Window)
			if err := r.recordPath(a, EventTouch, key, bucket, now, price, "ema_touch"); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// recordPath writes one path event unless its bucket was already recorded.
// A contract without a usable quote is skipped. Caller holds r.mu.
func (r *Runner) recordPath(a active, event, key, bucket string, at time.Time, underlying float64, reason string) error {
	if r.seenBucket(a.signalID, key) == bucket {
		return nil
	}
	q, ok := r.quotes.GetQuote(a.contract.Key())
	if !ok {
		return nil
	}
	mark, ok := EntryMark(q)
	if !ok {
		return nil
	}
	r.markSeen(a.signalID, key, bucket)
	return r.config.Ledger.RecordPath(PathEvent{
		TS:              isoUTC(at),
		Event:           event,
		EventKey:        key,
		SignalID:        a.signalID,
		StrategyTag:     a.strategyTag,
		Timeframe:       a.timeframe,
		Symbol:          a.contract.Symbol,
		OptionType:      a.contract.OptionType,
		Strike:          a.contract.Strike,
		Expiration:      a.contract.Expiration,
		ContractKey:     a.contract.Key(),
		UnderlyingPrice: underlying,
		Mark:            mark,
		Bid:             q.Bid,
		Ask:             q.Ask,
		Last:            q.Last,
		Reason:          optional(reason),
		Variant:         optional(a.variant),
	})
}

func (r *Runner) seenBucket(id, key string) string {
	return r.seen[id][key]
}

func (r *Runner) markSeen(id, key, bucket string) {
	m, ok := r.seen[id]
	if !ok {
		m = map[string]string{}
		r.seen[id] = m
	}
	m[key] = bucket
}

// clearTimeframe stops following every signal of tf. Caller holds r.mu.
func (r *Runner) clearTimeframe(tf string) {
	kept := r.order[:0]
	for _, id := range r.order {
		if r.active[id].timeframe == tf {
			delete(r.active, id)
			delete(r.seen, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// Start subscribes to the bus and starts the touch poller. Calling Start
// twice is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.busID = r.bus.RegisterAsyncListener(r.HandleCandleClose)

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	if r.config.TouchInterval <= 0 || r.price == nil {
		close(r.done)
	} else {
		go r.pollTouches(runCtx, r.done)
	}
	r.logger.WithField("strategies", len(r.strategies)).Info("research runner started")
}

func (r *Runner) pollTouches(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.config.TouchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			price, ok := r.price()
			if !ok {
				continue
			}
			if err := r.CheckTouches(price); err != nil {
				r.logger.WithError(err).Warn("research touch recording failed")
			}
		}
	}
}

// Stop unsubscribes and waits for the touch poller to exit.
func (r *Runner) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.started {
		return
	}
	r.started = false
	r.bus.RemoveListener(r.busID)
	r.cancel()
	<-r.done
	r.logger.Info("research runner stopped")
}

// Run starts the runner and stops it when ctx ends, for use under an errgroup.
func (r *Runner) Run(ctx context.Context) error {
	r.Start(ctx)
	<-ctx.Done()
	r.Stop()
	return nil
}

// StrategyTag appends the lower-cased timeframe to name unless it already
// ends with it.
func StrategyTag(name, timeframe string) string {
	if timeframe == "" {
		return name
	}
	suffix := "-" + strings.ToLower(timeframe)
	if strings.HasSuffix(strings.ToLower(name), suffix) {
		return name
	}
	return name + suffix
}

func touchBucket(now time.Time, tf string) time.Time {
	d, err := config.TimeframeDuration(tf)
	if err != nil {
		d = time.Minute
	}
	return now.Truncate(d)
}
