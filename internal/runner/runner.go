// Package runner drives strategies from candle closes and position marks and
// turns their signals into orders.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eddiefleurent/candlebot/internal/ema"
	"github.com/eddiefleurent/candlebot/internal/events"
	"github.com/eddiefleurent/candlebot/internal/execution"
	"github.com/eddiefleurent/candlebot/internal/metrics"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/orders"
	"github.com/eddiefleurent/candlebot/internal/selection"
	"github.com/eddiefleurent/candlebot/internal/strategy"
	"github.com/eddiefleurent/candlebot/internal/watcher"
	"github.com/sirupsen/logrus"
)

// EMASource supplies the latest EMA row for a timeframe.
type EMASource interface {
	Latest(tf string) (ema.Snapshot, bool)
}

// CandleBus is the event bus surface the runner subscribes to.
type CandleBus interface {
	RegisterAsyncListener(fn events.AsyncListener) int
	RemoveListener(id int)
}

// PositionFeed is the watcher surface the runner subscribes to.
type PositionFeed interface {
	RegisterQueue(maxsize int, positionIDs []string) (int, <-chan []watcher.PositionUpdate)
	RemoveListener(id int)
}

// OrderManager is the order surface the runner acts through.
type OrderManager interface {
	OpenPosition(ctx context.Context, req selection.Request, opts orders.OpenOptions) (*orders.ActionResult, error)
	AddToPosition(ctx context.Context, positionID string, quantity int, opts orders.OrderOptions) (*orders.ActionResult, error)
	TrimPosition(ctx context.Context, positionID string, quantity int, opts orders.OrderOptions) (*orders.ActionResult, error)
	ClosePosition(ctx context.Context, positionID string, opts orders.OrderOptions) (*orders.ActionResult, error)
	Position(id string) (*models.Position, bool)
	HasWorkingBuy(positionID string) bool
}

// Config controls contract selection for new positions.
type Config struct {
	// Expiration returns the YYYYMMDD expiration to trade, normally the quote
	// service's current expiration.
	Expiration   func() string
	SelectorName string
	// OrderType is passed to every order; empty means market.
	OrderType   string
	MaxOTM      *float64
	PriceRanges []selection.PriceRange
}

type slot struct {
	positionID string
	direction  models.OptionType
	// deferred is an opposite signal that arrived while the entry was still
	// working. It is retried on later closes until the entry resolves.
	deferred *strategy.Signal
}

type registered struct {
	strategy strategy.Strategy
	quantity int
}

// Runner serializes candle-close and position-update handling behind one lock
// and keeps at most one position per strategy name.
type Runner struct {
	bus    CandleBus
	feed   PositionFeed
	orders OrderManager
	ema    EMASource
	config Config
	logger logrus.FieldLogger

	hooks      []Hooks
	strategies []registered

	mu    sync.Mutex
	slots map[string]slot

	runMu   sync.Mutex
	busID   int
	feedID  int
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewRunner builds a stopped runner. feed may be nil when no strategy manages
// open positions.
func NewRunner(bus CandleBus, feed PositionFeed, om OrderManager, emaSource EMASource, cfg Config, logger logrus.FieldLogger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		bus:    bus,
		feed:   feed,
		orders: om,
		ema:    emaSource,
		config: cfg,
		logger: logger.WithField("component", "runner"),
		slots:  map[string]slot{},
	}
}

// AddStrategy registers a strategy instance. Call before Start.
func (r *Runner) AddStrategy(inst strategy.Instance) {
	qty := inst.Quantity
	if qty <= 0 {
		qty = 1
	}
	r.strategies = append(r.strategies, registered{strategy: inst.Strategy, quantity: qty})
}

// AddHooks registers lifecycle hooks. Call before Start.
func (r *Runner) AddHooks(h Hooks) {
	if h != nil {
		r.hooks = append(r.hooks, h)
	}
}

// Slot returns the position a strategy currently holds.
func (r *Runner) Slot(name string) (positionID string, direction models.OptionType, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[name]
	return s.positionID, s.direction, ok
}

// HandleCandleClose runs every strategy against the event. End-of-day flush
// events are ignored.
func (r *Runner) HandleCandleClose(ctx context.Context, evt events.CandleCloseEvent) error {
	if evt.Source == events.SourceEOD {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var snap ema.Snapshot
	if r.ema != nil {
		if s, ok := r.ema.Latest(evt.Timeframe); ok {
			snap = s
		}
	}
	sctx := strategy.Context{
		Symbol:    evt.Symbol,
		Timeframe: evt.Timeframe,
		Candle:    evt.Candle,
		EMA:       snap,
		Timestamp: evt.ClosedAt,
	}

	var errs []error
	for _, reg := range r.strategies {
		sig := r.callStrategy(reg.strategy, sctx)
		if sig == nil {
			sig = r.slots[reg.strategy.Name()].deferred
		}
		if sig == nil {
			continue
		}
		if err := r.handleSignal(ctx, reg, sig, sctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) callStrategy(s strategy.Strategy, sctx strategy.Context) (sig *strategy.Signal) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ListenerErrors.WithLabelValues("strategy").Inc()
			r.logger.WithFields(logrus.Fields{"strategy": s.Name(), "panic": fmt.Sprint(rec)}).Error("strategy panicked")
			sig = nil
		}
	}()
	return s.OnCandleClose(sctx)
}

// handleSignal closes an opposite position and opens the new one. A flip
// against an entry that has not resolved yet is parked on the slot so the
// strategy never holds two positions. Caller holds r.mu.
func (r *Runner) handleSignal(ctx context.Context, reg registered, sig *strategy.Signal, sctx strategy.Context) error {
	name := reg.strategy.Name()
	if sig.Direction != models.OptionCall && sig.Direction != models.OptionPut {
		return nil
	}
	log := r.logger.WithFields(logrus.Fields{"strategy": name, "direction": sig.Direction, "reason": sig.Reason})

	active, holding := r.slots[name]
	if holding && !r.stillOpen(active.positionID) {
		delete(r.slots, name)
		holding = false
	}
	if holding && active.direction == sig.Direction {
		if active.deferred != nil {
			active.deferred = nil
			r.slots[name] = active
			log.Info("deferred flip dropped, signal back in position direction")
		}
		return nil
	}
	if holding && r.orders.HasWorkingBuy(active.positionID) {
		active.deferred = sig
		r.slots[name] = active
		log.WithField("position_id", active.positionID).Info("flip deferred until entry resolves")
		return nil
	}
	if holding {
		res, err := r.orders.ClosePosition(ctx, active.positionID, orders.OrderOptions{OrderType: r.config.OrderType, Reason: "flip: " + sig.Reason})
		if err != nil {
			log.WithError(err).Error("failed to close position before flip")
			return fmt.Errorf("%s: close %s: %w", name, active.positionID, err)
		}
		if res == nil && r.stillOpen(active.positionID) {
			// every contract is already reserved by a working sell
			active.deferred = sig
			r.slots[name] = active
			log.WithField("position_id", active.positionID).Info("flip deferred until exit resolves")
			return nil
		}
		delete(r.slots, name)
		if res != nil {
			r.fire(hookClosed, LifecycleEvent{Strategy: name, Direction: active.direction, Reason: "flip: " + sig.Reason, Result: res})
		}
	}

	if sctx.Candle.Close <= 0 {
		log.Warn("no underlying price for selection")
		return nil
	}
	expiration := ""
	if r.config.Expiration != nil {
		expiration = r.config.Expiration()
	}
	req := selection.Request{
		Symbol:          sctx.Symbol,
		OptionType:      sig.Direction,
		Expiration:      expiration,
		UnderlyingPrice: sctx.Candle.Close,
		MaxOTM:          r.config.MaxOTM,
		PriceRanges:     r.config.PriceRanges,
	}
	res, err := r.orders.OpenPosition(ctx, req, orders.OpenOptions{
		Quantity:     reg.quantity,
		StrategyTag:  name,
		SelectorName: r.config.SelectorName,
		OrderType:    r.config.OrderType,
		Reason:       sig.Reason,
	})
	if err != nil {
		log.WithError(err).Warn("failed to open position")
		return fmt.Errorf("%s: open %s: %w", name, sig.Direction, err)
	}
	if res.Order.Status == execution.StatusRejected {
		log.WithField("order_id", res.Order.OrderID).Warn("entry rejected")
		return nil
	}
	r.slots[name] = slot{positionID: res.PositionID, direction: sig.Direction}
	log.WithFields(logrus.Fields{"position_id": res.PositionID, "contract": res.Position.Contract.Key()}).Info("position opened")
	r.fire(hookOpened, LifecycleEvent{Strategy: name, Direction: sig.Direction, Reason: sig.Reason, Quantity: reg.quantity, Result: res})
	return nil
}

func (r *Runner) stillOpen(positionID string) bool {
	p, ok := r.orders.Position(positionID)
	return ok && p.Status != models.StatusClosed
}

// HandlePositionUpdates routes marks to the strategies whose name matches
// each position's tag and applies the returned actions.
func (r *Runner) HandlePositionUpdates(ctx context.Context, updates []watcher.PositionUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range updates {
		if u.Status == models.StatusClosed {
			r.clearSlotFor(u.PositionID)
		}
	}

	var errs []error
	for _, reg := range r.strategies {
		handler, ok := reg.strategy.(strategy.PositionHandler)
		if !ok {
			continue
		}
		name := reg.strategy.Name()
		var mine []watcher.PositionUpdate
		owned := map[string]struct{}{}
		for _, u := range updates {
			if strategy.TagMatches(name, u.StrategyTag) {
				mine = append(mine, u)
				owned[u.PositionID] = struct{}{}
			}
		}
		if len(mine) == 0 {
			continue
		}
		for _, action := range r.callHandler(name, handler, mine) {
			if _, ok := owned[action.PositionID]; !ok {
				r.logger.WithFields(logrus.Fields{"strategy": name, "action": action.Action, "position_id": action.PositionID}).
					Warn("action on a position not routed to this strategy skipped")
				continue
			}
			if err := r.applyAction(ctx, name, action); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) callHandler(name string, h strategy.PositionHandler, updates []watcher.PositionUpdate) (actions []strategy.PositionAction) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ListenerErrors.WithLabelValues("strategy").Inc()
			r.logger.WithFields(logrus.Fields{"strategy": name, "panic": fmt.Sprint(rec)}).Error("position handler panicked")
			actions = nil
		}
	}()
	return h.OnPositionUpdate(updates)
}

// applyAction executes one position action. Caller holds r.mu.
func (r *Runner) applyAction(ctx context.Context, name string, a strategy.PositionAction) error {
	log := r.logger.WithFields(logrus.Fields{"strategy": name, "action": a.Action, "position_id": a.PositionID, "reason": a.Reason})
	opts := orders.OrderOptions{OrderType: r.config.OrderType, Reason: a.Reason}
	direction := r.directionOf(a.PositionID)

	switch a.Action {
	case strategy.ActionClose:
		res, err := r.orders.ClosePosition(ctx, a.PositionID, opts)
		if err != nil {
			log.WithError(err).Error("close failed")
			return err
		}
		if s, ok := r.slots[name]; ok && s.positionID == a.PositionID {
			delete(r.slots, name)
		}
		if res != nil {
			log.Info("position close submitted")
			r.fire(hookClosed, LifecycleEvent{Strategy: name, Direction: direction, Reason: a.Reason, Result: res})
		}
	case strategy.ActionTrim:
		if a.Quantity <= 0 {
			log.Warn("trim without positive quantity skipped")
			return nil
		}
		res, err := r.orders.TrimPosition(ctx, a.PositionID, a.Quantity, opts)
		if err != nil {
			log.WithError(err).Error("trim failed")
			return err
		}
		log.WithField("quantity", a.Quantity).Info("position trim submitted")
		r.fire(hookTrimmed, LifecycleEvent{Strategy: name, Direction: direction, Reason: a.Reason, Quantity: a.Quantity, Result: res})
	case strategy.ActionAdd:
		if a.Quantity <= 0 {
			log.Warn("add without positive quantity skipped")
			return nil
		}
		res, err := r.orders.AddToPosition(ctx, a.PositionID, a.Quantity, opts)
		if err != nil {
			log.WithError(err).Error("add failed")
			return err
		}
		log.WithField("quantity", a.Quantity).Info("position add submitted")
		r.fire(hookAdded, LifecycleEvent{Strategy: name, Direction: direction, Reason: a.Reason, Quantity: a.Quantity, Result: res})
	default:
		log.Warn("unknown position action skipped")
	}
	return nil
}

func (r *Runner) clearSlotFor(positionID string) {
	for name, s := range r.slots {
		if s.positionID == positionID {
			delete(r.slots, name)
		}
	}
}

func (r *Runner) directionOf(positionID string) models.OptionType {
	if p, ok := r.orders.Position(positionID); ok {
		return p.Contract.OptionType
	}
	return ""
}

// Start subscribes to the bus and, when set, the position feed. Calling Start
// twice is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.started {
		return
	}
	r.started = true

	r.busID = r.bus.RegisterAsyncListener(func(ctx context.Context, evt events.CandleCloseEvent) error {
		return r.HandleCandleClose(ctx, evt)
	})

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	if r.feed == nil {
		close(r.done)
	} else {
		id, ch := r.feed.RegisterQueue(16, nil)
		r.feedID = id
		go r.consume(runCtx, ch, r.done)
	}
	r.logger.WithField("strategies", len(r.strategies)).Info("strategy runner started")
}

func (r *Runner) consume(ctx context.Context, ch <-chan []watcher.PositionUpdate, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-ch:
			if err := r.HandlePositionUpdates(ctx, batch); err != nil {
				r.logger.WithError(err).Warn("position update handling failed")
			}
		}
	}
}

// Stop unsubscribes and waits for the position consumer to exit.
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
	if r.feed != nil {
		r.feed.RemoveListener(r.feedID)
	}
	r.logger.Info("strategy runner stopped")
}

// Run starts the runner and stops it when ctx ends, for use under an errgroup.
func (r *Runner) Run(ctx context.Context) error {
	r.Start(ctx)
	<-ctx.Done()
	r.Stop()
	return nil
}
