// Package watcher marks open option positions to market as quotes change.
package watcher

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/metrics"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/util"
	"github.com/sirupsen/logrus"
)

// DefaultRefreshInterval is used when NewWatcher gets a non-positive interval.
const DefaultRefreshInterval = time.Second

// Mark sources.
const (
	MarkBid  = "bid"
	MarkMid  = "mid"
	MarkLast = "last"
	MarkAsk  = "ask"
	MarkNone = "none"
)

// PositionUpdate is one position marked against one quote.
type PositionUpdate struct {
	PositionID    string                `json:"position_id"`
	ContractKey   string                `json:"contract_key"`
	Quote         models.OptionQuote    `json:"quote"`
	MarkPrice     *float64              `json:"mark_price"`
	MarkSource    string                `json:"mark_source"`
	UnrealizedPnL *float64              `json:"unrealized_pnl"`
	UnrealizedPct *float64              `json:"unrealized_pct"`
	RealizedPnL   float64               `json:"realized_pnl"`
	QuantityOpen  int                   `json:"quantity_open"`
	AvgEntry      *float64              `json:"avg_entry"`
	Status        models.PositionStatus `json:"status"`
	StrategyTag   string                `json:"strategy_tag,omitempty"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// QuoteSubscriber is the quote service surface the watcher needs.
type QuoteSubscriber interface {
	RegisterQueue(maxsize int, keys []string) (int, <-chan []models.OptionQuote)
	UpdateListenerContracts(id int, keys []string)
	RemoveListener(id int)
}

// PositionsProvider returns the current position book. The watcher never
// mutates what it returns.
type PositionsProvider func() []*models.Position

// Listener receives position updates. It runs on the watcher goroutine.
type Listener func(updates []PositionUpdate)

type listener struct {
	fn  Listener
	ids map[string]struct{} // nil accepts every position
}

// Watcher turns quote batches into PositionUpdate batches.
type Watcher struct {
	quotes   QuoteSubscriber
	provider PositionsProvider
	refresh  time.Duration
	logger   logrus.FieldLogger
	now      func() time.Time

	mu          sync.Mutex
	listeners   map[int]*listener
	nextID      int
	positions   map[string]*models.Position
	contractMap map[string][]string
	active      []string
	latest      map[string]PositionUpdate
	quoteSubID  int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a stopped watcher.
func NewWatcher(quotes QuoteSubscriber, provider PositionsProvider, refresh time.Duration, logger logrus.FieldLogger) *Watcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	return &Watcher{
		quotes:      quotes,
		provider:    provider,
		refresh:     refresh,
		logger:      logger.WithField("component", "watcher"),
		now:         time.Now,
		listeners:   map[int]*listener{},
		positions:   map[string]*models.Position{},
		contractMap: map[string][]string{},
		latest:      map[string]PositionUpdate{},
	}
}

// WithClock overrides the timestamp source for updates.
func (w *Watcher) WithClock(now func() time.Time) *Watcher {
	w.now = now
	return w
}

func idSet(ids []string) map[string]struct{} {
	if ids == nil {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// RegisterListener adds a callback. Nil positionIDs receives every update;
// a non-nil slice receives only those positions.
func (w *Watcher) RegisterListener(fn Listener, positionIDs []string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	w.listeners[w.nextID] = &listener{fn: fn, ids: idSet(positionIDs)}
	return w.nextID
}

// RegisterQueue returns a bounded channel of update batches that drops the
// oldest batch when full.
func (w *Watcher) RegisterQueue(maxsize int, positionIDs []string) (int, <-chan []PositionUpdate) {
	if maxsize <= 0 {
		maxsize = 64
	}
	ch := make(chan []PositionUpdate, maxsize)
	id := w.RegisterListener(func(updates []PositionUpdate) {
		util.OfferLatest(ch, append([]PositionUpdate(nil), updates...))
	}, positionIDs)
	return id, ch
}

// UpdateListenerPositions replaces a listener's position filter.
func (w *Watcher) UpdateListenerPositions(id int, positionIDs []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if l, ok := w.listeners[id]; ok {
		if positionIDs == nil {
			positionIDs = []string{}
		}
		l.ids = idSet(positionIDs)
	}
}

// RemoveListener unsubscribes.
func (w *Watcher) RemoveListener(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.listeners, id)
}

// Latest returns the most recent update per open position.
func (w *Watcher) Latest() map[string]PositionUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]PositionUpdate, len(w.latest))
	for id, u := range w.latest {
		if _, open := w.positions[id]; open {
			out[id] = u
		}
	}
	return out
}

// Refresh rebuilds the active position set and narrows the quote
// subscription when the held contracts changed.
func (w *Watcher) Refresh() {
	var all []*models.Position
	if w.provider != nil {
		all = w.provider()
	}

	positions := make(map[string]*models.Position)
	contractMap := make(map[string][]string)
	for _, p := range all {
		if p == nil || p.Status == models.StatusClosed || p.QuantityOpen <= 0 {
			continue
		}
		positions[p.ID] = p
		key := p.Contract.Key()
		contractMap[key] = append(contractMap[key], p.ID)
	}
	keys := make([]string, 0, len(contractMap))
	for k := range contractMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.mu.Lock()
	w.positions = positions
	w.contractMap = contractMap
	changed := !slices.Equal(keys, w.active)
	subID := w.quoteSubID
	if changed && subID != 0 {
		w.active = keys
	}
	w.mu.Unlock()

	if changed && subID != 0 {
		w.quotes.UpdateListenerContracts(subID, keys)
		w.logger.WithField("contracts", keys).Debug("quote subscription updated")
	}
}

// HandleQuotes marks every open position holding one of the quoted contracts
// and notifies listeners.
func (w *Watcher) HandleQuotes(quotes []models.OptionQuote) {
	updates := w.buildUpdates(quotes)
	if len(updates) > 0 {
		w.notify(updates)
	}
}

func (w *Watcher) buildUpdates(quotes []models.OptionQuote) []PositionUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now().UTC()
	var out []PositionUpdate
	for _, q := range quotes {
		key := q.Contract.Key()
		for _, id := range w.contractMap[key] {
			p, ok := w.positions[id]
			if !ok {
				continue
			}
			u := MarkPosition(p, q, now)
			w.latest[id] = u
			out = append(out, u)
		}
	}
	return out
}

// MarkPosition prices a position against a quote. Marks prefer bid, then mid,
// last and ask.
func MarkPosition(p *models.Position, q models.OptionQuote, at time.Time) PositionUpdate {
	mark, source := SelectMark(q)
	u := PositionUpdate{
		PositionID:   p.ID,
		ContractKey:  q.Contract.Key(),
		Quote:        q,
		MarkPrice:    mark,
		MarkSource:   source,
		RealizedPnL:  p.RealizedPnL,
		QuantityOpen: p.QuantityOpen,
		Status:       p.Status,
		StrategyTag:  p.StrategyTag,
		UpdatedAt:    at,
	}
	if p.AvgEntry != nil {
		avg := *p.AvgEntry
		u.AvgEntry = &avg
	}
	if mark != nil {
		if pnl, ok := p.UnrealizedPnL(*mark); ok {
			u.UnrealizedPnL = &pnl
			if *p.AvgEntry != 0 {
				pct := (*mark - *p.AvgEntry) / *p.AvgEntry * 100
				u.UnrealizedPct = &pct
			}
		}
	}
	return u
}

// SelectMark returns the mark price and where it came from.
func SelectMark(q models.OptionQuote) (*float64, string) {
	if q.Bid != nil {
		v := *q.Bid
		return &v, MarkBid
	}
	if mid, ok := q.Mid(); ok {
		return &mid, MarkMid
	}
	if q.Last != nil {
		v := *q.Last
		return &v, MarkLast
	}
	if q.Ask != nil {
		v := *q.Ask
		return &v, MarkAsk
	}
	return nil, MarkNone
}

func (w *Watcher) notify(updates []PositionUpdate) {
	w.mu.Lock()
	ids := make([]int, 0, len(w.listeners))
	for id := range w.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	type target struct {
		fn    Listener
		batch []PositionUpdate
	}
	targets := make([]target, 0, len(ids))
	for _, id := range ids {
		l := w.listeners[id]
		if l.ids == nil {
			targets = append(targets, target{l.fn, updates})
			continue
		}
		var filtered []PositionUpdate
		for _, u := range updates {
			if _, ok := l.ids[u.PositionID]; ok {
				filtered = append(filtered, u)
			}
		}
		if len(filtered) > 0 {
			targets = append(targets, target{l.fn, filtered})
		}
	}
	w.mu.Unlock()

	for _, t := range targets {
		w.dispatch(t.fn, t.batch)
	}
}

func (w *Watcher) dispatch(fn Listener, batch []PositionUpdate) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerErrors.WithLabelValues("watcher").Inc()
			w.logger.WithField("panic", fmt.Sprint(r)).Error("position listener panicked")
		}
	}()
	fn(batch)
}

// Start subscribes to quotes with an empty filter and launches the loop.
// Calling Start while running is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.done != nil {
		select {
		case <-w.done:
		default:
			return
		}
	}

	subID, ch := w.quotes.RegisterQueue(1, []string{})
	w.mu.Lock()
	w.quoteSubID = subID
	w.active = nil
	w.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(runCtx, ch, w.done)
	w.logger.WithField("refresh", w.refresh).Info("position watcher started")
}

// Stop cancels the loop, waits for it and drops the quote subscription.
// Safe before Start and safe to call twice.
func (w *Watcher) Stop() {
	w.runMu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	w.mu.Lock()
	subID := w.quoteSubID
	w.quoteSubID = 0
	w.active = nil
	w.mu.Unlock()
	if subID != 0 {
		w.quotes.RemoveListener(subID)
	}
	w.logger.Info("position watcher stopped")
}

// Run watches until ctx is cancelled, for use under an errgroup.
func (w *Watcher) Run(ctx context.Context) error {
	w.Start(ctx)
	<-ctx.Done()
	w.Stop()
	return nil
}

func (w *Watcher) run(ctx context.Context, quotes <-chan []models.OptionQuote, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.refresh)
	defer ticker.Stop()

	w.Refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Refresh()
		case batch := <-quotes:
			w.HandleQuotes(batch)
		}
	}
}
