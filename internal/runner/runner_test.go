package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/candlebot/internal/ema"
	"github.com/eddiefleurent/candlebot/internal/events"
	"github.com/eddiefleurent/candlebot/internal/execution"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/orders"
	"github.com/eddiefleurent/candlebot/internal/strategy"
	"github.com/eddiefleurent/candlebot/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chain struct {
	quotes []models.OptionQuote
}

func (c *chain) Quotes() []models.OptionQuote { return c.quotes }

func (c *chain) get(key string) (models.OptionQuote, bool) {
	for _, q := range c.quotes {
		if q.Contract.Key() == key {
			return q, true
		}
	}
	return models.OptionQuote{}, false
}

func spyChain() *chain {
	return &chain{quotes: []models.OptionQuote{
		{
			Contract: models.OptionContract{Symbol: "SPY", OptionType: models.OptionCall, Strike: 520, Expiration: "20260106"},
			Bid:      models.Float(0.35), Ask: models.Float(0.40),
		},
		{
			Contract: models.OptionContract{Symbol: "SPY", OptionType: models.OptionPut, Strike: 515, Expiration: "20260106"},
			Bid:      models.Float(0.42), Ask: models.Float(0.45),
		},
	}}
}

type scripted struct {
	name    string
	signals []*strategy.Signal
	seen    []strategy.Context
	actions func([]watcher.PositionUpdate) []strategy.PositionAction
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) OnCandleClose(ctx strategy.Context) *strategy.Signal {
	s.seen = append(s.seen, ctx)
	if len(s.signals) == 0 {
		return nil
	}
	next := s.signals[0]
	s.signals = s.signals[1:]
	return next
}

func (s *scripted) OnPositionUpdate(updates []watcher.PositionUpdate) []strategy.PositionAction {
	if s.actions == nil {
		return nil
	}
	return s.actions(updates)
}

type emaTable map[string]ema.Snapshot

func (e emaTable) Latest(tf string) (ema.Snapshot, bool) {
	s, ok := e[tf]
	return s, ok
}

type recorder struct {
	mu     sync.Mutex
	events []string
	fail   bool
}

func (r *recorder) add(kind string, evt LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+string(evt.Direction))
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) OnPositionOpened(evt LifecycleEvent) error  { return r.add("opened", evt) }
func (r *recorder) OnPositionAdded(evt LifecycleEvent) error   { return r.add("added", evt) }
func (r *recorder) OnPositionTrimmed(evt LifecycleEvent) error { return r.add("trimmed", evt) }
func (r *recorder) OnPositionClosed(evt LifecycleEvent) error  { return r.add("closed", evt) }

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type panicky struct{ recorder }

func (p *panicky) OnPositionOpened(LifecycleEvent) error { panic("hook exploded") }

func call(reason string) *strategy.Signal {
	return &strategy.Signal{Direction: models.OptionCall, Reason: reason}
}

func put(reason string) *strategy.Signal {
	return &strategy.Signal{Direction: models.OptionPut, Reason: reason}
}

func closeEvent(source string) events.CandleCloseEvent {
	at := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	return events.CandleCloseEvent{
		Symbol:    "SPY",
		Timeframe: "15M",
		Candle:    models.Candle{Open: 517, High: 519, Low: 516, Close: 518, Timestamp: at.Add(-15 * time.Minute)},
		ClosedAt:  at,
		Source:    source,
	}
}

func newTestRunner(t *testing.T, strategies ...strategy.Strategy) (*Runner, *orders.Manager) {
	t.Helper()
	quotes := spyChain()
	m := orders.NewManager(quotes, execution.NewPaperExecutor(quotes.get, nil), nil)
	r := NewRunner(nil, nil, m, emaTable{"15M": {"13": 2, "48": 1}}, Config{
		Expiration: func() string { return "20260106" },
	}, nil)
	for _, s := range strategies {
		r.AddStrategy(strategy.Instance{Strategy: s, Timeframe: "15M", Quantity: 2})
	}
	return r, m
}

// brokerExecutor leaves every order working until fill is called.
type brokerExecutor struct {
	mu       sync.Mutex
	next     int
	statuses map[string]execution.OrderStatus
}

func (e *brokerExecutor) SubmitOptionOrder(_ context.Context, _ execution.OrderRequest) (execution.SubmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	id := fmt.Sprintf("%d", 1000+e.next)
	e.statuses[id] = execution.OrderStatus{OrderID: id, Status: "open"}
	return execution.SubmitResult{OrderID: id, Status: "ok"}, nil
}

func (e *brokerExecutor) GetOrderStatus(_ context.Context, id string) (execution.OrderStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.statuses[id]
	if !ok {
		return execution.OrderStatus{}, execution.ErrOrderNotFound
	}
	return st, nil
}

func (e *brokerExecutor) fillAll(price float64, qty int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, st := range e.statuses {
		if st.Status == "open" {
			p, q := price, qty
			e.statuses[id] = execution.OrderStatus{OrderID: id, Status: "filled", AvgFillPrice: &p, FilledQuantity: &q}
		}
	}
}

func activeFor(m *orders.Manager, tag string) []*models.Position {
	var out []*models.Position
	for _, p := range m.Positions() {
		if p.StrategyTag == tag && p.Status != models.StatusClosed {
			out = append(out, p)
		}
	}
	return out
}

func TestRunner_OpenSkipAndFlip(t *testing.T) {
	s := &scripted{name: "ema-crossover", signals: []*strategy.Signal{call("up"), call("still up"), put("down")}}
	r, m := newTestRunner(t, s)
	hooks := &recorder{}
	r.AddHooks(hooks)
	ctx := context.Background()

	require.NoError(t, r.HandleCandleClose(ctx, closeEvent(events.SourceLive)))
	callID, dir, ok := r.Slot("ema-crossover")
	require.True(t, ok)
	assert.Equal(t, models.OptionCall, dir)
	require.Len(t, s.seen, 1)
	assert.Equal(t, 2.0, s.seen[0].EMA["13"])
	assert.Equal(t, 518.0, s.seen[0].Candle.Close)

	// same direction while holding does nothing
	require.NoError(t, r.HandleCandleClose(ctx, closeEvent(events.SourceLive)))
	assert.Len(t, m.Positions(), 1)

	require.NoError(t, r.HandleCandleClose(ctx, closeEvent(events.SourceLive)))
	putID, dir, ok := r.Slot("ema-crossover")
	require.True(t, ok)
	assert.Equal(t, models.OptionPut, dir)
	assert.NotEqual(t, callID, putID)

	old, ok := m.Position(callID)
	require.True(t, ok)
	assert.Equal(t, models.StatusClosed, old.Status)
	current, ok := m.Position(putID)
	require.True(t, ok)
	assert.Equal(t, "ema-crossover", current.StrategyTag)
	assert.Equal(t, 2, current.QuantityOpen)
	assert.Equal(t, 515.0, current.Contract.Strike)

	assert.Equal(t, []string{"opened:call", "closed:call", "opened:put"}, hooks.seen())
}

func TestRunner_FlipWaitsForWorkingEntry(t *testing.T) {
	s := &scripted{name: "ema-crossover", signals: []*strategy.Signal{call("up"), put("down")}}
	quotes := spyChain()
	exec := &brokerExecutor{statuses: map[string]execution.OrderStatus{}}
	m := orders.NewManager(quotes, exec, nil)
	r := NewRunner(nil, nil, m, emaTable{}, Config{Expiration: func() string { return "20260106" }}, nil)
	r.AddStrategy(strategy.Instance{Strategy: s, Timeframe: "15M", Quantity: 2})
	ctx := context.Background()

	require.NoError(t, r.HandleCandleClose(ctx, closeEvent(events.SourceLive)))
	callID, _, ok := r.Slot("ema-crossover")
	require.True(t, ok)
	assert.True(t, m.HasWorkingBuy(callID))

	// the put signal lands while the call entry is still working at the broker
	require.NoError(t, r.HandleCandleClose(ctx, closeEvent(events.SourceLive)))
	id, dir, ok := r.Slot("ema-crossover")
	require.True(t, ok)
	assert.Equal(t, callID, id)
	assert.Equal(t, models.OptionCall, dir)
	assert.Len(t, m.Positions(), 1)

	exec.fillAll(0.40, 2)
	require.NoError(t, m.PollPending(ctx))
	p, _ := m.Position(callID)
	require.Equal(t, models.StatusOpen, p.Status)

	// next close carries no fresh signal; the parked flip runs now
	require.NoError(t, r.HandleCandleClose(ctx, closeEvent(events.SourceLive)))
	putID, dir, ok := r.Slot("ema-crossover")
	require.True(t, ok)
	assert.Equal(t, models.OptionPut, dir)
	assert.NotEqual(t, callID, putID)

	exec.fillAll(0.45, 2)
	require.NoError(t, m.PollPending(ctx))
	active := activeFor(m, "ema-crossover")
	require.Len(t, active, 1)
	assert.Equal(t, putID, active[0].ID)

	// nothing left parked
	require.NoError(t, r.HandleCandleClose(ctx, closeEvent(events.SourceLive)))
	assert.Len(t, m.Positions(), 2)
}

func TestRunner_SameDirectionDropsDeferredFlip(t *testing.T) {
	s := &scripted{name: "ema-crossover", signals: []*strategy.Signal{call("up"), put("down"), call("up again")}}
	quotes := spyChain()
	exec := &brokerExecutor{statuses: map[string]execution.OrderStatus{}}
	m := orders.NewManager(quotes, exec, nil)
	r := NewRunner(nil, nil, m, emaTable{}, Config{Expiration: func() string { return "20260106" }}, nil)
	r.AddStrategy(strategy.Instance{Strategy: s, Timeframe: "15M", Quantity: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.HandleCandleClose(ctx, closeEvent(events.SourceLive)))
	}
	exec.fillAll(0.40, 2)
	require.NoError(t, m.PollPending(ctx))
	require.NoError(t, r.HandleCandleClose(ctx, closeEvent(events.SourceLive)))

	_, dir, ok := r.Slot("ema-crossover")
	require.True(t, ok)
	assert.Equal(t, models.OptionCall, dir)
	assert.Len(t, m.Positions(), 1)
}

func TestRunner_IgnoresEndOfDayFlush(t *testing.T) {
	s := &scripted{name: "ema-crossover", signals: []*strategy.Signal{call("up")}}
	r, m := newTestRunner(t, s)

	require.NoError(t, r.HandleCandleClose(context.Background(), closeEvent(events.SourceEOD)))
	assert.Empty(t, s.seen)
	assert.Empty(t, m.Positions())
}

func TestRunner_ReentersAfterExternalClose(t *testing.T) {
	s := &scripted{name: "ema-crossover", signals: []*strategy.Signal{call("up"), call("up again")}}
	r, m := newTestRunner(t, s)
	ctx := context.Background()

	require.NoError(t, r.HandleCandleClose(ctx, closeEvent(events.SourceLive)))
	first, _, _ := r.Slot("ema-crossover")
	_, err := m.ClosePosition(ctx, first, orders.OrderOptions{Reason: "manual"})
	require.NoError(t, err)

	require.NoError(t, r.HandleCandleClose(ctx, closeEvent(events.SourceLive)))
	second, _, ok := r.Slot("ema-crossover")
	require.True(t, ok)
	assert.NotEqual(t, first, second)
}

func TestRunner_OpenFailureIsReported(t *testing.T) {
	s := &scripted{name: "ema-crossover", signals: []*strategy.Signal{call("up")}}
	r, m := newTestRunner(t, s)
	r.config.Expiration = func() string { return "20991231" }

	err := r.HandleCandleClose(context.Background(), closeEvent(events.SourceLive))
	assert.Error(t, err)
	_, _, ok := r.Slot("ema-crossover")
	assert.False(t, ok)
	assert.Empty(t, m.Positions())
}

func TestRunner_PositionActions(t *testing.T) {
	s := &scripted{name: "ema-crossover", signals: []*strategy.Signal{call("up")}}
	r, m := newTestRunner(t, s)
	hooks := &recorder{}
	r.AddHooks(hooks)
	ctx := context.Background()

	require.NoError(t, r.HandleCandleClose(ctx, closeEvent(events.SourceLive)))
	id, _, _ := r.Slot("ema-crossover")

	var routed []string
	s.actions = func(updates []watcher.PositionUpdate) []strategy.PositionAction {
		for _, u := range updates {
			routed = append(routed, u.PositionID)
		}
		return []strategy.PositionAction{
			{Action: strategy.ActionTrim, PositionID: id, Quantity: 0, Reason: "noop"},
			{Action: strategy.ActionTrim, PositionID: id, Quantity: 1, Reason: "TP 100%"},
			{Action: "roll", PositionID: id},
			{Action: strategy.ActionClose, PositionID: id, Reason: "TP 200%"},
		}
	}

	updates := []watcher.PositionUpdate{
		{PositionID: id, StrategyTag: "ema-crossover", Status: models.StatusOpen, QuantityOpen: 2},
		{PositionID: "other", StrategyTag: "candle-ema-break", Status: models.StatusOpen, QuantityOpen: 1},
	}
	require.NoError(t, r.HandlePositionUpdates(ctx, updates))

	assert.Equal(t, []string{id}, routed)
	p, ok := m.Position(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusClosed, p.Status)
	_, _, ok = r.Slot("ema-crossover")
	assert.False(t, ok)
	assert.Equal(t, []string{"opened:call", "trimmed:call", "closed:call"}, hooks.seen())
}

func TestRunner_ActionsLimitedToRoutedPositions(t *testing.T) {
	crossover := &scripted{name: "ema-crossover", signals: []*strategy.Signal{call("up")}}
	breakout := &scripted{name: "candle-ema-break", signals: []*strategy.Signal{put("down")}}
	r, m := newTestRunner(t, crossover, breakout)
	ctx := context.Background()

	require.NoError(t, r.HandleCandleClose(ctx, closeEvent(events.SourceLive)))
	callID, _, _ := r.Slot("ema-crossover")
	putID, _, _ := r.Slot("candle-ema-break")

	// crossover tries to close the breakout strategy's position
	crossover.actions = func([]watcher.PositionUpdate) []strategy.PositionAction {
		return []strategy.PositionAction{
			{Action: strategy.ActionClose, PositionID: putID, Reason: "not mine"},
			{Action: strategy.ActionTrim, PositionID: callID, Quantity: 1, Reason: "TP 50%"},
		}
	}
	require.NoError(t, r.HandlePositionUpdates(ctx, []watcher.PositionUpdate{
		{PositionID: callID, StrategyTag: "ema-crossover", Status: models.StatusOpen, QuantityOpen: 2},
	}))

	other, ok := m.Position(putID)
	require.True(t, ok)
	assert.Equal(t, models.StatusOpen, other.Status)
	assert.Equal(t, 2, other.QuantityOpen)
	_, _, ok = r.Slot("candle-ema-break")
	assert.True(t, ok)

	mine, ok := m.Position(callID)
	require.True(t, ok)
	assert.Equal(t, 1, mine.QuantityOpen)
}

func TestRunner_ClosedUpdateClearsSlot(t *testing.T) {
	s := &scripted{name: "ema-crossover", signals: []*strategy.Signal{call("up")}}
	r, _ := newTestRunner(t, s)
	require.NoError(t, r.HandleCandleClose(context.Background(), closeEvent(events.SourceLive)))
	id, _, _ := r.Slot("ema-crossover")

	require.NoError(t, r.HandlePositionUpdates(context.Background(), []watcher.PositionUpdate{
		{PositionID: id, StrategyTag: "ema-crossover", Status: models.StatusClosed},
	}))
	_, _, ok := r.Slot("ema-crossover")
	assert.False(t, ok)
}

func TestRunner_HookFailuresAreContained(t *testing.T) {
	s := &scripted{name: "ema-crossover", signals: []*strategy.Signal{call("up")}}
	r, _ := newTestRunner(t, s)
	bad := &panicky{}
	failing := &recorder{fail: true}
	good := &recorder{}
	r.AddHooks(bad)
	r.AddHooks(failing)
	r.AddHooks(good)

	require.NoError(t, r.HandleCandleClose(context.Background(), closeEvent(events.SourceLive)))
	assert.Equal(t, []string{"opened:call"}, failing.seen())
	assert.Equal(t, []string{"opened:call"}, good.seen())
}

func TestRunner_StartSubscribesToBus(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()

	s := &scripted{name: "ema-crossover", signals: []*strategy.Signal{put("down")}}
	_, m := newTestRunner(t)
	r := NewRunner(bus, nil, m, emaTable{}, Config{Expiration: func() string { return "20260106" }}, nil)
	r.AddStrategy(strategy.Instance{Strategy: s, Timeframe: "15M"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	r.Start(ctx)

	bus.PublishCandleClose(closeEvent(events.SourceLive))
	assert.Eventually(t, func() bool {
		_, _, ok := r.Slot("ema-crossover")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()
	positions := m.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, 1, positions[0].QuantityOpen)
}

func TestDescribeAndMoney(t *testing.T) {
	assert.Equal(t, "$1,234.50", Money(1234.5))
	assert.Equal(t, "-$40.00", Money(-40))
	assert.Equal(t, "$0.00", Money(0))

	fill := 1.25
	p := models.NewPosition("p1", models.OptionContract{Symbol: "SPY", OptionType: models.OptionCall, Strike: 520, Expiration: "20260106"}, "ema-crossover", time.Now())
	evt := LifecycleEvent{
		Strategy: "ema-crossover",
		Reason:   "EMA crossover 13>48",
		Quantity: 2,
		Result:   &orders.ActionResult{Position: p, Order: execution.SubmitResult{FillPrice: &fill}},
	}
	assert.Equal(t, "[ema-crossover] Opened SPY-call-520-20260106 x2 @ $1.25 (EMA crossover 13>48)", Describe("Opened", evt))
	assert.Equal(t, "[x] Closed", Describe("Closed", LifecycleEvent{Strategy: "x"}))

	n := NewLogNotifier(nil)
	assert.NoError(t, n.OnPositionClosed(evt))
}
