package research

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/candlebot/internal/ema"
	"github.com/eddiefleurent/candlebot/internal/events"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	callContract = models.OptionContract{Symbol: "SPY", OptionType: models.OptionCall, Strike: 520, Expiration: "20260106"}
	putContract  = models.OptionContract{Symbol: "SPY", OptionType: models.OptionPut, Strike: 515, Expiration: "20260106"}
)

type chain struct {
	mu     sync.Mutex
	quotes map[string]models.OptionQuote
}

func newChain() *chain {
	c := &chain{quotes: map[string]models.OptionQuote{}}
	c.set(callContract, 0.35, 0.40)
	c.set(putContract, 0.42, 0.45)
	return c
}

func (c *chain) set(contract models.OptionContract, bid, ask float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[contract.Key()] = models.OptionQuote{Contract: contract, Bid: models.Float(bid), Ask: models.Float(ask)}
}

func (c *chain) Quotes() []models.OptionQuote {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.OptionQuote, 0, len(c.quotes))
	for _, q := range c.quotes {
		out = append(out, q)
	}
	return out
}

func (c *chain) GetQuote(key string) (models.OptionQuote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotes[key]
	return q, ok
}

type history struct {
	mu   sync.Mutex
	rows map[string][]ema.Snapshot
}

func (h *history) set(tf string, rows ...ema.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows[tf] = rows
}

func (h *history) Tail(tf string, n int) []ema.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	rows := h.rows[tf]
	if len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	return append([]ema.Snapshot(nil), rows...)
}

type fixed struct {
	name    string
	signals []Signal
	calls   int
}

func (f *fixed) Name() string { return f.name }

func (f *fixed) OnCandleClose(Context) []Signal {
	f.calls++
	out := f.signals
	f.signals = nil
	return out
}

type exploding struct{}

func (exploding) Name() string                   { return "exploding" }
func (exploding) OnCandleClose(Context) []Signal { panic("strategy exploded") }

func readLines[T any](t *testing.T, path string) []T {
	t.Helper()
	var out []T
	require.NoError(t, storage.ReadJSONLines(path, func(line []byte) error {
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return err
		}
		out = append(out, v)
		return nil
	}, func(_ int, err error) { t.Errorf("bad ledger line: %v", err) }))
	return out
}

func closeAt(tf string, barStart time.Time, closePx float64, source string) events.CandleCloseEvent {
	return events.CandleCloseEvent{
		Symbol:    "SPY",
		Timeframe: tf,
		Candle:    models.Candle{Open: closePx - 1, High: closePx + 1, Low: closePx - 2, Close: closePx, Timestamp: barStart},
		ClosedAt:  barStart.Add(5 * time.Minute),
		Source:    source,
	}
}

func newTestRunner(t *testing.T, quotes QuoteSource, hist EMAHistory, strategies ...Strategy) (*Runner, Ledger) {
	t.Helper()
	dir := t.TempDir()
	ledger := Ledger{SignalsPath: filepath.Join(dir, "signals.jsonl"), PathsPath: filepath.Join(dir, "paths.jsonl")}
	r := NewRunner(nil, quotes, hist, nil, Config{
		Expiration: func() string { return "20260106" },
		Ledger:     ledger,
	}, nil)
	for _, s := range strategies {
		r.AddStrategy(s)
	}
	return r, ledger
}

var bar = time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)

func TestRunner_RecordsSignalAndFollowsCloses(t *testing.T) {
	quotes := newChain()
	hist := &history{rows: map[string][]ema.Snapshot{}}
	hist.set("5M", ema.Snapshot{"13": 99, "48": 100, "x": 1}, ema.Snapshot{"13": 101, "48": 100, "x": 2})
	r, ledger := newTestRunner(t, quotes, hist, NewEmaPairCross("ema-crossover", [][2]int{{13, 48}}, nil, nil))
	ctx := context.Background()

	require.NoError(t, r.HandleCandleClose(ctx, closeAt("5M", bar, 518, events.SourceLive)))

	signals := readLines[SignalEvent](t, ledger.SignalsPath)
	require.Len(t, signals, 1)
	sig := signals[0]
	wantID := "sig-ema-crossover-5M-2026-01-05T15:05:00Z-SPY-call-520-20260106-13x48-bull"
	assert.Equal(t, wantID, sig.SignalID)
	assert.Equal(t, EventSignal, sig.Event)
	assert.Equal(t, "ema-crossover-5m", sig.StrategyTag)
	assert.Equal(t, models.OptionCall, sig.OptionType)
	assert.Equal(t, 520.0, sig.Strike)
	assert.Equal(t, 518.0, sig.UnderlyingPrice)
	assert.Equal(t, 0.40, sig.EntryMark)
	require.NotNil(t, sig.Variant)
	assert.Equal(t, "13x48-bull", *sig.Variant)
	assert.Equal(t, []string{wantID}, r.Active())

	// later closes mark the followed contract once per bar
	hist.set("5M", ema.Snapshot{"13": 101, "48": 100, "x": 2}, ema.Snapshot{"13": 102, "48": 100, "x": 3})
	quotes.set(callContract, 0.50, 0.55)
	next := closeAt("5M", bar.Add(5*time.Minute), 519, events.SourceLive)
	require.NoError(t, r.HandleCandleClose(ctx, next))
	require.NoError(t, r.HandleCandleClose(ctx, next))

	// other timeframes leave it alone
	require.NoError(t, r.HandleCandleClose(ctx, closeAt("2M", bar.Add(10*time.Minute), 520, events.SourceLive)))

	require.NoError(t, r.HandleCandleClose(ctx, closeAt("5M", bar.Add(10*time.Minute), 517, events.SourceEOD)))
	assert.Empty(t, r.Active())

	paths := readLines[PathEvent](t, ledger.PathsPath)
	require.Len(t, paths, 3)
	assert.Equal(t, EventCandleClose, paths[0].Event)
	assert.Equal(t, 0.40, paths[0].Mark)
	assert.Equal(t, 0.55, paths[1].Mark)
	assert.Equal(t, 519.0, paths[1].UnderlyingPrice)
	require.NotNil(t, paths[1].Reason)
	assert.Equal(t, "close:live", *paths[1].Reason)
	require.NotNil(t, paths[2].Reason)
	assert.Equal(t, "close:eod", *paths[2].Reason)
	for _, p := range paths {
		assert.Equal(t, wantID, p.SignalID)
		assert.Equal(t, "SPY-call-520-20260106", p.ContractKey)
	}

	assert.Len(t, readLines[SignalEvent](t, ledger.SignalsPath), 1)
}

func TestRunner_TouchesDedupedPerBucket(t *testing.T) {
	quotes := newChain()
	hist := &history{rows: map[string][]ema.Snapshot{}}
	strat := &fixed{name: "manual", signals: []Signal{{Direction: models.OptionPut, Reason: "test"}}}
	r, ledger := newTestRunner(t, quotes, hist, strat)
	now := time.Date(2026, 1, 5, 15, 6, 10, 0, time.UTC)
	r.WithClock(func() time.Time { return now })

	require.NoError(t, r.HandleCandleClose(context.Background(), closeAt("5M", bar, 518, events.SourceLive)))
	require.Len(t, r.Active(), 1)
	hist.set("5M", ema.Snapshot{"13": 518.01, "48": 517.5, "200": 510, "x": 9})

	require.NoError(t, r.CheckTouches(518.00))
	require.NoError(t, r.CheckTouches(518.02), "same bucket, same EMA")
	now = now.Add(2 * time.Minute)
	require.NoError(t, r.CheckTouches(517.49), "new EMA in the same bucket")
	now = now.Add(5 * time.Minute)
	require.NoError(t, r.CheckTouches(518.02))
	require.NoError(t, r.CheckTouches(505))

	var touches []PathEvent
	for _, p := range readLines[PathEvent](t, ledger.PathsPath) {
		if p.Event == EventTouch {
			touches = append(touches, p)
		}
	}
	require.Len(t, touches, 3)
	assert.Equal(t, "ema:13", touches[0].EventKey)
	assert.Equal(t, 518.0, touches[0].UnderlyingPrice)
	assert.Equal(t, 0.45, touches[0].Mark)
	require.NotNil(t, touches[0].Reason)
	assert.Equal(t, "ema_touch", *touches[0].Reason)
	assert.Nil(t, touches[0].Variant)
	assert.Equal(t, "ema:48", touches[1].EventKey)
	assert.Equal(t, "ema:13", touches[2].EventKey)
	assert.Equal(t, "2026-01-05T15:13:10Z", touches[2].TS)
}

func TestRunner_SkipsWithoutQuotesAndContainsPanics(t *testing.T) {
	empty := &chain{quotes: map[string]models.OptionQuote{}}
	strat := &fixed{name: "manual", signals: []Signal{{Direction: models.OptionCall}}}
	r, ledger := newTestRunner(t, empty, nil, strat)
	require.NoError(t, r.HandleCandleClose(context.Background(), closeAt("5M", bar, 518, events.SourceLive)))
	assert.Zero(t, strat.calls, "no chain, no evaluation")
	assert.Empty(t, readLines[SignalEvent](t, ledger.SignalsPath))

	good := &fixed{name: "manual", signals: []Signal{{Direction: "straddle"}, {Direction: models.OptionCall, Variant: "v"}}}
	r, ledger = newTestRunner(t, newChain(), nil, exploding{}, good)
	require.NoError(t, r.HandleCandleClose(context.Background(), closeAt("5M", bar, 518, events.SourceLive)))
	signals := readLines[SignalEvent](t, ledger.SignalsPath)
	require.Len(t, signals, 1)
	assert.Equal(t, "manual-5m", signals[0].StrategyTag)
	assert.Nil(t, signals[0].Reason)
}

func TestRunner_TimeframeFilter(t *testing.T) {
	strat := &fixed{name: "manual", signals: []Signal{{Direction: models.OptionCall}}}
	dir := t.TempDir()
	r := NewRunner(nil, newChain(), nil, nil, Config{
		Expiration: func() string { return "20260106" },
		Timeframes: []string{"15M"},
		Ledger:     Ledger{SignalsPath: filepath.Join(dir, "s.jsonl"), PathsPath: filepath.Join(dir, "p.jsonl")},
	}, nil)
	r.AddStrategy(strat)

	require.NoError(t, r.HandleCandleClose(context.Background(), closeAt("5M", bar, 518, events.SourceLive)))
	assert.Zero(t, strat.calls)
}

func TestRunner_StartSubscribesAndPollsTouches(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()

	hist := &history{rows: map[string][]ema.Snapshot{}}
	hist.set("5M", ema.Snapshot{"13": 518})
	dir := t.TempDir()
	ledger := Ledger{SignalsPath: filepath.Join(dir, "signals.jsonl"), PathsPath: filepath.Join(dir, "paths.jsonl")}
	price := func() (float64, bool) { return 518.01, true }
	r := NewRunner(bus, newChain(), hist, price, Config{
		Expiration:    func() string { return "20260106" },
		Ledger:        ledger,
		TouchInterval: time.Millisecond,
	}, nil)
	assert.Equal(t, MinTouchInterval, r.config.TouchInterval)
	r.AddStrategy(&fixed{name: "manual", signals: []Signal{{Direction: models.OptionCall}}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	r.Start(ctx)

	bus.PublishCandleClose(closeAt("5M", bar, 518, events.SourceLive))
	assert.Eventually(t, func() bool { return len(r.Active()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, p := range readLines[PathEvent](t, ledger.PathsPath) {
			if p.Event == EventTouch {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond)

	r.Stop()
	r.Stop()
}
