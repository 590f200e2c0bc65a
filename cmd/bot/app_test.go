package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/eddiefleurent/candlebot/internal/broker"
	"github.com/eddiefleurent/candlebot/internal/config"
	"github.com/eddiefleurent/candlebot/internal/events"
	"github.com/eddiefleurent/candlebot/internal/execution"
	"github.com/eddiefleurent/candlebot/internal/selection"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offlineConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	ticks := filepath.Join(dir, "ticks.jsonl")
	require.NoError(t, os.WriteFile(ticks, nil, 0o600))

	doc := fmt.Sprintf(`
environment:
  mode: paper
  log_level: debug
pipeline:
  symbol: SPY
  feed: replay
  replay_path: %[1]s/ticks.jsonl
ema:
  state_path: %[1]s/ema/state.json
  series_dir: %[1]s/ema
options:
  provider: synthetic
  quantity: 3
  price_ranges:
    - {low: 0.5, high: 1.0}
storage:
  candles_dir: %[1]s/candles
  ledger_path: %[1]s/ledger.jsonl
  sqlite_path: %[1]s/ledger.db
  positions_path: %[1]s/positions.json
strategies:
  - kind: ema-crossover
    timeframes: [5M, 15M]
  - kind: candle-ema-break
    quantity: 1
%[2]s`, dir, extra)
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func TestBuild_OfflinePaperStack(t *testing.T) {
	cfg := offlineConfig(t, "server:\n  enabled: true\n  port: 18080\n")
	logger := logrus.New()

	a, err := build(cfg, logger)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.broker)
	assert.NotNil(t, a.server)
	assert.NotNil(t, a.sqlite)
	assert.Len(t, a.quotes.Expiration(), 8)

	exec, err := a.buildExecutor()
	require.NoError(t, err)
	assert.IsType(t, &execution.PaperExecutor{}, exec)

	pnl, err := a.dailyPnL("2026-01-05", a.loc)
	require.NoError(t, err)
	assert.Zero(t, pnl)

	a.Close()
	a.Close()
}

func TestBuild_ResearchRunner(t *testing.T) {
	cfg := offlineConfig(t, `research:
  enabled: true
  timeframes: [5m]
  touch_poll_interval: 0s
  strategies:
    - kind: ema-crossover
    - kind: candle-ema-break
      enabled: false
`)
	a, err := build(cfg, logrus.New())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.research)
	assert.Equal(t, []string{"5M"}, cfg.Research.Timeframes)
	assert.Equal(t, events.SourceReplay, candleSource(cfg.Pipeline.Feed))

	cfg.Research.Strategies = []config.ResearchStrategySpec{{Kind: "zone-touch"}}
	_, err = a.buildResearch(nil)
	assert.ErrorContains(t, err, "unknown kind")
}

func TestBuild_ResearchOffByDefault(t *testing.T) {
	a, err := build(offlineConfig(t, ""), logrus.New())
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.research)
}

func TestApp_LastPrice(t *testing.T) {
	a, err := build(offlineConfig(t, ""), logrus.New())
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	_, _, ok := a.lastPrice(ctx)
	assert.False(t, ok, "no stream price and no broker")

	mock := &broker.MockBroker{QuoteFn: func(_ context.Context, symbol string) (*broker.QuoteItem, error) {
		return &broker.QuoteItem{Symbol: symbol, Last: 517.8}, nil
	}}
	a.broker = broker.NewCircuitBreakerBroker(mock, nil)
	price, source, ok := a.lastPrice(ctx)
	require.True(t, ok)
	assert.Equal(t, 517.8, price)
	assert.Equal(t, "broker", source)
	assert.Equal(t, 1, mock.Calls("GetQuoteCtx"))

	a.price.Set(518.25)
	price, source, ok = a.lastPrice(ctx)
	require.True(t, ok)
	assert.Equal(t, 518.25, price)
	assert.Equal(t, "stream", source)
	assert.Equal(t, 1, mock.Calls("GetQuoteCtx"), "stream price skips the broker")

	a.price.Clear()
	mock.QuoteFn = func(context.Context, string) (*broker.QuoteItem, error) { return nil, errors.New("down") }
	_, _, ok = a.lastPrice(ctx)
	assert.False(t, ok)
}

func TestBuild_LiveNeedsBroker(t *testing.T) {
	cfg := offlineConfig(t, "")
	a, err := build(cfg, logrus.New())
	require.NoError(t, err)
	defer a.Close()

	a.cfg.Environment.Mode = "live"
	_, err = a.buildExecutor()
	assert.Error(t, err)
}

func TestBuildStrategies_DefaultsQuantity(t *testing.T) {
	cfg := offlineConfig(t, "")
	got, err := buildStrategies(cfg)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "ema-crossover-5m", got[0].Strategy.Name())
	assert.Equal(t, 3, got[0].Quantity)
	assert.Equal(t, 3, got[1].Quantity)
	assert.Equal(t, 1, got[2].Quantity)
}

func TestBuildStrategies_UnknownKind(t *testing.T) {
	cfg := offlineConfig(t, "")
	cfg.Strategies = []config.StrategySpec{{Kind: "ema-snapback"}}
	_, err := buildStrategies(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known kinds: candle-ema-break, ema-crossover")
}

func TestPriceRanges(t *testing.T) {
	assert.Nil(t, priceRanges(nil))
	assert.Equal(t, []selection.PriceRange{{Low: 0.5, High: 1}}, priceRanges([]config.PriceRange{{Low: 0.5, High: 1}}))
}

func TestNewLogger(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, newLogger("debug").GetLevel())
	assert.Equal(t, logrus.InfoLevel, newLogger("chatty").GetLevel())
}
