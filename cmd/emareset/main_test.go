package main

import (
	"path/filepath"
	"testing"

	"github.com/eddiefleurent/candlebot/internal/config"
	"github.com/eddiefleurent/candlebot/internal/ema"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframes(t *testing.T) {
	assert.Equal(t, []string{"2M", "15M"}, parseTimeframes(" 2m, ,15M "))
	assert.Nil(t, parseTimeframes(""))
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.EMA.Windows = []int{13, 48}
	cfg.EMA.StatePath = filepath.Join(dir, "state.json")
	cfg.EMA.SeriesDir = dir
	cfg.Schedule.MarketOpen = "09:30"

	require.NoError(t, reset(cfg, []string{"2M", "15M"}, logrus.New()))

	store, err := ema.NewStore(ema.Config{Windows: cfg.EMA.Windows, StatePath: cfg.EMA.StatePath, SeriesDir: dir}, nil, nil)
	require.NoError(t, err)
	for _, tf := range []string{"2M", "15M"} {
		st, ok := store.StateOf(tf)
		require.True(t, ok, tf)
		assert.False(t, st.HasCalculated)
		assert.Empty(t, st.CandleList)
	}

	assert.Error(t, reset(cfg, []string{"7X"}, logrus.New()))
}
