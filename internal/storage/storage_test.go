package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONAtomic_ReplacesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "ema.json")

	require.NoError(t, WriteJSONAtomic(path, map[string]int{"a": 1}))
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"a": 2}))

	var got map[string]int
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, 2, got["a"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files should be cleaned up")
}

func TestReadJSON_Missing(t *testing.T) {
	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "nope.json"), &v)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestJSONLines_SkipsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	require.NoError(t, AppendJSONLine(path, map[string]int{"n": 1}))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, _ = f.WriteString("{not json\n\n")
	require.NoError(t, f.Close())
	require.NoError(t, AppendJSONLine(path, map[string]int{"n": 2}))

	var (
		good []int
		bad  []int
	)
	err = ReadJSONLines(path, func(line []byte) error {
		var v struct{ N int }
		if err := json.Unmarshal(line, &v); err != nil {
			return err
		}
		good = append(good, v.N)
		return nil
	}, func(lineNo int, _ error) { bad = append(bad, lineNo) })
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, good)
	assert.Equal(t, []int{2}, bad)
}

func TestCandleStore_AppendAndRead(t *testing.T) {
	loc := time.FixedZone("ET", -5*3600)
	s := NewCandleStore(t.TempDir(), loc)
	ts := time.Date(2025, 1, 17, 9, 30, 0, 0, loc)

	c1 := models.Candle{Open: 1, High: 2, Low: 0.5, Close: 1.5, Timestamp: ts}
	c2 := models.Candle{Open: 1.5, High: 2, Low: 1, Close: 1.8, Timestamp: ts.Add(2 * time.Minute)}
	require.NoError(t, s.AppendCandle("spy", "2m", c1))
	require.NoError(t, s.AppendCandle("SPY", "2M", c2))
	require.NoError(t, s.AppendCandle("SPY", "2M", models.Candle{Open: 1, High: 1, Low: 1, Close: 1,
		Timestamp: ts.AddDate(0, 0, -1)}))

	got, err := s.Candles("SPY", "2M", "2025-01-17")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Equal(c1.Timestamp))
	assert.Equal(t, 1.8, got[1].Close)

	days, err := s.Days("SPY", "2M")
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-01-16", "2025-01-17"}, days)

	assert.Error(t, s.AppendCandle("SPY", "2M", models.Candle{}))
}

func TestJSONPositionStore_RoundTrip(t *testing.T) {
	s := NewJSONPositionStore(filepath.Join(t.TempDir(), "positions.json"))

	none, err := s.LoadPositions()
	require.NoError(t, err)
	assert.Nil(t, none)

	p := models.NewPosition("p1", models.OptionContract{Symbol: "SPY", OptionType: models.OptionCall,
		Strike: 500, Expiration: "20250117"}, "ema", time.Now().UTC())
	require.NoError(t, p.ApplyBuyFill(2, 1.25, time.Now().UTC()))
	require.NoError(t, s.SavePositions([]*models.Position{p}))

	got, err := s.LoadPositions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
	assert.Equal(t, models.StatusOpen, got[0].Status)
	require.NotNil(t, got[0].AvgEntry)
	assert.Equal(t, 1.25, *got[0].AvgEntry)
}

func TestMockPositionStore_Errors(t *testing.T) {
	m := NewMockPositionStore()
	m.SetSaveError(errors.New("disk full"))
	assert.Error(t, m.SavePositions(nil))
	assert.Equal(t, 1, m.SaveCallCount())
}
