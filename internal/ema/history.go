package ema

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/storage"
)

// HistoryMerger supplies the candles that seed a day's EMA baseline.
type HistoryMerger interface {
	MergeHistory(ctx context.Context, timeframe string, before time.Time) ([]models.Candle, error)
}

// CandleFileHistory merges prior days and same-day premarket candles from
// the candle store.
type CandleFileHistory struct {
	source storage.CandleSource
	symbol string
	days   int
}

// NewCandleFileHistory reads up to days stored trading days per timeframe.
func NewCandleFileHistory(source storage.CandleSource, symbol string, days int) *CandleFileHistory {
	if days <= 0 {
		days = 3
	}
	return &CandleFileHistory{source: source, symbol: symbol, days: days}
}

// MergeHistory returns stored candles with a timestamp strictly before
// before, oldest first, drawn from the most recent days on file.
func (h *CandleFileHistory) MergeHistory(ctx context.Context, timeframe string, before time.Time) ([]models.Candle, error) {
	days, err := h.source.Days(h.symbol, timeframe)
	if err != nil {
		return nil, fmt.Errorf("list candle days: %w", err)
	}
	cutoffDay := before.Format("2006-01-02")

	// the cutoff day itself (premarket) plus up to h.days prior days
	var picked []string
	prior := 0
	for i := len(days) - 1; i >= 0; i-- {
		d := days[i]
		if d > cutoffDay {
			continue
		}
		if d < cutoffDay {
			if prior == h.days {
				break
			}
			prior++
		}
		picked = append(picked, d)
	}

	var out []models.Candle
	for i := len(picked) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candles, err := h.source.Candles(h.symbol, timeframe, picked[i])
		if err != nil {
			return nil, fmt.Errorf("read candles %s: %w", picked[i], err)
		}
		for _, c := range candles {
			if c.Timestamp.Before(before) {
				out = append(out, c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
