// Package models provides the data structures shared by the candle pipeline,
// the options order manager and the strategy runner.
package models

import (
	"math"
	"time"
)

// Candle is an OHLC bar. Timestamp is the start of the bar.
type Candle struct {
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Timestamp time.Time `json:"timestamp"`
}

// IsEmpty reports whether no tick has been folded into the candle yet.
func (c Candle) IsEmpty() bool {
	return c.Timestamp.IsZero() && c.Open == 0 && c.High == 0 && c.Low == 0 && c.Close == 0
}

// Update folds a trade price into the bar. The first tick seeds all four prices
// and sets the bar start.
func (c *Candle) Update(price float64, at time.Time) {
	if c.IsEmpty() {
		c.Open, c.High, c.Low, c.Close = price, price, price, price
		c.Timestamp = at
		return
	}
	c.High = math.Max(c.High, price)
	c.Low = math.Min(c.Low, price)
	c.Close = price
}

// Valid checks the low <= open,close <= high invariant.
func (c Candle) Valid() bool {
	return c.Low <= c.Open && c.Low <= c.Close && c.Open <= c.High && c.Close <= c.High
}

// TimestampKey returns the bar start truncated to seconds, used for de-duplication.
func (c Candle) TimestampKey() string {
	return c.Timestamp.Format("2006-01-02T15:04:05")
}
