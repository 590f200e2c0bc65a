// Package strategy defines directional option strategies driven by candle
// closes and position marks.
package strategy

import (
	"strings"
	"time"

	"github.com/eddiefleurent/candlebot/internal/ema"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/watcher"
)

// Position actions.
const (
	ActionClose = "close"
	ActionTrim  = "trim"
	ActionAdd   = "add"
)

// Context is the read-only view a strategy gets on each candle close.
// EMA is nil when no snapshot exists for the timeframe yet.
type Context struct {
	Symbol    string
	Timeframe string
	Candle    models.Candle
	EMA       ema.Snapshot
	Timestamp time.Time
}

// Signal asks the runner to hold a position in Direction.
type Signal struct {
	Direction models.OptionType
	Reason    string
}

// PositionAction asks the runner to change an existing position.
type PositionAction struct {
	Action     string
	PositionID string
	Quantity   int
	Reason     string
	Timeframe  string
}

// Strategy reacts to candle closes.
type Strategy interface {
	Name() string
	OnCandleClose(ctx Context) *Signal
}

// PositionHandler is implemented by strategies that manage open positions
// from watcher marks.
type PositionHandler interface {
	OnPositionUpdate(updates []watcher.PositionUpdate) []PositionAction
}

// TagMatches reports whether a position tag belongs to the strategy named
// base: an exact match or a "base-" prefix.
func TagMatches(base, tag string) bool {
	if tag == "" || base == "" {
		return false
	}
	return tag == base || strings.HasPrefix(tag, base+"-")
}
