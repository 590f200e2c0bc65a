package strategy

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/eddiefleurent/candlebot/internal/ema"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/watcher"
)

// CandleEmaBreakName is the registry kind of CandleEmaBreak.
const CandleEmaBreakName = "candle-ema-break"

// CandleEmaBreak enters when a candle body crosses an EMA, scanning windows
// from shortest to longest, and stops out when a later candle crosses the same
// EMA back. The stop is delivered on the next position update.
type CandleEmaBreak struct {
	name      string
	timeframe string

	mu          sync.Mutex
	direction   models.OptionType
	activeEMA   string
	pendingStop bool
	stopReason  string
}

// NewCandleEmaBreak builds the strategy.
func NewCandleEmaBreak(name, timeframe string) *CandleEmaBreak {
	if name == "" {
		name = CandleEmaBreakName
	}
	return &CandleEmaBreak{name: name, timeframe: timeframe}
}

// Name implements Strategy.
func (s *CandleEmaBreak) Name() string { return s.name }

// Timeframe returns the timeframe the strategy trades.
func (s *CandleEmaBreak) Timeframe() string { return s.timeframe }

// OnCandleClose implements Strategy.
func (s *CandleEmaBreak) OnCandleClose(ctx Context) *Signal {
	if ctx.Timeframe != s.timeframe || len(ctx.EMA) == 0 {
		return nil
	}
	open, closePx := ctx.Candle.Open, ctx.Candle.Close

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.direction != "" && s.activeEMA != "" {
		v, ok := ctx.EMA[s.activeEMA]
		if !ok {
			return nil
		}
		if s.direction == models.OptionCall && crossedDown(open, closePx, v) {
			s.pendingStop = true
			s.stopReason = fmt.Sprintf("Stop: candle broke EMA %s down", s.activeEMA)
		} else if s.direction == models.OptionPut && crossedUp(open, closePx, v) {
			s.pendingStop = true
			s.stopReason = fmt.Sprintf("Stop: candle broke EMA %s up", s.activeEMA)
		}
		return nil
	}

	for _, key := range sortedWindows(ctx.EMA) {
		v := ctx.EMA[key]
		switch {
		case crossedUp(open, closePx, v):
			s.enter(models.OptionCall, key)
			return &Signal{Direction: models.OptionCall, Reason: fmt.Sprintf("Candle broke EMA %s up", key)}
		case crossedDown(open, closePx, v):
			s.enter(models.OptionPut, key)
			return &Signal{Direction: models.OptionPut, Reason: fmt.Sprintf("Candle broke EMA %s down", key)}
		}
	}
	return nil
}

func (s *CandleEmaBreak) enter(direction models.OptionType, key string) {
	s.direction = direction
	s.activeEMA = key
	s.pendingStop = false
	s.stopReason = ""
}

// OnPositionUpdate implements PositionHandler. A pending stop closes the
// first matching position and rearms the entry scan.
func (s *CandleEmaBreak) OnPositionUpdate(updates []watcher.PositionUpdate) []PositionAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pendingStop || len(updates) == 0 {
		return nil
	}
	u := updates[0]
	if u.StrategyTag != "" && !TagMatches(s.name, u.StrategyTag) {
		return nil
	}
	reason := s.stopReason
	if reason == "" {
		reason = "Stop"
	}
	s.pendingStop = false
	s.direction = ""
	s.activeEMA = ""
	s.stopReason = ""
	return []PositionAction{{Action: ActionClose, PositionID: u.PositionID, Reason: reason, Timeframe: s.timeframe}}
}

func crossedUp(open, closePx, v float64) bool   { return open <= v && v < closePx }
func crossedDown(open, closePx, v float64) bool { return open >= v && v > closePx }

// sortedWindows orders EMA keys numerically, skipping the index column.
func sortedWindows(snap ema.Snapshot) []string {
	keys := make([]string, 0, len(snap))
	for k := range snap {
		if k != ema.IndexKey {
			keys = append(keys, k)
		}
	}
	num := func(k string) float64 {
		f, err := strconv.ParseFloat(k, 64)
		if err != nil {
			return math.Inf(1)
		}
		return f
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := num(keys[i]), num(keys[j])
		if a != b {
			return a < b
		}
		return keys[i] < keys[j]
	})
	return keys
}
