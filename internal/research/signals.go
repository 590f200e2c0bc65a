// Package research records hypothetical option entries and their later price
// path for offline analysis. Nothing here submits orders.
package research

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/eddiefleurent/candlebot/internal/config"
	"github.com/eddiefleurent/candlebot/internal/ema"
	"github.com/eddiefleurent/candlebot/internal/models"
)

// Signal kinds accepted in research.strategies[].kind.
const (
	EmaPairCrossName = "ema-crossover"
	CandleBreakName  = "candle-ema-break"
)

// DefaultPairs is used when no window pairs can be derived.
var DefaultPairs = [][2]int{{13, 48}, {48, 200}, {13, 200}}

// Context is what a research strategy sees on a candle close. EMAHistory
// holds up to the two newest rows, oldest first.
type Context struct {
	Symbol     string
	Timeframe  string
	Candle     models.Candle
	EMAHistory []ema.Snapshot
	Timestamp  time.Time
}

// Signal is one hypothetical entry. Variant distinguishes several signals a
// strategy may raise on the same close.
type Signal struct {
	Direction models.OptionType
	Reason    string
	Variant   string
}

// Strategy turns a candle close into zero or more signals.
type Strategy interface {
	Name() string
	OnCandleClose(ctx Context) []Signal
}

// EmaPairCross signals every window pair whose fast EMA crossed the slow one
// between the previous and the latest row.
type EmaPairCross struct {
	name       string
	pairs      [][2]int
	timeframes map[string]struct{}
}

// NewEmaPairCross builds the strategy. Empty pairs fall back to every
// ascending combination of windows, or DefaultPairs when windows is empty.
func NewEmaPairCross(name string, pairs [][2]int, windows []int, timeframes []string) *EmaPairCross {
	if name == "" {
		name = EmaPairCrossName
	}
	if len(pairs) == 0 {
		pairs = PairsFromWindows(windows)
	}
	return &EmaPairCross{name: name, pairs: pairs, timeframes: tfSet(timeframes)}
}

// PairsFromWindows lists (fast, slow) for every pair of distinct windows.
func PairsFromWindows(windows []int) [][2]int {
	seen := map[int]bool{}
	var uniq []int
	for _, w := range windows {
		if w > 0 && !seen[w] {
			seen[w] = true
			uniq = append(uniq, w)
		}
	}
	sort.Ints(uniq)
	var out [][2]int
	for i, fast := range uniq {
		for _, slow := range uniq[i+1:] {
			out = append(out, [2]int{fast, slow})
		}
	}
	if len(out) == 0 {
		return append([][2]int(nil), DefaultPairs...)
	}
	return out
}

// Name implements Strategy.
func (s *EmaPairCross) Name() string { return s.name }

// OnCandleClose implements Strategy.
func (s *EmaPairCross) OnCandleClose(ctx Context) []Signal {
	if !allowed(s.timeframes, ctx.Timeframe) || len(ctx.EMAHistory) < 2 {
		return nil
	}
	prev, curr := ctx.EMAHistory[len(ctx.EMAHistory)-2], ctx.EMAHistory[len(ctx.EMAHistory)-1]
	var out []Signal
	for _, p := range s.pairs {
		fast, slow := p[0], p[1]
		pf, ok1 := prev.Value(fast)
		ps, ok2 := prev.Value(slow)
		cf, ok3 := curr.Value(fast)
		cs, ok4 := curr.Value(slow)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}
		switch {
		case pf <= ps && cf > cs:
			out = append(out, Signal{
				Direction: models.OptionCall,
				Reason:    fmt.Sprintf("%d crossed above %d", fast, slow),
				Variant:   fmt.Sprintf("%dx%d-bull", fast, slow),
			})
		case pf >= ps && cf < cs:
			out = append(out, Signal{
				Direction: models.OptionPut,
				Reason:    fmt.Sprintf("%d crossed below %d", fast, slow),
				Variant:   fmt.Sprintf("%dx%d-bear", fast, slow),
			})
		}
	}
	return out
}

// CandleBreak signals when a candle body crosses an EMA of the latest row.
// A candle that spans several EMAs raises one signal per EMA.
type CandleBreak struct {
	name       string
	timeframes map[string]struct{}
}

// NewCandleBreak builds the strategy.
func NewCandleBreak(name string, timeframes []string) *CandleBreak {
	if name == "" {
		name = CandleBreakName
	}
	return &CandleBreak{name: name, timeframes: tfSet(timeframes)}
}

// Name implements Strategy.
func (s *CandleBreak) Name() string { return s.name }

// OnCandleClose implements Strategy.
func (s *CandleBreak) OnCandleClose(ctx Context) []Signal {
	if !allowed(s.timeframes, ctx.Timeframe) || len(ctx.EMAHistory) == 0 {
		return nil
	}
	latest := ctx.EMAHistory[len(ctx.EMAHistory)-1]
	open, closePx := ctx.Candle.Open, ctx.Candle.Close
	var out []Signal
	for _, w := range Levels(latest) {
		switch {
		case open <= w.Value && w.Value < closePx:
			out = append(out, Signal{
				Direction: models.OptionCall,
				Reason:    fmt.Sprintf("candle broke EMA %d up", w.Window),
				Variant:   fmt.Sprintf("%d-up", w.Window),
			})
		case open >= w.Value && w.Value > closePx:
			out = append(out, Signal{
				Direction: models.OptionPut,
				Reason:    fmt.Sprintf("candle broke EMA %d down", w.Window),
				Variant:   fmt.Sprintf("%d-down", w.Window),
			})
		}
	}
	return out
}

// Level is one EMA value of a snapshot.
type Level struct {
	Window int
	Value  float64
}

// Levels lists a snapshot's EMA values by ascending window, skipping the
// index column and non-numeric keys.
func Levels(snap ema.Snapshot) []Level {
	out := make([]Level, 0, len(snap))
	for k, v := range snap {
		if k == ema.IndexKey {
			continue
		}
		w, err := strconv.Atoi(k)
		if err != nil || math.IsNaN(v) {
			continue
		}
		out = append(out, Level{Window: w, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window < out[j].Window })
	return out
}

// Build turns research strategy specs into strategies. windows seeds the
// crossover pairs when a spec gives no fast/slow.
func Build(specs []config.ResearchStrategySpec, windows []int) ([]Strategy, error) {
	var out []Strategy
	for i, spec := range specs {
		if !spec.IsEnabled() {
			continue
		}
		switch spec.Kind {
		case EmaPairCrossName:
			var pairs [][2]int
			if spec.Fast > 0 && spec.Slow > 0 {
				if spec.Fast == spec.Slow {
					return nil, fmt.Errorf("research.strategies[%d]: fast and slow must differ", i)
				}
				pairs = [][2]int{{spec.Fast, spec.Slow}}
			}
			out = append(out, NewEmaPairCross(spec.Name, pairs, windows, spec.Timeframes))
		case CandleBreakName:
			out = append(out, NewCandleBreak(spec.Name, spec.Timeframes))
		default:
			return nil, fmt.Errorf("research.strategies[%d]: unknown kind %q", i, spec.Kind)
		}
	}
	return out, nil
}

func tfSet(tfs []string) map[string]struct{} {
	if len(tfs) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(tfs))
	for _, tf := range tfs {
		out[tf] = struct{}{}
	}
	return out
}

func allowed(set map[string]struct{}, tf string) bool {
	if set == nil {
		return true
	}
	_, ok := set[tf]
	return ok
}
