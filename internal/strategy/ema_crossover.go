package strategy

import (
	"fmt"
	"sync"

	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/watcher"
)

// EmaCrossoverName is the registry kind of EmaCrossover.
const EmaCrossoverName = "ema-crossover"

// DefaultCrossoverSteps trims half at +100% and closes at +200%.
var DefaultCrossoverSteps = []ProfitTargetStep{
	{TargetPct: 100, Action: ActionTrim, Fraction: 0.5},
	{TargetPct: 200, Action: ActionClose},
}

// EmaCrossover holds calls while the fast EMA is above the slow one and puts
// while it is below. It signals only when the direction changes.
type EmaCrossover struct {
	name      string
	timeframe string
	fast      int
	slow      int
	plan      *ProfitTargetPlan

	mu            sync.Mutex
	lastDirection models.OptionType
}

// NewEmaCrossover builds the strategy. A nil plan disables take-profits.
func NewEmaCrossover(name, timeframe string, fast, slow int, plan *ProfitTargetPlan) (*EmaCrossover, error) {
	if fast <= 0 || slow <= 0 || fast == slow {
		return nil, fmt.Errorf("ema crossover needs two distinct positive windows, got %d/%d", fast, slow)
	}
	if name == "" {
		name = EmaCrossoverName
	}
	return &EmaCrossover{name: name, timeframe: timeframe, fast: fast, slow: slow, plan: plan}, nil
}

// Name implements Strategy.
func (s *EmaCrossover) Name() string { return s.name }

// Timeframe returns the timeframe the strategy trades.
func (s *EmaCrossover) Timeframe() string { return s.timeframe }

// OnCandleClose implements Strategy.
func (s *EmaCrossover) OnCandleClose(ctx Context) *Signal {
	if ctx.Timeframe != s.timeframe || ctx.EMA == nil {
		return nil
	}
	fast, ok1 := ctx.EMA.Value(s.fast)
	slow, ok2 := ctx.EMA.Value(s.slow)
	if !ok1 || !ok2 {
		return nil
	}

	var direction models.OptionType
	switch {
	case fast > slow:
		direction = models.OptionCall
	case fast < slow:
		direction = models.OptionPut
	default:
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if direction == s.lastDirection {
		return nil
	}
	s.lastDirection = direction
	op := ">"
	if direction == models.OptionPut {
		op = "<"
	}
	return &Signal{Direction: direction, Reason: fmt.Sprintf("EMA crossover %d%s%d", s.fast, op, s.slow)}
}

// OnPositionUpdate implements PositionHandler.
func (s *EmaCrossover) OnPositionUpdate(updates []watcher.PositionUpdate) []PositionAction {
	if s.plan == nil {
		return nil
	}
	return s.plan.Evaluate(updates, s.timeframe)
}
