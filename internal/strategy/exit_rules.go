package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/watcher"
)

// ProfitTargetStep fires once per position when unrealized pct reaches TargetPct.
// A trim uses Quantity when set, else Fraction of the open quantity (at least one).
type ProfitTargetStep struct {
	TargetPct      float64
	Action         string
	Quantity       int
	Fraction       float64
	AllowFullClose bool
	Reason         string
}

type firedKey struct {
	positionID string
	target     float64
}

// ProfitTargetPlan evaluates take-profit steps against watcher marks.
type ProfitTargetPlan struct {
	steps []ProfitTargetStep

	mu    sync.Mutex
	fired map[firedKey]struct{}
}

// NewProfitTargetPlan validates and sorts steps by target.
func NewProfitTargetPlan(steps []ProfitTargetStep) (*ProfitTargetPlan, error) {
	sorted := append([]ProfitTargetStep(nil), steps...)
	for i, s := range sorted {
		switch strings.ToLower(s.Action) {
		case ActionClose:
		case ActionTrim:
			if s.Quantity <= 0 && s.Fraction <= 0 {
				return nil, fmt.Errorf("step %d: trim requires quantity or fraction", i)
			}
		default:
			return nil, fmt.Errorf("step %d: unsupported action %q", i, s.Action)
		}
		sorted[i].Action = strings.ToLower(s.Action)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TargetPct < sorted[j].TargetPct })
	return &ProfitTargetPlan{steps: sorted, fired: map[firedKey]struct{}{}}, nil
}

// Steps returns the sorted steps.
func (p *ProfitTargetPlan) Steps() []ProfitTargetStep {
	return append([]ProfitTargetStep(nil), p.steps...)
}

// Evaluate returns the actions triggered by updates.
func (p *ProfitTargetPlan) Evaluate(updates []watcher.PositionUpdate, timeframe string) []PositionAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PositionAction
	for _, u := range updates {
		out = append(out, p.evaluate(u, timeframe)...)
	}
	return out
}

func (p *ProfitTargetPlan) evaluate(u watcher.PositionUpdate, timeframe string) []PositionAction {
	if u.Status == models.StatusClosed || u.QuantityOpen <= 0 {
		for k := range p.fired {
			if k.positionID == u.PositionID {
				delete(p.fired, k)
			}
		}
		return nil
	}
	if u.UnrealizedPct == nil {
		return nil
	}
	var out []PositionAction
	for _, step := range p.steps {
		key := firedKey{u.PositionID, step.TargetPct}
		if _, done := p.fired[key]; done || *u.UnrealizedPct < step.TargetPct {
			continue
		}
		if action, ok := buildAction(step, u, timeframe); ok {
			out = append(out, action)
			p.fired[key] = struct{}{}
		}
	}
	return out
}

func buildAction(step ProfitTargetStep, u watcher.PositionUpdate, timeframe string) (PositionAction, bool) {
	reason := step.Reason
	if reason == "" {
		reason = fmt.Sprintf("TP %.0f%%", step.TargetPct)
	}
	closeAction := PositionAction{Action: ActionClose, PositionID: u.PositionID, Reason: reason, Timeframe: timeframe}
	if step.Action == ActionClose {
		return closeAction, true
	}

	qty := trimQuantity(step, u.QuantityOpen)
	if qty <= 0 {
		return PositionAction{}, false
	}
	if qty >= u.QuantityOpen {
		if step.AllowFullClose {
			return closeAction, true
		}
		// keep a runner contract open
		qty = u.QuantityOpen - 1
		if qty <= 0 {
			return PositionAction{}, false
		}
	}
	return PositionAction{Action: ActionTrim, PositionID: u.PositionID, Quantity: qty, Reason: reason, Timeframe: timeframe}, true
}

func trimQuantity(step ProfitTargetStep, open int) int {
	if step.Quantity > 0 {
		return min(step.Quantity, open)
	}
	if step.Fraction <= 0 {
		return 0
	}
	return max(1, int(float64(open)*step.Fraction))
}
