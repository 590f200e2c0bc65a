package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/eddiefleurent/candlebot/internal/config"
)

// Factory builds one strategy instance for a timeframe under the given name.
type Factory func(spec config.StrategySpec, name, timeframe string) (Strategy, error)

type kind struct {
	factory          Factory
	defaultTimeframe string
}

// Instance is a built strategy with its trading parameters.
type Instance struct {
	Strategy  Strategy
	Timeframe string
	Quantity  int
}

// Registry maps strategy kinds to factories.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]kind
}

// NewRegistry returns a registry holding the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{kinds: map[string]kind{}}
	r.Register(EmaCrossoverName, "15M", newEmaCrossover)
	r.Register(CandleEmaBreakName, "2M", func(_ config.StrategySpec, name, tf string) (Strategy, error) {
		return NewCandleEmaBreak(name, tf), nil
	})
	return r
}

// Register adds or replaces a kind. defaultTimeframe is used when a spec
// lists no timeframes.
func (r *Registry) Register(name, defaultTimeframe string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[name] = kind{factory: f, defaultTimeframe: defaultTimeframe}
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build instantiates every enabled spec. A spec listing several timeframes
// yields one instance per timeframe named "<name>-<tf>" in lower case.
func (r *Registry) Build(specs []config.StrategySpec) ([]Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Instance
	seen := map[string]bool{}
	for _, spec := range specs {
		if !spec.IsEnabled() {
			continue
		}
		k, ok := r.kinds[spec.Kind]
		if !ok {
			return nil, fmt.Errorf("unknown strategy kind: %s", spec.Kind)
		}
		base := spec.Name
		if base == "" {
			base = spec.Kind
		}
		timeframes := spec.Timeframes
		if len(timeframes) == 0 {
			timeframes = []string{k.defaultTimeframe}
		}
		qty := spec.Quantity
		if qty <= 0 {
			qty = 1
		}
		for _, tf := range timeframes {
			name := base
			if len(timeframes) > 1 {
				name = base + "-" + strings.ToLower(tf)
			}
			if seen[name] {
				return nil, fmt.Errorf("duplicate strategy name %q", name)
			}
			seen[name] = true
			s, err := k.factory(spec, name, tf)
			if err != nil {
				return nil, fmt.Errorf("build strategy %s: %w", name, err)
			}
			out = append(out, Instance{Strategy: s, Timeframe: tf, Quantity: qty})
		}
	}
	return out, nil
}

func newEmaCrossover(spec config.StrategySpec, name, tf string) (Strategy, error) {
	fast, slow := spec.Fast, spec.Slow
	if fast == 0 {
		fast = 13
	}
	if slow == 0 {
		slow = 48
	}
	steps := DefaultCrossoverSteps
	if spec.ProfitTargets != nil {
		steps = stepsFromConfig(spec.ProfitTargets)
	}
	var plan *ProfitTargetPlan
	if len(steps) > 0 {
		var err error
		if plan, err = NewProfitTargetPlan(steps); err != nil {
			return nil, err
		}
	}
	return NewEmaCrossover(name, tf, fast, slow, plan)
}

func stepsFromConfig(targets []config.ProfitTargetConfig) []ProfitTargetStep {
	steps := make([]ProfitTargetStep, 0, len(targets))
	for _, t := range targets {
		steps = append(steps, ProfitTargetStep{
			TargetPct:      t.TargetPct,
			Action:         t.Action,
			Quantity:       t.Quantity,
			Fraction:       t.Fraction,
			AllowFullClose: t.AllowFullClose,
			Reason:         t.Reason,
		})
	}
	return steps
}
