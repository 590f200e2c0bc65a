// Package selection picks one option contract from a quote snapshot.
package selection

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/eddiefleurent/candlebot/internal/models"
)

// PriceRangeOTMName is the name of the default selector.
const PriceRangeOTMName = "price-range-otm"

// Selection reasons.
const (
	ReasonPriceRange = "price-range"
	ReasonFallback   = "fallback-cheapest"
)

// PriceRange is an inclusive ask band.
type PriceRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// DefaultPriceRanges are scanned tightest first.
var DefaultPriceRanges = []PriceRange{
	{Low: 0.30, High: 0.50},
	{Low: 0.20, High: 0.80},
	{Low: 0.10, High: 1.25},
}

// Request describes the contract a strategy wants. Expiration is YYYYMMDD.
// A nil PriceRanges uses DefaultPriceRanges.
type Request struct {
	Symbol          string
	OptionType      models.OptionType
	Expiration      string
	UnderlyingPrice float64
	MaxOTM          *float64
	PriceRanges     []PriceRange
}

func (r Request) ranges() []PriceRange {
	if r.PriceRanges == nil {
		return DefaultPriceRanges
	}
	return r.PriceRanges
}

// Result is the chosen quote and why it was chosen.
type Result struct {
	Quote  models.OptionQuote
	Reason string
}

// Selector chooses a contract. A nil result means nothing qualified.
type Selector interface {
	Name() string
	Select(quotes []models.OptionQuote, req Request) *Result
}

// PriceRangeOTM walks strikes from the money outward and returns the first
// whose ask falls in each price band in turn, falling back to the cheapest
// strictly out-of-the-money contract.
type PriceRangeOTM struct{}

// Name implements Selector.
func (PriceRangeOTM) Name() string { return PriceRangeOTMName }

// Select implements Selector.
func (PriceRangeOTM) Select(quotes []models.OptionQuote, req Request) *Result {
	candidates := filter(quotes, req)
	if len(candidates) == 0 {
		return nil
	}
	orderByStrike(candidates, req.OptionType)

	for _, band := range req.ranges() {
		for _, q := range candidates {
			if ask := *q.Ask; ask >= band.Low && ask <= band.High {
				return &Result{Quote: q, Reason: ReasonPriceRange}
			}
		}
	}

	if q, ok := cheapestOTM(candidates, req); ok {
		return &Result{Quote: q, Reason: ReasonFallback}
	}
	return nil
}

func filter(quotes []models.OptionQuote, req Request) []models.OptionQuote {
	symbol := strings.ToUpper(req.Symbol)
	out := make([]models.OptionQuote, 0, len(quotes))
	for _, q := range quotes {
		c := q.Contract
		if strings.ToUpper(c.Symbol) != symbol || c.OptionType != req.OptionType || c.Expiration != req.Expiration {
			continue
		}
		if q.Ask == nil {
			continue
		}
		if req.MaxOTM != nil {
			maxOTM := *req.MaxOTM
			if req.OptionType == models.OptionCall {
				if c.Strike < req.UnderlyingPrice || c.Strike > req.UnderlyingPrice+maxOTM {
					continue
				}
			} else if c.Strike > req.UnderlyingPrice || c.Strike < req.UnderlyingPrice-maxOTM {
				continue
			}
		}
		out = append(out, q)
	}
	return out
}

// orderByStrike puts the closest-to-money strike first: ascending for calls,
// descending for puts. Equal strikes fall back to the contract key.
func orderByStrike(quotes []models.OptionQuote, typ models.OptionType) {
	sort.SliceStable(quotes, func(i, j int) bool {
		a, b := quotes[i].Contract, quotes[j].Contract
		if a.Strike != b.Strike {
			if typ == models.OptionPut {
				return a.Strike > b.Strike
			}
			return a.Strike < b.Strike
		}
		return a.Key() < b.Key()
	})
}

func cheapestOTM(quotes []models.OptionQuote, req Request) (models.OptionQuote, bool) {
	var best models.OptionQuote
	bestAsk := math.Inf(1)
	found := false
	for _, q := range quotes {
		strike := q.Contract.Strike
		if req.OptionType == models.OptionCall && strike <= req.UnderlyingPrice {
			continue
		}
		if req.OptionType == models.OptionPut && strike >= req.UnderlyingPrice {
			continue
		}
		// strictly cheaper keeps the first in strike order on ties
		if *q.Ask < bestAsk {
			best, bestAsk, found = q, *q.Ask, true
		}
	}
	return best, found
}

// Registry maps selector names to implementations.
type Registry struct {
	mu        sync.RWMutex
	selectors map[string]Selector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{selectors: map[string]Selector{}}
}

// Register adds or replaces a selector under its name.
func (r *Registry) Register(s Selector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectors[s.Name()] = s
}

// Get looks up a selector.
func (r *Registry) Get(name string) (Selector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.selectors[name]
	if !ok {
		return nil, fmt.Errorf("unknown selector: %s", name)
	}
	return s, nil
}

// Names lists registered selectors in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.selectors))
	for n := range r.selectors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry holds the built-in selectors.
var DefaultRegistry = func() *Registry {
	r := NewRegistry()
	r.Register(PriceRangeOTM{})
	return r
}()

// Select runs the named selector from registry (DefaultRegistry when nil).
// An unknown name is an error; no qualifying quote is a nil result.
func Select(quotes []models.OptionQuote, req Request, name string, registry *Registry) (*Result, error) {
	if registry == nil {
		registry = DefaultRegistry
	}
	if name == "" {
		name = PriceRangeOTMName
	}
	sel, err := registry.Get(name)
	if err != nil {
		return nil, err
	}
	return sel.Select(quotes, req), nil
}
