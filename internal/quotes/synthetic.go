package quotes

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/util"
)

// SyntheticConfig shapes the generated chain.
type SyntheticConfig struct {
	Underlying      float64
	StrikeStep      float64
	StrikesEachSide int
	PriceJitter     float64
	SpreadPct       float64
	MinSpread       float64
	TimeValueATM    float64
	TimeValueDecay  float64
	MinTimeValue    float64
	Seed            int64
}

func (c SyntheticConfig) withDefaults() SyntheticConfig {
	if c.Underlying <= 0 {
		c.Underlying = 500
	}
	if c.StrikeStep <= 0 {
		c.StrikeStep = 1
	}
	if c.StrikesEachSide <= 0 {
		c.StrikesEachSide = 50
	}
	if c.PriceJitter <= 0 {
		c.PriceJitter = 0.25
	}
	if c.SpreadPct <= 0 {
		c.SpreadPct = 0.02
	}
	if c.MinSpread <= 0 {
		c.MinSpread = 0.01
	}
	if c.TimeValueATM <= 0 {
		c.TimeValueATM = 0.5
	}
	if c.TimeValueDecay <= 0 {
		c.TimeValueDecay = 0.02
	}
	if c.MinTimeValue <= 0 {
		c.MinTimeValue = 0.05
	}
	return c
}

// SyntheticProvider generates a chain around a random-walk underlying:
// intrinsic value plus a time value that decays with distance from the money.
// The same seed always produces the same sequence of chains.
type SyntheticProvider struct {
	mu    sync.Mutex
	cfg   SyntheticConfig
	price float64
	rng   *rand.Rand
	now   func() time.Time
}

// NewSyntheticProvider creates a seeded generator.
func NewSyntheticProvider(cfg SyntheticConfig) *SyntheticProvider {
	cfg = cfg.withDefaults()
	seed := uint64(cfg.Seed)
	if cfg.Seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &SyntheticProvider{
		cfg:   cfg,
		price: cfg.Underlying,
		rng:   rand.New(rand.NewPCG(seed, seed>>1|1)),
		now:   time.Now,
	}
}

// Underlying returns the current simulated underlying price.
func (p *SyntheticProvider) Underlying() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price
}

// FetchQuotes implements Provider.
func (p *SyntheticProvider) FetchQuotes(ctx context.Context, symbol, expiration string) ([]models.OptionQuote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.price += p.uniform(-p.cfg.PriceJitter, p.cfg.PriceJitter)
	base := math.Round(p.price/p.cfg.StrikeStep) * p.cfg.StrikeStep
	now := p.now().UTC()

	out := make([]models.OptionQuote, 0, 2*(2*p.cfg.StrikesEachSide+1))
	for off := -p.cfg.StrikesEachSide; off <= p.cfg.StrikesEachSide; off++ {
		strike := roundCents(base + float64(off)*p.cfg.StrikeStep)
		if strike <= 0 {
			continue
		}
		out = append(out,
			p.quote(symbol, expiration, models.OptionCall, strike, now),
			p.quote(symbol, expiration, models.OptionPut, strike, now))
	}
	return out, nil
}

func (p *SyntheticProvider) quote(symbol, expiration string, typ models.OptionType, strike float64, now time.Time) models.OptionQuote {
	intrinsic := math.Max(0, p.price-strike)
	if typ == models.OptionPut {
		intrinsic = math.Max(0, strike-p.price)
	}
	distance := math.Abs(strike - p.price)
	timeValue := math.Max(p.cfg.MinTimeValue, p.cfg.TimeValueATM-distance*p.cfg.TimeValueDecay)
	mid := intrinsic + timeValue
	spread := util.MaxFloat(mid*p.cfg.SpreadPct, p.cfg.MinSpread)
	bid := math.Max(0, mid-spread/2)
	ask := bid + spread
	last := math.Max(0, mid+p.uniform(-spread/4, spread/4))

	return models.OptionQuote{
		Contract: models.OptionContract{
			Symbol:     strings.ToUpper(symbol),
			OptionType: typ,
			Strike:     strike,
			Expiration: expiration,
		},
		Bid:       models.Float(roundCents(bid)),
		Ask:       models.Float(roundCents(ask)),
		Last:      models.Float(roundCents(last)),
		UpdatedAt: now,
	}
}

func (p *SyntheticProvider) uniform(lo, hi float64) float64 {
	return lo + p.rng.Float64()*(hi-lo)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
