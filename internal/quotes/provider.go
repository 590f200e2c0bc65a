// Package quotes polls an option chain and keeps a keyed snapshot of the
// latest quotes, fanning changed quotes out to listeners and queues.
package quotes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/candlebot/internal/broker"
	"github.com/eddiefleurent/candlebot/internal/config"
	"github.com/eddiefleurent/candlebot/internal/models"
)

// Provider fetches the full chain for one symbol and YYYYMMDD expiration.
// Providers return *broker.RateLimitError when the source asks to back off.
type Provider interface {
	FetchQuotes(ctx context.Context, symbol, expiration string) ([]models.OptionQuote, error)
}

// ChainSource is the broker surface the Tradier provider needs.
type ChainSource interface {
	GetOptionChainCtx(ctx context.Context, symbol, expiration string, greeks bool) ([]broker.Option, error)
}

// TradierProvider reads option chains from the Tradier REST API.
type TradierProvider struct {
	chains ChainSource
	now    func() time.Time
}

// NewTradierProvider wraps a chain source, normally a circuit-breaker broker.
func NewTradierProvider(chains ChainSource) *TradierProvider {
	return &TradierProvider{chains: chains, now: time.Now}
}

// FetchQuotes implements Provider. Rows without a call/put type or a strike are skipped.
func (p *TradierProvider) FetchQuotes(ctx context.Context, symbol, expiration string) ([]models.OptionQuote, error) {
	opts, err := p.chains.GetOptionChainCtx(ctx, symbol, config.DashedExpiration(expiration), false)
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()
	exp := strings.ReplaceAll(expiration, "-", "")
	out := make([]models.OptionQuote, 0, len(opts))
	for _, o := range opts {
		typ, ok := models.ParseOptionType(o.OptionType)
		if !ok || o.Strike <= 0 {
			continue
		}
		out = append(out, models.OptionQuote{
			Contract: models.OptionContract{
				Symbol:     strings.ToUpper(symbol),
				OptionType: typ,
				Strike:     o.Strike,
				Expiration: exp,
			},
			Bid:          o.Bid,
			Ask:          o.Ask,
			Last:         o.Last,
			Volume:       o.Volume,
			OpenInterest: o.OpenInterest,
			UpdatedAt:    now,
		})
	}
	return out, nil
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, symbol, expiration string) ([]models.OptionQuote, error)

// FetchQuotes implements Provider.
func (f ProviderFunc) FetchQuotes(ctx context.Context, symbol, expiration string) ([]models.OptionQuote, error) {
	return f(ctx, symbol, expiration)
}

// New builds the provider named by kind: tradier, synthetic or replay.
func New(kind string, chains ChainSource, syn SyntheticConfig, fixturePath string) (Provider, error) {
	switch kind {
	case "tradier":
		if chains == nil {
			return nil, fmt.Errorf("tradier provider requires a broker")
		}
		return NewTradierProvider(chains), nil
	case "synthetic":
		return NewSyntheticProvider(syn), nil
	case "replay":
		return NewReplayProvider(fixturePath, true)
	default:
		return nil, fmt.Errorf("unknown quote provider %q", kind)
	}
}
