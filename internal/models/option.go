package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ContractMultiplier is the number of shares controlled by one option contract.
const ContractMultiplier = 100.0

// OptionType identifies a call or a put.
type OptionType string

const (
	// OptionCall is a call option.
	OptionCall OptionType = "call"
	// OptionPut is a put option.
	OptionPut OptionType = "put"
)

// ParseOptionType normalizes broker spellings ("call", "C", "Put").
func ParseOptionType(s string) (OptionType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "call", "c":
		return OptionCall, true
	case "put", "p":
		return OptionPut, true
	default:
		return "", false
	}
}

// OptionContract is an immutable description of a single listed option.
// Expiration is YYYYMMDD.
type OptionContract struct {
	Symbol     string     `json:"symbol"`
	OptionType OptionType `json:"option_type"`
	Strike     float64    `json:"strike"`
	Expiration string     `json:"expiration"`
}

// Key uniquely identifies the contract for map lookups.
func (c OptionContract) Key() string {
	return fmt.Sprintf("%s-%s-%s-%s", strings.ToUpper(c.Symbol), c.OptionType,
		strconv.FormatFloat(c.Strike, 'f', -1, 64), c.Expiration)
}

// OCCSymbol builds the OCC option symbol, e.g. SPY250117C00450000.
func (c OptionContract) OCCSymbol() (string, error) {
	exp, err := time.Parse("20060102", strings.ReplaceAll(c.Expiration, "-", ""))
	if err != nil {
		return "", fmt.Errorf("invalid expiration %q: %w", c.Expiration, err)
	}
	var cp string
	switch c.OptionType {
	case OptionCall:
		cp = "C"
	case OptionPut:
		cp = "P"
	default:
		return "", fmt.Errorf("invalid option type %q", c.OptionType)
	}
	if c.Strike <= 0 {
		return "", fmt.Errorf("invalid strike %.3f", c.Strike)
	}
	strike := int64(math.Round(c.Strike * 1000))
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(c.Symbol), exp.Format("060102"), cp, strike), nil
}

// OptionQuote is the latest market data for one contract. Nil price fields
// mean the provider did not report them.
type OptionQuote struct {
	Contract     OptionContract `json:"contract"`
	Bid          *float64       `json:"bid,omitempty"`
	Ask          *float64       `json:"ask,omitempty"`
	Last         *float64       `json:"last,omitempty"`
	Volume       *int64         `json:"volume,omitempty"`
	OpenInterest *int64         `json:"open_interest,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Mid returns (bid+ask)/2 when both sides are present.
func (q OptionQuote) Mid() (float64, bool) {
	if q.Bid == nil || q.Ask == nil {
		return 0, false
	}
	return (*q.Bid + *q.Ask) / 2, true
}

// SameMarket reports whether two quotes carry identical bid, ask, last,
// volume and open interest. UpdatedAt is ignored.
func (q OptionQuote) SameMarket(other OptionQuote) bool {
	return eqFloat(q.Bid, other.Bid) && eqFloat(q.Ask, other.Ask) && eqFloat(q.Last, other.Last) &&
		eqInt(q.Volume, other.Volume) && eqInt(q.OpenInterest, other.OpenInterest)
}

func eqFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqInt(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Float returns a pointer to v. Handy for building quotes.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int64) *int64 { return &v }
