package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoEntryPrice is returned when a sell fill arrives before any buy fill.
var ErrNoEntryPrice = errors.New("position has no average entry price")

var multiplier = decimal.NewFromFloat(ContractMultiplier)

// Position is a long option position owned by the options order manager.
type Position struct {
	ID           string             `json:"position_id"`
	Contract     OptionContract     `json:"contract"`
	QuantityOpen int                `json:"quantity_open"`
	AvgEntry     *float64           `json:"avg_entry"`
	RealizedPnL  float64            `json:"realized_pnl"`
	Status       PositionStatus     `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	StrategyTag  string             `json:"strategy_tag,omitempty"`
	OrderIDs     []string           `json:"orders"`
	History      []TransitionRecord `json:"history,omitempty"`
}

// NewPosition creates a pending position with no fills.
func NewPosition(id string, contract OptionContract, strategyTag string, now time.Time) *Position {
	return &Position{
		ID:          id,
		Contract:    contract,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		StrategyTag: strategyTag,
	}
}

// Clone returns a deep copy safe to hand to readers.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	if p.AvgEntry != nil {
		v := *p.AvgEntry
		cp.AvgEntry = &v
	}
	cp.OrderIDs = append([]string(nil), p.OrderIDs...)
	cp.History = append([]TransitionRecord(nil), p.History...)
	return &cp
}

// IsActive reports whether the position still holds contracts.
func (p *Position) IsActive() bool {
	return p.Status != StatusClosed && p.QuantityOpen > 0
}

// AddOrder records an order id against the position.
func (p *Position) AddOrder(orderID string) {
	p.OrderIDs = append(p.OrderIDs, orderID)
}

// TransitionStatus moves the position to a new status after validating the move.
func (p *Position) TransitionStatus(to PositionStatus, condition string, at time.Time) error {
	if err := IsValidTransition(p.Status, to, condition); err != nil {
		return fmt.Errorf("position %s: %w", p.ID, err)
	}
	p.History = append(p.History, TransitionRecord{From: p.Status, To: to, Condition: condition, At: at})
	p.Status = to
	p.UpdatedAt = at
	return nil
}

// ApplyBuyFill folds a buy fill into the weighted average entry.
func (p *Position) ApplyBuyFill(quantity int, price float64, at time.Time) error {
	if quantity <= 0 {
		return fmt.Errorf("buy fill quantity must be positive, got %d", quantity)
	}
	if p.Status == StatusClosed {
		return fmt.Errorf("position %s is closed", p.ID)
	}
	fill := decimal.NewFromFloat(price)
	qty := decimal.NewFromInt(int64(quantity))
	avg := fill
	if p.AvgEntry != nil && p.QuantityOpen > 0 {
		open := decimal.NewFromInt(int64(p.QuantityOpen))
		avg = decimal.NewFromFloat(*p.AvgEntry).Mul(open).Add(fill.Mul(qty)).Div(open.Add(qty))
	}
	v := avg.InexactFloat64()
	p.AvgEntry = &v
	p.QuantityOpen += quantity
	p.UpdatedAt = at
	if p.Status == StatusPending {
		return p.TransitionStatus(StatusOpen, "buy_filled", at)
	}
	return nil
}

// ApplySellFill realizes (fill-avg)*qty*100 and reduces the open quantity.
// It returns the P&L realized by this fill.
func (p *Position) ApplySellFill(quantity int, price float64, at time.Time) (float64, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("sell fill quantity must be positive, got %d", quantity)
	}
	if quantity > p.QuantityOpen {
		return 0, fmt.Errorf("sell fill quantity %d exceeds open quantity %d", quantity, p.QuantityOpen)
	}
	if p.AvgEntry == nil {
		return 0, ErrNoEntryPrice
	}
	realized := decimal.NewFromFloat(price).
		Sub(decimal.NewFromFloat(*p.AvgEntry)).
		Mul(decimal.NewFromInt(int64(quantity))).
		Mul(multiplier)
	p.RealizedPnL = decimal.NewFromFloat(p.RealizedPnL).Add(realized).InexactFloat64()
	p.QuantityOpen -= quantity
	p.UpdatedAt = at
	if p.QuantityOpen == 0 {
		if err := p.TransitionStatus(StatusClosed, "position_flat", at); err != nil {
			return 0, err
		}
	}
	return realized.InexactFloat64(), nil
}

// UnrealizedPnL returns (mark-avg)*qty*100, or false when avg is unknown.
func (p *Position) UnrealizedPnL(mark float64) (float64, bool) {
	if p.AvgEntry == nil {
		return 0, false
	}
	return decimal.NewFromFloat(mark).
		Sub(decimal.NewFromFloat(*p.AvgEntry)).
		Mul(decimal.NewFromInt(int64(p.QuantityOpen))).
		Mul(multiplier).
		InexactFloat64(), true
}
