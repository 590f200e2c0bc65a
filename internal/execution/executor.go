// Package execution submits single-leg option orders to a live broker or to
// an in-memory paper book and reports their status.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/eddiefleurent/candlebot/internal/models"
)

// Order sides.
const (
	SideBuyToOpen   = "buy_to_open"
	SideSellToClose = "sell_to_close"
)

// Order types.
const (
	TypeMarket = "market"
	TypeLimit  = "limit"
)

// Order statuses reported by executors.
const (
	StatusSubmitted = "submitted"
	StatusOpen      = "open"
	StatusPending   = "pending"
	StatusPartial   = "partially_filled"
	StatusFilled    = "filled"
	StatusRejected  = "rejected"
	StatusCanceled  = "canceled"
	StatusExpired   = "expired"
)

// Paper rejection reasons.
const (
	ReasonMissingQuote    = "missing_quote"
	ReasonLimitNotReached = "limit_not_reached"
)

var (
	// ErrLimitPriceRequired is returned before submission for a limit order without a price.
	ErrLimitPriceRequired = errors.New("limit_price required for limit orders")
	// ErrOrderNotFound is returned for status queries on unknown order ids.
	ErrOrderNotFound = errors.New("order not found")
)

// OrderError is a failed broker submit or status call.
type OrderError struct {
	Op      string
	OrderID string
	Err     error
	Raw     map[string]any
}

func (e *OrderError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("%s order %s failed: %v", e.Op, e.OrderID, e.Err)
	}
	return fmt.Sprintf("%s order failed: %v", e.Op, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// OrderRequest describes one option order. Expiration is YYYYMMDD.
type OrderRequest struct {
	Symbol     string
	OptionType models.OptionType
	Strike     float64
	Expiration string
	Quantity   int
	Side       string
	OrderType  string
	LimitPrice *float64
	Duration   string
	Tag        string
}

// Contract returns the option contract the request trades.
func (r OrderRequest) Contract() models.OptionContract {
	return models.OptionContract{
		Symbol:     strings.ToUpper(r.Symbol),
		OptionType: r.OptionType,
		Strike:     r.Strike,
		Expiration: r.Expiration,
	}
}

func (r OrderRequest) orderType() string {
	if r.OrderType == "" {
		return TypeMarket
	}
	return strings.ToLower(r.OrderType)
}

// Validate checks the request before any network call.
func (r OrderRequest) Validate() error {
	if r.Quantity <= 0 {
		return fmt.Errorf("invalid quantity %d", r.Quantity)
	}
	if r.Side != SideBuyToOpen && r.Side != SideSellToClose {
		return fmt.Errorf("unsupported side %q", r.Side)
	}
	switch r.orderType() {
	case TypeMarket:
	case TypeLimit:
		if r.LimitPrice == nil {
			return ErrLimitPriceRequired
		}
	default:
		return fmt.Errorf("unsupported order type %q", r.OrderType)
	}
	return nil
}

// SubmitResult is the immediate outcome of a submission. FillPrice is set
// only when the executor filled synchronously.
type SubmitResult struct {
	OrderID   string         `json:"order_id"`
	Status    string         `json:"status"`
	FillPrice *float64       `json:"fill_price,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// OrderStatus is the latest known state of an order.
type OrderStatus struct {
	OrderID        string         `json:"order_id"`
	Status         string         `json:"status"`
	AvgFillPrice   *float64       `json:"avg_fill_price,omitempty"`
	FilledQuantity *int           `json:"filled_quantity,omitempty"`
	Raw            map[string]any `json:"raw,omitempty"`
}

// Executor places option orders and reports their status.
type Executor interface {
	SubmitOptionOrder(ctx context.Context, req OrderRequest) (SubmitResult, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
}

// IsTerminal reports statuses after which an order never changes.
func IsTerminal(status string) bool {
	switch strings.ToLower(status) {
	case StatusFilled, StatusRejected, StatusCanceled, "cancelled", StatusExpired:
		return true
	}
	return false
}

// IsDead reports terminal statuses without a fill.
func IsDead(status string) bool {
	s := strings.ToLower(status)
	return IsTerminal(s) && s != StatusFilled
}
