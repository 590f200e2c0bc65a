package broker

import (
	"context"
	"errors"
	"sync"
)

// MockBroker is a scriptable Broker for tests in other packages. Unset hooks
// return empty successful responses.
type MockBroker struct {
	mu sync.Mutex

	QuoteFn    func(ctx context.Context, symbol string) (*QuoteItem, error)
	ChainFn    func(ctx context.Context, symbol, expiration string) ([]Option, error)
	CalendarFn func(ctx context.Context, month, year int) (*MarketCalendarResponse, error)
	SessionFn  func(ctx context.Context) (*StreamSession, error)
	PlaceFn    func(ctx context.Context, order OptionOrder) (*OrderResponse, error)
	StatusFn   func(ctx context.Context, orderID int) (*OrderResponse, error)

	calls  map[string]int
	orders []OptionOrder
}

var _ Broker = (*MockBroker)(nil)

// NewOrderResponse builds an OrderResponse carrying a single order.
func NewOrderResponse(id int, status string, avgFill, execQty float64) *OrderResponse {
	resp := &OrderResponse{}
	resp.Order = &OrderDetail{ID: id, Status: status, AvgFillPrice: avgFill, ExecQuantity: execQty}
	resp.Raw = map[string]any{"order": map[string]any{"id": id, "status": status}}
	return resp
}

func (m *MockBroker) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name]++
}

// Calls reports how many times the named method was invoked.
func (m *MockBroker) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

// PlacedOrders returns a copy of every order passed to PlaceOptionOrderCtx.
func (m *MockBroker) PlacedOrders() []OptionOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OptionOrder(nil), m.orders...)
}

func (m *MockBroker) GetQuoteCtx(ctx context.Context, symbol string) (*QuoteItem, error) {
	m.record("GetQuoteCtx")
	if m.QuoteFn != nil {
		return m.QuoteFn(ctx, symbol)
	}
	return &QuoteItem{Symbol: symbol}, nil
}

func (m *MockBroker) GetOptionChainCtx(ctx context.Context, symbol, expiration string, _ bool) ([]Option, error) {
	m.record("GetOptionChainCtx")
	if m.ChainFn != nil {
		return m.ChainFn(ctx, symbol, expiration)
	}
	return nil, nil
}

func (m *MockBroker) GetMarketCalendarCtx(ctx context.Context, month, year int) (*MarketCalendarResponse, error) {
	m.record("GetMarketCalendarCtx")
	if m.CalendarFn != nil {
		return m.CalendarFn(ctx, month, year)
	}
	return &MarketCalendarResponse{}, nil
}

func (m *MockBroker) CreateStreamSessionCtx(ctx context.Context) (*StreamSession, error) {
	m.record("CreateStreamSessionCtx")
	if m.SessionFn != nil {
		return m.SessionFn(ctx)
	}
	return nil, errors.New("mock broker: no stream session configured")
}

func (m *MockBroker) PlaceOptionOrderCtx(ctx context.Context, order OptionOrder) (*OrderResponse, error) {
	m.record("PlaceOptionOrderCtx")
	m.mu.Lock()
	m.orders = append(m.orders, order)
	m.mu.Unlock()
	if m.PlaceFn != nil {
		return m.PlaceFn(ctx, order)
	}
	return NewOrderResponse(len(m.PlacedOrders()), "ok", 0, 0), nil
}

func (m *MockBroker) GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	m.record("GetOrderStatusCtx")
	if m.StatusFn != nil {
		return m.StatusFn(ctx, orderID)
	}
	return NewOrderResponse(orderID, "open", 0, 0), nil
}
