package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/candlebot/internal/broker"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Timeout: time.Second}

func callRequest(side string) OrderRequest {
	return OrderRequest{
		Symbol:     "spy",
		OptionType: models.OptionCall,
		Strike:     520,
		Expiration: "20260106",
		Quantity:   2,
		Side:       side,
	}
}

type quoteBook struct {
	mu     sync.Mutex
	quotes map[string]models.OptionQuote
}

func (b *quoteBook) set(q models.OptionQuote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.quotes == nil {
		b.quotes = map[string]models.OptionQuote{}
	}
	b.quotes[q.Contract.Key()] = q
}

func (b *quoteBook) get(key string) (models.OptionQuote, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[key]
	return q, ok
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*OrderRequest)
		wantErr error
		errText string
	}{
		{name: "market ok", mutate: func(*OrderRequest) {}},
		{name: "limit without price", mutate: func(r *OrderRequest) { r.OrderType = TypeLimit }, wantErr: ErrLimitPriceRequired},
		{name: "zero quantity", mutate: func(r *OrderRequest) { r.Quantity = 0 }, errText: "invalid quantity"},
		{name: "bad side", mutate: func(r *OrderRequest) { r.Side = "sell_short" }, errText: "unsupported side"},
		{name: "bad type", mutate: func(r *OrderRequest) { r.OrderType = "stop" }, errText: "unsupported order type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := callRequest(SideBuyToOpen)
			tt.mutate(&r)
			err := r.Validate()
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.errText != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errText)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, IsTerminal("filled"))
	assert.True(t, IsTerminal("Cancelled"))
	assert.False(t, IsTerminal("open"))
	assert.False(t, IsTerminal("partially_filled"))
	assert.True(t, IsDead("rejected"))
	assert.False(t, IsDead("filled"))
}

func TestPaperRoundTrip(t *testing.T) {
	book := &quoteBook{}
	contract := callRequest(SideBuyToOpen).Contract()
	book.set(models.OptionQuote{Contract: contract, Bid: models.Float(1.1), Ask: models.Float(1.2)})
	exec := NewPaperExecutor(book.get, nil)
	ctx := context.Background()

	buy, err := exec.SubmitOptionOrder(ctx, callRequest(SideBuyToOpen))
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, buy.Status)
	assert.True(t, strings.HasPrefix(buy.OrderID, "paper-"))
	require.NotNil(t, buy.FillPrice)
	assert.Equal(t, 1.2, *buy.FillPrice)

	book.set(models.OptionQuote{Contract: contract, Bid: models.Float(1.0), Ask: models.Float(1.15)})
	sell, err := exec.SubmitOptionOrder(ctx, callRequest(SideSellToClose))
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, sell.Status)

	bs, err := exec.GetOrderStatus(ctx, buy.OrderID)
	require.NoError(t, err)
	ss, err := exec.GetOrderStatus(ctx, sell.OrderID)
	require.NoError(t, err)
	require.NotNil(t, bs.FilledQuantity)
	assert.Equal(t, 2, *bs.FilledQuantity)

	pnl := (*ss.AvgFillPrice - *bs.AvgFillPrice) * float64(*ss.FilledQuantity) * 100
	assert.InDelta(t, -40.0, pnl, 1e-9)
}

func TestPaperFillPriceFallbacks(t *testing.T) {
	tests := []struct {
		name  string
		quote models.OptionQuote
		side  string
		want  float64
	}{
		{name: "buy without ask uses last", quote: models.OptionQuote{Bid: models.Float(0.9), Last: models.Float(1.0)}, side: SideBuyToOpen, want: 1.0},
		{name: "buy bid only", quote: models.OptionQuote{Bid: models.Float(0.9)}, side: SideBuyToOpen, want: 0.9},
		{name: "sell without bid uses last", quote: models.OptionQuote{Ask: models.Float(1.3), Last: models.Float(1.25)}, side: SideSellToClose, want: 1.25},
		{name: "sell ask only", quote: models.OptionQuote{Ask: models.Float(1.3)}, side: SideSellToClose, want: 1.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book := &quoteBook{}
			req := callRequest(tt.side)
			tt.quote.Contract = req.Contract()
			book.set(tt.quote)
			res, err := NewPaperExecutor(book.get, nil).SubmitOptionOrder(context.Background(), req)
			require.NoError(t, err)
			require.NotNil(t, res.FillPrice)
			assert.Equal(t, tt.want, *res.FillPrice)
		})
	}
}

func TestPaperRejections(t *testing.T) {
	book := &quoteBook{}
	exec := NewPaperExecutor(book.get, nil)
	ctx := context.Background()

	res, err := exec.SubmitOptionOrder(ctx, callRequest(SideBuyToOpen))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, ReasonMissingQuote, res.Raw["rejection_reason"])

	st, err := exec.GetOrderStatus(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Nil(t, st.AvgFillPrice)
	assert.Nil(t, st.FilledQuantity)

	req := callRequest(SideBuyToOpen)
	book.set(models.OptionQuote{Contract: req.Contract(), Bid: models.Float(1.0), Ask: models.Float(1.2)})
	req.OrderType = TypeLimit
	req.LimitPrice = models.Float(1.1)
	res, err = exec.SubmitOptionOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, ReasonLimitNotReached, res.Raw["rejection_reason"])

	req.LimitPrice = models.Float(1.2)
	res, err = exec.SubmitOptionOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)

	sell := callRequest(SideSellToClose)
	sell.OrderType = TypeLimit
	sell.LimitPrice = models.Float(1.05)
	res, err = exec.SubmitOptionOrder(ctx, sell)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)

	req.LimitPrice = nil
	_, err = exec.SubmitOptionOrder(ctx, req)
	assert.ErrorIs(t, err, ErrLimitPriceRequired)

	_, err = exec.GetOrderStatus(ctx, "paper-missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestTradierSubmit(t *testing.T) {
	mock := &broker.MockBroker{}
	mock.PlaceFn = func(_ context.Context, _ broker.OptionOrder) (*broker.OrderResponse, error) {
		return broker.NewOrderResponse(4242, "ok", 0, 0), nil
	}
	exec := NewTradierExecutor(mock, fastRetry, nil)

	req := callRequest(SideBuyToOpen)
	req.Tag = "ema-cross"
	res, err := exec.SubmitOptionOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "4242", res.OrderID)
	assert.Equal(t, "ok", res.Status)
	assert.Nil(t, res.FillPrice)

	placed := mock.PlacedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, "SPY", placed[0].Symbol)
	assert.Equal(t, "SPY260106C00520000", placed[0].OptionSymbol)
	assert.Equal(t, "market", placed[0].Type)
	assert.Equal(t, "gtc", placed[0].Duration)
	assert.Equal(t, 2, placed[0].Quantity)
	assert.Nil(t, placed[0].Price)
	assert.Equal(t, "ema-cross", placed[0].Tag)
}

func TestTradierSubmitLimit(t *testing.T) {
	mock := &broker.MockBroker{}
	exec := NewTradierExecutor(mock, fastRetry, nil)

	req := callRequest(SideSellToClose)
	req.OrderType = TypeLimit
	_, err := exec.SubmitOptionOrder(context.Background(), req)
	assert.ErrorIs(t, err, ErrLimitPriceRequired)
	assert.Equal(t, 0, mock.Calls("PlaceOptionOrderCtx"))

	req.LimitPrice = models.Float(1.35)
	_, err = exec.SubmitOptionOrder(context.Background(), req)
	require.NoError(t, err)
	placed := mock.PlacedOrders()
	require.Len(t, placed, 1)
	require.NotNil(t, placed[0].Price)
	assert.Equal(t, 1.35, *placed[0].Price)
	assert.Equal(t, "limit", placed[0].Type)
}

func TestTradierSubmitErrors(t *testing.T) {
	tests := []struct {
		name    string
		resp    *broker.OrderResponse
		err     error
		wantErr error
	}{
		{name: "missing order", resp: &broker.OrderResponse{}, wantErr: broker.ErrMissingOrder},
		{name: "broker error", err: &broker.APIError{Status: 400, Body: "bad symbol"}},
		{name: "transport failure is not retried", err: errors.New("connection reset by peer")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &broker.MockBroker{}
			mock.PlaceFn = func(context.Context, broker.OptionOrder) (*broker.OrderResponse, error) {
				return tt.resp, tt.err
			}
			_, err := NewTradierExecutor(mock, fastRetry, nil).SubmitOptionOrder(context.Background(), callRequest(SideBuyToOpen))
			require.Error(t, err)
			var oe *OrderError
			require.ErrorAs(t, err, &oe)
			assert.Equal(t, "submit", oe.Op)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, 1, mock.Calls("PlaceOptionOrderCtx"))
		})
	}
}

func TestTradierStatus(t *testing.T) {
	tests := []struct {
		name     string
		resp     *broker.OrderResponse
		wantAvg  *float64
		wantQty  *int
		wantStat string
	}{
		{name: "filled with exec quantity", resp: broker.NewOrderResponse(7, "filled", 1.25, 2), wantAvg: models.Float(1.25), wantQty: intPtr(2), wantStat: "filled"},
		{name: "open has no fill", resp: broker.NewOrderResponse(7, "open", 0, 0), wantStat: "open"},
		{name: "filled falls back to quantity", resp: func() *broker.OrderResponse {
			r := broker.NewOrderResponse(7, "filled", 0.8, 0)
			r.Order.Quantity = 3
			return r
		}(), wantAvg: models.Float(0.8), wantQty: intPtr(3), wantStat: "filled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &broker.MockBroker{}
			mock.StatusFn = func(_ context.Context, id int) (*broker.OrderResponse, error) {
				assert.Equal(t, 7, id)
				return tt.resp, nil
			}
			st, err := NewTradierExecutor(mock, fastRetry, nil).GetOrderStatus(context.Background(), "7")
			require.NoError(t, err)
			assert.Equal(t, "7", st.OrderID)
			assert.Equal(t, tt.wantStat, st.Status)
			assert.Equal(t, tt.wantAvg, st.AvgFillPrice)
			assert.Equal(t, tt.wantQty, st.FilledQuantity)
		})
	}
}

func TestTradierStatusRetriesTransient(t *testing.T) {
	mock := &broker.MockBroker{}
	var mu sync.Mutex
	calls := 0
	mock.StatusFn = func(_ context.Context, id int) (*broker.OrderResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, &broker.APIError{Status: 503, Body: "unavailable"}
		}
		return broker.NewOrderResponse(id, "filled", 1.0, 1), nil
	}
	st, err := NewTradierExecutor(mock, fastRetry, nil).GetOrderStatus(context.Background(), "11")
	require.NoError(t, err)
	assert.Equal(t, "filled", st.Status)
	assert.Equal(t, 2, mock.Calls("GetOrderStatusCtx"))
}

func TestTradierStatusErrors(t *testing.T) {
	mock := &broker.MockBroker{}
	exec := NewTradierExecutor(mock, fastRetry, nil)

	_, err := exec.GetOrderStatus(context.Background(), "paper-abc")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, 0, mock.Calls("GetOrderStatusCtx"))

	mock.StatusFn = func(context.Context, int) (*broker.OrderResponse, error) {
		return nil, &broker.APIError{Status: 404, Body: "not found"}
	}
	_, err = exec.GetOrderStatus(context.Background(), "9")
	var oe *OrderError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "9", oe.OrderID)
	assert.Equal(t, 1, mock.Calls("GetOrderStatusCtx"))
}

func intPtr(v int) *int { return &v }
