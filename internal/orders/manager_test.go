package orders

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/candlebot/internal/execution"
	"github.com/eddiefleurent/candlebot/internal/ledger"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/selection"
	"github.com/eddiefleurent/candlebot/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticQuotes struct {
	mu     sync.Mutex
	quotes []models.OptionQuote
}

func (s *staticQuotes) Quotes() []models.OptionQuote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OptionQuote(nil), s.quotes...)
}

func (s *staticQuotes) get(key string) (models.OptionQuote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.quotes {
		if q.Contract.Key() == key {
			return q, true
		}
	}
	return models.OptionQuote{}, false
}

func (s *staticQuotes) setPrice(bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.quotes {
		s.quotes[i].Bid = models.Float(bid)
		s.quotes[i].Ask = models.Float(ask)
	}
}

// liveExecutor mimics a broker: submits come back "open" and fill only when told.
type liveExecutor struct {
	mu       sync.Mutex
	next     int
	statuses map[string]execution.OrderStatus
	requests []execution.OrderRequest
	submitFn func(req execution.OrderRequest) (execution.SubmitResult, error)
	calls    int
}

func newLiveExecutor() *liveExecutor {
	return &liveExecutor{statuses: map[string]execution.OrderStatus{}}
}

func (e *liveExecutor) SubmitOptionOrder(_ context.Context, req execution.OrderRequest) (execution.SubmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	if e.submitFn != nil {
		return e.submitFn(req)
	}
	e.next++
	id := fmt.Sprintf("%d", 1000+e.next)
	e.statuses[id] = execution.OrderStatus{OrderID: id, Status: "open"}
	return execution.SubmitResult{OrderID: id, Status: "ok"}, nil
}

func (e *liveExecutor) GetOrderStatus(_ context.Context, id string) (execution.OrderStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	st, ok := e.statuses[id]
	if !ok {
		return execution.OrderStatus{}, execution.ErrOrderNotFound
	}
	return st, nil
}

func (e *liveExecutor) fill(id string, price float64, qty int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses[id] = execution.OrderStatus{OrderID: id, Status: "filled", AvgFillPrice: &price, FilledQuantity: &qty}
}

func (e *liveExecutor) setStatus(id, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses[id] = execution.OrderStatus{OrderID: id, Status: status}
}

func snapshot() *staticQuotes {
	return &staticQuotes{quotes: []models.OptionQuote{
		{
			Contract: models.OptionContract{Symbol: "SPY", OptionType: models.OptionCall, Strike: 520, Expiration: "20260106"},
			Bid:      models.Float(0.35), Ask: models.Float(0.40),
		},
		{
			Contract: models.OptionContract{Symbol: "SPY", OptionType: models.OptionPut, Strike: 515, Expiration: "20260106"},
			Bid:      models.Float(0.42), Ask: models.Float(0.45),
		},
	}}
}

func callRequest() selection.Request {
	return selection.Request{Symbol: "SPY", OptionType: models.OptionCall, Expiration: "20260106", UnderlyingPrice: 518}
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestNewManager_DefaultConfig(t *testing.T) {
	m := NewManager(snapshot(), newLiveExecutor(), nil)
	assert.Equal(t, DefaultConfig.PollInterval, m.config.PollInterval)
	assert.Equal(t, DefaultConfig.CallTimeout, m.config.CallTimeout)
	assert.Equal(t, selection.PriceRangeOTMName, m.config.DefaultSelector)
	assert.NotNil(t, m.logger)
}

func TestNewManager_ConfigValidation(t *testing.T) {
	m := NewManager(snapshot(), newLiveExecutor(), nil, Config{PollInterval: -1, CallTimeout: 0})
	assert.Equal(t, DefaultConfig.PollInterval, m.config.PollInterval)
	assert.Equal(t, DefaultConfig.CallTimeout, m.config.CallTimeout)

	assert.Panics(t, func() { NewManager(nil, newLiveExecutor(), nil) })
	assert.Panics(t, func() { NewManager(snapshot(), nil, nil) })
}

func TestManager_PaperRoundTrip(t *testing.T) {
	quotes := snapshot()
	quotes.quotes[0].Ask = models.Float(0.45)
	paper := execution.NewPaperExecutor(quotes.get, nil)
	ledgerPath := filepath.Join(t.TempDir(), "trades.jsonl")
	fileLedger := ledger.NewFileLedger(ledgerPath)
	store := storage.NewMockPositionStore()
	m := NewManager(quotes, paper, nil).WithLedger(fileLedger).WithStore(store).WithClock(fixedClock())
	ctx := context.Background()

	quotes.setPrice(1.1, 1.2)
	req := callRequest()
	req.PriceRanges = []selection.PriceRange{{Low: 1.0, High: 1.5}}
	opened, err := m.OpenPosition(ctx, req, OpenOptions{Quantity: 2, StrategyTag: "ema-crossover-15M"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, opened.Position.Status)
	require.NotNil(t, opened.Position.AvgEntry)
	assert.Equal(t, 1.2, *opened.Position.AvgEntry)
	assert.True(t, strings.HasPrefix(opened.PositionID, "SPY-call-520-20260106-ema-crossover-15M-"))

	quotes.setPrice(1.0, 1.15)
	closed, err := m.ClosePosition(ctx, opened.PositionID, OrderOptions{Reason: "flip"})
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, models.StatusClosed, closed.Position.Status)
	assert.InDelta(t, -40.0, closed.Position.RealizedPnL, 1e-9)
	assert.Zero(t, closed.Position.QuantityOpen)

	again, err := m.ClosePosition(ctx, opened.PositionID, OrderOptions{})
	require.NoError(t, err)
	assert.Nil(t, again)

	events, err := fileLedger.Events()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ledger.EventOpen, events[0].Event)
	assert.Equal(t, ledger.EventClose, events[1].Event)
	assert.Equal(t, "flip", events[1].Reason)
	assert.InDelta(t, -40.0, events[1].RealizedPnL, 1e-9)

	saved, err := store.LoadPositions()
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, models.StatusClosed, saved[0].Status)
	assert.Empty(t, m.OpenPositions())
}

func TestManager_FillAppliedOnce(t *testing.T) {
	exec := newLiveExecutor()
	m := NewManager(snapshot(), exec, nil)
	ctx := context.Background()

	res, err := m.OpenPosition(ctx, callRequest(), OpenOptions{Quantity: 3, StrategyTag: "t"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, res.Position.Status)
	orderID := res.Order.OrderID

	_, err = m.GetStatus(ctx, orderID)
	require.NoError(t, err)
	pos, _ := m.Position(res.PositionID)
	assert.Equal(t, models.StatusPending, pos.Status)

	exec.fill(orderID, 0.40, 3)
	for i := 0; i < 3; i++ {
		_, err = m.GetStatus(ctx, orderID)
		require.NoError(t, err)
	}
	pos, _ = m.Position(res.PositionID)
	assert.Equal(t, 3, pos.QuantityOpen)
	assert.Equal(t, models.StatusOpen, pos.Status)

	oc, ok := m.Context(orderID)
	require.True(t, ok)
	assert.True(t, oc.AppliedToPosition)
	assert.Equal(t, selection.PriceRangeOTMName, oc.SelectorName)
}

func TestManager_WeightedAverageOnAdd(t *testing.T) {
	exec := newLiveExecutor()
	m := NewManager(snapshot(), exec, nil)
	ctx := context.Background()

	res, err := m.OpenPosition(ctx, callRequest(), OpenOptions{Quantity: 1})
	require.NoError(t, err)
	exec.fill(res.Order.OrderID, 1.0, 1)
	require.NoError(t, m.PollPending(ctx))

	add, err := m.AddToPosition(ctx, res.PositionID, 3, OrderOptions{})
	require.NoError(t, err)
	exec.fill(add.Order.OrderID, 2.0, 3)
	require.NoError(t, m.PollPending(ctx))

	pos, _ := m.Position(res.PositionID)
	require.NotNil(t, pos.AvgEntry)
	assert.InDelta(t, 1.75, *pos.AvgEntry, 1e-9)
	assert.Equal(t, 4, pos.QuantityOpen)
	assert.Len(t, pos.OrderIDs, 2)
}

func TestManager_TrimReservesQuantity(t *testing.T) {
	exec := newLiveExecutor()
	m := NewManager(snapshot(), exec, nil)
	ctx := context.Background()

	res, err := m.OpenPosition(ctx, callRequest(), OpenOptions{Quantity: 4})
	require.NoError(t, err)
	exec.fill(res.Order.OrderID, 1.0, 4)
	require.NoError(t, m.PollPending(ctx))

	trim, err := m.TrimPosition(ctx, res.PositionID, 3, OrderOptions{})
	require.NoError(t, err)

	_, err = m.TrimPosition(ctx, res.PositionID, 2, OrderOptions{})
	assert.ErrorIs(t, err, ErrTrimExceedsOpen)

	closeRes, err := m.ClosePosition(ctx, res.PositionID, OrderOptions{})
	require.NoError(t, err)
	require.NotNil(t, closeRes)
	assert.Equal(t, 1, exec.requests[len(exec.requests)-1].Quantity)

	// nothing left to reserve
	none, err := m.ClosePosition(ctx, res.PositionID, OrderOptions{})
	require.NoError(t, err)
	assert.Nil(t, none)

	// a cancelled trim releases its reservation
	exec.setStatus(trim.Order.OrderID, "canceled")
	require.NoError(t, m.PollPending(ctx))
	_, err = m.TrimPosition(ctx, res.PositionID, 3, OrderOptions{})
	require.NoError(t, err)

	exec.fill(closeRes.Order.OrderID, 1.5, 1)
	require.NoError(t, m.PollPending(ctx))
	pos, _ := m.Position(res.PositionID)
	assert.Equal(t, 3, pos.QuantityOpen)
	assert.InDelta(t, 50.0, pos.RealizedPnL, 1e-9)
	assert.Equal(t, models.StatusOpen, pos.Status)
}

func TestManager_RejectedEntryClosesPosition(t *testing.T) {
	exec := newLiveExecutor()
	m := NewManager(snapshot(), exec, nil)
	ctx := context.Background()

	res, err := m.OpenPosition(ctx, callRequest(), OpenOptions{Quantity: 1})
	require.NoError(t, err)
	exec.setStatus(res.Order.OrderID, "rejected")
	require.NoError(t, m.PollPending(ctx))

	pos, ok := m.Position(res.PositionID)
	require.True(t, ok)
	assert.Equal(t, models.StatusClosed, pos.Status)
	assert.Zero(t, pos.RealizedPnL)
	require.NotEmpty(t, pos.History)
	assert.Equal(t, "entry_rejected", pos.History[len(pos.History)-1].Condition)

	_, err = m.AddToPosition(ctx, res.PositionID, 1, OrderOptions{})
	assert.ErrorIs(t, err, ErrPositionClosed)
}

func TestManager_PaperMissingQuoteRejectsEntry(t *testing.T) {
	quotes := snapshot()
	paper := execution.NewPaperExecutor(func(string) (models.OptionQuote, bool) { return models.OptionQuote{}, false }, nil)
	m := NewManager(quotes, paper, nil)

	res, err := m.OpenPosition(context.Background(), callRequest(), OpenOptions{Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRejected, res.Order.Status)
	assert.Equal(t, models.StatusClosed, res.Position.Status)
}

func TestManager_Errors(t *testing.T) {
	exec := newLiveExecutor()
	m := NewManager(snapshot(), exec, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{
			name: "unknown position on trim",
			run: func() error {
				_, err := m.TrimPosition(ctx, "nope", 1, OrderOptions{})
				return err
			},
			wantErr: ErrPositionNotFound,
		},
		{
			name: "unknown position on close",
			run: func() error {
				_, err := m.ClosePosition(ctx, "nope", OrderOptions{})
				return err
			},
			wantErr: ErrPositionNotFound,
		},
		{
			name: "unknown position on add",
			run: func() error {
				_, err := m.AddToPosition(ctx, "nope", 1, OrderOptions{})
				return err
			},
			wantErr: ErrPositionNotFound,
		},
		{
			name: "limit without price",
			run: func() error {
				_, err := m.OpenPosition(ctx, callRequest(), OpenOptions{Quantity: 1, OrderType: "limit"})
				return err
			},
			wantErr: ErrLimitPriceRequired,
		},
		{
			name: "no contract",
			run: func() error {
				req := callRequest()
				req.Expiration = "20991231"
				_, err := m.OpenPosition(ctx, req, OpenOptions{Quantity: 1})
				return err
			},
			wantErr: ErrNoContract,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), tt.wantErr)
		})
	}
	assert.Empty(t, exec.requests, "no order may reach the executor")
	assert.Empty(t, m.Positions())
}

func TestManager_SubmitFailureLeavesNoPosition(t *testing.T) {
	exec := newLiveExecutor()
	exec.submitFn = func(execution.OrderRequest) (execution.SubmitResult, error) {
		return execution.SubmitResult{}, &execution.OrderError{Op: "submit", Err: errors.New("boom")}
	}
	m := NewManager(snapshot(), exec, nil)
	_, err := m.OpenPosition(context.Background(), callRequest(), OpenOptions{Quantity: 1})
	var oe *execution.OrderError
	assert.ErrorAs(t, err, &oe)
	assert.Empty(t, m.Positions())
}

func TestManager_SellSubmitFailureReleasesReservation(t *testing.T) {
	exec := newLiveExecutor()
	m := NewManager(snapshot(), exec, nil)
	ctx := context.Background()

	res, err := m.OpenPosition(ctx, callRequest(), OpenOptions{Quantity: 2})
	require.NoError(t, err)
	exec.fill(res.Order.OrderID, 1.0, 2)
	require.NoError(t, m.PollPending(ctx))

	exec.submitFn = func(execution.OrderRequest) (execution.SubmitResult, error) {
		return execution.SubmitResult{}, errors.New("connection reset")
	}
	_, err = m.ClosePosition(ctx, res.PositionID, OrderOptions{})
	require.Error(t, err)

	exec.submitFn = nil
	out, err := m.TrimPosition(ctx, res.PositionID, 2, OrderOptions{})
	require.NoError(t, err)
	require.NotNil(t, out)
}

func TestManager_LimitFromQuote(t *testing.T) {
	quotes := snapshot()
	exec := newLiveExecutor()
	cfg := DefaultConfig
	cfg.LimitFromQuote = true
	m := NewManager(quotes, exec, nil, cfg)
	ctx := context.Background()

	res, err := m.OpenPosition(ctx, callRequest(), OpenOptions{Quantity: 1, OrderType: execution.TypeLimit})
	require.NoError(t, err)
	q, ok := quotes.get(res.Position.Contract.Key())
	require.True(t, ok)
	require.NotNil(t, exec.requests[0].LimitPrice)
	assert.InDelta(t, *q.Ask, *exec.requests[0].LimitPrice, 1e-9)

	exec.fill(res.Order.OrderID, *q.Ask, 1)
	require.NoError(t, m.PollPending(ctx))

	quotes.setPrice(0.604, 0.65)
	_, err = m.ClosePosition(ctx, res.PositionID, OrderOptions{OrderType: execution.TypeLimit})
	require.NoError(t, err)
	require.Len(t, exec.requests, 2)
	assert.InDelta(t, 0.60, *exec.requests[1].LimitPrice, 1e-9)
}

type putsOnly struct{}

func (putsOnly) Name() string { return "puts-only" }

func (putsOnly) Select(quotes []models.OptionQuote, _ selection.Request) *selection.Result {
	for _, q := range quotes {
		if q.Contract.OptionType == models.OptionPut {
			return &selection.Result{Quote: q, Reason: "puts-only"}
		}
	}
	return nil
}

func TestManager_CustomSelectorRegistry(t *testing.T) {
	reg := selection.NewRegistry()
	reg.Register(putsOnly{})
	m := NewManager(snapshot(), newLiveExecutor(), nil).WithRegistry(reg)

	res, err := m.SelectContract(callRequest(), "puts-only")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, models.OptionPut, res.Quote.Contract.OptionType)

	_, err = m.SelectContract(callRequest(), selection.PriceRangeOTMName)
	assert.Error(t, err, "default selector is not in the custom registry")
}

func TestManager_RestoreLoadError(t *testing.T) {
	store := storage.NewMockPositionStore()
	store.SetLoadError(errors.New("corrupt file"))
	m := NewManager(snapshot(), newLiveExecutor(), nil).WithStore(store)
	assert.ErrorContains(t, m.Restore(), "corrupt file")
}

func TestManager_RestoreAndPersist(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewJSONPositionStore(filepath.Join(dir, "positions.json"))
	exec := newLiveExecutor()
	m := NewManager(snapshot(), exec, nil).WithStore(store)
	ctx := context.Background()

	res, err := m.OpenPosition(ctx, callRequest(), OpenOptions{Quantity: 1, StrategyTag: "candle-ema-break"})
	require.NoError(t, err)
	exec.fill(res.Order.OrderID, 0.4, 1)
	require.NoError(t, m.PollPending(ctx))

	restored := NewManager(snapshot(), newLiveExecutor(), nil).WithStore(store)
	require.NoError(t, restored.Restore())
	pos, ok := restored.Position(res.PositionID)
	require.True(t, ok)
	assert.Equal(t, models.StatusOpen, pos.Status)
	assert.Equal(t, "candle-ema-break", pos.StrategyTag)
	assert.Len(t, restored.OpenPositions(), 1)
}

func TestManager_RunFillPoller(t *testing.T) {
	exec := newLiveExecutor()
	m := NewManager(snapshot(), exec, nil, Config{PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := m.OpenPosition(ctx, callRequest(), OpenOptions{Quantity: 1})
	require.NoError(t, err)
	exec.fill(res.Order.OrderID, 0.4, 1)

	done := make(chan error, 1)
	go func() { done <- m.RunFillPoller(ctx) }()

	require.Eventually(t, func() bool {
		p, _ := m.Position(res.PositionID)
		return p.Status == models.StatusOpen
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestOrderTag(t *testing.T) {
	assert.Equal(t, "ema-crossover-15M", orderTag("ema-crossover-15M"))
	assert.Equal(t, "my-strategy-v2", orderTag("my_strategy v2"))
	assert.Equal(t, "", orderTag("!!"))
}
