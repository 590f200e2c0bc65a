package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/metrics"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// QuoteLookup returns the latest quote for a contract key.
type QuoteLookup func(key string) (models.OptionQuote, bool)

type paperOrder struct {
	id          string
	req         OrderRequest
	status      string
	submittedAt time.Time
	filledAt    time.Time
	fillPrice   *float64
	reason      string
}

// PaperExecutor fills orders immediately against the latest quote. It never
// talks to a broker.
type PaperExecutor struct {
	lookup QuoteLookup
	logger logrus.FieldLogger
	now    func() time.Time

	mu     sync.Mutex
	orders map[string]*paperOrder
}

// NewPaperExecutor builds a paper executor reading prices from lookup,
// normally quotes.Service.GetQuote.
func NewPaperExecutor(lookup QuoteLookup, logger logrus.FieldLogger) *PaperExecutor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PaperExecutor{
		lookup: lookup,
		logger: logger.WithField("component", "paper_execution"),
		now:    time.Now,
		orders: make(map[string]*paperOrder),
	}
}

// WithClock overrides the time source.
func (p *PaperExecutor) WithClock(now func() time.Time) *PaperExecutor {
	p.now = now
	return p
}

// SubmitOptionOrder fills buys at ask, then mid, last, bid; sells at bid,
// then mid, last, ask. Limit orders whose price is not reached are rejected.
func (p *PaperExecutor) SubmitOptionOrder(_ context.Context, req OrderRequest) (SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return SubmitResult{}, err
	}

	order := &paperOrder{
		id:          "paper-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		req:         req,
		status:      StatusSubmitted,
		submittedAt: p.now().UTC(),
	}

	price, ok := p.resolveFillPrice(req)
	switch {
	case !ok:
		order.status = StatusRejected
		order.reason = ReasonMissingQuote
	case req.orderType() == TypeLimit && req.Side == SideBuyToOpen && price > *req.LimitPrice,
		req.orderType() == TypeLimit && req.Side == SideSellToClose && price < *req.LimitPrice:
		order.status = StatusRejected
		order.reason = ReasonLimitNotReached
	default:
		order.status = StatusFilled
		order.filledAt = order.submittedAt
		order.fillPrice = &price
	}

	p.mu.Lock()
	p.orders[order.id] = order
	p.mu.Unlock()

	metrics.OrdersSubmitted.WithLabelValues(req.Side, order.status).Inc()
	entry := p.logger.WithFields(logrus.Fields{
		"order_id": order.id, "contract": req.Contract().Key(), "side": req.Side, "status": order.status,
	})
	if order.reason != "" {
		entry.WithField("reason", order.reason).Warn("paper order rejected")
	} else {
		entry.WithField("fill_price", price).Info("paper order filled")
	}

	return SubmitResult{
		OrderID:   order.id,
		Status:    order.status,
		FillPrice: order.fillPrice,
		Raw:       order.raw(),
	}, nil
}

// GetOrderStatus returns the stored order. Unknown ids wrap ErrOrderNotFound.
func (p *PaperExecutor) GetOrderStatus(_ context.Context, orderID string) (OrderStatus, error) {
	p.mu.Lock()
	order, ok := p.orders[orderID]
	p.mu.Unlock()
	if !ok {
		return OrderStatus{}, fmt.Errorf("%w: unknown order_id %s", ErrOrderNotFound, orderID)
	}

	st := OrderStatus{
		OrderID:      order.id,
		Status:       order.status,
		AvgFillPrice: order.fillPrice,
		Raw:          order.raw(),
	}
	if order.fillPrice != nil {
		q := order.req.Quantity
		st.FilledQuantity = &q
	}
	return st, nil
}

func (p *PaperExecutor) resolveFillPrice(req OrderRequest) (float64, bool) {
	key := req.Contract().Key()
	if p.lookup == nil {
		return 0, false
	}
	q, ok := p.lookup(key)
	if !ok {
		p.logger.WithField("contract", key).Warn("no quote for paper fill")
		return 0, false
	}
	var mid *float64
	if m, ok := q.Mid(); ok {
		mid = &m
	}
	if req.Side == SideBuyToOpen {
		return firstPrice(q.Ask, mid, q.Last, q.Bid)
	}
	return firstPrice(q.Bid, mid, q.Last, q.Ask)
}

func firstPrice(values ...*float64) (float64, bool) {
	for _, v := range values {
		if v != nil {
			return *v, true
		}
	}
	return 0, false
}

func (o *paperOrder) raw() map[string]any {
	raw := map[string]any{
		"status":       o.status,
		"submitted_at": o.submittedAt.Format(time.RFC3339Nano),
	}
	if o.fillPrice != nil {
		raw["fill_price"] = *o.fillPrice
		raw["filled_at"] = o.filledAt.Format(time.RFC3339Nano)
	}
	if o.reason != "" {
		raw["rejection_reason"] = o.reason
	}
	return raw
}
