package execution

import (
	"context"
	"fmt"
	"strconv"

	"github.com/eddiefleurent/candlebot/internal/broker"
	"github.com/eddiefleurent/candlebot/internal/metrics"
	"github.com/eddiefleurent/candlebot/internal/retry"
	"github.com/sirupsen/logrus"
)

// OrderBroker is the broker surface the live executor needs.
type OrderBroker interface {
	PlaceOptionOrderCtx(ctx context.Context, order broker.OptionOrder) (*broker.OrderResponse, error)
	GetOrderStatusCtx(ctx context.Context, orderID int) (*broker.OrderResponse, error)
}

// TradierExecutor sends orders to the Tradier account.
type TradierExecutor struct {
	broker OrderBroker
	retry  retry.Config
	logger logrus.FieldLogger
}

// NewTradierExecutor wraps an order broker, normally broker.CircuitBreakerBroker.
// Status polls retry transient failures with cfg.
func NewTradierExecutor(b OrderBroker, cfg retry.Config, logger logrus.FieldLogger) *TradierExecutor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TradierExecutor{broker: b, retry: cfg, logger: logger.WithField("component", "execution")}
}

// SubmitOptionOrder builds the OCC symbol and posts the order. Submissions are
// never retried: a timeout after the broker accepted the order would duplicate it.
func (e *TradierExecutor) SubmitOptionOrder(ctx context.Context, req OrderRequest) (SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return SubmitResult{}, err
	}
	occ, err := req.Contract().OCCSymbol()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("build option symbol: %w", err)
	}
	if got := broker.OptionTypeFromSymbol(occ); got != string(req.OptionType) {
		return SubmitResult{}, fmt.Errorf("option symbol %s encodes %q, order is %q", occ, got, req.OptionType)
	}

	order := broker.OptionOrder{
		Symbol:       req.Contract().Symbol,
		OptionSymbol: occ,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Type:         req.orderType(),
		Duration:     req.Duration,
		Tag:          req.Tag,
	}
	if req.orderType() == TypeLimit {
		order.Price = req.LimitPrice
	}
	if order.Duration == "" {
		order.Duration = "gtc"
	}

	e.logger.WithFields(logrus.Fields{
		"option_symbol": occ, "side": req.Side, "quantity": req.Quantity, "type": order.Type,
	}).Info("submitting option order")

	resp, err := e.broker.PlaceOptionOrderCtx(ctx, order)
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues(req.Side, "error").Inc()
		oe := &OrderError{Op: "submit", Err: err}
		if resp != nil {
			oe.Raw = resp.Raw
		}
		return SubmitResult{}, oe
	}
	if resp == nil || resp.Order == nil {
		metrics.OrdersSubmitted.WithLabelValues(req.Side, "error").Inc()
		return SubmitResult{}, &OrderError{Op: "submit", Err: broker.ErrMissingOrder}
	}

	metrics.OrdersSubmitted.WithLabelValues(req.Side, resp.Order.Status).Inc()
	return SubmitResult{
		OrderID: strconv.Itoa(resp.Order.ID),
		Status:  resp.Order.Status,
		Raw:     resp.Raw,
	}, nil
}

// GetOrderStatus fetches the order, retrying transient failures.
func (e *TradierExecutor) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	id, err := strconv.Atoi(orderID)
	if err != nil {
		return OrderStatus{}, fmt.Errorf("%w: invalid order id %q", ErrOrderNotFound, orderID)
	}

	resp, err := retry.Do(ctx, e.retry, e.logger, "get order status", func(ctx context.Context) (*broker.OrderResponse, error) {
		return e.broker.GetOrderStatusCtx(ctx, id)
	})
	if err != nil {
		oe := &OrderError{Op: "status", OrderID: orderID, Err: err}
		if resp != nil {
			oe.Raw = resp.Raw
		}
		return OrderStatus{}, oe
	}
	if resp == nil || resp.Order == nil {
		return OrderStatus{}, &OrderError{Op: "status", OrderID: orderID, Err: broker.ErrMissingOrder}
	}

	o := resp.Order
	st := OrderStatus{OrderID: orderID, Status: o.Status, Raw: resp.Raw}
	if o.ID != 0 {
		st.OrderID = strconv.Itoa(o.ID)
	}
	if o.AvgFillPrice > 0 {
		st.AvgFillPrice = &o.AvgFillPrice
	}
	switch {
	case o.ExecQuantity > 0:
		n := int(o.ExecQuantity)
		st.FilledQuantity = &n
	case o.Status == StatusFilled && o.Quantity > 0:
		n := int(o.Quantity)
		st.FilledQuantity = &n
	}
	return st, nil
}
