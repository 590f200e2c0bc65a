package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Broker defines the Tradier operations the bot depends on.
type Broker interface {
	// Market data
	GetQuoteCtx(ctx context.Context, symbol string) (*QuoteItem, error)
	GetOptionChainCtx(ctx context.Context, symbol, expiration string, greeks bool) ([]Option, error)
	GetMarketCalendarCtx(ctx context.Context, month, year int) (*MarketCalendarResponse, error)
	CreateStreamSessionCtx(ctx context.Context) (*StreamSession, error)

	// Orders
	PlaceOptionOrderCtx(ctx context.Context, order OptionOrder) (*OrderResponse, error)
	GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error)
}

// Ensure TradierAPI implements Broker at compile time.
var (
	_ Broker = (*TradierAPI)(nil)
	_ Broker = (*CircuitBreakerBroker)(nil)
)

// IsPermanentAPIError reports 4xx errors other than 429, which retrying cannot fix.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		// Preserve partial payloads (e.g. order responses with an errors block)
		if v, ok := res.(T); ok {
			return v, err
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% failures over at least 5 calls.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,                // Allow 3 requests when half-open
	Interval:     60 * time.Second, // Reset counts every minute
	Timeout:      30 * time.Second, // Open circuit for 30 seconds
	MinRequests:  5,                // Minimum requests before tripping
	FailureRatio: 0.6,              // Trip if 60% failure rate
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker, logger logrus.FieldLogger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings, logger)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
// Rate limiting, permanent 4xx responses and caller cancellation do not count as failures.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "TradierCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var rl *RateLimitError
			return errors.As(err, &rl) || IsPermanentAPIError(err) ||
				errors.Is(err, context.Canceled) || errors.Is(err, ErrMissingOrder)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State exposes the breaker state for status reporting.
func (c *CircuitBreakerBroker) State() string {
	return c.breaker.State().String()
}

// GetQuoteCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuoteCtx(ctx context.Context, symbol string) (*QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*QuoteItem, error) {
		return b.GetQuoteCtx(ctx, symbol)
	})
}

// GetOptionChainCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionChainCtx(ctx context.Context, symbol, expiration string, greeks bool) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Option, error) {
		return b.GetOptionChainCtx(ctx, symbol, expiration, greeks)
	})
}

// GetMarketCalendarCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetMarketCalendarCtx(ctx context.Context, month, year int) (*MarketCalendarResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketCalendarResponse, error) {
		return b.GetMarketCalendarCtx(ctx, month, year)
	})
}

// CreateStreamSessionCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CreateStreamSessionCtx(ctx context.Context) (*StreamSession, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*StreamSession, error) {
		return b.CreateStreamSessionCtx(ctx)
	})
}

// PlaceOptionOrderCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOptionOrderCtx(ctx context.Context, order OptionOrder) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceOptionOrderCtx(ctx, order)
	})
}

// GetOrderStatusCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatusCtx(ctx, orderID)
	})
}
