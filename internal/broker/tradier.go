// Package broker provides the Tradier REST client used for option chains,
// option orders, the market calendar and streaming sessions.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// defaultRetryAfter is used when a 429 response carries no usable Retry-After header.
const defaultRetryAfter = time.Second

// ErrMissingOrder is returned when an order response has no "order" object.
var ErrMissingOrder = errors.New("order response missing order field")

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// RateLimitError is returned on HTTP 429. RetryAfter comes from the
// Retry-After header.
type RateLimitError struct {
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Body)
}

// TradierAPI is a thin client over the Tradier v1 REST API.
type TradierAPI struct {
	client     *http.Client
	apiKey     string
	baseURL    string
	accountID  string
	rateLimits RateLimits
	marketData *rate.Limiter
	trading    *rate.Limiter
	sandbox    bool
	logger     logrus.FieldLogger
}

// RateLimits defines API rate limits for different endpoint categories.
type RateLimits struct {
	MarketData int // requests per minute
	Trading    int // requests per minute
}

// NewTradierAPI creates a new TradierAPI client with default settings.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURLAndClient(apiKey, accountID, sandbox, "", nil)
}

// NewTradierAPIWithBaseURLAndClient creates a new TradierAPI client with optional custom baseURL, client, and rate limits
func NewTradierAPIWithBaseURLAndClient(
	apiKey, accountID string,
	sandbox bool,
	baseURL string,
	client *http.Client,
	customLimits ...RateLimits,
) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	// Normalize once
	baseURL = strings.TrimRight(baseURL, "/")

	var limits RateLimits
	if len(customLimits) > 0 && (customLimits[0].MarketData > 0 || customLimits[0].Trading > 0) {
		limits = customLimits[0]
	} else if sandbox {
		limits = RateLimits{MarketData: 120, Trading: 60}
	} else {
		limits = RateLimits{MarketData: 500, Trading: 120}
	}

	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &TradierAPI{
		apiKey:     apiKey,
		baseURL:    baseURL,
		accountID:  accountID,
		client:     client,
		sandbox:    sandbox,
		rateLimits: limits,
		marketData: newLimiter(limits.MarketData),
		trading:    newLimiter(limits.Trading),
		logger:     logrus.StandardLogger(),
	}
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := perMinute / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
}

// WithLogger sets the logger used for rate-limit diagnostics.
func (t *TradierAPI) WithLogger(l logrus.FieldLogger) *TradierAPI {
	if l != nil {
		t.logger = l
	}
	return t
}

// AccountID returns the account orders are placed against.
func (t *TradierAPI) AccountID() string { return t.accountID }

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// OptionChainResponse represents the API response for option chain requests.
type OptionChainResponse struct {
	Options *struct {
		Option singleOrArray[Option] `json:"option"`
	} `json:"options"`
}

// Option represents an option contract from the Tradier API. Price fields are
// pointers because Tradier reports null for contracts without a market.
type Option struct {
	Symbol         string   `json:"symbol"`
	OptionType     string   `json:"option_type"`
	ExpirationDate string   `json:"expiration_date"`
	Underlying     string   `json:"underlying"`
	RootSymbol     string   `json:"root_symbol"`
	Strike         float64  `json:"strike"`
	Bid            *float64 `json:"bid"`
	Ask            *float64 `json:"ask"`
	Last           *float64 `json:"last"`
	Volume         *int64   `json:"volume"`
	OpenInterest   *int64   `json:"open_interest"`
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Volume int64   `json:"volume"`
}

// MarketCalendarResponse represents the market calendar response from the Tradier API.
type MarketCalendarResponse struct {
	Calendar struct {
		Month int `json:"month"`
		Year  int `json:"year"`
		Days  struct {
			Day singleOrArray[MarketDay] `json:"day"`
		} `json:"days"`
	} `json:"calendar"`
}

// SessionWindow is a start/end pair in HH:MM exchange time.
type SessionWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// MarketDay represents a single day in the market calendar.
type MarketDay struct {
	Date        string         `json:"date"`
	Status      string         `json:"status"` // open | closed
	Description string         `json:"description"`
	PreMarket   *SessionWindow `json:"premarket,omitempty"`
	Open        *SessionWindow `json:"open,omitempty"`
	PostMarket  *SessionWindow `json:"postmarket,omitempty"`
}

// OrderDetail is the "order" object of an order response.
type OrderDetail struct {
	ID                int     `json:"id"`
	Status            string  `json:"status"`
	Symbol            string  `json:"symbol"`
	OptionSymbol      string  `json:"option_symbol"`
	Side              string  `json:"side"`
	Type              string  `json:"type"`
	Duration          string  `json:"duration"`
	AvgFillPrice      float64 `json:"avg_fill_price"`
	ExecQuantity      float64 `json:"exec_quantity"`
	Quantity          float64 `json:"quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"`
	Price             float64 `json:"price"`
	CreateDate        string  `json:"create_date"`
	TransactionDate   string  `json:"transaction_date"`
}

// OrderResponse represents the order response from the Tradier API.
type OrderResponse struct {
	Order  *OrderDetail `json:"order"`
	Errors *struct {
		Error singleOrArray[string] `json:"error"`
	} `json:"errors,omitempty"`
	Raw map[string]any `json:"-"`
}

// StreamSession is returned by POST /markets/events/session.
type StreamSession struct {
	Stream struct {
		URL       string `json:"url"`
		SessionID string `json:"sessionid"`
	} `json:"stream"`
}

// OptionOrder describes a single-leg option order.
type OptionOrder struct {
	Symbol       string // underlying
	OptionSymbol string // OCC symbol
	Side         string // buy_to_open | sell_to_close | ...
	Quantity     int
	Type         string // market | limit
	Duration     string
	Price        *float64
	Tag          string
}

// ============ API Methods ============

// GetQuoteCtx retrieves the current market quote for a symbol.
func (t *TradierAPI) GetQuoteCtx(ctx context.Context, symbol string) (*QuoteItem, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response QuotesResponse
	if err := t.makeRequestCtx(ctx, t.marketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if len(response.Quotes.Quote) == 0 {
		return nil, fmt.Errorf("no quote found for symbol: %s", symbol)
	}
	first := response.Quotes.Quote[0]
	return &first, nil
}

// GetOptionChainCtx retrieves the option chain for a symbol and a YYYY-MM-DD expiration.
func (t *TradierAPI) GetOptionChainCtx(ctx context.Context, symbol, expiration string, greeks bool) ([]Option, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("expiration", expiration)
	params.Set("greeks", strconv.FormatBool(greeks))
	endpoint := t.baseURL + "/markets/options/chains?" + params.Encode()

	var response OptionChainResponse
	if err := t.makeRequestCtx(ctx, t.marketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if response.Options == nil {
		return nil, nil
	}
	return []Option(response.Options.Option), nil
}

// GetMarketCalendarCtx retrieves the market calendar for a specific month/year.
// If month/year are 0, uses current month/year.
func (t *TradierAPI) GetMarketCalendarCtx(ctx context.Context, month, year int) (*MarketCalendarResponse, error) {
	endpoint := t.baseURL + "/markets/calendar"

	params := url.Values{}
	if month > 0 {
		params.Add("month", fmt.Sprintf("%02d", month))
	}
	if year > 0 {
		params.Add("year", fmt.Sprintf("%04d", year))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var response MarketCalendarResponse
	if err := t.makeRequestCtx(ctx, t.marketData, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// CreateStreamSessionCtx opens a market-events streaming session.
func (t *TradierAPI) CreateStreamSessionCtx(ctx context.Context) (*StreamSession, error) {
	endpoint := t.baseURL + "/markets/events/session"
	var response StreamSession
	if err := t.makeRequestCtx(ctx, t.marketData, http.MethodPost, endpoint, url.Values{}, &response); err != nil {
		return nil, err
	}
	if response.Stream.SessionID == "" {
		return nil, fmt.Errorf("stream session response missing sessionid")
	}
	return &response, nil
}

// PlaceOptionOrderCtx submits a single-leg option order.
func (t *TradierAPI) PlaceOptionOrderCtx(ctx context.Context, order OptionOrder) (*OrderResponse, error) {
	// Validate quantity for order
	if order.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", order.Quantity)
	}
	orderType := strings.ToLower(order.Type)
	if orderType == "limit" && (order.Price == nil || *order.Price <= 0) {
		return nil, fmt.Errorf("limit order requires a positive price")
	}
	nd, err := normalizeDuration(order.Duration)
	if err != nil {
		return nil, err
	}

	// The underlying must match the OCC root
	symbol := order.Symbol
	if root := extractUnderlyingFromOSI(order.OptionSymbol); root == "" {
		return nil, fmt.Errorf("invalid option symbol: %s", order.OptionSymbol)
	} else if symbol == "" {
		symbol = root
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", strings.ToUpper(symbol))
	params.Add("option_symbol", order.OptionSymbol)
	params.Add("side", order.Side)
	params.Add("quantity", strconv.Itoa(order.Quantity))
	params.Add("type", orderType)
	params.Add("duration", nd)
	if orderType == "limit" {
		params.Add("price", fmt.Sprintf("%.2f", *order.Price))
	}
	if order.Tag != "" {
		params.Add("tag", order.Tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, t.trading, http.MethodPost, endpoint, params, &response); err != nil {
		return nil, err
	}
	if response.Errors != nil && len(response.Errors.Error) > 0 {
		return &response, &APIError{Status: http.StatusOK, Body: strings.Join(response.Errors.Error, "; ")}
	}
	if response.Order == nil {
		return &response, ErrMissingOrder
	}
	return &response, nil
}

// GetOrderStatusCtx retrieves the status of an existing order by ID with context
func (t *TradierAPI) GetOrderStatusCtx(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, t.trading, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if response.Order == nil {
		return &response, ErrMissingOrder
	}
	return &response, nil
}

// normalizeDuration normalizes and validates duration parameter
func normalizeDuration(duration string) (string, error) {
	if duration == "" {
		return "day", nil
	}

	// Normalize: lowercase and trim whitespace
	normalized := strings.ToLower(strings.TrimSpace(duration))

	switch normalized {
	case "good-til-cancelled", "goodtilcancelled", "gtc":
		return "gtc", nil
	case "day":
		return "day", nil
	case "pre", "pre-market", "premarket":
		return "pre", nil
	case "post", "post-market", "postmarket":
		return "post", nil
	default:
		return "", fmt.Errorf("invalid duration '%s': must be one of 'day', 'gtc', 'pre', or 'post'", duration)
	}
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation.
// The limiter is waited on before the request is sent.
func (t *TradierAPI) makeRequestCtx(ctx context.Context, limiter *rate.Limiter, method, endpoint string,
	params url.Values, response interface{}) error {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	var req *http.Request
	var err error
	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "candlebot/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Warn("failed to close response body")
		}
	}()

	// Check rate limit headers
	remaining := resp.Header.Get("X-Ratelimit-Available")
	if remaining == "" {
		remaining = resp.Header.Get("X-RateLimit-Remaining")
	}
	if remaining != "" && t.sandbox {
		t.logger.WithField("available", remaining).Debug("tradier rate limit")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), Body: string(body)}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		ct := resp.Header.Get("Content-Type")
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s", method, endpoint, ct, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if or, ok := response.(*OrderResponse); ok {
		var raw map[string]any
		if json.Unmarshal(data, &raw) == nil {
			or.Raw = raw
		}
	}
	return nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return defaultRetryAfter
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}
