// Package orders owns option positions: it selects contracts, submits buy and
// sell orders through an executor, and folds fills into positions exactly once.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/execution"
	"github.com/eddiefleurent/candlebot/internal/ledger"
	"github.com/eddiefleurent/candlebot/internal/metrics"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/selection"
	"github.com/eddiefleurent/candlebot/internal/storage"
	"github.com/eddiefleurent/candlebot/internal/util"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrPositionNotFound is returned for unknown position ids.
	ErrPositionNotFound = errors.New("position not found")
	// ErrPositionClosed is returned when adding to a closed position.
	ErrPositionClosed = errors.New("position is closed")
	// ErrTrimExceedsOpen is returned when a sell would exceed the unreserved open quantity.
	ErrTrimExceedsOpen = errors.New("trim quantity exceeds open quantity")
	// ErrNoContract is returned when the selector finds nothing in the snapshot.
	ErrNoContract = errors.New("no contract matched selection")
	// ErrLimitPriceRequired is returned before submission for a limit order without a price.
	ErrLimitPriceRequired = execution.ErrLimitPriceRequired
)

// Config contains configuration for the order manager.
type Config struct {
	PollInterval    time.Duration
	CallTimeout     time.Duration
	StaleAfter      time.Duration
	DefaultSelector string
	// LimitFromQuote prices limit orders that carry no price from the current
	// quote: the ask for buys, the bid for sells.
	LimitFromQuote bool
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	PollInterval:    5 * time.Second,
	CallTimeout:     5 * time.Second,
	StaleAfter:      5 * time.Minute,
	DefaultSelector: selection.PriceRangeOTMName,
}

// QuoteSnapshotter supplies the current quote snapshot for contract selection.
type QuoteSnapshotter interface {
	Quotes() []models.OptionQuote
}

// OrderContext tracks one submitted order until its fill is applied or it dies.
type OrderContext struct {
	OrderID           string                `json:"order_id"`
	PositionID        string                `json:"position_id"`
	Contract          models.OptionContract `json:"contract"`
	Side              string                `json:"side"`
	Quantity          int                   `json:"quantity"`
	OrderType         string                `json:"order_type"`
	Status            string                `json:"status"`
	FillPrice         *float64              `json:"fill_price,omitempty"`
	AppliedToPosition bool                  `json:"applied_to_position"`
	Resolved          bool                  `json:"resolved"`
	RequestedAt       time.Time             `json:"requested_at"`
	SelectorName      string                `json:"selector_name,omitempty"`
	Reason            string                `json:"reason,omitempty"`

	warnedStale bool
}

// OpenOptions controls OpenPosition.
type OpenOptions struct {
	Quantity     int
	StrategyTag  string
	SelectorName string
	OrderType    string
	LimitPrice   *float64
	Reason       string
}

// OrderOptions controls add, trim and close orders.
type OrderOptions struct {
	OrderType  string
	LimitPrice *float64
	Reason     string
}

// ActionResult is returned by every position operation.
type ActionResult struct {
	PositionID string
	Order      execution.SubmitResult
	Selection  *selection.Result
	Position   *models.Position
}

// Manager is the single owner of position state.
type Manager struct {
	quotes   QuoteSnapshotter
	executor execution.Executor
	registry *selection.Registry
	ledger   ledger.Recorder
	store    storage.PositionStore
	logger   logrus.FieldLogger
	config   Config
	now      func() time.Time

	mu          sync.Mutex
	positions   map[string]*models.Position
	orderIDs    []string
	contexts    map[string]*OrderContext
	pendingSell map[string]int
}

// NewManager creates a new order manager instance.
func NewManager(
	quotes QuoteSnapshotter,
	executor execution.Executor,
	logger logrus.FieldLogger,
	config ...Config,
) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.DefaultSelector == "" {
		cfg.DefaultSelector = DefaultConfig.DefaultSelector
	}

	// Validate required dependencies (fail fast to avoid later panics)
	if quotes == nil {
		panic("orders.NewManager: quotes must not be nil")
	}
	if executor == nil {
		panic("orders.NewManager: executor must not be nil")
	}

	return &Manager{
		quotes:      quotes,
		executor:    executor,
		registry:    selection.DefaultRegistry,
		logger:      logger.WithField("component", "orders"),
		config:      cfg,
		now:         time.Now,
		positions:   make(map[string]*models.Position),
		contexts:    make(map[string]*OrderContext),
		pendingSell: make(map[string]int),
	}
}

// WithRegistry sets the selector registry.
func (m *Manager) WithRegistry(r *selection.Registry) *Manager {
	if r != nil {
		m.registry = r
	}
	return m
}

// WithLedger sets the trade ledger written on every applied fill.
func (m *Manager) WithLedger(l ledger.Recorder) *Manager {
	m.ledger = l
	return m
}

// WithStore persists the position book after every mutation.
func (m *Manager) WithStore(s storage.PositionStore) *Manager {
	m.store = s
	return m
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Restore loads previously persisted positions. Order contexts are not
// persisted, so pending positions restored here never receive their entry fill.
func (m *Manager) Restore() error {
	if m.store == nil {
		return nil
	}
	loaded, err := m.store.LoadPositions()
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range loaded {
		if p == nil || p.ID == "" {
			continue
		}
		if _, ok := m.positions[p.ID]; !ok {
			m.orderIDs = append(m.orderIDs, p.ID)
		}
		m.positions[p.ID] = p
		if p.Status == models.StatusPending {
			m.logger.WithField("position_id", p.ID).Warn("restored pending position without order context")
		}
	}
	m.logger.WithField("count", len(loaded)).Info("positions restored")
	return nil
}

// SelectContract runs the named selector (the configured default when empty)
// against the current quote snapshot.
func (m *Manager) SelectContract(req selection.Request, selectorName string) (*selection.Result, error) {
	if selectorName == "" {
		selectorName = m.config.DefaultSelector
	}
	res, err := selection.Select(m.quotes.Quotes(), req, selectorName, m.registry)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%w: selector %s, %s %s exp %s", ErrNoContract, selectorName,
			strings.ToUpper(req.Symbol), req.OptionType, req.Expiration)
	}
	return res, nil
}

// OpenPosition selects a contract, creates a pending position and submits the
// entry buy. Fills reported synchronously are applied before returning.
func (m *Manager) OpenPosition(ctx context.Context, req selection.Request, opts OpenOptions) (*ActionResult, error) {
	if opts.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %d", opts.Quantity)
	}
	if err := m.checkLimit(opts.OrderType, opts.LimitPrice); err != nil {
		return nil, err
	}
	sel, err := m.SelectContract(req, opts.SelectorName)
	if err != nil {
		return nil, err
	}
	contract := sel.Quote.Contract
	if opts.LimitPrice, err = m.limitFor(sel.Quote, execution.SideBuyToOpen, opts.OrderType, opts.LimitPrice); err != nil {
		return nil, err
	}
	now := m.now()
	pos := models.NewPosition(newPositionID(contract, opts.StrategyTag, now), contract, opts.StrategyTag, now)

	result, err := m.executor.SubmitOptionOrder(ctx, m.buildRequest(contract, opts.Quantity, execution.SideBuyToOpen,
		opts.OrderType, opts.LimitPrice, opts.StrategyTag))
	if err != nil {
		return nil, fmt.Errorf("submit entry for %s: %w", contract.Key(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.ID] = pos
	m.orderIDs = append(m.orderIDs, pos.ID)
	oc := m.track(pos, result, execution.SideBuyToOpen, opts.Quantity, opts.OrderType, opts.Reason)
	oc.SelectorName = opts.SelectorName
	if oc.SelectorName == "" {
		oc.SelectorName = m.config.DefaultSelector
	}

	m.logger.WithFields(logrus.Fields{
		"position_id": pos.ID, "contract": contract.Key(), "order_id": result.OrderID,
		"status": result.Status, "reason": sel.Reason,
	}).Info("entry order submitted")

	m.resolve(oc, nil)
	m.persist()
	return &ActionResult{PositionID: pos.ID, Order: result, Selection: sel, Position: pos.Clone()}, nil
}

// AddToPosition buys more of a position's contract.
func (m *Manager) AddToPosition(ctx context.Context, positionID string, quantity int, opts OrderOptions) (*ActionResult, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %d", quantity)
	}
	if err := m.checkLimit(opts.OrderType, opts.LimitPrice); err != nil {
		return nil, err
	}
	m.mu.Lock()
	pos, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if pos.Status == models.StatusClosed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
	}
	contract, tag := pos.Contract, pos.StrategyTag
	m.mu.Unlock()

	limit, err := m.limitFor(m.quoteOf(contract), execution.SideBuyToOpen, opts.OrderType, opts.LimitPrice)
	if err != nil {
		return nil, err
	}
	opts.LimitPrice = limit
	result, err := m.executor.SubmitOptionOrder(ctx, m.buildRequest(contract, quantity, execution.SideBuyToOpen,
		opts.OrderType, opts.LimitPrice, tag))
	if err != nil {
		return nil, fmt.Errorf("submit add for %s: %w", positionID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	oc := m.track(pos, result, execution.SideBuyToOpen, quantity, opts.OrderType, opts.Reason)
	m.resolve(oc, nil)
	m.persist()
	return &ActionResult{PositionID: positionID, Order: result, Position: pos.Clone()}, nil
}

// TrimPosition sells part of a position. The quantity is reserved until the
// sell fills or dies so concurrent trims cannot oversell.
func (m *Manager) TrimPosition(ctx context.Context, positionID string, quantity int, opts OrderOptions) (*ActionResult, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %d", quantity)
	}
	if err := m.checkLimit(opts.OrderType, opts.LimitPrice); err != nil {
		return nil, err
	}
	m.mu.Lock()
	pos, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if available := pos.QuantityOpen - m.pendingSell[positionID]; quantity > available {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: requested %d, available %d", ErrTrimExceedsOpen, quantity, available)
	}
	m.pendingSell[positionID] += quantity
	m.mu.Unlock()

	return m.submitSell(ctx, pos, quantity, opts)
}

// ClosePosition sells everything not already being sold. It returns nil when
// the position is flat or a full exit is already in flight.
func (m *Manager) ClosePosition(ctx context.Context, positionID string, opts OrderOptions) (*ActionResult, error) {
	if err := m.checkLimit(opts.OrderType, opts.LimitPrice); err != nil {
		return nil, err
	}
	m.mu.Lock()
	pos, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	available := pos.QuantityOpen - m.pendingSell[positionID]
	if available <= 0 {
		m.mu.Unlock()
		m.logger.WithField("position_id", positionID).Debug("close skipped, nothing open")
		return nil, nil
	}
	m.pendingSell[positionID] += available
	m.mu.Unlock()

	return m.submitSell(ctx, pos, available, opts)
}

func (m *Manager) submitSell(ctx context.Context, pos *models.Position, quantity int, opts OrderOptions) (*ActionResult, error) {
	limit, err := m.limitFor(m.quoteOf(pos.Contract), execution.SideSellToClose, opts.OrderType, opts.LimitPrice)
	if err != nil {
		m.mu.Lock()
		m.release(pos.ID, quantity)
		m.mu.Unlock()
		return nil, err
	}
	opts.LimitPrice = limit
	result, err := m.executor.SubmitOptionOrder(ctx, m.buildRequest(pos.Contract, quantity, execution.SideSellToClose,
		opts.OrderType, opts.LimitPrice, pos.StrategyTag))

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.release(pos.ID, quantity)
		return nil, fmt.Errorf("submit sell for %s: %w", pos.ID, err)
	}
	oc := m.track(pos, result, execution.SideSellToClose, quantity, opts.OrderType, opts.Reason)
	m.logger.WithFields(logrus.Fields{
		"position_id": pos.ID, "order_id": result.OrderID, "quantity": quantity, "status": result.Status,
	}).Info("sell order submitted")
	m.resolve(oc, nil)
	m.persist()
	return &ActionResult{PositionID: pos.ID, Order: result, Position: pos.Clone()}, nil
}

// GetStatus refreshes an order from the executor and applies its fill if it
// has completed. Repeated calls never apply a fill twice.
func (m *Manager) GetStatus(ctx context.Context, orderID string) (execution.OrderStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	st, err := m.executor.GetOrderStatus(callCtx, orderID)
	if err != nil {
		return execution.OrderStatus{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	oc, ok := m.contexts[orderID]
	if !ok {
		return st, nil
	}
	if st.Status != "" {
		oc.Status = st.Status
	}
	if st.AvgFillPrice != nil {
		v := *st.AvgFillPrice
		oc.FillPrice = &v
	}
	if m.resolve(oc, st.FilledQuantity) {
		m.persist()
	}
	return st, nil
}

// PollPending refreshes every order whose outcome is not yet known.
func (m *Manager) PollPending(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0)
	now := m.now()
	for id, oc := range m.contexts {
		if oc.Resolved {
			continue
		}
		ids = append(ids, id)
		if m.config.StaleAfter > 0 && !oc.warnedStale && now.Sub(oc.RequestedAt) > m.config.StaleAfter {
			oc.warnedStale = true
			m.logger.WithFields(logrus.Fields{
				"order_id": id, "position_id": oc.PositionID, "age": now.Sub(oc.RequestedAt).Round(time.Second),
			}).Warn("order still unresolved")
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := m.GetStatus(ctx, id); err != nil {
			m.logger.WithError(err).WithField("order_id", id).Warn("order status poll failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunFillPoller polls pending orders every PollInterval until ctx ends.
func (m *Manager) RunFillPoller(ctx context.Context) error {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = m.PollPending(ctx)
		}
	}
}

// Context returns a copy of an order's context.
func (m *Manager) Context(orderID string) (OrderContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oc, ok := m.contexts[orderID]
	if !ok {
		return OrderContext{}, false
	}
	cp := *oc
	if oc.FillPrice != nil {
		v := *oc.FillPrice
		cp.FillPrice = &v
	}
	return cp, true
}

// Position returns a copy of one position.
func (m *Manager) Position(id string) (*models.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// HasWorkingBuy reports whether an entry or add order on the position is
// still unresolved at the broker.
func (m *Manager) HasWorkingBuy(positionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasOpenBuy(positionID)
}

// Positions returns copies of every position in creation order.
func (m *Manager) Positions() []*models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Position, 0, len(m.orderIDs))
	for _, id := range m.orderIDs {
		out = append(out, m.positions[id].Clone())
	}
	return out
}

// OpenPositions returns copies of positions still holding contracts.
func (m *Manager) OpenPositions() []*models.Position {
	all := m.Positions()
	out := all[:0]
	for _, p := range all {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) buildRequest(c models.OptionContract, quantity int, side, orderType string, limit *float64, tag string) execution.OrderRequest {
	if orderType == "" {
		orderType = execution.TypeMarket
	}
	return execution.OrderRequest{
		Symbol:     c.Symbol,
		OptionType: c.OptionType,
		Strike:     c.Strike,
		Expiration: c.Expiration,
		Quantity:   quantity,
		Side:       side,
		OrderType:  orderType,
		LimitPrice: limit,
		Tag:        orderTag(tag),
	}
}

// track records a submitted order. Caller holds m.mu.
func (m *Manager) track(pos *models.Position, result execution.SubmitResult, side string, quantity int, orderType, reason string) *OrderContext {
	if orderType == "" {
		orderType = execution.TypeMarket
	}
	oc := &OrderContext{
		OrderID:     result.OrderID,
		PositionID:  pos.ID,
		Contract:    pos.Contract,
		Side:        side,
		Quantity:    quantity,
		OrderType:   orderType,
		Status:      result.Status,
		RequestedAt: m.now(),
		Reason:      reason,
	}
	if result.FillPrice != nil {
		v := *result.FillPrice
		oc.FillPrice = &v
	}
	m.contexts[result.OrderID] = oc
	pos.AddOrder(result.OrderID)
	return oc
}

// resolve applies a completed fill or retires a dead order. It reports whether
// position state changed. Caller holds m.mu.
func (m *Manager) resolve(oc *OrderContext, filledQty *int) bool {
	if oc.Resolved {
		return false
	}
	status := strings.ToLower(oc.Status)
	pos := m.positions[oc.PositionID]
	log := m.logger.WithFields(logrus.Fields{"order_id": oc.OrderID, "position_id": oc.PositionID, "side": oc.Side})

	switch {
	case status == execution.StatusFilled && oc.FillPrice != nil:
		qty := oc.Quantity
		if filledQty != nil && *filledQty > 0 {
			qty = *filledQty
		}
		oc.Resolved = true
		oc.AppliedToPosition = true
		if oc.Side == execution.SideSellToClose {
			m.release(oc.PositionID, oc.Quantity)
		}
		if pos == nil {
			log.Warn("fill for unknown position dropped")
			return false
		}
		m.applyFill(pos, oc, qty, log)
		return true

	case execution.IsDead(status):
		oc.Resolved = true
		log.WithField("status", oc.Status).Warn("order ended without fill")
		if oc.Side == execution.SideSellToClose {
			m.release(oc.PositionID, oc.Quantity)
			return false
		}
		if pos != nil && pos.Status == models.StatusPending && pos.QuantityOpen == 0 && !m.hasOpenBuy(pos.ID) {
			if err := pos.TransitionStatus(models.StatusClosed, "entry_rejected", m.now()); err != nil {
				log.WithError(err).Error("failed to close rejected entry")
				return false
			}
			log.Info("entry rejected, position closed")
			return true
		}
	}
	return false
}

func (m *Manager) applyFill(pos *models.Position, oc *OrderContext, qty int, log logrus.FieldLogger) {
	price := *oc.FillPrice
	now := m.now()
	var kind string

	if oc.Side == execution.SideBuyToOpen {
		kind = ledger.EventAdd
		if pos.Status == models.StatusPending {
			kind = ledger.EventOpen
		}
		if err := pos.ApplyBuyFill(qty, price, now); err != nil {
			log.WithError(err).Error("failed to apply buy fill")
			return
		}
	} else {
		if qty > pos.QuantityOpen {
			log.WithFields(logrus.Fields{"filled": qty, "open": pos.QuantityOpen}).Warn("sell fill clamped to open quantity")
			qty = pos.QuantityOpen
		}
		if qty == 0 {
			return
		}
		realized, err := pos.ApplySellFill(qty, price, now)
		if err != nil {
			log.WithError(err).Error("failed to apply sell fill")
			return
		}
		metrics.RealizedPnL.Add(realized)
		kind = ledger.EventTrim
		if pos.Status == models.StatusClosed {
			kind = ledger.EventClose
		}
	}

	metrics.FillsApplied.WithLabelValues(oc.Side).Inc()
	log.WithFields(logrus.Fields{
		"event": kind, "quantity": qty, "fill_price": price, "quantity_open": pos.QuantityOpen,
		"realized_pnl": pos.RealizedPnL,
	}).Info("fill applied")

	if m.ledger != nil {
		q, p := qty, price
		ev := ledger.NewEvent(kind, pos, oc.OrderID, oc.Status, &q, &p, oc.Reason, now)
		if err := m.ledger.Record(ev); err != nil {
			log.WithError(err).Warn("trade ledger write failed")
		}
	}
}

// hasOpenBuy reports unresolved buy orders on a position. Caller holds m.mu.
func (m *Manager) hasOpenBuy(positionID string) bool {
	for _, oc := range m.contexts {
		if oc.PositionID == positionID && oc.Side == execution.SideBuyToOpen && !oc.Resolved {
			return true
		}
	}
	return false
}

// release returns reserved sell quantity. Caller holds m.mu.
func (m *Manager) release(positionID string, quantity int) {
	left := m.pendingSell[positionID] - quantity
	if left <= 0 {
		delete(m.pendingSell, positionID)
		return
	}
	m.pendingSell[positionID] = left
}

// persist writes the position book. Caller holds m.mu.
func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	snapshot := make([]*models.Position, 0, len(m.orderIDs))
	for _, id := range m.orderIDs {
		snapshot = append(snapshot, m.positions[id])
	}
	if err := m.store.SavePositions(snapshot); err != nil {
		m.logger.WithError(err).Error("failed to persist positions")
	}
}

// limitFor fills in a missing limit price from q when LimitFromQuote is set.
func (m *Manager) limitFor(q models.OptionQuote, side, orderType string, limit *float64) (*float64, error) {
	if !strings.EqualFold(orderType, execution.TypeLimit) || limit != nil || !m.config.LimitFromQuote {
		return limit, checkLimit(orderType, limit)
	}
	ref := q.Ask
	if side == execution.SideSellToClose {
		ref = q.Bid
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: no quote for %s", ErrLimitPriceRequired, q.Contract.Key())
	}
	price := util.RoundToTick(util.MaxFloat(*ref, util.PennyTick), util.PennyTick)
	return &price, nil
}

// quoteOf returns the latest snapshot quote for c, or a bare quote when absent.
func (m *Manager) quoteOf(c models.OptionContract) models.OptionQuote {
	key := c.Key()
	for _, q := range m.quotes.Quotes() {
		if q.Contract.Key() == key {
			return q
		}
	}
	return models.OptionQuote{Contract: c}
}

// checkLimit rejects limit orders without a price unless one can be derived later.
func (m *Manager) checkLimit(orderType string, limit *float64) error {
	if m.config.LimitFromQuote {
		return nil
	}
	return checkLimit(orderType, limit)
}

func checkLimit(orderType string, limit *float64) error {
	if strings.EqualFold(orderType, execution.TypeLimit) && limit == nil {
		return ErrLimitPriceRequired
	}
	return nil
}

func newPositionID(c models.OptionContract, tag string, now time.Time) string {
	if tag == "" {
		tag = "manual"
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s-%d-%s",
		strings.ToUpper(c.Symbol), c.OptionType, strconv.FormatFloat(c.Strike, 'f', -1, 64),
		c.Expiration, tag, now.UnixNano(), uuid.NewString()[:8])
}

// orderTag fits Tradier's tag rules: letters, digits and dashes, at most 255 chars.
func orderTag(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '_' || r == '.' || r == ' ':
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > 255 {
		out = out[:255]
	}
	return out
}
