// Package strategy implements a one-sided maker quoting strategy: at most one
// resting post-only order per symbol, on the side the latest signal points to.
package strategy

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"onesided-maker/execution"
	"onesided-maker/indicators"
	"onesided-maker/risk"
)

// trackedOrder holds the last cumulative fill state applied to risk.
type trackedOrder struct {
	clientID string
	orderID  string
	symbol   string
	side     execution.OrderSide
	price    decimal.Decimal
	amount   decimal.Decimal
	placedAt time.Time

	filled   decimal.Decimal
	avgPrice decimal.Decimal
	fees     decimal.Decimal
	rebates  decimal.Decimal
}

type symbolQuote struct {
	state        SymbolState
	signal       *Signal
	snapshot     *MarketSnapshot
	active       *trackedOrder
	lastQuote    time.Time
	lastDecision *TradingDecision
	inFlight     bool
	dirty        bool
}

// Strategy keeps one quote per symbol. Exchange calls are never made while
// mu is held; risk calls that can dispatch alerts are made outside it too.
type Strategy struct {
	config   Config
	exchange execution.Exchange
	querier  execution.OrderStatusQuerier
	risk     RiskGate
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	mu       sync.Mutex
	runState RunState
	symbols  map[string]*symbolQuote
	orders   map[string]*trackedOrder // by client order id
	byID     map[string]string        // venue order id -> client order id
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewStrategy wires the strategy to an exchange and a risk gate. Venues that
// push order updates are subscribed to HandleOrderUpdate.
func NewStrategy(config Config, exchange execution.Exchange, gate RiskGate, logger *zap.Logger) (*Strategy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if exchange == nil || gate == nil {
		return nil, errors.New("exchange and risk gate are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Strategy{
		config:   config,
		exchange: exchange,
		risk:     gate,
		logger:   logger.Named("strategy"),
		observer: nopObserver{},
		now:      time.Now,
		runState: RunStateStopped,
		symbols:  make(map[string]*symbolQuote, len(config.Symbols)),
		orders:   make(map[string]*trackedOrder),
		byID:     make(map[string]string),
	}
	for _, symbol := range config.Symbols {
		s.symbols[symbol] = &symbolQuote{state: SymbolStateIdle}
	}
	if q, ok := exchange.(execution.OrderStatusQuerier); ok {
		s.querier = q
	}
	if src, ok := exchange.(execution.OrderUpdateSource); ok {
		src.SetOrderUpdateCallback(func(o execution.Order) {
			s.HandleOrderUpdate(context.Background(), o)
		})
	}

	s.logger.Info("One-sided strategy initialized",
		zap.Strings("symbols", config.Symbols),
		zap.String("base_size", config.BaseSize.String()),
		zap.String("confidence_threshold", config.ConfidenceThreshold.String()),
		zap.Duration("quote_update_frequency", config.QuoteUpdateFrequency))
	return s, nil
}

func (s *Strategy) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

func (s *Strategy) obs() Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

// =============================================================================
// SEGMENT 3: LIFECYCLE
// =============================================================================

// Start reloads positions from the exchange, cancels stray open orders on
// configured symbols and starts the periodic sweep.
func (s *Strategy) Start(ctx context.Context) error {
	if s.RunState() == RunStateRunning {
		return errors.New("strategy is already running")
	}

	if err := s.reloadPositions(ctx); err != nil {
		return fmt.Errorf("failed to reload positions: %w", err)
	}
	if err := s.cancelStrayOrders(ctx); err != nil {
		return fmt.Errorf("failed to cancel stray orders: %w", err)
	}

	s.mu.Lock()
	if s.runState == RunStateRunning {
		s.mu.Unlock()
		return errors.New("strategy is already running")
	}
	s.runState = RunStateRunning
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runSweepLoop(ctx, stopCh)

	s.logger.Info("🚀 One-sided strategy started")
	return nil
}

// Stop cancels every tracked order and halts the sweep. Cancels fan out in
// parallel; failures are collected and those orders stay tracked so a later
// Stop retries them.
func (s *Strategy) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.runState == RunStateRunning
	s.runState = RunStateStopped
	if wasRunning {
		close(s.stopCh)
	}
	var pending []*trackedOrder
	for _, t := range s.orders {
		if t.orderID != "" {
			pending = append(pending, t)
		}
	}
	s.mu.Unlock()

	if wasRunning {
		s.logger.Info("🛑 Stopping one-sided strategy", zap.Int("orders_to_cancel", len(pending)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, t := range pending {
		wg.Add(1)
		go func(t *trackedOrder) {
			defer wg.Done()
			if err := s.retractOrder(ctx, t); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	if errs != nil {
		s.logger.Error("Failed to cancel some orders during stop", zap.Error(errs))
		return errs
	}
	if wasRunning {
		s.logger.Info("One-sided strategy stopped")
	}
	return nil
}

// Wait blocks until the sweep loop started by Start has exited.
func (s *Strategy) Wait() {
	s.wg.Wait()
}

func (s *Strategy) RunState() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runState
}

// State returns the symbol's quote state. Unknown symbols are IDLE.
func (s *Strategy) State(symbol string) SymbolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.symbols[symbol]; ok {
		return q.state
	}
	return SymbolStateIdle
}

// LastDecision returns the most recent decision computed for symbol.
func (s *Strategy) LastDecision(symbol string) (TradingDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.symbols[symbol]
	if !ok || q.lastDecision == nil {
		return TradingDecision{}, false
	}
	return *q.lastDecision, true
}

// ActiveOrders lists every order the strategy still tracks, by symbol.
func (s *Strategy) ActiveOrders() []ActiveOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ActiveOrder, 0, len(s.orders))
	for _, t := range s.orders {
		out = append(out, ActiveOrder{
			ClientOrderID: t.clientID,
			OrderID:       t.orderID,
			Symbol:        t.symbol,
			Side:          t.side,
			Price:         t.price,
			Amount:        t.amount,
			FilledSize:    t.filled,
			PlacedAt:      t.placedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].PlacedAt.Before(out[j].PlacedAt)
	})
	return out
}

func (s *Strategy) reloadPositions(ctx context.Context) error {
	positions, err := s.exchange.GetPositions(ctx)
	if err != nil {
		return err
	}

	reported := make(map[string]bool, len(positions))
	for _, p := range positions {
		if !p.Size.IsPositive() {
			continue
		}
		reported[p.Symbol] = true
		if cur, ok := s.risk.GetPosition(p.Symbol); ok &&
			cur.Side == p.Side && cur.Size.Equal(p.Size) && cur.EntryPrice.Equal(p.EntryPrice) {
			s.logger.Debug("Ledger already matches exchange position", zap.String("symbol", p.Symbol))
			continue
		}
		pos := risk.Position{
			Symbol:     p.Symbol,
			Side:       p.Side,
			Size:       p.Size,
			EntryPrice: p.EntryPrice,
			MarkPrice:  p.MarkPrice,
			OpenedAt:   p.OpenedAt,
		}
		if err := s.risk.UpdatePosition(pos); err != nil {
			return fmt.Errorf("position %s: %w", p.Symbol, err)
		}
		s.logger.Info("Loaded position from exchange",
			zap.String("symbol", p.Symbol),
			zap.String("side", string(p.Side)),
			zap.String("size", p.Size.String()),
			zap.String("entry", p.EntryPrice.String()))
	}

	for _, symbol := range s.config.Symbols {
		if reported[symbol] {
			continue
		}
		if _, ok := s.risk.GetPosition(symbol); ok {
			if err := s.risk.UpdatePosition(risk.Position{Symbol: symbol}); err != nil {
				return fmt.Errorf("clear position %s: %w", symbol, err)
			}
			s.logger.Info("Cleared position absent on exchange", zap.String("symbol", symbol))
		}
	}
	return nil
}

func (s *Strategy) cancelStrayOrders(ctx context.Context) error {
	var errs error
	for _, symbol := range s.config.Symbols {
		open, err := s.exchange.GetOpenOrders(ctx, symbol)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("open orders %s: %w", symbol, err))
			continue
		}
		for _, o := range open {
			if _, err := s.exchange.CancelOrder(ctx, o.ID, o.Symbol); err != nil && !errors.Is(err, execution.ErrOrderNotFound) {
				errs = multierr.Append(errs, fmt.Errorf("cancel %s %s: %w", o.Symbol, o.ID, err))
				continue
			}
			s.logger.Info("Cancelled stray order",
				zap.String("symbol", o.Symbol), zap.String("order_id", o.ID))

			s.mu.Lock()
			if t := s.lookupLocked(o); t != nil {
				s.untrackLocked(t)
			}
			s.mu.Unlock()
		}
	}
	return errs
}

// runSweepLoop requotes every symbol at the quote update frequency
func (s *Strategy) runSweepLoop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.QuoteUpdateFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweep loop stopped by context")
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Strategy) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sweep panic recovered", zap.Any("panic", r))
		}
	}()

	s.reconcileOrders(ctx)
	for _, symbol := range s.config.Symbols {
		s.requote(ctx, symbol)
	}
}

// reconcileOrders polls tracked orders on venues that report order status,
// so fills are applied even when no update is pushed.
func (s *Strategy) reconcileOrders(ctx context.Context) {
	if s.querier == nil {
		return
	}
	s.mu.Lock()
	var tracked []*trackedOrder
	for _, t := range s.orders {
		if t.orderID != "" {
			tracked = append(tracked, t)
		}
	}
	s.mu.Unlock()

	for _, t := range tracked {
		s.refreshOrder(ctx, t)
	}
}

func (s *Strategy) refreshOrder(ctx context.Context, t *trackedOrder) {
	if s.querier == nil {
		return
	}
	o, err := s.querier.GetOrder(ctx, t.orderID, t.symbol)
	if err != nil {
		s.logger.Debug("Order status query failed",
			zap.String("order_id", t.orderID), zap.Error(err))
		return
	}
	s.HandleOrderUpdate(ctx, *o)
}

// =============================================================================
// SEGMENT 4: TRIGGERS
// =============================================================================

// ProcessSignal stores the signal as the symbol's latest and requotes when it
// qualifies, or when it retracts a live quote.
func (s *Strategy) ProcessSignal(ctx context.Context, signal Signal) {
	s.mu.Lock()
	q, ok := s.symbols[signal.Symbol]
	if !ok {
		s.mu.Unlock()
		return
	}
	if q.signal != nil && !signal.Timestamp.IsZero() && signal.Timestamp.Before(q.signal.Timestamp) {
		s.mu.Unlock()
		s.logger.Debug("Dropping out-of-order signal", zap.String("symbol", signal.Symbol))
		return
	}
	sig := signal
	q.signal = &sig

	qualifies := signal.Direction != indicators.DirectionNeutral &&
		signal.Confidence.GreaterThanOrEqual(s.config.ConfidenceThreshold)
	// A cycle in flight may be about to leave a quote resting.
	retracting := !qualifies && (q.state == SymbolStateQuoting || q.inFlight)
	running := s.runState == RunStateRunning
	s.mu.Unlock()

	if running && (qualifies || retracting) {
		s.requote(ctx, signal.Symbol)
	}
}

// ProcessMarketData records the snapshot, marks the risk manager to mid and
// requotes if the symbol has not quoted within the update frequency.
func (s *Strategy) ProcessMarketData(ctx context.Context, md MarketSnapshot) {
	if md.Bid.IsPositive() && md.Ask.IsPositive() && (md.MidPrice.IsZero() || md.Spread.IsZero()) {
		md.Spread = md.Ask.Sub(md.Bid)
		md.MidPrice = md.Bid.Add(md.Ask).Div(two)
	}

	s.mu.Lock()
	q, ok := s.symbols[md.Symbol]
	if !ok {
		s.mu.Unlock()
		return
	}
	snap := md
	q.snapshot = &snap
	due := s.runState == RunStateRunning && s.now().Sub(q.lastQuote) >= s.config.QuoteUpdateFrequency
	s.mu.Unlock()

	if md.MidPrice.IsPositive() {
		s.risk.UpdateMarkPrice(md.Symbol, md.MidPrice)
	}
	if due {
		s.requote(ctx, md.Symbol)
	}
}

// ProcessOrderBook reduces the book to its top and handles it as market data.
func (s *Strategy) ProcessOrderBook(ctx context.Context, book OrderBook) {
	top, ok := book.TopOfBook()
	if !ok {
		return
	}
	s.ProcessMarketData(ctx, top)
}

// requote runs the cancel-then-place cycle for one symbol. A trigger that
// arrives while a cycle is in flight marks the symbol dirty and the running
// cycle repeats once with the latest inputs.
func (s *Strategy) requote(ctx context.Context, symbol string) {
	s.mu.Lock()
	q, ok := s.symbols[symbol]
	if !ok || s.runState != RunStateRunning {
		s.mu.Unlock()
		return
	}
	if q.inFlight {
		q.dirty = true
		s.mu.Unlock()
		return
	}
	q.inFlight = true
	s.mu.Unlock()

	for {
		s.safeCycle(ctx, symbol)

		s.mu.Lock()
		if !q.dirty || s.runState != RunStateRunning {
			q.inFlight = false
			q.dirty = false
			s.mu.Unlock()
			return
		}
		q.dirty = false
		s.mu.Unlock()
	}
}

func (s *Strategy) safeCycle(ctx context.Context, symbol string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Quote cycle panic recovered", zap.String("symbol", symbol), zap.Any("panic", r))
		}
	}()
	s.runCycle(ctx, symbol)
}

// =============================================================================
// SEGMENT 5: QUOTE CYCLE
// =============================================================================

func (s *Strategy) runCycle(ctx context.Context, symbol string) {
	start := s.now()
	observer := s.obs()
	defer func() { observer.QuoteCycle(symbol, s.now().Sub(start)) }()

	s.mu.Lock()
	q := s.symbols[symbol]
	q.lastQuote = start
	current := q.active
	var signal *Signal
	var snap *MarketSnapshot
	if q.signal != nil {
		sig := *q.signal
		signal = &sig
	}
	if q.snapshot != nil {
		md := *q.snapshot
		snap = &md
	}
	s.mu.Unlock()

	if current != nil {
		if err := s.retractOrder(ctx, current); err != nil {
			s.logger.Warn("⚠️ Cancel failed, not placing a replacement",
				zap.String("symbol", symbol), zap.Error(err))
			return
		}
	}

	if signal == nil || snap == nil {
		s.setIdle(symbol)
		return
	}

	decision := s.GenerateTradingDecision(symbol, *signal, *snap)
	s.mu.Lock()
	q.lastDecision = &decision
	s.mu.Unlock()

	if decision.Action == ActionHold {
		s.logger.Debug("Holding", zap.String("symbol", symbol), zap.String("reason", decision.Reason))
		s.setIdle(symbol)
		return
	}

	s.placeOrder(ctx, decision)
}

func (s *Strategy) setIdle(symbol string) {
	s.mu.Lock()
	if q, ok := s.symbols[symbol]; ok && q.active == nil {
		q.state = SymbolStateIdle
	}
	s.mu.Unlock()
}

// retractOrder cancels t and, once the venue confirms it is no longer
// resting, applies any late fills and stops tracking it. A non-nil error
// means the order may still be live and stays tracked.
func (s *Strategy) retractOrder(ctx context.Context, t *trackedOrder) error {
	cancelled, err := s.exchange.CancelOrder(ctx, t.orderID, t.symbol)
	if err != nil && !errors.Is(err, execution.ErrOrderNotFound) {
		s.obs().OrderFailed(t.symbol, "cancel")
		return fmt.Errorf("cancel %s %s: %w", t.symbol, t.orderID, err)
	}
	if cancelled {
		s.obs().OrderCancelled(t.symbol)
		s.logger.Debug("Order cancelled", zap.String("symbol", t.symbol), zap.String("order_id", t.orderID))
	}

	if s.isTracked(t) {
		s.refreshOrder(ctx, t)
	}

	s.mu.Lock()
	s.untrackLocked(t)
	s.mu.Unlock()
	return nil
}

func (s *Strategy) placeOrder(ctx context.Context, decision TradingDecision) {
	symbol := decision.Symbol
	t := &trackedOrder{
		clientID: newClientOrderID(),
		symbol:   symbol,
		side:     decision.Side,
		price:    decision.Price,
		amount:   decision.Size,
		placedAt: s.now(),
	}

	s.mu.Lock()
	if s.runState != RunStateRunning {
		s.mu.Unlock()
		return
	}
	// Tracked before submission so synchronously pushed fills resolve.
	s.orders[t.clientID] = t
	s.mu.Unlock()

	req := execution.OrderRequest{
		Symbol:        symbol,
		Side:          decision.Side,
		Type:          execution.OrderTypeLimit,
		Amount:        decision.Size,
		Price:         decision.Price,
		PostOnly:      s.config.PostOnly,
		ClientOrderID: t.clientID,
	}
	order, err := s.exchange.PlaceOrder(ctx, req)
	if err != nil {
		s.mu.Lock()
		delete(s.orders, t.clientID)
		s.mu.Unlock()
		s.setIdle(symbol)
		s.obs().OrderFailed(symbol, "place")
		s.logger.Error("❌ Order placement failed",
			zap.String("symbol", symbol),
			zap.String("side", string(decision.Side)),
			zap.String("price", decision.Price.String()),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	t.orderID = order.ID
	if _, ok := s.orders[t.clientID]; ok {
		s.byID[order.ID] = t.clientID
	}
	stopped := s.runState != RunStateRunning
	s.mu.Unlock()

	s.obs().OrderPlaced(symbol, decision.Side)
	s.logger.Info("📈 Quote placed",
		zap.String("symbol", symbol),
		zap.String("order_id", order.ID),
		zap.String("side", string(decision.Side)),
		zap.String("price", decision.Price.String()),
		zap.String("size", decision.Size.String()),
		zap.String("risk_level", string(decision.RiskLevel)))

	if order.Status.IsTerminal() {
		s.HandleOrderUpdate(ctx, *order)
	}

	if stopped {
		if !s.isTracked(t) {
			return
		}
		if err := s.retractOrder(ctx, t); err != nil {
			s.logger.Error("Failed to cancel order placed during stop", zap.Error(err))
		}
		return
	}

	s.mu.Lock()
	if _, ok := s.orders[t.clientID]; ok {
		q := s.symbols[symbol]
		q.active = t
		q.state = SymbolStateQuoting
		pendingOrder := *order
		pendingOrder.FilledSize = t.filled
		// Held under mu so untrackLocked cannot remove it first.
		s.risk.AddPendingOrder(pendingOrder)
	}
	s.mu.Unlock()
}

// =============================================================================
// SEGMENT 6: ORDER UPDATES AND RISK EVENTS
// =============================================================================

// HandleOrderUpdate applies the fill delta since the last update for the
// order and stops tracking it once it is terminal. Updates for orders the
// strategy does not track are ignored.
func (s *Strategy) HandleOrderUpdate(ctx context.Context, o execution.Order) {
	s.mu.Lock()
	t := s.lookupLocked(o)
	if t == nil {
		s.mu.Unlock()
		s.logger.Debug("Update for untracked order", zap.String("order_id", o.ID))
		return
	}
	if t.orderID == "" && o.ID != "" {
		t.orderID = o.ID
		s.byID[o.ID] = t.clientID
	}

	delta := o.FilledSize.Sub(t.filled)
	var fill execution.Order
	var fillPrice decimal.Decimal
	hasFill := delta.IsPositive()
	if hasFill {
		fillPrice = deltaFillPrice(t, o, delta)
		fill = o
		fill.Fees = decimal.Max(decimal.Zero, o.Fees.Sub(t.fees))
		fill.Rebates = decimal.Max(decimal.Zero, o.Rebates.Sub(t.rebates))
		t.filled = o.FilledSize
		t.avgPrice = o.AvgFillPrice
		t.fees = decimal.Max(t.fees, o.Fees)
		t.rebates = decimal.Max(t.rebates, o.Rebates)
	}
	if o.Status.IsTerminal() {
		s.untrackLocked(t)
	}
	observer := s.observer
	s.mu.Unlock()

	if !hasFill {
		return
	}
	if err := s.risk.ProcessOrderFill(fill, fillPrice, delta); err != nil {
		s.logger.Error("Failed to apply fill to risk manager",
			zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	observer.OrderFilled(o.Symbol, o.Side, delta, fill.Rebates)
	s.logger.Info("💰 Quote filled",
		zap.String("symbol", o.Symbol),
		zap.String("order_id", o.ID),
		zap.String("side", string(o.Side)),
		zap.String("size", delta.String()),
		zap.String("price", fillPrice.String()),
		zap.String("rebate", fill.Rebates.String()),
		zap.String("status", string(o.Status)))
}

// deltaFillPrice prices the newly filled quantity. The last-fill fields are
// used when they cover exactly the delta, otherwise the increment is backed
// out of the cumulative average.
func deltaFillPrice(t *trackedOrder, o execution.Order, delta decimal.Decimal) decimal.Decimal {
	if o.LastFillPrice.IsPositive() && o.LastFillSize.Equal(delta) {
		return o.LastFillPrice
	}
	if o.AvgFillPrice.IsPositive() {
		price := o.AvgFillPrice.Mul(o.FilledSize).Sub(t.avgPrice.Mul(t.filled)).Div(delta)
		if price.IsPositive() {
			return price
		}
	}
	if o.Price.IsPositive() {
		return o.Price
	}
	return t.price
}

// HandleRiskAlert stops the strategy on EMERGENCY. CRITICAL alerts are
// logged only; reducing positions on them is not implemented.
func (s *Strategy) HandleRiskAlert(ctx context.Context, alert risk.RiskAlert) {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("symbol", alert.Symbol),
		zap.String("message", alert.Message),
	}
	switch alert.Level {
	case risk.AlertEmergency:
		s.logger.Error("🚨 Emergency risk alert, stopping", fields...)
		if err := s.Stop(ctx); err != nil {
			s.logger.Error("Stop after emergency alert incomplete", zap.Error(err))
		}
	case risk.AlertCritical:
		s.logger.Warn("Critical risk alert", fields...)
	default:
		s.logger.Info("Risk alert", fields...)
	}
}

// HandleEmergencyStop cancels everything and leaves the strategy STOPPED.
func (s *Strategy) HandleEmergencyStop(ctx context.Context, reason string) {
	s.logger.Error("🚨 Emergency stop received", zap.String("reason", reason))
	if err := s.Stop(ctx); err != nil {
		s.logger.Error("Stop after emergency incomplete", zap.Error(err))
	}
}

func (s *Strategy) lookupLocked(o execution.Order) *trackedOrder {
	if clientID, ok := s.byID[o.ID]; ok {
		return s.orders[clientID]
	}
	if o.ClientOrderID != "" {
		return s.orders[o.ClientOrderID]
	}
	return nil
}

func (s *Strategy) isTracked(t *trackedOrder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[t.clientID] == t
}

// untrackLocked forgets t, frees its symbol and drops it from risk pending.
func (s *Strategy) untrackLocked(t *trackedOrder) {
	if s.orders[t.clientID] != t {
		return
	}
	delete(s.orders, t.clientID)
	if t.orderID != "" {
		delete(s.byID, t.orderID)
		s.risk.RemovePendingOrder(t.orderID)
	}
	if q, ok := s.symbols[t.symbol]; ok && q.active == t {
		q.active = nil
		q.state = SymbolStateIdle
	}
}

// newClientOrderID returns a 128-bit hex id, the form venues accept as cloid.
func newClientOrderID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}
