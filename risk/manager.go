package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"onesided-maker/execution"
)

// Config for the risk manager. Limits may later be replaced with
// UpdateRiskLimits; everything else is fixed at construction.
type Config struct {
	InitialCapital    decimal.Decimal
	Limits            RiskLimits
	CheckInterval     time.Duration
	EstimatedPrice    decimal.Decimal
	CorrelatedSymbols []string
	CorrelationLimit  decimal.Decimal
	WarningRatio      decimal.Decimal
	HistoryLimit      int
	Clock             Clock
}

func DefaultConfig() Config {
	return Config{
		InitialCapital:    decimal.NewFromInt(10000),
		Limits:            DefaultRiskLimits(),
		CheckInterval:     5 * time.Second,
		EstimatedPrice:    decimal.NewFromInt(2000),
		CorrelatedSymbols: []string{"BTC", "ETH", "SOL"},
		CorrelationLimit:  decimal.NewFromInt(70),
		WarningRatio:      decimal.RequireFromString("0.8"),
		HistoryLimit:      1000,
	}
}

// Manager owns positions, portfolio, metrics and the emergency latch.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	clock  Clock

	mu        sync.RWMutex
	limits    RiskLimits
	positions map[string]*Position
	marks     map[string]decimal.Decimal
	pending   map[string]execution.Order
	timers    map[string]Timer
	timerGen  map[string]uint64

	cash     decimal.Decimal
	realized decimal.Decimal
	fees     decimal.Decimal
	rebates  decimal.Decimal
	peak     decimal.Decimal

	portfolio Portfolio
	metrics   RiskMetrics
	trades    []Trade
	drawdowns []drawdownPoint

	emergency       atomic.Bool
	emergencyReason string
	emergencyAt     time.Time

	notifier *notifier

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if !cfg.InitialCapital.IsPositive() {
		return nil, fmt.Errorf("initial capital must be positive, got %s", cfg.InitialCapital)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if !cfg.WarningRatio.IsPositive() {
		cfg.WarningRatio = decimal.RequireFromString("0.8")
	}
	if !cfg.CorrelationLimit.IsPositive() {
		cfg.CorrelationLimit = decimal.NewFromInt(70)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}

	logger = logger.Named("risk")
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		clock:     clock,
		limits:    cfg.Limits,
		positions: make(map[string]*Position),
		marks:     make(map[string]decimal.Decimal),
		pending:   make(map[string]execution.Order),
		timers:    make(map[string]Timer),
		timerGen:  make(map[string]uint64),
		cash:      cfg.InitialCapital,
		peak:      cfg.InitialCapital,
		notifier:  newNotifier(logger),
		stopCh:    make(chan struct{}),
	}
	m.recomputeLocked()
	return m, nil
}

func (m *Manager) AddAlertHandler(h AlertHandler) {
	m.notifier.addAlertHandler(h)
}

func (m *Manager) AddEmergencyStopHandler(h EmergencyStopHandler) {
	m.notifier.addStopHandler(h)
}

// CanTrade fails closed on any breached limit or an active emergency stop.
func (m *Manager) CanTrade(symbol string) bool {
	m.mu.RLock()
	reason := m.denialReasonLocked(symbol)
	m.mu.RUnlock()

	if reason != "" {
		m.logger.Debug("trading denied", zap.String("symbol", symbol), zap.String("reason", reason))
		return false
	}
	return true
}

// GetMaxPositionSize returns the tightest of the absolute, concentration and
// daily-loss-budget caps applied to requested. Never negative.
func (m *Manager) GetMaxPositionSize(symbol string, requested decimal.Decimal) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxPositionSizeLocked(symbol, requested)
}

// UpdatePosition replaces the ledger entry for a symbol. A zero size removes
// it. Cash absorbs the change in cost basis so an externally reported
// position is treated as funded from capital. The position's MarkPrice only
// seeds the mark when UpdateMarkPrice has not supplied one.
func (m *Manager) UpdatePosition(pos Position) error {
	if err := validatePosition(pos); err != nil {
		return err
	}

	m.mu.Lock()
	now := m.clock.Now()
	if old, ok := m.positions[pos.Symbol]; ok {
		m.cash = m.cash.Add(old.CostBasis())
		if pos.OpenedAt.IsZero() && old.Side == pos.Side {
			pos.OpenedAt = old.OpenedAt
		}
	}
	if pos.Size.IsPositive() {
		m.cash = m.cash.Sub(pos.CostBasis())
		if pos.OpenedAt.IsZero() {
			pos.OpenedAt = now
		}
		if _, known := m.marks[pos.Symbol]; !known && pos.MarkPrice.IsPositive() {
			m.marks[pos.Symbol] = pos.MarkPrice
		}
	}
	pos.UpdatedAt = now

	m.writePositionLocked(pos.Symbol, &pos)
	m.recomputeLocked()
	alerts, emergency := m.evaluateLocked(pos.Symbol)
	m.mu.Unlock()

	m.dispatch(alerts, emergency)
	return nil
}

// ProcessOrderFill applies one fill. Fees and Rebates on the order are the
// amounts attributable to this fill.
func (m *Manager) ProcessOrderFill(order execution.Order, fillPrice, fillSize decimal.Decimal) error {
	if !fillSize.IsPositive() {
		return fmt.Errorf("%w: size must be positive, got %s", ErrInvalidFill, fillSize)
	}
	if !fillPrice.IsPositive() {
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidFill, fillPrice)
	}
	if order.Side != execution.OrderSideBuy && order.Side != execution.OrderSideSell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidFill, order.Side)
	}
	if order.Fees.IsNegative() || order.Rebates.IsNegative() {
		return fmt.Errorf("%w: fees and rebates must not be negative", ErrInvalidFill)
	}

	m.mu.Lock()
	now := m.clock.Now()
	result := applyFill(m.positions[order.Symbol], order.Symbol, order.Side, fillPrice, fillSize, now)

	m.cash = m.cash.Add(result.cashDelta).Add(order.Rebates).Sub(order.Fees)
	m.realized = m.realized.Add(result.realized)
	m.fees = m.fees.Add(order.Fees)
	m.rebates = m.rebates.Add(order.Rebates)
	if result.trade != nil {
		m.trades = append(m.trades, *result.trade)
	}

	if result.position != nil {
		result.position.Fees = result.position.Fees.Add(order.Fees)
		result.position.Rebates = result.position.Rebates.Add(order.Rebates)
		if _, ok := m.marks[order.Symbol]; !ok {
			result.position.MarkPrice = fillPrice
		}
	}
	m.writePositionLocked(order.Symbol, result.position)

	if pending, ok := m.pending[order.ID]; ok {
		if order.Status.IsTerminal() {
			delete(m.pending, order.ID)
		} else {
			pending.FilledSize = pending.FilledSize.Add(fillSize)
			pending.RemainingSize = decimal.Max(decimal.Zero, pending.Amount.Sub(pending.FilledSize))
			m.pending[order.ID] = pending
		}
	}

	m.recomputeLocked()
	alerts, emergency := m.evaluateLocked(order.Symbol)
	m.mu.Unlock()

	m.logger.Info("fill processed",
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("price", fillPrice.String()),
		zap.String("size", fillSize.String()),
		zap.String("realized", result.realized.String()),
		zap.String("rebate", order.Rebates.String()))

	m.dispatch(alerts, emergency)
	return nil
}

// writePositionLocked is the single write path for ledger entries. A nil or
// empty position removes the symbol and clears its timeout.
func (m *Manager) writePositionLocked(symbol string, pos *Position) {
	if pos == nil || pos.Size.IsZero() {
		if _, ok := m.positions[symbol]; ok {
			delete(m.positions, symbol)
			m.logger.Info("position_update",
				zap.String("symbol", symbol),
				zap.String("side", "flat"),
				zap.String("size", "0"))
		}
		m.clearTimerLocked(symbol)
		return
	}

	m.positions[symbol] = pos
	m.armTimerLocked(symbol)

	m.logger.Info("position_update",
		zap.String("symbol", symbol),
		zap.String("side", string(pos.Side)),
		zap.String("size", pos.Size.String()),
		zap.String("entry", pos.EntryPrice.String()),
		zap.String("realized", pos.RealizedPnL.String()))
}

func (m *Manager) armTimerLocked(symbol string) {
	m.clearTimerLocked(symbol)

	m.timerGen[symbol]++
	gen := m.timerGen[symbol]
	m.timers[symbol] = m.clock.AfterFunc(m.limits.PositionTimeout, func() {
		m.onPositionTimeout(symbol, gen)
	})
}

func (m *Manager) clearTimerLocked(symbol string) {
	if t, ok := m.timers[symbol]; ok {
		t.Stop()
		delete(m.timers, symbol)
	}
}

func (m *Manager) onPositionTimeout(symbol string, gen uint64) {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok || m.timerGen[symbol] != gen {
		m.mu.Unlock()
		return
	}
	delete(m.timers, symbol)
	age := m.clock.Now().Sub(pos.OpenedAt)
	alert := m.newAlert(AlertWarning, AlertTypePositionTimeout, symbol,
		decimal.NewFromFloat(age.Seconds()), decimal.NewFromFloat(m.limits.PositionTimeout.Seconds()),
		fmt.Sprintf("%s position held past timeout %s", symbol, m.limits.PositionTimeout), "consider closing the position")
	m.mu.Unlock()

	m.dispatch([]RiskAlert{alert}, "")
}

func (m *Manager) AddPendingOrder(order execution.Order) {
	m.mu.Lock()
	if order.RemainingSize.IsZero() {
		order.RemainingSize = order.Amount.Sub(order.FilledSize)
	}
	m.pending[order.ID] = order
	m.recomputeLocked()
	m.mu.Unlock()
}

func (m *Manager) RemovePendingOrder(orderID string) {
	m.mu.Lock()
	delete(m.pending, orderID)
	m.recomputeLocked()
	m.mu.Unlock()
}

// UpdateMarkPrice records a live price and revalues any open position.
func (m *Manager) UpdateMarkPrice(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	m.mu.Lock()
	m.marks[symbol] = price
	if _, ok := m.positions[symbol]; ok {
		m.recomputeLocked()
	}
	m.mu.Unlock()
}

// RunRiskCheck runs one full cycle: prune, recompute, record drawdown,
// evaluate limits and dispatch alerts.
func (m *Manager) RunRiskCheck() {
	m.mu.Lock()
	now := m.clock.Now()
	m.pruneLocked(now)
	m.recomputeLocked()
	m.recordDrawdownLocked(now)
	alerts, emergency := m.evaluateLocked("")
	m.mu.Unlock()

	m.dispatch(alerts, emergency)
}

func (m *Manager) dispatch(alerts []RiskAlert, emergency string) {
	m.notifier.publishAlerts(alerts)
	if emergency != "" {
		m.TriggerEmergencyStop(emergency)
	}
}

// TriggerEmergencyStop sets the latch. Only the first call notifies.
func (m *Manager) TriggerEmergencyStop(reason string) {
	if !m.emergency.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	m.emergencyReason = reason
	m.emergencyAt = m.clock.Now()
	m.mu.Unlock()

	m.logger.Error("🚨 EMERGENCY STOP", zap.String("reason", reason))
	m.notifier.publishEmergency(reason)
}

// ResetEmergencyStop clears the latch. No-op when not stopped.
func (m *Manager) ResetEmergencyStop() {
	if !m.emergency.CompareAndSwap(true, false) {
		return
	}

	m.mu.Lock()
	reason := m.emergencyReason
	m.emergencyReason = ""
	m.emergencyAt = time.Time{}
	m.mu.Unlock()

	m.logger.Warn("emergency stop reset", zap.String("previous_reason", reason))
}

func (m *Manager) IsEmergencyStopped() bool {
	return m.emergency.Load()
}

// EmergencyReason returns the reason and time of the active emergency stop.
func (m *Manager) EmergencyReason() (string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergencyReason, m.emergencyAt
}

func (m *Manager) UpdateRiskLimits(limits RiskLimits) error {
	if err := limits.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	old := m.limits
	m.limits = limits
	m.recomputeLocked()
	m.mu.Unlock()

	m.logger.Warn("🛡️ risk limits updated", zap.Any("old", old), zap.Any("new", limits))
	return nil
}

func (m *Manager) GetLimits() RiskLimits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

func (m *Manager) GetPosition(symbol string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

func (m *Manager) GetPositions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	positions := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		positions = append(positions, *pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions
}

func (m *Manager) GetPortfolio() Portfolio {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolio
}

func (m *Manager) GetMetrics() RiskMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// GetTrades returns the rolling 24h trade list.
func (m *Manager) GetTrades() []Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Trade(nil), m.trades...)
}

// DrawdownHistoryLen reports how many drawdown samples are retained.
func (m *Manager) DrawdownHistoryLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.drawdowns)
}

func (m *Manager) PendingOrders() []execution.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orders := make([]execution.Order, 0, len(m.pending))
	for _, o := range m.pending {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders
}

// Start runs the periodic risk cycle until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}

	m.logger.Info("🛡️ risk manager started", zap.Duration("interval", m.cfg.CheckInterval))

	ticker := m.clock.NewTicker(m.cfg.CheckInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C():
				m.safeRiskCheck()
			}
		}
	}()
}

func (m *Manager) safeRiskCheck() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("risk check panicked", zap.Any("panic", r))
		}
	}()
	m.RunRiskCheck()
}

// Stop halts the cycle and cancels every position timer.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	for symbol := range m.timers {
		m.clearTimerLocked(symbol)
	}
	m.mu.Unlock()

	m.logger.Info("risk manager stopped")
}

func validatePosition(pos Position) error {
	if pos.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidPosition)
	}
	if pos.Size.IsNegative() {
		return fmt.Errorf("%w: size must not be negative, got %s", ErrInvalidPosition, pos.Size)
	}
	if pos.Size.IsZero() {
		return nil
	}
	if pos.Side != execution.PositionSideLong && pos.Side != execution.PositionSideShort {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidPosition, pos.Side)
	}
	if !pos.EntryPrice.IsPositive() {
		return fmt.Errorf("%w: entry price must be positive, got %s", ErrInvalidPosition, pos.EntryPrice)
	}
	return nil
}
