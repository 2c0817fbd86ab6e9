package risk

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Potential loss on a new position is estimated as this fraction of notional.
var lossEstimateFraction = decimal.RequireFromString("0.1")

// denialReasonLocked returns why the symbol may not trade, or "" when it may.
func (m *Manager) denialReasonLocked(symbol string) string {
	if m.emergency.Load() {
		return "emergency stop active"
	}

	limits := m.limits
	if m.metrics.DailyLoss.GreaterThanOrEqual(limits.MaxDailyLoss) {
		return fmt.Sprintf("daily loss %s >= limit %s", m.metrics.DailyLoss, limits.MaxDailyLoss)
	}
	if m.metrics.CurrentDrawdown.GreaterThanOrEqual(limits.MaxDrawdownPercent) {
		return fmt.Sprintf("drawdown %s%% >= limit %s%%", m.metrics.CurrentDrawdown.StringFixed(2), limits.MaxDrawdownPercent)
	}
	if pos, ok := m.positions[symbol]; ok {
		pct, ok := m.concentrationLocked(pos.Notional())
		if !ok {
			return "portfolio value is not positive"
		}
		if pct.GreaterThan(limits.ConcentrationLimit) {
			return fmt.Sprintf("concentration %s%% > limit %s%%", pct.StringFixed(2), limits.ConcentrationLimit)
		}
	}
	if len(m.positions) >= limits.MaxOpenPositions {
		return fmt.Sprintf("open positions %d >= limit %d", len(m.positions), limits.MaxOpenPositions)
	}
	return ""
}

// concentrationLocked expresses notional as a percent of portfolio value.
func (m *Manager) concentrationLocked(notional decimal.Decimal) (decimal.Decimal, bool) {
	total := m.portfolio.TotalValue
	if !total.IsPositive() {
		return decimal.Zero, false
	}
	return notional.Div(total).Mul(hundred), true
}

// priceEstimateLocked prefers the last observed mark and falls back to the
// configured estimate.
func (m *Manager) priceEstimateLocked(symbol string) (decimal.Decimal, bool) {
	if mark, ok := m.marks[symbol]; ok && mark.IsPositive() {
		return mark, false
	}
	if pos, ok := m.positions[symbol]; ok && pos.EntryPrice.IsPositive() {
		return pos.EntryPrice, false
	}
	return m.cfg.EstimatedPrice, true
}

func (m *Manager) maxPositionSizeLocked(symbol string, requested decimal.Decimal) decimal.Decimal {
	limits := m.limits
	current := decimal.Zero
	if pos, ok := m.positions[symbol]; ok {
		current = pos.Size
	}

	size := decimal.Min(requested, limits.MaxPositionSize.Sub(current))

	price, estimated := m.priceEstimateLocked(symbol)
	if estimated {
		m.logger.Debug("using configured price estimate",
			zap.String("symbol", symbol), zap.String("price", price.String()))
	}
	if !price.IsPositive() {
		return decimal.Zero
	}

	if total := m.portfolio.TotalValue; total.IsPositive() {
		capNotional := total.Mul(limits.ConcentrationLimit).Div(hundred)
		size = decimal.Min(size, capNotional.Div(price).Sub(current))
	} else {
		return decimal.Zero
	}

	remaining := limits.MaxDailyLoss.Sub(m.metrics.DailyLoss)
	lossPerUnit := price.Mul(lossEstimateFraction)
	if size.Mul(lossPerUnit).GreaterThan(remaining) {
		size = decimal.Min(size, remaining.Div(lossPerUnit))
	}

	return decimal.Max(decimal.Zero, size)
}

func (m *Manager) newAlert(level AlertLevel, typ AlertType, symbol string, value, limit decimal.Decimal, message, action string) RiskAlert {
	return RiskAlert{
		ID:                uuid.NewString(),
		Timestamp:         m.clock.Now(),
		Level:             level,
		Type:              typ,
		Message:           message,
		Symbol:            symbol,
		Value:             value,
		Limit:             limit,
		RecommendedAction: action,
	}
}

// evaluateLocked checks every limit and returns the resulting alerts plus a
// non-empty reason when the emergency latch must be tripped. A non-empty
// symbol restricts the concentration check to that symbol.
func (m *Manager) evaluateLocked(symbol string) ([]RiskAlert, string) {
	var alerts []RiskAlert
	var emergency string

	limits := m.limits
	warn := m.cfg.WarningRatio

	dd := m.metrics.CurrentDrawdown
	switch {
	case dd.GreaterThanOrEqual(limits.MaxDrawdownPercent):
		msg := fmt.Sprintf("drawdown %s%% reached limit %s%%", dd.StringFixed(2), limits.MaxDrawdownPercent)
		alerts = append(alerts, m.newAlert(AlertEmergency, AlertTypeDrawdown, "", dd, limits.MaxDrawdownPercent, msg, "halt trading and cancel all orders"))
		emergency = msg
	case dd.GreaterThanOrEqual(limits.MaxDrawdownPercent.Mul(warn)):
		alerts = append(alerts, m.newAlert(AlertWarning, AlertTypeDrawdown, "", dd, limits.MaxDrawdownPercent,
			fmt.Sprintf("drawdown %s%% approaching limit %s%%", dd.StringFixed(2), limits.MaxDrawdownPercent), "reduce quote size"))
	}

	if initial := m.cfg.InitialCapital; initial.IsPositive() {
		lossPct := decimal.Max(decimal.Zero, initial.Sub(m.portfolio.TotalValue).Div(initial).Mul(hundred))
		switch {
		case lossPct.GreaterThanOrEqual(limits.EmergencyStopLossPercent):
			msg := fmt.Sprintf("portfolio down %s%% from initial capital, stop loss %s%%", lossPct.StringFixed(2), limits.EmergencyStopLossPercent)
			alerts = append(alerts, m.newAlert(AlertEmergency, AlertTypeStopLoss, "", lossPct, limits.EmergencyStopLossPercent, msg, "halt trading and cancel all orders"))
			if emergency == "" {
				emergency = msg
			}
		case lossPct.GreaterThanOrEqual(limits.EmergencyStopLossPercent.Mul(warn)):
			alerts = append(alerts, m.newAlert(AlertWarning, AlertTypeStopLoss, "", lossPct, limits.EmergencyStopLossPercent,
				fmt.Sprintf("portfolio down %s%% from initial capital", lossPct.StringFixed(2)), "review open inventory"))
		}
	}

	loss := m.metrics.DailyLoss
	switch {
	case loss.GreaterThanOrEqual(limits.MaxDailyLoss):
		alerts = append(alerts, m.newAlert(AlertCritical, AlertTypeDailyLoss, "", loss, limits.MaxDailyLoss,
			fmt.Sprintf("daily loss %s reached limit %s", loss, limits.MaxDailyLoss), "stop opening new positions"))
	case loss.GreaterThanOrEqual(limits.MaxDailyLoss.Mul(warn)):
		alerts = append(alerts, m.newAlert(AlertWarning, AlertTypeDailyLoss, "", loss, limits.MaxDailyLoss,
			fmt.Sprintf("daily loss %s approaching limit %s", loss, limits.MaxDailyLoss), "reduce quote size"))
	}

	for sym, pos := range m.positions {
		if symbol != "" && sym != symbol {
			continue
		}
		pct, ok := m.concentrationLocked(pos.Notional())
		if ok && pct.GreaterThan(limits.ConcentrationLimit) {
			alerts = append(alerts, m.newAlert(AlertWarning, AlertTypeConcentration, sym, pct, limits.ConcentrationLimit,
				fmt.Sprintf("%s is %s%% of portfolio", sym, pct.StringFixed(2)), "reduce position"))
		}
	}

	if alert, ok := m.correlationLocked(); ok {
		alerts = append(alerts, alert)
	}

	if n := len(m.positions); n >= limits.MaxOpenPositions {
		alerts = append(alerts, m.newAlert(AlertWarning, AlertTypePositionCount, "", decimal.NewFromInt(int64(n)), decimal.NewFromInt(int64(limits.MaxOpenPositions)),
			fmt.Sprintf("%d open positions, limit %d", n, limits.MaxOpenPositions), "close positions before opening new ones"))
	}

	return alerts, emergency
}

// correlationLocked flags aggregate exposure across the correlated symbol
// group. It is advisory only.
func (m *Manager) correlationLocked() (RiskAlert, bool) {
	if len(m.cfg.CorrelatedSymbols) == 0 {
		return RiskAlert{}, false
	}

	notional := decimal.Zero
	held := 0
	for _, sym := range m.cfg.CorrelatedSymbols {
		if pos, ok := m.positions[sym]; ok {
			notional = notional.Add(pos.Notional())
			held++
		}
	}
	if held == 0 {
		return RiskAlert{}, false
	}

	pct, ok := m.concentrationLocked(notional)
	if !ok || pct.LessThan(m.cfg.CorrelationLimit) {
		return RiskAlert{}, false
	}
	return m.newAlert(AlertWarning, AlertTypeCorrelation, "", pct, m.cfg.CorrelationLimit,
		fmt.Sprintf("correlated exposure %s%% across %d symbols", pct.StringFixed(2), held),
		"diversify or reduce correlated positions"), true
}
