package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"onesided-maker/execution"
)

var hundred = decimal.NewFromInt(100)

// fillResult describes how a fill changed the ledger.
type fillResult struct {
	position  *Position // nil when the symbol went flat
	trade     *Trade
	cashDelta decimal.Decimal
	realized  decimal.Decimal
}

func realizedPnL(side execution.PositionSide, entry, exit, size decimal.Decimal) decimal.Decimal {
	if side == execution.PositionSideLong {
		return exit.Sub(entry).Mul(size)
	}
	return entry.Sub(exit).Mul(size)
}

func unrealizedPnL(p *Position) decimal.Decimal {
	if !p.MarkPrice.IsPositive() {
		return decimal.Zero
	}
	return realizedPnL(p.Side, p.EntryPrice, p.MarkPrice, p.Size)
}

// applyFill computes the position that results from a fill against existing
// (which may be nil). Cash moves under the fully collateralized model: opening
// size debits size*price, reducing credits size*entry plus the realized P&L.
func applyFill(existing *Position, symbol string, side execution.OrderSide, price, size decimal.Decimal, now time.Time) fillResult {
	fillSide := side.PositionSide()

	if existing == nil {
		return fillResult{
			position: &Position{
				Symbol:     symbol,
				Side:       fillSide,
				Size:       size,
				EntryPrice: price,
				OpenedAt:   now,
				UpdatedAt:  now,
			},
			cashDelta: size.Mul(price).Neg(),
		}
	}

	pos := *existing
	pos.UpdatedAt = now

	if pos.Side == fillSide {
		newSize := pos.Size.Add(size)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Size).Add(price.Mul(size)).Div(newSize)
		pos.Size = newSize
		return fillResult{position: &pos, cashDelta: size.Mul(price).Neg()}
	}

	closing := decimal.Min(size, pos.Size)
	realized := realizedPnL(pos.Side, pos.EntryPrice, price, closing)
	trade := &Trade{
		Symbol:     symbol,
		Side:       pos.Side,
		Size:       closing,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  price,
		PnL:        realized,
		Timestamp:  now,
	}
	cash := closing.Mul(pos.EntryPrice).Add(realized)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)

	if size.LessThan(pos.Size) {
		pos.Size = pos.Size.Sub(size)
		return fillResult{position: &pos, trade: trade, cashDelta: cash, realized: realized}
	}

	remaining := size.Sub(pos.Size)
	if remaining.IsZero() {
		return fillResult{trade: trade, cashDelta: cash, realized: realized}
	}

	pos.Side = fillSide
	pos.Size = remaining
	pos.EntryPrice = price
	pos.OpenedAt = now
	cash = cash.Sub(remaining.Mul(price))
	return fillResult{position: &pos, trade: trade, cashDelta: cash, realized: realized}
}

// recomputeLocked rebuilds the portfolio and metrics from the ledger.
func (m *Manager) recomputeLocked() {
	now := m.clock.Now()

	positionsValue := decimal.Zero
	unrealized := decimal.Zero
	exposure := decimal.Zero
	for symbol, pos := range m.positions {
		if mark, ok := m.marks[symbol]; ok {
			pos.MarkPrice = mark
		}
		pos.UnrealizedPnL = unrealizedPnL(pos)
		positionsValue = positionsValue.Add(pos.CostBasis())
		unrealized = unrealized.Add(pos.UnrealizedPnL)
		exposure = exposure.Add(pos.Notional())
	}

	total := m.cash.Add(positionsValue).Add(unrealized)
	m.portfolio = Portfolio{
		Cash:           m.cash,
		PositionsValue: positionsValue,
		TotalValue:     total,
		RealizedPnL:    m.realized,
		UnrealizedPnL:  unrealized,
		Fees:           m.fees,
		Rebates:        m.rebates,
		NetPnL:         m.realized.Add(unrealized).Add(m.rebates).Sub(m.fees),
		OpenPositions:  len(m.positions),
		UpdatedAt:      now,
	}

	if total.GreaterThan(m.peak) {
		m.peak = total
	}
	drawdown := decimal.Zero
	if m.peak.IsPositive() {
		drawdown = decimal.Max(decimal.Zero, m.peak.Sub(total).Div(m.peak).Mul(hundred))
	}

	metrics := m.metrics
	metrics.TotalExposure = exposure
	metrics.PendingExposure = m.pendingExposureLocked()
	metrics.CurrentDrawdown = drawdown
	metrics.MaxDrawdown = decimal.Max(metrics.MaxDrawdown, drawdown)
	metrics.PeakValue = m.peak
	metrics.UpdatedAt = now

	sod := startOfDay(now)
	dailyPnL := decimal.Zero
	for _, t := range m.trades {
		if !t.Timestamp.Before(sod) {
			dailyPnL = dailyPnL.Add(t.PnL)
		}
	}
	metrics.DailyPnL = dailyPnL
	metrics.DailyLoss = decimal.Max(decimal.Zero, dailyPnL.Neg())

	applyTradeStats(&metrics, m.trades)
	m.metrics = metrics
}

func (m *Manager) pendingExposureLocked() decimal.Decimal {
	total := decimal.Zero
	for _, o := range m.pending {
		remaining := o.RemainingSize
		if remaining.IsZero() {
			remaining = o.Amount.Sub(o.FilledSize)
		}
		total = total.Add(remaining.Mul(o.Price))
	}
	return total
}

// applyTradeStats fills win rate, averages, profit factor and a per-trade
// Sharpe ratio (mean over sample standard deviation of trade P&L).
func applyTradeStats(metrics *RiskMetrics, trades []Trade) {
	metrics.TradeCount = len(trades)
	metrics.WinRate = 0
	metrics.AvgWin = decimal.Zero
	metrics.AvgLoss = decimal.Zero
	metrics.ProfitFactor = 0
	metrics.SharpeRatio = 0

	if len(trades) == 0 {
		return
	}

	grossWin, grossLoss := decimal.Zero, decimal.Zero
	wins, losses := 0, 0
	returns := make([]float64, 0, len(trades))
	for _, t := range trades {
		returns = append(returns, t.PnL.InexactFloat64())
		switch {
		case t.PnL.IsPositive():
			wins++
			grossWin = grossWin.Add(t.PnL)
		case t.PnL.IsNegative():
			losses++
			grossLoss = grossLoss.Add(t.PnL.Abs())
		}
	}

	metrics.WinRate = float64(wins) / float64(len(trades))
	if wins > 0 {
		metrics.AvgWin = grossWin.Div(decimal.NewFromInt(int64(wins)))
	}
	if losses > 0 {
		metrics.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(losses)))
		metrics.ProfitFactor = grossWin.Div(grossLoss).InexactFloat64()
	}

	if len(returns) < 2 {
		return
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)

	if std := math.Sqrt(variance); std > 0 {
		metrics.SharpeRatio = mean / std
	}
}

// pruneLocked drops trades and drawdown samples older than 24h.
func (m *Manager) pruneLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)

	trades := m.trades[:0]
	for _, t := range m.trades {
		if t.Timestamp.After(cutoff) {
			trades = append(trades, t)
		}
	}
	m.trades = trades

	points := m.drawdowns[:0]
	for _, p := range m.drawdowns {
		if p.at.After(cutoff) {
			points = append(points, p)
		}
	}
	m.drawdowns = points
}

func (m *Manager) recordDrawdownLocked(now time.Time) {
	m.drawdowns = append(m.drawdowns, drawdownPoint{at: now, value: m.metrics.CurrentDrawdown})
	if over := len(m.drawdowns) - m.cfg.HistoryLimit; over > 0 {
		m.drawdowns = append(m.drawdowns[:0], m.drawdowns[over:]...)
	}
}

func startOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
