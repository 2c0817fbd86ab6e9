package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"onesided-maker/execution"
	"onesided-maker/indicators"
)

var (
	one            = decimal.NewFromInt(1)
	two            = decimal.NewFromInt(2)
	half           = decimal.RequireFromString("0.5")
	tenth          = decimal.RequireFromString("0.1")
	hundred        = decimal.NewFromInt(100)
	largeSizeRatio = decimal.RequireFromString("0.5")
	lowConf        = decimal.RequireFromString("0.7")
	maxStrength    = decimal.RequireFromString("1.5")
)

// =============================================================================
// SEGMENT 2: DECISION ALGORITHM
// =============================================================================

// GenerateTradingDecision turns the latest signal and top of book into a
// single post-only quote, or HOLD with the reason it was rejected.
func (s *Strategy) GenerateTradingDecision(symbol string, signal Signal, md MarketSnapshot) TradingDecision {
	decision := TradingDecision{
		Symbol:     symbol,
		Action:     ActionHold,
		Confidence: signal.Confidence,
		RiskLevel:  RiskLevelLow,
		Timestamp:  s.now(),
	}
	hold := func(format string, args ...interface{}) TradingDecision {
		decision.Action = ActionHold
		decision.Reason = fmt.Sprintf(format, args...)
		return decision
	}

	switch signal.Direction {
	case indicators.DirectionLong:
		decision.Side = execution.OrderSideBuy
	case indicators.DirectionShort:
		decision.Side = execution.OrderSideSell
	default:
		return hold("signal is %s", signal.Direction)
	}
	if signal.Confidence.LessThan(s.config.ConfidenceThreshold) {
		return hold("confidence %s below threshold %s", signal.Confidence, s.config.ConfidenceThreshold)
	}

	bid, ask := md.Bid, md.Ask
	if !bid.IsPositive() || !ask.IsPositive() {
		return hold("no market price")
	}
	spread := ask.Sub(bid)
	if !spread.IsPositive() {
		return hold("book is crossed or locked (bid %s ask %s)", bid, ask)
	}
	mid := bid.Add(ask).Div(two)
	spec := s.config.Spec(symbol)

	decision.Price = quotePrice(decision.Side, bid, ask, mid, spread,
		s.aggressiveness(signal.Confidence), spec.TickSize)
	decision.Size = s.quoteSize(symbol, signal, spec.LotSize)
	spreadPct := spread.Div(mid).Mul(hundred)
	decision.RiskLevel = s.classifyRisk(signal.Confidence, decision.Size, spreadPct)

	switch {
	case !decision.Size.IsPositive() || decision.Size.LessThan(spec.MinSize):
		return hold("size %s below minimum %s", decision.Size, spec.MinSize)
	case !decision.Price.IsPositive():
		return hold("price %s is not positive", decision.Price)
	case spreadPct.GreaterThan(s.config.MaxSpreadPercent):
		return hold("spread %s%% exceeds max %s%%", spreadPct.StringFixed(4), s.config.MaxSpreadPercent)
	case !s.risk.CanTrade(symbol):
		return hold("risk gate denied trading")
	}

	if decision.Side == execution.OrderSideBuy {
		decision.Action = ActionBuy
	} else {
		decision.Action = ActionSell
	}
	decision.Reason = signal.Reason
	return decision
}

// aggressiveness blends the base with half the confidence, capped at 1.
func (s *Strategy) aggressiveness(confidence decimal.Decimal) decimal.Decimal {
	return decimal.Min(one, s.config.BaseAggressiveness.Add(confidence.Mul(half)))
}

// quotePrice backs off the touch by a fraction of the spread and never lets
// the quote come within 10% of the spread of mid.
func quotePrice(side execution.OrderSide, bid, ask, mid, spread, aggressiveness, tick decimal.Decimal) decimal.Decimal {
	offset := spread.Mul(aggressiveness).Mul(half)
	margin := spread.Mul(tenth)

	if side == execution.OrderSideBuy {
		bound := mid.Sub(margin)
		raw := decimal.Min(bid.Sub(offset), bound)
		price := roundToTick(raw, tick)
		if price.GreaterThan(bound) {
			price = floorToTick(raw, tick)
		}
		return price
	}

	bound := mid.Add(margin)
	raw := decimal.Max(ask.Add(offset), bound)
	price := roundToTick(raw, tick)
	if price.LessThan(bound) {
		price = ceilToTick(raw, tick)
	}
	return price
}

// quoteSize scales the base size by confidence and strength, then applies
// the position cap, the risk manager's cap and the lot step.
func (s *Strategy) quoteSize(symbol string, signal Signal, lot decimal.Decimal) decimal.Decimal {
	confMult := clamp(signal.Confidence, half, one)
	strengthMult := clamp(signal.Strength.Add(half), half, maxStrength)
	size := s.config.BaseSize.Mul(confMult).Mul(strengthMult)

	current := decimal.Zero
	if pos, ok := s.risk.GetPosition(symbol); ok {
		current = pos.Size
	}
	size = decimal.Min(size, s.config.MaxPositionSize.Sub(current))
	if !size.IsPositive() {
		return decimal.Zero
	}
	size = s.risk.GetMaxPositionSize(symbol, size)
	size = clamp(size, decimal.Zero, s.config.MaxPositionSize)
	return floorToTick(size, lot)
}

// classifyRisk is advisory: one point each for low confidence, a large
// share of max position and a spread wider than half the allowed maximum.
func (s *Strategy) classifyRisk(confidence, size, spreadPct decimal.Decimal) RiskLevel {
	score := 0
	if confidence.LessThan(lowConf) {
		score++
	}
	if size.Div(s.config.MaxPositionSize).GreaterThan(largeSizeRatio) {
		score++
	}
	if spreadPct.GreaterThan(s.config.MaxSpreadPercent.Mul(half)) {
		score++
	}

	switch {
	case score >= 2:
		return RiskLevelHigh
	case score == 1:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// roundToTick rounds half-up to the nearest multiple of tick.
func roundToTick(v, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return v
	}
	return v.Div(tick).Round(0).Mul(tick)
}

func floorToTick(v, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return v
	}
	return v.Div(tick).Floor().Mul(tick)
}

func ceilToTick(v, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return v
	}
	return v.Div(tick).Ceil().Mul(tick)
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	return decimal.Max(lo, decimal.Min(hi, v))
}
