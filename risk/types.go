package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"onesided-maker/execution"
)

type AlertLevel string

const (
	AlertWarning   AlertLevel = "WARNING"
	AlertCritical  AlertLevel = "CRITICAL"
	AlertEmergency AlertLevel = "EMERGENCY"
)

type AlertType string

const (
	AlertTypeDrawdown        AlertType = "DRAWDOWN"
	AlertTypeDailyLoss       AlertType = "DAILY_LOSS"
	AlertTypeStopLoss        AlertType = "STOP_LOSS"
	AlertTypeConcentration   AlertType = "CONCENTRATION"
	AlertTypeCorrelation     AlertType = "CORRELATION"
	AlertTypePositionCount   AlertType = "POSITION_COUNT"
	AlertTypePositionTimeout AlertType = "POSITION_TIMEOUT"
)

var (
	ErrInvalidFill     = errors.New("invalid fill")
	ErrInvalidPosition = errors.New("invalid position")
	ErrInvalidLimits   = errors.New("invalid risk limits")
)

// Position is the ledger's view of one symbol. Size is always positive; a
// flat symbol has no entry.
type Position struct {
	Symbol        string                 `json:"symbol"`
	Side          execution.PositionSide `json:"side"`
	Size          decimal.Decimal        `json:"size"`
	EntryPrice    decimal.Decimal        `json:"entry_price"`
	MarkPrice     decimal.Decimal        `json:"mark_price"`
	UnrealizedPnL decimal.Decimal        `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal        `json:"realized_pnl"`
	Fees          decimal.Decimal        `json:"fees"`
	Rebates       decimal.Decimal        `json:"rebates"`
	OpenedAt      time.Time              `json:"opened_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Notional is size times mark, falling back to entry when no mark is known.
func (p Position) Notional() decimal.Decimal {
	price := p.MarkPrice
	if !price.IsPositive() {
		price = p.EntryPrice
	}
	return p.Size.Mul(price)
}

// CostBasis is size times entry.
func (p Position) CostBasis() decimal.Decimal {
	return p.Size.Mul(p.EntryPrice)
}

// Portfolio is derived from cash and the position set.
type Portfolio struct {
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	Fees           decimal.Decimal `json:"fees"`
	Rebates        decimal.Decimal `json:"rebates"`
	NetPnL         decimal.Decimal `json:"net_pnl"`
	OpenPositions  int             `json:"open_positions"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RiskLimits are replaced only through Manager.UpdateRiskLimits.
// Percent fields are expressed in percent (30 means 30%).
type RiskLimits struct {
	MaxPositionSize          decimal.Decimal `json:"max_position_size"`
	MaxDailyLoss             decimal.Decimal `json:"max_daily_loss"`
	MaxDrawdownPercent       decimal.Decimal `json:"max_drawdown_percent"`
	MaxOpenPositions         int             `json:"max_open_positions"`
	PositionTimeout          time.Duration   `json:"position_timeout"`
	EmergencyStopLossPercent decimal.Decimal `json:"emergency_stop_loss_percent"`
	ConcentrationLimit       decimal.Decimal `json:"concentration_limit"`
}

func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionSize:          decimal.NewFromInt(10),
		MaxDailyLoss:             decimal.NewFromInt(500),
		MaxDrawdownPercent:       decimal.NewFromInt(10),
		MaxOpenPositions:         5,
		PositionTimeout:          4 * time.Hour,
		EmergencyStopLossPercent: decimal.NewFromInt(15),
		ConcentrationLimit:       decimal.NewFromInt(30),
	}
}

func (l RiskLimits) Validate() error {
	switch {
	case !l.MaxPositionSize.IsPositive():
		return fmt.Errorf("%w: max position size must be positive", ErrInvalidLimits)
	case !l.MaxDailyLoss.IsPositive():
		return fmt.Errorf("%w: max daily loss must be positive", ErrInvalidLimits)
	case !l.MaxDrawdownPercent.IsPositive():
		return fmt.Errorf("%w: max drawdown percent must be positive", ErrInvalidLimits)
	case l.MaxOpenPositions <= 0:
		return fmt.Errorf("%w: max open positions must be positive", ErrInvalidLimits)
	case l.PositionTimeout <= 0:
		return fmt.Errorf("%w: position timeout must be positive", ErrInvalidLimits)
	case !l.EmergencyStopLossPercent.IsPositive():
		return fmt.Errorf("%w: emergency stop loss percent must be positive", ErrInvalidLimits)
	case !l.ConcentrationLimit.IsPositive():
		return fmt.Errorf("%w: concentration limit must be positive", ErrInvalidLimits)
	}
	return nil
}

// RiskMetrics is recomputed after every ledger mutation and on each cycle.
type RiskMetrics struct {
	TotalExposure   decimal.Decimal `json:"total_exposure"`
	PendingExposure decimal.Decimal `json:"pending_exposure"`
	CurrentDrawdown decimal.Decimal `json:"current_drawdown"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	PeakValue       decimal.Decimal `json:"peak_value"`
	DailyPnL        decimal.Decimal `json:"daily_pnl"`
	DailyLoss       decimal.Decimal `json:"daily_loss"`
	TradeCount      int             `json:"trade_count"`
	WinRate         float64         `json:"win_rate"`
	AvgWin          decimal.Decimal `json:"avg_win"`
	AvgLoss         decimal.Decimal `json:"avg_loss"`
	ProfitFactor    float64         `json:"profit_factor"`
	SharpeRatio     float64         `json:"sharpe_ratio"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type RiskAlert struct {
	ID                string          `json:"id"`
	Timestamp         time.Time       `json:"timestamp"`
	Level             AlertLevel      `json:"level"`
	Type              AlertType       `json:"type"`
	Message           string          `json:"message"`
	Symbol            string          `json:"symbol,omitempty"`
	Value             decimal.Decimal `json:"value"`
	Limit             decimal.Decimal `json:"limit"`
	RecommendedAction string          `json:"recommended_action,omitempty"`
}

// Trade is one realized reduction of a position.
type Trade struct {
	Symbol     string                 `json:"symbol"`
	Side       execution.PositionSide `json:"side"`
	Size       decimal.Decimal        `json:"size"`
	EntryPrice decimal.Decimal        `json:"entry_price"`
	ExitPrice  decimal.Decimal        `json:"exit_price"`
	PnL        decimal.Decimal        `json:"pnl"`
	Timestamp  time.Time              `json:"timestamp"`
}

type drawdownPoint struct {
	at    time.Time
	value decimal.Decimal
}

type AlertHandler func(RiskAlert)
type EmergencyStopHandler func(reason string)
