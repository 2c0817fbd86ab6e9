package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"onesided-maker/execution"
	"onesided-maker/indicators"
	"onesided-maker/marketdata"
	"onesided-maker/risk"
)

// =============================================================================
// SEGMENT 1: CORE TYPES AND CONFIGURATION
// =============================================================================

type (
	Signal         = indicators.Signal
	MarketSnapshot = marketdata.MarketData
	OrderBook      = marketdata.OrderBook
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "LOW"
	RiskLevelMedium RiskLevel = "MEDIUM"
	RiskLevelHigh   RiskLevel = "HIGH"
)

// SymbolState is IDLE with no resting order and QUOTING with exactly one.
type SymbolState string

const (
	SymbolStateIdle    SymbolState = "IDLE"
	SymbolStateQuoting SymbolState = "QUOTING"
)

type RunState string

const (
	RunStateRunning RunState = "RUNNING"
	RunStateStopped RunState = "STOPPED"
)

// TradingDecision is the output of one pass of the quoting algorithm.
type TradingDecision struct {
	Symbol     string
	Action     Action
	Side       execution.OrderSide
	Price      decimal.Decimal
	Size       decimal.Decimal
	Confidence decimal.Decimal
	Reason     string
	RiskLevel  RiskLevel
	Timestamp  time.Time
}

// ActiveOrder is the strategy's view of an order it placed and still tracks.
type ActiveOrder struct {
	ClientOrderID string
	OrderID       string
	Symbol        string
	Side          execution.OrderSide
	Price         decimal.Decimal
	Amount        decimal.Decimal
	FilledSize    decimal.Decimal
	PlacedAt      time.Time
}

// SymbolSpec carries venue rounding rules for one symbol.
type SymbolSpec struct {
	TickSize decimal.Decimal
	LotSize  decimal.Decimal
	MinSize  decimal.Decimal
}

type Config struct {
	Symbols              []string
	BaseSize             decimal.Decimal
	BaseAggressiveness   decimal.Decimal // Fraction of spread before confidence is blended in
	ConfidenceThreshold  decimal.Decimal
	QuoteUpdateFrequency time.Duration
	MaxPositionSize      decimal.Decimal
	MaxSpreadPercent     decimal.Decimal // Percent of mid
	DefaultSpec          SymbolSpec
	SymbolSpecs          map[string]SymbolSpec
	PostOnly             bool
}

func DefaultConfig() Config {
	return Config{
		Symbols:              []string{"ETH"},
		BaseSize:             decimal.RequireFromString("0.1"),
		BaseAggressiveness:   decimal.RequireFromString("0.1"),
		ConfidenceThreshold:  decimal.RequireFromString("0.6"),
		QuoteUpdateFrequency: time.Second,
		MaxPositionSize:      decimal.NewFromInt(1),
		MaxSpreadPercent:     decimal.RequireFromString("0.5"),
		DefaultSpec: SymbolSpec{
			TickSize: decimal.RequireFromString("0.01"),
			LotSize:  decimal.RequireFromString("0.001"),
			MinSize:  decimal.RequireFromString("0.001"),
		},
		SymbolSpecs: map[string]SymbolSpec{},
		PostOnly:    true,
	}
}

var ErrInvalidConfig = errors.New("invalid strategy config")

func (c Config) Validate() error {
	switch {
	case len(c.Symbols) == 0:
		return fmt.Errorf("%w: at least one symbol is required", ErrInvalidConfig)
	case !c.BaseSize.IsPositive():
		return fmt.Errorf("%w: base size must be positive", ErrInvalidConfig)
	case c.BaseAggressiveness.IsNegative():
		return fmt.Errorf("%w: base aggressiveness must not be negative", ErrInvalidConfig)
	case c.ConfidenceThreshold.IsNegative() || c.ConfidenceThreshold.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: confidence threshold must be in [0,1]", ErrInvalidConfig)
	case c.QuoteUpdateFrequency <= 0:
		return fmt.Errorf("%w: quote update frequency must be positive", ErrInvalidConfig)
	case !c.MaxPositionSize.IsPositive():
		return fmt.Errorf("%w: max position size must be positive", ErrInvalidConfig)
	case !c.MaxSpreadPercent.IsPositive():
		return fmt.Errorf("%w: max spread percent must be positive", ErrInvalidConfig)
	}
	return nil
}

// Spec returns the symbol's rounding rules, falling back to DefaultSpec.
func (c Config) Spec(symbol string) SymbolSpec {
	if spec, ok := c.SymbolSpecs[symbol]; ok {
		return spec
	}
	return c.DefaultSpec
}

// RiskGate is the part of the risk manager the strategy depends on.
type RiskGate interface {
	CanTrade(symbol string) bool
	GetMaxPositionSize(symbol string, requested decimal.Decimal) decimal.Decimal
	GetPosition(symbol string) (risk.Position, bool)
	UpdatePosition(pos risk.Position) error
	UpdateMarkPrice(symbol string, price decimal.Decimal)
	AddPendingOrder(order execution.Order)
	RemovePendingOrder(orderID string)
	ProcessOrderFill(order execution.Order, fillPrice, fillSize decimal.Decimal) error
}

// Observer receives order lifecycle events, typically for metrics.
type Observer interface {
	OrderPlaced(symbol string, side execution.OrderSide)
	OrderCancelled(symbol string)
	OrderFailed(symbol, op string)
	OrderFilled(symbol string, side execution.OrderSide, size, rebate decimal.Decimal)
	QuoteCycle(symbol string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) OrderPlaced(string, execution.OrderSide) {}
func (nopObserver) OrderCancelled(string) {}
func (nopObserver) OrderFailed(string, string) {}
func (nopObserver) OrderFilled(string, execution.OrderSide, decimal.Decimal, decimal.Decimal) {}
func (nopObserver) QuoteCycle(string, time.Duration) {}
