package execution

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Order types and structures
type OrderSide string
type OrderType string
type OrderStatus string
type PositionSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"

	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"

	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"

	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrInvalidOrder   = errors.New("invalid order")
	ErrWouldCross     = errors.New("post-only order would cross the book")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrNoMarketPrice  = errors.New("no market price available")
	ErrMissingAccount = errors.New("private key is required")
)

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// PositionSide maps an order side onto the position side a fill would build.
func (s OrderSide) PositionSide() PositionSide {
	if s == OrderSideBuy {
		return PositionSideLong
	}
	return PositionSideShort
}

// IsTerminal reports whether the order can no longer fill.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// IsResting reports whether the order still sits on the book.
func (s OrderStatus) IsResting() bool {
	return s == OrderStatusOpen || s == OrderStatusPartiallyFilled || s == OrderStatusPending
}

// OrderRequest is what a strategy hands to the venue.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price,omitempty"`
	PostOnly      bool            `json:"post_only"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
}

// Order is the venue's view of an order. FilledSize, Fees and Rebates are
// cumulative; LastFillSize/LastFillPrice describe the most recent fill only.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	Status        OrderStatus     `json:"status"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	RemainingSize decimal.Decimal `json:"remaining_size"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	LastFillSize  decimal.Decimal `json:"last_fill_size"`
	LastFillPrice decimal.Decimal `json:"last_fill_price"`
	Fees          decimal.Decimal `json:"fees"`
	Rebates       decimal.Decimal `json:"rebates"`
	IsMaker       bool            `json:"is_maker"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Position as reported by the venue.
type Position struct {
	Symbol     string          `json:"symbol"`
	Side       PositionSide    `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// OrderUpdateCallback receives order lifecycle changes pushed by a venue.
type OrderUpdateCallback func(Order)

// Exchange is the venue contract the quoting core depends on. Implementations
// own their retry and timeout policy; callers only observe success or failure.
type Exchange interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	// CancelOrder returns false with a nil error when the order is no longer
	// resting (already filled or cancelled).
	CancelOrder(ctx context.Context, orderID, symbol string) (bool, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
}

// OrderStatusQuerier is implemented by venues that can report a single order.
type OrderStatusQuerier interface {
	GetOrder(ctx context.Context, orderID, symbol string) (*Order, error)
}

// OrderUpdateSource is implemented by venues that push fills.
type OrderUpdateSource interface {
	SetOrderUpdateCallback(callback OrderUpdateCallback)
}
