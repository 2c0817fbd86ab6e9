package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperConfig controls the simulated venue's fee schedule.
type PaperConfig struct {
	MakerRebateRate decimal.Decimal
	TakerFeeRate    decimal.Decimal
}

func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		MakerRebateRate: decimal.RequireFromString("0.0001"),
		TakerFeeRate:    decimal.RequireFromString("0.00035"),
	}
}

type topOfBook struct {
	bid decimal.Decimal
	ask decimal.Decimal
}

// PaperExchange is an in-memory venue. Resting orders fill when the opposite
// touch trades at or through their price.
type PaperExchange struct {
	config PaperConfig
	logger *zap.Logger
	orders *OrderManager

	mu        sync.Mutex
	books     map[string]topOfBook
	positions map[string]*Position
	seq       int64

	callback   OrderUpdateCallback
	callbackMu sync.RWMutex
}

func NewPaperExchange(config PaperConfig, logger *zap.Logger) *PaperExchange {
	return &PaperExchange{
		config:    config,
		logger:    logger.Named("paper_exchange"),
		orders:    NewOrderManager(),
		books:     make(map[string]topOfBook),
		positions: make(map[string]*Position),
	}
}

func (p *PaperExchange) SetOrderUpdateCallback(callback OrderUpdateCallback) {
	p.callbackMu.Lock()
	p.callback = callback
	p.callbackMu.Unlock()
}

func (p *PaperExchange) emit(updates []Order) {
	p.callbackMu.RLock()
	callback := p.callback
	p.callbackMu.RUnlock()

	if callback == nil {
		return
	}
	for _, u := range updates {
		callback(u)
	}
}

func (p *PaperExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	p.mu.Lock()
	book := p.books[req.Symbol]

	crosses := false
	switch req.Side {
	case OrderSideBuy:
		crosses = book.ask.IsPositive() && req.Price.GreaterThanOrEqual(book.ask)
	case OrderSideSell:
		crosses = book.bid.IsPositive() && req.Price.LessThanOrEqual(book.bid)
	}

	if req.Type == OrderTypeMarket {
		if book.bid.IsZero() || book.ask.IsZero() {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w for %s", ErrNoMarketPrice, req.Symbol)
		}
		crosses = true
	}

	if crosses && req.PostOnly {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %s @ %s", ErrWouldCross, req.Side, req.Symbol, req.Price)
	}

	p.seq++
	now := time.Now()
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	order := &Order{
		ID:            fmt.Sprintf("paper-%d", p.seq),
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Amount:        req.Amount,
		Price:         req.Price,
		Status:        OrderStatusOpen,
		RemainingSize: req.Amount,
		IsMaker:       !crosses,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	p.orders.AddOrder(order)

	var updates []Order
	if crosses {
		fillPrice := book.ask
		if req.Side == OrderSideSell {
			fillPrice = book.bid
		}
		updates = append(updates, p.fillLocked(order.ID, fillPrice, false))
	}
	placed, _ := p.orders.GetOrder(order.ID)
	p.mu.Unlock()

	p.logger.Debug("order accepted",
		zap.String("order_id", placed.ID),
		zap.String("symbol", placed.Symbol),
		zap.String("side", string(placed.Side)),
		zap.String("price", placed.Price.String()),
		zap.String("size", placed.Amount.String()))

	p.emit(updates)
	return &placed, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.Lock()
	existing, ok := p.orders.GetOrder(orderID)
	if !ok || (symbol != "" && existing.Symbol != symbol) {
		p.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	cancelled, changed := p.orders.SetStatus(orderID, OrderStatusCancelled)
	p.mu.Unlock()

	if !changed {
		return false, nil
	}
	p.emit([]Order{cancelled})
	return true, nil
}

func (p *PaperExchange) GetPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	positions := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		positions = append(positions, *pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (p *PaperExchange) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.orders.OpenOrders(symbol), nil
}

func (p *PaperExchange) GetOrder(ctx context.Context, orderID, symbol string) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	order, ok := p.orders.GetOrder(orderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return &order, nil
}

// OnMarketData moves the simulated touch and fills any resting orders it
// trades through. Fill updates are delivered after the book lock is released.
func (p *PaperExchange) OnMarketData(symbol string, bid, ask decimal.Decimal) {
	p.mu.Lock()
	p.books[symbol] = topOfBook{bid: bid, ask: ask}

	var updates []Order
	for _, order := range p.orders.OpenOrders(symbol) {
		touched := false
		switch order.Side {
		case OrderSideBuy:
			touched = ask.IsPositive() && ask.LessThanOrEqual(order.Price)
		case OrderSideSell:
			touched = bid.IsPositive() && bid.GreaterThanOrEqual(order.Price)
		}
		if touched {
			updates = append(updates, p.fillLocked(order.ID, order.Price, true))
		}
	}
	p.mu.Unlock()

	p.emit(updates)
}

// fillLocked fills the order's full remaining size. p.mu must be held.
func (p *PaperExchange) fillLocked(orderID string, price decimal.Decimal, maker bool) Order {
	filled, _ := p.orders.Update(orderID, func(o *Order) {
		size := o.RemainingSize
		notional := size.Mul(price)

		prevNotional := o.AvgFillPrice.Mul(o.FilledSize)
		o.FilledSize = o.FilledSize.Add(size)
		o.AvgFillPrice = prevNotional.Add(notional).Div(o.FilledSize)
		o.RemainingSize = decimal.Zero
		o.LastFillSize = size
		o.LastFillPrice = price
		o.IsMaker = maker
		if maker {
			o.Rebates = o.Rebates.Add(notional.Mul(p.config.MakerRebateRate))
		} else {
			o.Fees = o.Fees.Add(notional.Mul(p.config.TakerFeeRate))
		}
		o.Status = OrderStatusFilled
	})

	p.applyFillLocked(filled.Symbol, filled.Side, filled.LastFillSize, price)

	p.logger.Info("💰 paper fill",
		zap.String("order_id", filled.ID),
		zap.String("symbol", filled.Symbol),
		zap.String("side", string(filled.Side)),
		zap.String("size", filled.LastFillSize.String()),
		zap.String("price", price.String()),
		zap.Bool("maker", maker))

	return filled
}

// applyFillLocked nets a fill into the simulated position book.
func (p *PaperExchange) applyFillLocked(symbol string, side OrderSide, size, price decimal.Decimal) {
	signed := size
	if side == OrderSideSell {
		signed = size.Neg()
	}

	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = &Position{
			Symbol:     symbol,
			Side:       side.PositionSide(),
			Size:       size,
			EntryPrice: price,
			MarkPrice:  price,
			OpenedAt:   time.Now(),
		}
		return
	}

	current := pos.Size
	if pos.Side == PositionSideShort {
		current = current.Neg()
	}
	next := current.Add(signed)

	switch {
	case next.IsZero():
		delete(p.positions, symbol)
		return
	case current.Sign() == next.Sign() && next.Abs().GreaterThan(current.Abs()):
		pos.EntryPrice = pos.EntryPrice.Mul(current.Abs()).Add(price.Mul(size)).Div(next.Abs())
	case current.Sign() != next.Sign():
		pos.EntryPrice = price
		pos.OpenedAt = time.Now()
	}

	pos.Size = next.Abs()
	pos.Side = PositionSideLong
	if next.IsNegative() {
		pos.Side = PositionSideShort
	}
	pos.MarkPrice = price
}
