package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"onesided-maker/execution"
)

// fakeExchange records calls and tracks how many orders rest per symbol,
// including how many place/cancel calls overlap for one symbol.
type fakeExchange struct {
	mu        sync.Mutex
	seq       int
	orders    map[string]*execution.Order
	placed    []execution.OrderRequest
	cancelled []string
	positions []execution.Position

	placeErr  error
	cancelErr map[string]error // by symbol
	onPlace   func(req execution.OrderRequest)

	inCall     map[string]int
	maxInCall  map[string]int
	maxResting map[string]int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		orders:     make(map[string]*execution.Order),
		cancelErr:  make(map[string]error),
		inCall:     make(map[string]int),
		maxInCall:  make(map[string]int),
		maxResting: make(map[string]int),
	}
}

func (f *fakeExchange) enter(symbol string) {
	f.mu.Lock()
	f.inCall[symbol]++
	if f.inCall[symbol] > f.maxInCall[symbol] {
		f.maxInCall[symbol] = f.inCall[symbol]
	}
	f.mu.Unlock()
}

func (f *fakeExchange) leave(symbol string) {
	f.mu.Lock()
	f.inCall[symbol]--
	f.mu.Unlock()
}

func (f *fakeExchange) restingLocked(symbol string) int {
	n := 0
	for _, o := range f.orders {
		if o.Symbol == symbol && o.Status.IsResting() {
			n++
		}
	}
	return n
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req execution.OrderRequest) (*execution.Order, error) {
	f.enter(req.Symbol)
	defer f.leave(req.Symbol)

	f.mu.Lock()
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		err := f.placeErr
		f.mu.Unlock()
		return nil, err
	}
	f.seq++
	order := &execution.Order{
		ID:            fmt.Sprintf("ord-%d", f.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Amount:        req.Amount,
		Price:         req.Price,
		Status:        execution.OrderStatusOpen,
		RemainingSize: req.Amount,
		IsMaker:       true,
	}
	f.orders[order.ID] = order
	if n := f.restingLocked(req.Symbol); n > f.maxResting[req.Symbol] {
		f.maxResting[req.Symbol] = n
	}
	hook := f.onPlace
	placed := *order
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return &placed, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	f.enter(symbol)
	defer f.leave(symbol)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.cancelErr[symbol]; err != nil {
		return false, err
	}
	o, ok := f.orders[orderID]
	if !ok {
		return false, execution.ErrOrderNotFound
	}
	if !o.Status.IsResting() {
		return false, nil
	}
	o.Status = execution.OrderStatusCancelled
	f.cancelled = append(f.cancelled, orderID)
	return true, nil
}

func (f *fakeExchange) GetPositions(ctx context.Context) ([]execution.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execution.Position(nil), f.positions...), nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]execution.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []execution.Order
	for _, o := range f.orders {
		if o.Symbol == symbol && o.Status.IsResting() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, orderID, symbol string) (*execution.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, execution.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// seedOrder adds a resting order the strategy did not place.
func (f *fakeExchange) seedOrder(id, symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[id] = &execution.Order{
		ID:     id,
		Symbol: symbol,
		Side:   execution.OrderSideBuy,
		Status: execution.OrderStatusOpen,
		Amount: decimal.NewFromInt(1),
		Price:  decimal.NewFromInt(100),
	}
}

// fill adds size at the order price and returns the venue's new view.
func (f *fakeExchange) fill(id string, size, rebate decimal.Decimal) execution.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[id]
	o.FilledSize = o.FilledSize.Add(size)
	o.RemainingSize = o.Amount.Sub(o.FilledSize)
	o.AvgFillPrice = o.Price
	o.LastFillSize = size
	o.LastFillPrice = o.Price
	o.Rebates = o.Rebates.Add(rebate)
	if o.RemainingSize.IsZero() {
		o.Status = execution.OrderStatusFilled
	} else {
		o.Status = execution.OrderStatusPartiallyFilled
	}
	return *o
}

func (f *fakeExchange) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeExchange) lastPlaced() execution.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed[len(f.placed)-1]
}

func (f *fakeExchange) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *fakeExchange) resting(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restingLocked(symbol)
}

func (f *fakeExchange) setCancelErr(symbol string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.cancelErr, symbol)
		return
	}
	f.cancelErr[symbol] = err
}

// fillResting fills the remaining size of a resting order without pushing
// an update. It reports whether anything was filled.
func (f *fakeExchange) fillResting(id string, rebate decimal.Decimal) bool {
	f.mu.Lock()
	o, ok := f.orders[id]
	if !ok || !o.Status.IsResting() {
		f.mu.Unlock()
		return false
	}
	remaining := o.Amount.Sub(o.FilledSize)
	f.mu.Unlock()
	f.fill(id, remaining, rebate)
	return true
}
