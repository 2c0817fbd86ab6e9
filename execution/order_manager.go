package execution

import (
	"sort"
	"sync"
	"time"
)

// OrderManager indexes orders by venue id. Readers get copies.
type OrderManager struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

func NewOrderManager() *OrderManager {
	return &OrderManager{
		orders: make(map[string]*Order),
	}
}

func (om *OrderManager) AddOrder(order *Order) {
	om.mu.Lock()
	defer om.mu.Unlock()
	om.orders[order.ID] = order
}

func (om *OrderManager) GetOrder(id string) (Order, bool) {
	om.mu.RLock()
	defer om.mu.RUnlock()
	order, ok := om.orders[id]
	if !ok {
		return Order{}, false
	}
	return *order, true
}

// Update mutates an order in place under the write lock and returns the
// resulting copy.
func (om *OrderManager) Update(id string, fn func(*Order)) (Order, bool) {
	om.mu.Lock()
	defer om.mu.Unlock()

	order, ok := om.orders[id]
	if !ok {
		return Order{}, false
	}
	fn(order)
	order.UpdatedAt = time.Now()
	return *order, true
}

// SetStatus records a status transition. Terminal orders are never reopened.
func (om *OrderManager) SetStatus(id string, status OrderStatus) (Order, bool) {
	om.mu.Lock()
	defer om.mu.Unlock()

	order, exists := om.orders[id]
	if !exists {
		return Order{}, false
	}
	if order.Status.IsTerminal() {
		return *order, false
	}
	order.Status = status
	order.UpdatedAt = time.Now()
	return *order, true
}

// OpenOrders returns resting orders, oldest first. An empty symbol matches all.
func (om *OrderManager) OpenOrders(symbol string) []Order {
	om.mu.RLock()
	defer om.mu.RUnlock()

	var result []Order
	for _, order := range om.orders {
		if !order.Status.IsResting() {
			continue
		}
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		result = append(result, *order)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}
