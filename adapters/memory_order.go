package adapters

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tiendavoz/voicebridge/domain/entities"
	"github.com/tiendavoz/voicebridge/domain/repositories"
)

// DefaultMaxOrdersPerShop bounds how many orders a shop keeps in memory
const DefaultMaxOrdersPerShop = 200

// MemoryOrderRepository keeps the most recent orders of each shop in process
// memory. Orders are lost on restart; it backs GET /clients/:shop/orders when
// no database is configured.
type MemoryOrderRepository struct {
	mu         sync.RWMutex
	orders     map[string]*entities.Order   // id -> order mapping
	shops      map[string][]*entities.Order // shop -> orders in arrival order
	maxPerShop int
}

// NewMemoryOrderRepository creates a new in-memory order repository. Once a
// shop holds maxPerShop orders the oldest one is evicted; zero or less
// selects DefaultMaxOrdersPerShop.
func NewMemoryOrderRepository(maxPerShop int) *MemoryOrderRepository {
	if maxPerShop <= 0 {
		maxPerShop = DefaultMaxOrdersPerShop
	}
	return &MemoryOrderRepository{
		orders:     make(map[string]*entities.Order),
		shops:      make(map[string][]*entities.Order),
		maxPerShop: maxPerShop,
	}
}

// Submit implements OrderSink interface
func (m *MemoryOrderRepository) Submit(ctx context.Context, order *entities.Order) error {
	if order == nil {
		return errors.New("order cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Generate ID if not provided
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if _, exists := m.orders[order.ID]; exists {
		return errors.New("order with this ID already exists")
	}

	orderCopy := copyOrder(order)
	m.orders[order.ID] = orderCopy

	shopOrders := append(m.shops[order.Shop], orderCopy)
	if excess := len(shopOrders) - m.maxPerShop; excess > 0 {
		for _, evicted := range shopOrders[:excess] {
			delete(m.orders, evicted.ID)
		}
		shopOrders = append([]*entities.Order(nil), shopOrders[excess:]...)
	}
	m.shops[order.Shop] = shopOrders
	return nil
}

// Len reports how many orders are held across all shops
func (m *MemoryOrderRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

// GetByID implements OrderRepository interface
func (m *MemoryOrderRepository) GetByID(ctx context.Context, id string) (*entities.Order, error) {
	if id == "" {
		return nil, errors.New("order ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	order, exists := m.orders[id]
	if !exists {
		return nil, repositories.ErrOrderNotFound
	}
	return copyOrder(order), nil
}

// ListByShop implements OrderRepository interface
func (m *MemoryOrderRepository) ListByShop(ctx context.Context, shop string, limit int) ([]*entities.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orders := m.shops[shop]
	result := make([]*entities.Order, 0, len(orders))
	for i := len(orders) - 1; i >= 0; i-- {
		result = append(result, copyOrder(orders[i]))
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ReceivedAt.After(result[j].ReceivedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyOrder(order *entities.Order) *entities.Order {
	c := *order
	c.Items = make([]entities.OrderItem, len(order.Items))
	for i, item := range order.Items {
		item.Sauces = append([]string(nil), item.Sauces...)
		item.Extras = append([]string(nil), item.Extras...)
		c.Items[i] = item
	}
	if order.TotalEstimatedPriceEUR != nil {
		total := *order.TotalEstimatedPriceEUR
		c.TotalEstimatedPriceEUR = &total
	}
	return &c
}
