package repositories

import (
	"context"
	"errors"

	"github.com/tiendavoz/voicebridge/domain/entities"
)

var (
	ErrShopNotFound  = errors.New("shop not found")
	ErrOrderNotFound = errors.New("order not found")
)

// ShopRepository resolves the per-tenant configuration for a shop id
type ShopRepository interface {
	GetByID(ctx context.Context, id string) (*entities.Shop, error)
	List(ctx context.Context) ([]*entities.Shop, error)
}

// OrderSink receives every order the voice agent submits. Implementations
// forward it to wherever the shop picks orders up.
type OrderSink interface {
	Submit(ctx context.Context, order *entities.Order) error
}

// OrderRepository is an OrderSink that can read orders back
type OrderRepository interface {
	OrderSink
	GetByID(ctx context.Context, id string) (*entities.Order, error)
	// ListByShop returns the most recent orders first.
	ListByShop(ctx context.Context, shop string, limit int) ([]*entities.Order, error)
}
