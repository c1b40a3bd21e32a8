package adapters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tiendavoz/voicebridge/domain/entities"
	"github.com/tiendavoz/voicebridge/domain/repositories"
)

// MemoryShopRepository is an in-memory implementation of ShopRepository.
// Registered shops are served as configured. Any other id is served with the
// default shop's configuration unless an allowlist restricts the known ids.
type MemoryShopRepository struct {
	mu          sync.RWMutex
	defaultShop *entities.Shop
	shops       map[string]*entities.Shop // id -> shop mapping
	allowed     map[string]bool           // empty means every id is accepted
}

// NewMemoryShopRepository creates a new in-memory shop repository
func NewMemoryShopRepository(defaultShop *entities.Shop, allowed []string) *MemoryShopRepository {
	if defaultShop == nil {
		defaultShop = entities.NewDefaultShop(entities.DefaultShopID)
	}

	allow := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		id = strings.TrimSpace(id)
		if id != "" {
			allow[id] = true
		}
	}

	return &MemoryShopRepository{
		defaultShop: defaultShop,
		shops:       make(map[string]*entities.Shop),
		allowed:     allow,
	}
}

// Register adds or replaces a shop configuration
func (m *MemoryShopRepository) Register(shop *entities.Shop) error {
	if shop == nil {
		return errors.New("shop cannot be nil")
	}
	if err := shop.Validate(); err != nil {
		return fmt.Errorf("invalid shop %q: %w", shop.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.shops[shop.ID] = shop.WithID(shop.ID)
	return nil
}

// RegisterAll registers shop configurations, filling the fields each one
// leaves empty from the default shop. It stops at the first invalid shop.
func (m *MemoryShopRepository) RegisterAll(shops []*entities.Shop) error {
	for i, shop := range shops {
		if shop == nil {
			return fmt.Errorf("shop %d is empty", i)
		}
		configured := *shop
		configured.ApplyDefaults(m.defaultShop)
		if err := m.Register(&configured); err != nil {
			return err
		}
	}
	return nil
}

// GetByID implements ShopRepository interface
func (m *MemoryShopRepository) GetByID(ctx context.Context, id string) (*entities.Shop, error) {
	if id == "" {
		return nil, repositories.ErrShopNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.allowed) > 0 && !m.allowed[id] {
		return nil, fmt.Errorf("%w: %s", repositories.ErrShopNotFound, id)
	}

	// Return a copy to prevent external modifications
	if shop, exists := m.shops[id]; exists {
		return shop.WithID(id), nil
	}
	return m.defaultShop.WithID(id), nil
}

// List implements ShopRepository interface. It returns registered and
// allowlisted shops sorted by id.
func (m *MemoryShopRepository) List(ctx context.Context) ([]*entities.Shop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make(map[string]bool, len(m.shops)+len(m.allowed))
	for id := range m.shops {
		if len(m.allowed) == 0 || m.allowed[id] {
			ids[id] = true
		}
	}
	for id := range m.allowed {
		ids[id] = true
	}

	result := make([]*entities.Shop, 0, len(ids))
	for id := range ids {
		if shop, exists := m.shops[id]; exists {
			result = append(result, shop.WithID(id))
			continue
		}
		result = append(result, m.defaultShop.WithID(id))
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Restricted reports whether an allowlist is configured
func (m *MemoryShopRepository) Restricted() bool {
	return len(m.allowed) > 0
}
