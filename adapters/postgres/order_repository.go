package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tiendavoz/voicebridge/domain/entities"
	"github.com/tiendavoz/voicebridge/domain/repositories"
)

const createOrdersTable = `
	CREATE TABLE IF NOT EXISTS orders (
		id                        TEXT PRIMARY KEY,
		shop                      TEXT NOT NULL,
		call_id                   TEXT,
		customer_name             TEXT,
		phone_number              TEXT,
		order_type                TEXT NOT NULL,
		delivery_address          TEXT,
		items                     JSONB NOT NULL,
		comment                   TEXT,
		total_estimated_price_eur DOUBLE PRECISION,
		received_at               TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS orders_shop_received_at_idx ON orders (shop, received_at DESC);
`

const selectOrderColumns = `
	SELECT id, shop,
	       COALESCE(call_id, ''), COALESCE(customer_name, ''), COALESCE(phone_number, ''),
	       order_type, COALESCE(delivery_address, ''),
	       items, COALESCE(comment, ''), total_estimated_price_eur, received_at
	FROM orders
`

// OrderRepository stores submitted orders in the orders table
type OrderRepository struct {
	db *pgxpool.Pool
}

// NewOrderRepository creates a new Postgres order repository
func NewOrderRepository(db *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{db: db}
}

// Migrate creates the orders table if it does not exist
func (r *OrderRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, createOrdersTable); err != nil {
		return fmt.Errorf("failed to create orders table: %w", err)
	}
	return nil
}

// Submit implements repositories.OrderSink
func (r *OrderRepository) Submit(ctx context.Context, order *entities.Order) error {
	if order == nil {
		return errors.New("order cannot be nil")
	}

	// Generate ID if not provided
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.ReceivedAt.IsZero() {
		order.ReceivedAt = time.Now().UTC()
	}

	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to encode order items: %w", err)
	}

	query := `
		INSERT INTO orders (
			id, shop, call_id, customer_name, phone_number,
			order_type, delivery_address, items, comment,
			total_estimated_price_eur, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.Exec(ctx, query,
		order.ID, order.Shop, nullable(order.CallID), nullable(order.CustomerName), nullable(order.PhoneNumber),
		string(order.OrderType), nullable(order.DeliveryAddress), itemsJSON, nullable(order.Comment),
		order.TotalEstimatedPriceEUR, order.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// GetByID implements repositories.OrderRepository
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*entities.Order, error) {
	if id == "" {
		return nil, errors.New("order ID cannot be empty")
	}

	order, err := scanOrder(r.db.QueryRow(ctx, selectOrderColumns+" WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repositories.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ListByShop implements repositories.OrderRepository
func (r *OrderRepository) ListByShop(ctx context.Context, shop string, limit int) ([]*entities.Order, error) {
	query := selectOrderColumns + " WHERE shop = $1 ORDER BY received_at DESC"
	args := []any{shop}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := []*entities.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}
	return orders, nil
}

func scanOrder(row pgx.Row) (*entities.Order, error) {
	var (
		order     entities.Order
		orderType string
		itemsJSON []byte
	)

	err := row.Scan(
		&order.ID, &order.Shop,
		&order.CallID, &order.CustomerName, &order.PhoneNumber,
		&orderType, &order.DeliveryAddress,
		&itemsJSON, &order.Comment, &order.TotalEstimatedPriceEUR, &order.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}

	order.OrderType = entities.OrderType(orderType)
	if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
		return nil, fmt.Errorf("failed to decode order items: %w", err)
	}
	return &order, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
