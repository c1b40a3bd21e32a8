package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tiendavoz/voicebridge/domain/entities"
	"github.com/tiendavoz/voicebridge/domain/repositories"
)

// Tool names exposed to the voice agent
const (
	ToolGetMenu     = "get_menu"
	ToolSubmitOrder = "submit_order"
)

// OrderAcknowledgment is returned to the agent once an order is accepted
const OrderAcknowledgment = "Order submitted successfully."

// ToolContext identifies the call a tool invocation belongs to
type ToolContext struct {
	Shop   *entities.Shop
	CallID string
}

// ToolDispatcher resolves the agent's tool calls against the shop's menu and
// the order sinks
type ToolDispatcher struct {
	orders repositories.OrderSink
	logger *zap.Logger
}

// NewToolDispatcher creates a new tool dispatcher
func NewToolDispatcher(orders repositories.OrderSink, logger *zap.Logger) *ToolDispatcher {
	return &ToolDispatcher{
		orders: orders,
		logger: logger,
	}
}

// Definitions returns the tools every realtime provider declares
func (d *ToolDispatcher) Definitions() []repositories.ToolDefinition {
	return []repositories.ToolDefinition{
		{
			Name:        ToolGetMenu,
			Description: "Returns the kebab menu.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        ToolSubmitOrder,
			Description: "Submit the final confirmed order to the shop.",
			Parameters:  orderSchema(),
		},
	}
}

func orderSchema() map[string]any {
	str := func() map[string]any { return map[string]any{"type": "string"} }
	strList := func() map[string]any { return map[string]any{"type": "array", "items": str()} }

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"customer_name": str(),
			"phone_number":  str(),
			"order_type": map[string]any{
				"type": "string",
				"enum": []string{string(entities.OrderTypePickup), string(entities.OrderTypeDelivery)},
			},
			"delivery_address": str(),
			"items": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"item_id":  str(),
						"name":     str(),
						"size":     str(),
						"quantity": map[string]any{"type": "integer", "minimum": 1},
						"sauces":   strList(),
						"extras":   strList(),
					},
					"required": []string{"item_id", "quantity"},
				},
			},
			"comment":                   str(),
			"total_estimated_price_eur": map[string]any{"type": "number", "minimum": 0},
		},
		"required": []string{"order_type", "items"},
	}
}

// Dispatch runs a tool call and returns the output handed back to the agent.
// Failures are reported as {"error": ...} so the agent can recover in
// conversation.
func (d *ToolDispatcher) Dispatch(ctx context.Context, tc ToolContext, call repositories.ToolCall) string {
	logger := d.logger.With(
		zap.String("tool", call.Name),
		zap.String("callID", tc.CallID))
	if tc.Shop != nil {
		logger = logger.With(zap.String("shop", tc.Shop.ID))
	}

	logger.Info("Auto-approved tool call")

	var (
		output string
		err    error
	)
	switch call.Name {
	case ToolGetMenu:
		output, err = d.getMenu(tc)
	case ToolSubmitOrder:
		output, err = d.submitOrder(ctx, tc, call.Arguments, logger)
	default:
		err = fmt.Errorf("unknown tool %q", call.Name)
	}

	if err != nil {
		logger.Warn("Tool call failed", zap.Error(err))
		return toolError(err)
	}
	return output
}

func (d *ToolDispatcher) getMenu(tc ToolContext) (string, error) {
	menu := entities.DefaultMenu()
	if tc.Shop != nil {
		menu = tc.Shop.Menu.Clone()
	}

	data, err := json.Marshal(menu)
	if err != nil {
		return "", fmt.Errorf("failed to encode menu: %w", err)
	}
	return string(data), nil
}

func (d *ToolDispatcher) submitOrder(ctx context.Context, tc ToolContext, args json.RawMessage, logger *zap.Logger) (string, error) {
	order, err := entities.DecodeOrder(args)
	if err != nil {
		return "", err
	}

	shopID := entities.DefaultShopID
	menu := entities.DefaultMenu()
	if tc.Shop != nil {
		shopID = tc.Shop.ID
		menu = tc.Shop.Menu
	}
	// Order ids are assigned here, never taken from the agent.
	order.ID = ""
	order.Stamp(shopID, tc.CallID)

	estimate, unknown := order.EstimateTotal(menu)
	if len(unknown) > 0 {
		logger.Warn("Order references items not on the menu", zap.Strings("itemIDs", unknown))
	}

	logger.Info("New order",
		zap.String("orderID", order.ID),
		zap.String("orderType", string(order.OrderType)),
		zap.Int("items", order.ItemCount()),
		zap.Float64("menuEstimateEUR", estimate))

	if d.orders != nil {
		if err := d.orders.Submit(ctx, order); err != nil {
			return "", fmt.Errorf("failed to submit order: %w", err)
		}
	}

	return OrderAcknowledgment, nil
}

func toolError(err error) string {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "the tool took too long to respond, please try again"
	}
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}
