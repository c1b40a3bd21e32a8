package adapters

import (
	"context"

	"go.uber.org/zap"

	"github.com/tiendavoz/voicebridge/domain/entities"
)

// LogOrderSink writes every order to the structured log
type LogOrderSink struct {
	logger *zap.Logger
}

// NewLogOrderSink creates an order sink backed by the logger
func NewLogOrderSink(logger *zap.Logger) *LogOrderSink {
	return &LogOrderSink{logger: logger}
}

// Submit implements OrderSink interface
func (s *LogOrderSink) Submit(ctx context.Context, order *entities.Order) error {
	fields := []zap.Field{
		zap.String("orderID", order.ID),
		zap.String("shop", order.Shop),
		zap.String("callID", order.CallID),
		zap.String("orderType", string(order.OrderType)),
		zap.Any("items", order.Items),
		zap.Time("receivedAt", order.ReceivedAt),
	}
	if order.CustomerName != "" {
		fields = append(fields, zap.String("customerName", order.CustomerName))
	}
	if order.PhoneNumber != "" {
		fields = append(fields, zap.String("phoneNumber", order.PhoneNumber))
	}
	if order.DeliveryAddress != "" {
		fields = append(fields, zap.String("deliveryAddress", order.DeliveryAddress))
	}
	if order.Comment != "" {
		fields = append(fields, zap.String("comment", order.Comment))
	}
	if order.TotalEstimatedPriceEUR != nil {
		fields = append(fields, zap.Float64("totalEstimatedPriceEUR", *order.TotalEstimatedPriceEUR))
	}

	s.logger.Info("New order received", fields...)
	return nil
}
