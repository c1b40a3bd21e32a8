package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tiendavoz/voicebridge/domain/entities"
	"github.com/tiendavoz/voicebridge/domain/repositories"
)

// NamedOrderSink labels a sink for logging
type NamedOrderSink struct {
	Name string
	Sink repositories.OrderSink
}

// MultiOrderSink commits every order to a primary sink and, once the commit
// succeeded, copies it to the notify sinks.
type MultiOrderSink struct {
	primary NamedOrderSink
	notify  []NamedOrderSink
	logger  *zap.Logger
}

// NewMultiOrderSink creates a fan-out sink around the primary commit point
func NewMultiOrderSink(logger *zap.Logger, primary NamedOrderSink, notify ...NamedOrderSink) *MultiOrderSink {
	return &MultiOrderSink{
		primary: primary,
		notify:  notify,
		logger:  logger,
	}
}

// Submit stores the order in the primary sink. Its error is the only one
// returned; an order that failed there reaches no other sink. Notify sinks
// run after the commit and their failures are logged.
func (m *MultiOrderSink) Submit(ctx context.Context, order *entities.Order) error {
	if err := m.primary.Sink.Submit(ctx, order); err != nil {
		m.logger.Error("Failed to commit order",
			zap.String("sink", m.primary.Name),
			zap.String("shop", order.Shop),
			zap.String("callID", order.CallID),
			zap.Error(err))
		return fmt.Errorf("%s: %w", m.primary.Name, err)
	}
	m.logger.Debug("Order committed",
		zap.String("sink", m.primary.Name),
		zap.String("orderID", order.ID))

	// The caller may already be near its deadline; the order is committed.
	notifyCtx := context.WithoutCancel(ctx)
	for _, s := range m.notify {
		if err := s.Sink.Submit(notifyCtx, order); err != nil {
			m.logger.Warn("Failed to notify order sink",
				zap.String("sink", s.Name),
				zap.String("orderID", order.ID),
				zap.Error(err))
			continue
		}
		m.logger.Debug("Order delivered",
			zap.String("sink", s.Name),
			zap.String("orderID", order.ID))
	}
	return nil
}

// Names lists the configured sinks, primary first
func (m *MultiOrderSink) Names() []string {
	names := make([]string, 0, len(m.notify)+1)
	names = append(names, m.primary.Name)
	for _, s := range m.notify {
		names = append(names, s.Name)
	}
	return names
}
