package api

import (
	"github.com/tiendavoz/voicebridge/domain/entities"
	"github.com/tiendavoz/voicebridge/internal/websocket"
)

// HealthResponse represents the health check payload
type HealthResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// ShopsResponse lists the shops the service answers for
type ShopsResponse struct {
	Shops      []*entities.Shop `json:"shops"`
	Restricted bool             `json:"restricted"`
}

// OrdersResponse lists recent orders for a shop
type OrdersResponse struct {
	Shop   string            `json:"shop"`
	Orders []*entities.Order `json:"orders"`
}

// CallsResponse lists the calls currently bridged
type CallsResponse struct {
	Calls []websocket.CallSummary `json:"calls"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
