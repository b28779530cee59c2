// Package engine composes the gateway components into one service.
// The API layer interacts with the gateway only through the Service interface.
package engine

import (
	"context"

	"venue-gateway/internal/gateway"
	"venue-gateway/internal/order"
	"venue-gateway/pkg/db"
)

// Service defines the gateway operations exposed to the API layer.
type Service interface {
	// Connection
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)
	Reconnect(ctx context.Context) error
	GatewayStatus() gateway.Status

	// Orders
	SubmitOrder(ctx context.Context, userID string, req order.Request) (order.Order, error)
	CancelOrder(ctx context.Context, userID, orderRef string) error

	// Queries
	ListOrders(ctx context.Context, userID string, f db.OrderFilter) ([]db.Order, error)
	ListTrades(ctx context.Context, userID string, f db.TradeFilter) ([]db.Trade, error)
	ListPositions(ctx context.Context, userID string) ([]db.Position, error)

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
