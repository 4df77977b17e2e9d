package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type EventPublisher interface {
	// PublishEvents announces committed inventory events
	PublishEvents(ctx context.Context, events []domain.InventoryEvent) error

	// PublishAlerts announces items that just crossed into low stock
	PublishAlerts(ctx context.Context, alerts []domain.Alert) error
}
