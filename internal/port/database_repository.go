package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// Commit is everything one engine operation changes, persisted atomically.
type Commit struct {
	Events []domain.InventoryEvent

	// Items carry the post-commit quantity and version. The previous version
	// is Version-1 and is used as the optimistic lock guard.
	Items []domain.StockItem

	Sale *domain.Sale
}

type DatabaseRepository interface {
	// CreateStockItem persists a newly registered item
	CreateStockItem(ctx context.Context, item domain.StockItem) error

	// UpdateStockItem persists threshold and retirement changes
	UpdateStockItem(ctx context.Context, item domain.StockItem) error

	// DeleteStockItem removes an item that has no event history
	DeleteStockItem(ctx context.Context, id domain.StockItemID) error

	// CommitLedger writes events, item quantities and sale state in one transaction
	CommitLedger(ctx context.Context, commit Commit) error

	// LoadStockItems returns every persisted item ordered by id
	LoadStockItems(ctx context.Context) ([]domain.StockItem, error)

	// LoadEvents returns every committed event in commit order
	LoadEvents(ctx context.Context) ([]domain.InventoryEvent, error)

	// LoadSales returns every persisted sale with its items and cancellation
	LoadSales(ctx context.Context) ([]domain.Sale, error)
}
