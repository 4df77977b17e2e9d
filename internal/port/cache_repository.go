package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type CacheRepository interface {
	// MirrorStock stores the committed quantity, ignoring versions older than the cached one
	MirrorStock(ctx context.Context, items []domain.StockItem) error

	// GetStock reads the mirrored quantity, ok is false when the item is not cached
	GetStock(ctx context.Context, id domain.StockItemID) (qty int64, ok bool, err error)

	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency removes a key so a rejected request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error
}
