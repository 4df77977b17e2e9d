package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func newTestService(t *testing.T) *InventoryService {
	t.Helper()
	return NewInventoryService(nil, nil, nil, ServiceConfig{})
}

func threshold(v int64) *int64 { return &v }

func registerProduct(t *testing.T, svc *InventoryService, ref string, qty, alert int64) domain.StockItem {
	t.Helper()
	item, err := svc.RegisterStockItem(context.Background(), domain.RegisterInput{
		Kind:           domain.ItemKindProduct,
		Ref:            ref,
		TaxonomyRef:    "drinks",
		InitialQty:     qty,
		AlertThreshold: threshold(alert),
		UnitCost:       decimal.RequireFromString("1.50"),
		SellingPrice:   decimal.RequireFromString("4.00"),
	})
	require.NoError(t, err)
	return item
}

func registerPackaging(t *testing.T, svc *InventoryService, typ, variant string, qty, alert int64) domain.StockItem {
	t.Helper()
	item, err := svc.RegisterStockItem(context.Background(), domain.RegisterInput{
		Kind:           domain.ItemKindPackagingVariant,
		Ref:            typ,
		Variant:        variant,
		TaxonomyRef:    typ,
		InitialQty:     qty,
		AlertThreshold: threshold(alert),
		UnitCost:       decimal.RequireFromString("0.10"),
	})
	require.NoError(t, err)
	return item
}

func quantityOf(t *testing.T, svc *InventoryService, id domain.StockItemID) int64 {
	t.Helper()
	item, err := svc.GetStockItem(context.Background(), id)
	require.NoError(t, err)
	return item.Quantity
}

func requireReplayHolds(t *testing.T, svc *InventoryService, ids ...domain.StockItemID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, svc.Verify(context.Background(), id))
	}
}

func decimalInt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }
