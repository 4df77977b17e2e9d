package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func TestRecordSale_LowStockAfterLargeSale(t *testing.T) {
	svc := newTestService(t)
	item := registerProduct(t, svc, "cola", 50, 20)

	sale, err := svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: item.ID, Quantity: 45}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCompleted, sale.Status())
	assert.True(t, sale.TotalAmount.Equal(decimalInt(180)))

	assert.Equal(t, int64(5), quantityOf(t, svc, item.ID))
	low, err := svc.IsLowStock(context.Background(), item.ID)
	require.NoError(t, err)
	assert.True(t, low)

	_, err = svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: item.ID, Quantity: 10}},
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, int64(5), quantityOf(t, svc, item.ID))
	requireReplayHolds(t, svc, item.ID)
}

func TestRecordSale_AllOrNothing(t *testing.T) {
	svc := newTestService(t)
	a := registerProduct(t, svc, "cola", 10, 0)
	b := registerPackaging(t, svc, "box", "small", 1, 0)

	_, err := svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 3}, {ItemID: b.ID, Quantity: 2}},
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	assert.Equal(t, int64(10), quantityOf(t, svc, a.ID))
	assert.Equal(t, int64(1), quantityOf(t, svc, b.ID))
	history, _ := svc.History(context.Background(), a.ID)
	assert.Len(t, history, 1)
}

func TestRecordSale_RejectsBadLines(t *testing.T) {
	svc := newTestService(t)
	a := registerProduct(t, svc, "cola", 10, 0)

	_, err := svc.RecordSale(context.Background(), RecordSaleInput{})
	require.ErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 0}},
	})
	require.ErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 1}, {ItemID: 404, Quantity: 1}},
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int64(10), quantityOf(t, svc, a.ID))
}

func TestRecordSale_DuplicateRequest(t *testing.T) {
	for _, tc := range []struct {
		name  string
		cache *mockCacheRepo
	}{
		{"in memory", nil},
		{"cache", newMockCacheRepo()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var svc *InventoryService
			if tc.cache != nil {
				svc = NewInventoryService(nil, tc.cache, nil, ServiceConfig{})
			} else {
				svc = newTestService(t)
			}
			a := registerProduct(t, svc, "cola", 10, 0)
			in := RecordSaleInput{
				Lines:     []domain.SaleLine{{ItemID: a.ID, Quantity: 2}},
				RequestID: "req-1",
			}

			_, err := svc.RecordSale(context.Background(), in)
			require.NoError(t, err)
			_, err = svc.RecordSale(context.Background(), in)
			require.ErrorIs(t, err, domain.ErrDuplicateRequest)
			assert.Equal(t, int64(8), quantityOf(t, svc, a.ID))
		})
	}
}

func TestRecordSale_RejectedRequestCanBeRetried(t *testing.T) {
	svc := newTestService(t)
	a := registerProduct(t, svc, "cola", 1, 0)
	in := RecordSaleInput{
		Lines:     []domain.SaleLine{{ItemID: a.ID, Quantity: 2}},
		RequestID: "req-1",
	}

	_, err := svc.RecordSale(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = svc.RecordRestock(context.Background(), RestockInput{ItemID: a.ID, Quantity: 5})
	require.NoError(t, err)

	_, err = svc.RecordSale(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(4), quantityOf(t, svc, a.ID))
}

func TestReturnItem_TwoItemSale(t *testing.T) {
	svc := newTestService(t)
	a := registerProduct(t, svc, "cola", 10, 0)
	b := registerProduct(t, svc, "chips", 10, 0)

	sale, err := svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 3}, {ItemID: b.ID, Quantity: 2}},
	})
	require.NoError(t, err)
	require.Len(t, sale.Items, 2)

	sale, err = svc.ReturnItem(context.Background(), ReturnInput{SaleItemID: sale.Items[0].ID, Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPartialReturned, sale.Status())
	assert.Equal(t, int64(10), quantityOf(t, svc, a.ID))

	sale, err = svc.ReturnItem(context.Background(), ReturnInput{SaleItemID: sale.Items[1].ID, Quantity: 2, Reason: "unopened"})
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusReturned, sale.Status())
	assert.Equal(t, "unopened", sale.Items[1].ReturnReason)
	assert.Equal(t, int64(10), quantityOf(t, svc, b.ID))

	stored, err := svc.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusReturned, stored.Status())

	_, err = svc.ReturnItem(context.Background(), ReturnInput{SaleItemID: sale.Items[1].ID, Quantity: 1})
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	requireReplayHolds(t, svc, a.ID, b.ID)
}

func TestReturnItem_InvalidQuantity(t *testing.T) {
	svc := newTestService(t)
	a := registerProduct(t, svc, "cola", 10, 0)
	sale, err := svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 3}},
	})
	require.NoError(t, err)
	lineID := sale.Items[0].ID

	_, err = svc.ReturnItem(context.Background(), ReturnInput{SaleItemID: lineID, Quantity: 0})
	require.ErrorIs(t, err, domain.ErrInvalidReturnQuantity)

	_, err = svc.ReturnItem(context.Background(), ReturnInput{SaleItemID: lineID, Quantity: 2})
	require.NoError(t, err)

	_, err = svc.ReturnItem(context.Background(), ReturnInput{SaleItemID: lineID, Quantity: 2})
	require.ErrorIs(t, err, domain.ErrInvalidReturnQuantity)

	_, err = svc.ReturnItem(context.Background(), ReturnInput{SaleItemID: uuid.New(), Quantity: 1})
	require.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, int64(9), quantityOf(t, svc, a.ID))
}

func TestReturnItem_ConcurrentNeverExceedsSold(t *testing.T) {
	svc := newTestService(t)
	a := registerProduct(t, svc, "cola", 10, 0)
	sale, err := svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 5}},
	})
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ReturnItem(context.Background(), ReturnInput{SaleItemID: sale.Items[0].ID, Quantity: 1})
			if err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int64(10), quantityOf(t, svc, a.ID))
	requireReplayHolds(t, svc, a.ID)
}

func TestCancelSale_AfterPartialReturn(t *testing.T) {
	svc := newTestService(t)
	a := registerProduct(t, svc, "cola", 10, 0)
	b := registerProduct(t, svc, "chips", 10, 0)

	sale, err := svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 4}, {ItemID: b.ID, Quantity: 2}},
	})
	require.NoError(t, err)

	_, err = svc.ReturnItem(context.Background(), ReturnInput{SaleItemID: sale.Items[0].ID, Quantity: 1})
	require.NoError(t, err)

	_, err = svc.CancelSale(context.Background(), CancelInput{SaleID: sale.ID})
	require.ErrorIs(t, err, domain.ErrInvalidEvent)

	cancelled, err := svc.CancelSale(context.Background(), CancelInput{SaleID: sale.ID, Reason: "customer left", ActorID: "clerk-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, cancelled.Status())
	require.NotNil(t, cancelled.Cancellation)
	assert.Equal(t, "clerk-1", cancelled.Cancellation.ActorID)

	assert.Equal(t, int64(10), quantityOf(t, svc, a.ID))
	assert.Equal(t, int64(10), quantityOf(t, svc, b.ID))

	history, _ := svc.History(context.Background(), a.ID)
	last := history[len(history)-1]
	assert.Equal(t, domain.EventSaleCancelReversal, last.Kind)
	assert.Equal(t, int64(3), last.Delta)

	_, err = svc.CancelSale(context.Background(), CancelInput{SaleID: sale.ID, Reason: "again"})
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	_, err = svc.ReturnItem(context.Background(), ReturnInput{SaleItemID: sale.Items[1].ID, Quantity: 1})
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	requireReplayHolds(t, svc, a.ID, b.ID)
}

func TestCancelSale_FullyReturnedIsTerminal(t *testing.T) {
	svc := newTestService(t)
	a := registerProduct(t, svc, "cola", 10, 0)
	sale, err := svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 2}},
	})
	require.NoError(t, err)
	_, err = svc.ReturnItem(context.Background(), ReturnInput{SaleItemID: sale.Items[0].ID, Quantity: 2})
	require.NoError(t, err)

	_, err = svc.CancelSale(context.Background(), CancelInput{SaleID: sale.ID, Reason: "late"})
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, err = svc.CancelSale(context.Background(), CancelInput{SaleID: uuid.New(), Reason: "late"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRetiredItem_SaleCannotBeReversed(t *testing.T) {
	svc := newTestService(t)
	a := registerProduct(t, svc, "cola", 10, 0)
	sale, err := svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 4}},
	})
	require.NoError(t, err)

	_, err = svc.RetireStockItem(context.Background(), a.ID)
	require.NoError(t, err)

	_, err = svc.ReturnItem(context.Background(), ReturnInput{SaleItemID: sale.Items[0].ID, Quantity: 1})
	require.ErrorIs(t, err, domain.ErrInvalidEvent)
	_, err = svc.CancelSale(context.Background(), CancelInput{SaleID: sale.ID, Reason: "discontinued"})
	require.ErrorIs(t, err, domain.ErrInvalidEvent)

	stored, err := svc.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCompleted, stored.Status())
	assert.Zero(t, stored.Items[0].ReturnedQuantity)
	assert.Nil(t, stored.Cancellation)
	assert.Equal(t, int64(6), quantityOf(t, svc, a.ID))
	requireReplayHolds(t, svc, a.ID)
}

func TestCancelSale_ConcurrentOverlappingSales(t *testing.T) {
	svc := newTestService(t)
	a := registerProduct(t, svc, "cola", 100, 0)
	b := registerProduct(t, svc, "chips", 100, 0)

	var sales []domain.Sale
	for range 10 {
		sale, err := svc.RecordSale(context.Background(), RecordSaleInput{
			Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 3}, {ItemID: b.ID, Quantity: 2}},
		})
		require.NoError(t, err)
		sales = append(sales, sale)
	}

	var wg sync.WaitGroup
	var cancelled atomic.Int32
	for _, sale := range sales {
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.CancelSale(context.Background(), CancelInput{SaleID: sale.ID, Reason: "void"})
				switch {
				case err == nil:
					cancelled.Add(1)
				case errors.Is(err, domain.ErrInvalidStateTransition):
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
	}
	wg.Wait()

	assert.Equal(t, int32(10), cancelled.Load())
	assert.Equal(t, int64(100), quantityOf(t, svc, a.ID))
	assert.Equal(t, int64(100), quantityOf(t, svc, b.ID))
	requireReplayHolds(t, svc, a.ID, b.ID)
}

func TestSales_PersistedWithCommit(t *testing.T) {
	store := newMockStore()
	svc := NewInventoryService(store, nil, nil, ServiceConfig{})
	a := registerProduct(t, svc, "cola", 10, 0)

	sale, err := svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 2}},
	})
	require.NoError(t, err)
	_, err = svc.CancelSale(context.Background(), CancelInput{SaleID: sale.ID, Reason: "void"})
	require.NoError(t, err)

	stored := store.sales[sale.ID.String()]
	require.NotNil(t, stored.Cancellation)
	assert.Equal(t, domain.SaleStatusCancelled, stored.Status())

	store.setFail(errors.New("deadlock"))
	_, err = svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 2}},
	})
	require.Error(t, err)
	assert.Len(t, store.sales, 1)
	assert.Equal(t, int64(10), quantityOf(t, svc, a.ID))
}

func TestActivity_NetSold(t *testing.T) {
	clock := &fixedClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := NewInventoryService(nil, nil, nil, ServiceConfig{Clock: clock.Now})
	a := registerProduct(t, svc, "cola", 20, 0)

	dayStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clock.Advance(time.Hour)
	sale, err := svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 5}},
	})
	require.NoError(t, err)
	_, err = svc.ReturnItem(context.Background(), ReturnInput{SaleItemID: sale.Items[0].ID, Quantity: 1})
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	_, err = svc.RecordSale(context.Background(), RecordSaleInput{
		Lines: []domain.SaleLine{{ItemID: a.ID, Quantity: 2}},
	})
	require.NoError(t, err)

	act, err := svc.Activity(context.Background(), a.ID, dayStart, dayStart.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(20), act.Restocked)
	assert.Equal(t, int64(5), act.Sold)
	assert.Equal(t, int64(1), act.Returned)
	assert.Equal(t, int64(4), act.NetSold())

	_, err = svc.Activity(context.Background(), a.ID, dayStart, dayStart)
	require.ErrorIs(t, err, domain.ErrInvalidEvent)
}
