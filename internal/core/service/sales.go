package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type RecordSaleInput struct {
	Lines     []domain.SaleLine
	ActorID   string
	RequestID string
}

type ReturnInput struct {
	SaleItemID uuid.UUID
	Quantity   int64
	Reason     string
	ActorID    string
}

type CancelInput struct {
	SaleID  uuid.UUID
	Reason  string
	ActorID string
}

// saleBook owns sales and indexes their items.
type saleBook struct {
	mu     sync.RWMutex
	sales  map[uuid.UUID]*domain.Sale
	byItem map[uuid.UUID]uuid.UUID
}

func newSaleBook() *saleBook {
	return &saleBook{
		sales:  make(map[uuid.UUID]*domain.Sale),
		byItem: make(map[uuid.UUID]uuid.UUID),
	}
}

func (b *saleBook) get(id uuid.UUID) (domain.Sale, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sale, ok := b.sales[id]
	if !ok {
		return domain.Sale{}, fmt.Errorf("%w: %s", domain.ErrSaleNotFound, id)
	}
	return sale.Clone(), nil
}

func (b *saleBook) saleOf(saleItemID uuid.UUID) (uuid.UUID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, ok := b.byItem[saleItemID]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", domain.ErrSaleItemNotFound, saleItemID)
	}
	return id, nil
}

func (b *saleBook) put(sale domain.Sale) {
	stored := sale.Clone()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.sales[stored.ID] = &stored
	for _, it := range stored.Items {
		b.byItem[it.ID] = stored.ID
	}
}

func (b *saleBook) restore(sales []domain.Sale) {
	b.mu.Lock()
	b.sales = make(map[uuid.UUID]*domain.Sale, len(sales))
	b.byItem = make(map[uuid.UUID]uuid.UUID)
	b.mu.Unlock()

	for _, s := range sales {
		b.put(s)
	}
}

func (s *InventoryService) GetSale(ctx context.Context, id uuid.UUID) (domain.Sale, error) {
	return s.sales.get(id)
}

// RecordSale deducts every line or none. Unit prices are taken from the
// items' selling prices at the time of sale.
func (s *InventoryService) RecordSale(ctx context.Context, in RecordSaleInput) (domain.Sale, error) {
	ctx, span := s.tracer.Start(ctx, "sale.record")
	defer span.End()

	if len(in.Lines) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: sale has no lines", domain.ErrInvalidEvent)
	}

	undo, err := s.claim(ctx, "sale", in.RequestID)
	if err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.recordSale(ctx, in)
	if err != nil {
		undo()
		return domain.Sale{}, err
	}

	span.SetAttributes(attribute.String("sale.id", sale.ID.String()))
	s.logger.Info("sale recorded",
		zap.String("sale_id", sale.ID.String()),
		zap.Int("lines", len(sale.Items)),
		zap.String("total", sale.TotalAmount.StringFixed(2)),
	)
	return sale, nil
}

func (s *InventoryService) recordSale(ctx context.Context, in RecordSaleInput) (domain.Sale, error) {
	now := s.now().UTC()
	sale := domain.Sale{
		ID:          uuid.New(),
		ActorID:     in.ActorID,
		TotalAmount: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	events := make([]domain.InventoryEvent, 0, len(in.Lines))
	for _, line := range in.Lines {
		if line.Quantity <= 0 {
			return domain.Sale{}, fmt.Errorf("%w: line quantity must be positive, got %d", domain.ErrInvalidEvent, line.Quantity)
		}
		item, err := s.registry.Get(line.ItemID)
		if err != nil {
			return domain.Sale{}, err
		}
		amount := item.SellingPrice.Mul(decimal.NewFromInt(line.Quantity))
		sale.Items = append(sale.Items, domain.SaleItem{
			ID:          uuid.New(),
			SaleID:      sale.ID,
			StockItemID: item.ID,
			Quantity:    line.Quantity,
			UnitPrice:   item.SellingPrice,
		})
		sale.TotalAmount = sale.TotalAmount.Add(amount)
		events = append(events, domain.InventoryEvent{
			ItemID:    item.ID,
			Kind:      domain.EventSaleDeduct,
			Delta:     -line.Quantity,
			ActorID:   in.ActorID,
			SaleID:    sale.ID,
			RequestID: in.RequestID,
			Amount:    amount,
		})
	}

	if _, err := s.engine.run(ctx, events, &sale); err != nil {
		return domain.Sale{}, err
	}
	s.sales.put(sale)
	return sale.Clone(), nil
}

// ReturnItem brings qty units of one sale line back into stock.
func (s *InventoryService) ReturnItem(ctx context.Context, in ReturnInput) (domain.Sale, error) {
	ctx, span := s.tracer.Start(ctx, "sale.return")
	defer span.End()

	if in.Quantity <= 0 {
		return domain.Sale{}, fmt.Errorf("%w: quantity must be positive, got %d", domain.ErrInvalidReturnQuantity, in.Quantity)
	}
	saleID, err := s.sales.saleOf(in.SaleItemID)
	if err != nil {
		return domain.Sale{}, err
	}

	release, err := s.saleLocks.acquire(ctx, saleID.String())
	if err != nil {
		return domain.Sale{}, err
	}
	defer release()

	sale, err := s.sales.get(saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	if status := sale.Status(); status.Terminal() {
		return domain.Sale{}, fmt.Errorf("%w: cannot return items of a %s sale", domain.ErrInvalidStateTransition, status)
	}

	idx := -1
	for i, it := range sale.Items {
		if it.ID == in.SaleItemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.Sale{}, fmt.Errorf("%w: %s", domain.ErrSaleItemNotFound, in.SaleItemID)
	}
	line := sale.Items[idx]
	if in.Quantity > line.Remaining() {
		return domain.Sale{}, fmt.Errorf("%w: requested %d, returnable %d", domain.ErrInvalidReturnQuantity, in.Quantity, line.Remaining())
	}

	updated := sale.Clone()
	updated.Items[idx].ReturnedQuantity += in.Quantity
	if in.Reason != "" {
		updated.Items[idx].ReturnReason = in.Reason
	}
	updated.UpdatedAt = s.now().UTC()

	event := domain.InventoryEvent{
		ItemID:  line.StockItemID,
		Kind:    domain.EventSaleReturn,
		Delta:   in.Quantity,
		ActorID: in.ActorID,
		Reason:  in.Reason,
		SaleID:  sale.ID,
		Amount:  line.UnitPrice.Mul(decimal.NewFromInt(in.Quantity)),
	}
	if _, err := s.engine.run(ctx, []domain.InventoryEvent{event}, &updated); err != nil {
		return domain.Sale{}, err
	}
	s.sales.put(updated)

	s.logger.Info("sale item returned",
		zap.String("sale_id", sale.ID.String()),
		zap.String("sale_item_id", in.SaleItemID.String()),
		zap.Int64("quantity", in.Quantity),
		zap.String("status", string(updated.Status())),
	)
	return updated.Clone(), nil
}

// CancelSale puts every unreturned unit back into stock and closes the sale.
func (s *InventoryService) CancelSale(ctx context.Context, in CancelInput) (domain.Sale, error) {
	ctx, span := s.tracer.Start(ctx, "sale.cancel")
	defer span.End()

	if strings.TrimSpace(in.Reason) == "" {
		return domain.Sale{}, fmt.Errorf("%w: cancellation requires a reason", domain.ErrInvalidEvent)
	}

	release, err := s.saleLocks.acquire(ctx, in.SaleID.String())
	if err != nil {
		return domain.Sale{}, err
	}
	defer release()

	sale, err := s.sales.get(in.SaleID)
	if err != nil {
		return domain.Sale{}, err
	}
	if status := sale.Status(); status != domain.SaleStatusCompleted && status != domain.SaleStatusPartialReturned {
		return domain.Sale{}, fmt.Errorf("%w: cannot cancel a %s sale", domain.ErrInvalidStateTransition, status)
	}

	now := s.now().UTC()
	updated := sale.Clone()
	updated.Cancellation = &domain.SaleCancellation{
		SaleID:      sale.ID,
		ActorID:     in.ActorID,
		Reason:      in.Reason,
		CancelledAt: now,
	}
	updated.UpdatedAt = now

	var events []domain.InventoryEvent
	for _, it := range sale.Items {
		remaining := it.Remaining()
		if remaining == 0 {
			continue
		}
		events = append(events, domain.InventoryEvent{
			ItemID:  it.StockItemID,
			Kind:    domain.EventSaleCancelReversal,
			Delta:   remaining,
			ActorID: in.ActorID,
			Reason:  in.Reason,
			SaleID:  sale.ID,
			Amount:  it.UnitPrice.Mul(decimal.NewFromInt(remaining)),
		})
	}

	if _, err := s.engine.run(ctx, events, &updated); err != nil {
		return domain.Sale{}, err
	}
	s.sales.put(updated)

	s.logger.Info("sale cancelled",
		zap.String("sale_id", sale.ID.String()),
		zap.Int("reversed_lines", len(events)),
	)
	return updated.Clone(), nil
}
