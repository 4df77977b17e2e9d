package handler

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

// Request and response bodies shared by the HTTP and gRPC transports.

type RegisterItemRequest struct {
	Kind           string           `json:"kind" validate:"required,oneof=PRODUCT PACKAGING_VARIANT"`
	Ref            string           `json:"ref" validate:"required,max=191"`
	Variant        string           `json:"variant" validate:"required_if=Kind PACKAGING_VARIANT,max=191"`
	Name           string           `json:"name" validate:"max=255"`
	TaxonomyRef    string           `json:"taxonomy_ref" validate:"max=191"`
	InitialQty     int64            `json:"initial_quantity" validate:"gte=0"`
	AlertThreshold *int64           `json:"alert_threshold" validate:"omitempty,gte=0"`
	ExpiryDate     *time.Time       `json:"expiry_date"`
	UnitCost       *decimal.Decimal `json:"unit_cost"`
	SellingPrice   *decimal.Decimal `json:"selling_price"`
	ActorID        string           `json:"actor_id"`
}

func (r RegisterItemRequest) toInput() domain.RegisterInput {
	in := domain.RegisterInput{
		Kind:           domain.ItemKind(r.Kind),
		Ref:            r.Ref,
		Variant:        r.Variant,
		Name:           r.Name,
		TaxonomyRef:    r.TaxonomyRef,
		InitialQty:     r.InitialQty,
		AlertThreshold: r.AlertThreshold,
		ExpiryDate:     r.ExpiryDate,
		ActorID:        r.ActorID,
	}
	if r.UnitCost != nil {
		in.UnitCost = *r.UnitCost
	}
	if r.SellingPrice != nil {
		in.SellingPrice = *r.SellingPrice
	}
	return in
}

type ItemRequest struct {
	ItemID int64 `json:"item_id" validate:"required,gt=0"`
}

type ThresholdRequest struct {
	ItemID    int64  `json:"item_id"`
	Threshold *int64 `json:"threshold" validate:"required,gte=0"`
}

type RestockRequest struct {
	ItemID    int64  `json:"item_id"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
	Note      string `json:"note" validate:"max=512"`
	ActorID   string `json:"actor_id"`
	RequestID string `json:"request_id" validate:"max=128"`
}

type DamageRequest struct {
	ItemID    int64  `json:"item_id"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
	Reason    string `json:"reason" validate:"required,max=512"`
	ActorID   string `json:"actor_id"`
	RequestID string `json:"request_id" validate:"max=128"`
}

type SaleLineRequest struct {
	ItemID   int64 `json:"item_id" validate:"required,gt=0"`
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

type RecordSaleRequest struct {
	Lines     []SaleLineRequest `json:"lines" validate:"required,min=1,dive"`
	ActorID   string            `json:"actor_id"`
	RequestID string            `json:"request_id" validate:"max=128"`
}

func (r RecordSaleRequest) toInput() service.RecordSaleInput {
	in := service.RecordSaleInput{ActorID: r.ActorID, RequestID: r.RequestID}
	for _, l := range r.Lines {
		in.Lines = append(in.Lines, domain.SaleLine{ItemID: domain.StockItemID(l.ItemID), Quantity: l.Quantity})
	}
	return in
}

type SaleRequest struct {
	SaleID uuid.UUID `json:"sale_id"`
}

type ReturnRequest struct {
	SaleItemID uuid.UUID `json:"sale_item_id"`
	Quantity   int64     `json:"quantity" validate:"required,gt=0"`
	Reason     string    `json:"reason" validate:"max=512"`
	ActorID    string    `json:"actor_id"`
}

type CancelRequest struct {
	SaleID  uuid.UUID `json:"sale_id"`
	Reason  string    `json:"reason" validate:"required,max=512"`
	ActorID string    `json:"actor_id"`
}

type LowStockRequest struct {
	Kind string `json:"kind" validate:"omitempty,oneof=PRODUCT PACKAGING_VARIANT"`
}

// ActivityRequest covers [From, To). Both bounds default to the current UTC day.
type ActivityRequest struct {
	ItemID int64      `json:"item_id" validate:"required,gt=0"`
	From   *time.Time `json:"from"`
	To     *time.Time `json:"to"`
}

func (r ActivityRequest) window(now time.Time) (time.Time, time.Time) {
	from, to := currentDay(now)
	if r.From != nil {
		from = *r.From
	}
	if r.To != nil {
		to = *r.To
	}
	return from, to
}

func currentDay(now time.Time) (time.Time, time.Time) {
	from := now.UTC().Truncate(24 * time.Hour)
	return from, from.Add(24 * time.Hour)
}

type ItemResponse struct {
	ID             int64           `json:"id"`
	Kind           string          `json:"kind"`
	Ref            string          `json:"ref"`
	Variant        string          `json:"variant,omitempty"`
	Name           string          `json:"name"`
	TaxonomyRef    string          `json:"taxonomy_ref,omitempty"`
	Quantity       int64           `json:"quantity"`
	AlertThreshold int64           `json:"alert_threshold"`
	LowStock       bool            `json:"low_stock"`
	ExpiryDate     *time.Time      `json:"expiry_date,omitempty"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	SellingPrice   decimal.Decimal `json:"selling_price"`
	Retired        bool            `json:"retired"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func newItemResponse(it domain.StockItem) ItemResponse {
	return ItemResponse{
		ID:             int64(it.ID),
		Kind:           string(it.Kind),
		Ref:            it.Ref,
		Variant:        it.Variant,
		Name:           it.Name,
		TaxonomyRef:    it.TaxonomyRef,
		Quantity:       it.Quantity,
		AlertThreshold: it.AlertThreshold,
		LowStock:       it.IsLowStock(),
		ExpiryDate:     it.ExpiryDate,
		UnitCost:       it.UnitCost,
		SellingPrice:   it.SellingPrice,
		Retired:        it.Retired,
		Version:        it.Version,
		CreatedAt:      it.CreatedAt,
		UpdatedAt:      it.UpdatedAt,
	}
}

type ItemListResponse struct {
	Items []ItemResponse `json:"items"`
}

type QuantityResponse struct {
	ItemID   int64 `json:"item_id"`
	Quantity int64 `json:"quantity"`
}

type LowStockResponse struct {
	ItemID   int64 `json:"item_id"`
	LowStock bool  `json:"low_stock"`
}

type VerifyResponse struct {
	ItemID     int64 `json:"item_id"`
	Consistent bool  `json:"consistent"`
}

type EmptyResponse struct{}

type SaleItemResponse struct {
	ID               uuid.UUID       `json:"id"`
	StockItemID      int64           `json:"stock_item_id"`
	Quantity         int64           `json:"quantity"`
	ReturnedQuantity int64           `json:"returned_quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	ReturnReason     string          `json:"return_reason,omitempty"`
}

type CancellationResponse struct {
	ActorID     string    `json:"actor_id,omitempty"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type SaleResponse struct {
	ID           uuid.UUID             `json:"id"`
	Status       string                `json:"status"`
	ActorID      string                `json:"actor_id,omitempty"`
	TotalAmount  decimal.Decimal       `json:"total_amount"`
	Items        []SaleItemResponse    `json:"items"`
	Cancellation *CancellationResponse `json:"cancellation,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

func newSaleResponse(s domain.Sale) SaleResponse {
	resp := SaleResponse{
		ID:          s.ID,
		Status:      string(s.Status()),
		ActorID:     s.ActorID,
		TotalAmount: s.TotalAmount,
		Items:       make([]SaleItemResponse, 0, len(s.Items)),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	for _, it := range s.Items {
		resp.Items = append(resp.Items, SaleItemResponse{
			ID:               it.ID,
			StockItemID:      int64(it.StockItemID),
			Quantity:         it.Quantity,
			ReturnedQuantity: it.ReturnedQuantity,
			UnitPrice:        it.UnitPrice,
			ReturnReason:     it.ReturnReason,
		})
	}
	if c := s.Cancellation; c != nil {
		resp.Cancellation = &CancellationResponse{ActorID: c.ActorID, Reason: c.Reason, CancelledAt: c.CancelledAt}
	}
	return resp
}

type EventResponse struct {
	Seq       int64           `json:"seq"`
	ItemSeq   int64           `json:"item_seq"`
	Kind      string          `json:"kind"`
	Delta     int64           `json:"delta"`
	Timestamp time.Time       `json:"timestamp"`
	ActorID   string          `json:"actor_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	SaleID    *uuid.UUID      `json:"sale_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
}

type HistoryResponse struct {
	ItemID int64           `json:"item_id"`
	Events []EventResponse `json:"events"`
}

func newHistoryResponse(id domain.StockItemID, events []domain.InventoryEvent) HistoryResponse {
	resp := HistoryResponse{ItemID: int64(id), Events: make([]EventResponse, 0, len(events))}
	for _, ev := range events {
		e := EventResponse{
			Seq:       ev.Seq,
			ItemSeq:   ev.ItemSeq,
			Kind:      string(ev.Kind),
			Delta:     ev.Delta,
			Timestamp: ev.Timestamp,
			ActorID:   ev.ActorID,
			Reason:    ev.Reason,
			Amount:    ev.Amount,
		}
		if ev.SaleID != uuid.Nil {
			id := ev.SaleID
			e.SaleID = &id
		}
		resp.Events = append(resp.Events, e)
	}
	return resp
}

type ActivityResponse struct {
	ItemID    int64     `json:"item_id"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Restocked int64     `json:"restocked"`
	Sold      int64     `json:"sold"`
	Returned  int64     `json:"returned"`
	Reversed  int64     `json:"reversed"`
	Damaged   int64     `json:"damaged"`
	NetSold   int64     `json:"net_sold"`
}

func newActivityResponse(a domain.Activity) ActivityResponse {
	return ActivityResponse{
		ItemID:    int64(a.ItemID),
		From:      a.From,
		To:        a.To,
		Restocked: a.Restocked,
		Sold:      a.Sold,
		Returned:  a.Returned,
		Reversed:  a.Reversed,
		Damaged:   a.Damaged,
		NetSold:   a.NetSold(),
	}
}

type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}
