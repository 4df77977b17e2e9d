package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SaleStatus string

const (
	SaleStatusCompleted       SaleStatus = "COMPLETED"
	SaleStatusPartialReturned SaleStatus = "PARTIAL_RETURNED"
	SaleStatusReturned        SaleStatus = "RETURNED"
	SaleStatusCancelled       SaleStatus = "CANCELLED"
)

func (s SaleStatus) Terminal() bool {
	return s == SaleStatusReturned || s == SaleStatusCancelled
}

type SaleLine struct {
	ItemID   StockItemID
	Quantity int64
}

type SaleItem struct {
	ID               uuid.UUID
	SaleID           uuid.UUID
	StockItemID      StockItemID
	Quantity         int64
	ReturnedQuantity int64
	UnitPrice        decimal.Decimal
	ReturnReason     string
}

func (i SaleItem) Remaining() int64 {
	return i.Quantity - i.ReturnedQuantity
}

type SaleCancellation struct {
	SaleID      uuid.UUID
	ActorID     string
	Reason      string
	CancelledAt time.Time
}

type Sale struct {
	ID           uuid.UUID
	ActorID      string
	Items        []SaleItem
	TotalAmount  decimal.Decimal
	Cancellation *SaleCancellation
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Status is derived from the items and the cancellation record; it is never
// stored independently.
func (s Sale) Status() SaleStatus {
	if s.Cancellation != nil {
		return SaleStatusCancelled
	}
	var original, returned int64
	for _, it := range s.Items {
		original += it.Quantity
		returned += it.ReturnedQuantity
	}
	switch {
	case returned == 0:
		return SaleStatusCompleted
	case returned >= original:
		return SaleStatusReturned
	default:
		return SaleStatusPartialReturned
	}
}

// Clone returns a deep copy safe to hand out of the service.
func (s Sale) Clone() Sale {
	out := s
	out.Items = make([]SaleItem, len(s.Items))
	copy(out.Items, s.Items)
	if s.Cancellation != nil {
		c := *s.Cancellation
		out.Cancellation = &c
	}
	return out
}
