package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventRestock            EventKind = "RESTOCK"
	EventSaleDeduct         EventKind = "SALE_DEDUCT"
	EventSaleReturn         EventKind = "SALE_RETURN"
	EventSaleCancelReversal EventKind = "SALE_CANCEL_REVERSAL"
	EventDamageWriteOff     EventKind = "DAMAGE_WRITE_OFF"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventRestock, EventSaleDeduct, EventSaleReturn, EventSaleCancelReversal, EventDamageWriteOff:
		return true
	}
	return false
}

// Inbound reports whether the kind adds stock.
func (k EventKind) Inbound() bool {
	return k == EventRestock || k == EventSaleReturn || k == EventSaleCancelReversal
}

func (k EventKind) RequiresReason() bool {
	return k == EventDamageWriteOff || k == EventSaleCancelReversal
}

// InventoryEvent is an immutable record of a committed quantity change.
type InventoryEvent struct {
	Seq       int64
	ItemSeq   int64
	ItemID    StockItemID
	Kind      EventKind
	Delta     int64
	Timestamp time.Time
	ActorID   string
	Reason    string
	SaleID    uuid.UUID
	RequestID string
	Amount    decimal.Decimal
}

// CheckShape validates the event in isolation: kind, delta sign and reason.
func (e InventoryEvent) CheckShape() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.Delta == 0 {
		return fmt.Errorf("%w: zero delta", ErrInvalidEvent)
	}
	if e.Kind.Inbound() && e.Delta < 0 {
		return fmt.Errorf("%w: %s requires a positive delta, got %d", ErrInvalidEvent, e.Kind, e.Delta)
	}
	if !e.Kind.Inbound() && e.Delta > 0 {
		return fmt.Errorf("%w: %s requires a negative delta, got %d", ErrInvalidEvent, e.Kind, e.Delta)
	}
	if e.Kind.RequiresReason() && strings.TrimSpace(e.Reason) == "" {
		return fmt.Errorf("%w: %s requires a reason", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Activity sums movements for one item over a time window.
type Activity struct {
	ItemID    StockItemID
	From      time.Time
	To        time.Time
	Restocked int64
	Sold      int64
	Returned  int64
	Reversed  int64
	Damaged   int64
}

// NetSold is units sold minus units that came back through returns and
// cancellations.
func (a Activity) NetSold() int64 {
	return a.Sold - a.Returned - a.Reversed
}
