package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrItemNotFound     = fmt.Errorf("stock item %w", ErrNotFound)
	ErrSaleNotFound     = fmt.Errorf("sale %w", ErrNotFound)
	ErrSaleItemNotFound = fmt.Errorf("sale item %w", ErrNotFound)

	ErrInvalidEvent           = errors.New("invalid inventory event")
	ErrInvalidItem            = errors.New("invalid stock item")
	ErrInvalidReturnQuantity  = errors.New("invalid return quantity")
	ErrInvalidStateTransition = errors.New("invalid sale state transition")
	ErrItemInUse              = errors.New("stock item referenced by event history")

	ErrInsufficientStock = errors.New("insufficient stock")
	ErrBusy              = errors.New("stock item busy, retry later")
	ErrDuplicateItem     = errors.New("duplicate stock item")
	ErrDuplicateRequest  = errors.New("duplicate request")
)

// ShortageError reports the first line of an operation that would drive an
// item below zero.
type ShortageError struct {
	ItemID    StockItemID
	OnHand    int64
	Requested int64
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("insufficient stock for item %d: on hand %d, requested %d", e.ItemID, e.OnHand, e.Requested)
}

func (e *ShortageError) Unwrap() error {
	return ErrInsufficientStock
}
