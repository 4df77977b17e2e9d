package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type StockItemID int64

type ItemKind string

const (
	ItemKindProduct          ItemKind = "PRODUCT"
	ItemKindPackagingVariant ItemKind = "PACKAGING_VARIANT"
)

const DefaultAlertThreshold int64 = 20

func (k ItemKind) Valid() bool {
	return k == ItemKindProduct || k == ItemKindPackagingVariant
}

// StockItem is a trackable unit of on-hand inventory. Quantity only moves
// through applied events.
type StockItem struct {
	ID   StockItemID
	Kind ItemKind

	// Ref is the product reference, or the packaging type for variants.
	Ref     string
	Variant string
	Name    string

	// TaxonomyRef is the category (products) or packaging type (variants) key.
	TaxonomyRef string

	Quantity       int64
	AlertThreshold int64
	ExpiryDate     *time.Time
	UnitCost       decimal.Decimal
	SellingPrice   decimal.Decimal

	Retired   bool
	Version   int64 // optimistic locking
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LogicalKey identifies an item independent of its id.
func (s StockItem) LogicalKey() string {
	return LogicalKey(s.Kind, s.Ref, s.Variant)
}

func LogicalKey(kind ItemKind, ref, variant string) string {
	return fmt.Sprintf("%s:%s:%s", kind, strings.ToLower(strings.TrimSpace(ref)), strings.ToLower(strings.TrimSpace(variant)))
}

func (s StockItem) IsLowStock() bool {
	return s.Quantity <= s.AlertThreshold
}

// Headroom is how far the item sits above its alert threshold; negative or
// zero means low stock.
func (s StockItem) Headroom() int64 {
	return s.Quantity - s.AlertThreshold
}

type RegisterInput struct {
	Kind           ItemKind
	Ref            string
	Variant        string
	Name           string
	TaxonomyRef    string
	InitialQty     int64
	AlertThreshold *int64
	ExpiryDate     *time.Time
	UnitCost       decimal.Decimal
	SellingPrice   decimal.Decimal
	ActorID        string
}

func (in RegisterInput) Validate() error {
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, in.Kind)
	}
	if strings.TrimSpace(in.Ref) == "" {
		return fmt.Errorf("%w: ref required", ErrInvalidItem)
	}
	if in.Kind == ItemKindPackagingVariant && strings.TrimSpace(in.Variant) == "" {
		return fmt.Errorf("%w: packaging variant name required", ErrInvalidItem)
	}
	if in.Kind == ItemKindPackagingVariant && in.ExpiryDate != nil {
		return fmt.Errorf("%w: expiry date only applies to products", ErrInvalidItem)
	}
	if in.InitialQty < 0 {
		return fmt.Errorf("%w: initial quantity must be >= 0", ErrInvalidItem)
	}
	if in.AlertThreshold != nil && *in.AlertThreshold < 0 {
		return fmt.Errorf("%w: alert threshold must be >= 0", ErrInvalidItem)
	}
	if in.UnitCost.IsNegative() || in.SellingPrice.IsNegative() {
		return fmt.Errorf("%w: prices must be >= 0", ErrInvalidItem)
	}
	return nil
}

// Alert is raised when an item crosses into low stock.
type Alert struct {
	ItemID    StockItemID
	Kind      ItemKind
	Name      string
	Quantity  int64
	Threshold int64
	RaisedAt  time.Time
}
