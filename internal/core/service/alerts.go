package service

import (
	"cmp"
	"iter"
	"slices"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// AlertEvaluator derives low-stock status from the registry. It keeps no
// state of its own.
type AlertEvaluator struct {
	registry *Registry
}

func NewAlertEvaluator(registry *Registry) *AlertEvaluator {
	return &AlertEvaluator{registry: registry}
}

func IsLowStock(item domain.StockItem) bool {
	return item.IsLowStock()
}

// ListLowStock yields low-stock items, most critical first. The registry is
// read when iteration starts, so each range sees current quantities.
func (a *AlertEvaluator) ListLowStock(kind *domain.ItemKind) iter.Seq[domain.StockItem] {
	return func(yield func(domain.StockItem) bool) {
		var low []domain.StockItem
		for _, item := range a.registry.Snapshot() {
			if item.Retired || !item.IsLowStock() {
				continue
			}
			if kind != nil && item.Kind != *kind {
				continue
			}
			low = append(low, item)
		}

		slices.SortFunc(low, func(x, y domain.StockItem) int {
			if c := cmp.Compare(x.Headroom(), y.Headroom()); c != 0 {
				return c
			}
			return cmp.Compare(x.ID, y.ID)
		})

		for _, item := range low {
			if !yield(item) {
				return
			}
		}
	}
}

// crossings reports items that were above threshold before the commit and
// are at or below it after.
func crossings(before map[domain.StockItemID]domain.StockItem, after []domain.StockItem, at time.Time) []domain.Alert {
	var alerts []domain.Alert
	for _, item := range after {
		prev, ok := before[item.ID]
		if !ok || prev.IsLowStock() || !item.IsLowStock() {
			continue
		}
		alerts = append(alerts, domain.Alert{
			ItemID:    item.ID,
			Kind:      item.Kind,
			Name:      item.Name,
			Quantity:  item.Quantity,
			Threshold: item.AlertThreshold,
			RaisedAt:  at,
		})
	}
	return alerts
}
