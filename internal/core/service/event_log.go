package service

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// EventLog is the append-only history of committed inventory events, kept in
// commit order per item.
type EventLog struct {
	registry *Registry

	mu     sync.RWMutex
	byItem map[domain.StockItemID][]domain.InventoryEvent
	seq    atomic.Int64
}

func NewEventLog(registry *Registry) *EventLog {
	return &EventLog{
		registry: registry,
		byItem:   make(map[domain.StockItemID][]domain.InventoryEvent),
	}
}

// Validate checks the event against its kind and the registry.
func (l *EventLog) Validate(e domain.InventoryEvent) (domain.StockItem, error) {
	if err := e.CheckShape(); err != nil {
		return domain.StockItem{}, err
	}
	item, err := l.registry.Get(e.ItemID)
	if err != nil {
		return domain.StockItem{}, err
	}
	if item.Retired {
		return domain.StockItem{}, fmt.Errorf("%w: item %d is retired", domain.ErrInvalidEvent, e.ItemID)
	}
	return item, nil
}

func (l *EventLog) lastItemSeq(id domain.StockItemID) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.byItem[id]
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].ItemSeq
}

func (l *EventLog) nextSeq() int64 {
	return l.seq.Add(1)
}

// append records events that were already sequenced and persisted. The
// engine holds the exclusion of every item involved.
func (l *EventLog) append(events []domain.InventoryEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range events {
		l.byItem[e.ItemID] = append(l.byItem[e.ItemID], e)
	}
}

// Events returns the item's history in commit order.
func (l *EventLog) Events(id domain.StockItemID) []domain.InventoryEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return slices.Clone(l.byItem[id])
}

func (l *EventLog) HasHistory(id domain.StockItemID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.byItem[id]) > 0
}

// Replay rebuilds the item's quantity from zero.
func (l *EventLog) Replay(id domain.StockItemID) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var qty int64
	for _, e := range l.byItem[id] {
		qty += e.Delta
	}
	return qty
}

// Activity totals movements with from <= timestamp < to.
func (l *EventLog) Activity(id domain.StockItemID, from, to time.Time) domain.Activity {
	act := domain.Activity{ItemID: id, From: from, To: to}

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, e := range l.byItem[id] {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		switch e.Kind {
		case domain.EventRestock:
			act.Restocked += e.Delta
		case domain.EventSaleDeduct:
			act.Sold -= e.Delta
		case domain.EventSaleReturn:
			act.Returned += e.Delta
		case domain.EventSaleCancelReversal:
			act.Reversed += e.Delta
		case domain.EventDamageWriteOff:
			act.Damaged -= e.Delta
		}
	}
	return act
}

func (l *EventLog) restore(events []domain.InventoryEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.byItem = make(map[domain.StockItemID][]domain.InventoryEvent)
	var maxSeq int64
	for _, e := range events {
		l.byItem[e.ItemID] = append(l.byItem[e.ItemID], e)
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	l.seq.Store(maxSeq)
}
