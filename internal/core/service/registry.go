package service

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// Registry holds identity and thresholds of every stock item. Quantity and
// version are written only by the engine through commit.
type Registry struct {
	mu     sync.RWMutex
	items  map[domain.StockItemID]*domain.StockItem
	keys   map[string]domain.StockItemID
	nextID domain.StockItemID
	now    func() time.Time
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		items: make(map[domain.StockItemID]*domain.StockItem),
		keys:  make(map[string]domain.StockItemID),
		now:   now,
	}
}

// Register creates an item with zero quantity. The id and logical key are
// reserved under the registry lock; persist runs outside it and the item
// becomes visible only once persist succeeded. On failure the key is freed.
func (r *Registry) Register(in domain.RegisterInput, persist func(domain.StockItem) error) (domain.StockItem, error) {
	if err := in.Validate(); err != nil {
		return domain.StockItem{}, err
	}

	threshold := domain.DefaultAlertThreshold
	if in.AlertThreshold != nil {
		threshold = *in.AlertThreshold
	}

	now := r.now().UTC()
	item := domain.StockItem{
		Kind:           in.Kind,
		Ref:            strings.TrimSpace(in.Ref),
		Variant:        strings.TrimSpace(in.Variant),
		Name:           in.Name,
		TaxonomyRef:    in.TaxonomyRef,
		AlertThreshold: threshold,
		ExpiryDate:     in.ExpiryDate,
		UnitCost:       in.UnitCost,
		SellingPrice:   in.SellingPrice,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if item.Name == "" {
		item.Name = item.Ref
		if item.Variant != "" {
			item.Name = fmt.Sprintf("%s (%s)", item.Ref, item.Variant)
		}
	}

	key := domain.LogicalKey(in.Kind, in.Ref, in.Variant)
	id, err := r.reserve(key)
	if err != nil {
		return domain.StockItem{}, err
	}
	item.ID = id

	if persist != nil {
		if err := persist(item); err != nil {
			r.mu.Lock()
			delete(r.keys, key)
			r.mu.Unlock()
			return domain.StockItem{}, fmt.Errorf("persist stock item: %w", err)
		}
	}

	r.mu.Lock()
	r.items[item.ID] = &item
	r.mu.Unlock()
	return item, nil
}

// reserve claims key and the next id. Ids of failed registrations are not
// reused.
func (r *Registry) reserve(key string) (domain.StockItemID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.keys[key]; ok {
		return 0, fmt.Errorf("%w: %s already registered as item %d", domain.ErrDuplicateItem, key, id)
	}
	r.nextID++
	r.keys[key] = r.nextID
	return r.nextID, nil
}

func (r *Registry) Get(id domain.StockItemID) (domain.StockItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return domain.StockItem{}, fmt.Errorf("%w: %d", domain.ErrItemNotFound, id)
	}
	return *item, nil
}

// SetThreshold takes effect for every later evaluation.
func (r *Registry) SetThreshold(id domain.StockItemID, threshold int64, persist func(domain.StockItem) error) (domain.StockItem, error) {
	if threshold < 0 {
		return domain.StockItem{}, fmt.Errorf("%w: alert threshold must be >= 0", domain.ErrInvalidItem)
	}
	return r.update(id, persist, func(item *domain.StockItem) error {
		item.AlertThreshold = threshold
		return nil
	})
}

// Retire soft-deletes an item; its history stays replayable.
func (r *Registry) Retire(id domain.StockItemID, persist func(domain.StockItem) error) (domain.StockItem, error) {
	return r.update(id, persist, func(item *domain.StockItem) error {
		if item.Retired {
			return fmt.Errorf("%w: item %d already retired", domain.ErrInvalidItem, id)
		}
		item.Retired = true
		return nil
	})
}

// update and Remove persist outside the registry lock. Callers hold the
// item's engine lock, so no commit or other edit interleaves on that item.
func (r *Registry) update(id domain.StockItemID, persist func(domain.StockItem) error, mutate func(*domain.StockItem) error) (domain.StockItem, error) {
	next, err := r.Get(id)
	if err != nil {
		return domain.StockItem{}, err
	}
	if err := mutate(&next); err != nil {
		return domain.StockItem{}, err
	}
	next.UpdatedAt = r.now().UTC()

	if persist != nil {
		if err := persist(next); err != nil {
			return domain.StockItem{}, fmt.Errorf("persist stock item: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.StockItem{}, fmt.Errorf("%w: %d", domain.ErrItemNotFound, id)
	}
	next.Quantity = current.Quantity
	next.Version = current.Version
	*current = next
	return next, nil
}

// Remove hard-deletes an item. Callers must have checked that no event
// references it.
func (r *Registry) Remove(id domain.StockItemID, persist func(domain.StockItemID) error) error {
	item, err := r.Get(id)
	if err != nil {
		return err
	}
	if persist != nil {
		if err := persist(id); err != nil {
			return fmt.Errorf("delete stock item: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, item.LogicalKey())
	delete(r.items, id)
	return nil
}

// Snapshot copies every item, ordered by id.
func (r *Registry) Snapshot() []domain.StockItem {
	r.mu.RLock()
	out := make([]domain.StockItem, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, *item)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.StockItem) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// commit writes quantity, version and timestamp only, so concurrent
// threshold edits are not overwritten.
func (r *Registry) commit(items []domain.StockItem) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, next := range items {
		if current, ok := r.items[next.ID]; ok {
			current.Quantity = next.Quantity
			current.Version = next.Version
			current.UpdatedAt = next.UpdatedAt
		}
	}
}

func (r *Registry) restore(items []domain.StockItem) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = make(map[domain.StockItemID]*domain.StockItem, len(items))
	r.keys = make(map[string]domain.StockItemID, len(items))
	r.nextID = 0
	for _, it := range items {
		item := it
		r.items[item.ID] = &item
		r.keys[item.LogicalKey()] = item.ID
		if item.ID > r.nextID {
			r.nextID = item.ID
		}
	}
}
