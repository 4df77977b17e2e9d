package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// Mock CacheRepository
type mockCacheRepo struct {
	mu             sync.Mutex
	stock          map[domain.StockItemID]int64
	versions       map[domain.StockItemID]int64
	idempotencySet map[string]bool
	failMirror     bool
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{
		stock:          make(map[domain.StockItemID]int64),
		versions:       make(map[domain.StockItemID]int64),
		idempotencySet: make(map[string]bool),
	}
}

func (m *mockCacheRepo) MirrorStock(ctx context.Context, items []domain.StockItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failMirror {
		return errors.New("redis down")
	}
	for _, it := range items {
		if it.Version < m.versions[it.ID] {
			continue
		}
		m.versions[it.ID] = it.Version
		m.stock[it.ID] = it.Quantity
	}
	return nil
}

func (m *mockCacheRepo) GetStock(ctx context.Context, id domain.StockItemID) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qty, ok := m.stock[id]
	return qty, ok, nil
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCacheRepo) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.idempotencySet, key)
	return nil
}

// Mock DatabaseRepository that records commits and can be told to fail.
type mockStore struct {
	mu      sync.Mutex
	items   map[domain.StockItemID]domain.StockItem
	events  []domain.InventoryEvent
	sales   map[string]domain.Sale
	commits int
	failErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		items: make(map[domain.StockItemID]domain.StockItem),
		sales: make(map[string]domain.Sale),
	}
}

func (m *mockStore) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *mockStore) CreateStockItem(ctx context.Context, item domain.StockItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	return nil
}

func (m *mockStore) UpdateStockItem(ctx context.Context, item domain.StockItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.items[item.ID]
	cur.AlertThreshold = item.AlertThreshold
	cur.Retired = item.Retired
	m.items[item.ID] = cur
	return nil
}

func (m *mockStore) DeleteStockItem(ctx context.Context, id domain.StockItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *mockStore) CommitLedger(ctx context.Context, commit port.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	for _, it := range commit.Items {
		cur, ok := m.items[it.ID]
		if !ok || cur.Version != it.Version-1 {
			return errors.New("optimistic lock conflict")
		}
		cur.Quantity = it.Quantity
		cur.Version = it.Version
		m.items[it.ID] = cur
	}
	m.events = append(m.events, commit.Events...)
	if commit.Sale != nil {
		m.sales[commit.Sale.ID.String()] = commit.Sale.Clone()
	}
	m.commits++
	return nil
}

func (m *mockStore) LoadStockItems(ctx context.Context) ([]domain.StockItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.StockItem, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	return out, nil
}

func (m *mockStore) LoadEvents(ctx context.Context) ([]domain.InventoryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.InventoryEvent(nil), m.events...), nil
}

func (m *mockStore) LoadSales(ctx context.Context) ([]domain.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Sale, 0, len(m.sales))
	for _, s := range m.sales {
		out = append(out, s.Clone())
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.InventoryEvent
	alerts []domain.Alert
}

func (p *recordingPublisher) PublishEvents(ctx context.Context, events []domain.InventoryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) PublishAlerts(ctx context.Context, alerts []domain.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alerts...)
	return nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// gatedStore parks item writes on gate while block is set, to simulate a
// slow database.
type gatedStore struct {
	*mockStore
	block     atomic.Bool
	entered   chan struct{}
	gate      chan struct{}
	createErr error
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		mockStore: newMockStore(),
		entered:   make(chan struct{}, 1),
		gate:      make(chan struct{}),
	}
}

func (g *gatedStore) wait() {
	if g.block.Load() {
		g.entered <- struct{}{}
		<-g.gate
	}
}

func (g *gatedStore) CreateStockItem(ctx context.Context, item domain.StockItem) error {
	g.wait()
	if g.createErr != nil {
		return g.createErr
	}
	return g.mockStore.CreateStockItem(ctx, item)
}

func (g *gatedStore) UpdateStockItem(ctx context.Context, item domain.StockItem) error {
	g.wait()
	return g.mockStore.UpdateStockItem(ctx, item)
}
