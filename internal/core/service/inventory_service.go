package service

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/observability"
	"github.com/rl1809/stock-ledger/internal/port"
)

const DefaultLockWaitTimeout = 2 * time.Second

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	LockWaitTimeout time.Duration
	Logger          *zap.Logger
	Metrics         *observability.Metrics
	Clock           func() time.Time
}

// InventoryService is the API surface of the ledger: registry operations,
// stock movements, the sale lifecycle and low-stock queries. repo, cache and
// publisher may be nil.
type InventoryService struct {
	registry  *Registry
	log       *EventLog
	engine    *Engine
	alerts    *AlertEvaluator
	sales     *saleBook
	saleLocks *lockTable[string]

	repo   port.DatabaseRepository
	cache  port.CacheRepository
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	// request keys seen when no cache is configured
	seen sync.Map
}

func NewInventoryService(repo port.DatabaseRepository, cache port.CacheRepository, publisher port.EventPublisher, cfg ServiceConfig) *InventoryService {
	if cfg.LockWaitTimeout <= 0 {
		cfg.LockWaitTimeout = DefaultLockWaitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	registry := NewRegistry(cfg.Clock)
	log := NewEventLog(registry)
	tracer := newTracer()

	return &InventoryService{
		registry: registry,
		log:      log,
		engine: &Engine{
			registry:  registry,
			log:       log,
			locks:     newLockTable[domain.StockItemID](cfg.LockWaitTimeout),
			repo:      repo,
			cache:     cache,
			publisher: publisher,
			metrics:   cfg.Metrics,
			logger:    cfg.Logger,
			tracer:    tracer,
			now:       cfg.Clock,
		},
		alerts:    NewAlertEvaluator(registry),
		sales:     newSaleBook(),
		saleLocks: newLockTable[string](cfg.LockWaitTimeout),
		repo:      repo,
		cache:     cache,
		logger:    cfg.Logger,
		tracer:    tracer,
		now:       cfg.Clock,
	}
}

type RestockInput struct {
	ItemID    domain.StockItemID
	Quantity  int64
	ActorID   string
	Note      string
	RequestID string
}

type DamageInput struct {
	ItemID    domain.StockItemID
	Quantity  int64
	Reason    string
	ActorID   string
	RequestID string
}

// Load replaces in-memory state with the persisted ledger.
func (s *InventoryService) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	items, err := s.repo.LoadStockItems(ctx)
	if err != nil {
		return fmt.Errorf("load stock items: %w", err)
	}
	events, err := s.repo.LoadEvents(ctx)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	sales, err := s.repo.LoadSales(ctx)
	if err != nil {
		return fmt.Errorf("load sales: %w", err)
	}

	s.registry.restore(items)
	s.log.restore(events)
	s.sales.restore(sales)

	if s.cache != nil && len(items) > 0 {
		if err := s.cache.MirrorStock(ctx, items); err != nil {
			s.logger.Warn("failed to mirror stock after load", zap.Error(err))
		}
	}
	s.logger.Info("ledger loaded",
		zap.Int("items", len(items)),
		zap.Int("events", len(events)),
		zap.Int("sales", len(sales)),
	)
	return nil
}

// RegisterStockItem registers an item. A positive initial quantity is booked
// as an opening restock so the item's history replays to its quantity.
func (s *InventoryService) RegisterStockItem(ctx context.Context, in domain.RegisterInput) (domain.StockItem, error) {
	ctx, span := s.tracer.Start(ctx, "registry.register")
	defer span.End()

	var persist func(domain.StockItem) error
	if s.repo != nil {
		persist = func(item domain.StockItem) error { return s.repo.CreateStockItem(ctx, item) }
	}
	item, err := s.registry.Register(in, persist)
	if err != nil {
		return domain.StockItem{}, err
	}
	span.SetAttributes(attribute.Int64("item.id", int64(item.ID)))

	if in.InitialQty > 0 {
		_, err := s.engine.Apply(ctx, domain.InventoryEvent{
			ItemID:  item.ID,
			Kind:    domain.EventRestock,
			Delta:   in.InitialQty,
			ActorID: in.ActorID,
			Reason:  "opening balance",
		})
		if err != nil {
			if rmErr := s.removeUnreferenced(ctx, item.ID); rmErr != nil {
				s.logger.Error("failed to roll back registration", zap.Int64("item_id", int64(item.ID)), zap.Error(rmErr))
			}
			return domain.StockItem{}, fmt.Errorf("opening balance: %w", err)
		}
	}

	s.logger.Info("stock item registered",
		zap.Int64("item_id", int64(item.ID)),
		zap.String("kind", string(item.Kind)),
		zap.String("key", item.LogicalKey()),
	)
	return s.registry.Get(item.ID)
}

func (s *InventoryService) GetStockItem(ctx context.Context, id domain.StockItemID) (domain.StockItem, error) {
	return s.registry.Get(id)
}

// CachedQuantity reads the mirrored quantity. It falls back to the registry
// when the mirror has no entry or cannot be reached, so it may briefly lag a
// concurrent commit but never reports an item that does not exist.
func (s *InventoryService) CachedQuantity(ctx context.Context, id domain.StockItemID) (int64, error) {
	item, err := s.registry.Get(id)
	if err != nil {
		return 0, err
	}
	if s.cache == nil {
		return item.Quantity, nil
	}
	qty, ok, err := s.cache.GetStock(ctx, id)
	if err != nil {
		s.logger.Warn("stock mirror read failed", zap.Int64("item_id", int64(id)), zap.Error(err))
		return item.Quantity, nil
	}
	if !ok {
		return item.Quantity, nil
	}
	return qty, nil
}

func (s *InventoryService) SetAlertThreshold(ctx context.Context, id domain.StockItemID, threshold int64) (domain.StockItem, error) {
	release, err := s.engine.lock(ctx, id)
	if err != nil {
		return domain.StockItem{}, err
	}
	defer release()

	var persist func(domain.StockItem) error
	if s.repo != nil {
		persist = func(item domain.StockItem) error { return s.repo.UpdateStockItem(ctx, item) }
	}
	return s.registry.SetThreshold(id, threshold, persist)
}

// RetireStockItem stops an item from taking new events. Its history stays.
func (s *InventoryService) RetireStockItem(ctx context.Context, id domain.StockItemID) (domain.StockItem, error) {
	release, err := s.engine.lock(ctx, id)
	if err != nil {
		return domain.StockItem{}, err
	}
	defer release()

	var persist func(domain.StockItem) error
	if s.repo != nil {
		persist = func(item domain.StockItem) error { return s.repo.UpdateStockItem(ctx, item) }
	}
	return s.registry.Retire(id, persist)
}

// RemoveStockItem deletes an item that no event references.
func (s *InventoryService) RemoveStockItem(ctx context.Context, id domain.StockItemID) error {
	release, err := s.engine.lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	return s.removeUnreferenced(ctx, id)
}

func (s *InventoryService) removeUnreferenced(ctx context.Context, id domain.StockItemID) error {
	if s.log.HasHistory(id) {
		return fmt.Errorf("%w: item %d", domain.ErrItemInUse, id)
	}
	var persist func(domain.StockItemID) error
	if s.repo != nil {
		persist = func(id domain.StockItemID) error { return s.repo.DeleteStockItem(ctx, id) }
	}
	return s.registry.Remove(id, persist)
}

// Apply commits a single event through the engine.
func (s *InventoryService) Apply(ctx context.Context, event domain.InventoryEvent) (int64, error) {
	return s.engine.Apply(ctx, event)
}

func (s *InventoryService) RecordRestock(ctx context.Context, in RestockInput) (int64, error) {
	undo, err := s.claim(ctx, "restock", in.RequestID)
	if err != nil {
		return 0, err
	}
	qty, err := s.engine.Apply(ctx, domain.InventoryEvent{
		ItemID:    in.ItemID,
		Kind:      domain.EventRestock,
		Delta:     in.Quantity,
		ActorID:   in.ActorID,
		Reason:    in.Note,
		RequestID: in.RequestID,
	})
	if err != nil {
		undo()
		return 0, err
	}
	return qty, nil
}

// RecordDamage writes off damaged packaging. Products cannot be written off
// through this path.
func (s *InventoryService) RecordDamage(ctx context.Context, in DamageInput) (int64, error) {
	item, err := s.registry.Get(in.ItemID)
	if err != nil {
		return 0, err
	}
	if item.Kind != domain.ItemKindPackagingVariant {
		return 0, fmt.Errorf("%w: damage write-offs apply to packaging variants, item %d is %s", domain.ErrInvalidEvent, item.ID, item.Kind)
	}

	undo, err := s.claim(ctx, "damage", in.RequestID)
	if err != nil {
		return 0, err
	}
	qty, err := s.engine.Apply(ctx, domain.InventoryEvent{
		ItemID:    in.ItemID,
		Kind:      domain.EventDamageWriteOff,
		Delta:     -in.Quantity,
		ActorID:   in.ActorID,
		Reason:    in.Reason,
		RequestID: in.RequestID,
	})
	if err != nil {
		undo()
		return 0, err
	}
	return qty, nil
}

func (s *InventoryService) IsLowStock(ctx context.Context, id domain.StockItemID) (bool, error) {
	item, err := s.registry.Get(id)
	if err != nil {
		return false, err
	}
	return IsLowStock(item), nil
}

// ListLowStock yields low-stock items, optionally of one kind.
func (s *InventoryService) ListLowStock(kind *domain.ItemKind) iter.Seq[domain.StockItem] {
	return s.alerts.ListLowStock(kind)
}

func (s *InventoryService) History(ctx context.Context, id domain.StockItemID) ([]domain.InventoryEvent, error) {
	if _, err := s.registry.Get(id); err != nil {
		return nil, err
	}
	return s.log.Events(id), nil
}

func (s *InventoryService) Activity(ctx context.Context, id domain.StockItemID, from, to time.Time) (domain.Activity, error) {
	if _, err := s.registry.Get(id); err != nil {
		return domain.Activity{}, err
	}
	if !to.After(from) {
		return domain.Activity{}, fmt.Errorf("%w: activity window must end after it starts", domain.ErrInvalidEvent)
	}
	return s.log.Activity(id, from, to), nil
}

// Verify checks that the item's quantity equals the replay of its history.
func (s *InventoryService) Verify(ctx context.Context, id domain.StockItemID) error {
	return s.engine.Verify(ctx, id)
}

// claim reserves a request key. The returned undo frees it again when the
// operation is rejected, so the caller may retry.
func (s *InventoryService) claim(ctx context.Context, op, requestID string) (undo func(), err error) {
	if requestID == "" {
		return func() {}, nil
	}
	key := fmt.Sprintf("idempotency:%s:%s", op, requestID)

	if s.cache == nil {
		if _, loaded := s.seen.LoadOrStore(key, struct{}{}); loaded {
			return nil, domain.ErrDuplicateRequest
		}
		return func() { s.seen.Delete(key) }, nil
	}

	ok, err := s.cache.SetIdempotency(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return nil, domain.ErrDuplicateRequest
	}
	return func() {
		if err := s.cache.ReleaseIdempotency(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
