package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/observability"
	"github.com/rl1809/stock-ledger/internal/port"
)

var ErrLedgerDrift = errors.New("quantity does not match event replay")

// Engine applies inventory events to quantities. Calls touching the same item
// are serialized; calls on disjoint items run in parallel.
type Engine struct {
	registry  *Registry
	log       *EventLog
	locks     *lockTable[domain.StockItemID]
	repo      port.DatabaseRepository
	cache     port.CacheRepository
	publisher port.EventPublisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

type commitResult struct {
	items  []domain.StockItem
	events []domain.InventoryEvent
	alerts []domain.Alert
}

// Apply commits a single event and returns the item's new quantity.
func (e *Engine) Apply(ctx context.Context, event domain.InventoryEvent) (int64, error) {
	items, err := e.ApplyBatch(ctx, []domain.InventoryEvent{event})
	if err != nil {
		return 0, err
	}
	return items[0].Quantity, nil
}

// ApplyBatch commits every event or none. Events on the same item accumulate
// in order. The returned items are in order of first appearance.
func (e *Engine) ApplyBatch(ctx context.Context, events []domain.InventoryEvent) ([]domain.StockItem, error) {
	res, err := e.run(ctx, events, nil)
	if err != nil {
		return nil, err
	}
	return res.items, nil
}

func (e *Engine) run(ctx context.Context, events []domain.InventoryEvent, sale *domain.Sale) (commitResult, error) {
	ctx, span := e.tracer.Start(ctx, "ledger.apply")
	defer span.End()
	span.SetAttributes(attribute.Int("ledger.events", len(events)))

	if len(events) == 0 {
		return commitResult{}, e.reject(span, fmt.Errorf("%w: empty batch", domain.ErrInvalidEvent))
	}
	for _, ev := range events {
		if _, err := e.log.Validate(ev); err != nil {
			return commitResult{}, e.reject(span, err)
		}
	}

	release, err := e.lock(ctx, itemIDs(events)...)
	if err != nil {
		return commitResult{}, e.reject(span, err)
	}
	res, err := e.applyLocked(ctx, events, sale)
	release()
	if err != nil {
		return commitResult{}, e.reject(span, err)
	}

	e.afterCommit(ctx, res)
	span.SetStatus(codes.Ok, "committed")
	return res, nil
}

func (e *Engine) lock(ctx context.Context, ids ...domain.StockItemID) (func(), error) {
	start := time.Now()
	release, err := e.locks.acquire(ctx, ids...)
	e.metrics.ObserveLockWait(time.Since(start))
	return release, err
}

// applyLocked runs with the exclusion of every item in events held. Nothing
// changes unless the store accepted the whole commit.
func (e *Engine) applyLocked(ctx context.Context, events []domain.InventoryEvent, sale *domain.Sale) (commitResult, error) {
	now := e.now().UTC()

	before := make(map[domain.StockItemID]domain.StockItem, len(events))
	running := make(map[domain.StockItemID]*domain.StockItem, len(events))
	itemSeq := make(map[domain.StockItemID]int64, len(events))
	order := make([]domain.StockItemID, 0, len(events))
	committed := make([]domain.InventoryEvent, 0, len(events))

	for _, ev := range events {
		// Re-validate under the lock: the item may have been retired meanwhile.
		item, err := e.log.Validate(ev)
		if err != nil {
			return commitResult{}, err
		}
		cur, ok := running[ev.ItemID]
		if !ok {
			copied := item
			cur = &copied
			running[ev.ItemID] = cur
			before[ev.ItemID] = item
			itemSeq[ev.ItemID] = e.log.lastItemSeq(ev.ItemID)
			order = append(order, ev.ItemID)
		}

		if ev.Delta > 0 && cur.Quantity > math.MaxInt64-ev.Delta {
			return commitResult{}, fmt.Errorf("%w: adding %d to item %d overflows quantity %d", domain.ErrInvalidEvent, ev.Delta, ev.ItemID, cur.Quantity)
		}
		candidate := cur.Quantity + ev.Delta
		if candidate < 0 {
			return commitResult{}, &domain.ShortageError{ItemID: ev.ItemID, OnHand: cur.Quantity, Requested: -ev.Delta}
		}
		cur.Quantity = candidate

		itemSeq[ev.ItemID]++
		ev.ItemSeq = itemSeq[ev.ItemID]
		ev.Seq = e.log.nextSeq()
		ev.Timestamp = now
		if ev.Amount.IsZero() {
			ev.Amount = valuation(*cur, ev)
		}
		committed = append(committed, ev)
	}

	items := make([]domain.StockItem, 0, len(order))
	for _, id := range order {
		it := *running[id]
		it.Version++
		it.UpdatedAt = now
		items = append(items, it)
	}

	if e.repo != nil {
		if err := e.repo.CommitLedger(ctx, port.Commit{Events: committed, Items: items, Sale: sale}); err != nil {
			return commitResult{}, fmt.Errorf("commit ledger: %w", err)
		}
	}

	e.log.append(committed)
	e.registry.commit(items)

	return commitResult{
		items:  items,
		events: committed,
		alerts: crossings(before, items, now),
	}, nil
}

// afterCommit mirrors and announces a commit. The ledger is already durable
// here, so failures are logged and counted, not returned.
func (e *Engine) afterCommit(ctx context.Context, res commitResult) {
	for _, ev := range res.events {
		e.metrics.EventApplied(string(ev.Kind))
		e.logger.Debug("inventory event committed",
			zap.Int64("seq", ev.Seq),
			zap.Int64("item_id", int64(ev.ItemID)),
			zap.String("kind", string(ev.Kind)),
			zap.Int64("delta", ev.Delta),
		)
	}

	if e.cache != nil {
		if err := e.cache.MirrorStock(ctx, res.items); err != nil {
			e.metrics.SideEffectFailed("stock_mirror")
			e.logger.Warn("failed to mirror stock", zap.Error(err))
		}
	}

	for _, a := range res.alerts {
		e.logger.Info("stock item is low",
			zap.Int64("item_id", int64(a.ItemID)),
			zap.String("name", a.Name),
			zap.Int64("quantity", a.Quantity),
			zap.Int64("threshold", a.Threshold),
		)
	}

	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishEvents(ctx, res.events); err != nil {
		e.metrics.SideEffectFailed("publish_events")
		e.logger.Warn("failed to publish inventory events", zap.Error(err))
	}
	if len(res.alerts) > 0 {
		if err := e.publisher.PublishAlerts(ctx, res.alerts); err != nil {
			e.metrics.SideEffectFailed("publish_alerts")
			e.logger.Warn("failed to publish low stock alerts", zap.Error(err))
		}
	}
}

func (e *Engine) reject(span trace.Span, err error) error {
	e.metrics.Rejected(rejectReason(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Verify checks the replay invariant for one item while holding its
// exclusion.
func (e *Engine) Verify(ctx context.Context, id domain.StockItemID) error {
	release, err := e.lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	item, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if replayed := e.log.Replay(id); replayed != item.Quantity {
		return fmt.Errorf("%w: item %d quantity %d, replay %d", ErrLedgerDrift, id, item.Quantity, replayed)
	}
	return nil
}

func valuation(item domain.StockItem, ev domain.InventoryEvent) decimal.Decimal {
	units := ev.Delta
	if units < 0 {
		units = -units
	}
	switch ev.Kind {
	case domain.EventRestock, domain.EventDamageWriteOff:
		return item.UnitCost.Mul(decimal.NewFromInt(units))
	default:
		return item.SellingPrice.Mul(decimal.NewFromInt(units))
	}
}

func itemIDs(events []domain.InventoryEvent) []domain.StockItemID {
	ids := make([]domain.StockItemID, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ItemID)
	}
	return ids
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrBusy):
		return "busy"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidEvent):
		return "invalid_event"
	default:
		return "internal"
	}
}

func newTracer() trace.Tracer {
	return otel.Tracer("github.com/rl1809/stock-ledger/internal/core/service")
}
