package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

var ErrOptimisticLock = errors.New("optimistic lock conflict")

//go:embed schema.sql
var schema string

// MySQLAdapter is the durable ledger. Every commit lands in one transaction.
type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates missing tables. Statements are idempotent.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQLAdapter) CreateStockItem(ctx context.Context, item domain.StockItem) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO stock_items (id, kind, ref, variant, name, taxonomy_ref, quantity, alert_threshold,
			expiry_date, unit_cost, selling_price, retired, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Kind, item.Ref, item.Variant, item.Name, item.TaxonomyRef, item.Quantity, item.AlertThreshold,
		nullTime(item.ExpiryDate), item.UnitCost, item.SellingPrice, item.Retired, item.Version, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stock item: %w", err)
	}
	return nil
}

// UpdateStockItem writes registry-owned fields only. Quantity and version
// move through CommitLedger.
func (m *MySQLAdapter) UpdateStockItem(ctx context.Context, item domain.StockItem) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE stock_items
		SET alert_threshold = ?, retired = ?, updated_at = ?
		WHERE id = ?`,
		item.AlertThreshold, item.Retired, item.UpdatedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("update stock item: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) DeleteStockItem(ctx context.Context, id domain.StockItemID) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM stock_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete stock item: %w", err)
	}
	return nil
}

// CommitLedger persists the events, the new item quantities and the sale
// state together. An item whose stored version is not the one the commit was
// computed from fails the whole transaction with ErrOptimisticLock.
func (m *MySQLAdapter) CommitLedger(ctx context.Context, commit port.Commit) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range commit.Events {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory_events (seq, item_id, item_seq, kind, delta, occurred_at, actor_id, reason, sale_id, request_id, amount)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.Seq, ev.ItemID, ev.ItemSeq, ev.Kind, ev.Delta, ev.Timestamp, ev.ActorID, ev.Reason,
			nullUUID(ev.SaleID), ev.RequestID, ev.Amount,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	for _, item := range commit.Items {
		result, err := tx.ExecContext(ctx, `
			UPDATE stock_items
			SET quantity = ?, version = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			item.Quantity, item.Version, item.UpdatedAt, item.ID, item.Version-1,
		)
		if err != nil {
			return fmt.Errorf("update stock item: %w", err)
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrOptimisticLock
		}
	}

	if commit.Sale != nil {
		if err := upsertSale(ctx, tx, *commit.Sale); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func upsertSale(ctx context.Context, tx *sql.Tx, sale domain.Sale) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sales (id, actor_id, total_amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE status = VALUES(status), updated_at = VALUES(updated_at)`,
		sale.ID, sale.ActorID, sale.TotalAmount, sale.Status(), sale.CreatedAt, sale.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert sale: %w", err)
	}

	for _, it := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, stock_item_id, quantity, returned_quantity, unit_price, return_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE returned_quantity = VALUES(returned_quantity), return_reason = VALUES(return_reason)`,
			it.ID, sale.ID, it.StockItemID, it.Quantity, it.ReturnedQuantity, it.UnitPrice, it.ReturnReason,
		)
		if err != nil {
			return fmt.Errorf("upsert sale item: %w", err)
		}
	}

	if c := sale.Cancellation; c != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT IGNORE INTO sale_cancellations (sale_id, actor_id, reason, cancelled_at)
			VALUES (?, ?, ?, ?)`,
			sale.ID, c.ActorID, c.Reason, c.CancelledAt,
		)
		if err != nil {
			return fmt.Errorf("insert cancellation: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) LoadStockItems(ctx context.Context) ([]domain.StockItem, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, kind, ref, variant, name, taxonomy_ref, quantity, alert_threshold,
			expiry_date, unit_cost, selling_price, retired, version, created_at, updated_at
		FROM stock_items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query stock items: %w", err)
	}
	defer rows.Close()

	var items []domain.StockItem
	for rows.Next() {
		var item domain.StockItem
		var expiry sql.NullTime
		if err := rows.Scan(&item.ID, &item.Kind, &item.Ref, &item.Variant, &item.Name, &item.TaxonomyRef,
			&item.Quantity, &item.AlertThreshold, &expiry, &item.UnitCost, &item.SellingPrice,
			&item.Retired, &item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stock item: %w", err)
		}
		if expiry.Valid {
			t := expiry.Time
			item.ExpiryDate = &t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (m *MySQLAdapter) LoadEvents(ctx context.Context) ([]domain.InventoryEvent, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT seq, item_id, item_seq, kind, delta, occurred_at, actor_id, reason, sale_id, request_id, amount
		FROM inventory_events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.InventoryEvent
	for rows.Next() {
		var ev domain.InventoryEvent
		var saleID uuid.NullUUID
		if err := rows.Scan(&ev.Seq, &ev.ItemID, &ev.ItemSeq, &ev.Kind, &ev.Delta, &ev.Timestamp,
			&ev.ActorID, &ev.Reason, &saleID, &ev.RequestID, &ev.Amount); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if saleID.Valid {
			ev.SaleID = saleID.UUID
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (m *MySQLAdapter) LoadSales(ctx context.Context) ([]domain.Sale, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, actor_id, total_amount, created_at, updated_at
		FROM sales ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query sales: %w", err)
	}
	defer rows.Close()

	var sales []domain.Sale
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var s domain.Sale
		if err := rows.Scan(&s.ID, &s.ActorID, &s.TotalAmount, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		index[s.ID] = len(sales)
		sales = append(sales, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	itemRows, err := m.db.QueryContext(ctx, `
		SELECT id, sale_id, stock_item_id, quantity, returned_quantity, unit_price, return_reason
		FROM sale_items ORDER BY sale_id, id`)
	if err != nil {
		return nil, fmt.Errorf("query sale items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var it domain.SaleItem
		if err := itemRows.Scan(&it.ID, &it.SaleID, &it.StockItemID, &it.Quantity,
			&it.ReturnedQuantity, &it.UnitPrice, &it.ReturnReason); err != nil {
			return nil, fmt.Errorf("scan sale item: %w", err)
		}
		if i, ok := index[it.SaleID]; ok {
			sales[i].Items = append(sales[i].Items, it)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	cancelRows, err := m.db.QueryContext(ctx, `
		SELECT sale_id, actor_id, reason, cancelled_at FROM sale_cancellations`)
	if err != nil {
		return nil, fmt.Errorf("query cancellations: %w", err)
	}
	defer cancelRows.Close()

	for cancelRows.Next() {
		var c domain.SaleCancellation
		if err := cancelRows.Scan(&c.SaleID, &c.ActorID, &c.Reason, &c.CancelledAt); err != nil {
			return nil, fmt.Errorf("scan cancellation: %w", err)
		}
		if i, ok := index[c.SaleID]; ok {
			sales[i].Cancellation = &c
		}
	}
	return sales, cancelRows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}
