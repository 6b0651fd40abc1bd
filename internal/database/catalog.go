package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/models"
)

func (db *DB) ListLocalProducts(ctx context.Context, storeID string) ([]models.Product, error) {
	query := `SELECT id, external_id, sku, variant_id, attributes, updated_at
              FROM local_products WHERE store_id = ? ORDER BY sku ASC`
	rows, err := db.QueryContext(ctx, query, storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var (
			p     models.Product
			attrs string
		)
		if err := rows.Scan(&p.ID, &p.ExternalID, &p.SKU, &p.VariantID, &attrs, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &p.Fields); err != nil {
			return nil, fmt.Errorf("decode product %s: %w", p.SKU, err)
		}
		p.UpdatedAt = p.UpdatedAt.UTC()
		products = append(products, p)
	}
	return products, rows.Err()
}

func (db *DB) UpsertLocalProduct(ctx context.Context, storeID string, p models.Product) error {
	if p.SKU == "" {
		return errors.New("product sku is required")
	}
	attrs, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("encode product %s: %w", p.SKU, err)
	}
	if p.Fields == nil {
		attrs = []byte("{}")
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	cols := []string{"store_id", "sku", "id", "external_id", "variant_id", "attributes", "updated_at"}
	_, err = db.ExecContext(ctx, db.upsert("local_products", cols, []string{"store_id", "sku"}),
		storeID, p.SKU, p.ID, p.ExternalID, p.VariantID, string(attrs), updated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

func (db *DB) ListInventory(ctx context.Context, storeID string) ([]models.InventoryLevel, error) {
	query := `SELECT sku, quantity, reserved, updated_at FROM inventory_levels WHERE store_id = ? ORDER BY sku ASC`
	rows, err := db.QueryContext(ctx, query, storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query inventory: %w", err)
	}
	defer rows.Close()

	var levels []models.InventoryLevel
	for rows.Next() {
		var l models.InventoryLevel
		if err := rows.Scan(&l.SKU, &l.Quantity, &l.Reserved, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inventory: %w", err)
		}
		l.UpdatedAt = l.UpdatedAt.UTC()
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// SetInventory overwrites the on-hand quantity and reservation of one SKU.
func (db *DB) SetInventory(ctx context.Context, storeID string, level models.InventoryLevel) error {
	updated := level.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	cols := []string{"store_id", "sku", "quantity", "reserved", "updated_at"}
	_, err := db.ExecContext(ctx, db.upsert("inventory_levels", cols, []string{"store_id", "sku"}),
		storeID, level.SKU, level.Quantity, level.Reserved, updated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set inventory: %w", err)
	}
	return nil
}

// RecordOrder inserts the order and reserves stock for each line in one
// transaction. A second call for the same order changes nothing.
func (db *DB) RecordOrder(ctx context.Context, storeID string, order models.Order) (bool, error) {
	lines, err := json.Marshal(order.Lines)
	if err != nil {
		return false, fmt.Errorf("encode order lines: %w", err)
	}
	now := time.Now().UTC()
	if order.FetchedAt.IsZero() {
		order.FetchedAt = now
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cols := []string{"store_id", "platform", "id", "status", "currency", "total", "order_lines", "placed_at", "fetched_at"}
	result, err := tx.ExecContext(ctx, db.insertIgnore("orders", cols),
		storeID,
		order.Platform,
		order.ID,
		order.Status,
		order.Currency,
		order.Total,
		string(lines),
		order.PlacedAt.UTC(),
		order.FetchedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert order: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	reserve := db.reserveQuery()
	for _, line := range order.Lines {
		if _, err := tx.ExecContext(ctx, reserve, storeID, line.SKU, line.Quantity, now); err != nil {
			return false, fmt.Errorf("failed to reserve %s: %w", line.SKU, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit order: %w", err)
	}
	return true, nil
}

func (db *DB) reserveQuery() string {
	if db.driver == DriverMySQL {
		return `INSERT INTO inventory_levels (store_id, sku, quantity, reserved, updated_at) VALUES (?, ?, 0, ?, ?)
              ON DUPLICATE KEY UPDATE reserved = reserved + VALUES(reserved), updated_at = VALUES(updated_at)`
	}
	return `INSERT INTO inventory_levels (store_id, sku, quantity, reserved, updated_at) VALUES (?, ?, 0, ?, ?)
              ON CONFLICT(store_id, sku) DO UPDATE SET reserved = inventory_levels.reserved + excluded.reserved,
              updated_at = excluded.updated_at`
}

// LastOrderTime is the newest placed_at recorded for the platform, zero if none.
func (db *DB) LastOrderTime(ctx context.Context, storeID, platform string) (time.Time, error) {
	query := `SELECT placed_at FROM orders WHERE store_id = ? AND platform = ? ORDER BY placed_at DESC LIMIT 1`
	var placed time.Time
	err := db.QueryRowContext(ctx, query, storeID, platform).Scan(&placed)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last order time: %w", err)
	}
	return placed.UTC(), nil
}

// GetOrder returns a recorded order.
func (db *DB) GetOrder(ctx context.Context, storeID, platform, id string) (*models.Order, error) {
	query := `SELECT id, platform, status, currency, total, order_lines, placed_at, fetched_at
              FROM orders WHERE store_id = ? AND platform = ? AND id = ?`
	var (
		o     models.Order
		lines string
	)
	err := db.QueryRowContext(ctx, query, storeID, platform, id).Scan(
		&o.ID, &o.Platform, &o.Status, &o.Currency, &o.Total, &lines, &o.PlacedAt, &o.FetchedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if err := json.Unmarshal([]byte(lines), &o.Lines); err != nil {
		return nil, fmt.Errorf("decode order lines: %w", err)
	}
	o.PlacedAt = o.PlacedAt.UTC()
	o.FetchedAt = o.FetchedAt.UTC()
	return &o, nil
}
