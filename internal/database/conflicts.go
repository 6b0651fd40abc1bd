package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"marketsync/internal/domain"
	"marketsync/internal/models"
)

const conflictSelect = `SELECT id, store_id, platform, product_id, variant_id, field, local_value, platform_value,
              type, status, strategy, resolved_value, resolved_by, resolved_at, created_at
              FROM conflicts`

var conflictColumns = []string{
	"id", "store_id", "platform", "product_id", "variant_id", "field", "local_value", "platform_value",
	"type", "status", "strategy", "resolved_value", "resolved_by", "resolved_at", "created_at",
}

// SaveConflict inserts the conflict or overwrites the row with the same id.
func (db *DB) SaveConflict(ctx context.Context, c *models.Conflict) error {
	local, err := encodeValue(c.LocalValue)
	if err != nil {
		return err
	}
	remote, err := encodeValue(c.PlatformValue)
	if err != nil {
		return err
	}
	resolved, err := encodeValue(c.ResolvedValue)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, db.upsert("conflicts", conflictColumns, []string{"id"}),
		c.ID,
		c.StoreID,
		c.Platform,
		c.ProductID,
		c.VariantID,
		c.Field,
		local,
		remote,
		string(c.Type),
		string(c.Status),
		string(c.Strategy),
		resolved,
		c.ResolvedBy,
		nullTime(c.ResolvedAt),
		c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	return nil
}

func (db *DB) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	c, err := scanConflict(db.QueryRowContext(ctx, conflictSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return c, nil
}

// ListConflicts returns matching conflicts, oldest first.
func (db *DB) ListConflicts(ctx context.Context, filter models.ConflictFilter) ([]*models.Conflict, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.StoreID != "" {
		where = append(where, "store_id = ?")
		args = append(args, filter.StoreID)
	}
	if filter.Field != "" {
		where = append(where, "field = ?")
		args = append(args, filter.Field)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := conflictSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConflict(s scanner) (*models.Conflict, error) {
	var (
		c                         models.Conflict
		local, remote, resolved   sql.NullString
		conflictType, status, str string
		resolvedAt                sql.NullTime
	)
	err := s.Scan(
		&c.ID, &c.StoreID, &c.Platform, &c.ProductID, &c.VariantID, &c.Field, &local, &remote,
		&conflictType, &status, &str, &resolved, &c.ResolvedBy, &resolvedAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Type = models.ConflictType(conflictType)
	c.Status = models.ConflictStatus(status)
	c.Strategy = models.ResolutionStrategy(str)
	c.ResolvedAt = timePtr(resolvedAt)
	c.CreatedAt = c.CreatedAt.UTC()

	if c.LocalValue, err = decodeValue(local); err != nil {
		return nil, err
	}
	if c.PlatformValue, err = decodeValue(remote); err != nil {
		return nil, err
	}
	if c.ResolvedValue, err = decodeValue(resolved); err != nil {
		return nil, err
	}
	return &c, nil
}

// encodeValue stores nil as SQL NULL and anything else as JSON.
func encodeValue(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return string(raw), nil
}

func decodeValue(ns sql.NullString) (interface{}, error) {
	if !ns.Valid {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}
