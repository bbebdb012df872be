package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/syncerr"
)

// Device info keys
const (
	InfoLastSync   = "last_sync"
	InfoPrintCount = "print_count"
)

// SetDeviceInfo stores one key; created_at is kept from the first write
func (r *Repository) SetDeviceInfo(ctx context.Context, q db.Querier, key, value string) error {
	query := `
		INSERT INTO device_info (key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	now := r.now()
	if _, err := q.ExecContext(ctx, query, key, value, now, now); err != nil {
		return queryErr("set device info "+key, err)
	}
	return nil
}

// GetDeviceInfo returns the value stored for key
func (r *Repository) GetDeviceInfo(ctx context.Context, q db.Querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM device_info WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("device info %s: %w", key, syncerr.ErrNotFound)
	}
	if err != nil {
		return "", queryErr("get device info "+key, err)
	}
	return value, nil
}

// ListDeviceInfo returns every stored key ordered by key
func (r *Repository) ListDeviceInfo(ctx context.Context, q db.Querier) ([]db.DeviceInfoEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value, created_at, updated_at FROM device_info ORDER BY key`)
	if err != nil {
		return nil, queryErr("list device info", err)
	}
	defer rows.Close()

	var entries []db.DeviceInfoEntry
	for rows.Next() {
		var e db.DeviceInfoEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, queryErr("scan device info", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("iterate device info", err)
	}
	return entries, nil
}

// IncrementCounter adds one to a numeric device info key and returns the
// new value. A missing or non-numeric value counts from zero.
func (r *Repository) IncrementCounter(ctx context.Context, q db.Querier, key string) (int64, error) {
	current, err := r.GetDeviceInfo(ctx, q, key)
	if err != nil && !errors.Is(err, syncerr.ErrNotFound) {
		return 0, err
	}
	n, _ := strconv.ParseInt(current, 10, 64)
	n++
	if err := r.SetDeviceInfo(ctx, q, key, strconv.FormatInt(n, 10)); err != nil {
		return 0, err
	}
	return n, nil
}
