package repository

import (
	"context"

	"github.com/septivank/watersystem-sync/internal/db"
)

// InsertReading mirrors a ledger record into the readings table and
// returns its row id
func (r *Repository) InsertReading(ctx context.Context, q db.Querier, reading *db.Reading) (int64, error) {
	query := `
		INSERT INTO readings (
			customer_id, customer_account_number, device_uid, previous_reading,
			current_reading, usage_m3, reading_at, synced, created_at, updated_at
		)
		VALUES ((SELECT customer_id FROM customers WHERE account_no = ?), ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	now := r.now()
	res, err := q.ExecContext(ctx, query,
		reading.AccountNo,
		reading.AccountNo,
		reading.DeviceUID,
		int64(reading.PreviousReading),
		int64(reading.CurrentReading),
		int64(reading.UsageM3),
		reading.ReadingAt,
		now,
		now,
	)
	if err != nil {
		return 0, queryErr("insert reading for "+reading.AccountNo, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, queryErr("insert reading for "+reading.AccountNo, err)
	}
	return id, nil
}

// MarkReadingsSynced flags every mirrored reading as synced
func (r *Repository) MarkReadingsSynced(ctx context.Context, q db.Querier) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE readings SET synced = 1, updated_at = ? WHERE synced = 0`, r.now())
	if err != nil {
		return 0, queryErr("mark readings synced", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, queryErr("mark readings synced", err)
	}
	return n, nil
}
