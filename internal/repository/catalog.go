package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/syncerr"
)

// UpsertCustomerType inserts or updates a rate class by id. Once a bill
// references the type its rate fields are frozen; pushing the same values
// again is accepted.
func (r *Repository) UpsertCustomerType(ctx context.Context, q db.Querier, t *db.CustomerType) error {
	existing, err := r.GetCustomerType(ctx, q, t.ID)
	switch {
	case errors.Is(err, syncerr.ErrNotFound):
	case err != nil:
		return err
	case !sameRates(existing, t):
		var billed bool
		err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bills WHERE type_id = ?)`, t.ID).Scan(&billed)
		if err != nil {
			return queryErr("check bills for customer type", err)
		}
		if billed {
			return fmt.Errorf("customer type %d is referenced by bills: %w", t.ID, syncerr.ErrQueryFailed)
		}
	}

	query := `
		INSERT INTO customer_types (
			type_id, type_name, rate_per_m3, min_m3, min_charge, penalty, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(type_id) DO UPDATE SET
			type_name = excluded.type_name,
			rate_per_m3 = excluded.rate_per_m3,
			min_m3 = excluded.min_m3,
			min_charge = excluded.min_charge,
			penalty = excluded.penalty,
			updated_at = excluded.updated_at
	`
	_, err = q.ExecContext(ctx, query,
		t.ID,
		t.Name,
		t.RatePerM3,
		t.MinM3,
		t.MinCharge,
		t.Penalty,
		r.createdAt(t.CreatedAt),
		r.now(),
	)
	if err != nil {
		return queryErr(fmt.Sprintf("upsert customer type %d", t.ID), err)
	}
	return nil
}

func sameRates(a, b *db.CustomerType) bool {
	return a.RatePerM3 == b.RatePerM3 &&
		a.MinM3 == b.MinM3 &&
		a.MinCharge == b.MinCharge &&
		a.Penalty == b.Penalty
}

const selectCustomerTypeColumns = `
	SELECT type_id, type_name, rate_per_m3, min_m3, min_charge, penalty, created_at, updated_at
	FROM customer_types
`

// GetCustomerType retrieves a rate class by id
func (r *Repository) GetCustomerType(ctx context.Context, q db.Querier, id int64) (*db.CustomerType, error) {
	t, err := scanCustomerType(q.QueryRowContext(ctx, selectCustomerTypeColumns+` WHERE type_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer type %d: %w", id, syncerr.ErrNotFound)
	}
	if err != nil {
		return nil, queryErr("query customer type", err)
	}
	return t, nil
}

// ListCustomerTypes streams every rate class ordered by id
func (r *Repository) ListCustomerTypes(ctx context.Context, q db.Querier) iter.Seq2[*db.CustomerType, error] {
	return func(yield func(*db.CustomerType, error) bool) {
		rows, err := q.QueryContext(ctx, selectCustomerTypeColumns+` ORDER BY type_id`)
		if err != nil {
			yield(nil, queryErr("query customer types", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanCustomerType(rows)
			if err != nil {
				yield(nil, queryErr("scan customer type", err))
				return
			}
			if !yield(t, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, queryErr("iterate customer types", err))
		}
	}
}

func scanCustomerType(s scanner) (*db.CustomerType, error) {
	var t db.CustomerType
	err := s.Scan(
		&t.ID,
		&t.Name,
		&t.RatePerM3,
		&t.MinM3,
		&t.MinCharge,
		&t.Penalty,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertDeduction inserts or updates a deduction by id
func (r *Repository) UpsertDeduction(ctx context.Context, q db.Querier, d *db.Deduction) error {
	query := `
		INSERT INTO deductions (deduction_id, name, type, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(deduction_id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query, d.ID, d.Name, d.Kind, d.Value, r.createdAt(d.CreatedAt), r.now())
	if err != nil {
		return queryErr(fmt.Sprintf("upsert deduction %d", d.ID), err)
	}
	return nil
}

// GetDeduction retrieves a deduction by id
func (r *Repository) GetDeduction(ctx context.Context, q db.Querier, id int64) (*db.Deduction, error) {
	query := `
		SELECT deduction_id, name, type, value, created_at, updated_at
		FROM deductions
		WHERE deduction_id = ?
	`
	var d db.Deduction
	err := q.QueryRowContext(ctx, query, id).Scan(&d.ID, &d.Name, &d.Kind, &d.Value, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deduction %d: %w", id, syncerr.ErrNotFound)
	}
	if err != nil {
		return nil, queryErr("query deduction", err)
	}
	return &d, nil
}

// UpsertBarangay inserts or updates a barangay and its account sequence
func (r *Repository) UpsertBarangay(ctx context.Context, q db.Querier, b *db.Barangay) error {
	query := `
		INSERT INTO barangay_sequence (brgy_id, barangay, prefix, next_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(brgy_id) DO UPDATE SET
			barangay = excluded.barangay,
			prefix = excluded.prefix,
			next_number = excluded.next_number,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query, b.ID, b.Name, b.Prefix, b.NextNumber, r.createdAt(b.CreatedAt), r.now())
	if err != nil {
		return queryErr(fmt.Sprintf("upsert barangay %d", b.ID), err)
	}
	return nil
}

// BarangayPrefix returns the account number prefix of a barangay
func (r *Repository) BarangayPrefix(ctx context.Context, q db.Querier, id int64) (string, error) {
	var prefix string
	err := q.QueryRowContext(ctx, `SELECT prefix FROM barangay_sequence WHERE brgy_id = ?`, id).Scan(&prefix)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("barangay %d: %w", id, syncerr.ErrNotFound)
	}
	if err != nil {
		return "", queryErr("query barangay prefix", err)
	}
	return prefix, nil
}

// UpsertSettings inserts or updates the billing settings row
func (r *Repository) UpsertSettings(ctx context.Context, q db.Querier, s *db.Settings) error {
	query := `
		INSERT INTO settings (id, bill_due_days, disconnection_days, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			bill_due_days = excluded.bill_due_days,
			disconnection_days = excluded.disconnection_days,
			updated_at = excluded.updated_at
	`
	now := r.now()
	if _, err := q.ExecContext(ctx, query, s.ID, s.BillDueDays, s.DisconnectionDays, now, now); err != nil {
		return queryErr("upsert settings", err)
	}
	return nil
}

// GetSettings returns the lowest-id settings row, or defaults when none
// was pushed yet
func (r *Repository) GetSettings(ctx context.Context, q db.Querier) (*db.Settings, error) {
	query := `
		SELECT id, bill_due_days, disconnection_days
		FROM settings
		ORDER BY id
		LIMIT 1
	`
	var s db.Settings
	err := q.QueryRowContext(ctx, query).Scan(&s.ID, &s.BillDueDays, &s.DisconnectionDays)
	if errors.Is(err, sql.ErrNoRows) {
		return &db.Settings{ID: 1, BillDueDays: 5, DisconnectionDays: 8}, nil
	}
	if err != nil {
		return nil, queryErr("query settings", err)
	}
	return &s, nil
}
