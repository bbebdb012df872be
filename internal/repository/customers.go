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

const upsertCustomerQuery = `
	INSERT INTO customers (
		account_no, type_id, customer_name, deduction_id, brgy_id,
		address, previous_reading, status, created_at, updated_at
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(account_no) DO UPDATE SET
		type_id = excluded.type_id,
		customer_name = excluded.customer_name,
		deduction_id = excluded.deduction_id,
		brgy_id = excluded.brgy_id,
		address = excluded.address,
		previous_reading = excluded.previous_reading,
		status = excluded.status,
		updated_at = excluded.updated_at
`

const selectCustomerColumns = `
	SELECT customer_id, account_no, type_id, customer_name, deduction_id, brgy_id,
		address, previous_reading, status, created_at, updated_at
	FROM customers
`

// UpsertCustomer inserts or updates a customer keyed by account number
func (r *Repository) UpsertCustomer(ctx context.Context, q db.Querier, c *db.Customer) error {
	_, err := q.ExecContext(ctx, upsertCustomerQuery, r.customerArgs(c)...)
	if err != nil {
		return queryErr("upsert customer "+c.AccountNo, err)
	}
	return nil
}

const insertCustomerQuery = `
	INSERT INTO customers (
		account_no, type_id, customer_name, deduction_id, brgy_id,
		address, previous_reading, status, created_at, updated_at
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const updateCustomerQuery = `
	UPDATE customers SET
		type_id = ?,
		customer_name = ?,
		deduction_id = ?,
		brgy_id = ?,
		address = ?,
		previous_reading = ?,
		status = ?,
		updated_at = ?
	WHERE account_no = ?
`

func customerKey(c *db.Customer) string {
	return c.AccountNo
}

// PrepareCustomerUpsert prepares an insert-or-update batch keyed by
// account number
func (r *Repository) PrepareCustomerUpsert(ctx context.Context, q db.Querier) (*Batch[db.Customer], error) {
	return prepareBatch(ctx, q, upsertCustomerQuery, "customer", customerKey, r.customerArgs)
}

// PrepareCustomerInsert prepares a batch of new customers. An account that
// already exists fails the write.
func (r *Repository) PrepareCustomerInsert(ctx context.Context, q db.Querier) (*Batch[db.Customer], error) {
	return prepareBatch(ctx, q, insertCustomerQuery, "customer", customerKey, r.customerArgs)
}

// PrepareCustomerUpdate prepares a batch of changes to existing customers.
// An unknown account reports ErrNotFound.
func (r *Repository) PrepareCustomerUpdate(ctx context.Context, q db.Querier) (*Batch[db.Customer], error) {
	b, err := prepareBatch(ctx, q, updateCustomerQuery, "customer", customerKey, func(c *db.Customer) []any {
		return []any{
			c.TypeID,
			c.Name,
			c.DeductionID,
			c.BarangayID,
			c.Address,
			int64(c.PreviousReading),
			c.Status,
			r.now(),
			c.AccountNo,
		}
	})
	if err != nil {
		return nil, err
	}
	b.mustMatch = true
	return b, nil
}

func (r *Repository) customerArgs(c *db.Customer) []any {
	now := r.now()
	return []any{
		c.AccountNo,
		c.TypeID,
		c.Name,
		c.DeductionID,
		c.BarangayID,
		c.Address,
		int64(c.PreviousReading),
		c.Status,
		r.createdAt(c.CreatedAt),
		now,
	}
}

// RemoveCustomer deletes a customer by account number
func (r *Repository) RemoveCustomer(ctx context.Context, q db.Querier, accountNo string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM customers WHERE account_no = ?`, accountNo)
	if err != nil {
		return queryErr("remove customer "+accountNo, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return queryErr("remove customer "+accountNo, err)
	}
	if n == 0 {
		return fmt.Errorf("customer %s: %w", accountNo, syncerr.ErrNotFound)
	}
	return nil
}

// GetCustomer retrieves a customer by account number
func (r *Repository) GetCustomer(ctx context.Context, q db.Querier, accountNo string) (*db.Customer, error) {
	row := q.QueryRowContext(ctx, selectCustomerColumns+` WHERE account_no = ?`, accountNo)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", accountNo, syncerr.ErrNotFound)
	}
	if err != nil {
		return nil, queryErr("query customer "+accountNo, err)
	}
	return c, nil
}

// ListCustomers streams every customer ordered by id. Rows stay open while
// the caller iterates.
func (r *Repository) ListCustomers(ctx context.Context, q db.Querier) iter.Seq2[*db.Customer, error] {
	return func(yield func(*db.Customer, error) bool) {
		rows, err := q.QueryContext(ctx, selectCustomerColumns+` ORDER BY customer_id`)
		if err != nil {
			yield(nil, queryErr("query customers", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			c, err := scanCustomer(rows)
			if err != nil {
				yield(nil, queryErr("scan customer", err))
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, queryErr("iterate customers", err))
		}
	}
}

// CountCustomers returns the number of customers
func (r *Repository) CountCustomers(ctx context.Context, q db.Querier) (int, error) {
	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM customers`).Scan(&count); err != nil {
		return 0, queryErr("count customers", err)
	}
	return count, nil
}

// CustomerOwnership returns the account numbers of customers in a barangay
func (r *Repository) CustomerOwnership(ctx context.Context, q db.Querier, barangayID int64) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT account_no, brgy_id FROM customers`)
	if err != nil {
		return nil, queryErr("query customer ownership", err)
	}
	defer rows.Close()

	owned := make(map[string]bool)
	for rows.Next() {
		var (
			accountNo string
			brgyID    int64
		)
		if err := rows.Scan(&accountNo, &brgyID); err != nil {
			return nil, queryErr("scan customer ownership", err)
		}
		owned[accountNo] = brgyID == barangayID
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("iterate customer ownership", err)
	}
	return owned, nil
}

// AdvanceCustomerReading moves previous_reading forward to current. It
// never moves backwards.
func (r *Repository) AdvanceCustomerReading(ctx context.Context, q db.Querier, accountNo string, current uint64) error {
	query := `
		UPDATE customers
		SET previous_reading = ?, updated_at = ?
		WHERE account_no = ? AND previous_reading < ?
	`
	res, err := q.ExecContext(ctx, query, int64(current), r.now(), accountNo, int64(current))
	if err != nil {
		return queryErr("advance reading for "+accountNo, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return queryErr("advance reading for "+accountNo, err)
	}
	if n == 1 {
		return nil
	}

	c, err := r.GetCustomer(ctx, q, accountNo)
	if err != nil {
		return err
	}
	return fmt.Errorf("reading %d not above previous %d for %s: %w", current, c.PreviousReading, accountNo, syncerr.ErrFormat)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCustomer(s scanner) (*db.Customer, error) {
	var (
		c        db.Customer
		previous int64
	)
	err := s.Scan(
		&c.ID,
		&c.AccountNo,
		&c.TypeID,
		&c.Name,
		&c.DeductionID,
		&c.BarangayID,
		&c.Address,
		&previous,
		&c.Status,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.PreviousReading = uint64(previous)
	return &c, nil
}
