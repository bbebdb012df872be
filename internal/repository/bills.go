package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/syncerr"
)

const selectBillColumns = `
	SELECT bill_id, reference_number, customer_id, customer_account_number, reading_id, type_id,
		device_uid, bill_date, due_date, rate_per_m3, charges, deductions, penalty, total_due,
		status, created_at, updated_at
	FROM bills
`

// NextBillReference allocates the next reference number for year. The
// format is REF, the last three digits of the account number, the year and
// a per-year sequence of at least two digits.
func (r *Repository) NextBillReference(ctx context.Context, q db.Querier, accountNo string, year int) (string, error) {
	query := `
		INSERT INTO bill_reference_sequence (year, next_number)
		VALUES (?, 2)
		ON CONFLICT(year) DO UPDATE SET next_number = next_number + 1
		RETURNING next_number - 1
	`
	var seq int64
	if err := q.QueryRowContext(ctx, query, year).Scan(&seq); err != nil {
		return "", queryErr("allocate bill reference", err)
	}
	return fmt.Sprintf("REF%03d%04d%02d", accountSerial(accountNo), year, seq), nil
}

// accountSerial extracts the trailing number of an account like M-012
func accountSerial(accountNo string) int {
	i := strings.LastIndexFunc(accountNo, func(r rune) bool { return r < '0' || r > '9' })
	n, err := strconv.Atoi(accountNo[i+1:])
	if err != nil {
		return 0
	}
	return n % 1000
}

// InsertBill stores a new bill and returns its id
func (r *Repository) InsertBill(ctx context.Context, q db.Querier, b *db.Bill) (int64, error) {
	query := `
		INSERT INTO bills (
			reference_number, customer_id, customer_account_number, reading_id, type_id,
			device_uid, bill_date, due_date, rate_per_m3, charges, deductions, penalty,
			total_due, status, created_at, updated_at
		)
		VALUES (?, (SELECT customer_id FROM customers WHERE account_no = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := r.now()
	res, err := q.ExecContext(ctx, query,
		b.ReferenceNumber,
		b.AccountNo,
		b.AccountNo,
		nullID(b.ReadingID),
		nullID(b.TypeID),
		b.DeviceUID,
		b.BillDate,
		b.DueDate,
		b.RatePerM3,
		b.Charges,
		b.Deductions,
		b.Penalty,
		b.TotalDue,
		b.Status,
		now,
		now,
	)
	if err != nil {
		return 0, queryErr("insert bill "+b.ReferenceNumber, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, queryErr("insert bill "+b.ReferenceNumber, err)
	}
	return id, nil
}

const upsertBillQuery = `
	INSERT INTO bills (
		reference_number, customer_id, customer_account_number, type_id,
		device_uid, bill_date, due_date, rate_per_m3, charges, deductions, penalty,
		total_due, status, created_at, updated_at
	)
	VALUES (?, (SELECT customer_id FROM customers WHERE account_no = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(reference_number) DO UPDATE SET
		customer_id = excluded.customer_id,
		customer_account_number = excluded.customer_account_number,
		type_id = excluded.type_id,
		device_uid = excluded.device_uid,
		bill_date = excluded.bill_date,
		due_date = excluded.due_date,
		rate_per_m3 = excluded.rate_per_m3,
		charges = excluded.charges,
		deductions = excluded.deductions,
		penalty = excluded.penalty,
		total_due = excluded.total_due,
		status = excluded.status,
		updated_at = excluded.updated_at
`

// PrepareBillUpsert prepares a batch of bills keyed by reference number.
// Imported bills carry no local reading, and the yearly reference sequence
// is moved past every imported number.
func (r *Repository) PrepareBillUpsert(ctx context.Context, q db.Querier) (*Batch[db.Bill], error) {
	b, err := prepareBatch(ctx, q, upsertBillQuery, "bill",
		func(b *db.Bill) string { return b.ReferenceNumber },
		func(b *db.Bill) []any {
			now := r.now()
			return []any{
				b.ReferenceNumber,
				b.AccountNo,
				b.AccountNo,
				nullID(b.TypeID),
				b.DeviceUID,
				b.BillDate,
				b.DueDate,
				b.RatePerM3,
				b.Charges,
				b.Deductions,
				b.Penalty,
				b.TotalDue,
				b.Status,
				r.createdAt(b.CreatedAt),
				now,
			}
		},
	)
	if err != nil {
		return nil, err
	}
	b.after = func(ctx context.Context, q db.Querier, bill *db.Bill) error {
		return r.reserveBillReference(ctx, q, bill.ReferenceNumber)
	}
	return b, nil
}

// reserveBillReference keeps NextBillReference from handing out a number
// that already exists
func (r *Repository) reserveBillReference(ctx context.Context, q db.Querier, reference string) error {
	year, seq, ok := parseBillReference(reference)
	if !ok {
		return nil
	}
	query := `
		INSERT INTO bill_reference_sequence (year, next_number)
		VALUES (?, ?)
		ON CONFLICT(year) DO UPDATE SET next_number = MAX(next_number, excluded.next_number)
	`
	if _, err := q.ExecContext(ctx, query, year, seq+1); err != nil {
		return queryErr("reserve bill reference "+reference, err)
	}
	return nil
}

// parseBillReference splits REF<serial:3><year:4><seq> into year and seq
func parseBillReference(reference string) (int, int64, bool) {
	rest, ok := strings.CutPrefix(reference, "REF")
	if !ok || len(rest) < 9 {
		return 0, 0, false
	}
	year, err := strconv.Atoi(rest[3:7])
	if err != nil {
		return 0, 0, false
	}
	seq, err := strconv.ParseInt(rest[7:], 10, 64)
	if err != nil || seq < 1 {
		return 0, 0, false
	}
	return year, seq, true
}

// GetBill retrieves a bill by reference number
func (r *Repository) GetBill(ctx context.Context, q db.Querier, reference string) (*db.Bill, error) {
	b, err := scanBill(q.QueryRowContext(ctx, selectBillColumns+` WHERE reference_number = ?`, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bill %s: %w", reference, syncerr.ErrNotFound)
	}
	if err != nil {
		return nil, queryErr("query bill "+reference, err)
	}
	return b, nil
}

// SetBillStatus updates the status of a bill
func (r *Repository) SetBillStatus(ctx context.Context, q db.Querier, reference, status string) error {
	res, err := q.ExecContext(ctx, `UPDATE bills SET status = ?, updated_at = ? WHERE reference_number = ?`,
		status, r.now(), reference)
	if err != nil {
		return queryErr("update bill "+reference, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return queryErr("update bill "+reference, err)
	}
	if n == 0 {
		return fmt.Errorf("bill %s: %w", reference, syncerr.ErrNotFound)
	}
	return nil
}

// ListBills streams every bill ordered by id
func (r *Repository) ListBills(ctx context.Context, q db.Querier) iter.Seq2[*db.Bill, error] {
	return func(yield func(*db.Bill, error) bool) {
		rows, err := q.QueryContext(ctx, selectBillColumns+` ORDER BY bill_id`)
		if err != nil {
			yield(nil, queryErr("query bills", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			b, err := scanBill(rows)
			if err != nil {
				yield(nil, queryErr("scan bill", err))
				return
			}
			if !yield(b, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, queryErr("iterate bills", err))
		}
	}
}

func scanBill(s scanner) (*db.Bill, error) {
	var (
		b          db.Bill
		customerID sql.NullInt64
		readingID  sql.NullInt64
		typeID     sql.NullInt64
	)
	err := s.Scan(
		&b.ID,
		&b.ReferenceNumber,
		&customerID,
		&b.AccountNo,
		&readingID,
		&typeID,
		&b.DeviceUID,
		&b.BillDate,
		&b.DueDate,
		&b.RatePerM3,
		&b.Charges,
		&b.Deductions,
		&b.Penalty,
		&b.TotalDue,
		&b.Status,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.CustomerID = customerID.Int64
	b.ReadingID = readingID.Int64
	b.TypeID = typeID.Int64
	return &b, nil
}

// InsertBillTransaction appends a payment or void record
func (r *Repository) InsertBillTransaction(ctx context.Context, q db.Querier, t *db.BillTransaction) error {
	query := `
		INSERT INTO bill_transactions (
			transaction_uid, bill_id, bill_reference_number, type, source, amount,
			cash_received, change_amount, transaction_date, payment_method,
			processed_by_device_uid, notes, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		t.UID,
		t.BillID,
		t.ReferenceNumber,
		t.Type,
		t.Source,
		t.Amount,
		t.CashReceived,
		t.Change,
		t.TransactionDate,
		t.PaymentMethod,
		t.DeviceUID,
		t.Notes,
		r.now(),
	)
	if err != nil {
		return queryErr("insert bill transaction for "+t.ReferenceNumber, err)
	}
	return nil
}

// PrepareBillTransactionUpsert prepares a batch of payments and voids keyed
// by transaction uid. A uid already on file is left as it is; a transaction
// whose bill is unknown fails the write.
func (r *Repository) PrepareBillTransactionUpsert(ctx context.Context, q db.Querier) (*Batch[db.BillTransaction], error) {
	query := `
		INSERT INTO bill_transactions (
			transaction_uid, bill_id, bill_reference_number, type, source, amount,
			cash_received, change_amount, transaction_date, payment_method,
			processed_by_device_uid, notes, created_at
		)
		VALUES (?, (SELECT bill_id FROM bills WHERE reference_number = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_uid) DO NOTHING
	`
	return prepareBatch(ctx, q, query, "bill transaction",
		func(t *db.BillTransaction) string { return t.UID },
		func(t *db.BillTransaction) []any {
			return []any{
				t.UID,
				t.ReferenceNumber,
				t.ReferenceNumber,
				t.Type,
				t.Source,
				t.Amount,
				t.CashReceived,
				t.Change,
				t.TransactionDate,
				t.PaymentMethod,
				t.DeviceUID,
				t.Notes,
				r.createdAt(t.CreatedAt),
			}
		},
	)
}

// ListBillTransactions streams every bill transaction ordered by id
func (r *Repository) ListBillTransactions(ctx context.Context, q db.Querier) iter.Seq2[*db.BillTransaction, error] {
	return func(yield func(*db.BillTransaction, error) bool) {
		query := `
			SELECT bill_transaction_id, transaction_uid, bill_id, bill_reference_number, type, source,
				amount, cash_received, change_amount, transaction_date, payment_method,
				processed_by_device_uid, notes, created_at
			FROM bill_transactions
			ORDER BY bill_transaction_id
		`
		rows, err := q.QueryContext(ctx, query)
		if err != nil {
			yield(nil, queryErr("query bill transactions", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var t db.BillTransaction
			err := rows.Scan(
				&t.ID,
				&t.UID,
				&t.BillID,
				&t.ReferenceNumber,
				&t.Type,
				&t.Source,
				&t.Amount,
				&t.CashReceived,
				&t.Change,
				&t.TransactionDate,
				&t.PaymentMethod,
				&t.DeviceUID,
				&t.Notes,
				&t.CreatedAt,
			)
			if err != nil {
				yield(nil, queryErr("scan bill transaction", err))
				return
			}
			if !yield(&t, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, queryErr("iterate bill transactions", err))
		}
	}
}
