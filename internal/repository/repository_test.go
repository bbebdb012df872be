package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/repository"
	"github.com/septivank/watersystem-sync/internal/storage"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fixture struct {
	store *db.Store
	repo  *repository.Repository
	clock int64
}

func setup(t *testing.T) *fixture {
	t.Helper()
	medium := storage.NewMedium(t.TempDir(), zap.NewNop())
	store := db.NewStore(medium, medium.Path("watersystem.db"), zap.NewNop())
	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, clock: 1700000000}
	f.repo = repository.NewRepository(func() int64 { return f.clock })

	f.update(t, func(tx *sql.Tx) error {
		return f.repo.UpsertCustomerType(context.Background(), tx, &db.CustomerType{
			ID: 1, Name: "Residential", RatePerM3: 20, MinM3: 10, MinCharge: 200, Penalty: 0.1,
		})
	})
	return f
}

func (f *fixture) update(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	if err := f.store.Update(context.Background(), fn); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func (f *fixture) customer(t *testing.T, accountNo string) *db.Customer {
	t.Helper()
	var c *db.Customer
	err := f.store.View(context.Background(), func(q db.Querier) error {
		var err error
		c, err = f.repo.GetCustomer(context.Background(), q, accountNo)
		return err
	})
	if err != nil {
		t.Fatalf("get customer %s: %v", accountNo, err)
	}
	return c
}

func TestUpsertCustomer_LastWriteWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	c := &db.Customer{AccountNo: "M-001", TypeID: 1, Name: "Juan", BarangayID: 2, Address: "Purok 1", Status: "active", CreatedAt: 1600000000}
	f.update(t, func(tx *sql.Tx) error { return f.repo.UpsertCustomer(ctx, tx, c) })

	f.clock = 1700000500
	c2 := *c
	c2.Name = "Juan Dela Cruz"
	c2.PreviousReading = 42
	c2.CreatedAt = 0
	f.update(t, func(tx *sql.Tx) error { return f.repo.UpsertCustomer(ctx, tx, &c2) })

	got := f.customer(t, "M-001")
	if got.Name != "Juan Dela Cruz" {
		t.Errorf("Expected updated name, got %q", got.Name)
	}
	if got.PreviousReading != 42 {
		t.Errorf("Expected previous reading 42, got %d", got.PreviousReading)
	}
	if got.CreatedAt != 1600000000 {
		t.Errorf("Expected created_at kept from first insert, got %d", got.CreatedAt)
	}
	if got.UpdatedAt != 1700000500 {
		t.Errorf("Expected updated_at 1700000500, got %d", got.UpdatedAt)
	}

	var count int
	f.store.View(ctx, func(q db.Querier) error {
		var err error
		count, err = f.repo.CountCustomers(ctx, q)
		return err
	})
	if count != 1 {
		t.Errorf("Expected 1 customer, got %d", count)
	}
}

func TestUpsertCustomer_DanglingReferenceFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.store.Update(ctx, func(tx *sql.Tx) error {
		return f.repo.UpsertCustomer(ctx, tx, &db.Customer{AccountNo: "M-001", TypeID: 7, BarangayID: 2, Status: "active"})
	})
	if !errors.Is(err, syncerr.ErrQueryFailed) {
		t.Errorf("Expected query failure, got %v", err)
	}
}

func TestPrepareCustomerUpsert(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.update(t, func(tx *sql.Tx) error {
		upserter, err := f.repo.PrepareCustomerUpsert(ctx, tx)
		if err != nil {
			return err
		}
		defer upserter.Close()
		for _, acct := range []string{"M-001", "M-002", "M-001"} {
			if err := upserter.Write(ctx, &db.Customer{AccountNo: acct, TypeID: 1, BarangayID: 2, Status: "active"}); err != nil {
				return err
			}
		}
		return nil
	})

	var accounts []string
	f.store.View(ctx, func(q db.Querier) error {
		for c, err := range f.repo.ListCustomers(ctx, q) {
			if err != nil {
				return err
			}
			accounts = append(accounts, c.AccountNo)
		}
		return nil
	})
	if len(accounts) != 2 || accounts[0] != "M-001" || accounts[1] != "M-002" {
		t.Errorf("Expected [M-001 M-002], got %v", accounts)
	}
}

func TestRemoveCustomer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.update(t, func(tx *sql.Tx) error {
		return f.repo.UpsertCustomer(ctx, tx, &db.Customer{AccountNo: "M-001", TypeID: 1, BarangayID: 2, Status: "active"})
	})

	f.update(t, func(tx *sql.Tx) error { return f.repo.RemoveCustomer(ctx, tx, "M-001") })

	err := f.store.Update(ctx, func(tx *sql.Tx) error { return f.repo.RemoveCustomer(ctx, tx, "M-001") })
	if !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("Expected not found on second removal, got %v", err)
	}
}

func TestAdvanceCustomerReading_Monotonic(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.update(t, func(tx *sql.Tx) error {
		return f.repo.UpsertCustomer(ctx, tx, &db.Customer{AccountNo: "M-001", TypeID: 1, BarangayID: 2, PreviousReading: 100, Status: "active"})
	})

	f.update(t, func(tx *sql.Tx) error { return f.repo.AdvanceCustomerReading(ctx, tx, "M-001", 120) })
	if got := f.customer(t, "M-001").PreviousReading; got != 120 {
		t.Errorf("Expected 120, got %d", got)
	}

	tests := []struct {
		name    string
		account string
		current uint64
		wantErr error
	}{
		{"same value", "M-001", 120, syncerr.ErrFormat},
		{"backwards", "M-001", 90, syncerr.ErrFormat},
		{"unknown account", "M-404", 500, syncerr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.store.Update(ctx, func(tx *sql.Tx) error {
				return f.repo.AdvanceCustomerReading(ctx, tx, tt.account, tt.current)
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if got := f.customer(t, "M-001").PreviousReading; got != 120 {
		t.Errorf("Expected reading to stay at 120, got %d", got)
	}
}

func TestUpsertCustomerType_FrozenOnceBilled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.update(t, func(tx *sql.Tx) error {
		_, err := f.repo.InsertBill(ctx, tx, &db.Bill{
			ReferenceNumber: "REF001202501",
			AccountNo:       "M-001",
			TypeID:          1,
			DeviceUID:       "UID",
			RatePerM3:       decimal.NewFromInt(20),
			Status:          db.BillPending,
		})
		return err
	})

	same := &db.CustomerType{ID: 1, Name: "Residential", RatePerM3: 20, MinM3: 10, MinCharge: 200, Penalty: 0.1}
	if err := f.store.Update(ctx, func(tx *sql.Tx) error { return f.repo.UpsertCustomerType(ctx, tx, same) }); err != nil {
		t.Errorf("Expected same-value upsert to succeed, got %v", err)
	}

	changed := *same
	changed.RatePerM3 = 25
	err := f.store.Update(ctx, func(tx *sql.Tx) error { return f.repo.UpsertCustomerType(ctx, tx, &changed) })
	if !errors.Is(err, syncerr.ErrQueryFailed) {
		t.Errorf("Expected rate change to be rejected, got %v", err)
	}

	unbilled := &db.CustomerType{ID: 2, Name: "Commercial", RatePerM3: 30}
	f.update(t, func(tx *sql.Tx) error { return f.repo.UpsertCustomerType(ctx, tx, unbilled) })
	unbilled.RatePerM3 = 35
	f.update(t, func(tx *sql.Tx) error { return f.repo.UpsertCustomerType(ctx, tx, unbilled) })
}

func TestUpsertDeduction_RejectsUnknownKind(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.update(t, func(tx *sql.Tx) error {
		return f.repo.UpsertDeduction(ctx, tx, &db.Deduction{ID: 1, Name: "Senior", Kind: db.DeductionPercentage, Value: 20})
	})

	err := f.store.Update(ctx, func(tx *sql.Tx) error {
		return f.repo.UpsertDeduction(ctx, tx, &db.Deduction{ID: 2, Name: "Odd", Kind: "bogus", Value: 1})
	})
	if !errors.Is(err, syncerr.ErrQueryFailed) {
		t.Errorf("Expected check constraint failure, got %v", err)
	}
}

func TestNextBillReference(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var refs []string
	f.update(t, func(tx *sql.Tx) error {
		for _, acct := range []string{"M-012", "M-012", "D-1234"} {
			ref, err := f.repo.NextBillReference(ctx, tx, acct, 2025)
			if err != nil {
				return err
			}
			refs = append(refs, ref)
		}
		ref, err := f.repo.NextBillReference(ctx, tx, "M-012", 2026)
		refs = append(refs, ref)
		return err
	})

	want := []string{"REF012202501", "REF012202502", "REF234202503", "REF012202601"}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("reference %d: expected %s, got %s", i, want[i], refs[i])
		}
	}
}

func TestDeviceInfo(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.update(t, func(tx *sql.Tx) error { return f.repo.SetDeviceInfo(ctx, tx, repository.InfoLastSync, "1700000000") })
	f.clock = 1700009999
	f.update(t, func(tx *sql.Tx) error { return f.repo.SetDeviceInfo(ctx, tx, repository.InfoLastSync, "1700005000") })

	var (
		entries []db.DeviceInfoEntry
		count   int64
	)
	f.update(t, func(tx *sql.Tx) error {
		var err error
		if _, err = f.repo.IncrementCounter(ctx, tx, repository.InfoPrintCount); err != nil {
			return err
		}
		if count, err = f.repo.IncrementCounter(ctx, tx, repository.InfoPrintCount); err != nil {
			return err
		}
		entries, err = f.repo.ListDeviceInfo(ctx, tx)
		return err
	})

	if count != 2 {
		t.Errorf("Expected print count 2, got %d", count)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	last := entries[0]
	if last.Key != repository.InfoLastSync || last.Value != "1700005000" {
		t.Errorf("Unexpected entry %+v", last)
	}
	if last.CreatedAt != 1700000000 || last.UpdatedAt != 1700009999 {
		t.Errorf("Expected created 1700000000 / updated 1700009999, got %d / %d", last.CreatedAt, last.UpdatedAt)
	}
}
