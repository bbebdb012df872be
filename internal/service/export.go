package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/ledger"
	"github.com/septivank/watersystem-sync/internal/protocol"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"go.uber.org/zap"
)

func (d *Dispatcher) exportCustomers(ctx context.Context, logger *zap.Logger, _ string) error {
	rows := 0
	err := d.store.View(ctx, func(q db.Querier) error {
		if err := d.out.Begin(protocol.BlockCustomers); err != nil {
			return err
		}
		for c, err := range d.repo.ListCustomers(ctx, q) {
			if err != nil {
				return err
			}
			deductionID := int64(0)
			if c.DeductionID.Valid {
				deductionID = c.DeductionID.Int64
			}
			err = d.out.Record(
				protocol.TagCustomer,
				c.AccountNo,
				c.Name,
				c.Address,
				strconv.FormatUint(c.PreviousReading, 10),
				c.Status,
				strconv.FormatInt(c.TypeID, 10),
				strconv.FormatInt(deductionID, 10),
				strconv.FormatInt(c.BarangayID, 10),
			)
			if err != nil {
				return err
			}
			rows++
			d.feed(rows)
		}
		return d.out.End(protocol.BlockCustomers)
	})
	if err != nil {
		return err
	}

	logger.Info("customers exported", zap.Int("count", rows))
	return nil
}

// exportCustomerTypes writes each rate class in the field order
// UPSERT_CUSTOMER_TYPE accepts
func (d *Dispatcher) exportCustomerTypes(ctx context.Context, logger *zap.Logger, _ string) error {
	rows := 0
	err := d.store.View(ctx, func(q db.Querier) error {
		if err := d.out.Begin(protocol.BlockCustomerTypes); err != nil {
			return err
		}
		for t, err := range d.repo.ListCustomerTypes(ctx, q) {
			if err != nil {
				return err
			}
			err = d.out.Record(
				protocol.TagCustomerType,
				strconv.FormatInt(t.ID, 10),
				t.Name,
				formatRate(t.RatePerM3),
				strconv.FormatInt(t.MinM3, 10),
				formatRate(t.MinCharge),
				formatRate(t.Penalty),
				strconv.FormatInt(t.CreatedAt, 10),
				strconv.FormatInt(t.UpdatedAt, 10),
			)
			if err != nil {
				return err
			}
			rows++
		}
		return d.out.End(protocol.BlockCustomerTypes)
	})
	if err != nil {
		return err
	}

	logger.Info("customer types exported", zap.Int("count", rows))
	return nil
}

func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (d *Dispatcher) exportDeviceInfo(ctx context.Context, _ *zap.Logger, _ string) error {
	entries := d.reporter.Report(ctx)
	if err := d.out.Begin(protocol.BlockDeviceInfo); err != nil {
		return err
	}
	for _, e := range entries {
		if err := d.out.Record(protocol.TagInfo, e.Key, e.Value); err != nil {
			return err
		}
	}
	return d.out.End(protocol.BlockDeviceInfo)
}

// ownerFilter accepts readings of customers in the device's barangay. An
// account unknown to the store is matched on the barangay prefix.
func (d *Dispatcher) ownerFilter(ctx context.Context) (func(ledger.Reading) bool, error) {
	var (
		owned  map[string]bool
		prefix string
	)
	err := d.store.View(ctx, func(q db.Querier) error {
		var err error
		if owned, err = d.repo.CustomerOwnership(ctx, q, d.cfg.Device.BarangayID); err != nil {
			return err
		}
		prefix, err = d.repo.BarangayPrefix(ctx, q, d.cfg.Device.BarangayID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return func(r ledger.Reading) bool {
		if mine, known := owned[r.AccountNo]; known {
			return mine
		}
		return strings.HasPrefix(r.AccountNo, prefix+"-")
	}, nil
}

func (d *Dispatcher) exportReadings(ctx context.Context, logger *zap.Logger, _ string) error {
	owner, err := d.ownerFilter(ctx)
	if err != nil {
		return err
	}
	if !d.medium.Available() {
		return fmt.Errorf("ledger medium: %w", syncerr.ErrStorageUnavailable)
	}

	if err := d.out.Begin(protocol.BlockReadings); err != nil {
		return err
	}
	rows := 0
	for r, err := range d.ledger.ExportUnsynced(owner) {
		if err != nil {
			return err
		}
		err = d.out.Record(
			protocol.TagReading,
			r.AccountNo,
			strconv.FormatUint(r.Previous, 10),
			strconv.FormatUint(r.Current, 10),
			strconv.FormatUint(r.Usage, 10),
			strconv.FormatInt(r.Epoch, 10),
		)
		if err != nil {
			return err
		}
		rows++
		d.feed(rows)
	}
	if err := d.out.End(protocol.BlockReadings); err != nil {
		return err
	}

	logger.Info("readings exported", zap.Int("count", rows))
	return nil
}

func (d *Dispatcher) exportBills(ctx context.Context, logger *zap.Logger, _ string) error {
	rows := 0
	err := d.store.View(ctx, func(q db.Querier) error {
		if err := d.out.Begin(protocol.BlockBills); err != nil {
			return err
		}
		for b, err := range d.repo.ListBills(ctx, q) {
			if err != nil {
				return err
			}
			err = d.out.Record(
				protocol.TagBill,
				b.ReferenceNumber,
				b.AccountNo,
				strconv.FormatInt(b.BillDate, 10),
				strconv.FormatInt(b.DueDate, 10),
				b.RatePerM3.StringFixed(2),
				b.Charges.StringFixed(2),
				b.Deductions.StringFixed(2),
				b.Penalty.StringFixed(2),
				b.TotalDue.StringFixed(2),
				b.Status,
				b.DeviceUID,
			)
			if err != nil {
				return err
			}
			rows++
			d.feed(rows)
		}
		return d.out.End(protocol.BlockBills)
	})
	if err != nil {
		return err
	}

	logger.Info("bills exported", zap.Int("count", rows))
	return nil
}

func (d *Dispatcher) exportBillTransactions(ctx context.Context, logger *zap.Logger, _ string) error {
	rows := 0
	err := d.store.View(ctx, func(q db.Querier) error {
		if err := d.out.Begin(protocol.BlockBillTransactions); err != nil {
			return err
		}
		for t, err := range d.repo.ListBillTransactions(ctx, q) {
			if err != nil {
				return err
			}
			err = d.out.Record(
				protocol.TagBillTransaction,
				t.UID,
				t.ReferenceNumber,
				t.Type,
				t.Amount.StringFixed(2),
				t.CashReceived.StringFixed(2),
				t.Change.StringFixed(2),
				strconv.FormatInt(t.TransactionDate, 10),
				t.PaymentMethod,
				t.DeviceUID,
				t.Notes,
			)
			if err != nil {
				return err
			}
			rows++
			d.feed(rows)
		}
		return d.out.End(protocol.BlockBillTransactions)
	})
	if err != nil {
		return err
	}

	logger.Info("bill transactions exported", zap.Int("count", rows))
	return nil
}
