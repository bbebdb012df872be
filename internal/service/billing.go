package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/septivank/watersystem-sync/internal/billing"
	"github.com/septivank/watersystem-sync/internal/clock"
	"github.com/septivank/watersystem-sync/internal/config"
	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/repository"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	sourceDevice  = "device"
	paymentMethod = "cash"
)

// BillingService settles bills at the counter
type BillingService struct {
	cfg    *config.Config
	store  *db.Store
	repo   *repository.Repository
	clock  *clock.Clock
	logger *zap.Logger
}

// NewBillingService creates a new billing service
func NewBillingService(
	cfg *config.Config,
	store *db.Store,
	repo *repository.Repository,
	clock *clock.Clock,
	logger *zap.Logger,
) *BillingService {
	return &BillingService{
		cfg:    cfg,
		store:  store,
		repo:   repo,
		clock:  clock,
		logger: logger,
	}
}

// Pay records a cash payment against a pending bill and marks it paid.
// The penalty is added once the due date has passed.
func (s *BillingService) Pay(ctx context.Context, reference string, cash decimal.Decimal) (*db.BillTransaction, error) {
	var txn *db.BillTransaction
	err := s.store.Update(ctx, func(tx *sql.Tx) error {
		bill, err := s.pending(ctx, tx, reference)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		due := billing.AmountDue(bill, now)
		change, err := billing.Change(cash, due)
		if err != nil {
			return err
		}

		txn = &db.BillTransaction{
			UID:             uuid.NewString(),
			BillID:          bill.ID,
			ReferenceNumber: bill.ReferenceNumber,
			Type:            db.TransactionPayment,
			Source:          sourceDevice,
			Amount:          due,
			CashReceived:    cash,
			Change:          change,
			TransactionDate: now,
			PaymentMethod:   paymentMethod,
			DeviceUID:       s.cfg.Device.UID,
		}
		if err := s.repo.InsertBillTransaction(ctx, tx, txn); err != nil {
			return err
		}
		return s.repo.SetBillStatus(ctx, tx, reference, db.BillPaid)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pay bill %s: %w", reference, err)
	}

	s.logger.Info("bill paid",
		zap.String("reference_number", reference),
		zap.String("amount", txn.Amount.StringFixed(2)),
		zap.String("change", txn.Change.StringFixed(2)),
	)
	return txn, nil
}

// Void cancels a pending bill
func (s *BillingService) Void(ctx context.Context, reference, notes string) (*db.BillTransaction, error) {
	var txn *db.BillTransaction
	err := s.store.Update(ctx, func(tx *sql.Tx) error {
		bill, err := s.pending(ctx, tx, reference)
		if err != nil {
			return err
		}

		txn = &db.BillTransaction{
			UID:             uuid.NewString(),
			BillID:          bill.ID,
			ReferenceNumber: bill.ReferenceNumber,
			Type:            db.TransactionVoid,
			Source:          sourceDevice,
			Amount:          bill.TotalDue,
			CashReceived:    decimal.Zero,
			Change:          decimal.Zero,
			TransactionDate: s.clock.Now(),
			PaymentMethod:   paymentMethod,
			DeviceUID:       s.cfg.Device.UID,
			Notes:           notes,
		}
		if err := s.repo.InsertBillTransaction(ctx, tx, txn); err != nil {
			return err
		}
		return s.repo.SetBillStatus(ctx, tx, reference, db.BillVoid)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to void bill %s: %w", reference, err)
	}

	s.logger.Info("bill voided", zap.String("reference_number", reference))
	return txn, nil
}

func (s *BillingService) pending(ctx context.Context, q db.Querier, reference string) (*db.Bill, error) {
	bill, err := s.repo.GetBill(ctx, q, reference)
	if err != nil {
		return nil, err
	}
	if bill.Status != db.BillPending {
		return nil, fmt.Errorf("bill %s is %s: %w", reference, bill.Status, syncerr.ErrFormat)
	}
	return bill, nil
}

// PrintCount bumps the receipt counter and returns the new value
func (s *BillingService) PrintCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.store.Update(ctx, func(tx *sql.Tx) error {
		var err error
		count, err = s.repo.IncrementCounter(ctx, tx, repository.InfoPrintCount)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count print: %w", err)
	}
	return count, nil
}
