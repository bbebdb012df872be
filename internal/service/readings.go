package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/septivank/watersystem-sync/internal/anomaly"
	"github.com/septivank/watersystem-sync/internal/billing"
	"github.com/septivank/watersystem-sync/internal/clock"
	"github.com/septivank/watersystem-sync/internal/config"
	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/ledger"
	"github.com/septivank/watersystem-sync/internal/repository"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"go.uber.org/zap"
)

// ReadingService records meter readings taken on the keypad
type ReadingService struct {
	cfg      *config.Config
	store    *db.Store
	repo     *repository.Repository
	ledger   *ledger.Ledger
	clock    *clock.Clock
	detector *anomaly.Detector
	logger   *zap.Logger
}

// NewReadingService creates a new reading service
func NewReadingService(
	cfg *config.Config,
	store *db.Store,
	repo *repository.Repository,
	ledger *ledger.Ledger,
	clock *clock.Clock,
	detector *anomaly.Detector,
	logger *zap.Logger,
) *ReadingService {
	return &ReadingService{
		cfg:      cfg,
		store:    store,
		repo:     repo,
		ledger:   ledger,
		clock:    clock,
		detector: detector,
		logger:   logger,
	}
}

// pricing is everything needed to bill one customer
type pricing struct {
	customer     *db.Customer
	customerType *db.CustomerType
	deduction    *db.Deduction
	settings     *db.Settings
}

func (s *ReadingService) loadPricing(ctx context.Context, accountNo string) (*pricing, error) {
	var p pricing
	err := s.store.View(ctx, func(q db.Querier) error {
		var err error
		if p.customer, err = s.repo.GetCustomer(ctx, q, accountNo); err != nil {
			return err
		}
		if p.customerType, err = s.repo.GetCustomerType(ctx, q, p.customer.TypeID); err != nil {
			return err
		}
		if p.customer.DeductionID.Valid {
			if p.deduction, err = s.repo.GetDeduction(ctx, q, p.customer.DeductionID.Int64); err != nil {
				return err
			}
		}
		p.settings, err = s.repo.GetSettings(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Record accepts a new cumulative meter value for accountNo and returns
// the bill it produced. The ledger append is the commit point; the store
// writes that follow mirror it.
func (s *ReadingService) Record(ctx context.Context, accountNo string, current uint64) (*db.Bill, error) {
	p, err := s.loadPricing(ctx, accountNo)
	if err != nil {
		return nil, fmt.Errorf("failed to load customer %s: %w", accountNo, err)
	}

	customer := p.customer
	if customer.Status != "active" {
		return nil, fmt.Errorf("customer %s is %s: %w", accountNo, customer.Status, syncerr.ErrFormat)
	}
	if current <= customer.PreviousReading {
		return nil, fmt.Errorf("reading %d not above previous %d: %w", current, customer.PreviousReading, syncerr.ErrFormat)
	}

	now := s.clock.Time()
	read, err := s.ledger.HasReadingThisPeriod(accountNo, now.Year(), now.Month(), s.clock.Location())
	if err != nil {
		return nil, fmt.Errorf("failed to check reading period: %w", err)
	}
	if read {
		return nil, fmt.Errorf("%s already read in %s %d: %w", accountNo, now.Month(), now.Year(), syncerr.ErrFormat)
	}

	usage := current - customer.PreviousReading
	s.inspect(accountNo, usage)

	reading := ledger.Reading{
		AccountNo: accountNo,
		DeviceUID: s.cfg.Device.UID,
		Previous:  customer.PreviousReading,
		Current:   current,
		Usage:     usage,
		Epoch:     now.Unix(),
	}
	if err := s.ledger.Append(reading); err != nil {
		return nil, fmt.Errorf("failed to append reading: %w", err)
	}

	amounts := billing.Compute(usage, p.customerType, p.deduction)
	bill := &db.Bill{
		AccountNo:  accountNo,
		TypeID:     customer.TypeID,
		DeviceUID:  s.cfg.Device.UID,
		BillDate:   reading.Epoch,
		DueDate:    billing.DueDate(reading.Epoch, p.settings.BillDueDays, s.clock.Location()),
		RatePerM3:  amounts.RatePerM3,
		Charges:    amounts.Charges,
		Deductions: amounts.Deductions,
		Penalty:    amounts.Penalty,
		TotalDue:   amounts.TotalDue,
		Status:     db.BillPending,
	}

	err = s.store.Update(ctx, func(tx *sql.Tx) error {
		if err := s.repo.AdvanceCustomerReading(ctx, tx, accountNo, current); err != nil {
			return err
		}
		readingID, err := s.repo.InsertReading(ctx, tx, &db.Reading{
			AccountNo:       accountNo,
			DeviceUID:       reading.DeviceUID,
			PreviousReading: reading.Previous,
			CurrentReading:  reading.Current,
			UsageM3:         reading.Usage,
			ReadingAt:       reading.Epoch,
		})
		if err != nil {
			return err
		}
		bill.ReadingID = readingID

		if bill.ReferenceNumber, err = s.repo.NextBillReference(ctx, tx, accountNo, now.Year()); err != nil {
			return err
		}
		bill.ID, err = s.repo.InsertBill(ctx, tx, bill)
		return err
	})
	if err != nil {
		// the ledger already holds the reading and stays authoritative
		s.logger.Error("reading recorded but not billed",
			zap.String("account_no", accountNo),
			zap.Uint64("current_reading", current),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to bill reading: %w", err)
	}

	s.logger.Info("reading recorded",
		zap.String("account_no", accountNo),
		zap.Uint64("usage_m3", usage),
		zap.String("reference_number", bill.ReferenceNumber),
		zap.String("total_due", bill.TotalDue.StringFixed(2)),
	)
	return bill, nil
}

// inspect logs usage that departs from the account's history
func (s *ReadingService) inspect(accountNo string, usage uint64) {
	history, err := s.ledger.History(accountNo, s.cfg.Anomaly.HistoryLimit)
	if err != nil {
		s.logger.Warn("failed to get usage history for anomaly detection",
			zap.String("account_no", accountNo),
			zap.Error(err),
		)
		return
	}

	finding := s.detector.Inspect(usage, history)
	if finding.Anomalous {
		s.logger.Warn("usage anomaly detected",
			zap.String("account_no", accountNo),
			zap.Uint64("usage_m3", usage),
			zap.Float64("average", finding.Average),
			zap.String("reason", finding.Reason),
		)
	}
}
