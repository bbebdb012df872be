package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/watersystem-sync/internal/logging"
	"github.com/septivank/watersystem-sync/internal/protocol"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"github.com/septivank/watersystem-sync/internal/validator"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Counter serves the meter reader's keypad link:
//
//	RECORD_READING|account_no|current   ACK|RECORD_READING|reference|total_due|due_date
//	PAY_BILL|reference|cash              ACK|PAY_BILL|transaction_uid|amount|change
//	VOID_BILL|reference|notes            ACK|VOID_BILL|transaction_uid
//	PRINT_RECEIPT                        ACK|PRINT_RECEIPT|print_count
type Counter struct {
	mu sync.Mutex

	readings  *ReadingService
	billing   *BillingService
	validator *validator.Validator
	out       *protocol.Writer
	logger    *zap.Logger
}

// NewCounter creates a counter writing replies to out
func NewCounter(
	readings *ReadingService,
	billing *BillingService,
	validator *validator.Validator,
	out *protocol.Writer,
	logger *zap.Logger,
) *Counter {
	return &Counter{
		readings:  readings,
		billing:   billing,
		validator: validator,
		out:       out,
		logger:    logger,
	}
}

// Dispatch runs one counter line. Failures are reported as ERR lines; the
// returned error is only for a broken link.
func (c *Counter) Dispatch(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	name, payload, _ := strings.Cut(line, protocol.Separator)
	reqLogger := logging.WithCommand(c.logger, uuid.NewString(), name)
	start := time.Now()

	var err error
	switch name {
	case protocol.CmdRecordReading:
		err = c.recordReading(ctx, payload)
	case protocol.CmdPayBill:
		err = c.payBill(ctx, payload)
	case protocol.CmdVoidBill:
		err = c.voidBill(ctx, payload)
	case protocol.CmdPrintReceipt:
		err = c.printReceipt(ctx)
	default:
		reqLogger.Warn("unknown counter command", zap.Int("length", len(line)))
		return c.out.Err(ReasonUnknownCommand, truncateCommand(name))
	}

	if err != nil {
		reason := reasonFor(err)
		reqLogger.Error("counter command failed",
			zap.String("reason", reason),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return c.out.Err(reason)
	}
	reqLogger.Info("counter command completed", zap.Duration("duration", time.Since(start)))
	return nil
}

// Overflow rejects a line longer than the link allows
func (c *Counter) Overflow() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Warn("counter line too long, discarded")
	return c.out.Err(ReasonBadFormat)
}

func (c *Counter) recordReading(ctx context.Context, payload string) error {
	rawAccount, rawCurrent, ok := strings.Cut(payload, protocol.Separator)
	if !ok {
		return fail(ReasonBadFormat, fmt.Errorf("expected account_no|current: %w", syncerr.ErrFormat))
	}
	accountNo, err := c.validator.ParseAccountNo(rawAccount)
	if err != nil {
		return fail(ReasonBadAccountNo, err)
	}
	current, err := strconv.ParseUint(strings.TrimSpace(rawCurrent), 10, 64)
	if err != nil {
		return fail(ReasonBadFormat, fmt.Errorf("reading %q: %w", rawCurrent, syncerr.ErrParseFailed))
	}

	bill, err := c.readings.Record(ctx, accountNo, current)
	if errors.Is(err, syncerr.ErrNotFound) {
		return fail(ReasonCustomerNotFound, err)
	}
	if err != nil {
		return err
	}
	return c.out.Ack(protocol.CmdRecordReading,
		bill.ReferenceNumber,
		bill.TotalDue.StringFixed(2),
		strconv.FormatInt(bill.DueDate, 10),
	)
}

func (c *Counter) payBill(ctx context.Context, payload string) error {
	reference, rawCash, ok := strings.Cut(payload, protocol.Separator)
	if !ok || strings.TrimSpace(reference) == "" {
		return fail(ReasonBadFormat, fmt.Errorf("expected reference|cash: %w", syncerr.ErrFormat))
	}
	cash, err := decimal.NewFromString(strings.TrimSpace(rawCash))
	if err != nil || cash.IsNegative() {
		return fail(ReasonBadFormat, fmt.Errorf("cash %q: %w", rawCash, syncerr.ErrParseFailed))
	}

	txn, err := c.billing.Pay(ctx, strings.TrimSpace(reference), cash)
	if errors.Is(err, syncerr.ErrNotFound) {
		return fail(ReasonBillNotFound, err)
	}
	if err != nil {
		return err
	}
	return c.out.Ack(protocol.CmdPayBill, txn.UID, txn.Amount.StringFixed(2), txn.Change.StringFixed(2))
}

func (c *Counter) voidBill(ctx context.Context, payload string) error {
	reference, notes, _ := strings.Cut(payload, protocol.Separator)
	reference = strings.TrimSpace(reference)
	if reference == "" || strings.Contains(notes, protocol.Separator) {
		return fail(ReasonBadFormat, fmt.Errorf("expected reference|notes: %w", syncerr.ErrFormat))
	}

	txn, err := c.billing.Void(ctx, reference, strings.TrimSpace(notes))
	if errors.Is(err, syncerr.ErrNotFound) {
		return fail(ReasonBillNotFound, err)
	}
	if err != nil {
		return err
	}
	return c.out.Ack(protocol.CmdVoidBill, txn.UID)
}

func (c *Counter) printReceipt(ctx context.Context) error {
	count, err := c.billing.PrintCount(ctx)
	if err != nil {
		return err
	}
	return c.out.Ack(protocol.CmdPrintReceipt, strconv.FormatInt(count, 10))
}
