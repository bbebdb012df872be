package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/watersystem-sync/internal/clock"
	"github.com/septivank/watersystem-sync/internal/config"
	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/ledger"
	"github.com/septivank/watersystem-sync/internal/logging"
	"github.com/septivank/watersystem-sync/internal/protocol"
	"github.com/septivank/watersystem-sync/internal/report"
	"github.com/septivank/watersystem-sync/internal/repository"
	"github.com/septivank/watersystem-sync/internal/storage"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"github.com/septivank/watersystem-sync/internal/validator"
	"go.uber.org/zap"
)

// Reason tokens beyond the generic error kinds
const (
	ReasonUnknownCommand     = "UNKNOWN_COMMAND"
	ReasonBadChunkFormat     = "BAD_CHUNK_FORMAT"
	ReasonChunkTooLarge      = "CHUNK_TOO_LARGE"
	ReasonJSONParseFailed    = "JSON_PARSE_FAILED"
	ReasonBadFormat          = "BAD_FORMAT"
	ReasonUpsertFailed       = "UPSERT_FAILED"
	ReasonCustomerNotFound   = "CUSTOMER_NOT_FOUND"
	ReasonBillNotFound       = "BILL_NOT_FOUND"
	ReasonBadAccountNo       = "BAD_ACCOUNT_NO"
	ReasonBadTime            = "BAD_TIME"
	ReasonBadLastSync        = "BAD_LAST_SYNC"
	ReasonReadingsSyncFailed = "READINGS_SYNC_FAILED"
	ReasonFormatFailed       = "FORMAT_FAILED"
	ReasonDropDBFailed       = "DROP_DB_FAILED"
	ReasonStorageUnavailable = "STORAGE_UNAVAILABLE"
)

// Watchdog is fed during long loops so the platform does not consider the
// terminal hung
type Watchdog interface {
	Feed()
}

// WatchdogFunc adapts a function to Watchdog
type WatchdogFunc func()

// Feed calls f
func (f WatchdogFunc) Feed() { f() }

// Restarter replaces the running process
type Restarter interface {
	Restart() error
}

// CommandError carries the reason token reported for a failed command
type CommandError struct {
	Reason string
	Err    error
}

func (e *CommandError) Error() string {
	return e.Reason + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func fail(reason string, err error) error {
	return &CommandError{Reason: reason, Err: err}
}

// reasonFor picks the ERR token for err. A missing medium always wins so
// the host sees one consistent reason until RELOAD_SD succeeds.
func reasonFor(err error) string {
	if errors.Is(err, syncerr.ErrStorageUnavailable) {
		return ReasonStorageUnavailable
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Reason
	}
	return syncerr.Reason(err)
}

type handler func(ctx context.Context, logger *zap.Logger, payload string) error

// Dispatcher executes protocol commands one at a time. It holds no
// persisted state; the chunk tally only lives for one import session.
type Dispatcher struct {
	mu sync.Mutex

	cfg       *config.Config
	store     *db.Store
	repo      *repository.Repository
	ledger    *ledger.Ledger
	clock     *clock.Clock
	medium    *storage.Medium
	validator *validator.Validator
	reporter  *report.Reporter
	out       *protocol.Writer
	watchdog  Watchdog
	restarter Restarter
	logger    *zap.Logger

	bare     map[string]handler
	prefixed map[string]handler

	// rows committed per chunk index of each open chunked import
	chunkRows map[string]map[int]int
}

// NewDispatcher creates a new dispatcher writing replies to out
func NewDispatcher(
	cfg *config.Config,
	store *db.Store,
	repo *repository.Repository,
	ledger *ledger.Ledger,
	clock *clock.Clock,
	medium *storage.Medium,
	validator *validator.Validator,
	reporter *report.Reporter,
	out *protocol.Writer,
	watchdog Watchdog,
	restarter Restarter,
	logger *zap.Logger,
) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		store:     store,
		repo:      repo,
		ledger:    ledger,
		clock:     clock,
		medium:    medium,
		validator: validator,
		reporter:  reporter,
		out:       out,
		watchdog:  watchdog,
		restarter: restarter,
		logger:    logger,
		chunkRows: make(map[string]map[int]int),
	}

	d.bare = map[string]handler{
		protocol.CmdExportCustomers:        d.exportCustomers,
		protocol.CmdExportCustomerTypes:    d.exportCustomerTypes,
		protocol.CmdExportDeviceInfo:       d.exportDeviceInfo,
		protocol.CmdExportReadings:         d.exportReadings,
		protocol.CmdExportBills:            d.exportBills,
		protocol.CmdExportBillTransactions: d.exportBillTransactions,
		protocol.CmdReadingsSynced:         d.readingsSynced,
		protocol.CmdReloadSD:               d.reloadSD,
		protocol.CmdFormatSD:               d.formatSD,
		protocol.CmdDropDB:                 d.dropDB,
		protocol.CmdRestartDevice:          d.restartDevice,
	}
	d.prefixed = map[string]handler{
		protocol.CmdSetTime:                     d.setTime,
		protocol.CmdSetLastSync:                 d.setLastSync,
		protocol.CmdUpsertCustomersJSON:         d.upsertCustomersJSON,
		protocol.CmdUpsertCustomersChunk:        d.upsertCustomersChunk,
		protocol.CmdUpsertNewCustomersChunk:     d.upsertNewCustomersChunk,
		protocol.CmdUpsertUpdatedCustomersChunk: d.upsertUpdatedCustomersChunk,
		protocol.CmdUpsertBillsChunk:            d.upsertBillsChunk,
		protocol.CmdUpsertBillTransactionsChunk: d.upsertBillTransactionsChunk,
		protocol.CmdUpsertDeduction:             d.upsertDeduction,
		protocol.CmdUpsertCustomerType:          d.upsertCustomerType,
		protocol.CmdUpsertBarangay:              d.upsertBarangay,
		protocol.CmdUpsertSettings:              d.upsertSettings,
		protocol.CmdRemoveCustomer:              d.removeCustomer,
	}
	return d
}

// Dispatch runs one command line. Command failures are reported on the
// link as ERR lines; the returned error is only for a broken link.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	name, payload, parameterized := strings.Cut(line, protocol.Separator)
	var h handler
	if parameterized {
		h = d.prefixed[name]
	} else {
		h = d.bare[name]
	}

	reqLogger := logging.WithCommand(d.logger, uuid.NewString(), name)
	if h == nil {
		reqLogger.Warn("unknown command", zap.Int("length", len(line)))
		return d.out.Err(ReasonUnknownCommand, truncateCommand(name))
	}

	start := time.Now()
	reqLogger.Info("processing command", zap.Int("payload_bytes", len(payload)))

	err := h(ctx, reqLogger, payload)
	if err != nil {
		reason := reasonFor(err)
		reqLogger.Error("command failed",
			zap.String("reason", reason),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return d.out.Err(reason)
	}

	reqLogger.Info("command completed", zap.Duration("duration", time.Since(start)))
	return nil
}

// Overflow rejects a command line that exceeded the link's line limit and
// was discarded unread
func (d *Dispatcher) Overflow() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Warn("command line too long, discarded")
	return d.out.Err(ReasonChunkTooLarge)
}

// feed yields to the watchdog every WatchdogEvery rows
func (d *Dispatcher) feed(row int) {
	every := d.cfg.Import.WatchdogEvery
	if every > 0 && row > 0 && row%every == 0 {
		d.watchdog.Feed()
	}
}

func truncateCommand(name string) string {
	return protocol.Truncate(name, 48)
}
