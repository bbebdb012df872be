// Package report builds the EXPORT_DEVICE_INFO diagnostics snapshot.
package report

import (
	"context"
	"errors"
	"runtime"
	"strconv"

	"github.com/septivank/watersystem-sync/internal/config"
	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/repository"
	"github.com/septivank/watersystem-sync/internal/storage"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"go.uber.org/zap"
)

const unavailable = "unavailable"

// Entry is one key/value line of the report
type Entry struct {
	Key   string
	Value string
}

// Clock is the device time source
type Clock interface {
	Now() int64
	Offset() int64
}

// Ledger counts pending readings
type Ledger interface {
	Counts() (total, unsynced int, err error)
}

// Medium reports removable storage presence and capacity
type Medium interface {
	Available() bool
	Usage() (storage.Usage, error)
}

// Reporter assembles device diagnostics. It only reads.
type Reporter struct {
	device config.DeviceConfig
	clock  Clock
	store  *db.Store
	repo   *repository.Repository
	ledger Ledger
	medium Medium
	logger *zap.Logger
}

// NewReporter creates a new reporter
func NewReporter(
	device config.DeviceConfig,
	clock Clock,
	store *db.Store,
	repo *repository.Repository,
	ledger Ledger,
	medium Medium,
	logger *zap.Logger,
) *Reporter {
	return &Reporter{
		device: device,
		clock:  clock,
		store:  store,
		repo:   repo,
		ledger: ledger,
		medium: medium,
		logger: logger,
	}
}

// Report returns the diagnostics in a stable order. Sections that cannot
// be read are reported as unavailable rather than failing the report.
func (r *Reporter) Report(ctx context.Context) []Entry {
	entries := []Entry{
		{"device_type", r.device.Type},
		{"firmware_version", r.device.FirmwareVersion},
		{"device_id", r.device.ID},
		{"brgy_id", strconv.FormatInt(r.device.BarangayID, 10)},
		{"device_uid", r.device.UID},
		{"device_name", r.device.Name},
		{"device_epoch", strconv.FormatInt(r.clock.Now(), 10)},
		{"time_offset", strconv.FormatInt(r.clock.Offset(), 10)},
	}

	entries = append(entries, r.storeEntries(ctx)...)
	entries = append(entries, r.ledgerEntries()...)
	entries = append(entries, r.storageEntries()...)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	entries = append(entries,
		Entry{"go_heap_alloc_bytes", strconv.FormatUint(mem.HeapAlloc, 10)},
		Entry{"goroutines", strconv.Itoa(runtime.NumGoroutine())},
	)
	return entries
}

func (r *Reporter) storeEntries(ctx context.Context) []Entry {
	var (
		lastSync   = "0"
		printCount = "0"
		customers  int
	)
	err := r.store.View(ctx, func(q db.Querier) error {
		var err error
		if lastSync, err = r.infoOr(ctx, q, repository.InfoLastSync, "0"); err != nil {
			return err
		}
		if printCount, err = r.infoOr(ctx, q, repository.InfoPrintCount, "0"); err != nil {
			return err
		}
		customers, err = r.repo.CountCustomers(ctx, q)
		return err
	})
	if err != nil {
		r.logger.Warn("device database unavailable for report", zap.Error(err))
		return []Entry{
			{"last_sync_epoch", unavailable},
			{"print_count", unavailable},
			{"customer_count", unavailable},
		}
	}

	return []Entry{
		{"last_sync_epoch", lastSync},
		{"print_count", printCount},
		{"customer_count", strconv.Itoa(customers)},
	}
}

func (r *Reporter) infoOr(ctx context.Context, q db.Querier, key, fallback string) (string, error) {
	value, err := r.repo.GetDeviceInfo(ctx, q, key)
	if errors.Is(err, syncerr.ErrNotFound) {
		return fallback, nil
	}
	return value, err
}

func (r *Reporter) ledgerEntries() []Entry {
	total, unsynced, err := r.ledger.Counts()
	if err != nil {
		r.logger.Warn("ledger unavailable for report", zap.Error(err))
		return []Entry{
			{"pending_readings", unavailable},
			{"total_readings", unavailable},
		}
	}
	return []Entry{
		{"pending_readings", strconv.Itoa(unsynced)},
		{"total_readings", strconv.Itoa(total)},
	}
}

func (r *Reporter) storageEntries() []Entry {
	if !r.medium.Available() {
		return []Entry{{"sd_present", "0"}}
	}

	usage, err := r.medium.Usage()
	if err != nil {
		r.logger.Warn("storage capacity unavailable", zap.Error(err))
		return []Entry{
			{"sd_present", "1"},
			{"sd_total_bytes", unavailable},
			{"sd_used_bytes", unavailable},
			{"sd_free_bytes", unavailable},
		}
	}

	return []Entry{
		{"sd_present", "1"},
		{"sd_total_bytes", strconv.FormatUint(usage.Total, 10)},
		{"sd_used_bytes", strconv.FormatUint(usage.Used, 10)},
		{"sd_free_bytes", strconv.FormatUint(usage.Free(), 10)},
	}
}
