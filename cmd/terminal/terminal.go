package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/septivank/watersystem-sync/internal/anomaly"
	"github.com/septivank/watersystem-sync/internal/clock"
	"github.com/septivank/watersystem-sync/internal/config"
	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/ledger"
	"github.com/septivank/watersystem-sync/internal/protocol"
	"github.com/septivank/watersystem-sync/internal/report"
	"github.com/septivank/watersystem-sync/internal/repository"
	"github.com/septivank/watersystem-sync/internal/serial"
	"github.com/septivank/watersystem-sync/internal/service"
	"github.com/septivank/watersystem-sync/internal/storage"
	"github.com/septivank/watersystem-sync/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startTerminal(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	conn *serial.Connection,
	dispatcher *service.Dispatcher,
	logger *zap.Logger,
) *serial.Consumer {
	consumer := serial.NewConsumer(conn, dispatcher, cfg.Serial.MaxLineBytes, logger)
	consumer.RegisterLifecycle(lc, shutdowner)

	logger.Info("terminal ready",
		zap.String("device_uid", cfg.Device.UID),
		zap.Int64("brgy_id", cfg.Device.BarangayID),
		zap.String("firmware_version", cfg.Device.FirmwareVersion),
	)
	return consumer
}

// counterLinkClosed keeps the terminal serving the host when the counter
// link goes away
type counterLinkClosed struct {
	logger *zap.Logger
}

func (c counterLinkClosed) Shutdown(...fx.ShutdownOption) error {
	c.logger.Warn("counter link closed, host link stays up")
	return nil
}

// startCounter serves readings and payments on the counter link when one
// is configured
func startCounter(
	lc fx.Lifecycle,
	cfg *config.Config,
	readings *service.ReadingService,
	billing *service.BillingService,
	v *validator.Validator,
	logger *zap.Logger,
) error {
	if cfg.Counter.Port == "" {
		logger.Info("counter link disabled, set COUNTER_PORT to enable it")
		return nil
	}

	counterLogger := logger.Named("counter")
	conn, err := serial.NewConnection(lc, counterLogger, config.SerialConfig{
		Port:         cfg.Counter.Port,
		BaudRate:     cfg.Counter.BaudRate,
		MaxLineBytes: cfg.Serial.MaxLineBytes,
	})
	if err != nil {
		return err
	}

	counter := service.NewCounter(readings, billing, v, protocol.NewWriter(conn), counterLogger)
	consumer := serial.NewConsumer(conn, counter, cfg.Serial.MaxLineBytes, counterLogger)
	consumer.RegisterLifecycle(lc, counterLinkClosed{logger: counterLogger})
	return nil
}

// ProvideMedium creates the removable storage medium
func ProvideMedium(cfg *config.Config, logger *zap.Logger) *storage.Medium {
	return storage.NewMedium(cfg.Storage.Root, logger)
}

// ProvideStore creates the device database. A missing card does not stop
// the terminal; commands report STORAGE_UNAVAILABLE until RELOAD_SD.
func ProvideStore(lc fx.Lifecycle, medium *storage.Medium, cfg *config.Config, logger *zap.Logger) *db.Store {
	store := db.NewStore(medium, medium.Path(cfg.Storage.DBFile), logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := store.Open(ctx); err != nil {
				logger.Error("device database unavailable at boot", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store
}

// ProvideClock creates the device clock
func ProvideClock(medium *storage.Medium, cfg *config.Config, logger *zap.Logger) *clock.Clock {
	offsets := clock.NewFileOffsetStore(medium, medium.Path(cfg.Storage.OffsetFile))
	return clock.New(clock.NewProcessUptime(), offsets, cfg.Device.Location(), logger)
}

// ProvideLedger creates the readings ledger
func ProvideLedger(medium *storage.Medium, cfg *config.Config, logger *zap.Logger) *ledger.Ledger {
	return ledger.New(medium, medium.Path(cfg.Storage.LedgerFile), logger)
}

// ProvideRepository creates a repository stamping rows with device time
func ProvideRepository(clk *clock.Clock) *repository.Repository {
	return repository.NewRepository(clk.Now)
}

// ProvideDetector creates the usage spike detector
func ProvideDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideReadingService creates the service that bills meter readings
func ProvideReadingService(
	cfg *config.Config,
	store *db.Store,
	repo *repository.Repository,
	led *ledger.Ledger,
	clk *clock.Clock,
	detector *anomaly.Detector,
	logger *zap.Logger,
) *service.ReadingService {
	return service.NewReadingService(cfg, store, repo, led, clk, detector, logger)
}

// ProvideBillingService creates the service that settles bills
func ProvideBillingService(
	cfg *config.Config,
	store *db.Store,
	repo *repository.Repository,
	clk *clock.Clock,
	logger *zap.Logger,
) *service.BillingService {
	return service.NewBillingService(cfg, store, repo, clk, logger)
}

// ProvideValidator creates a new validator instance
func ProvideValidator() *validator.Validator {
	return validator.NewValidator()
}

// ProvideReporter creates the diagnostics reporter
func ProvideReporter(
	cfg *config.Config,
	clk *clock.Clock,
	store *db.Store,
	repo *repository.Repository,
	led *ledger.Ledger,
	medium *storage.Medium,
	logger *zap.Logger,
) *report.Reporter {
	return report.NewReporter(cfg.Device, clk, store, repo, led, medium, logger)
}

// ProvideSerialConnection opens the host link
func ProvideSerialConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*serial.Connection, error) {
	return serial.NewConnection(lc, logger, cfg.Serial)
}

// ProvideWriter creates the reply writer on the host link
func ProvideWriter(conn *serial.Connection) *protocol.Writer {
	return protocol.NewWriter(conn)
}

// execRestarter replaces the process with a fresh copy of itself
type execRestarter struct {
	store  *db.Store
	logger *zap.Logger
}

func (r *execRestarter) Restart() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("error closing database before restart", zap.Error(err))
	}
	r.logger.Info("restarting", zap.String("executable", exe))
	_ = r.logger.Sync()

	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("failed to exec %s: %w", exe, err)
	}
	return nil
}

// ProvideRestarter creates the RESTART_DEVICE implementation
func ProvideRestarter(store *db.Store, logger *zap.Logger) service.Restarter {
	return &execRestarter{store: store, logger: logger}
}

// ProvideDispatcher creates the command dispatcher
func ProvideDispatcher(
	cfg *config.Config,
	store *db.Store,
	repo *repository.Repository,
	led *ledger.Ledger,
	clk *clock.Clock,
	medium *storage.Medium,
	v *validator.Validator,
	reporter *report.Reporter,
	out *protocol.Writer,
	restarter service.Restarter,
	logger *zap.Logger,
) *service.Dispatcher {
	// long imports yield so the link reader and signal handling keep running
	watchdog := service.WatchdogFunc(runtime.Gosched)
	return service.NewDispatcher(cfg, store, repo, led, clk, medium, v, reporter, out, watchdog, restarter, logger)
}
