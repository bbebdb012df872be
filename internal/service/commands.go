package service

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/septivank/watersystem-sync/internal/protocol"
	"github.com/septivank/watersystem-sync/internal/repository"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"go.uber.org/zap"
)

func (d *Dispatcher) setTime(_ context.Context, logger *zap.Logger, payload string) error {
	epoch, err := d.validator.ParseEpoch(payload)
	if err != nil {
		return fail(ReasonBadTime, err)
	}

	detail := []string{strconv.FormatInt(epoch, 10)}
	if err := d.clock.SetEpoch(epoch); err != nil {
		// the running clock is already correct; only persistence failed
		logger.Warn("clock offset not persisted", zap.Error(err))
		detail = append(detail, "NOT_PERSISTED")
	}
	return d.out.Ack(protocol.CmdSetTime, detail...)
}

func (d *Dispatcher) setLastSync(ctx context.Context, _ *zap.Logger, payload string) error {
	epoch, err := d.validator.ParseEpoch(payload)
	if err != nil {
		return fail(ReasonBadLastSync, err)
	}

	value := strconv.FormatInt(epoch, 10)
	err = d.store.Update(ctx, func(tx *sql.Tx) error {
		return d.repo.SetDeviceInfo(ctx, tx, repository.InfoLastSync, value)
	})
	if err != nil {
		return err
	}
	return d.out.Ack(protocol.CmdSetLastSync, value)
}

func (d *Dispatcher) readingsSynced(ctx context.Context, logger *zap.Logger, _ string) error {
	flipped, err := d.ledger.MarkAllSynced()
	if err != nil {
		return fail(ReasonReadingsSyncFailed, err)
	}

	now := strconv.FormatInt(d.clock.Now(), 10)
	err = d.store.Update(ctx, func(tx *sql.Tx) error {
		if _, err := d.repo.MarkReadingsSynced(ctx, tx); err != nil {
			return err
		}
		return d.repo.SetDeviceInfo(ctx, tx, repository.InfoLastSync, now)
	})
	if err != nil {
		// ledger already flipped; a retry flips nothing and records the sync
		return fail(ReasonReadingsSyncFailed, err)
	}

	logger.Info("readings marked synced", zap.Int("flipped", flipped))
	return d.out.Ack(protocol.CmdReadingsSynced, strconv.Itoa(flipped))
}

func (d *Dispatcher) upsertDeduction(ctx context.Context, _ *zap.Logger, payload string) error {
	deduction, err := d.validator.ParseDeduction(payload)
	if err != nil {
		return fail(ReasonBadFormat, err)
	}
	err = d.store.Update(ctx, func(tx *sql.Tx) error {
		return d.repo.UpsertDeduction(ctx, tx, deduction)
	})
	if err != nil {
		return fail(ReasonUpsertFailed, err)
	}
	return d.out.Ack(protocol.CmdUpsertDeduction, strconv.FormatInt(deduction.ID, 10))
}

func (d *Dispatcher) upsertCustomerType(ctx context.Context, _ *zap.Logger, payload string) error {
	customerType, err := d.validator.ParseCustomerType(payload)
	if err != nil {
		return fail(ReasonBadFormat, err)
	}
	err = d.store.Update(ctx, func(tx *sql.Tx) error {
		return d.repo.UpsertCustomerType(ctx, tx, customerType)
	})
	if err != nil {
		return fail(ReasonUpsertFailed, err)
	}
	return d.out.Ack(protocol.CmdUpsertCustomerType, strconv.FormatInt(customerType.ID, 10))
}

func (d *Dispatcher) upsertBarangay(ctx context.Context, _ *zap.Logger, payload string) error {
	barangay, err := d.validator.ParseBarangay(payload)
	if err != nil {
		return fail(ReasonBadFormat, err)
	}
	err = d.store.Update(ctx, func(tx *sql.Tx) error {
		return d.repo.UpsertBarangay(ctx, tx, barangay)
	})
	if err != nil {
		return fail(ReasonUpsertFailed, err)
	}
	return d.out.Ack(protocol.CmdUpsertBarangay, strconv.FormatInt(barangay.ID, 10))
}

func (d *Dispatcher) upsertSettings(ctx context.Context, _ *zap.Logger, payload string) error {
	settings, err := d.validator.ParseSettings(payload)
	if err != nil {
		return fail(ReasonBadFormat, err)
	}
	err = d.store.Update(ctx, func(tx *sql.Tx) error {
		return d.repo.UpsertSettings(ctx, tx, settings)
	})
	if err != nil {
		return fail(ReasonUpsertFailed, err)
	}
	return d.out.Ack(protocol.CmdUpsertSettings, strconv.FormatInt(settings.ID, 10))
}

func (d *Dispatcher) removeCustomer(ctx context.Context, _ *zap.Logger, payload string) error {
	accountNo, err := d.validator.ParseAccountNo(payload)
	if err != nil {
		return fail(ReasonBadAccountNo, err)
	}
	err = d.store.Update(ctx, func(tx *sql.Tx) error {
		return d.repo.RemoveCustomer(ctx, tx, accountNo)
	})
	if errors.Is(err, syncerr.ErrNotFound) {
		return fail(ReasonCustomerNotFound, err)
	}
	if err != nil {
		return err
	}
	return d.out.Ack(protocol.CmdRemoveCustomer, accountNo)
}

func (d *Dispatcher) reloadSD(ctx context.Context, logger *zap.Logger, _ string) error {
	if err := d.store.Reload(ctx); err != nil {
		return err
	}
	d.clock.Reload()

	logger.Info("storage reloaded", zap.String("root", d.medium.Root()))
	return d.out.Ack(protocol.CmdReloadSD)
}

func (d *Dispatcher) formatSD(_ context.Context, logger *zap.Logger, _ string) error {
	// the store stays closed until RELOAD_SD
	if err := d.store.Close(); err != nil {
		logger.Warn("error closing database before format", zap.Error(err))
	}

	removed, err := d.medium.Format()
	if err != nil {
		return fail(ReasonFormatFailed, err)
	}
	clear(d.chunkRows)

	if removed == 0 {
		return d.out.Ack(protocol.CmdFormatSD, "ALREADY_EMPTY")
	}
	return d.out.Ack(protocol.CmdFormatSD, strconv.Itoa(removed))
}

func (d *Dispatcher) dropDB(ctx context.Context, _ *zap.Logger, _ string) error {
	if err := d.store.Drop(ctx); err != nil {
		return fail(ReasonDropDBFailed, err)
	}
	clear(d.chunkRows)
	return d.out.Ack(protocol.CmdDropDB)
}

func (d *Dispatcher) restartDevice(_ context.Context, logger *zap.Logger, _ string) error {
	if err := d.out.Ack(protocol.CmdRestartDevice); err != nil {
		return err
	}
	if err := d.restarter.Restart(); err != nil {
		// already acknowledged, nothing more to report on the link
		logger.Error("restart failed", zap.Error(err))
	}
	return nil
}
