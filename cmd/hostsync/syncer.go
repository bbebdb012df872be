package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/septivank/watersystem-sync/internal/config"
	"github.com/septivank/watersystem-sync/internal/hostdb"
	"github.com/septivank/watersystem-sync/internal/mq"
	"github.com/septivank/watersystem-sync/internal/protocol"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"github.com/septivank/watersystem-sync/tools/timeparser"
	"go.uber.org/zap"
)

type deviceLink interface {
	Send(ctx context.Context, line string) (*protocol.Reply, error)
}

type readingStore interface {
	GetLastSync(ctx context.Context, deviceUID string) (*hostdb.DeviceSync, error)
	StoreReadings(ctx context.Context, deviceUID string, readings []*hostdb.DeviceReading, syncedAt time.Time) ([]*hostdb.DeviceReading, error)
}

type eventPublisher interface {
	PublishReadingSynced(ctx context.Context, event mq.ReadingSyncedEvent, routingKey string) error
}

// SyncResult summarises one sync run
type SyncResult struct {
	DeviceUID    string
	PreviousSync time.Time
	ClockSet     bool
	Exported     int
	Inserted     int
	Flipped      int
}

// Syncer pulls pending readings from a terminal into the host database
type Syncer struct {
	link      deviceLink
	store     readingStore
	publisher eventPublisher
	cfg       *config.HostConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewSyncer creates a new syncer
func NewSyncer(link deviceLink, store readingStore, publisher eventPublisher, cfg *config.HostConfig, logger *zap.Logger) *Syncer {
	return &Syncer{
		link:      link,
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// Run performs one sync. Readings are only marked synced on the device
// after the host has committed them, so a failed run can be repeated.
func (s *Syncer) Run(ctx context.Context) (*SyncResult, error) {
	info, err := s.deviceInfo(ctx)
	if err != nil {
		return nil, err
	}
	result := &SyncResult{DeviceUID: info["device_uid"]}
	if result.DeviceUID == "" {
		return nil, errors.New("device did not report its uid")
	}
	logger := s.logger.With(zap.String("device_uid", result.DeviceUID))

	last, err := s.store.GetLastSync(ctx, result.DeviceUID)
	switch {
	case err == nil:
		result.PreviousSync = last.SyncedAt
		logger.Info("previous sync found", zap.Time("synced_at", last.SyncedAt), zap.Int("inserted", last.Inserted))
	case errors.Is(err, syncerr.ErrNotFound):
		logger.Info("first sync for device")
	default:
		return nil, fmt.Errorf("failed to read last sync: %w", err)
	}

	now := s.now()
	if s.clockDrifted(info["device_epoch"], now) {
		if _, err := s.send(ctx, protocol.CmdSetTime+protocol.Separator+strconv.FormatInt(now.Unix(), 10)); err != nil {
			return nil, err
		}
		result.ClockSet = true
		logger.Info("device clock set", zap.Time("host_time", now))
	}

	reply, err := s.send(ctx, protocol.CmdExportReadings)
	if err != nil {
		return nil, err
	}
	readings := make([]*hostdb.DeviceReading, 0, len(reply.Records))
	for _, record := range reply.Records {
		reading, err := hostdb.ReadingFromRecord(result.DeviceUID, record, now)
		if err != nil {
			return nil, fmt.Errorf("failed to parse exported reading: %w", err)
		}
		readings = append(readings, reading)
	}
	result.Exported = len(readings)

	inserted, err := s.store.StoreReadings(ctx, result.DeviceUID, readings, now)
	if err != nil {
		return nil, fmt.Errorf("failed to store readings: %w", err)
	}
	result.Inserted = len(inserted)

	for _, reading := range inserted {
		event := mq.ReadingSyncedEvent{
			DeviceUID:       reading.DeviceUID,
			AccountNo:       reading.AccountNo,
			PreviousReading: reading.PreviousReading,
			CurrentReading:  reading.CurrentReading,
			UsageM3:         reading.UsageM3,
			ReadingAt:       reading.ReadingAt,
			SyncedAt:        now,
		}
		if err := s.publisher.PublishReadingSynced(ctx, event, s.cfg.RabbitMQ.SyncedRoutingKey); err != nil {
			// stored already; consumers can backfill from the table
			logger.Error("failed to publish reading event",
				zap.String("account_no", reading.AccountNo),
				zap.Error(err),
			)
		}
	}

	ack, err := s.send(ctx, protocol.CmdReadingsSynced)
	if err != nil {
		return nil, err
	}
	if len(ack.Detail) > 0 {
		flipped, err := strconv.Atoi(ack.Detail[0])
		if err != nil {
			logger.Warn("malformed READINGS_SYNCED count",
				zap.String("detail", ack.Detail[0]),
				zap.Error(err),
			)
		} else {
			result.Flipped = flipped
		}
	}

	if _, err := s.send(ctx, protocol.CmdSetLastSync+protocol.Separator+strconv.FormatInt(now.Unix(), 10)); err != nil {
		return nil, err
	}

	logger.Info("sync completed",
		zap.Int("exported", result.Exported),
		zap.Int("inserted", result.Inserted),
		zap.Int("flipped", result.Flipped),
	)
	return result, nil
}

func (s *Syncer) deviceInfo(ctx context.Context) (map[string]string, error) {
	reply, err := s.send(ctx, protocol.CmdExportDeviceInfo)
	if err != nil {
		return nil, err
	}
	info := make(map[string]string, len(reply.Records))
	for _, record := range reply.Records {
		if len(record) == 3 && record[0] == protocol.TagInfo {
			info[record[1]] = record[2]
		}
	}
	return info, nil
}

// clockDrifted reports whether the device epoch is missing or off by more
// than the configured tolerance
func (s *Syncer) clockDrifted(deviceEpoch string, now time.Time) bool {
	epoch, err := strconv.ParseInt(deviceEpoch, 10, 64)
	if err != nil {
		return true
	}
	return !timeparser.IsWithinTolerance(time.Unix(epoch, 0), now, s.cfg.ClockTolerance)
}

func (s *Syncer) send(ctx context.Context, line string) (*protocol.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	return s.link.Send(ctx, line)
}
