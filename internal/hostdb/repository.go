package hostdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/watersystem-sync/internal/protocol"
	"github.com/septivank/watersystem-sync/internal/syncerr"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// DeviceReading is a reading received from a terminal
type DeviceReading struct {
	ID              uuid.UUID
	DeviceUID       string
	AccountNo       string
	PreviousReading int64
	CurrentReading  int64
	UsageM3         int64
	ReadingAt       time.Time
	ReceivedAt      time.Time
}

// DeviceSync is one completed sync run against a terminal
type DeviceSync struct {
	ID           uuid.UUID
	DeviceUID    string
	ReadingCount int
	Inserted     int
	SyncedAt     time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS device_readings (
		id UUID PRIMARY KEY,
		device_uid TEXT NOT NULL,
		account_no TEXT NOT NULL,
		previous_reading BIGINT NOT NULL CHECK (previous_reading >= 0),
		current_reading BIGINT NOT NULL CHECK (current_reading >= previous_reading),
		usage_m3 BIGINT NOT NULL,
		reading_at TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL,
		UNIQUE (device_uid, account_no, reading_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_readings_account ON device_readings (account_no, reading_at DESC)`,
	`CREATE TABLE IF NOT EXISTS device_syncs (
		id UUID PRIMARY KEY,
		device_uid TEXT NOT NULL,
		reading_count INTEGER NOT NULL,
		inserted INTEGER NOT NULL,
		synced_at TIMESTAMPTZ NOT NULL
	)`,
}

// Repository handles host database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSchema creates the sync tables when missing
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply host schema: %w", err)
		}
	}
	return nil
}

// BeginTx starts a new transaction
func (r *Repository) BeginTx(ctx context.Context) (Tx, error) {
	return r.pool.Begin(ctx)
}

// InsertReading stores a reading once. It reports false when the same
// device already delivered the reading in an earlier sync.
func (r *Repository) InsertReading(ctx context.Context, tx Tx, reading *DeviceReading) (bool, error) {
	query := `
		INSERT INTO device_readings (
			id, device_uid, account_no, previous_reading, current_reading,
			usage_m3, reading_at, received_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_uid, account_no, reading_at) DO NOTHING
		RETURNING id
	`

	if reading.ID == uuid.Nil {
		reading.ID = uuid.New()
	}
	err := tx.QueryRow(ctx, query,
		reading.ID,
		reading.DeviceUID,
		reading.AccountNo,
		reading.PreviousReading,
		reading.CurrentReading,
		reading.UsageM3,
		reading.ReadingAt,
		reading.ReceivedAt,
	).Scan(&reading.ID)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert reading for %s: %w", reading.AccountNo, err)
	}
	return true, nil
}

// InsertSync records a completed sync run
func (r *Repository) InsertSync(ctx context.Context, tx Tx, s *DeviceSync) error {
	query := `
		INSERT INTO device_syncs (id, device_uid, reading_count, inserted, synced_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := tx.Exec(ctx, query, s.ID, s.DeviceUID, s.ReadingCount, s.Inserted, s.SyncedAt)
	if err != nil {
		return fmt.Errorf("failed to insert sync for %s: %w", s.DeviceUID, err)
	}
	return nil
}

// StoreReadings saves one device export and its sync record in a single
// transaction. It returns the readings that were new to the host.
func (r *Repository) StoreReadings(ctx context.Context, deviceUID string, readings []*DeviceReading, syncedAt time.Time) ([]*DeviceReading, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted []*DeviceReading
	for _, reading := range readings {
		isNew, err := r.InsertReading(ctx, tx, reading)
		if err != nil {
			return nil, err
		}
		if isNew {
			inserted = append(inserted, reading)
		}
	}

	err = r.InsertSync(ctx, tx, &DeviceSync{
		DeviceUID:    deviceUID,
		ReadingCount: len(readings),
		Inserted:     len(inserted),
		SyncedAt:     syncedAt,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

// GetLastSync returns the most recent sync of a device
func (r *Repository) GetLastSync(ctx context.Context, deviceUID string) (*DeviceSync, error) {
	query := `
		SELECT id, device_uid, reading_count, inserted, synced_at
		FROM device_syncs
		WHERE device_uid = $1
		ORDER BY synced_at DESC
		LIMIT 1
	`

	var s DeviceSync
	err := r.pool.QueryRow(ctx, query, deviceUID).Scan(
		&s.ID,
		&s.DeviceUID,
		&s.ReadingCount,
		&s.Inserted,
		&s.SyncedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no sync for %s: %w", deviceUID, syncerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last sync: %w", err)
	}
	return &s, nil
}

// ReadingFromRecord converts a READ|account|previous|current|usage|epoch
// block line
func ReadingFromRecord(deviceUID string, fields []string, receivedAt time.Time) (*DeviceReading, error) {
	if len(fields) != 6 || fields[0] != protocol.TagReading {
		return nil, fmt.Errorf("reading record %v: %w", fields, syncerr.ErrFormat)
	}

	values := make([]int64, 4)
	for i, raw := range fields[2:] {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("reading record field %q: %w", raw, syncerr.ErrParseFailed)
		}
		values[i] = v
	}
	previous, current, usage, epoch := values[0], values[1], values[2], values[3]
	if current < previous || usage != current-previous {
		return nil, fmt.Errorf("reading record usage %d for %d-%d: %w", usage, current, previous, syncerr.ErrFormat)
	}

	return &DeviceReading{
		DeviceUID:       deviceUID,
		AccountNo:       fields[1],
		PreviousReading: previous,
		CurrentReading:  current,
		UsageM3:         usage,
		ReadingAt:       time.Unix(epoch, 0).UTC(),
		ReceivedAt:      receivedAt,
	}, nil
}
