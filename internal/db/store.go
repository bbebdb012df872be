package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/septivank/watersystem-sync/internal/storage"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Querier is satisfied by *sql.DB and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Store is the SQLite database file on the removable medium. A store that
// failed to open stays closed and every call fails with
// ErrStorageUnavailable until Reload succeeds.
type Store struct {
	medium *storage.Medium
	path   string
	logger *zap.Logger
	db     *sql.DB
}

// NewStore creates a closed store for the database file at path
func NewStore(medium *storage.Medium, path string, logger *zap.Logger) *Store {
	return &Store{medium: medium, path: path, logger: logger}
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// IsOpen reports whether the database is open
func (s *Store) IsOpen() bool {
	s.medium.Lock()
	defer s.medium.Unlock()
	return s.db != nil
}

// Open opens the database and applies the schema. Opening an open store is
// a no-op.
func (s *Store) Open(ctx context.Context) error {
	s.logger.Info("opening device database", zap.String("path", s.path))

	err := s.medium.Access(func() error {
		if s.db != nil {
			return nil
		}
		return s.openLocked(ctx)
	})
	if err != nil {
		s.logger.Error("device database unavailable", zap.Error(err))
		return err
	}

	s.logger.Info("device database ready")
	return nil
}

func (s *Store) openLocked(ctx context.Context) error {
	if err := storage.EnsureDir(s.path); err != nil {
		return fmt.Errorf("%v: %w", err, syncerr.ErrStorageUnavailable)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", s.path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open %s: %v: %w", s.path, err, syncerr.ErrStorageUnavailable)
	}
	// one writer, and the per-connection pragmas below stick
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("ping %s: %v: %w", s.path, err, syncerr.ErrStorageUnavailable)
	}

	for _, pragma := range []string{"PRAGMA temp_store = MEMORY", "PRAGMA cache_size = -256"} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return fmt.Errorf("%s: %v: %w", pragma, err, syncerr.ErrStorageUnavailable)
		}
	}

	if err := migrate(ctx, conn); err != nil {
		conn.Close()
		return fmt.Errorf("apply schema: %v: %w", err, syncerr.ErrStorageUnavailable)
	}

	s.db = conn
	return nil
}

func migrate(ctx context.Context, conn *sql.DB) error {
	for _, stmt := range schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	var count int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM barangay_sequence`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, b := range defaultBarangays {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO barangay_sequence (brgy_id, barangay, prefix, next_number, created_at, updated_at) VALUES (?, ?, ?, ?, 0, 0)`,
			b.ID, b.Name, b.Prefix, b.NextNumber)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	s.medium.Lock()
	defer s.medium.Unlock()
	return s.closeLocked()
}

func (s *Store) closeLocked() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	s.logger.Info("device database closed")
	return nil
}

// Reload closes and reopens the database, e.g. after the card was swapped
func (s *Store) Reload(ctx context.Context) error {
	closeErr := s.Close()
	if err := s.Open(ctx); err != nil {
		return multierr.Append(closeErr, err)
	}
	if closeErr != nil {
		s.logger.Warn("error closing database during reload", zap.Error(closeErr))
	}
	return nil
}

// Drop deletes the database file and recreates an empty schema
func (s *Store) Drop(ctx context.Context) error {
	err := s.medium.Access(func() error {
		if err := s.closeLocked(); err != nil {
			s.logger.Warn("error closing database before drop", zap.Error(err))
		}
		var errs error
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(s.path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = multierr.Append(errs, err)
			}
		}
		if errs != nil {
			return fmt.Errorf("remove database: %v: %w", errs, syncerr.ErrWriteFailed)
		}
		return s.openLocked(ctx)
	})
	if err != nil {
		s.logger.Error("failed to drop database", zap.Error(err))
		return err
	}
	s.logger.Info("device database dropped and recreated")
	return nil
}

// Exec runs a single statement outside a transaction
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	return s.View(ctx, func(q Querier) error {
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("exec: %v: %w", err, syncerr.ErrQueryFailed)
		}
		return nil
	})
}

// View runs fn against the open database without a transaction
func (s *Store) View(ctx context.Context, fn func(q Querier) error) error {
	return s.medium.Access(func() error {
		if s.db == nil {
			return fmt.Errorf("database closed: %w", syncerr.ErrStorageUnavailable)
		}
		return fn(s.db)
	})
}

// Update runs fn inside one transaction. Every statement commits together or
// the whole transaction rolls back when fn or the commit fails.
func (s *Store) Update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.medium.Access(func() error {
		if s.db == nil {
			return fmt.Errorf("database closed: %w", syncerr.ErrStorageUnavailable)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %v: %w", err, syncerr.ErrQueryFailed)
		}

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Error("rollback failed", zap.Error(rbErr))
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %v: %w", err, syncerr.ErrQueryFailed)
		}
		return nil
	})
}
