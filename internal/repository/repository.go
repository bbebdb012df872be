package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/septivank/watersystem-sync/internal/syncerr"
)

// Repository holds the SQL for every device table. Methods take the
// querier to run against so callers decide the transaction scope.
type Repository struct {
	now func() int64
}

// NewRepository creates a new repository stamping rows with now
func NewRepository(now func() int64) *Repository {
	return &Repository{now: now}
}

// createdAt keeps a host-supplied creation time and falls back to now
func (r *Repository) createdAt(host int64) int64 {
	if host > 0 {
		return host
	}
	return r.now()
}

func queryErr(action string, err error) error {
	if errors.Is(err, syncerr.ErrNotFound) || errors.Is(err, syncerr.ErrQueryFailed) {
		return err
	}
	return fmt.Errorf("failed to %s: %v: %w", action, err, syncerr.ErrQueryFailed)
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}
