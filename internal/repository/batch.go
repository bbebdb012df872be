package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/syncerr"
)

// Batch writes rows of one kind through a single prepared statement. The
// caller closes it when the batch is done.
type Batch[T any] struct {
	q    db.Querier
	stmt *sql.Stmt
	noun string
	key  func(*T) string
	args func(*T) []any

	// an update that matches no row reports ErrNotFound
	mustMatch bool
	after     func(ctx context.Context, q db.Querier, row *T) error
}

func prepareBatch[T any](ctx context.Context, q db.Querier, query, noun string, key func(*T) string, args func(*T) []any) (*Batch[T], error) {
	stmt, err := q.PrepareContext(ctx, query)
	if err != nil {
		return nil, queryErr("prepare "+noun+" batch", err)
	}
	return &Batch[T]{q: q, stmt: stmt, noun: noun, key: key, args: args}, nil
}

// Write applies one row
func (b *Batch[T]) Write(ctx context.Context, row *T) error {
	res, err := b.stmt.ExecContext(ctx, b.args(row)...)
	if err != nil {
		return queryErr("write "+b.noun+" "+b.key(row), err)
	}

	if b.mustMatch {
		n, err := res.RowsAffected()
		if err != nil {
			return queryErr("write "+b.noun+" "+b.key(row), err)
		}
		if n == 0 {
			return fmt.Errorf("%s %s: %w", b.noun, b.key(row), syncerr.ErrNotFound)
		}
	}

	if b.after != nil {
		return b.after(ctx, b.q, row)
	}
	return nil
}

// Close releases the prepared statement
func (b *Batch[T]) Close() error {
	return b.stmt.Close()
}
