package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/septivank/watersystem-sync/internal/db"
	"github.com/septivank/watersystem-sync/internal/protocol"
	"github.com/septivank/watersystem-sync/internal/repository"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"go.uber.org/zap"
)

// applyChunk commits the JSON array of one chunk and returns its row count
type applyChunk func(ctx context.Context, raw string) (int, error)

// prepareFunc opens a prepared batch inside the import transaction
type prepareFunc[T any] func(ctx context.Context, q db.Querier) (*repository.Batch[T], error)

// parseFailure maps decode failures and field violations to their tokens
func parseFailure(err error) error {
	if errors.Is(err, syncerr.ErrParseFailed) {
		return fail(ReasonJSONParseFailed, err)
	}
	return fail(ReasonBadFormat, err)
}

// writeBatch applies rows in a single transaction with one prepared
// statement. Any failing row rolls back the whole batch.
func writeBatch[T any](ctx context.Context, d *Dispatcher, prepare prepareFunc[T], rows []T) error {
	err := d.store.Update(ctx, func(tx *sql.Tx) error {
		batch, err := prepare(ctx, tx)
		if err != nil {
			return err
		}
		defer batch.Close()

		for i := range rows {
			if err := batch.Write(ctx, &rows[i]); err != nil {
				return err
			}
			d.feed(i + 1)
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syncerr.ErrNotFound):
		// only customer updates require an existing row
		return fail(ReasonCustomerNotFound, err)
	default:
		return fail(ReasonUpsertFailed, err)
	}
}

func (d *Dispatcher) customers(prepare prepareFunc[db.Customer]) applyChunk {
	return func(ctx context.Context, raw string) (int, error) {
		customers, err := d.validator.ParseCustomers(raw)
		if err != nil {
			return 0, parseFailure(err)
		}
		return len(customers), writeBatch(ctx, d, prepare, customers)
	}
}

func (d *Dispatcher) bills(ctx context.Context, raw string) (int, error) {
	bills, err := d.validator.ParseBills(raw)
	if err != nil {
		return 0, parseFailure(err)
	}
	return len(bills), writeBatch(ctx, d, d.repo.PrepareBillUpsert, bills)
}

func (d *Dispatcher) billTransactions(ctx context.Context, raw string) (int, error) {
	txns, err := d.validator.ParseBillTransactions(raw)
	if err != nil {
		return 0, parseFailure(err)
	}
	return len(txns), writeBatch(ctx, d, d.repo.PrepareBillTransactionUpsert, txns)
}

func (d *Dispatcher) upsertCustomersJSON(ctx context.Context, logger *zap.Logger, payload string) error {
	n, err := d.customers(d.repo.PrepareCustomerUpsert)(ctx, payload)
	if err != nil {
		return err
	}

	logger.Info("customers upserted", zap.Int("count", n))
	return d.out.Ack(protocol.CmdUpsertCustomersJSON, strconv.Itoa(n))
}

func (d *Dispatcher) upsertCustomersChunk(ctx context.Context, logger *zap.Logger, payload string) error {
	return d.importChunk(ctx, logger, protocol.CmdUpsertCustomersJSON, payload, d.customers(d.repo.PrepareCustomerUpsert))
}

func (d *Dispatcher) upsertNewCustomersChunk(ctx context.Context, logger *zap.Logger, payload string) error {
	return d.importChunk(ctx, logger, protocol.FamilyNewCustomers, payload, d.customers(d.repo.PrepareCustomerInsert))
}

func (d *Dispatcher) upsertUpdatedCustomersChunk(ctx context.Context, logger *zap.Logger, payload string) error {
	return d.importChunk(ctx, logger, protocol.FamilyUpdatedCustomers, payload, d.customers(d.repo.PrepareCustomerUpdate))
}

func (d *Dispatcher) upsertBillsChunk(ctx context.Context, logger *zap.Logger, payload string) error {
	return d.importChunk(ctx, logger, protocol.FamilyBills, payload, d.bills)
}

func (d *Dispatcher) upsertBillTransactionsChunk(ctx context.Context, logger *zap.Logger, payload string) error {
	return d.importChunk(ctx, logger, protocol.FamilyBillTransactions, payload, d.billTransactions)
}

// importChunk commits one idx|total|json chunk of family in its own
// transaction. Earlier chunks stay committed when a later one fails, and a
// resent index replaces its earlier count.
func (d *Dispatcher) importChunk(ctx context.Context, logger *zap.Logger, family, payload string, apply applyChunk) error {
	if limit := d.cfg.Import.MaxChunkBytes; limit > 0 && len(payload) > limit {
		return fail(ReasonChunkTooLarge, fmt.Errorf("chunk of %d bytes exceeds %d: %w", len(payload), limit, syncerr.ErrFormat))
	}

	chunk, err := d.validator.ParseChunk(payload)
	if err != nil {
		return fail(ReasonBadChunkFormat, err)
	}

	rows := d.chunkRows[family]
	if chunk.Index == 0 || rows == nil {
		rows = make(map[int]int)
		d.chunkRows[family] = rows
	}

	n, err := apply(ctx, chunk.JSON)
	if err != nil {
		return err
	}

	rows[chunk.Index] = n
	logger.Info("chunk committed",
		zap.String("family", family),
		zap.Int("index", chunk.Index),
		zap.Int("total", chunk.Total),
		zap.Int("count", n),
	)

	if !chunk.Final() {
		return d.out.Ack(protocol.ChunkAck, strconv.Itoa(chunk.Index))
	}

	aggregate := 0
	for _, n := range rows {
		aggregate += n
	}
	delete(d.chunkRows, family)
	return d.out.Ack(family, strconv.Itoa(aggregate))
}
