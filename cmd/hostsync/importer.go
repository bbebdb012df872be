package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/septivank/watersystem-sync/internal/protocol"
	"go.uber.org/zap"
)

// room for "index|total|" ahead of the JSON
const chunkHeaderBytes = 24

// Importer uploads a customer list to the terminal in chunks
type Importer struct {
	link     deviceLink
	maxBytes int
	attempts int
	timeout  func(context.Context) (context.Context, context.CancelFunc)
	logger   *zap.Logger
}

// NewImporter creates a new importer. Each chunk payload stays within
// maxBytes, the terminal's IMPORT_MAX_CHUNK_BYTES.
func NewImporter(link deviceLink, maxBytes int, timeout func(context.Context) (context.Context, context.CancelFunc), logger *zap.Logger) *Importer {
	return &Importer{
		link:     link,
		maxBytes: maxBytes,
		attempts: 2,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run sends every chunk in order and returns the device's total of
// committed customers
func (im *Importer) Run(ctx context.Context, data []byte) (int, error) {
	payloads, err := chunkCustomers(data, im.maxBytes)
	if err != nil {
		return 0, err
	}

	var reply *protocol.Reply
	for i, payload := range payloads {
		reply, err = im.sendChunk(ctx, payload)
		if err != nil {
			return 0, fmt.Errorf("chunk %d of %d: %w", i, len(payloads), err)
		}
		im.logger.Debug("chunk accepted", zap.Int("index", i), zap.Int("total", len(payloads)))
	}

	if reply.Command != protocol.CmdUpsertCustomersJSON || len(reply.Detail) == 0 {
		return 0, fmt.Errorf("unexpected final reply %s", reply.Command)
	}
	count, err := strconv.Atoi(reply.Detail[0])
	if err != nil {
		return 0, fmt.Errorf("unexpected customer count %q: %w", reply.Detail[0], err)
	}
	im.logger.Info("customers imported", zap.Int("chunks", len(payloads)), zap.Int("count", count))
	return count, nil
}

// sendChunk resends a chunk whose reply was lost. The device keys its
// running total by chunk index, so a resend is not double counted.
func (im *Importer) sendChunk(ctx context.Context, payload string) (*protocol.Reply, error) {
	line := protocol.CmdUpsertCustomersChunk + protocol.Separator + payload

	var err error
	for attempt := 1; attempt <= im.attempts; attempt++ {
		sendCtx, cancel := im.timeout(ctx)
		var reply *protocol.Reply
		reply, err = im.link.Send(sendCtx, line)
		cancel()
		if err == nil {
			return reply, nil
		}

		var devErr *protocol.DeviceError
		if errors.As(err, &devErr) || ctx.Err() != nil {
			return nil, err
		}
		im.logger.Warn("chunk send failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, err
}

// chunkCustomers splits a JSON array of customers into
// index|total|json payloads of at most maxBytes
func chunkCustomers(data []byte, maxBytes int) ([]string, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse customer list: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("customer list is empty")
	}

	budget := maxBytes - chunkHeaderBytes
	var groups, current []string
	size := 2
	flush := func() {
		groups = append(groups, "["+strings.Join(current, ",")+"]")
		current = nil
		size = 2
	}

	for i, row := range rows {
		var compact bytes.Buffer
		if err := json.Compact(&compact, row); err != nil {
			return nil, fmt.Errorf("customer %d: %w", i, err)
		}
		escaped := protocol.EscapeChunk(compact.String())
		if len(escaped)+2 > budget {
			return nil, fmt.Errorf("customer %d is %d bytes, larger than a chunk", i, len(escaped))
		}

		need := len(escaped)
		if len(current) > 0 {
			need++
		}
		if size+need > budget {
			flush()
			need = len(escaped)
		}
		current = append(current, escaped)
		size += need
	}
	flush()

	payloads := make([]string, len(groups))
	for i, group := range groups {
		payloads[i] = strconv.Itoa(i) + protocol.Separator + strconv.Itoa(len(groups)) + protocol.Separator + group
	}
	return payloads, nil
}
