package serial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Handler executes command lines read from the link
type Handler interface {
	Dispatch(ctx context.Context, line string) error
	// Overflow is called instead of Dispatch for a line longer than the limit
	Overflow() error
}

// Consumer reads newline-terminated commands and hands them to the handler
// one at a time
type Consumer struct {
	r       io.Reader
	handler Handler
	maxLine int
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewConsumer creates a consumer. Lines longer than maxLine bytes are
// discarded.
func NewConsumer(r io.Reader, handler Handler, maxLine int, logger *zap.Logger) *Consumer {
	return &Consumer{
		r:       r,
		handler: handler,
		maxLine: maxLine,
		logger:  logger,
	}
}

// Run processes lines until ctx is cancelled or the link reaches EOF. The
// returned error reports a broken link.
func (c *Consumer) Run(ctx context.Context) error {
	reader := bufio.NewReader(c.r)
	for {
		if ctx.Err() != nil {
			return nil
		}

		line, overflow, err := c.readLine(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				c.logger.Info("serial link reached end of input")
				return nil
			}
			return fmt.Errorf("failed to read command: %w", err)
		}

		if overflow {
			err = c.handler.Overflow()
		} else {
			err = c.handler.Dispatch(ctx, line)
		}
		if err != nil {
			return fmt.Errorf("failed to reply: %w", err)
		}
	}
}

// readLine returns the next line without its CR/LF. A final unterminated
// line is returned before EOF.
func (c *Consumer) readLine(r *bufio.Reader) (string, bool, error) {
	var (
		buf      []byte
		overflow bool
	)
	for {
		frag, err := r.ReadSlice('\n')
		if !overflow {
			if c.maxLine > 0 && len(buf)+len(frag) > c.maxLine+2 {
				overflow = true
				buf = nil
			} else {
				buf = append(buf, frag...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (len(buf) > 0 || overflow):
			return strings.TrimRight(string(buf), "\r\n"), overflow, nil
		case err != nil:
			return "", false, err
		}
		return strings.TrimRight(string(buf), "\r\n"), overflow, nil
	}
}

// RegisterLifecycle runs the consumer for the life of the app and shuts
// the app down when the link closes
func (c *Consumer) RegisterLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			c.cancel = cancel

			go func() {
				if err := c.Run(ctx); err != nil {
					c.logger.Error("serial consumer failed", zap.Error(err))
				}
				c.logger.Info("serial consumer stopped")
				if ctx.Err() == nil {
					if err := shutdowner.Shutdown(); err != nil {
						c.logger.Error("failed to request shutdown", zap.Error(err))
					}
				}
			}()

			c.logger.Info("serial consumer started", zap.Int("max_line_bytes", c.maxLine))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			// a pending read returns once the port closes
			c.cancel()
			return nil
		},
	})
}
