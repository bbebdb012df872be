// Package serial carries protocol lines over a serial port or stdio.
package serial

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/septivank/watersystem-sync/internal/config"
	"go.bug.st/serial"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// StdioPort selects stdin/stdout instead of a device node
const StdioPort = "stdio"

// Connection is an open link
type Connection struct {
	r    io.Reader
	w    io.Writer
	port serial.Port
	name string
}

// Open opens the configured port at 8N1
func Open(cfg config.SerialConfig) (*Connection, error) {
	if cfg.Port == StdioPort {
		return &Connection{r: os.Stdin, w: os.Stdout, name: StdioPort}, nil
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}
	return &Connection{r: port, w: port, port: port, name: cfg.Port}, nil
}

// NewConnection opens the port and closes it when the app stops
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, cfg config.SerialConfig) (*Connection, error) {
	conn, err := Open(cfg)
	if err != nil {
		logger.Error("serial port unavailable", zap.String("port", cfg.Port), zap.Error(err))
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("serial link open", zap.String("port", conn.name), zap.Int("baud", cfg.BaudRate))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := conn.Close(); err != nil {
				logger.Error("failed to close serial port", zap.Error(err))
				return err
			}
			logger.Info("serial link closed")
			return nil
		},
	})

	return conn, nil
}

// Read reads from the link
func (c *Connection) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Write writes to the link
func (c *Connection) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

// Close releases the port. Stdio is left open.
func (c *Connection) Close() error {
	if c.port == nil {
		return nil
	}
	return c.port.Close()
}
