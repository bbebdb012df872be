package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrLinkClosed is returned once the device side of the link has gone away
var ErrLinkClosed = errors.New("link closed")

// DeviceError is an ERR reply
type DeviceError struct {
	Command string
	Reason  string
	Detail  []string
}

func (e *DeviceError) Error() string {
	if len(e.Detail) == 0 {
		return fmt.Sprintf("%s: device replied ERR|%s", e.Command, e.Reason)
	}
	return fmt.Sprintf("%s: device replied ERR|%s|%s", e.Command, e.Reason, strings.Join(e.Detail, Separator))
}

// Reply is a successful response: an ACK line or a complete block
type Reply struct {
	Command string
	Detail  []string
	Block   string
	Records [][]string
}

// Client is the host end of the link. Free-form diagnostic lines from the
// device are logged and skipped.
type Client struct {
	w      io.Writer
	lines  chan string
	logger *zap.Logger

	// one command in flight at a time
	sendMu sync.Mutex

	mu      sync.Mutex
	readErr error
}

// NewClient starts reading replies from r
func NewClient(r io.Reader, w io.Writer, logger *zap.Logger) *Client {
	c := &Client{
		w:      w,
		lines:  make(chan string, 64),
		logger: logger,
	}
	go c.readLoop(r)
	return c
}

func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		c.lines <- strings.TrimRight(scanner.Text(), "\r")
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	close(c.lines)
}

// Send writes one command line and waits for its reply. An ERR reply is
// returned as a *DeviceError.
func (c *Client) Send(ctx context.Context, line string) (*Reply, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	command, _, _ := strings.Cut(line, Separator)
	c.logger.Debug("sending command", zap.String("command", command))
	c.discardStale()

	if _, err := io.WriteString(c.w, line+"\n"); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", command, err)
	}

	var block *Reply
	for {
		next, err := c.next(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s reply: %w", command, err)
		}

		if block != nil {
			if next == PrefixEnd+block.Block {
				return block, nil
			}
			// a failure mid-export ends the block without END_
			if fields := strings.Split(next, Separator); fields[0] == PrefixErr && len(fields) >= 2 {
				return nil, &DeviceError{Command: command, Reason: fields[1], Detail: fields[2:]}
			}
			block.Records = append(block.Records, strings.Split(next, Separator))
			continue
		}

		fields := strings.Split(next, Separator)
		switch {
		case fields[0] == PrefixAck && len(fields) >= 2:
			return &Reply{Command: fields[1], Detail: fields[2:]}, nil
		case fields[0] == PrefixErr && len(fields) >= 2:
			return nil, &DeviceError{Command: command, Reason: fields[1], Detail: fields[2:]}
		case strings.HasPrefix(next, PrefixBegin) && len(fields) == 1:
			block = &Reply{Command: command, Block: strings.TrimPrefix(next, PrefixBegin)}
		default:
			c.logger.Debug("device diagnostic", zap.String("line", next))
		}
	}
}

// discardStale drops lines left over from a command that timed out
func (c *Client) discardStale() {
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return
			}
			c.logger.Debug("discarding stale line", zap.String("line", line))
		default:
			return
		}
	}
}

func (c *Client) next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			return "", fmt.Errorf("%w: %v", ErrLinkClosed, err)
		}
		return line, nil
	}
}
