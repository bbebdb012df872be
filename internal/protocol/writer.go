package protocol

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Writer emits reply lines to the link
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a writer over w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Ack writes ACK|cmd or ACK|cmd|detail...
func (w *Writer) Ack(cmd string, detail ...string) error {
	return w.writeLine(Join(append([]string{PrefixAck, cmd}, detail...)...))
}

// Err writes ERR|reason or ERR|reason|detail...
func (w *Writer) Err(reason string, detail ...string) error {
	return w.writeLine(Join(append([]string{PrefixErr, reason}, detail...)...))
}

// Begin opens a BEGIN_<name> block
func (w *Writer) Begin(name string) error {
	return w.writeLine(PrefixBegin + name)
}

// End closes an END_<name> block
func (w *Writer) End(name string) error {
	return w.writeLine(PrefixEnd + name)
}

// Record writes one block line made of sanitized fields
func (w *Writer) Record(fields ...string) error {
	return w.writeLine(Join(fields...))
}

func (w *Writer) writeLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := io.WriteString(w.w, line+"\n"); err != nil {
		return fmt.Errorf("write %q: %w", truncate(line, 32), err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(Truncate(s, n)) + "..."
}
