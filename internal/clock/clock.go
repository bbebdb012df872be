package clock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/septivank/watersystem-sync/internal/storage"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Uptime is a monotonic seconds-since-boot counter
type Uptime interface {
	Seconds() int64
}

// ProcessUptime counts seconds since the process started
type ProcessUptime struct {
	start time.Time
}

// NewProcessUptime starts counting from now
func NewProcessUptime() *ProcessUptime {
	return &ProcessUptime{start: time.Now()}
}

// Seconds returns whole seconds of monotonic uptime
func (u *ProcessUptime) Seconds() int64 {
	return int64(time.Since(u.start) / time.Second)
}

// OffsetStore persists the clock offset
type OffsetStore interface {
	LoadOffset() (int64, error)
	SaveOffset(offset int64) error
}

// Clock converts uptime to wall-clock epoch seconds using a persisted offset
type Clock struct {
	mu     sync.Mutex
	uptime Uptime
	store  OffsetStore
	loc    *time.Location
	offset int64
	logger *zap.Logger
}

// New creates a clock and loads the persisted offset. An unreadable offset
// leaves the clock at epoch-since-boot until the host sets the time.
func New(uptime Uptime, store OffsetStore, loc *time.Location, logger *zap.Logger) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	c := &Clock{uptime: uptime, store: store, loc: loc, logger: logger}
	c.Reload()
	return c
}

// Reload re-reads the persisted offset
func (c *Clock) Reload() {
	offset, err := c.store.LoadOffset()
	if err != nil {
		c.logger.Warn("clock offset unavailable, using uptime", zap.Error(err))
		offset = 0
	}

	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()
}

// Now returns the current epoch seconds
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uptime.Seconds() + c.offset
}

// Time returns Now as a time in the device zone
func (c *Clock) Time() time.Time {
	return time.Unix(c.Now(), 0).In(c.loc)
}

// Location returns the device zone
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Offset returns the current offset in seconds
func (c *Clock) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// SetEpoch sets the wall clock. Backwards steps are accepted. The in-memory
// offset is applied even when persisting fails.
func (c *Clock) SetEpoch(epoch int64) error {
	c.mu.Lock()
	c.offset = epoch - c.uptime.Seconds()
	offset := c.offset
	c.mu.Unlock()

	if err := c.store.SaveOffset(offset); err != nil {
		c.logger.Error("failed to persist clock offset", zap.Int64("offset", offset), zap.Error(err))
		return fmt.Errorf("persist clock offset: %w", err)
	}
	c.logger.Info("clock set", zap.Int64("epoch", epoch), zap.Int64("offset", offset))
	return nil
}

// FileOffsetStore keeps the offset as a single decimal line on the medium
type FileOffsetStore struct {
	medium *storage.Medium
	path   string
}

// NewFileOffsetStore creates an offset store at path on the medium
func NewFileOffsetStore(medium *storage.Medium, path string) *FileOffsetStore {
	return &FileOffsetStore{medium: medium, path: path}
}

// LoadOffset reads the persisted offset
func (s *FileOffsetStore) LoadOffset() (int64, error) {
	var offset int64
	err := s.medium.Access(func() error {
		raw, err := os.ReadFile(s.path)
		if err != nil {
			return fmt.Errorf("read offset: %w", err)
		}
		offset, err = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return fmt.Errorf("parse offset %q: %v: %w", strings.TrimSpace(string(raw)), err, syncerr.ErrParseFailed)
		}
		return nil
	})
	return offset, err
}

// SaveOffset replaces the offset file atomically
func (s *FileOffsetStore) SaveOffset(offset int64) error {
	return s.medium.Access(func() error {
		if err := storage.EnsureDir(s.path); err != nil {
			return err
		}

		tmp := s.path + ".tmp"
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("create %s: %v: %w", tmp, err, syncerr.ErrWriteFailed)
		}
		_, err = f.WriteString(strconv.FormatInt(offset, 10) + "\n")
		err = multierr.Combine(err, f.Sync(), f.Close())
		if err != nil {
			os.Remove(tmp)
			return fmt.Errorf("write %s: %v: %w", tmp, err, syncerr.ErrWriteFailed)
		}

		if err := os.Rename(tmp, s.path); err != nil {
			return fmt.Errorf("rename %s: %v: %w", tmp, err, syncerr.ErrWriteFailed)
		}
		return nil
	})
}
