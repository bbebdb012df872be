package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/septivank/watersystem-sync/internal/syncerr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Usage describes the capacity of the medium in bytes
type Usage struct {
	Total uint64
	Used  uint64
}

// Free returns Total-Used, clamped at zero
func (u Usage) Free() uint64 {
	if u.Used >= u.Total {
		return 0
	}
	return u.Total - u.Used
}

// Medium is the removable storage card. The card shares its bus with the
// display, so every access goes through Lock/Unlock.
type Medium struct {
	mu     sync.Mutex
	root   string
	logger *zap.Logger
}

// NewMedium creates a medium rooted at the mount directory
func NewMedium(root string, logger *zap.Logger) *Medium {
	return &Medium{root: root, logger: logger}
}

// Root returns the mount directory
func (m *Medium) Root() string {
	return m.root
}

// Path joins elements onto the mount directory
func (m *Medium) Path(elem ...string) string {
	return filepath.Join(append([]string{m.root}, elem...)...)
}

// Lock selects the storage device on the shared bus
func (m *Medium) Lock() {
	m.mu.Lock()
}

// Unlock releases the shared bus
func (m *Medium) Unlock() {
	m.mu.Unlock()
}

// Available reports whether the medium is mounted
func (m *Medium) Available() bool {
	info, err := os.Stat(m.root)
	return err == nil && info.IsDir()
}

// Access runs fn holding the bus, failing fast when the medium is absent
func (m *Medium) Access(fn func() error) error {
	m.Lock()
	defer m.Unlock()

	if !m.Available() {
		return fmt.Errorf("medium %s: %w", m.root, syncerr.ErrStorageUnavailable)
	}
	return fn()
}

// Usage returns filesystem capacity of the medium
func (m *Medium) Usage() (Usage, error) {
	var usage Usage
	err := m.Access(func() error {
		var st unix.Statfs_t
		if err := unix.Statfs(m.root, &st); err != nil {
			return fmt.Errorf("statfs %s: %w", m.root, err)
		}
		bsize := uint64(st.Bsize)
		usage.Total = st.Blocks * bsize
		// Bfree counts blocks reserved for root as free too
		usage.Used = usage.Total - st.Bfree*bsize
		return nil
	})
	return usage, err
}

// Format removes every entry under the mount directory. It returns the
// number of top-level entries removed; zero means the medium was empty.
func (m *Medium) Format() (int, error) {
	removed := 0
	err := m.Access(func() error {
		entries, err := os.ReadDir(m.root)
		if err != nil {
			return fmt.Errorf("read %s: %w", m.root, err)
		}

		var errs error
		for _, entry := range entries {
			if rmErr := os.RemoveAll(filepath.Join(m.root, entry.Name())); rmErr != nil {
				errs = multierr.Append(errs, rmErr)
				continue
			}
			removed++
		}
		if errs != nil {
			return fmt.Errorf("format: %v: %w", errs, syncerr.ErrWriteFailed)
		}
		return nil
	})

	m.logger.Info("medium formatted", zap.String("root", m.root), zap.Int("removed", removed), zap.Error(err))
	return removed, err
}

// EnsureDir creates the parent directory of a medium-relative file path.
// Callers must hold the bus.
func EnsureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %v: %w", filepath.Dir(path), err, syncerr.ErrWriteFailed)
	}
	return nil
}

// SyncDir flushes directory metadata so a rename survives power loss
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	return multierr.Append(d.Sync(), d.Close())
}
