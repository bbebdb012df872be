// Package ledger keeps the append-only readings log on the removable medium.
//
// Each data line is
//
//	account_no|device_uid|previous_reading|current_reading|usage_m3|reading_at_epoch|synced
//
// Records are never edited in place. The synced flag flips 0→1 only through
// MarkAllSynced, which rewrites the whole file and renames it over the
// original.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/watersystem-sync/internal/storage"
	"github.com/septivank/watersystem-sync/internal/syncerr"
	"github.com/septivank/watersystem-sync/tools/timeparser"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Header is the first line of a new ledger file
const Header = "# account_no|device_uid|previous_reading|current_reading|usage_m3|reading_at_epoch|synced"

const fieldCount = 7

// Reading is one ledger record
type Reading struct {
	AccountNo string
	DeviceUID string
	Previous  uint64
	Current   uint64
	Usage     uint64
	Epoch     int64
	Synced    bool
}

// Ledger is the readings log file
type Ledger struct {
	medium *storage.Medium
	path   string
	logger *zap.Logger
}

// New creates a ledger at path on the medium
func New(medium *storage.Medium, path string, logger *zap.Logger) *Ledger {
	return &Ledger{medium: medium, path: path, logger: logger}
}

// Path returns the ledger file path
func (l *Ledger) Path() string {
	return l.path
}

// Append writes one unsynced record. A failed write is truncated away so no
// partial line stays visible.
func (l *Ledger) Append(r Reading) error {
	if r.Current < r.Previous || r.Usage != r.Current-r.Previous {
		return fmt.Errorf("usage %d does not match %d-%d: %w", r.Usage, r.Current, r.Previous, syncerr.ErrFormat)
	}
	r.Synced = false
	line := formatLine(r)

	return l.medium.Access(func() error {
		if err := storage.EnsureDir(l.path); err != nil {
			return err
		}

		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open ledger: %v: %w", err, syncerr.ErrWriteFailed)
		}

		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("stat ledger: %v: %w", err, syncerr.ErrWriteFailed)
		}
		size := info.Size()

		if size == 0 {
			line = Header + "\n" + line
		} else if !endsWithNewline(f, size) {
			// torn tail from a power loss; keep it on its own line
			line = "\n" + line
		}

		_, err = f.WriteString(line)
		if err == nil {
			err = f.Sync()
		}
		if err != nil {
			truncErr := f.Truncate(size)
			closeErr := f.Close()
			return fmt.Errorf("append reading: %v: %w", multierr.Combine(err, truncErr, closeErr), syncerr.ErrWriteFailed)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close ledger: %v: %w", err, syncerr.ErrWriteFailed)
		}
		return nil
	})
}

// MarkAllSynced flips every synced=0 record to 1. The new content is written
// to a temporary file and renamed over the ledger; until the rename the
// original is untouched. A missing ledger is a no-op. It returns the number
// of records flipped.
func (l *Ledger) MarkAllSynced() (int, error) {
	flipped := 0
	err := l.medium.Access(func() error {
		in, err := os.Open(l.path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("open ledger: %v: %w", err, syncerr.ErrWriteFailed)
		}
		defer in.Close()

		tmp := l.path + ".tmp"
		out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("create %s: %v: %w", tmp, err, syncerr.ErrWriteFailed)
		}

		w := bufio.NewWriter(out)
		scanner := newScanner(in)
		var writeErr error
		for writeErr == nil && scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			if rewritten, ok := markLine(line); ok {
				line = rewritten
				flipped++
			}
			_, writeErr = w.WriteString(line + "\n")
		}

		err = multierr.Combine(writeErr, scanner.Err(), w.Flush(), out.Sync(), out.Close())
		if err != nil {
			os.Remove(tmp)
			flipped = 0
			return fmt.Errorf("rewrite ledger: %v: %w", err, syncerr.ErrWriteFailed)
		}

		// rename is the commit point
		if err := os.Rename(tmp, l.path); err != nil {
			os.Remove(tmp)
			flipped = 0
			return fmt.Errorf("replace ledger: %v: %w", err, syncerr.ErrWriteFailed)
		}
		if err := storage.SyncDir(filepath.Dir(l.path)); err != nil {
			l.logger.Warn("failed to sync ledger directory", zap.Error(err))
		}
		return nil
	})
	if err == nil {
		l.logger.Info("ledger marked synced", zap.Int("flipped", flipped))
	}
	return flipped, err
}

// ExportUnsynced yields unsynced records accepted by owner. Each range over
// the returned sequence re-reads the file; malformed lines are skipped. A
// missing ledger yields nothing. The medium bus is held while iterating, so
// neither owner nor the loop body may touch the medium.
func (l *Ledger) ExportUnsynced(owner func(Reading) bool) iter.Seq2[Reading, error] {
	return func(yield func(Reading, error) bool) {
		for r, err := range l.records() {
			if err != nil {
				yield(Reading{}, err)
				return
			}
			if r.Synced || (owner != nil && !owner(r)) {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// HasReadingThisPeriod reports whether accountNo already has a reading in
// the given calendar month, evaluated in loc.
func (l *Ledger) HasReadingThisPeriod(accountNo string, year int, month time.Month, loc *time.Location) (bool, error) {
	for r, err := range l.records() {
		if err != nil {
			return false, err
		}
		if r.AccountNo == accountNo && timeparser.InPeriod(r.Epoch, year, month, loc) {
			return true, nil
		}
	}
	return false, nil
}

// History returns up to limit most recent usages for accountNo, newest first
func (l *Ledger) History(accountNo string, limit int) ([]float64, error) {
	var usages []float64
	for r, err := range l.records() {
		if err != nil {
			return nil, err
		}
		if r.AccountNo != accountNo {
			continue
		}
		usages = append(usages, float64(r.Usage))
		if limit > 0 && len(usages) > limit {
			usages = usages[1:]
		}
	}

	for i, j := 0, len(usages)-1; i < j; i, j = i+1, j-1 {
		usages[i], usages[j] = usages[j], usages[i]
	}
	return usages, nil
}

// Counts returns the number of well-formed records and how many are unsynced
func (l *Ledger) Counts() (total, unsynced int, err error) {
	for r, rerr := range l.records() {
		if rerr != nil {
			return 0, 0, rerr
		}
		total++
		if !r.Synced {
			unsynced++
		}
	}
	return total, unsynced, nil
}

// records yields every well-formed record in file order
func (l *Ledger) records() iter.Seq2[Reading, error] {
	return func(yield func(Reading, error) bool) {
		err := l.medium.Access(func() error {
			f, err := os.Open(l.path)
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer f.Close()

			scanner := newScanner(f)
			for scanner.Scan() {
				r, ok := ParseLine(scanner.Text())
				if !ok {
					continue
				}
				if !yield(r, nil) {
					return nil
				}
			}
			return scanner.Err()
		})
		if err != nil {
			yield(Reading{}, err)
		}
	}
}

// ParseLine parses one data line. Comments, blank and malformed lines
// return ok=false.
func ParseLine(line string) (Reading, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Reading{}, false
	}

	fields := strings.Split(line, "|")
	if len(fields) != fieldCount {
		return Reading{}, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var (
		r   Reading
		err error
	)
	r.AccountNo = fields[0]
	r.DeviceUID = fields[1]
	if r.Previous, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return Reading{}, false
	}
	if r.Current, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
		return Reading{}, false
	}
	if r.Usage, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return Reading{}, false
	}
	if r.Epoch, err = strconv.ParseInt(fields[5], 10, 64); err != nil {
		return Reading{}, false
	}
	switch fields[6] {
	case "0":
	case "1":
		r.Synced = true
	default:
		return Reading{}, false
	}
	if r.AccountNo == "" {
		return Reading{}, false
	}
	return r, true
}

// markLine rewrites an unsynced data line with synced=1
func markLine(line string) (string, bool) {
	r, ok := ParseLine(line)
	if !ok || r.Synced {
		return line, false
	}
	idx := strings.LastIndex(line, "|")
	return line[:idx+1] + "1", true
}

func endsWithNewline(f *os.File, size int64) bool {
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return true
	}
	return last[0] == '\n'
}

func formatLine(r Reading) string {
	synced := "0"
	if r.Synced {
		synced = "1"
	}
	return fmt.Sprintf("%s|%s|%d|%d|%d|%d|%s\n",
		sanitize(r.AccountNo), sanitize(r.DeviceUID), r.Previous, r.Current, r.Usage, r.Epoch, synced)
}

func sanitize(s string) string {
	return strings.TrimSpace(strings.NewReplacer("\r", "", "\n", "", "|", " ").Replace(s))
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	return scanner
}
