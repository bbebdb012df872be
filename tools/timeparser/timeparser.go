package timeparser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseEpoch parses an unsigned 32-bit epoch payload. Zero is rejected.
func ParseEpoch(raw string) (uint32, error) {
	s := strings.TrimSpace(raw)
	value, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse epoch '%s': %w", s, err)
	}
	if value == 0 {
		return 0, fmt.Errorf("epoch must be non-zero")
	}
	return uint32(value), nil
}

// PeriodOf returns the calendar year and month of epoch in loc
func PeriodOf(epoch int64, loc *time.Location) (int, time.Month) {
	t := time.Unix(epoch, 0).In(loc)
	return t.Year(), t.Month()
}

// InPeriod reports whether epoch falls in the given calendar month in loc
func InPeriod(epoch int64, year int, month time.Month, loc *time.Location) bool {
	y, m := PeriodOf(epoch, loc)
	return y == year && m == month
}

// IsWithinTolerance checks if two instants differ by at most tolerance
func IsWithinTolerance(a, b time.Time, tolerance time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
