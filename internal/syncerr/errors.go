// Package syncerr defines the error kinds surfaced on the sync protocol.
package syncerr

import (
	"errors"
)

var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrQueryFailed        = errors.New("query failed")
	ErrParseFailed        = errors.New("parse failed")
	ErrFormat             = errors.New("bad format")
	ErrNotFound           = errors.New("not found")
	ErrWriteFailed        = errors.New("write failed")
)

// Reason maps an error chain to the protocol reason token
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStorageUnavailable):
		return "STORAGE_UNAVAILABLE"
	case errors.Is(err, ErrFormat):
		return "BAD_FORMAT"
	case errors.Is(err, ErrParseFailed):
		return "PARSE_FAILED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrWriteFailed):
		return "WRITE_FAILED"
	case errors.Is(err, ErrQueryFailed):
		return "QUERY_FAILED"
	default:
		return "INTERNAL"
	}
}
