package scrape

import (
	"errors"
	"fmt"
)

const maxDetail = 500

var (
	ErrTimedOut      = errors.New("scrape timed out")
	ErrOutputMissing = errors.New("scrape output missing")
	ErrInvalidInput  = errors.New("invalid request")
)

// FailedError is an automation failure. Detail is truncated for callers.
type FailedError struct {
	Detail string
	Err    error
}

func (e *FailedError) Error() string {
	return "scrape failed: " + e.Detail
}

func (e *FailedError) Unwrap() error { return e.Err }

func failed(err error) *FailedError {
	return &FailedError{Detail: truncate(err.Error(), maxDetail), Err: err}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
