package engine

import (
	"errors"
	"fmt"

	"github.com/adamzwasserman/multicardz-sub007/internal/ekind"
)

// Sentinel errors the public API surfaces. Callers classify failures with
// errors.Is against these, never by matching on a string or internal type.
var (
	ErrInvalidQuery     = errors.New("invalid query")
	ErrNotFound         = errors.New("not found")
	ErrCancelled        = errors.New("cancelled")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	ErrUnavailable      = errors.New("unavailable")
	ErrCorrupt          = errors.New("corrupt")
)

// wrapErr translates an internal ekind.Error into one of the package's
// exported sentinels, wrapped with %w so both the sentinel and the
// original cause are reachable via errors.Is/errors.As.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	switch ekind.KindOf(err) {
	case ekind.InvalidQuery:
		sentinel = ErrInvalidQuery
	case ekind.NotFound:
		sentinel = ErrNotFound
	case ekind.Cancelled:
		sentinel = ErrCancelled
	case ekind.DeadlineExceeded:
		sentinel = ErrDeadlineExceeded
	case ekind.Corrupt:
		sentinel = ErrCorrupt
	default:
		sentinel = ErrUnavailable
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
