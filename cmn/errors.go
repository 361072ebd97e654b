package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Four of the five error kinds the core surfaces (spec.md §7) are
// sentinels here, tested with errors.Is. The fifth, I/O failure, has no
// sentinel: object-store errors are wrapped with errors.Wrap so the stack
// survives across the metaslab lock release point in space-map
// load/write/truncate.
var (
	ErrNoSpace  = errors.New("no space")
	ErrBusy     = errors.New("busy")
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid argument")
)

// WrapIoErr adds context to an object-store failure while preserving the
// underlying cause for errors.Unwrap/errors.Cause. It attaches no I/O
// sentinel, so errors.Is never matches the result against one.
func WrapIoErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// InvalidErr builds an ErrInvalid-wrapping error carrying the offending
// offset/length, used pervasively to reject misaligned allocations/frees.
func InvalidErr(format string, args ...interface{}) error {
	return errors.Wrap(ErrInvalid, fmt.Sprintf(format, args...))
}
