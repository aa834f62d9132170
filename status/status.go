// Package status declares the errors shared by the thread, storage and
// allocator packages, and their mapping to C11-style return codes.
package status

import "errors"

var (
	// ErrResourceExhausted is returned when a fixed-size table is full: the
	// storage key table, the live thread limit or the allocator heap pool.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrOutOfMemory is returned when backing memory could not be obtained.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidState is returned for operations that are illegal in the
	// current state of their object, like joining a detached thread or using
	// a deleted key.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidArgument is returned for nil entry points, foreign pointers
	// and malformed arguments.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBusy is returned when a resource is held by someone else, like a
	// mutex on TryLock or a key still referenced by live slots.
	ErrBusy = errors.New("busy")

	// ErrTimedOut is returned when a deadline expires before the operation
	// could complete.
	ErrTimedOut = errors.New("timed out")
)

// Return codes, numbered like the C11 thrd_* enumeration.
const (
	Success = iota
	Busy
	Error
	NoMem
	TimedOut
)

// Code converts err to a return code: zero for success, non-zero otherwise.
func Code(err error) int {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrBusy):
		return Busy
	case errors.Is(err, ErrOutOfMemory):
		return NoMem
	case errors.Is(err, ErrTimedOut):
		return TimedOut
	default:
		return Error
	}
}
