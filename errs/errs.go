// Package errs defines the sentinel error kinds shared by every role
// (host, producer, consumer) of an arquebus queue, so callers can branch
// on failure class with errors.Is regardless of which package returned it.
package errs

import "errors"

var (
	// ErrInvalidName is returned when a queue name is empty, contains a
	// path separator, or the prefixed name exceeds the OS name length limit.
	ErrInvalidName = errors.New("arquebus: invalid name")

	// ErrAlreadyExists is returned by a host Create when a segment of that
	// name is already present and Recreate was not used.
	ErrAlreadyExists = errors.New("arquebus: segment already exists")

	// ErrNotFound is returned when a producer or consumer attaches to a
	// name with no corresponding segment.
	ErrNotFound = errors.New("arquebus: segment not found")

	// ErrMapFailed is returned when the underlying mmap call fails.
	ErrMapFailed = errors.New("arquebus: mmap failed")

	// ErrMismatchedLayout is returned when an attaching role's compile-time
	// parameters (ring size, size-prefix width, producer/consumer counts)
	// do not match the header the host published.
	ErrMismatchedLayout = errors.New("arquebus: mismatched layout")

	// ErrOverrun is returned by Consumer.Read when the producer has lapped
	// the consumer's read cursor. The consumer is unusable after this and
	// must be rebuilt.
	ErrOverrun = errors.New("arquebus: overrun")

	// ErrInvalidConfig is returned when a role's Config fails validation.
	ErrInvalidConfig = errors.New("arquebus: invalid config")
)
