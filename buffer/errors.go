package buffer

import "errors"

// Sentinel error kinds (spec §7). Call sites wrap these with fmt.Errorf's
// %w so callers can errors.Is against the kind while still getting a
// buffer/slot-specific message.
var (
	// InvalidState is returned when an operation is attempted on a buffer in
	// the wrong ownership state — e.g. Use on an already-enqueued buffer.
	InvalidState = errors.New("buffer: invalid state")

	// KernelIO wraps an ioctl failure (QBUF, DQBUF, QUERYBUF, STREAMON/OFF).
	KernelIO = errors.New("buffer: kernel i/o failure")

	// CapacityExceeded is returned by a mmap-mode Enqueue whose source used
	// bytes exceed the destination slot's length.
	CapacityExceeded = errors.New("buffer: capacity exceeded")

	// Config marks an invalid format combination caught at list construction.
	Config = errors.New("buffer: invalid configuration")
)
