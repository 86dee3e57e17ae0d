package wire

import "errors"

// Sentinel errors surfaced by wire operations. The root package wraps them
// with operation context before they reach callers.
var (
	// ErrTimeout reports a missed wait deadline; retryable.
	ErrTimeout = errors.New("wire: timed out")

	// ErrClosed reports an operation on a closed wire.
	ErrClosed = errors.New("wire: closed")

	// ErrCorrupt reports a framing header whose length cannot fit the
	// ring; fatal to the session.
	ErrCorrupt = errors.New("wire: corrupt header")

	// ErrTooLarge reports a message exceeding capacity minus header.
	ErrTooLarge = errors.New("wire: message exceeds wire capacity")

	// ErrProtocol reports misuse of the wire API, such as an out-of-order
	// dispose.
	ErrProtocol = errors.New("wire: protocol violation")

	// ErrQueueFull reports a fail-fast connection request with no free
	// admission capacity.
	ErrQueueFull = errors.New("wire: connection queue full")

	// ErrRejected reports a connection request the listener turned down.
	ErrRejected = errors.New("wire: connection rejected")

	// ErrTerminate reports that queue termination was requested; the
	// listener drains and confirms.
	ErrTerminate = errors.New("wire: terminate requested")

	// ErrNoFreeWriter reports writer-slot exhaustion on a channel after
	// the acquisition deadline.
	ErrNoFreeWriter = errors.New("wire: no free result-set writer")

	// ErrNoFreeChannel reports channel-directory exhaustion.
	ErrNoFreeChannel = errors.New("wire: no free result-set channel")
)
