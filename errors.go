package shmipc

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured transport error with context and errno mapping
type Error struct {
	Op        string        // Operation that failed (e.g., "WIRE_WRITE", "ACCEPT")
	SessionID uint64        // Session ID (0 if not applicable)
	Slot      int           // Request slot (-1 if not applicable)
	Code      ErrorCode     // High-level error category
	Errno     syscall.Errno // Kernel errno (0 if not applicable)
	Msg       string        // Human-readable message
	Inner     error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.SessionID != 0 {
		parts = append(parts, fmt.Sprintf("session=%d", e.SessionID))
	}
	if e.Slot >= 0 {
		parts = append(parts, fmt.Sprintf("slot=%d", e.Slot))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("shmipc: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("shmipc: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by error code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeTimeout          ErrorCode = "timeout"
	ErrCodeWireClosed       ErrorCode = "wire closed"
	ErrCodeWireCorrupt      ErrorCode = "wire corrupt"
	ErrCodeMessageTooLarge  ErrorCode = "message too large"
	ErrCodeQueueFull        ErrorCode = "connection queue full"
	ErrCodeRejected         ErrorCode = "connection rejected"
	ErrCodeSessionClosed    ErrorCode = "session closed"
	ErrCodeChannelExhausted ErrorCode = "no free result-set writer"
	ErrCodeChannelReleased  ErrorCode = "data channel already released"
	ErrCodeIllegalState     ErrorCode = "illegal state"
	ErrCodeOperationDenied  ErrorCode = "operation denied"
	ErrCodeProtocol         ErrorCode = "protocol violation"
	ErrCodeNoMemory         ErrorCode = "shared memory allocation failed"
	ErrCodeIOError          ErrorCode = "I/O error"
)

// Sentinel errors for the common retryable / terminal conditions.
var (
	// ErrTimeout is reported when a blocking wait on a wire or the
	// connection queue misses its deadline. Retryable.
	ErrTimeout = &Error{Code: ErrCodeTimeout, Slot: -1}

	// ErrWireClosed is reported when writing to a wire whose peer has
	// closed it, or when a client await observes the shutdown sentinel.
	ErrWireClosed = &Error{Code: ErrCodeWireClosed, Slot: -1}

	// ErrQueueFull is reported by a fail-fast connection request when all
	// admission slots of the requested class are occupied.
	ErrQueueFull = &Error{Code: ErrCodeQueueFull, Slot: -1}

	// ErrConnectionRejected is reported to a client whose connection
	// request the listener rejected.
	ErrConnectionRejected = &Error{Code: ErrCodeRejected, Slot: -1}

	// ErrSessionClosed is reported when an operation is attempted on a
	// session that has begun shutting down.
	ErrSessionClosed = &Error{Code: ErrCodeSessionClosed, Slot: -1}

	// ErrChannelReleased is reported by AcquireChannel after
	// ReleaseChannel; re-acquisition is not provided on this transport.
	ErrChannelReleased = &Error{Code: ErrCodeChannelReleased, Slot: -1}

	// ErrBodyAlreadyWritten is reported by a second Body call on one response.
	ErrBodyAlreadyWritten = &Error{Code: ErrCodeIllegalState, Slot: -1, Msg: "response body already written"}
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Slot: -1,
		Code: code,
		Msg:  msg,
	}
}

// NewSessionError creates a new session-scoped error
func NewSessionError(op string, sessionID uint64, code ErrorCode, msg string) *Error {
	return &Error{
		Op:        op,
		SessionID: sessionID,
		Slot:      -1,
		Code:      code,
		Msg:       msg,
	}
}

// NewSlotError creates a new request-slot-scoped error
func NewSlotError(op string, sessionID uint64, slot int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:        op,
		SessionID: sessionID,
		Slot:      slot,
		Code:      code,
		Msg:       msg,
	}
}

// WrapError wraps an existing error with transport context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if se, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			SessionID: se.SessionID,
			Slot:      se.Slot,
			Code:      se.Code,
			Errno:     se.Errno,
			Msg:       se.Msg,
			Inner:     se.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Slot:  -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Slot:  -1,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to transport error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ETIMEDOUT, syscall.EAGAIN:
		return ErrCodeTimeout
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeNoMemory
	case syscall.EPERM, syscall.EACCES:
		return ErrCodeOperationDenied
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTimeout reports whether err is a retryable deadline miss
func IsTimeout(err error) bool {
	return IsCode(err, ErrCodeTimeout)
}
