//go:build linux

package shm

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) operation codes. golang.org/x/sys/unix does not export
// these, so they're defined here to match the kernel ABI.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// futexWait blocks until the word at addr no longer holds val, a wake
// arrives, or the timeout expires. A zero timeout means wait forever.
// Returns errDeadline on timeout; a changed value or spurious wake returns
// nil so the caller re-checks its predicate.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	var tsp *unix.Timespec
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsp = &ts
	}
	for {
		_, _, errno := unix.Syscall6(
			unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(addr)),
			uintptr(futexWaitOp),
			uintptr(val),
			uintptr(unsafe.Pointer(tsp)),
			0, 0,
		)
		switch errno {
		case 0, unix.EAGAIN:
			// woken, or the value already moved on
			return nil
		case unix.EINTR:
			continue
		case unix.ETIMEDOUT:
			return errDeadline
		default:
			return errno
		}
	}
}

// futexWake wakes up to n waiters blocked on addr
func futexWake(addr *uint32, n int) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeOp),
		uintptr(n),
		0, 0, 0,
	)
}
