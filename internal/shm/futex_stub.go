//go:build !linux

package shm

import (
	"sync/atomic"
	"time"
)

// Non-linux fallback: poll the word instead of sleeping in the kernel.
// Keeps the package testable on development hosts; production deployments
// are linux.

const pollInterval = 200 * time.Microsecond

func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for atomic.LoadUint32(addr) == val {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return errDeadline
		}
		time.Sleep(pollInterval)
	}
	return nil
}

func futexWake(addr *uint32, n int) {
	// nothing to do; waiters poll
	_ = addr
	_ = n
}
