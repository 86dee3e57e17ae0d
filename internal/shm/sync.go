package shm

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrDeadline is reported when a wait misses its deadline. Callers treat it
// as retryable and re-check shutdown conditions.
var ErrDeadline = errors.New("shm: deadline exceeded")

var errDeadline = ErrDeadline

// remaining converts an absolute deadline to the timeout form futexWait
// takes. A zero deadline means wait forever; an expired one reports
// ok=false so callers can bail out before sleeping.
func remaining(deadline time.Time) (time.Duration, bool) {
	if deadline.IsZero() {
		return 0, true
	}
	d := time.Until(deadline)
	if d <= 0 {
		return 0, false
	}
	return d, true
}

// Mutex is a process-shared mutex over one 32-bit word in a segment.
// States: 0 unlocked, 1 locked, 2 locked with waiters. The algorithm does
// not rely on priority inheritance or robust-mutex semantics; every lock
// attempt carries a deadline so an asymmetric crash cannot wedge the peer.
type Mutex struct {
	word *uint32
}

// NewMutex wraps the word at the given address
func NewMutex(word *uint32) Mutex {
	return Mutex{word: word}
}

// TryLock attempts the uncontended path only
func (m Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(m.word, 0, 1)
}

// Lock acquires the mutex, waiting until the deadline. A zero deadline
// waits forever.
func (m Mutex) Lock(deadline time.Time) error {
	if atomic.CompareAndSwapUint32(m.word, 0, 1) {
		return nil
	}
	for {
		// advertise contention, then sleep while it stays contended
		if atomic.LoadUint32(m.word) == 2 || atomic.CompareAndSwapUint32(m.word, 1, 2) {
			timeout, ok := remaining(deadline)
			if !ok {
				return ErrDeadline
			}
			if err := futexWait(m.word, 2, timeout); err != nil {
				return err
			}
		}
		if atomic.CompareAndSwapUint32(m.word, 0, 2) {
			// took it on the contended path; keep state 2 so Unlock wakes others
			return nil
		}
	}
}

// Unlock releases the mutex and wakes one waiter if any
func (m Mutex) Unlock() {
	if atomic.SwapUint32(m.word, 0) == 2 {
		futexWake(m.word, 1)
	}
}

// Cond is a process-shared condition variable over one 32-bit sequence
// word. Always used with a Mutex and a predicate re-checked in a loop.
type Cond struct {
	seq *uint32
}

// NewCond wraps the word at the given address
func NewCond(seq *uint32) Cond {
	return Cond{seq: seq}
}

// Wait atomically releases the mutex and blocks until notified or the
// deadline passes, then reacquires the mutex before returning. The
// reacquisition is unconditional: critical sections around a Cond are a
// few loads and stores, so the caller always gets the lock back even on a
// missed deadline.
func (c Cond) Wait(m Mutex, deadline time.Time) error {
	seq := atomic.LoadUint32(c.seq)
	m.Unlock()

	timeout, ok := remaining(deadline)
	var werr error
	if !ok {
		werr = ErrDeadline
	} else {
		werr = futexWait(c.seq, seq, timeout)
	}

	_ = m.Lock(time.Time{})
	return werr
}

// Notify wakes one waiter
func (c Cond) Notify() {
	atomic.AddUint32(c.seq, 1)
	futexWake(c.seq, 1)
}

// Broadcast wakes all waiters
func (c Cond) Broadcast() {
	atomic.AddUint32(c.seq, 1)
	futexWake(c.seq, 1<<30)
}

// Semaphore is a process-shared counting semaphore over one 32-bit word.
// Used for the orderly-termination handshake between the shutdown
// orchestrator and the listener.
type Semaphore struct {
	word *uint32
}

// NewSemaphore wraps the word at the given address
func NewSemaphore(word *uint32) Semaphore {
	return Semaphore{word: word}
}

// Post increments the semaphore and wakes one waiter
func (s Semaphore) Post() {
	atomic.AddUint32(s.word, 1)
	futexWake(s.word, 1)
}

// Wait decrements the semaphore, blocking until it is positive or the
// deadline passes. A zero deadline waits forever.
func (s Semaphore) Wait(deadline time.Time) error {
	for {
		v := atomic.LoadUint32(s.word)
		if v > 0 {
			if atomic.CompareAndSwapUint32(s.word, v, v-1) {
				return nil
			}
			continue
		}
		timeout, ok := remaining(deadline)
		if !ok {
			return ErrDeadline
		}
		if err := futexWait(s.word, 0, timeout); err != nil {
			return err
		}
	}
}
