// Package wire implements the shared-memory wire layer: the SPSC ring
// buffer primitive, its request/response/result-set specializations, the
// per-session wire container, the connection queue and the status provider.
// Control blocks and data areas live inside mmap'd segments; blocking waits
// use the process-shared mutexes and condition variables from internal/shm.
package wire

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-shmipc/internal/shm"
)

// ring control block layout, 64 bytes, 64-byte aligned.
const (
	ringPushedOff       = 0  // u64: bytes ever written (incl. reserved headers)
	ringPushedValidOff  = 8  // u64: bytes whose header has been committed
	ringPopedOff        = 16 // u64: bytes ever consumed
	ringCapacityOff     = 24 // u64: data area capacity
	ringDataOff         = 32 // u64: segment offset of the data area
	ringWaitForWriteOff = 40 // u32: producer is (about to be) parked
	ringWaitForReadOff  = 44 // u32: consumer is (about to be) parked
	ringClosedOff       = 48 // u32: wire closed
	ringMutexOff        = 52 // u32: process-shared mutex word
	ringCondEmptyOff    = 56 // u32: consumer condition (data arrived)
	ringCondFullOff     = 60 // u32: producer condition (room appeared)

	// RingCtrlSize is the byte size of one ring control block
	RingCtrlSize = 64
)

// Ring is one single-producer/single-consumer byte ring whose state lives
// entirely in a shared segment. Exactly one process writes and exactly one
// reads; the monotonic counters obey 0 <= poped <= pushedValid <= pushed
// and pushed-poped <= capacity.
type Ring struct {
	seg      *shm.Segment
	ctrl     int
	buf      []byte
	capacity uint64

	mu        shm.Mutex
	condEmpty shm.Cond
	condFull  shm.Cond
}

// InitRing formats a ring at ctrlOff with its data area at dataOff and
// returns the handle. Creator side only.
func InitRing(seg *shm.Segment, ctrlOff, dataOff, capacity int) *Ring {
	atomic.StoreUint64(seg.U64(ctrlOff+ringCapacityOff), uint64(capacity))
	atomic.StoreUint64(seg.U64(ctrlOff+ringDataOff), uint64(dataOff))
	return AttachRing(seg, ctrlOff)
}

// AttachRing binds to a ring previously formatted by InitRing, typically
// from the peer process.
func AttachRing(seg *shm.Segment, ctrlOff int) *Ring {
	capacity := seg.LoadU64(ctrlOff + ringCapacityOff)
	dataOff := seg.LoadU64(ctrlOff + ringDataOff)
	r := &Ring{
		seg:      seg,
		ctrl:     ctrlOff,
		buf:      seg.Bytes()[dataOff : dataOff+capacity],
		capacity: capacity,
	}
	r.mu = shm.NewMutex(seg.U32(ctrlOff + ringMutexOff))
	r.condEmpty = shm.NewCond(seg.U32(ctrlOff + ringCondEmptyOff))
	r.condFull = shm.NewCond(seg.U32(ctrlOff + ringCondFullOff))
	return r
}

// Capacity returns the data area size
func (r *Ring) Capacity() uint64 { return r.capacity }

func (r *Ring) pushed() uint64      { return r.seg.LoadU64(r.ctrl + ringPushedOff) }
func (r *Ring) pushedValid() uint64 { return r.seg.LoadU64(r.ctrl + ringPushedValidOff) }
func (r *Ring) poped() uint64       { return r.seg.LoadU64(r.ctrl + ringPopedOff) }

func (r *Ring) addPushed(n uint64) {
	atomic.AddUint64(r.seg.U64(r.ctrl+ringPushedOff), n)
}

func (r *Ring) commitPushedValid() {
	atomic.StoreUint64(r.seg.U64(r.ctrl+ringPushedValidOff), r.pushed())
}

func (r *Ring) addPoped(n uint64) {
	atomic.AddUint64(r.seg.U64(r.ctrl+ringPopedOff), n)
}

func (r *Ring) stored() uint64      { return r.pushed() - r.poped() }
func (r *Ring) room() uint64        { return r.capacity - r.stored() }
func (r *Ring) storedValid() uint64 { return r.pushedValid() - r.poped() }

func (r *Ring) index(n uint64) uint64 { return n % r.capacity }

// Closed reports whether the wire has been closed by either side
func (r *Ring) Closed() bool {
	return atomic.LoadUint32(r.seg.U32(r.ctrl+ringClosedOff)) != 0
}

// SetClosed closes the wire and wakes both sides so parked waits observe it
func (r *Ring) SetClosed() {
	atomic.StoreUint32(r.seg.U32(r.ctrl+ringClosedOff), 1)
	r.mu.Lock(time.Time{})
	r.condEmpty.Broadcast()
	r.condFull.Broadcast()
	r.mu.Unlock()
}

// writeInBuffer copies from src into the data area at ring position pos,
// splitting across the wrap point when needed.
func (r *Ring) writeInBuffer(pos uint64, src []byte) {
	i := r.index(pos)
	first := r.capacity - i
	if uint64(len(src)) <= first {
		copy(r.buf[i:], src)
		return
	}
	copy(r.buf[i:], src[:first])
	copy(r.buf, src[first:])
}

// readFromBuffer copies length bytes at ring position pos into dst,
// reassembling across the wrap point when needed.
func (r *Ring) readFromBuffer(dst []byte, pos uint64) {
	i := r.index(pos)
	first := r.capacity - i
	if uint64(len(dst)) <= first {
		copy(dst, r.buf[i:])
		return
	}
	copy(dst, r.buf[i:i+first])
	copy(dst[first:], r.buf[:uint64(len(dst))-first])
}

// view returns a contiguous slice of length bytes at pos when the range
// does not cross the wrap point; ok is false otherwise and the caller must
// reassemble via readFromBuffer.
func (r *Ring) view(pos uint64, length uint64) ([]byte, bool) {
	i := r.index(pos)
	if i+length <= r.capacity {
		return r.buf[i : i+length], true
	}
	return nil, false
}

// waiting flags pair a store with an acquire-release step so a notifier
// that observes the flag also observes the counters the waiter checked.
func (r *Ring) setWaiting(off int)   { atomic.StoreUint32(r.seg.U32(r.ctrl+off), 1) }
func (r *Ring) clearWaiting(off int) { atomic.StoreUint32(r.seg.U32(r.ctrl+off), 0) }
func (r *Ring) isWaiting(off int) bool {
	return atomic.LoadUint32(r.seg.U32(r.ctrl+off)) != 0
}

// NotifyReader wakes a parked consumer, if one advertised itself
func (r *Ring) NotifyReader() {
	if r.isWaiting(ringWaitForReadOff) {
		r.mu.Lock(time.Time{})
		r.condEmpty.Notify()
		r.mu.Unlock()
	}
}

// NotifyWriter wakes a parked producer, if one advertised itself
func (r *Ring) NotifyWriter() {
	if r.isWaiting(ringWaitForWriteOff) {
		r.mu.Lock(time.Time{})
		r.condFull.Notify()
		r.mu.Unlock()
	}
}

// WaitToWrite blocks until the ring has room for length bytes or the
// deadline passes. Writing on a closed wire reports ErrClosed.
func (r *Ring) WaitToWrite(length uint64, deadline time.Time) error {
	if r.room() >= length && !r.Closed() {
		return nil
	}
	if err := r.mu.Lock(deadline); err != nil {
		return ErrTimeout
	}
	defer r.mu.Unlock()
	r.setWaiting(ringWaitForWriteOff)
	defer r.clearWaiting(ringWaitForWriteOff)
	for r.room() < length {
		if r.Closed() {
			return ErrClosed
		}
		if err := r.condFull.Wait(r.mu, deadline); err != nil {
			if r.room() >= length || r.Closed() {
				break
			}
			return ErrTimeout
		}
	}
	if r.Closed() {
		return ErrClosed
	}
	return nil
}

// WaitForData blocks until at least minBytes committed bytes are readable
// or the deadline passes. A closed wire with no pending data reports
// ErrClosed.
func (r *Ring) WaitForData(minBytes uint64, deadline time.Time) error {
	if r.storedValid() >= minBytes {
		return nil
	}
	if r.Closed() {
		return ErrClosed
	}
	if err := r.mu.Lock(deadline); err != nil {
		return ErrTimeout
	}
	defer r.mu.Unlock()
	r.setWaiting(ringWaitForReadOff)
	defer r.clearWaiting(ringWaitForReadOff)
	for r.storedValid() < minBytes {
		if r.Closed() {
			return ErrClosed
		}
		if err := r.condEmpty.Wait(r.mu, deadline); err != nil {
			if r.storedValid() >= minBytes {
				break
			}
			if r.Closed() {
				return ErrClosed
			}
			return ErrTimeout
		}
	}
	return nil
}

// peekBytes reassembles n bytes at the read position into dst without
// consuming them.
func (r *Ring) peekBytes(dst []byte, offset uint64) {
	r.readFromBuffer(dst, r.poped()+offset)
}
