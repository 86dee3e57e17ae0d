package wire

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-shmipc/internal/shm"
)

// ConnectionQueue is the global per-database admission segment. Clients
// fetch a sequence number, the listener decides accept/reject in sequence
// order, and live sessions occupy slots partitioned into a normal range
// [0, threads) and an admin range [threads, threads+adminSessions).
//
// Protocol violations (duplicate accept of a slot, out-of-range sequence,
// disconnect of a free slot) are programming errors and panic, aborting the
// listener.

// queue header layout
const (
	cqMagicOff        = 0  // u64
	cqRequestedOff    = 8  // u64: connection requests ever made
	cqAcceptedOff     = 16 // u64: requests accepted
	cqRejectedOff     = 24 // u64: requests rejected
	cqDisconnectedOff = 32 // u64: sessions disconnected
	cqTerminateOff    = 40 // u32: terminate requested
	cqMutexOff        = 44 // u32
	cqCondRequestedOff = 48 // u32: listener parks here
	cqCondAcceptedOff  = 52 // u32: clients park here
	cqSemTerminatedOff = 56 // u32: termination handshake semaphore
	cqThreadsOff       = 60 // u32: geometry
	cqAdminOff         = 64 // u32: geometry
	cqHdrSize          = 128

	cqMagic = 0x63715f676f736d68 // "hmsog_qc"
)

// pending decision entry, 32 bytes
const (
	peSeqOff     = 0  // u64
	peSessionOff = 8  // u64
	peStateOff   = 16 // u32
	peAdminOff   = 20 // u32
	peSlotOff    = 24 // u32
	peSize       = 32
)

const (
	peEmpty    uint32 = 0
	peWaiting  uint32 = 1
	peAccepted uint32 = 2
	peRejected uint32 = 3
)

// InvalidSessionID marks a free slot in the slot table
const InvalidSessionID = ^uint64(0)

// ConnectionQueue wraps the admission segment
type ConnectionQueue struct {
	seg     *shm.Segment
	threads int
	admin   int

	mu            shm.Mutex
	condRequested shm.Cond
	condAccepted  shm.Cond
	semTerminated shm.Semaphore
}

// ConnectionQueueSize returns the segment footprint for the given quotas
func ConnectionQueueSize(threads, admin int) int {
	slots := threads + admin
	return cqHdrSize + shm.Align(slots*peSize) + shm.Align(slots*8)
}

// InitConnectionQueue formats the queue inside a fresh segment
func InitConnectionQueue(seg *shm.Segment, threads, admin int) *ConnectionQueue {
	q := attachQueue(seg, threads, admin)
	atomic.StoreUint32(seg.U32(cqThreadsOff), uint32(threads))
	atomic.StoreUint32(seg.U32(cqAdminOff), uint32(admin))
	for i := 0; i < threads+admin; i++ {
		atomic.StoreUint64(seg.U64(q.slotOff(i)), InvalidSessionID)
	}
	atomic.StoreUint64(seg.U64(cqMagicOff), cqMagic)
	return q
}

// OpenConnectionQueue binds to an existing queue segment
func OpenConnectionQueue(seg *shm.Segment) (*ConnectionQueue, error) {
	if seg.LoadU64(cqMagicOff) != cqMagic {
		return nil, fmt.Errorf("connection queue %s: bad magic", seg.Name())
	}
	threads := int(atomic.LoadUint32(seg.U32(cqThreadsOff)))
	admin := int(atomic.LoadUint32(seg.U32(cqAdminOff)))
	return attachQueue(seg, threads, admin), nil
}

func attachQueue(seg *shm.Segment, threads, admin int) *ConnectionQueue {
	q := &ConnectionQueue{seg: seg, threads: threads, admin: admin}
	q.mu = shm.NewMutex(seg.U32(cqMutexOff))
	q.condRequested = shm.NewCond(seg.U32(cqCondRequestedOff))
	q.condAccepted = shm.NewCond(seg.U32(cqCondAcceptedOff))
	q.semTerminated = shm.NewSemaphore(seg.U32(cqSemTerminatedOff))
	return q
}

// Threads returns the normal slot quota
func (q *ConnectionQueue) Threads() int { return q.threads }

// AdminSessions returns the admin slot quota
func (q *ConnectionQueue) AdminSessions() int { return q.admin }

func (q *ConnectionQueue) slots() int { return q.threads + q.admin }

func (q *ConnectionQueue) pendingOff(seq uint64) int {
	return cqHdrSize + int(seq%uint64(q.slots()))*peSize
}

func (q *ConnectionQueue) slotOff(slot int) int {
	return cqHdrSize + shm.Align(q.slots()*peSize) + slot*8
}

// counters

func (q *ConnectionQueue) Requested() uint64    { return q.seg.LoadU64(cqRequestedOff) }
func (q *ConnectionQueue) Accepted() uint64     { return q.seg.LoadU64(cqAcceptedOff) }
func (q *ConnectionQueue) Rejected() uint64     { return q.seg.LoadU64(cqRejectedOff) }
func (q *ConnectionQueue) Disconnected() uint64 { return q.seg.LoadU64(cqDisconnectedOff) }

// SessionAt returns the session id occupying a slot, or InvalidSessionID
func (q *ConnectionQueue) SessionAt(slot int) uint64 {
	return q.seg.LoadU64(q.slotOff(slot))
}

func (q *ConnectionQueue) undecided() uint64 {
	return q.Requested() - (q.Accepted() + q.Rejected())
}

// activeInClass counts occupied slots of one class under the queue mutex
func (q *ConnectionQueue) activeInClass(admin bool) int {
	lo, hi := 0, q.threads
	if admin {
		lo, hi = q.threads, q.slots()
	}
	n := 0
	for s := lo; s < hi; s++ {
		if q.SessionAt(s) != InvalidSessionID {
			n++
		}
	}
	return n
}

// pendingInClass counts undecided requests of one class
func (q *ConnectionQueue) pendingInClass(admin bool) int {
	n := 0
	next := q.Accepted() + q.Rejected() + 1
	for seq := next; seq <= q.Requested(); seq++ {
		off := q.pendingOff(seq)
		if atomic.LoadUint32(q.seg.U32(off+peStateOff)) != peWaiting {
			continue
		}
		isAdmin := atomic.LoadUint32(q.seg.U32(off+peAdminOff)) != 0
		if isAdmin == admin {
			n++
		}
	}
	return n
}

// Request places a normal connection request and returns its sequence
// number. With wait=false a full class reports ErrQueueFull immediately;
// otherwise the call blocks for a free slot until the deadline.
func (q *ConnectionQueue) Request(wait bool, deadline time.Time) (uint64, error) {
	return q.request(false, wait, deadline)
}

// RequestAdmin places an administrator connection request, drawing from the
// reserved admin slot range.
func (q *ConnectionQueue) RequestAdmin(wait bool, deadline time.Time) (uint64, error) {
	return q.request(true, wait, deadline)
}

func (q *ConnectionQueue) request(admin, wait bool, deadline time.Time) (uint64, error) {
	if err := q.mu.Lock(deadline); err != nil {
		return 0, ErrTimeout
	}
	defer q.mu.Unlock()

	for q.activeInClass(admin)+q.pendingInClass(admin) >= q.classQuota(admin) {
		if !wait {
			return 0, ErrQueueFull
		}
		if err := q.condAccepted.Wait(q.mu, deadline); err != nil {
			return 0, ErrQueueFull
		}
	}

	n := atomic.AddUint64(q.seg.U64(cqRequestedOff), 1)
	off := q.pendingOff(n)
	atomic.StoreUint64(q.seg.U64(off+peSeqOff), n)
	atomic.StoreUint64(q.seg.U64(off+peSessionOff), InvalidSessionID)
	var adminWord uint32
	if admin {
		adminWord = 1
	}
	atomic.StoreUint32(q.seg.U32(off+peAdminOff), adminWord)
	atomic.StoreUint32(q.seg.U32(off+peStateOff), peWaiting)
	q.condRequested.Notify()
	return n, nil
}

func (q *ConnectionQueue) classQuota(admin bool) int {
	if admin {
		return q.admin
	}
	return q.threads
}

// Wait blocks until the listener's decision for sequence n is visible or
// the deadline passes. It returns the assigned session id, or ErrRejected.
func (q *ConnectionQueue) Wait(n uint64, deadline time.Time) (uint64, error) {
	if err := q.mu.Lock(deadline); err != nil {
		return 0, ErrTimeout
	}
	defer q.mu.Unlock()

	off := q.pendingOff(n)
	for {
		if q.seg.LoadU64(off+peSeqOff) == n {
			switch atomic.LoadUint32(q.seg.U32(off + peStateOff)) {
			case peAccepted:
				sid := q.seg.LoadU64(off + peSessionOff)
				atomic.StoreUint32(q.seg.U32(off+peStateOff), peEmpty)
				return sid, nil
			case peRejected:
				atomic.StoreUint32(q.seg.U32(off+peStateOff), peEmpty)
				return 0, ErrRejected
			}
		}
		if err := q.condAccepted.Wait(q.mu, deadline); err != nil {
			return 0, ErrTimeout
		}
	}
}

// Listen blocks until an undecided request exists or termination is
// requested. It returns the request's sequence number and class. The
// listener decides requests strictly in sequence order.
func (q *ConnectionQueue) Listen(deadline time.Time) (uint64, bool, error) {
	if err := q.mu.Lock(deadline); err != nil {
		return 0, false, ErrTimeout
	}
	defer q.mu.Unlock()

	for {
		if q.IsTerminated() {
			return 0, false, ErrTerminate
		}
		next := q.Accepted() + q.Rejected() + 1
		if next <= q.Requested() {
			off := q.pendingOff(next)
			if q.seg.LoadU64(off+peSeqOff) == next &&
				atomic.LoadUint32(q.seg.U32(off+peStateOff)) == peWaiting {
				admin := atomic.LoadUint32(q.seg.U32(off+peAdminOff)) != 0
				return next, admin, nil
			}
		}
		if err := q.condRequested.Wait(q.mu, deadline); err != nil {
			return 0, false, ErrTimeout
		}
	}
}

// FindFreeSlot returns a free slot index of the given class, or -1
func (q *ConnectionQueue) FindFreeSlot(admin bool) int {
	if err := q.mu.Lock(time.Time{}); err != nil {
		return -1
	}
	defer q.mu.Unlock()
	lo, hi := 0, q.threads
	if admin {
		lo, hi = q.threads, q.slots()
	}
	for s := lo; s < hi; s++ {
		if q.SessionAt(s) == InvalidSessionID {
			return s
		}
	}
	return -1
}

// Accept records acceptance of the next undecided sequence: the session id
// is installed in the slot table and published to the waiting client.
func (q *ConnectionQueue) Accept(slot int, sessionID uint64) {
	q.mu.Lock(time.Time{})
	defer q.mu.Unlock()

	next := q.Accepted() + q.Rejected() + 1
	if next > q.Requested() {
		panic(fmt.Sprintf("wire: accept of sequence %d that was never requested", next))
	}
	if slot < 0 || slot >= q.slots() {
		panic(fmt.Sprintf("wire: accept on out-of-range slot %d", slot))
	}
	if q.SessionAt(slot) != InvalidSessionID {
		panic(fmt.Sprintf("wire: duplicate accept of slot %d", slot))
	}
	off := q.pendingOff(next)
	if atomic.LoadUint32(q.seg.U32(off+peStateOff)) != peWaiting {
		panic(fmt.Sprintf("wire: accept of non-pending sequence %d", next))
	}

	atomic.StoreUint64(q.seg.U64(q.slotOff(slot)), sessionID)
	atomic.StoreUint64(q.seg.U64(off+peSessionOff), sessionID)
	atomic.StoreUint32(q.seg.U32(off+peSlotOff), uint32(slot))
	atomic.StoreUint32(q.seg.U32(off+peStateOff), peAccepted)
	atomic.AddUint64(q.seg.U64(cqAcceptedOff), 1)
	q.condAccepted.Broadcast()
}

// Reject records rejection of the next undecided sequence
func (q *ConnectionQueue) Reject() {
	q.mu.Lock(time.Time{})
	defer q.mu.Unlock()

	next := q.Accepted() + q.Rejected() + 1
	if next > q.Requested() {
		panic(fmt.Sprintf("wire: reject of sequence %d that was never requested", next))
	}
	off := q.pendingOff(next)
	if atomic.LoadUint32(q.seg.U32(off+peStateOff)) != peWaiting {
		panic(fmt.Sprintf("wire: reject of non-pending sequence %d", next))
	}
	atomic.StoreUint32(q.seg.U32(off+peStateOff), peRejected)
	atomic.AddUint64(q.seg.U64(cqRejectedOff), 1)
	q.condAccepted.Broadcast()
}

// Disconnect reclaims a slot on session end
func (q *ConnectionQueue) Disconnect(slot int) {
	q.mu.Lock(time.Time{})
	defer q.mu.Unlock()

	if slot < 0 || slot >= q.slots() {
		panic(fmt.Sprintf("wire: disconnect of out-of-range slot %d", slot))
	}
	if q.SessionAt(slot) == InvalidSessionID {
		panic(fmt.Sprintf("wire: disconnect of free slot %d", slot))
	}
	atomic.StoreUint64(q.seg.U64(q.slotOff(slot)), InvalidSessionID)
	atomic.AddUint64(q.seg.U64(cqDisconnectedOff), 1)
	q.condAccepted.Broadcast()
}

// IsTerminated reports whether termination was requested
func (q *ConnectionQueue) IsTerminated() bool {
	return atomic.LoadUint32(q.seg.U32(cqTerminateOff)) != 0
}

// RequestTerminate raises the terminate flag, wakes the listener and waits
// for its confirmation.
func (q *ConnectionQueue) RequestTerminate(deadline time.Time) error {
	atomic.StoreUint32(q.seg.U32(cqTerminateOff), 1)
	q.mu.Lock(time.Time{})
	q.condRequested.Broadcast()
	q.mu.Unlock()
	if err := q.semTerminated.Wait(deadline); err != nil {
		return ErrTimeout
	}
	return nil
}

// ConfirmTerminated releases the shutdown orchestrator blocked in
// RequestTerminate. Listener side.
func (q *ConnectionQueue) ConfirmTerminated() {
	q.semTerminated.Post()
}
