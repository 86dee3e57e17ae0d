package wire

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-shmipc/internal/shm"
)

// Result-set arena: a fixed directory of channels, each channel a set of
// writerCount independent SPSC rings (one per writer slot). The service
// picks writers; the client consumes records across slots in deterministic
// scan order. Records are framed with a LengthHeader and become visible
// only on Commit.

// channel directory entry header layout, 128 bytes
const (
	chStateOff       = 0  // u32: 0 free, 1 active, 2 released by server
	chEOROff         = 4  // u32: producer marked end of result set
	chClosedOff      = 8  // u32: consumer disengaged
	chWaitRecordOff  = 12 // u32: consumer parked waiting for any record
	chMutexOff       = 16 // u32: record mutex word
	chCondRecordOff  = 20 // u32: record condition word
	chWriterCountOff = 24 // u32: geometry
	chNameLenOff     = 28 // u32
	chNameOff        = 32 // channel name bytes
	chNameMax        = 96
	chEntryHdrSize   = 128
)

const (
	chFree     uint32 = 0
	chActive   uint32 = 1
	chReleased uint32 = 2
)

// ResultSetArena is the per-session channel directory plus writer rings
type ResultSetArena struct {
	seg      *shm.Segment
	dirOff   int
	channels int
	writers  int
	bufSize  int
}

func chEntrySize(writers, bufSize int) int {
	return chEntryHdrSize + shm.Align(4*writers) + writers*RingCtrlSize + writers*shm.Align(bufSize)
}

// ArenaSize returns the byte footprint of an arena with the given geometry
func ArenaSize(channels, writers, bufSize int) int {
	return channels * chEntrySize(writers, bufSize)
}

// InitArena formats the directory. Creator side.
func InitArena(seg *shm.Segment, dirOff, channels, writers, bufSize int) *ResultSetArena {
	a := &ResultSetArena{seg: seg, dirOff: dirOff, channels: channels, writers: writers, bufSize: bufSize}
	for i := 0; i < channels; i++ {
		entry := a.entryOff(i)
		atomic.StoreUint32(seg.U32(entry+chStateOff), chFree)
		atomic.StoreUint32(seg.U32(entry+chWriterCountOff), uint32(writers))
	}
	return a
}

// AttachArena binds to a formatted directory, typically from the client
func AttachArena(seg *shm.Segment, dirOff, channels, writers, bufSize int) *ResultSetArena {
	return &ResultSetArena{seg: seg, dirOff: dirOff, channels: channels, writers: writers, bufSize: bufSize}
}

func (a *ResultSetArena) entryOff(i int) int {
	return a.dirOff + i*chEntrySize(a.writers, a.bufSize)
}

func (a *ResultSetArena) slotStateOff(entry, slot int) int {
	return entry + chEntryHdrSize + 4*slot
}

func (a *ResultSetArena) ringCtrlOff(entry, slot int) int {
	return entry + chEntryHdrSize + shm.Align(4*a.writers) + slot*RingCtrlSize
}

func (a *ResultSetArena) ringDataOff(entry, slot int) int {
	return entry + chEntryHdrSize + shm.Align(4*a.writers) + a.writers*RingCtrlSize + slot*shm.Align(a.bufSize)
}

// CreateChannel claims a free directory entry under the given name and
// resets its rings. Server side.
func (a *ResultSetArena) CreateChannel(name string) (*Channel, error) {
	if len(name) > chNameMax {
		return nil, ErrProtocol
	}
	for i := 0; i < a.channels; i++ {
		entry := a.entryOff(i)
		state := a.seg.U32(entry + chStateOff)
		if !atomic.CompareAndSwapUint32(state, chFree, chReleased) {
			continue
		}
		// claimed; format before flipping to active so the client never
		// observes a half-built entry
		a.resetEntry(entry)
		nameDst := a.seg.Bytes()[entry+chNameOff : entry+chNameOff+chNameMax]
		copy(nameDst, name)
		atomic.StoreUint32(a.seg.U32(entry+chNameLenOff), uint32(len(name)))
		atomic.StoreUint32(state, chActive)
		return a.channel(entry), nil
	}
	return nil, ErrNoFreeChannel
}

func (a *ResultSetArena) resetEntry(entry int) {
	seg := a.seg
	atomic.StoreUint32(seg.U32(entry+chEOROff), 0)
	atomic.StoreUint32(seg.U32(entry+chClosedOff), 0)
	atomic.StoreUint32(seg.U32(entry+chWaitRecordOff), 0)
	atomic.StoreUint32(seg.U32(entry+chMutexOff), 0)
	atomic.StoreUint32(seg.U32(entry+chCondRecordOff), 0)
	for s := 0; s < a.writers; s++ {
		atomic.StoreUint32(seg.U32(a.slotStateOff(entry, s)), 0)
		ctrl := a.ringCtrlOff(entry, s)
		atomic.StoreUint64(seg.U64(ctrl+ringPushedOff), 0)
		atomic.StoreUint64(seg.U64(ctrl+ringPushedValidOff), 0)
		atomic.StoreUint64(seg.U64(ctrl+ringPopedOff), 0)
		atomic.StoreUint32(seg.U32(ctrl+ringWaitForWriteOff), 0)
		atomic.StoreUint32(seg.U32(ctrl+ringWaitForReadOff), 0)
		atomic.StoreUint32(seg.U32(ctrl+ringClosedOff), 0)
		atomic.StoreUint32(seg.U32(ctrl+ringMutexOff), 0)
		atomic.StoreUint32(seg.U32(ctrl+ringCondEmptyOff), 0)
		atomic.StoreUint32(seg.U32(ctrl+ringCondFullOff), 0)
		InitRing(seg, ctrl, a.ringDataOff(entry, s), a.bufSize)
	}
}

// FindChannel locates an active channel by name. Client side.
func (a *ResultSetArena) FindChannel(name string) (*Channel, bool) {
	for i := 0; i < a.channels; i++ {
		entry := a.entryOff(i)
		if atomic.LoadUint32(a.seg.U32(entry+chStateOff)) == chFree {
			continue
		}
		n := atomic.LoadUint32(a.seg.U32(entry + chNameLenOff))
		if int(n) != len(name) {
			continue
		}
		if string(a.seg.Bytes()[entry+chNameOff:entry+chNameOff+int(n)]) == name {
			return a.channel(entry), true
		}
	}
	return nil, false
}

func (a *ResultSetArena) channel(entry int) *Channel {
	c := &Channel{a: a, entry: entry}
	c.mu = shm.NewMutex(a.seg.U32(entry + chMutexOff))
	c.condRecord = shm.NewCond(a.seg.U32(entry + chCondRecordOff))
	c.rings = make([]*Ring, a.writers)
	for s := 0; s < a.writers; s++ {
		c.rings[s] = AttachRing(a.seg, a.ringCtrlOff(entry, s))
	}
	return c
}

// Channel is one named result-set egress: writerCount independent writer
// slots plus the record condition the consumer parks on.
type Channel struct {
	a     *ResultSetArena
	entry int
	rings []*Ring

	mu         shm.Mutex
	condRecord shm.Cond
}

// Name returns the channel name
func (c *Channel) Name() string {
	n := atomic.LoadUint32(c.a.seg.U32(c.entry + chNameLenOff))
	return string(c.a.seg.Bytes()[c.entry+chNameOff : c.entry+chNameOff+int(n)])
}

// WriterCount returns the number of writer slots
func (c *Channel) WriterCount() int { return c.a.writers }

// SetEOR marks the end of the result set. Server side.
func (c *Channel) SetEOR() {
	atomic.StoreUint32(c.a.seg.U32(c.entry+chEOROff), 1)
	c.notifyRecord()
}

// IsEOR reports whether the producer marked end of result set
func (c *Channel) IsEOR() bool {
	return atomic.LoadUint32(c.a.seg.U32(c.entry+chEOROff)) != 0
}

// SetClosed records consumer disengagement and releases parked writers.
// Client side.
func (c *Channel) SetClosed() {
	atomic.StoreUint32(c.a.seg.U32(c.entry+chClosedOff), 1)
	for _, r := range c.rings {
		r.SetClosed()
	}
	c.notifyRecord()
}

// IsClosed reports whether the consumer disengaged. Server side.
func (c *Channel) IsClosed() bool {
	return atomic.LoadUint32(c.a.seg.U32(c.entry+chClosedOff)) != 0
}

// Free returns the directory entry to the arena. Server side, once the
// channel is drained or abandoned.
func (c *Channel) Free() {
	atomic.StoreUint32(c.a.seg.U32(c.entry+chNameLenOff), 0)
	atomic.StoreUint32(c.a.seg.U32(c.entry+chStateOff), chFree)
}

// MarkReleased flags the entry as released by the service while the client
// may still be draining
func (c *Channel) MarkReleased() {
	atomic.StoreUint32(c.a.seg.U32(c.entry+chStateOff), chReleased)
}

// Drained reports whether every slot has been fully consumed
func (c *Channel) Drained() bool {
	for _, r := range c.rings {
		if r.storedValid() > 0 {
			return false
		}
	}
	return true
}

func (c *Channel) waitingForRecord() bool {
	return atomic.LoadUint32(c.a.seg.U32(c.entry+chWaitRecordOff)) != 0
}

func (c *Channel) notifyRecord() {
	if c.waitingForRecord() {
		c.mu.Lock(time.Time{})
		// both the consumer and a writer-starved producer may be parked here
		c.condRecord.Broadcast()
		c.mu.Unlock()
	}
}

// AcquireWriter binds a free writer slot, waiting until the deadline when
// all slots are taken. Server side.
func (c *Channel) AcquireWriter(deadline time.Time) (*ResultSetWriter, error) {
	for {
		for s := 0; s < c.a.writers; s++ {
			state := c.a.seg.U32(c.a.slotStateOff(c.entry, s))
			if atomic.CompareAndSwapUint32(state, 0, 1) {
				return &ResultSetWriter{c: c, slot: s, ring: c.rings[s]}, nil
			}
		}
		if c.IsClosed() {
			return nil, ErrClosed
		}
		if err := c.mu.Lock(deadline); err != nil {
			return nil, ErrNoFreeWriter
		}
		atomic.AddUint32(c.a.seg.U32(c.entry+chWaitRecordOff), 1)
		err := c.condRecord.Wait(c.mu, deadline)
		atomic.AddUint32(c.a.seg.U32(c.entry+chWaitRecordOff), ^uint32(0))
		c.mu.Unlock()
		if err != nil {
			return nil, ErrNoFreeWriter
		}
	}
}

// ReleaseWriter flushes any open record and returns the slot. Server side.
func (c *Channel) ReleaseWriter(w *ResultSetWriter) {
	w.Commit()
	atomic.StoreUint32(c.a.seg.U32(c.a.slotStateOff(c.entry, w.slot)), 0)
	c.notifyRecord()
}

// ActiveWire returns a reader over any slot holding a committed record, in
// deterministic scan order. It blocks until a record arrives, EOR, or the
// deadline. After EOR with all slots drained it returns (nil, nil).
// Client side.
func (c *Channel) ActiveWire(deadline time.Time) (*ChunkReader, error) {
	for {
		for s := 0; s < c.a.writers; s++ {
			if c.rings[s].storedValid() > 0 {
				return &ChunkReader{c: c, slot: s, ring: c.rings[s]}, nil
			}
		}
		if c.IsEOR() {
			// re-scan once EOR is visible so a record committed just
			// before EOR is not lost
			for s := 0; s < c.a.writers; s++ {
				if c.rings[s].storedValid() > 0 {
					return &ChunkReader{c: c, slot: s, ring: c.rings[s]}, nil
				}
			}
			return nil, nil
		}
		if err := c.mu.Lock(deadline); err != nil {
			return nil, ErrTimeout
		}
		atomic.AddUint32(c.a.seg.U32(c.entry+chWaitRecordOff), 1)
		err := c.condRecord.Wait(c.mu, deadline)
		atomic.AddUint32(c.a.seg.U32(c.entry+chWaitRecordOff), ^uint32(0))
		c.mu.Unlock()
		if err != nil && !c.IsEOR() && !c.anyRecord() {
			return nil, ErrTimeout
		}
	}
}

func (c *Channel) anyRecord() bool {
	for s := 0; s < c.a.writers; s++ {
		if c.rings[s].storedValid() > 0 {
			return true
		}
	}
	return false
}

// ResultSetWriter appends records to one slot of a channel. Bytes written
// since the last Commit stay invisible to the consumer; Commit seals the
// record. A writer is used by one goroutine at a time.
type ResultSetWriter struct {
	c         *Channel
	slot      int
	ring      *Ring
	continued bool
}

// Slot returns the arena slot index this writer is bound to
func (w *ResultSetWriter) Slot() int { return w.slot }

// Write appends record bytes, opening a new record if none is in
// progress. It blocks while the slot ring is full. A closed channel
// reports ErrClosed.
func (w *ResultSetWriter) Write(p []byte, deadline time.Time) error {
	if w.c.IsClosed() {
		return ErrClosed
	}
	if !w.continued {
		// reserve the record header; it is filled in on Commit
		if err := w.ring.WaitToWrite(LengthHeaderSize, deadline); err != nil {
			return err
		}
		w.ring.addPushed(LengthHeaderSize)
		w.continued = true
	}
	for len(p) > 0 {
		n := uint64(len(p))
		if max := w.ring.Capacity() - LengthHeaderSize; n > max {
			n = max
		}
		if err := w.ring.WaitToWrite(n, deadline); err != nil {
			return err
		}
		w.ring.writeInBuffer(w.ring.pushed(), p[:n])
		w.ring.addPushed(n)
		p = p[n:]
	}
	return nil
}

// Commit seals the current record: the length header is written in one
// step and the consumer is woken. A no-op when no record is open.
func (w *ResultSetWriter) Commit() {
	if !w.continued {
		return
	}
	length := w.ring.pushed() - (w.ring.pushedValid() + LengthHeaderSize)
	var buf [LengthHeaderSize]byte
	LengthHeader{Length: uint32(length)}.put(buf[:])
	w.ring.writeInBuffer(w.ring.pushedValid(), buf[:])
	w.ring.commitPushedValid()
	w.continued = false
	w.ring.NotifyReader()
	w.c.notifyRecord()
}

// ChunkReader exposes one slot's committed records to the consumer. Each
// GetChunk must be followed by Dispose before the next GetChunk on the same
// slot; out-of-order dispose is forbidden.
type ChunkReader struct {
	c        *Channel
	slot     int
	ring     *Ring
	chunkOut bool
	lastLen  uint32
}

// Slot returns the arena slot index
func (r *ChunkReader) Slot() int { return r.slot }

// GetChunk returns a borrowed view of the next record. When the record
// straddles the wrap point the second part is returned as remainder and the
// caller concatenates; no copy happens inside the ring.
func (r *ChunkReader) GetChunk(deadline time.Time) (chunk, remainder []byte, err error) {
	if r.chunkOut {
		return nil, nil, ErrProtocol
	}
	if err := r.ring.WaitForData(LengthHeaderSize, deadline); err != nil {
		return nil, nil, err
	}
	var hdr [LengthHeaderSize]byte
	r.ring.peekBytes(hdr[:], 0)
	length := uint64(decodeLengthHeader(hdr[:]).Length)
	if err := r.ring.WaitForData(LengthHeaderSize+length, deadline); err != nil {
		return nil, nil, err
	}

	poped := r.ring.poped()
	capacity := r.ring.Capacity()
	start := poped + LengthHeaderSize
	// a record ending exactly on the wrap boundary still lives on one page
	if length == 0 || (start/capacity) == ((start+length-1)/capacity) {
		view, _ := r.ring.view(start, length)
		r.chunkOut = true
		r.lastLen = uint32(length)
		return view, nil, nil
	}
	bufferEnd := (r.ring.pushedValid() / capacity) * capacity
	first := bufferEnd - start
	head, _ := r.ring.view(start, first)
	tail, _ := r.ring.view(start+first, length-first)
	r.chunkOut = true
	r.lastLen = uint32(length)
	return head, tail, nil
}

// Dispose consumes the record returned by the last GetChunk and wakes a
// parked writer
func (r *ChunkReader) Dispose() error {
	if !r.chunkOut {
		return ErrProtocol
	}
	r.ring.addPoped(LengthHeaderSize + uint64(r.lastLen))
	r.chunkOut = false
	r.ring.NotifyWriter()
	return nil
}
