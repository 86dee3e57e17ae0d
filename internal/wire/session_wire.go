package wire

import (
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-shmipc/internal/shm"
)

// SessionWire owns one session's shared-memory segment: exactly one
// request wire, one response wire, the result-set arena and the status
// provider cell. The server creates and ultimately unlinks the segment;
// the client maps it by name.

// session segment header layout
const (
	swMagicOff     = 0
	swReqCtrlOff   = 8
	swRespCtrlOff  = 16
	swArenaOff     = 24
	swChannelsOff  = 32
	swWritersOff   = 40
	swBufSizeOff   = 48
	swStatusOff    = 56
	swHdrSize      = 128

	swMagic = 0x73657373696f6e31 // "session1"
)

// SessionGeometry fixes the buffer sizes of one session segment
type SessionGeometry struct {
	RequestCapacity  int
	ResponseCapacity int
	Channels         int
	Writers          int
	WriterBufSize    int
}

// SessionSegmentName derives the kernel object name of a session segment
func SessionSegmentName(database string, sessionID uint64) string {
	return fmt.Sprintf("%s-%d", database, sessionID)
}

// SessionSegmentSize returns the total footprint for a geometry
func SessionSegmentSize(g SessionGeometry) int {
	size := swHdrSize
	size += RingCtrlSize + shm.Align(g.RequestCapacity)
	size += RingCtrlSize + shm.Align(g.ResponseCapacity)
	size += StatusProviderSize
	size += ArenaSize(g.Channels, g.Writers, g.WriterBufSize)
	return size
}

// SessionWire bundles the per-session wires
type SessionWire struct {
	seg      *shm.Segment
	Request  *RequestWire
	Response *ResponseWire
	Arena    *ResultSetArena
	Status   *StatusProvider
}

// CreateSessionWire builds and formats the session segment. Server side.
func CreateSessionWire(name string, g SessionGeometry, mutexFile string) (*SessionWire, error) {
	seg, err := shm.Create(name, SessionSegmentSize(g))
	if err != nil {
		return nil, err
	}

	off := swHdrSize
	reqCtrl := off
	off += RingCtrlSize
	reqData := off
	off += shm.Align(g.RequestCapacity)
	respCtrl := off
	off += RingCtrlSize
	respData := off
	off += shm.Align(g.ResponseCapacity)
	statusOff := off
	off += StatusProviderSize
	arenaOff := off

	w := &SessionWire{seg: seg}
	w.Request = NewRequestWire(InitRing(seg, reqCtrl, reqData, g.RequestCapacity))
	w.Response = NewResponseWire(InitRing(seg, respCtrl, respData, g.ResponseCapacity))
	w.Status = InitStatusProvider(seg, statusOff, mutexFile)
	w.Arena = InitArena(seg, arenaOff, g.Channels, g.Writers, g.WriterBufSize)

	atomic.StoreUint64(seg.U64(swReqCtrlOff), uint64(reqCtrl))
	atomic.StoreUint64(seg.U64(swRespCtrlOff), uint64(respCtrl))
	atomic.StoreUint64(seg.U64(swArenaOff), uint64(arenaOff))
	atomic.StoreUint64(seg.U64(swChannelsOff), uint64(g.Channels))
	atomic.StoreUint64(seg.U64(swWritersOff), uint64(g.Writers))
	atomic.StoreUint64(seg.U64(swBufSizeOff), uint64(g.WriterBufSize))
	atomic.StoreUint64(seg.U64(swStatusOff), uint64(statusOff))
	atomic.StoreUint64(seg.U64(swMagicOff), swMagic)
	return w, nil
}

// OpenSessionWire maps an existing session segment. Client side.
func OpenSessionWire(name string) (*SessionWire, error) {
	seg, err := shm.Open(name)
	if err != nil {
		return nil, err
	}
	if seg.LoadU64(swMagicOff) != swMagic {
		seg.Close()
		return nil, fmt.Errorf("session segment %s: bad magic", name)
	}
	w := &SessionWire{seg: seg}
	w.Request = NewRequestWire(AttachRing(seg, int(seg.LoadU64(swReqCtrlOff))))
	w.Response = NewResponseWire(AttachRing(seg, int(seg.LoadU64(swRespCtrlOff))))
	w.Status = AttachStatusProvider(seg, int(seg.LoadU64(swStatusOff)))
	w.Arena = AttachArena(seg,
		int(seg.LoadU64(swArenaOff)),
		int(seg.LoadU64(swChannelsOff)),
		int(seg.LoadU64(swWritersOff)),
		int(seg.LoadU64(swBufSizeOff)))
	return w, nil
}

// Name returns the segment name
func (w *SessionWire) Name() string { return w.seg.Name() }

// Close unmaps the segment; the creating side also removes it from the
// kernel namespace.
func (w *SessionWire) Close() error {
	return w.seg.Close()
}
