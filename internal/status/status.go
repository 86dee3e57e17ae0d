// Package status maintains the per-database status memory: a small shared
// segment management tools read to answer "is the server alive, and which
// sessions are open".
package status

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-shmipc/internal/shm"
)

// State is the overall server lifecycle
type State uint32

const (
	StateBoot State = iota
	StateReady
	StateActivated
	StateDeactivating
	StateDeactivated
)

// String returns the lifecycle state name
func (s State) String() string {
	switch s {
	case StateBoot:
		return "boot"
	case StateReady:
		return "ready"
	case StateActivated:
		return "activated"
	case StateDeactivating:
		return "deactivating"
	case StateDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// InactiveSession marks an unused slot-table entry
const InactiveSession = ^uint64(0)

// segment layout
const (
	stMagicOff       = 0
	stPidOff         = 8
	stStateOff       = 16
	stMutexOff       = 20
	stMaxSessionsOff = 24
	stNameLenOff     = 32
	stNameOff        = 36
	stNameMax        = 92
	stFileLenOff     = 128
	stFileOff        = 132
	stFileMax        = 252
	stSlotsOff       = 384

	stMagic = 0x73746174754d656d // "statuMem"
)

// Name derives the status segment name from the canonical configuration
// path: a hex digest suffixed ".stat".
func Name(configPath string) string {
	canonical, err := filepath.Abs(configPath)
	if err != nil {
		canonical = configPath
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8]) + ".stat"
}

// Memory wraps the status segment
type Memory struct {
	seg      *shm.Segment
	sessions int
	mu       shm.Mutex
}

func segmentSize(maxSessions int) int {
	return stSlotsOff + shm.Align(maxSessions*8)
}

// Create builds the status segment for a server start. A stale segment of
// the same name is removed first.
func Create(name string, databaseName string, maxSessions int) (*Memory, error) {
	if err := shm.Remove(name); err != nil {
		return nil, err
	}
	seg, err := shm.Create(name, segmentSize(maxSessions))
	if err != nil {
		return nil, err
	}
	m := &Memory{seg: seg, sessions: maxSessions, mu: shm.NewMutex(seg.U32(stMutexOff))}

	if len(databaseName) > stNameMax {
		databaseName = databaseName[:stNameMax]
	}
	copy(seg.Bytes()[stNameOff:stNameOff+stNameMax], databaseName)
	atomic.StoreUint32(seg.U32(stNameLenOff), uint32(len(databaseName)))
	atomic.StoreUint64(seg.U64(stPidOff), uint64(os.Getpid()))
	atomic.StoreUint64(seg.U64(stMaxSessionsOff), uint64(maxSessions))
	for i := 0; i < maxSessions; i++ {
		atomic.StoreUint64(seg.U64(stSlotsOff+8*i), InactiveSession)
	}
	m.SetState(StateBoot)
	atomic.StoreUint64(seg.U64(stMagicOff), stMagic)
	return m, nil
}

// Open maps an existing status segment, typically from a management tool
func Open(name string) (*Memory, error) {
	seg, err := shm.Open(name)
	if err != nil {
		return nil, err
	}
	if seg.LoadU64(stMagicOff) != stMagic {
		seg.Close()
		return nil, fmt.Errorf("status segment %s: bad magic", name)
	}
	return &Memory{
		seg:      seg,
		sessions: int(seg.LoadU64(stMaxSessionsOff)),
		mu:       shm.NewMutex(seg.U32(stMutexOff)),
	}, nil
}

// Close unmaps (and, for the creator, unlinks) the segment
func (m *Memory) Close() error {
	return m.seg.Close()
}

// DatabaseName returns the published database name
func (m *Memory) DatabaseName() string {
	n := atomic.LoadUint32(m.seg.U32(stNameLenOff))
	return string(m.seg.Bytes()[stNameOff : stNameOff+int(n)])
}

// Pid returns the server process id
func (m *Memory) Pid() int {
	return int(m.seg.LoadU64(stPidOff))
}

// SetState publishes the lifecycle state
func (m *Memory) SetState(s State) {
	atomic.StoreUint32(m.seg.U32(stStateOff), uint32(s))
}

// State returns the lifecycle state
func (m *Memory) State() State {
	return State(atomic.LoadUint32(m.seg.U32(stStateOff)))
}

// SetMutexFile publishes the liveness mutex-file path
func (m *Memory) SetMutexFile(path string) {
	if len(path) > stFileMax {
		path = path[:stFileMax]
	}
	copy(m.seg.Bytes()[stFileOff:stFileOff+stFileMax], path)
	atomic.StoreUint32(m.seg.U32(stFileLenOff), uint32(len(path)))
}

// MutexFile returns the liveness mutex-file path
func (m *Memory) MutexFile() string {
	n := atomic.LoadUint32(m.seg.U32(stFileLenOff))
	return string(m.seg.Bytes()[stFileOff : stFileOff+int(n)])
}

// AddSession records a session id in the slot table
func (m *Memory) AddSession(slot int, sessionID uint64) {
	if slot < 0 || slot >= m.sessions {
		return
	}
	m.mu.Lock(time.Time{})
	atomic.StoreUint64(m.seg.U64(stSlotsOff+8*slot), sessionID)
	m.mu.Unlock()
}

// RemoveSession clears a slot-table entry
func (m *Memory) RemoveSession(slot int) {
	if slot < 0 || slot >= m.sessions {
		return
	}
	m.mu.Lock(time.Time{})
	atomic.StoreUint64(m.seg.U64(stSlotsOff+8*slot), InactiveSession)
	m.mu.Unlock()
}

// Sessions snapshots the active session ids
func (m *Memory) Sessions() []uint64 {
	m.mu.Lock(time.Time{})
	defer m.mu.Unlock()
	var out []uint64
	for i := 0; i < m.sessions; i++ {
		if id := m.seg.LoadU64(stSlotsOff + 8*i); id != InactiveSession {
			out = append(out, id)
		}
	}
	return out
}
