package wire

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-shmipc/internal/shm"
)

// StatusProvider publishes the path of the server's mutex file inside a
// session segment. Clients probe server liveness by trying to take an
// exclusive advisory lock on that file: while the server is alive it holds
// the lock, so a successful try means the server is gone.

const (
	spLenOff   = 0
	spPathOff  = 4
	spPathMax  = 252
	spCellSize = 256
)

// StatusProviderSize is the segment footprint of the provider cell
const StatusProviderSize = spCellSize

// StatusProvider wraps the path cell
type StatusProvider struct {
	seg *shm.Segment
	off int
}

// InitStatusProvider writes the mutex-file path into the cell
func InitStatusProvider(seg *shm.Segment, off int, mutexFile string) *StatusProvider {
	if len(mutexFile) > spPathMax {
		mutexFile = mutexFile[:spPathMax]
	}
	copy(seg.Bytes()[off+spPathOff:off+spPathOff+spPathMax], mutexFile)
	atomic.StoreUint32(seg.U32(off+spLenOff), uint32(len(mutexFile)))
	return &StatusProvider{seg: seg, off: off}
}

// AttachStatusProvider binds to an existing cell
func AttachStatusProvider(seg *shm.Segment, off int) *StatusProvider {
	return &StatusProvider{seg: seg, off: off}
}

// MutexFile returns the published path
func (p *StatusProvider) MutexFile() string {
	n := atomic.LoadUint32(p.seg.U32(p.off + spLenOff))
	return string(p.seg.Bytes()[p.off+spPathOff : p.off+spPathOff+int(n)])
}

// IsAlive probes the mutex file. A missing file or an acquirable lock
// means the server is not running.
func (p *StatusProvider) IsAlive() bool {
	path := p.MutexFile()
	if path == "" {
		return false
	}
	fd, err := unix.Open(path, unix.O_WRONLY, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err == nil {
		_ = unix.Flock(fd, unix.LOCK_UN)
		return false
	}
	return true
}

// HoldMutexFile creates the mutex file and takes the exclusive lock the
// liveness probe tests against. The returned fd stays open for the server's
// lifetime; the lock dies with the process, which is exactly the liveness
// signal wanted after a crash.
func HoldMutexFile(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT, 0o600)
	if err != nil {
		return -1, err
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
