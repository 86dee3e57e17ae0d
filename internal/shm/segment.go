// Package shm maps POSIX shared-memory segments and provides the
// process-shared synchronization primitives (futex-backed mutexes,
// condition variables and semaphores) the wire layer builds on.
package shm

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Alignment of every control block and data buffer inside a segment. Keeps
// hot counters of different wires on distinct cache lines.
const Alignment = 64

const shmDir = "/dev/shm"

// Path returns the filesystem path backing a named segment
func Path(name string) string {
	return shmDir + "/" + name
}

// Segment is one mmap'd shared-memory region. The server process creates
// and ultimately unlinks it; clients open it read-write but never remove it.
type Segment struct {
	name  string
	data  []byte
	owner bool
}

// Create makes a new segment of the given size. An existing segment of the
// same name is an error; stale segments must be removed by name first.
func Create(name string, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("segment %s: invalid size %d", name, size)
	}
	fd, err := unix.Open(Path(name), unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", name, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Unlink(Path(name))
		return nil, fmt.Errorf("size segment %s: %w", name, err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Unlink(Path(name))
		return nil, fmt.Errorf("map segment %s: %w", name, err)
	}
	return &Segment{name: name, data: data, owner: true}, nil
}

// Open maps an existing segment.
func Open(name string) (*Segment, error) {
	fd, err := unix.Open(Path(name), unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", name, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat segment %s: %w", name, err)
	}
	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map segment %s: %w", name, err)
	}
	return &Segment{name: name, data: data}, nil
}

// Remove unlinks a segment by name without mapping it. Used to clear stale
// segments left behind by a crashed server.
func Remove(name string) error {
	err := unix.Unlink(Path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove segment %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a segment of the given name is present
func Exists(name string) bool {
	_, err := os.Stat(Path(name))
	return err == nil
}

// Name returns the segment name
func (s *Segment) Name() string { return s.name }

// Size returns the mapped size in bytes
func (s *Segment) Size() int { return len(s.data) }

// Bytes returns the mapped region
func (s *Segment) Bytes() []byte { return s.data }

// Close unmaps the segment. The creator additionally unlinks it from the
// kernel namespace.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if s.owner {
		if uerr := unix.Unlink(Path(s.name)); uerr != nil && !os.IsNotExist(uerr) && err == nil {
			err = uerr
		}
	}
	return err
}

// ptr returns a pointer n bytes into the mapping. The mapping has a fixed
// address for its lifetime, so the pointer stays valid until Close.
func (s *Segment) ptr(off int) unsafe.Pointer {
	return unsafe.Pointer(&s.data[off])
}

// U32 returns the uint32 word at off for atomic access
func (s *Segment) U32(off int) *uint32 {
	return (*uint32)(s.ptr(off))
}

// U64 returns the uint64 word at off for atomic access. off must be
// 8-byte aligned.
func (s *Segment) U64(off int) *uint64 {
	return (*uint64)(s.ptr(off))
}

// LoadU64 is a convenience acquire-load of the word at off
func (s *Segment) LoadU64(off int) uint64 {
	return atomic.LoadUint64(s.U64(off))
}

// Align rounds n up to the segment alignment
func Align(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
