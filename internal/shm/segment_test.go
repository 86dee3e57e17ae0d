package shm

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"
)

func testName(t *testing.T) string {
	return fmt.Sprintf("shmtest-%d-%s", os.Getpid(), t.Name())
}

func TestCreateOpenRoundTrip(t *testing.T) {
	name := testName(t)
	creator, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer creator.Close()

	atomic.StoreUint64(creator.U64(0), 0xdeadbeef)
	copy(creator.Bytes()[64:], "hello")

	opener, err := Open(name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer opener.Close()

	if got := opener.LoadU64(0); got != 0xdeadbeef {
		t.Errorf("LoadU64 = %#x, want 0xdeadbeef", got)
	}
	if got := string(opener.Bytes()[64:69]); got != "hello" {
		t.Errorf("bytes = %q, want %q", got, "hello")
	}
}

func TestCreateRefusesExisting(t *testing.T) {
	name := testName(t)
	seg, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer seg.Close()

	if _, err := Create(name, 4096); err == nil {
		t.Fatal("second Create should fail on an existing segment")
	}
}

func TestRemoveClearsStale(t *testing.T) {
	name := testName(t)
	seg, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// simulate a crash: unmap without unlinking
	seg.owner = false
	seg.Close()

	if !Exists(name) {
		t.Fatal("segment should still exist after non-owner close")
	}
	if err := Remove(name); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if Exists(name) {
		t.Fatal("segment should be gone after Remove")
	}

	// removing a missing segment is not an error
	if err := Remove(name); err != nil {
		t.Errorf("Remove of missing segment: %v", err)
	}
}

func TestCloseUnlinksForOwner(t *testing.T) {
	name := testName(t)
	seg, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if Exists(name) {
		t.Fatal("owner Close should unlink the segment")
	}
}

func TestAlign(t *testing.T) {
	cases := map[int]int{0: 0, 1: 64, 63: 64, 64: 64, 65: 128, 4096: 4096}
	for in, want := range cases {
		if got := Align(in); got != want {
			t.Errorf("Align(%d) = %d, want %d", in, got, want)
		}
	}
}
