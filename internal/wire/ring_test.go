package wire

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehrlich-b/go-shmipc/internal/shm"
)

var testSeq atomic.Uint64

func testSegment(t *testing.T, size int) *shm.Segment {
	t.Helper()
	name := fmt.Sprintf("wiretest-%d-%d", os.Getpid(), testSeq.Add(1))
	seg, err := shm.Create(name, size)
	if err != nil {
		t.Fatalf("create segment: %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	return seg
}

func testRing(t *testing.T, capacity int) *Ring {
	t.Helper()
	seg := testSegment(t, shm.Align(RingCtrlSize)+shm.Align(capacity))
	return InitRing(seg, 0, RingCtrlSize, capacity)
}

func far() time.Time { return time.Now().Add(5 * time.Second) }

func TestRingCounterInvariant(t *testing.T) {
	r := testRing(t, 256)
	w := NewRequestWire(r)

	for i := 0; i < 100; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 40)
		if err := w.Write(uint16(i), payload, far()); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if r.poped() > r.pushedValid() || r.pushedValid() > r.pushed() {
			t.Fatalf("counter invariant violated: poped=%d pushedValid=%d pushed=%d",
				r.poped(), r.pushedValid(), r.pushed())
		}
		if r.pushed()-r.poped() > r.Capacity() {
			t.Fatalf("stored exceeds capacity")
		}

		hdr, err := w.Peek(far())
		if err != nil {
			t.Fatalf("peek %d: %v", i, err)
		}
		got := w.Payload(hdr)
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload %d mismatch", i)
		}
		if err := w.Dispose(hdr, w.ReadPoint()); err != nil {
			t.Fatalf("dispose %d: %v", i, err)
		}
	}
}

func TestRequestWireWrapAround(t *testing.T) {
	// 41-byte messages into a 256-byte ring force the header and payload
	// across the boundary repeatedly
	w := NewRequestWire(testRing(t, 256))

	for i := 0; i < 64; i++ {
		payload := bytes.Repeat([]byte{byte(i + 1)}, 37)
		if err := w.Write(uint16(i), payload, far()); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		hdr, err := w.Peek(far())
		if err != nil {
			t.Fatalf("peek %d: %v", i, err)
		}
		if hdr.Idx != uint16(i) || int(hdr.Length) != len(payload) {
			t.Fatalf("header %d = %+v", i, hdr)
		}
		if got := w.Payload(hdr); !bytes.Equal(got, payload) {
			t.Fatalf("wrap-around payload %d mismatch: %v", i, got[:4])
		}
		if err := w.Dispose(hdr, w.ReadPoint()); err != nil {
			t.Fatalf("dispose %d: %v", i, err)
		}
	}
}

func TestRequestWireBlocksWhenFull(t *testing.T) {
	w := NewRequestWire(testRing(t, 128))

	big := bytes.Repeat([]byte{0xAA}, 100)
	if err := w.Write(1, big, far()); err != nil {
		t.Fatalf("first write: %v", err)
	}
	// no room for a second large message: expect a timeout
	start := time.Now()
	err := w.Write(2, big, time.Now().Add(100*time.Millisecond))
	if err != ErrTimeout {
		t.Fatalf("second write = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 80*time.Millisecond {
		t.Fatal("write returned before its deadline")
	}

	// consuming the first message unblocks a concurrent writer
	done := make(chan error, 1)
	go func() {
		done <- w.Write(2, big, far())
	}()
	time.Sleep(20 * time.Millisecond)
	hdr, err := w.Peek(far())
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if err := w.Dispose(hdr, w.ReadPoint()); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("blocked write: %v", err)
	}
}

func TestRequestWireCapacityBoundary(t *testing.T) {
	const capacity = 256
	w := NewRequestWire(testRing(t, capacity))

	// a message of exactly capacity-header succeeds
	exact := bytes.Repeat([]byte{0x42}, capacity-MessageHeaderSize)
	if err := w.Write(1, exact, far()); err != nil {
		t.Fatalf("exact-fit write: %v", err)
	}
	hdr, err := w.Peek(far())
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if got := w.Payload(hdr); !bytes.Equal(got, exact) {
		t.Fatal("exact-fit payload mismatch")
	}
	if err := w.Dispose(hdr, w.ReadPoint()); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	// one byte more fails deterministically
	tooBig := bytes.Repeat([]byte{0x42}, capacity-MessageHeaderSize+1)
	if err := w.Write(1, tooBig, far()); err != ErrTooLarge {
		t.Fatalf("oversized write = %v, want ErrTooLarge", err)
	}
}

func TestRequestWireTerminateSentinel(t *testing.T) {
	w := NewRequestWire(testRing(t, 256))
	if err := w.Terminate(far()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	hdr, err := w.Peek(far())
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if !hdr.IsTerminate() {
		t.Fatalf("header %+v is not the terminate sentinel", hdr)
	}
}

func TestPeekTimesOutOnEmptyWire(t *testing.T) {
	w := NewRequestWire(testRing(t, 256))
	if _, err := w.Peek(time.Now().Add(50 * time.Millisecond)); err != ErrTimeout {
		t.Fatalf("peek on empty wire = %v, want ErrTimeout", err)
	}
}

func TestRingDeliveryInOrderUnderConcurrency(t *testing.T) {
	w := NewRequestWire(testRing(t, 512))
	const messages = 2000

	errs := make(chan error, 1)
	go func() {
		for i := 0; i < messages; i++ {
			payload := []byte(fmt.Sprintf("message-%06d", i))
			if err := w.Write(uint16(i), payload, far()); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()

	for i := 0; i < messages; i++ {
		hdr, err := w.Peek(far())
		if err != nil {
			t.Fatalf("peek %d: %v", i, err)
		}
		want := fmt.Sprintf("message-%06d", i)
		if got := string(w.Payload(hdr)); got != want {
			t.Fatalf("message %d = %q, want %q", i, got, want)
		}
		if err := w.Dispose(hdr, w.ReadPoint()); err != nil {
			t.Fatalf("dispose %d: %v", i, err)
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("producer: %v", err)
	}
}

func TestResponseWireAwaitAndSentinel(t *testing.T) {
	w := NewResponseWire(testRing(t, 512))

	payload := []byte("response-payload")
	if err := w.Write(ResponseHeader{Idx: 7, Type: ResponseBody}, payload, far()); err != nil {
		t.Fatalf("write: %v", err)
	}

	hdr, err := w.Await(far())
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if hdr.Idx != 7 || hdr.Type != ResponseBody || int(hdr.Length) != len(payload) {
		t.Fatalf("header = %+v", hdr)
	}
	dst := make([]byte, hdr.Length)
	w.Read(dst)
	if !bytes.Equal(dst, payload) {
		t.Fatalf("read %q, want %q", dst, payload)
	}

	// closing delivers the all-zero sentinel instead of a timeout
	w.NotifyShutdown()
	hdr, err = w.Await(far())
	if err != nil {
		t.Fatalf("await after close: %v", err)
	}
	if !hdr.IsShutdown() {
		t.Fatalf("header after close = %+v, want shutdown sentinel", hdr)
	}
}

func TestResponseWireAwaitTimeout(t *testing.T) {
	w := NewResponseWire(testRing(t, 512))
	if _, err := w.Await(time.Now().Add(50 * time.Millisecond)); err != ErrTimeout {
		t.Fatalf("await = %v, want ErrTimeout", err)
	}
}

func TestCorruptHeaderIsFatal(t *testing.T) {
	r := testRing(t, 128)
	w := NewRequestWire(r)

	// forge a header whose length cannot fit the ring
	var hdr [MessageHeaderSize]byte
	MessageHeader{Idx: 1, Length: 1000}.put(hdr[:])
	r.writeInBuffer(r.pushed(), hdr[:])
	r.addPushed(MessageHeaderSize)
	r.commitPushedValid()

	if _, err := w.Peek(far()); err != ErrCorrupt {
		t.Fatalf("peek = %v, want ErrCorrupt", err)
	}
}
