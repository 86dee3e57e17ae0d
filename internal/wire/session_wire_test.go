package wire

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func testGeometry() SessionGeometry {
	return SessionGeometry{
		RequestCapacity:  4096,
		ResponseCapacity: 8192,
		Channels:         2,
		Writers:          2,
		WriterBufSize:    4096,
	}
}

func TestSessionWireServerClientRoundTrip(t *testing.T) {
	name := fmt.Sprintf("swtest-%d-%d", os.Getpid(), testSeq.Add(1))
	server, err := CreateSessionWire(name, testGeometry(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer server.Close()

	client, err := OpenSessionWire(name)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()

	// client writes a request, server reads it
	if err := client.Request.Write(3, []byte("ping"), far()); err != nil {
		t.Fatalf("client write: %v", err)
	}
	hdr, err := server.Request.Peek(far())
	if err != nil {
		t.Fatalf("server peek: %v", err)
	}
	if hdr.Idx != 3 || string(server.Request.Payload(hdr)) != "ping" {
		t.Fatalf("server saw %+v %q", hdr, server.Request.Payload(hdr))
	}
	if err := server.Request.Dispose(hdr, server.Request.ReadPoint()); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	// server writes a response, client reads it
	if err := server.Response.Write(ResponseHeader{Idx: 3, Type: ResponseBody}, []byte("pong"), far()); err != nil {
		t.Fatalf("server write: %v", err)
	}
	rh, err := client.Response.Await(far())
	if err != nil {
		t.Fatalf("client await: %v", err)
	}
	body := make([]byte, rh.Length)
	client.Response.Read(body)
	if rh.Idx != 3 || string(body) != "pong" {
		t.Fatalf("client saw %+v %q", rh, body)
	}

	// result-set channel created by the server is visible to the client
	ch, err := server.Arena.CreateChannel("rs-roundtrip")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	_ = ch
	if _, ok := client.Arena.FindChannel("rs-roundtrip"); !ok {
		t.Fatal("client cannot find the channel")
	}
}

func TestSessionSegmentName(t *testing.T) {
	if got := SessionSegmentName("proddb", 12); got != "proddb-12" {
		t.Fatalf("name = %q", got)
	}
}

func TestStatusProviderLiveness(t *testing.T) {
	dir := t.TempDir()
	mutexFile := filepath.Join(dir, "server.mutex")

	name := fmt.Sprintf("sptest-%d-%d", os.Getpid(), testSeq.Add(1))
	server, err := CreateSessionWire(name, testGeometry(), mutexFile)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer server.Close()

	if server.Status.MutexFile() != mutexFile {
		t.Fatalf("mutex file = %q, want %q", server.Status.MutexFile(), mutexFile)
	}

	// no file yet: not alive
	if server.Status.IsAlive() {
		t.Fatal("alive without a lock holder")
	}

	fd, err := HoldMutexFile(mutexFile)
	if err != nil {
		t.Fatalf("hold mutex file: %v", err)
	}
	if !server.Status.IsAlive() {
		t.Fatal("not alive while the lock is held")
	}

	// releasing the lock flips the probe
	if err := os.NewFile(uintptr(fd), mutexFile).Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if server.Status.IsAlive() {
		t.Fatal("alive after the lock holder exited")
	}
}
