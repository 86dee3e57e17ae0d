package worker

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehrlich-b/go-shmipc/api"
	"github.com/ehrlich-b/go-shmipc/internal/framing"
	"github.com/ehrlich-b/go-shmipc/internal/wire"
)

var segSeq atomic.Uint64

func testWires(t *testing.T) *wire.SessionWire {
	t.Helper()
	name := fmt.Sprintf("wkrtest-%d-%d", os.Getpid(), segSeq.Add(1))
	w, err := wire.CreateSessionWire(name, wire.SessionGeometry{
		RequestCapacity:  4096,
		ResponseCapacity: 8192,
		Channels:         2,
		Writers:          2,
		WriterBufSize:    4096,
	}, "")
	if err != nil {
		t.Fatalf("create session wire: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func awaitFrame(t *testing.T, w *wire.SessionWire) (wire.ResponseHeader, framing.ResponseHeader, []byte) {
	t.Helper()
	hdr, err := w.Response.Await(time.Now().Add(2 * time.Second))
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	payload := make([]byte, hdr.Length)
	w.Response.Read(payload)
	fh, body, err := framing.DecodeResponse(payload)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return hdr, fh, body
}

func newTestResponse(t *testing.T, w *wire.SessionWire, cfg *Config) *Response {
	t.Helper()
	res := NewResponse(w, cfg, 5, nil, nil)
	res.SetSessionID(10)
	return res
}

func TestResponseBodyAtMostOnce(t *testing.T) {
	w := testWires(t)
	res := newTestResponse(t, w, testConfig())

	if err := res.Body([]byte("first")); err != nil {
		t.Fatalf("body: %v", err)
	}
	hdr, fh, body := awaitFrame(t, w)
	if hdr.Idx != 5 || hdr.Type != wire.ResponseBody {
		t.Fatalf("frame header = %+v", hdr)
	}
	if fh.SessionID != 10 || fh.PayloadType != framing.PayloadServiceResult {
		t.Fatalf("framework header = %+v", fh)
	}
	if string(body) != "first" {
		t.Fatalf("body = %q", body)
	}

	if err := res.Body([]byte("second")); err == nil {
		t.Fatal("second Body must fail")
	}
	if !res.IsCompleted() {
		t.Fatal("response should be completed after Body")
	}
}

func TestBodyHeadBeforeBodyOnly(t *testing.T) {
	w := testWires(t)
	res := newTestResponse(t, w, testConfig())

	// idempotent until a channel is acquired
	if err := res.BodyHead([]byte("head-1")); err != nil {
		t.Fatalf("body head: %v", err)
	}
	if err := res.BodyHead([]byte("head-2")); err != nil {
		t.Fatalf("repeated body head: %v", err)
	}
	hdr, _, body := awaitFrame(t, w)
	if hdr.Type != wire.ResponseBodyHead || string(body) != "head-1" {
		t.Fatalf("frame = %+v %q", hdr, body)
	}
	hdr, _, body = awaitFrame(t, w)
	if hdr.Type != wire.ResponseBodyHead || string(body) != "head-2" {
		t.Fatalf("frame = %+v %q", hdr, body)
	}

	if err := res.Body([]byte("done")); err != nil {
		t.Fatalf("body: %v", err)
	}
	if err := res.BodyHead([]byte("late")); err == nil {
		t.Fatal("BodyHead after Body must fail")
	}
}

func TestErrorCarriesDiagnostic(t *testing.T) {
	w := testWires(t)
	res := newTestResponse(t, w, testConfig())

	if err := res.Error(api.DiagnosticOperationCanceled, "stopped"); err != nil {
		t.Fatalf("error: %v", err)
	}
	_, fh, body := awaitFrame(t, w)
	if fh.PayloadType != framing.PayloadServerDiagnostics {
		t.Fatalf("payload type = %d", fh.PayloadType)
	}
	d, err := framing.DecodeDiagnostic(body)
	if err != nil {
		t.Fatalf("decode diagnostic: %v", err)
	}
	if d.Code != int32(api.DiagnosticOperationCanceled) || d.Message != "stopped" {
		t.Fatalf("diagnostic = %+v", d)
	}
}

func TestChannelLifecycle(t *testing.T) {
	w := testWires(t)
	parked := 0
	res := NewResponse(w, testConfig(), 1, nil, func(ch *wire.Channel) { parked++ })
	res.SetSessionID(1)

	ch, err := res.AcquireChannel("rs-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := res.AcquireChannel("rs-2"); err == nil {
		t.Fatal("second acquire on one response must fail")
	}

	wr, err := ch.Acquire()
	if err != nil {
		t.Fatalf("writer acquire: %v", err)
	}
	if _, err := wr.Write([]byte("row")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := res.ReleaseChannel(ch); err != nil {
		t.Fatalf("release: %v", err)
	}
	if parked != 1 {
		t.Fatalf("parked = %d, want 1", parked)
	}

	// re-acquisition after release is not provided on this transport
	if _, err := res.AcquireChannel("rs-3"); err != errChanReleased {
		t.Fatalf("re-acquire = %v, want errChanReleased", err)
	}

	// the client observes the committed record, then EOR
	consumer, ok := w.Arena.FindChannel("rs-1")
	if !ok {
		t.Fatal("channel not found")
	}
	reader, err := consumer.ActiveWire(time.Now().Add(time.Second))
	if err != nil || reader == nil {
		t.Fatalf("active wire = (%v, %v)", reader, err)
	}
	chunk, remainder, err := reader.GetChunk(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if string(chunk)+string(remainder) != "row" {
		t.Fatalf("record = %q%q", chunk, remainder)
	}
	if err := reader.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if !consumer.IsEOR() {
		t.Fatal("EOR must be set after channel release")
	}
}

func TestReleaseReclaimsHeldWriters(t *testing.T) {
	w := testWires(t)
	res := newTestResponse(t, w, testConfig())

	ch, err := res.AcquireChannel("rs")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// two writers held, none released by the service
	if _, err := ch.Acquire(); err != nil {
		t.Fatalf("writer 1: %v", err)
	}
	if _, err := ch.Acquire(); err != nil {
		t.Fatalf("writer 2: %v", err)
	}
	if err := res.ReleaseChannel(ch); err != nil {
		t.Fatalf("release with held writers: %v", err)
	}
}

func TestAddBlobDeniedWithoutPrivilege(t *testing.T) {
	w := testWires(t)
	res := newTestResponse(t, w, testConfig())

	err := res.AddBlob(api.NewBlobInfo("out", "/tmp/x.bin", false))
	if err != errBlobDenied {
		t.Fatalf("AddBlob = %v, want errBlobDenied", err)
	}

	cfg := testConfig()
	cfg.AllowBlobPrivileged = true
	res2 := NewResponse(w, cfg, 2, nil, nil)
	res2.SetSessionID(1)
	if err := res2.AddBlob(api.NewBlobInfo("out", "/tmp/x.bin", true)); err != nil {
		t.Fatalf("AddBlob with privilege: %v", err)
	}
	if err := res2.Body([]byte("with-blob")); err != nil {
		t.Fatalf("body: %v", err)
	}
	_, fh, _ := awaitFrame(t, w)
	if len(fh.Blobs) != 1 || fh.Blobs[0].ChannelName != "out" {
		t.Fatalf("blobs = %+v", fh.Blobs)
	}
}

func TestCancelFlag(t *testing.T) {
	w := testWires(t)
	res := newTestResponse(t, w, testConfig())

	if res.CheckCancel() {
		t.Fatal("fresh response is cancelled")
	}
	res.Cancel()
	if !res.CheckCancel() {
		t.Fatal("cancel flag not observed")
	}
}

func TestCompletionCallback(t *testing.T) {
	w := testWires(t)
	calls := 0
	res := NewResponse(w, testConfig(), 3, func() { calls++ }, nil)
	res.SetSessionID(1)

	if err := res.Body(nil); err != nil {
		t.Fatalf("body: %v", err)
	}
	if calls != 1 {
		t.Fatalf("onComplete calls = %d, want 1", calls)
	}
	// SetCompleted after a terminal frame must not fire again
	res.SetCompleted()
	if calls != 1 {
		t.Fatalf("onComplete calls after SetCompleted = %d, want 1", calls)
	}
}
