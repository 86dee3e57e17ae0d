package worker

import (
	"testing"
	"time"

	"github.com/ehrlich-b/go-shmipc/api"
	"github.com/ehrlich-b/go-shmipc/internal/framing"
	"github.com/ehrlich-b/go-shmipc/internal/wire"
)

func runWorker(t *testing.T, cfg *Config, w *wire.SessionWire) *Worker {
	t.Helper()
	wk := New(cfg, 10, w)
	go wk.Run()
	t.Cleanup(func() {
		wk.Terminate(ShutdownForceful)
		select {
		case <-wk.Done():
		case <-time.After(5 * time.Second):
			t.Error("worker did not exit")
		}
	})
	return wk
}

func sendFrame(t *testing.T, w *wire.SessionWire, slot uint16, serviceID uint64, body []byte) {
	t.Helper()
	frame := framing.EncodeRequest(framing.RequestHeader{SessionID: 10, ServiceID: serviceID}, body)
	if err := w.Request.Write(slot, frame, time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func handshakeOK(t *testing.T, w *wire.SessionWire) {
	t.Helper()
	sendFrame(t, w, 1, serviceIDEndpointBroker, framing.EncodeHandshakeRequest(framing.HandshakeRequest{
		ApplicationName: "worker-test",
		WireKind:        framing.WireIPC,
	}))
	hdr, fh, body := awaitFrame(t, w)
	if hdr.Idx != 1 || fh.PayloadType != framing.PayloadServiceResult {
		t.Fatalf("handshake frame = %+v %+v", hdr, fh)
	}
	hr, err := framing.DecodeHandshakeResponse(body)
	if err != nil || !hr.OK || hr.SessionID != 10 {
		t.Fatalf("handshake response = %+v, %v", hr, err)
	}
}

func svcConfig(services map[uint64]api.Service) *Config {
	cfg := testConfig()
	cfg.Resolve = func(id uint64) (api.Service, bool) {
		s, ok := services[id]
		return s, ok
	}
	return cfg
}

func TestWorkerHandshakeAndEcho(t *testing.T) {
	w := testWires(t)
	echo := func(req api.Request, res api.Response) error {
		return res.Body(req.Payload())
	}
	runWorker(t, svcConfig(map[uint64]api.Service{100: echo}), w)

	handshakeOK(t, w)

	sendFrame(t, w, 2, 100, []byte("abcdefgh"))
	hdr, fh, body := awaitFrame(t, w)
	if hdr.Idx != 2 {
		t.Fatalf("slot = %d, want 2", hdr.Idx)
	}
	if fh.PayloadType != framing.PayloadServiceResult || string(body) != "abcdefgh" {
		t.Fatalf("echo = %+v %q", fh, body)
	}
}

func TestWorkerRejectsRequestBeforeHandshake(t *testing.T) {
	w := testWires(t)
	runWorker(t, svcConfig(nil), w)

	// first message addresses a normal service instead of the broker
	sendFrame(t, w, 1, 100, []byte("early"))
	_, fh, body := awaitFrame(t, w)
	if fh.PayloadType != framing.PayloadServerDiagnostics {
		t.Fatal("expected a diagnostic")
	}
	d, err := framing.DecodeDiagnostic(body)
	if err != nil || d.Code != int32(api.DiagnosticIllegalState) {
		t.Fatalf("diagnostic = %+v, %v", d, err)
	}

	// the worker terminates and closes the response wire
	hdr, err := w.Response.Await(time.Now().Add(3 * time.Second))
	if err != nil || !hdr.IsShutdown() {
		t.Fatalf("await after illegal state = %+v, %v", hdr, err)
	}
}

func TestWorkerUnknownServiceDiagnostic(t *testing.T) {
	w := testWires(t)
	runWorker(t, svcConfig(nil), w)
	handshakeOK(t, w)

	sendFrame(t, w, 2, 999, []byte("whoosh"))
	_, fh, body := awaitFrame(t, w)
	if fh.PayloadType != framing.PayloadServerDiagnostics {
		t.Fatal("expected a diagnostic")
	}
	d, _ := framing.DecodeDiagnostic(body)
	if d.Code != int32(api.DiagnosticInvalidRequest) {
		t.Fatalf("code = %d, want INVALID_REQUEST", d.Code)
	}
}

func TestWorkerReclaimsAbandonedResponse(t *testing.T) {
	w := testWires(t)
	// service returns without replying and without retaining
	abandon := func(req api.Request, res api.Response) error { return nil }
	runWorker(t, svcConfig(map[uint64]api.Service{100: abandon}), w)
	handshakeOK(t, w)

	sendFrame(t, w, 2, 100, []byte("lost"))
	_, fh, body := awaitFrame(t, w)
	if fh.PayloadType != framing.PayloadServerDiagnostics {
		t.Fatal("expected a diagnostic")
	}
	d, _ := framing.DecodeDiagnostic(body)
	if d.Code != int32(api.DiagnosticUnknown) || d.Message != "request dissipated" {
		t.Fatalf("diagnostic = %+v", d)
	}
}

func TestWorkerTerminateSentinel(t *testing.T) {
	w := testWires(t)
	wk := runWorker(t, svcConfig(nil), w)
	handshakeOK(t, w)

	if err := w.Request.Terminate(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	select {
	case <-wk.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit on terminate sentinel")
	}
	// the response wire now delivers the shutdown sentinel
	hdr, err := w.Response.Await(time.Now().Add(time.Second))
	if err != nil || !hdr.IsShutdown() {
		t.Fatalf("await = %+v, %v", hdr, err)
	}
}

func TestSessionStoreDisposeExactlyOnce(t *testing.T) {
	store := api.NewSessionStore()
	disposals := 0
	if !store.Put("k", disposeFunc(func() { disposals++ })) {
		t.Fatal("put failed")
	}
	store.Dispose()
	store.Dispose()
	if disposals != 1 {
		t.Fatalf("disposals = %d, want 1", disposals)
	}
	if store.Put("k2", disposeFunc(func() {})) {
		t.Fatal("put after dispose must fail")
	}
}

type disposeFunc func()

func (f disposeFunc) Dispose() { f() }
