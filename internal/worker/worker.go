package worker

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-shmipc/api"
	"github.com/ehrlich-b/go-shmipc/internal/framing"
	"github.com/ehrlich-b/go-shmipc/internal/logging"
	"github.com/ehrlich-b/go-shmipc/internal/wire"
)

// service ids handled inline by the worker
const (
	serviceIDRouting        uint64 = 0
	serviceIDEndpointBroker uint64 = 1
)

// forcefulDrainTimeout bounds how long a forceful shutdown waits for
// in-flight work to release its references.
const forcefulDrainTimeout = 10 * time.Second

type reqres struct {
	req *Request
	res *Response
}

// Worker drives one session: handshake, request loop, cancellation,
// expiration and shutdown. One goroutine per session runs Run.
type Worker struct {
	cfg       *Config
	sessionID uint64
	wires     *wire.SessionWire
	ctx       *SessionContext
	info      *api.SessionInfo
	store     *api.SessionStore
	log       *logging.Logger

	localSeq atomic.Uint64

	mu           sync.Mutex
	reqreses     map[uint16]*reqres
	shutdownRes  map[uint16]*Response
	gc           []*wire.Channel
	cancelledAll bool
	disposeDone  bool

	forcefulDeadline atomic.Int64 // unix nanos; 0 = unset

	done chan struct{}
}

// New builds a worker over a freshly created session wire
func New(cfg *Config, sessionID uint64, wires *wire.SessionWire) *Worker {
	w := &Worker{
		cfg:       cfg,
		sessionID: sessionID,
		wires:     wires,
		ctx:       NewSessionContext(),
		info:      &api.SessionInfo{ConnectionType: cfg.ConnectionType},
		store:     api.NewSessionStore(),
		log:       cfg.log(),
	}
	w.reqreses = make(map[uint16]*reqres)
	w.shutdownRes = make(map[uint16]*Response)
	w.done = make(chan struct{})
	return w
}

// SessionID returns the worker's session id
func (w *Worker) SessionID() uint64 { return w.sessionID }

// Context returns the session context
func (w *Worker) Context() *SessionContext { return w.ctx }

// Done is closed when the worker has exited
func (w *Worker) Done() <-chan struct{} { return w.done }

// Terminate requests shutdown from outside the worker, typically the
// listener during server stop. The worker notices within one peek cycle.
func (w *Worker) Terminate(t ShutdownRequest) {
	w.RequestShutdown(t)
}

// Run executes the session state machine until shutdown
func (w *Worker) Run() {
	defer close(w.done)
	w.updateExpiration(true)

	if !w.handshake() {
		w.disposeSessionStore()
		w.wires.Response.NotifyShutdown()
		w.log.Debug("worker terminated in handshake", "session", w.sessionID)
		return
	}

	if w.cfg.Observer != nil {
		w.cfg.Observer.ObserveSessionStart()
		defer w.cfg.Observer.ObserveSessionEnd()
	}
	w.log.Debug("session started", "session", w.sessionID, "user", w.info.UserName)

	w.mainLoop()

	w.disposeSessionStore()
	w.shutdownComplete()
	w.wires.Response.NotifyShutdown()
	w.gcDump()
	w.log.Debug("session finished", "session", w.sessionID)
}

// handshake reads endpoint-broker commands until a successful handshake.
// Returns false when the worker must terminate.
func (w *Worker) handshake() bool {
	for {
		hdr, err := w.wires.Request.Peek(time.Now().Add(w.cfg.peekTimeout()))
		if err == wire.ErrTimeout {
			if w.isExpired() || w.isShuttingdown() {
				return false
			}
			continue
		}
		if err != nil {
			return false
		}
		if hdr.IsTerminate() {
			_ = w.wires.Request.Dispose(hdr, w.wires.Request.ReadPoint())
			return false
		}

		req, res, ok := w.takeRequest(hdr)
		if !ok {
			return false
		}
		if req.ServiceID() != serviceIDEndpointBroker {
			w.log.Info("request received is not handshake", "session", w.sessionID, "service", req.ServiceID())
			msg := fmt.Sprintf("handshake operation is required to establish sessions (service ID=%d)", req.ServiceID())
			w.notifyClient(res, api.DiagnosticIllegalState, msg)
			return false
		}

		ep, err := framing.DecodeEndpointRequest(req.Payload())
		if err != nil {
			w.notifyClient(res, api.DiagnosticInvalidRequest, "request parse error")
			return false
		}

		switch ep.Command {
		case framing.EndpointEncryptionKey:
			if !w.replyEncryptionKey(res) {
				return false
			}
			continue

		case framing.EndpointHandshake:
			return w.finishHandshake(ep.Handshake, res)

		default:
			w.notifyClient(res, api.DiagnosticInvalidRequest,
				fmt.Sprintf("bad request in handshake: command %d", ep.Command))
			return false
		}
	}
}

// replyEncryptionKey answers the encryption_key command; the session stays
// in handshake. Returns false on a terminal failure.
func (w *Worker) replyEncryptionKey(res *Response) bool {
	if w.cfg.Auth == nil {
		_ = res.Body(framing.EncodeCommandError(framing.Diagnostic{
			Code:    int32(api.DiagnosticUnsupportedOperation),
			Message: "authentication is off",
		}))
		return true
	}
	if key, ok := w.cfg.Auth.EncryptionKey(); ok {
		_ = res.Body(framing.EncodeEncryptionKeySuccess(key))
		return true
	}
	_ = res.Body(framing.EncodeCommandError(framing.Diagnostic{
		Code:    int32(api.DiagnosticSystemError),
		Message: "encryption key is not available",
	}))
	return false
}

// finishHandshake validates identity and credentials and replies with the
// assigned session id
func (w *Worker) finishHandshake(hs framing.HandshakeRequest, res *Response) bool {
	if strings.HasPrefix(hs.ConnectionLabel, ":") {
		w.notifyClient(res, api.DiagnosticInvalidRequest, "invalid connection label")
		return false
	}
	w.info.Label = hs.ConnectionLabel
	w.info.ApplicationName = hs.ApplicationName

	if w.cfg.Auth != nil {
		var user string
		var ok bool
		switch hs.CredentialKind {
		case framing.CredentialEncrypted:
			user, ok = w.cfg.Auth.VerifyEncrypted(hs.Credential)
			if !ok {
				w.notifyClient(res, api.DiagnosticAuthenticationError, "user or password is incorrect")
				return false
			}
		case framing.CredentialRememberMe:
			user, ok = w.cfg.Auth.VerifyToken(hs.Credential)
			if !ok {
				w.notifyClient(res, api.DiagnosticAuthenticationError, "token is incorrect")
				return false
			}
		default:
			w.notifyClient(res, api.DiagnosticInvalidRequest, "no valid credential")
			return false
		}
		w.info.UserName = user
		if w.cfg.IsAdministrator != nil {
			w.info.Administrator = w.cfg.IsAdministrator(user)
		}
		w.log.Info("session of an authenticated user begin", "session", w.sessionID, "user", user)
	}

	if hs.WireKind != framing.WireIPC {
		w.notifyClient(res, api.DiagnosticInvalidRequest,
			fmt.Sprintf("bad wire information in handshake: %d", hs.WireKind))
		return false
	}
	w.info.ConnectionInformation = hs.WireInformation

	_ = res.Body(framing.EncodeHandshakeSuccess(w.sessionID))
	return true
}

// mainLoop is the request dispatch loop after a successful handshake
func (w *Worker) mainLoop() {
	for {
		hdr, err := w.wires.Request.Peek(time.Now().Add(w.cfg.peekTimeout()))
		if err == wire.ErrTimeout {
			w.careReqreses()
			if w.shouldExit() {
				return
			}
			if w.isExpired() {
				w.RequestShutdown(ShutdownGraceful)
			}
			continue
		}
		if err != nil {
			w.log.Error("terminate worker on request wire failure", "session", w.sessionID, "error", err)
			return
		}

		if hdr.IsTerminate() {
			_ = w.wires.Request.Dispose(hdr, w.wires.Request.ReadPoint())
			w.disposeSessionStore()
			w.RequestShutdown(ShutdownForceful)
			w.careReqreses()
			if w.shouldExit() {
				return
			}
			continue
		}

		w.handleRequest(hdr)

		w.careReqreses()
		w.gcDump()
		w.updateExpiration(false)
		if w.shouldExit() {
			return
		}
		if w.isExpired() {
			w.RequestShutdown(ShutdownGraceful)
		}
	}
}

// takeRequest consumes the message under hdr into a request/response pair.
// A parse failure is answered with INVALID_REQUEST and reported via ok.
func (w *Worker) takeRequest(hdr wire.MessageHeader) (*Request, *Response, bool) {
	readPoint := w.wires.Request.ReadPoint()
	message := w.wires.Request.Payload(hdr)
	req, perr := NewRequest(message, w.localSeq.Add(1), w.cfg, w.info, w.store)
	_ = w.wires.Request.Dispose(hdr, readPoint)

	res := NewResponse(w.wires, w.cfg, hdr.Idx, nil, w.parkChannel)
	res.SetSessionID(w.sessionID)
	if perr != nil {
		w.notifyClient(res, api.DiagnosticInvalidRequest, "request parse error")
		return nil, res, false
	}
	return req, res, true
}

// handleRequest routes one non-terminate message
func (w *Worker) handleRequest(hdr wire.MessageHeader) {
	slot := hdr.Idx
	req, res, ok := w.takeRequest(hdr)
	if !ok {
		// diagnostic already sent; keep the session open
		return
	}

	// endpoint-broker commands are handled inline and never registered;
	// a cancel addresses the in-flight request occupying the same slot
	if req.ServiceID() == serviceIDEndpointBroker {
		w.endpointService(req, res, slot)
		return
	}

	if !w.registerReqres(slot, req, res) {
		return
	}

	switch {
	case req.ServiceID() == serviceIDRouting:
		w.routingService(req, res, slot)

	case w.isShuttingdown():
		w.notifyClient(res, api.DiagnosticSessionClosed, "this session is already shutdown")

	default:
		w.dispatch(req, res)
	}
}

// dispatch runs the resolved service synchronously, holding request and
// response references for the duration of the call
func (w *Worker) dispatch(req *Request, res *Response) {
	svc, ok := w.cfg.Resolve(req.ServiceID())
	if !ok {
		w.notifyClient(res, api.DiagnosticInvalidRequest,
			fmt.Sprintf("unknown service id %d", req.ServiceID()))
		return
	}
	req.retain()
	res.Retain()
	start := time.Now()
	err := svc(req, res)
	if w.cfg.Observer != nil {
		w.cfg.Observer.ObserveRequest(time.Since(start), err == nil)
	}
	res.Release()
	req.release()
	if err != nil {
		w.log.Info("service returned an error", "session", w.sessionID, "service", req.ServiceID(), "error", err)
		if !res.IsCompleted() {
			w.notifyClient(res, api.DiagnosticSystemError, err.Error())
		}
	}
}

// endpointService handles endpoint-broker commands arriving after the
// handshake
func (w *Worker) endpointService(req *Request, res *Response, slot uint16) {
	ep, err := framing.DecodeEndpointRequest(req.Payload())
	if err != nil {
		w.notifyClient(res, api.DiagnosticInvalidRequest, "request parse error")
		return
	}
	switch ep.Command {
	case framing.EndpointCancel:
		w.log.Debug("received cancel request", "session", w.sessionID, "slot", slot)
		// no reply for the cancel itself; the cancelled request answers
		res.SetCompleted()
		w.mu.Lock()
		if rr, ok := w.reqreses[slot]; ok {
			rr.res.Cancel()
		}
		w.mu.Unlock()

	default:
		w.notifyClient(res, api.DiagnosticInvalidRequest,
			fmt.Sprintf("bad request for endpoint: command %d", ep.Command))
	}
}

// routingService handles core routing commands inline
func (w *Worker) routingService(req *Request, res *Response, slot uint16) {
	core, err := framing.DecodeCoreRequest(req.Payload())
	if err != nil {
		w.notifyClient(res, api.DiagnosticInvalidRequest, "request parse error")
		return
	}
	switch core.Command {
	case framing.CoreShutdown:
		w.log.Debug("received shutdown request", "session", w.sessionID)
		t := ShutdownForceful
		if core.Shutdown == framing.ShutdownGraceful {
			t = ShutdownGraceful
		}
		w.RequestShutdown(t)
		// the reply is deferred until draining completes
		w.mu.Lock()
		w.shutdownRes[slot] = res
		w.mu.Unlock()

	case framing.CoreUpdateExpirationTime:
		if core.ExpirationMS != nil {
			et := time.Duration(*core.ExpirationMS) * time.Millisecond
			if et < w.cfg.RefreshTimeout {
				et = w.cfg.RefreshTimeout
			}
			if et > w.cfg.MaxRefreshTimeout {
				et = w.cfg.MaxRefreshTimeout
			}
			until := time.Now().Add(et)
			if w.cfg.EnableTimeout && w.ctx.Expiration().Before(until) {
				w.ctx.SetExpiration(until)
			}
		} else {
			w.updateExpiration(false)
		}
		_ = res.Body(framing.EncodeCoreSuccess())

	default:
		w.notifyClient(res, api.DiagnosticInvalidRequest, "unknown routing command")
	}
}

// notifyClient sends a server diagnostic through the response
func (w *Worker) notifyClient(res *Response, code api.DiagnosticCode, message string) {
	if err := res.Error(code, message); err != nil {
		w.log.Debug("diagnostic not delivered", "session", w.sessionID, "code", code.String(), "error", err)
	}
}

// registerReqres installs a pair in the table. A request carrying a blob
// error is answered immediately and never dispatched.
func (w *Worker) registerReqres(slot uint16, req *Request, res *Response) bool {
	res.setOnComplete(func() { w.removeReqres(slot) })
	w.mu.Lock()
	delete(w.reqreses, slot) // stale entry; should not happen
	w.reqreses[slot] = &reqres{req: req, res: res}
	w.mu.Unlock()

	if req.BlobError() != BlobOK {
		w.notifyClient(res, api.DiagnosticOperationDenied, req.BlobErrorMessage())
		return false
	}
	return true
}

func (w *Worker) removeReqres(slot uint16) {
	w.mu.Lock()
	delete(w.reqreses, slot)
	w.mu.Unlock()
}

// careReqreses reclaims pairs nothing references anymore. An uncompleted
// response whose service vanished is finalized with an UNKNOWN diagnostic.
func (w *Worker) careReqreses() {
	var abandoned []*Response
	w.mu.Lock()
	for slot, rr := range w.reqreses {
		if rr.req.held() || rr.res.held() {
			continue
		}
		if _, deferred := w.shutdownRes[slot]; deferred {
			continue
		}
		if !rr.res.IsCompleted() {
			abandoned = append(abandoned, rr.res)
		}
		delete(w.reqreses, slot)
	}
	w.mu.Unlock()

	for _, res := range abandoned {
		w.notifyClient(res, api.DiagnosticUnknown, "request dissipated")
	}
}

// foreachResponse applies fn to every live response
func (w *Worker) foreachResponse(fn func(*Response)) {
	w.mu.Lock()
	targets := make([]*Response, 0, len(w.reqreses))
	for _, rr := range w.reqreses {
		targets = append(targets, rr.res)
	}
	w.mu.Unlock()
	for _, res := range targets {
		fn(res)
	}
}

// ForeachRequest snapshots requests still held by services and applies fn.
// Serves the request-introspection surface.
func (w *Worker) ForeachRequest(fn func(req api.Request, startAt time.Time)) {
	w.mu.Lock()
	targets := make([]*Request, 0, len(w.reqreses))
	for _, rr := range w.reqreses {
		if rr.req.held() {
			targets = append(targets, rr.req)
		}
	}
	w.mu.Unlock()
	for _, req := range targets {
		fn(req, req.StartAt())
	}
}

// PrintDiagnostics writes the worker's in-flight requests for operator
// inspection
func (w *Worker) PrintDiagnostics(out io.Writer) {
	fmt.Fprintf(out, "    session id = %d\n", w.sessionID)
	if w.info.UserName != "" {
		fmt.Fprintf(out, "      user = %s\n", w.info.UserName)
	}
	fmt.Fprintf(out, "      processing requests\n")
	w.mu.Lock()
	defer w.mu.Unlock()
	for slot, rr := range w.reqreses {
		fmt.Fprintf(out, "       slot %d\n", slot)
		fmt.Fprintf(out, "         service id = %d\n", rr.req.ServiceID())
		fmt.Fprintf(out, "         local id = %d\n", rr.req.LocalID())
		fmt.Fprintf(out, "         request message = % x\n", rr.req.Payload())
		fmt.Fprintf(out, "         data channel status = '%s'\n", rr.res.StateLabel())
	}
}

// RequestShutdown records a shutdown request; a forceful one additionally
// cancels every live response exactly once.
func (w *Worker) RequestShutdown(t ShutdownRequest) {
	if t == ShutdownForceful {
		w.mu.Lock()
		already := w.cancelledAll
		w.cancelledAll = true
		w.mu.Unlock()
		if !already {
			w.foreachResponse(func(res *Response) { res.Cancel() })
		}
		w.forcefulDeadline.CompareAndSwap(0, time.Now().Add(forcefulDrainTimeout).UnixNano())
	}
	w.ctx.RequestShutdown(t)
}

func (w *Worker) isShuttingdown() bool {
	return w.ctx.ShutdownRequest() != ShutdownNone
}

// shouldExit reports whether the shutdown drain has finished: the reqres
// table is empty apart from deferred shutdown replies, or the forceful
// deadline elapsed.
func (w *Worker) shouldExit() bool {
	if !w.isShuttingdown() {
		return false
	}
	if w.isCompleted() {
		return true
	}
	if dl := w.forcefulDeadline.Load(); dl != 0 && time.Now().UnixNano() > dl {
		w.log.Warn("forceful shutdown deadline elapsed with in-flight requests", "session", w.sessionID)
		return true
	}
	return false
}

// isCompleted reports whether only deferred shutdown replies remain
func (w *Worker) isCompleted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.shutdownRes) == 0 {
		return len(w.reqreses) == 0
	}
	for slot := range w.reqreses {
		if _, ok := w.shutdownRes[slot]; !ok {
			return false
		}
	}
	return true
}

// shutdownComplete answers every deferred shutdown request
func (w *Worker) shutdownComplete() {
	w.mu.Lock()
	targets := make([]*Response, 0, len(w.shutdownRes))
	for _, res := range w.shutdownRes {
		targets = append(targets, res)
	}
	w.shutdownRes = make(map[uint16]*Response)
	w.mu.Unlock()
	for _, res := range targets {
		_ = res.Body(framing.EncodeCoreSuccess())
	}
}

// disposeSessionStore disposes every session element exactly once
func (w *Worker) disposeSessionStore() {
	w.mu.Lock()
	done := w.disposeDone
	w.disposeDone = true
	w.mu.Unlock()
	if !done {
		w.store.Dispose()
	}
}

// parkChannel hands a released result-set channel to the garbage collector
func (w *Worker) parkChannel(ch *wire.Channel) {
	w.mu.Lock()
	w.gc = append(w.gc, ch)
	w.mu.Unlock()
}

// gcDump reaps parked channels whose client has disengaged or drained
func (w *Worker) gcDump() {
	w.mu.Lock()
	kept := w.gc[:0]
	for _, ch := range w.gc {
		if ch.IsClosed() || (ch.IsEOR() && ch.Drained()) {
			ch.Free()
			continue
		}
		kept = append(kept, ch)
	}
	w.gc = kept
	w.mu.Unlock()
}

// HasIncompleteResultset reports whether a released channel still awaits
// its consumer
func (w *Worker) HasIncompleteResultset() bool {
	w.gcDump()
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.gc) > 0
}

// expiration bookkeeping

func (w *Worker) updateExpiration(force bool) {
	if !w.cfg.EnableTimeout {
		return
	}
	until := time.Now().Add(w.cfg.RefreshTimeout)
	if force || w.ctx.Expiration().Before(until) {
		w.ctx.SetExpiration(until)
	}
}

func (w *Worker) isExpired() bool {
	if !w.cfg.EnableTimeout {
		return false
	}
	exp := w.ctx.Expiration()
	if exp.IsZero() {
		return false
	}
	if time.Now().After(exp) {
		w.log.Info("expiration time over", "session", w.sessionID)
		return true
	}
	return false
}

// SessionInfo returns the handshake identity
func (w *Worker) SessionInfo() *api.SessionInfo { return w.info }
