package shmipc

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-shmipc/api"
	"github.com/ehrlich-b/go-shmipc/internal/framing"
	"github.com/ehrlich-b/go-shmipc/internal/shm"
	"github.com/ehrlich-b/go-shmipc/internal/wire"
)

// Client is the unprivileged-process side of the transport: it requests
// admission through the connection queue, maps the session segment the
// listener created, performs the handshake and exchanges frames.
type Client struct {
	database  string
	sessionID uint64
	wires     *wire.SessionWire
	queueSeg  *shm.Segment

	nextSlot atomic.Uint32

	recvTimeout time.Duration
	sendTimeout time.Duration
}

// ConnectOptions tunes session establishment
type ConnectOptions struct {
	// Admin draws from the reserved admin slot range
	Admin bool

	// WaitForSlot blocks for a free admission slot instead of failing fast
	WaitForSlot bool

	// ConnectTimeout bounds admission and handshake; default 10s
	ConnectTimeout time.Duration

	// Label is the connection label recorded at handshake
	Label string

	// ApplicationName is recorded at handshake
	ApplicationName string

	// Credential carries the encrypted user/password credential; empty
	// with Token empty means no credential (authentication off).
	Credential string

	// Token carries a remember-me credential instead of Credential
	Token string

	// CredentialFor, when set, asks the endpoint for its public key
	// before handshaking and derives the credential from it. Takes
	// precedence over Credential and Token.
	CredentialFor func(pemKey string) (credential string, err error)

	// RecvTimeout bounds each response await; default 5s
	RecvTimeout time.Duration

	// SendTimeout bounds each request write; default 5s
	SendTimeout time.Duration
}

func (o *ConnectOptions) connectTimeout() time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}
	return 10 * time.Second
}

// ServerMessage is one frame received from the response wire
type ServerMessage struct {
	Slot        uint16
	Kind        uint16 // wire frame type: body or body head
	PayloadType api.PayloadType
	SessionID   uint64
	Body        []byte
	Diagnostic  *Diagnostic // set when PayloadType is server diagnostics
}

// IsBodyHead reports whether the frame is an early partial body
func (m *ServerMessage) IsBodyHead() bool { return m.Kind == wire.ResponseBodyHead }

// Connect establishes a session with the named database's endpoint
func Connect(database string, opts *ConnectOptions) (*Client, error) {
	if opts == nil {
		opts = &ConnectOptions{}
	}
	deadline := time.Now().Add(opts.connectTimeout())

	queueSeg, err := shm.Open(database)
	if err != nil {
		return nil, WrapError("CONNECT", err)
	}
	queue, err := wire.OpenConnectionQueue(queueSeg)
	if err != nil {
		queueSeg.Close()
		return nil, WrapError("CONNECT", err)
	}

	var seq uint64
	if opts.Admin {
		seq, err = queue.RequestAdmin(opts.WaitForSlot, deadline)
	} else {
		seq, err = queue.Request(opts.WaitForSlot, deadline)
	}
	if err != nil {
		queueSeg.Close()
		return nil, admissionError(err)
	}
	sid, err := queue.Wait(seq, deadline)
	if err != nil {
		queueSeg.Close()
		return nil, admissionError(err)
	}

	wires, err := wire.OpenSessionWire(wire.SessionSegmentName(database, sid))
	if err != nil {
		queueSeg.Close()
		return nil, WrapError("CONNECT", err)
	}

	c := &Client{
		database:    database,
		sessionID:   sid,
		wires:       wires,
		queueSeg:    queueSeg,
		recvTimeout: opts.RecvTimeout,
		sendTimeout: opts.SendTimeout,
	}
	if c.recvTimeout <= 0 {
		c.recvTimeout = 5 * time.Second
	}
	if c.sendTimeout <= 0 {
		c.sendTimeout = 5 * time.Second
	}

	if err := c.handshake(opts, deadline); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func admissionError(err error) error {
	switch err {
	case wire.ErrQueueFull:
		return ErrQueueFull
	case wire.ErrRejected:
		return ErrConnectionRejected
	case wire.ErrTimeout:
		return ErrTimeout
	default:
		return WrapError("CONNECT", err)
	}
}

func (c *Client) handshake(opts *ConnectOptions, deadline time.Time) error {
	credential := opts.Credential
	if opts.CredentialFor != nil {
		key, err := c.encryptionKey(deadline)
		if err != nil {
			return err
		}
		credential, err = opts.CredentialFor(key)
		if err != nil {
			return WrapError("HANDSHAKE", err)
		}
	}

	hs := framing.HandshakeRequest{
		ConnectionLabel: opts.Label,
		ApplicationName: opts.ApplicationName,
		WireKind:        framing.WireIPC,
		WireInformation: wire.SessionSegmentName(c.database, c.sessionID),
	}
	switch {
	case credential != "":
		hs.CredentialKind = framing.CredentialEncrypted
		hs.Credential = credential
	case opts.Token != "":
		hs.CredentialKind = framing.CredentialRememberMe
		hs.Credential = opts.Token
	}

	slot, err := c.send(ServiceIDEndpointBroker, framing.EncodeHandshakeRequest(hs), deadline)
	if err != nil {
		return err
	}
	msg, err := c.receive(deadline)
	if err != nil {
		return err
	}
	if msg.Slot != slot {
		return NewSessionError("HANDSHAKE", c.sessionID, ErrCodeProtocol, "response for unexpected slot")
	}
	if msg.Diagnostic != nil {
		return NewSessionError("HANDSHAKE", c.sessionID, ErrCodeOperationDenied, msg.Diagnostic.String())
	}
	hr, err := framing.DecodeHandshakeResponse(msg.Body)
	if err != nil {
		return WrapError("HANDSHAKE", err)
	}
	if !hr.OK {
		return NewSessionError("HANDSHAKE", c.sessionID, ErrCodeOperationDenied,
			Diagnostic{Code: api.DiagnosticCode(hr.Error.Code), Message: hr.Error.Message}.String())
	}
	c.sessionID = hr.SessionID
	return nil
}

// SessionID returns the session id the server assigned
func (c *Client) SessionID() uint64 { return c.sessionID }

// IsAlive probes the server's liveness lock file
func (c *Client) IsAlive() bool {
	return c.wires.Status.IsAlive()
}

func (c *Client) allocSlot() uint16 {
	for {
		slot := uint16(c.nextSlot.Add(1))
		if slot != wire.TerminateRequest {
			return slot
		}
	}
}

func (c *Client) send(serviceID uint64, payload []byte, deadline time.Time) (uint16, error) {
	slot := c.allocSlot()
	return slot, c.sendOn(slot, serviceID, payload, nil, deadline)
}

func (c *Client) sendOn(slot uint16, serviceID uint64, payload []byte, blobs []framing.BlobRef, deadline time.Time) error {
	frame := framing.EncodeRequest(framing.RequestHeader{
		SessionID: c.sessionID,
		ServiceID: serviceID,
		Blobs:     blobs,
	}, payload)
	err := c.wires.Request.Write(slot, frame, deadline)
	switch err {
	case nil:
		return nil
	case wire.ErrTooLarge:
		return NewSessionError("SEND", c.sessionID, ErrCodeMessageTooLarge, "request exceeds wire capacity")
	case wire.ErrTimeout:
		return ErrTimeout
	case wire.ErrClosed:
		return ErrWireClosed
	default:
		return WrapError("SEND", err)
	}
}

// Send frames a service request and returns the slot it was sent on
func (c *Client) Send(serviceID uint64, payload []byte) (uint16, error) {
	return c.send(serviceID, payload, time.Now().Add(c.sendTimeout))
}

// SendWithBlobs frames a service request carrying blob references
func (c *Client) SendWithBlobs(serviceID uint64, payload []byte, blobs []BlobInfo) (uint16, error) {
	refs := make([]framing.BlobRef, 0, len(blobs))
	for _, b := range blobs {
		refs = append(refs, framing.BlobRef{ChannelName: b.ChannelName(), Path: b.Path(), Temporary: b.IsTemporary()})
	}
	slot := c.allocSlot()
	return slot, c.sendOn(slot, serviceID, payload, refs, time.Now().Add(c.sendTimeout))
}

// Cancel requests cancellation of the in-flight request on the given slot.
// The reply arrives on that slot, not on the cancel itself.
func (c *Client) Cancel(slot uint16) error {
	return c.sendOn(slot, ServiceIDEndpointBroker, framing.EncodeCancelRequest(), nil, time.Now().Add(c.sendTimeout))
}

// encryptionKey asks the endpoint for its public key; only valid while the
// session is still in handshake.
func (c *Client) encryptionKey(deadline time.Time) (string, error) {
	if _, err := c.send(ServiceIDEndpointBroker, framing.EncodeEncryptionKeyRequest(), deadline); err != nil {
		return "", err
	}
	msg, err := c.receive(deadline)
	if err != nil {
		return "", err
	}
	if msg.Diagnostic != nil {
		return "", NewSessionError("ENCRYPTION_KEY", c.sessionID, ErrCodeOperationDenied, msg.Diagnostic.String())
	}
	ek, err := framing.DecodeEncryptionKeyResponse(msg.Body)
	if err != nil {
		return "", WrapError("ENCRYPTION_KEY", err)
	}
	if !ek.OK {
		return "", NewSessionError("ENCRYPTION_KEY", c.sessionID, ErrCodeOperationDenied, ek.Error.Message)
	}
	return ek.Key, nil
}

// ShutdownType selects the session shutdown flavor
type ShutdownType = framing.ShutdownType

// Shutdown flavors
const (
	ShutdownNotSet   = framing.ShutdownNotSet
	ShutdownGraceful = framing.ShutdownGraceful
	ShutdownForceful = framing.ShutdownForceful
)

// Shutdown sends a core shutdown command; the reply arrives on the
// returned slot once the session has drained.
func (c *Client) Shutdown(t ShutdownType) (uint16, error) {
	return c.send(ServiceIDRouting, framing.EncodeShutdownRequest(t), time.Now().Add(c.sendTimeout))
}

// UpdateExpirationTime extends the session deadline. A nil ms refreshes to
// the default timeout; the server clamps any value to its configured cap.
func (c *Client) UpdateExpirationTime(ms *uint64) (uint16, error) {
	return c.send(ServiceIDRouting, framing.EncodeUpdateExpirationTime(ms), time.Now().Add(c.sendTimeout))
}

// Terminate sends the session-end sentinel: forceful shutdown without a
// framed reply.
func (c *Client) Terminate() error {
	err := c.wires.Request.Terminate(time.Now().Add(c.sendTimeout))
	if err == wire.ErrTimeout {
		return ErrTimeout
	}
	return err
}

// Receive awaits the next response frame. On orderly server shutdown it
// reports ErrWireClosed.
func (c *Client) Receive() (*ServerMessage, error) {
	return c.receive(time.Now().Add(c.recvTimeout))
}

// ReceiveDeadline awaits the next response frame until an absolute deadline
func (c *Client) ReceiveDeadline(deadline time.Time) (*ServerMessage, error) {
	return c.receive(deadline)
}

func (c *Client) receive(deadline time.Time) (*ServerMessage, error) {
	hdr, err := c.wires.Response.Await(deadline)
	if err == wire.ErrTimeout {
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, WrapError("RECEIVE", err)
	}
	if hdr.IsShutdown() {
		return nil, ErrWireClosed
	}
	payload := make([]byte, hdr.Length)
	c.wires.Response.Read(payload)

	fh, body, err := framing.DecodeResponse(payload)
	if err != nil {
		return nil, WrapError("RECEIVE", err)
	}
	msg := &ServerMessage{
		Slot:        hdr.Idx,
		Kind:        hdr.Type,
		PayloadType: api.PayloadType(fh.PayloadType),
		SessionID:   fh.SessionID,
		Body:        body,
	}
	if fh.PayloadType == framing.PayloadServerDiagnostics {
		d, err := framing.DecodeDiagnostic(body)
		if err != nil {
			return nil, WrapError("RECEIVE", err)
		}
		msg.Diagnostic = &Diagnostic{Code: api.DiagnosticCode(d.Code), Message: d.Message}
	}
	return msg, nil
}

// ResultSetReader consumes one result-set channel
type ResultSetReader struct {
	ch      *wire.Channel
	timeout time.Duration
}

// OpenResultSet attaches to the named result-set channel, typically after
// a body-head announced it
func (c *Client) OpenResultSet(name string) (*ResultSetReader, error) {
	ch, ok := c.wires.Arena.FindChannel(name)
	if !ok {
		return nil, NewSessionError("RESULTSET", c.sessionID, ErrCodeProtocol,
			"no result-set channel named "+name)
	}
	return &ResultSetReader{ch: ch, timeout: c.recvTimeout}, nil
}

// Next returns the next record from any writer slot of the channel, in the
// arena's deterministic scan order. io.EOF reports end of the result set.
func (r *ResultSetReader) Next() ([]byte, error) {
	reader, err := r.ch.ActiveWire(time.Now().Add(r.timeout))
	if err == wire.ErrTimeout {
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, WrapError("RESULTSET", err)
	}
	if reader == nil {
		return nil, io.EOF
	}
	chunk, remainder, err := reader.GetChunk(time.Now().Add(r.timeout))
	if err != nil {
		return nil, WrapError("RESULTSET", err)
	}
	record := make([]byte, 0, len(chunk)+len(remainder))
	record = append(record, chunk...)
	record = append(record, remainder...)
	if err := reader.Dispose(); err != nil {
		return nil, WrapError("RESULTSET", err)
	}
	return record, nil
}

// Close signals consumer disengagement so the server can reclaim the
// channel
func (r *ResultSetReader) Close() {
	r.ch.SetClosed()
}

// Close detaches from the session. The segment itself is owned and
// unlinked by the server.
func (c *Client) Close() error {
	err := c.wires.Close()
	if c.queueSeg != nil {
		if qerr := c.queueSeg.Close(); qerr != nil && err == nil {
			err = qerr
		}
	}
	return err
}
