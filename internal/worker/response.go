package worker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-shmipc/api"
	"github.com/ehrlich-b/go-shmipc/internal/framing"
	"github.com/ehrlich-b/go-shmipc/internal/wire"
)

// response data-channel state machine
type channelState int32

const (
	stateNoDataChannel channelState = iota
	stateToBeUsed
	stateAcquired
	stateReleased
	stateAcquireFailed
	stateReleaseFailed
)

func (s channelState) label() string {
	switch s {
	case stateNoDataChannel:
		return "data channel is not used"
	case stateToBeUsed:
		return "data channel is to be used"
	case stateAcquired:
		return "data channel is acquired"
	case stateReleased:
		return "data channel is released"
	case stateAcquireFailed:
		return "acquire_channel failed"
	case stateReleaseFailed:
		return "release_channel failed"
	}
	return "unknown"
}

var (
	errBodyTwice     = errors.New("worker: response body already written")
	errHeadAfterBody = errors.New("worker: body_head after body")
	errHeadState     = errors.New("worker: body_head requires no acquired channel")
	errChanReleased  = errors.New("worker: data channel already released")
	errChanAcquired  = errors.New("worker: data channel already acquired")
	errBlobDenied    = errors.New("worker: privileged blob output is disabled")
)

// Response is the response object handed to services. It serializes the
// envelope, writes frames into the session's response wire and manages the
// result-set data channel of the request.
type Response struct {
	wires *wire.SessionWire
	cfg   *Config
	slot  uint16

	sessionID atomic.Uint64

	cancelFlag atomic.Bool
	completed  atomic.Bool
	bodyDone   atomic.Bool

	mu      sync.Mutex
	state   channelState
	channel *dataChannel
	blobs   []api.BlobInfo

	// external references held by services; the worker's table reference
	// is not counted
	refs atomic.Int32

	// onComplete removes the reqres registration once a terminal frame is
	// written; set at registration time only, so inline endpoint commands
	// sharing a slot with an in-flight request never evict its entry
	onComplete func()

	// parkChannel hands a released channel to the worker's garbage
	// collector
	parkChannel func(*wire.Channel)
}

// NewResponse builds a response bound to a request slot
func NewResponse(wires *wire.SessionWire, cfg *Config, slot uint16, onComplete func(), parkChannel func(*wire.Channel)) *Response {
	return &Response{
		wires:       wires,
		cfg:         cfg,
		slot:        slot,
		onComplete:  onComplete,
		parkChannel: parkChannel,
	}
}

// SetSessionID stamps the envelope session id
func (r *Response) SetSessionID(id uint64) { r.sessionID.Store(id) }

// setOnComplete installs the completion callback. Must happen before the
// response can complete, i.e. before dispatch.
func (r *Response) setOnComplete(f func()) { r.onComplete = f }

// Cancel flips the cancel flag; services observe it via CheckCancel
func (r *Response) Cancel() { r.cancelFlag.Store(true) }

// CheckCancel reports whether cancellation was requested
func (r *Response) CheckCancel() bool { return r.cancelFlag.Load() }

// SetCompleted marks the response answered without sending a frame. Used
// for cancel commands, which are answered through the cancelled request.
func (r *Response) SetCompleted() {
	if !r.completed.Swap(true) {
		if r.onComplete != nil {
			r.onComplete()
		}
	}
}

// IsCompleted reports whether a terminal frame was written and the data
// channel, if any, released
func (r *Response) IsCompleted() bool {
	r.mu.Lock()
	acquired := r.state == stateAcquired
	r.mu.Unlock()
	return r.completed.Load() && !acquired
}

// Retain takes an external reference for async completion
func (r *Response) Retain() { r.refs.Add(1) }

// Release drops an external reference
func (r *Response) Release() { r.refs.Add(-1) }

func (r *Response) held() bool { return r.refs.Load() > 0 }

// StateLabel renders the data-channel state for diagnostics
func (r *Response) StateLabel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.label()
}

func (r *Response) writeDeadline() time.Time {
	return time.Now().Add(r.cfg.writeTimeout())
}

func (r *Response) takeBlobs() []framing.BlobRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.blobs) == 0 {
		return nil
	}
	out := make([]framing.BlobRef, 0, len(r.blobs))
	for _, b := range r.blobs {
		out = append(out, framing.BlobRef{ChannelName: b.ChannelName(), Path: b.Path(), Temporary: b.IsTemporary()})
	}
	return out
}

// BodyHead sends an early partial body. Valid any number of times before
// AcquireChannel; never after Body.
func (r *Response) BodyHead(bodyHead []byte) error {
	if r.bodyDone.Load() {
		return errHeadAfterBody
	}
	r.mu.Lock()
	if r.state != stateNoDataChannel && r.state != stateToBeUsed {
		r.mu.Unlock()
		return errHeadState
	}
	r.state = stateToBeUsed
	r.mu.Unlock()

	payload := framing.EncodeResponse(framing.ResponseHeader{
		SessionID:   r.sessionID.Load(),
		PayloadType: framing.PayloadServiceResult,
	}, bodyHead)
	return r.wires.Response.Write(
		wire.ResponseHeader{Idx: r.slot, Type: wire.ResponseBodyHead},
		payload, r.writeDeadline())
}

// Body sends the terminal body. At most once per response.
func (r *Response) Body(body []byte) error {
	if r.bodyDone.Swap(true) {
		return errBodyTwice
	}
	payload := framing.EncodeResponse(framing.ResponseHeader{
		SessionID:   r.sessionID.Load(),
		PayloadType: framing.PayloadServiceResult,
		Blobs:       r.takeBlobs(),
	}, body)
	err := r.wires.Response.Write(
		wire.ResponseHeader{Idx: r.slot, Type: wire.ResponseBody},
		payload, r.writeDeadline())
	r.finish()
	return err
}

// Error sends a server diagnostic in place of a service result
func (r *Response) Error(code api.DiagnosticCode, message string) error {
	if r.bodyDone.Swap(true) {
		return errBodyTwice
	}
	body := framing.EncodeDiagnostic(framing.Diagnostic{Code: int32(code), Message: message})
	payload := framing.EncodeResponse(framing.ResponseHeader{
		SessionID:   r.sessionID.Load(),
		PayloadType: framing.PayloadServerDiagnostics,
	}, body)
	err := r.wires.Response.Write(
		wire.ResponseHeader{Idx: r.slot, Type: wire.ResponseBody},
		payload, r.writeDeadline())
	r.finish()
	return err
}

func (r *Response) finish() {
	if !r.completed.Swap(true) {
		if r.onComplete != nil {
			r.onComplete()
		}
	}
}

// AddBlob attaches a blob reference to the terminal body's envelope
func (r *Response) AddBlob(info api.BlobInfo) error {
	if !r.cfg.AllowBlobPrivileged {
		return errBlobDenied
	}
	r.mu.Lock()
	r.blobs = append(r.blobs, info)
	r.mu.Unlock()
	return nil
}

// AcquireChannel opens the named result-set channel. One channel per
// response; re-acquisition after release is not provided on this transport.
func (r *Response) AcquireChannel(name string) (api.DataChannel, error) {
	r.mu.Lock()
	switch r.state {
	case stateReleased, stateReleaseFailed:
		r.mu.Unlock()
		return nil, errChanReleased
	case stateAcquired:
		r.mu.Unlock()
		return nil, errChanAcquired
	}
	r.mu.Unlock()

	ch, err := r.wires.Arena.CreateChannel(name)
	if err != nil {
		r.mu.Lock()
		r.state = stateAcquireFailed
		r.mu.Unlock()
		return nil, fmt.Errorf("acquire channel %q: %w", name, err)
	}

	dc := &dataChannel{ch: ch, cfg: r.cfg}
	r.mu.Lock()
	r.state = stateAcquired
	r.channel = dc
	r.mu.Unlock()
	return dc, nil
}

// ReleaseChannel marks the result set complete: still-held writers are
// committed and returned, EOR is raised, and the channel is parked for the
// worker's garbage collector to reap once the client disengages.
func (r *Response) ReleaseChannel(ch api.DataChannel) error {
	dc, ok := ch.(*dataChannel)
	if !ok || dc != r.loadChannel() {
		r.mu.Lock()
		r.state = stateReleaseFailed
		r.mu.Unlock()
		return fmt.Errorf("release of a channel not acquired from this response")
	}

	dc.releaseAll()
	dc.ch.SetEOR()
	dc.ch.MarkReleased()

	r.mu.Lock()
	r.state = stateReleased
	r.channel = nil
	r.mu.Unlock()

	if r.parkChannel != nil {
		r.parkChannel(dc.ch)
	}
	return nil
}

func (r *Response) loadChannel() *dataChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}

// dataChannel adapts a wire channel to the api surface and tracks the
// writers handed out.
type dataChannel struct {
	ch  *wire.Channel
	cfg *Config

	mu      sync.Mutex
	writers map[*resultSetWriter]struct{}
}

// Name returns the channel name
func (c *dataChannel) Name() string { return c.ch.Name() }

// Acquire binds a free writer slot
func (c *dataChannel) Acquire() (api.Writer, error) {
	deadline := time.Now().Add(c.cfg.writerAcquireTimeout())
	w, err := c.ch.AcquireWriter(deadline)
	if err != nil {
		return nil, err
	}
	rw := &resultSetWriter{c: c, w: w}
	c.mu.Lock()
	if c.writers == nil {
		c.writers = make(map[*resultSetWriter]struct{})
	}
	c.writers[rw] = struct{}{}
	c.mu.Unlock()
	return rw, nil
}

// Release returns a writer's slot to the channel
func (c *dataChannel) Release(w api.Writer) error {
	rw, ok := w.(*resultSetWriter)
	if !ok || rw.c != c {
		return fmt.Errorf("release of a writer not acquired from this channel")
	}
	c.mu.Lock()
	_, held := c.writers[rw]
	delete(c.writers, rw)
	c.mu.Unlock()
	if !held {
		return fmt.Errorf("writer already released")
	}
	c.ch.ReleaseWriter(rw.w)
	return nil
}

// releaseAll reclaims writers a service still holds at channel release
func (c *dataChannel) releaseAll() {
	c.mu.Lock()
	writers := make([]*resultSetWriter, 0, len(c.writers))
	for rw := range c.writers {
		writers = append(writers, rw)
	}
	c.writers = nil
	c.mu.Unlock()
	for _, rw := range writers {
		c.ch.ReleaseWriter(rw.w)
	}
}

// resultSetWriter adapts a wire writer to the api surface
type resultSetWriter struct {
	c *dataChannel
	w *wire.ResultSetWriter
}

// Write appends record bytes
func (w *resultSetWriter) Write(p []byte) (int, error) {
	deadline := time.Now().Add(w.c.cfg.writeTimeout())
	if err := w.w.Write(p, deadline); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Commit seals the current record
func (w *resultSetWriter) Commit() error {
	w.w.Commit()
	return nil
}
