// Package api defines the service-facing surface of the shmipc endpoint:
// the request/response pair handed to a service, the result-set data
// channel, and the session-scoped state a service may consult or stash.
package api

import (
	"time"
)

// DiagnosticCode identifies a server diagnostic sent in place of a service
// result.
type DiagnosticCode int32

const (
	DiagnosticUnknown              DiagnosticCode = 0
	DiagnosticSystemError          DiagnosticCode = 1
	DiagnosticUnsupportedOperation DiagnosticCode = 2
	DiagnosticIllegalState         DiagnosticCode = 3
	DiagnosticAuthenticationError  DiagnosticCode = 4
	DiagnosticInvalidRequest       DiagnosticCode = 5
	DiagnosticOperationCanceled    DiagnosticCode = 6
	DiagnosticOperationDenied      DiagnosticCode = 7
	DiagnosticSessionClosed        DiagnosticCode = 8
	DiagnosticResourceLimit        DiagnosticCode = 9
)

// String returns the symbolic name of the code
func (c DiagnosticCode) String() string {
	switch c {
	case DiagnosticSystemError:
		return "SYSTEM_ERROR"
	case DiagnosticUnsupportedOperation:
		return "UNSUPPORTED_OPERATION"
	case DiagnosticIllegalState:
		return "ILLEGAL_STATE"
	case DiagnosticAuthenticationError:
		return "AUTHENTICATION_ERROR"
	case DiagnosticInvalidRequest:
		return "INVALID_REQUEST"
	case DiagnosticOperationCanceled:
		return "OPERATION_CANCELED"
	case DiagnosticOperationDenied:
		return "OPERATION_DENIED"
	case DiagnosticSessionClosed:
		return "SESSION_CLOSED"
	case DiagnosticResourceLimit:
		return "RESOURCE_LIMIT_REACHED"
	default:
		return "UNKNOWN"
	}
}

// PayloadType tags a response frame as either a service result or a server
// diagnostic.
type PayloadType int32

const (
	PayloadServiceResult     PayloadType = 1
	PayloadServerDiagnostics PayloadType = 2
)

// BlobInfo describes one blob reference carried by a request or attached to
// a response. Bytes never travel on the wires; only the file reference does.
type BlobInfo interface {
	// ChannelName returns the name the blob is published under
	ChannelName() string

	// Path returns the filesystem path of the blob file
	Path() string

	// IsTemporary reports whether the receiver may dispose of the file
	IsTemporary() bool
}

// Request is one in-flight service call.
type Request interface {
	// SessionID returns the session the request arrived on
	SessionID() uint64

	// ServiceID returns the destination service
	ServiceID() uint64

	// Payload returns the service body bytes. The slice is owned by the
	// request object and valid until the request is disposed.
	Payload() []byte

	// LocalID returns the worker-local serial of this request
	LocalID() uint64

	// SessionInfo returns the identity recorded at handshake
	SessionInfo() *SessionInfo

	// SessionStore returns the per-session element store
	SessionStore() *SessionStore

	// HasBlob reports whether a blob was attached under the given channel name
	HasBlob(channelName string) bool

	// Blob returns the blob attached under the given channel name
	Blob(channelName string) (BlobInfo, error)

	// StartAt returns the time the worker picked the request off the wire
	StartAt() time.Time
}

// Writer appends bytes to one slot of a result-set channel. Bytes written
// between construction (or the previous Commit) and the next Commit form one
// record; the consumer never observes a record before its Commit.
type Writer interface {
	// Write appends record bytes. May block when the slot ring is full.
	Write(p []byte) (int, error)

	// Commit seals the current record and makes it visible to the consumer
	Commit() error
}

// DataChannel is a named result-set egress with up to the configured number
// of independent writer slots.
type DataChannel interface {
	// Name returns the channel name announced to the client
	Name() string

	// Acquire binds a free writer slot. With all slots taken it blocks up
	// to the configured acquisition timeout.
	Acquire() (Writer, error)

	// Release returns the writer's slot to the channel
	Release(w Writer) error
}

// Response carries the reply of one request. Body may be called at most
// once; BodyHead only before AcquireChannel.
type Response interface {
	// SetSessionID stamps the session id used in the response envelope
	SetSessionID(id uint64)

	// BodyHead sends an early partial body, typically announcing a
	// result-set channel name before any rows flow
	BodyHead(bodyHead []byte) error

	// Body sends the terminal body
	Body(body []byte) error

	// Error sends a server diagnostic instead of a service result
	Error(code DiagnosticCode, message string) error

	// AcquireChannel opens the named result-set channel. Re-acquisition
	// after ReleaseChannel is not provided on this transport.
	AcquireChannel(name string) (DataChannel, error)

	// ReleaseChannel marks the result set complete and returns all writer
	// slots still held
	ReleaseChannel(ch DataChannel) error

	// AddBlob attaches a blob reference to the response envelope
	AddBlob(info BlobInfo) error

	// CheckCancel reports whether cancellation was requested. Services are
	// expected to poll this at safe points during long work.
	CheckCancel() bool

	// Retain takes an extra reference on the response so it survives past
	// the synchronous dispatch. Each Retain needs a matching Release; the
	// worker reclaims a response once all references are gone.
	Retain()

	// Release drops a reference taken with Retain
	Release()
}

// Service handles dispatched requests. Dispatch is synchronous from the
// worker's perspective; a service that finishes its reply from another
// goroutine must Retain the response before returning and Release it after
// Body or Error. A response abandoned without a reply is reclaimed by the
// worker with an UNKNOWN diagnostic.
type Service func(req Request, res Response) error

// SessionInfo is the identity of one session, recorded at handshake and
// immutable afterwards.
type SessionInfo struct {
	Label                 string
	ApplicationName       string
	UserName              string
	ConnectionType        string
	ConnectionInformation string
	Administrator         bool
}

// NewBlobInfo builds a plain blob descriptor
func NewBlobInfo(channelName, path string, temporary bool) BlobInfo {
	return &blobInfo{channelName: channelName, path: path, temporary: temporary}
}

type blobInfo struct {
	channelName string
	path        string
	temporary   bool
}

func (b *blobInfo) ChannelName() string { return b.channelName }
func (b *blobInfo) Path() string        { return b.path }
func (b *blobInfo) IsTemporary() bool   { return b.temporary }
