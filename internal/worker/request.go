package worker

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-shmipc/api"
	"github.com/ehrlich-b/go-shmipc/internal/framing"
)

// BlobError classifies the blob vetting result of one request
type BlobError int32

const (
	BlobOK BlobError = iota
	BlobNotAllowed
	BlobNotFound
	BlobNotAccessible
	BlobNotRegularFile
)

// spoSize is the small-payload optimization threshold: payloads up to this
// size reuse a fixed array instead of allocating.
const spoSize = 256

// Request is the request object handed to services. It owns a copy of the
// message bytes, so the wire slot is disposed as soon as parsing finishes.
type Request struct {
	sessionID uint64
	serviceID uint64
	payload   []byte
	localID   uint64
	startAt   time.Time

	spo [spoSize]byte

	blobs       map[string]framing.BlobRef
	blobError   BlobError
	causingFile string

	info  *api.SessionInfo
	store *api.SessionStore

	// external references held by services; the worker's table reference
	// is not counted
	refs atomic.Int32
}

// NewRequest parses the two-layer envelope out of message and vets any
// blob descriptors. The message bytes are copied, not aliased.
func NewRequest(message []byte, localID uint64, cfg *Config, info *api.SessionInfo, store *api.SessionStore) (*Request, error) {
	r := &Request{
		localID: localID,
		startAt: time.Now(),
		info:    info,
		store:   store,
	}
	hdr, body, err := framing.DecodeRequest(message)
	if err != nil {
		return nil, err
	}
	r.sessionID = hdr.SessionID
	r.serviceID = hdr.ServiceID
	if len(body) <= spoSize {
		r.payload = r.spo[:len(body)]
	} else {
		r.payload = make([]byte, len(body))
	}
	copy(r.payload, body)

	if len(hdr.Blobs) > 0 {
		r.blobs = make(map[string]framing.BlobRef, len(hdr.Blobs))
		for _, b := range hdr.Blobs {
			r.blobs[b.ChannelName] = b
		}
		r.vetBlobs(cfg)
	}
	return r, nil
}

// vetBlobs checks access rights and file kind of every blob reference.
// The first failing file is recorded for the diagnostic reply.
func (r *Request) vetBlobs(cfg *Config) {
	if !cfg.AllowBlobPrivileged {
		r.blobError = BlobNotAllowed
		return
	}
	for _, b := range r.blobs {
		st, err := os.Lstat(b.Path)
		if err != nil {
			r.blobError = BlobNotFound
			r.causingFile = b.Path
			return
		}
		if unix.Access(b.Path, unix.R_OK) != nil {
			r.blobError = BlobNotAccessible
			r.causingFile = b.Path
			return
		}
		if st.Mode()&os.ModeSymlink != 0 || !st.Mode().IsRegular() {
			r.blobError = BlobNotRegularFile
			r.causingFile = b.Path
			return
		}
	}
}

// SessionID returns the session the request arrived on
func (r *Request) SessionID() uint64 { return r.sessionID }

// ServiceID returns the destination service
func (r *Request) ServiceID() uint64 { return r.serviceID }

// Payload returns the service body bytes
func (r *Request) Payload() []byte { return r.payload }

// LocalID returns the worker-local serial
func (r *Request) LocalID() uint64 { return r.localID }

// SessionInfo returns the handshake identity
func (r *Request) SessionInfo() *api.SessionInfo { return r.info }

// SessionStore returns the per-session element store
func (r *Request) SessionStore() *api.SessionStore { return r.store }

// StartAt returns the time the worker picked the request off the wire
func (r *Request) StartAt() time.Time { return r.startAt }

// HasBlob reports whether a blob was attached under the channel name
func (r *Request) HasBlob(channelName string) bool {
	if r.blobError != BlobOK {
		return false
	}
	_, ok := r.blobs[channelName]
	return ok
}

// Blob returns the blob attached under the channel name
func (r *Request) Blob(channelName string) (api.BlobInfo, error) {
	if r.blobError != BlobOK {
		return nil, fmt.Errorf("blob error: %s", r.BlobErrorMessage())
	}
	b, ok := r.blobs[channelName]
	if !ok {
		return nil, fmt.Errorf("no blob entry named %q", channelName)
	}
	return api.NewBlobInfo(b.ChannelName, b.Path, b.Temporary), nil
}

// BlobError returns the vetting result
func (r *Request) BlobError() BlobError { return r.blobError }

// BlobErrorMessage renders the vetting result with its causing path
func (r *Request) BlobErrorMessage() string {
	switch r.blobError {
	case BlobOK:
		return ""
	case BlobNotAllowed:
		return "BLOB handling in privileged mode is not allowed on this endpoint"
	case BlobNotFound:
		return "failed to receive BLOB file in privileged mode (not found): " + r.causingFile
	case BlobNotAccessible:
		return "failed to receive BLOB file in privileged mode (cannot read): " + r.causingFile
	case BlobNotRegularFile:
		return "failed to receive BLOB file in privileged mode (not regular file): " + r.causingFile
	}
	return "unknown blob error"
}

// retain/release track service-held references for the care sweep
func (r *Request) retain()  { r.refs.Add(1) }
func (r *Request) release() { r.refs.Add(-1) }

// held reports whether a service still references the request
func (r *Request) held() bool { return r.refs.Load() > 0 }
