// Package worker runs the per-session state machine: handshake, request
// dispatch, cancellation, expiration and shutdown, plus the request and
// response objects handed to services.
package worker

import (
	"sync"
	"time"

	"github.com/ehrlich-b/go-shmipc/api"
	"github.com/ehrlich-b/go-shmipc/internal/auth"
	"github.com/ehrlich-b/go-shmipc/internal/logging"
)

// ShutdownRequest is the session shutdown kind recorded in the context
type ShutdownRequest int32

const (
	ShutdownNone ShutdownRequest = iota
	ShutdownGraceful
	ShutdownForceful
)

// Config is the worker-facing slice of the endpoint configuration
type Config struct {
	ConnectionType       string // "ipc"
	AllowBlobPrivileged  bool
	EnableTimeout        bool
	RefreshTimeout       time.Duration
	MaxRefreshTimeout    time.Duration
	WriteTimeout         time.Duration // response-wire write deadline
	WriterAcquireTimeout time.Duration // result-set writer acquisition
	PeekTimeout          time.Duration // request-wire peek granularity

	// Auth is nil when authentication is off
	Auth auth.Adapter

	// IsAdministrator reports whether an authenticated user is an operator
	IsAdministrator func(user string) bool

	// Resolve maps a service id to its handler
	Resolve func(serviceID uint64) (api.Service, bool)

	Logger   *logging.Logger
	Observer Observer
}

// Observer receives worker events for metrics accounting. May be nil.
type Observer interface {
	ObserveRequest(d time.Duration, ok bool)
	ObserveSessionStart()
	ObserveSessionEnd()
}

func (c *Config) log() *logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Default()
}

func (c *Config) peekTimeout() time.Duration {
	if c.PeekTimeout > 0 {
		return c.PeekTimeout
	}
	return time.Second
}

func (c *Config) writeTimeout() time.Duration {
	if c.WriteTimeout > 0 {
		return c.WriteTimeout
	}
	return 30 * time.Second
}

func (c *Config) writerAcquireTimeout() time.Duration {
	if c.WriterAcquireTimeout > 0 {
		return c.WriterAcquireTimeout
	}
	return 10 * time.Second
}

// SessionContext holds the shutdown request kind and the expiration
// deadline of one session. Shared between the worker and the session
// registry; shutdown kinds only escalate.
type SessionContext struct {
	mu         sync.Mutex
	shutdown   ShutdownRequest
	expiration time.Time // zero when expiration is off
}

// NewSessionContext creates an empty context
func NewSessionContext() *SessionContext {
	return &SessionContext{}
}

// RequestShutdown records a shutdown request. Kinds only escalate: a
// graceful request cannot demote an already forceful one. Returns whether
// a shutdown is in effect after the call.
func (c *SessionContext) RequestShutdown(t ShutdownRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t <= c.shutdown {
		return c.shutdown != ShutdownNone
	}
	c.shutdown = t
	return true
}

// ShutdownRequest returns the recorded kind
func (c *SessionContext) ShutdownRequest() ShutdownRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// SetExpiration stores the deadline
func (c *SessionContext) SetExpiration(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiration = t
}

// Expiration returns the deadline; zero means expiration is off
func (c *SessionContext) Expiration() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiration
}
