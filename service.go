package shmipc

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-shmipc/api"
)

// Re-exported service-facing types; services are written against the api
// package, the endpoint wiring against this one.
type (
	Request        = api.Request
	Response       = api.Response
	DataChannel    = api.DataChannel
	Writer         = api.Writer
	BlobInfo       = api.BlobInfo
	Service        = api.Service
	SessionInfo    = api.SessionInfo
	SessionStore   = api.SessionStore
	SessionElement = api.SessionElement
	DiagnosticCode = api.DiagnosticCode
)

// Diagnostic is a server diagnostics record as observed by a client
type Diagnostic struct {
	Code    api.DiagnosticCode
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Code.String(), d.Message)
}

// Registry is the closed service set dispatched by workers: a tagged
// identifier map, fixed before the server starts.
type Registry struct {
	mu       sync.RWMutex
	services map[uint64]api.Service
	sealed   bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{services: make(map[uint64]api.Service)}
}

// Register installs a service under its id. Ids at or below
// ServiceIDEndpointBroker are reserved for the endpoint itself.
func (r *Registry) Register(serviceID uint64, svc api.Service) error {
	if serviceID <= ServiceIDEndpointBroker {
		return NewError("REGISTER", ErrCodeProtocol,
			fmt.Sprintf("service id %d is reserved", serviceID))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return NewError("REGISTER", ErrCodeIllegalState, "registry is sealed; the service set is closed at startup")
	}
	if _, ok := r.services[serviceID]; ok {
		return NewError("REGISTER", ErrCodeProtocol,
			fmt.Sprintf("service id %d already registered", serviceID))
	}
	r.services[serviceID] = svc
	return nil
}

// Resolve looks up a service by id
func (r *Registry) Resolve(serviceID uint64) (api.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[serviceID]
	return svc, ok
}

// seal closes the service set; called by the server on start
func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}
