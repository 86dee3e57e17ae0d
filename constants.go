package shmipc

// Service IDs routed by the worker. The service set is closed at startup;
// user services register under their own IDs in the Registry.
const (
	ServiceIDRouting        uint64 = 0
	ServiceIDEndpointBroker uint64 = 1
)

// Default buffer geometry. Request messages are small framed calls; the
// response wire must hold at least one maximum response plus its header;
// result-set writers stream through dedicated 64 KiB rings.
const (
	DefaultRequestBufferSize     = 4 * 1024
	DefaultResponseBufferSize    = 64 * 1024
	DefaultDatachannelBufferSize = 64 * 1024
	DefaultMaxDatachannelBuffers = 16
	DefaultMaxDatachannels       = 16
)

// Admission defaults
const (
	DefaultThreads       = 104
	DefaultAdminSessions = 1
)

// Session expiration defaults, in seconds
const (
	DefaultRefreshTimeout    = 300
	DefaultMaxRefreshTimeout = 3600
)
