// Package shmipc implements a shared-memory, bidirectional, multiplexed
// request/response and bulk-result-set transport between an unprivileged
// client process and a database-server process on the same host.
package shmipc

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds all tunable parameters for the IPC endpoint. The struct is
// loaded once at startup and then shared as a read-only value.
type Config struct {
	// DatabaseName is the base name for all shared-memory objects: the
	// global connection segment is named after it, session segments are
	// "<name>-<session_id>".
	DatabaseName string `json:"database_name"`

	// Threads is the normal session quota and sizes the admission slot table.
	Threads int `json:"threads"`

	// AdminSessions is the number of admission slots reserved for
	// administrator connections, so operators keep management access when
	// all normal slots are in use.
	AdminSessions int `json:"admin_sessions"`

	// RequestBufferSize is the capacity of the per-session request wire.
	RequestBufferSize int `json:"request_buffer_size"`

	// ResponseBufferSize is the capacity of the per-session response wire.
	// It must hold one maximum response plus its header.
	ResponseBufferSize int `json:"response_buffer_size"`

	// DatachannelBufferSize is the ring capacity of one result-set writer slot.
	DatachannelBufferSize int `json:"datachannel_buffer_size"`

	// MaxDatachannelBuffers is the number of writer slots per result-set
	// channel.
	MaxDatachannelBuffers int `json:"max_datachannel_buffers"`

	// MaxDatachannels caps concurrently open result-set channels per session.
	MaxDatachannels int `json:"max_datachannels"`

	// AllowBlobPrivileged gates privileged blob input and output. With it
	// off, any request carrying blob descriptors is answered with a
	// diagnostic and never reaches the service.
	AllowBlobPrivileged bool `json:"allow_blob_privileged"`

	// EnableTimeout turns session expiration on.
	EnableTimeout bool `json:"enable_timeout"`

	// RefreshTimeout is the deadline extension granted on each successful
	// request.
	RefreshTimeout time.Duration `json:"refresh_timeout"`

	// MaxRefreshTimeout caps any deadline extension a client may request.
	MaxRefreshTimeout time.Duration `json:"max_refresh_timeout"`

	// AuthenticationEnabled requires a verified credential at handshake.
	AuthenticationEnabled bool `json:"authentication_enabled"`

	// Administrators lists authenticated user names whose sessions are
	// flagged as administrator in their session info. Admission to the
	// admin slot range is chosen by the connecting client, not by this list.
	Administrators []string `json:"administrators"`

	// StatusPath overrides the derived status-segment path. Empty derives
	// it from the canonical configuration path digest.
	StatusPath string `json:"status_path"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	return &Config{
		DatabaseName:          "shmipc",
		Threads:               DefaultThreads,
		AdminSessions:         DefaultAdminSessions,
		RequestBufferSize:     DefaultRequestBufferSize,
		ResponseBufferSize:    DefaultResponseBufferSize,
		DatachannelBufferSize: DefaultDatachannelBufferSize,
		MaxDatachannelBuffers: DefaultMaxDatachannelBuffers,
		MaxDatachannels:       DefaultMaxDatachannels,
		AllowBlobPrivileged:   false,
		EnableTimeout:         true,
		RefreshTimeout:        DefaultRefreshTimeout * time.Second,
		MaxRefreshTimeout:     DefaultMaxRefreshTimeout * time.Second,
	}
}

// LoadConfig reads a JSON configuration file, applying defaults for absent
// keys.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internally consistent values.
func (c *Config) Validate() error {
	if c.DatabaseName == "" {
		return NewError("CONFIG", ErrCodeProtocol, "database_name must not be empty")
	}
	if c.Threads <= 0 {
		return NewError("CONFIG", ErrCodeProtocol, "threads must be positive")
	}
	if c.AdminSessions < 0 {
		return NewError("CONFIG", ErrCodeProtocol, "admin_sessions must not be negative")
	}
	if c.RequestBufferSize <= 0 || c.ResponseBufferSize <= 0 || c.DatachannelBufferSize <= 0 {
		return NewError("CONFIG", ErrCodeProtocol, "buffer sizes must be positive")
	}
	if c.MaxDatachannelBuffers <= 0 || c.MaxDatachannels <= 0 {
		return NewError("CONFIG", ErrCodeProtocol, "data channel limits must be positive")
	}
	if c.RefreshTimeout <= 0 || c.MaxRefreshTimeout < c.RefreshTimeout {
		return NewError("CONFIG", ErrCodeProtocol, "refresh_timeout must be positive and not above max_refresh_timeout")
	}
	return nil
}

// IsAdministrator reports whether the given authenticated user name is in
// the administrator set.
func (c *Config) IsAdministrator(user string) bool {
	for _, a := range c.Administrators {
		if a == user {
			return true
		}
	}
	return false
}
