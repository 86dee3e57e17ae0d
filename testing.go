package shmipc

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Helpers for tests and examples that need an isolated endpoint: shared
// memory is a host-global namespace, so every test run gets unique object
// names.

var testSeq atomic.Uint64

// TestingConfig returns a configuration with small buffers and a database
// name unique to this process and call. Suitable for spinning endpoints up
// and down quickly in tests.
func TestingConfig(name string) *Config {
	cfg := DefaultConfig()
	cfg.DatabaseName = fmt.Sprintf("%s-%d-%d", name, os.Getpid(), testSeq.Add(1))
	cfg.Threads = 4
	cfg.AdminSessions = 1
	cfg.RequestBufferSize = 4 * 1024
	cfg.ResponseBufferSize = 8 * 1024
	cfg.DatachannelBufferSize = 4 * 1024
	cfg.MaxDatachannelBuffers = 4
	cfg.MaxDatachannels = 4
	cfg.EnableTimeout = true
	cfg.RefreshTimeout = 30 * time.Second
	cfg.MaxRefreshTimeout = 120 * time.Second
	cfg.StatusPath = cfg.DatabaseName + ".stat"
	return cfg
}

// TestingOptions returns server options with a scratch mutex file matching
// the configuration's database name
func TestingOptions(cfg *Config) *Options {
	return &Options{
		MutexFile:  os.TempDir() + "/" + cfg.DatabaseName + ".mutex",
		StatusName: cfg.StatusPath,
	}
}
