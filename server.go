package shmipc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-shmipc/internal/auth"
	"github.com/ehrlich-b/go-shmipc/internal/logging"
	"github.com/ehrlich-b/go-shmipc/internal/shm"
	"github.com/ehrlich-b/go-shmipc/internal/status"
	"github.com/ehrlich-b/go-shmipc/internal/wire"
	"github.com/ehrlich-b/go-shmipc/internal/worker"
)

// Options tunes server construction beyond the configuration file
type Options struct {
	// Logger overrides the default logger
	Logger *logging.Logger

	// Metrics receives endpoint counters; nil allocates a fresh instance
	Metrics *Metrics

	// Auth plugs the credential verifier; required when the configuration
	// enables authentication
	Auth auth.Adapter

	// MutexFile overrides the liveness lock-file path
	MutexFile string

	// StatusName overrides the status segment name
	StatusName string
}

type sessionEntry struct {
	worker *worker.Worker
	wires  *wire.SessionWire
	slot   int
}

// Server is the listener side of the endpoint: it drives the connection
// queue, creates session segments, spawns workers and maintains the status
// memory.
type Server struct {
	cfg      *Config
	registry *Registry
	log      *logging.Logger
	metrics  *Metrics
	auth     auth.Adapter

	mutexFile  string
	mutexFd    int
	statusName string

	queueSeg *shm.Segment
	queue    *wire.ConnectionQueue
	status   *status.Memory

	mu          sync.Mutex
	sessions    map[uint64]*sessionEntry
	nextSession uint64
	started     bool
	stopping    bool

	eg *errgroup.Group
}

// NewServer builds a server over a validated configuration
func NewServer(cfg *Config, registry *Registry, opts *Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	if cfg.AuthenticationEnabled && opts.Auth == nil {
		return nil, NewError("SERVER", ErrCodeProtocol, "authentication enabled but no adapter supplied")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	mutexFile := opts.MutexFile
	if mutexFile == "" {
		mutexFile = filepath.Join(os.TempDir(), cfg.DatabaseName+".mutex")
	}
	return &Server{
		cfg:       cfg,
		registry:  registry,
		log:       log,
		metrics:   metrics,
		auth:      opts.Auth,
		mutexFile:  mutexFile,
		mutexFd:    -1,
		statusName: opts.StatusName,
		sessions:   make(map[uint64]*sessionEntry),
	}, nil
}

// Start brings the endpoint up: stale segments are removed, the liveness
// lock taken, status memory and connection queue created, and the accept
// loop launched.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return NewError("START", ErrCodeIllegalState, "server already started")
	}
	s.registry.seal()

	// a crashed predecessor leaves segments behind; remove them by name
	// before recreating
	if err := s.removeStaleSegments(); err != nil {
		return WrapError("START", err)
	}

	fd, err := wire.HoldMutexFile(s.mutexFile)
	if err != nil {
		return WrapError("START", fmt.Errorf("mutex file %s: %w (another server running?)", s.mutexFile, err))
	}
	s.mutexFd = fd

	statusName := s.statusName
	if statusName == "" {
		statusName = s.cfg.StatusPath
	}
	if statusName == "" {
		statusName = status.Name(s.cfg.DatabaseName)
	}
	maxSessions := s.cfg.Threads + s.cfg.AdminSessions
	st, err := status.Create(statusName, s.cfg.DatabaseName, maxSessions)
	if err != nil {
		s.closeMutexFile()
		return WrapError("START", err)
	}
	s.status = st
	st.SetMutexFile(s.mutexFile)
	st.SetState(status.StateReady)

	seg, err := shm.Create(s.cfg.DatabaseName, wire.ConnectionQueueSize(s.cfg.Threads, s.cfg.AdminSessions))
	if err != nil {
		st.Close()
		s.closeMutexFile()
		return WrapError("START", err)
	}
	s.queueSeg = seg
	s.queue = wire.InitConnectionQueue(seg, s.cfg.Threads, s.cfg.AdminSessions)

	s.eg = &errgroup.Group{}
	s.eg.Go(s.acceptLoop)

	st.SetState(status.StateActivated)
	s.metrics.StartTime.Store(time.Now().UnixNano())
	s.started = true
	s.log.Info("endpoint activated",
		"database", s.cfg.DatabaseName,
		"threads", s.cfg.Threads,
		"admin_sessions", s.cfg.AdminSessions)
	return nil
}

// removeStaleSegments clears the queue segment and any session segments a
// crashed server left behind
func (s *Server) removeStaleSegments() error {
	if err := shm.Remove(s.cfg.DatabaseName); err != nil {
		return err
	}
	stale, err := filepath.Glob(shm.Path(s.cfg.DatabaseName) + "-*")
	if err != nil {
		return err
	}
	for _, path := range stale {
		s.log.Warn("removing stale session segment", "path", path)
		if err := unix.Unlink(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *Server) closeMutexFile() {
	if s.mutexFd >= 0 {
		unix.Close(s.mutexFd)
		s.mutexFd = -1
	}
}

func (s *Server) geometry() wire.SessionGeometry {
	return wire.SessionGeometry{
		RequestCapacity:  s.cfg.RequestBufferSize,
		ResponseCapacity: s.cfg.ResponseBufferSize,
		Channels:         s.cfg.MaxDatachannels,
		Writers:          s.cfg.MaxDatachannelBuffers,
		WriterBufSize:    s.cfg.DatachannelBufferSize,
	}
}

func (s *Server) workerConfig() *worker.Config {
	return &worker.Config{
		ConnectionType:      "ipc",
		AllowBlobPrivileged: s.cfg.AllowBlobPrivileged,
		EnableTimeout:       s.cfg.EnableTimeout,
		RefreshTimeout:      s.cfg.RefreshTimeout,
		MaxRefreshTimeout:   s.cfg.MaxRefreshTimeout,
		Auth:                s.auth,
		IsAdministrator:     s.cfg.IsAdministrator,
		Resolve:             s.registry.Resolve,
		Logger:              s.log,
		Observer:            s.metrics,
	}
}

// acceptLoop pairs the dedicated listener with the connection queue
func (s *Server) acceptLoop() error {
	for {
		seq, admin, err := s.queue.Listen(time.Now().Add(time.Second))
		if err == wire.ErrTimeout {
			continue
		}
		if err == wire.ErrTerminate {
			s.log.Info("listener terminating", "database", s.cfg.DatabaseName)
			s.queue.ConfirmTerminated()
			return nil
		}
		if err != nil {
			return WrapError("LISTEN", err)
		}

		slot := s.queue.FindFreeSlot(admin)
		if slot < 0 {
			// quota exhausted for this class
			s.queue.Reject()
			s.metrics.Rejected.Add(1)
			continue
		}

		sid := s.allocateSessionID()
		wires, err := wire.CreateSessionWire(
			wire.SessionSegmentName(s.cfg.DatabaseName, sid), s.geometry(), s.mutexFile)
		if err != nil {
			s.log.Error("session segment setup failed", "session", sid, "error", err)
			s.queue.Reject()
			s.metrics.Rejected.Add(1)
			continue
		}

		wk := worker.New(s.workerConfig(), sid, wires)
		s.mu.Lock()
		s.sessions[sid] = &sessionEntry{worker: wk, wires: wires, slot: slot}
		s.mu.Unlock()

		s.eg.Go(func() error {
			wk.Run()
			s.reapSession(sid)
			return nil
		})

		s.queue.Accept(slot, sid)
		s.status.AddSession(slot, sid)
		s.metrics.Accepted.Add(1)
		s.log.Debug("session accepted", "session", sid, "slot", slot, "admin", admin, "seq", seq)
	}
}

func (s *Server) allocateSessionID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	return s.nextSession
}

// reapSession destroys a finished session: the slot is reclaimed and the
// segment removed from the kernel namespace.
func (s *Server) reapSession(sid uint64) {
	s.mu.Lock()
	entry, ok := s.sessions[sid]
	delete(s.sessions, sid)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.queue.Disconnect(entry.slot)
	s.status.RemoveSession(entry.slot)
	if err := entry.wires.Close(); err != nil {
		s.log.Warn("session segment close failed", "session", sid, "error", err)
	}
	s.log.Debug("session reaped", "session", sid, "slot", entry.slot)
}

// ForeachRequest applies fn to every in-flight request of every live
// worker. Serves the request-introspection surface.
func (s *Server) ForeachRequest(fn func(req Request, startAt time.Time)) {
	s.mu.Lock()
	workers := make([]*worker.Worker, 0, len(s.sessions))
	for _, e := range s.sessions {
		workers = append(workers, e.worker)
	}
	s.mu.Unlock()
	for _, wk := range workers {
		wk.ForeachRequest(fn)
	}
}

// PrintDiagnostics writes a snapshot of live sessions and their in-flight
// requests for operator inspection
func (s *Server) PrintDiagnostics(out io.Writer) {
	s.mu.Lock()
	workers := make([]*worker.Worker, 0, len(s.sessions))
	for _, e := range s.sessions {
		workers = append(workers, e.worker)
	}
	s.mu.Unlock()
	fmt.Fprintf(out, "%s: %d live sessions\n", s.cfg.DatabaseName, len(workers))
	for _, wk := range workers {
		wk.PrintDiagnostics(out)
	}
}

// Sessions returns the live session ids
func (s *Server) Sessions() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.sessions))
	for sid := range s.sessions {
		out = append(out, sid)
	}
	return out
}

// Metrics returns the endpoint counters
func (s *Server) Metrics() *Metrics { return s.metrics }

// Stop shuts the endpoint down: the listener is terminated through the
// queue's semaphore handshake, every worker is forcefully terminated, and
// all segments are unlinked.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	if s.status != nil {
		s.status.SetState(status.StateDeactivating)
	}

	if err := s.queue.RequestTerminate(time.Now().Add(5 * time.Second)); err != nil {
		s.log.Warn("listener did not confirm termination", "error", err)
	}

	s.mu.Lock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.Unlock()
	for _, e := range entries {
		e.worker.Terminate(worker.ShutdownForceful)
	}
	for _, e := range entries {
		select {
		case <-e.worker.Done():
		case <-time.After(15 * time.Second):
			s.log.Warn("worker did not exit in time", "session", e.worker.SessionID())
		}
	}

	err := s.eg.Wait()

	if s.queueSeg != nil {
		if cerr := s.queueSeg.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if s.status != nil {
		s.status.SetState(status.StateDeactivated)
		if cerr := s.status.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.closeMutexFile()
	s.metrics.StopTime.Store(time.Now().UnixNano())
	s.log.Info("endpoint deactivated", "database", s.cfg.DatabaseName)
	return err
}
