package shmipc

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the request latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for one endpoint
type Metrics struct {
	// Session lifecycle counters
	SessionsStarted atomic.Uint64 // Sessions past handshake
	SessionsEnded   atomic.Uint64 // Workers exited
	Accepted        atomic.Uint64 // Connection requests accepted
	Rejected        atomic.Uint64 // Connection requests rejected

	// Request counters
	Requests       atomic.Uint64 // Requests dispatched to services
	RequestErrors  atomic.Uint64 // Dispatches whose service returned an error
	TotalLatencyNs atomic.Uint64 // Cumulative dispatch latency

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] counts dispatches with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Endpoint lifecycle
	StartTime atomic.Int64 // Server start timestamp (UnixNano)
	StopTime  atomic.Int64 // Server stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveRequest records one service dispatch. Implements the worker
// observer contract.
func (m *Metrics) ObserveRequest(d time.Duration, ok bool) {
	m.Requests.Add(1)
	if !ok {
		m.RequestErrors.Add(1)
	}
	ns := uint64(d.Nanoseconds())
	m.TotalLatencyNs.Add(ns)
	for i, bound := range LatencyBuckets {
		if ns <= bound {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// ObserveSessionStart records a session passing handshake
func (m *Metrics) ObserveSessionStart() {
	m.SessionsStarted.Add(1)
}

// ObserveSessionEnd records a worker exit
func (m *Metrics) ObserveSessionEnd() {
	m.SessionsEnded.Add(1)
}

// MetricsSnapshot is a point-in-time copy of all counters
type MetricsSnapshot struct {
	SessionsStarted uint64
	SessionsEnded   uint64
	Accepted        uint64
	Rejected        uint64
	Requests        uint64
	RequestErrors   uint64
	AvgLatencyNs    uint64
	Uptime          time.Duration
}

// Snapshot copies the counters
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		SessionsStarted: m.SessionsStarted.Load(),
		SessionsEnded:   m.SessionsEnded.Load(),
		Accepted:        m.Accepted.Load(),
		Rejected:        m.Rejected.Load(),
		Requests:        m.Requests.Load(),
		RequestErrors:   m.RequestErrors.Load(),
	}
	if s.Requests > 0 {
		s.AvgLatencyNs = m.TotalLatencyNs.Load() / s.Requests
	}
	if start := m.StartTime.Load(); start > 0 {
		end := m.StopTime.Load()
		if end == 0 {
			end = time.Now().UnixNano()
		}
		s.Uptime = time.Duration(end - start)
	}
	return s
}
