package shmipc

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsObserveRequest(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest(500*time.Microsecond, true)
	m.ObserveRequest(2*time.Millisecond, false)

	s := m.Snapshot()
	if s.Requests != 2 {
		t.Errorf("Requests = %d, want 2", s.Requests)
	}
	if s.RequestErrors != 1 {
		t.Errorf("RequestErrors = %d, want 1", s.RequestErrors)
	}
	if s.AvgLatencyNs == 0 {
		t.Error("AvgLatencyNs should be non-zero")
	}

	// 500us lands in every bucket from 1ms upward
	if got := m.LatencyBuckets[3].Load(); got != 1 {
		t.Errorf("1ms bucket = %d, want 1", got)
	}
	if got := m.LatencyBuckets[7].Load(); got != 2 {
		t.Errorf("10s bucket = %d, want 2", got)
	}
}

func TestMetricsSessionCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveSessionStart()
	m.ObserveSessionStart()
	m.ObserveSessionEnd()

	s := m.Snapshot()
	if s.SessionsStarted != 2 || s.SessionsEnded != 1 {
		t.Errorf("sessions = %d/%d, want 2/1", s.SessionsStarted, s.SessionsEnded)
	}
}

func TestMetricsConcurrentUpdates(t *testing.T) {
	m := NewMetrics()
	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.ObserveRequest(time.Microsecond, true)
			}
		}()
	}
	wg.Wait()
	if got := m.Snapshot().Requests; got != goroutines*100 {
		t.Errorf("Requests = %d, want %d", got, goroutines*100)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	if m.Snapshot().Uptime != 0 {
		t.Error("uptime before start should be zero")
	}
	m.StartTime.Store(time.Now().Add(-time.Second).UnixNano())
	if m.Snapshot().Uptime < time.Second {
		t.Error("uptime should cover the elapsed second")
	}
}
