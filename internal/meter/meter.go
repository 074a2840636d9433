// Package meter implements the Request Meter (C4): process-wide
// counters for in-flight requests, peak concurrency, rolling average
// latency, and error count, all updated under a single mutex.
//
// Grounded on original_source/global/src/global_mcp/
// concurrent_memory_manager.py's _record_request_start/_record_request_end,
// including its incremental-mean latency formula.
package meter

import (
	"sync"
	"time"
)

// Meter is safe for concurrent use.
type Meter struct {
	mu sync.Mutex

	totalRequests int64
	inFlight      int64
	peakInFlight  int64
	errorCount    int64
	avgLatencyMs  float64
}

func New() *Meter {
	return &Meter{}
}

// Bracket is returned by Start and must be closed with End.
type Bracket struct {
	m     *Meter
	start time.Time
}

// Start brackets an operation: increments in_flight and total_requests,
// tracks peak concurrency. Every orchestrator-entry operation calls
// this on entry (spec §4.4, §4.10 "All façade operations bracketed by C4").
func (m *Meter) Start() *Bracket {
	m.mu.Lock()
	m.totalRequests++
	m.inFlight++
	if m.inFlight > m.peakInFlight {
		m.peakInFlight = m.inFlight
	}
	m.mu.Unlock()
	return &Bracket{m: m, start: time.Now()}
}

// End closes a bracket opened by Start, decrementing in_flight and
// folding the duration + success flag into the rolling average and
// error count.
func (b *Bracket) End(success bool) {
	latencyMs := float64(time.Since(b.start).Milliseconds())
	m := b.m
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	if !success {
		m.errorCount++
	}
	// Incremental mean: avg += (latency - avg) / n, matching the
	// original's formula to avoid summing over unbounded history.
	if m.totalRequests > 0 {
		m.avgLatencyMs += (latencyMs - m.avgLatencyMs) / float64(m.totalRequests)
	}
}

// Stats is a point-in-time snapshot.
type Stats struct {
	TotalRequests int64
	InFlight      int64
	PeakInFlight  int64
	ErrorCount    int64
	AvgLatencyMs  float64
	ErrorRate     float64
}

func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errRate float64
	if m.totalRequests > 0 {
		errRate = float64(m.errorCount) / float64(m.totalRequests)
	}
	return Stats{
		TotalRequests: m.totalRequests,
		InFlight:      m.inFlight,
		PeakInFlight:  m.peakInFlight,
		ErrorCount:    m.errorCount,
		AvgLatencyMs:  m.avgLatencyMs,
		ErrorRate:     errRate,
	}
}
