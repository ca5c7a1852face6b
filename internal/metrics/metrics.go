// Package metrics tracks request counters for the lifetime of a server.
package metrics

import (
	"fmt"
	"time"
)

// ServeMetrics tracks what the server did between start and shutdown.
// It is only touched from the accept loop, so it carries no locking.
type ServeMetrics struct {
	// Timing
	StartTime time.Time
	EndTime   time.Time

	// Counters
	Connections int
	Requests    int
	GetRequests int
	Malformed   int
	Success     int // 2xx and 3xx
	ClientError int // 4xx
	ServerError int // 5xx
	BytesSent   int64
}

// NewServeMetrics creates a new metrics instance.
func NewServeMetrics() *ServeMetrics {
	return &ServeMetrics{
		StartTime: time.Now(),
	}
}

// RecordStart marks the moment the listener was bound.
func (m *ServeMetrics) RecordStart() {
	m.StartTime = time.Now()
}

// RecordEnd marks the moment the listener was released.
func (m *ServeMetrics) RecordEnd() {
	m.EndTime = time.Now()
}

// Uptime returns how long the server has been (or was) listening.
func (m *ServeMetrics) Uptime() time.Duration {
	if m.EndTime.IsZero() {
		return time.Since(m.StartTime)
	}
	return m.EndTime.Sub(m.StartTime)
}

// IncrementConnections counts an accepted connection.
func (m *ServeMetrics) IncrementConnections() {
	m.Connections++
}

// IncrementMalformed counts a request that could not be parsed.
func (m *ServeMetrics) IncrementMalformed() {
	m.Malformed++
}

// RecordResponse counts a completed response.
func (m *ServeMetrics) RecordResponse(method string, status int, bytes int64) {
	m.Requests++
	if method == "GET" {
		m.GetRequests++
	}
	switch {
	case status >= 500:
		m.ServerError++
	case status >= 400:
		m.ClientError++
	default:
		m.Success++
	}
	m.BytesSent += bytes
}

// ErrorRate returns the percentage of responses with a 4xx or 5xx status.
func (m *ServeMetrics) ErrorRate() float64 {
	if m.Requests == 0 {
		return 0
	}
	return float64(m.ClientError+m.ServerError) / float64(m.Requests) * 100
}

// String returns a single-line summary.
func (m *ServeMetrics) String() string {
	return fmt.Sprintf("Served %d requests (%d GET) over %d connections in %v, %d bytes sent, %d client errors, %d server errors, %d malformed",
		m.Requests,
		m.GetRequests,
		m.Connections,
		m.Uptime().Round(time.Millisecond),
		m.BytesSent,
		m.ClientError,
		m.ServerError,
		m.Malformed,
	)
}
