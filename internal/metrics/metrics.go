// Package metrics provides lightweight, lock-free counters and gauges
// for tracking the relay sessions of a single tunnel.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one tunnel.
// A nil Collector is safe to use: all methods become no-ops.
type Collector struct {
	sessionsActive    atomic.Int64
	sessionsTotal     atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	connectFailures   atomic.Int64
	handshakeFailures atomic.Int64
	heartbeats        atomic.Int64
	errorsTotal       atomic.Int64

	mu            sync.RWMutex
	startTime     time.Time
	lastHeartbeat time.Time
	lastError     time.Time
	lastErrorMsg  string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ActiveSessions returns the current number of relay sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n payload bytes relayed from the remote endpoint.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n payload bytes relayed to the remote endpoint.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Protocol metrics ─────────────────────────────────────────────────

// ConnectFailed records a session whose WebSocket never opened: a bad
// server URL, an unreachable server, or a refused upgrade.
func (c *Collector) ConnectFailed() {
	if c == nil {
		return
	}
	c.connectFailures.Add(1)
}

// ConnectFailures returns the total connect failure count.
func (c *Collector) ConnectFailures() int64 {
	if c == nil {
		return 0
	}
	return c.connectFailures.Load()
}

// HandshakeFailed records a session whose WebSocket opened but did not
// deliver the ready message.
func (c *Collector) HandshakeFailed() {
	if c == nil {
		return
	}
	c.handshakeFailures.Add(1)
}

// HandshakeFailures returns the total handshake failure count.
func (c *Collector) HandshakeFailures() int64 {
	if c == nil {
		return 0
	}
	return c.handshakeFailures.Load()
}

// RecordHeartbeat records a pong received from the remote endpoint.
func (c *Collector) RecordHeartbeat() {
	if c == nil {
		return
	}
	c.heartbeats.Add(1)
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// Heartbeats returns the number of pongs received.
func (c *Collector) Heartbeats() int64 {
	if c == nil {
		return 0
	}
	return c.heartbeats.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	SessionsActive    int64  `json:"sessions_active"`
	SessionsTotal     int64  `json:"sessions_total"`
	BytesIn           int64  `json:"bytes_in"`
	BytesOut          int64  `json:"bytes_out"`
	ConnectFailures   int64  `json:"connect_failures"`
	HandshakeFailures int64  `json:"handshake_failures"`
	Heartbeats        int64  `json:"heartbeats"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastHeartbeat     string `json:"last_heartbeat,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:    c.sessionsActive.Load(),
		SessionsTotal:     c.sessionsTotal.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		ConnectFailures:   c.connectFailures.Load(),
		HandshakeFailures: c.handshakeFailures.Load(),
		Heartbeats:        c.heartbeats.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if !c.lastHeartbeat.IsZero() {
		s.LastHeartbeat = c.lastHeartbeat.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (s Snapshot) JSON() string {
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

// JSON is shorthand for c.Snapshot().JSON().
func (c *Collector) JSON() string { return c.Snapshot().JSON() }
