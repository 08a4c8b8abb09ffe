// Package stats tracks connection-layer statistics with lock-free
// atomics. Snapshots are recomputed on every read and are not required to
// be cross-counter consistent.
package stats

import (
	"sync/atomic"
	"time"
)

// Tracker accumulates connection and message counters. Shared by the TCP
// acceptor, UDP endpoint, and the admin /stats handler.
type Tracker struct {
	activeSessions   atomic.Int64
	udpActive        atomic.Bool
	messagesReceived atomic.Int64
	startTime        time.Time

	now func() time.Time
}

// Snapshot is a point-in-time statistics value.
type Snapshot struct {
	ActiveTCPSessions int64   `json:"activeTcpSessions"`
	UDPActive         bool    `json:"udpActive"`
	MessagesReceived  int64   `json:"messagesReceived"`
	MessagesPerSecond float64 `json:"messagesPerSecond"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
}

// NewTracker creates a tracker; uptime counts from this call.
func NewTracker() *Tracker {
	return NewTrackerWithClock(time.Now)
}

// NewTrackerWithClock creates a tracker with a custom time source.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	return &Tracker{
		startTime: now(),
		now:       now,
	}
}

// SessionRegistered records a new TCP session.
func (t *Tracker) SessionRegistered() {
	t.activeSessions.Add(1)
}

// SessionUnregistered records a TCP session teardown.
func (t *Tracker) SessionUnregistered() {
	t.activeSessions.Add(-1)
}

// ActiveSessions returns the current TCP session count.
func (t *Tracker) ActiveSessions() int64 {
	return t.activeSessions.Load()
}

// SetUDPActive flags the UDP endpoint's receiver state.
func (t *Tracker) SetUDPActive(active bool) {
	t.udpActive.Store(active)
}

// MessageReceived records one received frame from any transport.
func (t *Tracker) MessageReceived() {
	t.messagesReceived.Add(1)
}

// Snapshot computes the current statistics. Each counter is read
// separately; the snapshot is never cached.
func (t *Tracker) Snapshot() Snapshot {
	received := t.messagesReceived.Load()
	uptime := t.now().Sub(t.startTime).Seconds()

	var perSecond float64
	if uptime > 0 {
		perSecond = float64(received) / uptime
	}

	return Snapshot{
		ActiveTCPSessions: t.activeSessions.Load(),
		UDPActive:         t.udpActive.Load(),
		MessagesReceived:  received,
		MessagesPerSecond: perSecond,
		UptimeSeconds:     uptime,
	}
}
