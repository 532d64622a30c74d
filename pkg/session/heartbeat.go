package session

import (
	"sync"
	"time"
)

// Heartbeat tracks traffic in both directions and decides when to send a keep-alive
// and when the peer should be considered gone.
type Heartbeat struct {
	mu           sync.Mutex
	idle         time.Duration
	dead         time.Duration
	lastSent     time.Time
	lastReceived time.Time
}

// NewHeartbeat returns a monitor whose clocks start at now.
func NewHeartbeat(idle, dead time.Duration, now time.Time) *Heartbeat {
	return &Heartbeat{idle: idle, dead: dead, lastSent: now, lastReceived: now}
}

// MarkSent records an outbound frame.
func (h *Heartbeat) MarkSent(at time.Time) {
	h.mu.Lock()
	if at.After(h.lastSent) {
		h.lastSent = at
	}
	h.mu.Unlock()
}

// MarkReceived records an inbound frame.
func (h *Heartbeat) MarkReceived(at time.Time) {
	h.mu.Lock()
	if at.After(h.lastReceived) {
		h.lastReceived = at
	}
	h.mu.Unlock()
}

// Reset restarts both clocks, used when a new connection is established.
func (h *Heartbeat) Reset(now time.Time) {
	h.mu.Lock()
	h.lastSent = now
	h.lastReceived = now
	h.mu.Unlock()
}

// Tick evaluates the monitor at now.
// send is true iff nothing was written for at least the idle interval;
// dead is true iff nothing was received for at least the dead interval.
func (h *Heartbeat) Tick(now time.Time) (send, dead bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	send = now.Sub(h.lastSent) >= h.idle
	dead = now.Sub(h.lastReceived) >= h.dead
	return send, dead
}

// LastSent reports the time of the most recent outbound frame.
func (h *Heartbeat) LastSent() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSent
}

// LastReceived reports the time of the most recent inbound frame.
func (h *Heartbeat) LastReceived() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReceived
}
