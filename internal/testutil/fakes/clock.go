// Package fakes provides deterministic doubles for session tests.
package fakes

import (
	"sync"
	"time"
)

// Clock provides deterministic time control for unit tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock constructs a fake clock initialized to start.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake time forward by delta.
func (c *Clock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

// Set jumps the fake time to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
