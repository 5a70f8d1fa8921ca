// Package timelock provides authority time for the treasury engine:
// an injectable clock, the proposal expiry predicate, and the periodic
// expiry sweeper.
//
// The engine MUST NOT read wall-clock time directly; all expiry decisions
// go through an injected Clock so tests and replay are deterministic.
package timelock

import (
	"sync"
	"time"
)

// Clock provides the current time for expiry decisions.
type Clock interface {
	Now() time.Time
}

// WallClock is the default production clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

// ManualClock is a controllable clock for deterministic testing.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a manual clock pinned at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
