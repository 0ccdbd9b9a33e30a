package testutil

import (
	"sync"
	"time"
)

// Epoch is the default starting instant for ManualClock.
var Epoch = time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

// ManualClock is a steppable wall clock for tests.
//
// Every call to Now returns the current instant and then advances it by
// the configured step, so consecutive timestamps are distinct and ordered.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewManualClock creates a clock at Epoch stepping one millisecond per read.
func NewManualClock() *ManualClock {
	return &ManualClock{now: Epoch, step: time.Millisecond}
}

// NewManualClockAt creates a clock at start with the given step.
// A zero step freezes the clock until Advance or Set is called.
func NewManualClockAt(start time.Time, step time.Duration) *ManualClock {
	return &ManualClock{now: start.UTC(), step: step}
}

// Now returns the current instant and steps the clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the current instant without stepping.
func (c *ManualClock) Peek() time.Time {
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

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Reset returns the clock to Epoch.
func (c *ManualClock) Reset() {
	c.Set(Epoch)
}
