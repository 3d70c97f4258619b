// Package testutil provides deterministic doubles for the engine's moving
// parts: a fixed-step clock, a scripted write coordinator, and a cipher that
// fails on cue. Tests wire these in so event traces and migration results are
// byte-identical across runs.
package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a fixed-step time source for tests.
//
// Each call to Now() returns the epoch advanced by one more step, so
// timestamps are strictly increasing but fully reproducible. The same test
// scenario produces identical timestamps on every run.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	epoch time.Time
	step  time.Duration
	ticks int64
}

// NewDeterministicClock creates a clock starting at epoch, advancing by step
// on every Now() call. A zero epoch defaults to 2026-01-01T00:00:00Z; a zero
// step defaults to one second.
func NewDeterministicClock(epoch time.Time, step time.Duration) *DeterministicClock {
	if epoch.IsZero() {
		epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if step == 0 {
		step = time.Second
	}
	return &DeterministicClock{epoch: epoch, step: step}
}

// Now returns the next timestamp and advances the clock.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
	return c.epoch.Add(time.Duration(c.ticks) * c.step)
}

// Current returns the last timestamp handed out without advancing.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch.Add(time.Duration(c.ticks) * c.step)
}

// Reset rewinds the clock to its epoch for test reuse.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
