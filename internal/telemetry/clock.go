// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package telemetry

import (
	"sync"
	"time"
)

// Clock is the time source for timestamps and staleness.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock (with its monotonic reading).
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Monotonic produces the millisecond counter carried in frames,
// counted from the moment it was created.
type Monotonic struct {
	clock Clock
	start time.Time
}

func NewMonotonic(clock Clock) *Monotonic {
	return &Monotonic{clock: clock, start: clock.Now()}
}

// Millis wraps after about 49 days.
func (m *Monotonic) Millis() uint32 {
	return uint32(m.clock.Now().Sub(m.start) / time.Millisecond)
}

// Clock returns the underlying time source.
func (m *Monotonic) Clock() Clock { return m.clock }

// ManualClock only moves when told to. Used by tests and simulations.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
