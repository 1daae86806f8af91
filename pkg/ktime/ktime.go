// Copyright 2020 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ktime provides the tick clocks that drive timeouts.
//
// A tick is the unit in which every timeout is expressed. The real clock maps
// ticks onto wall-clock durations; the manual clock only advances when told
// to, which makes timeout behaviour deterministic in tests.
package ktime

import (
	"time"
)

// Ticks is a point in time or a duration measured in scheduler ticks.
type Ticks uint64

// Timer is a pending callback created by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or was already stopped.
	Stop() bool
}

// Clock is the source of time for the scheduler.
type Clock interface {
	// Now returns the number of ticks since the clock was created.
	Now() Ticks

	// AfterFunc calls f in its own goroutine once d ticks have elapsed.
	AfterFunc(d Ticks, f func()) Timer
}

// DefaultTickDuration is the tick length used when none is configured.
const DefaultTickDuration = time.Millisecond

// RealClock is a Clock backed by the host monotonic clock.
type RealClock struct {
	start time.Time
	tick  time.Duration
}

var _ Clock = (*RealClock)(nil)

// NewRealClock returns a clock whose ticks last tick. A non-positive tick
// selects DefaultTickDuration.
func NewRealClock(tick time.Duration) *RealClock {
	if tick <= 0 {
		tick = DefaultTickDuration
	}
	return &RealClock{start: time.Now(), tick: tick}
}

// TickDuration returns the length of one tick.
func (c *RealClock) TickDuration() time.Duration {
	return c.tick
}

// Now implements Clock.Now.
func (c *RealClock) Now() Ticks {
	return Ticks(time.Since(c.start) / c.tick)
}

// AfterFunc implements Clock.AfterFunc.
func (c *RealClock) AfterFunc(d Ticks, f func()) Timer {
	return time.AfterFunc(time.Duration(d)*c.tick, f)
}

// NullClock is a clock that never advances and never fires timers.
type NullClock struct{}

var _ Clock = NullClock{}

// Now implements Clock.Now.
func (NullClock) Now() Ticks {
	return 0
}

// AfterFunc implements Clock.AfterFunc.
func (NullClock) AfterFunc(Ticks, func()) Timer {
	return nullTimer{}
}

type nullTimer struct{}

func (nullTimer) Stop() bool { return true }
