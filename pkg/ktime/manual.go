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

package ktime

import (
	"sync"

	"github.com/google/btree"
)

// ManualClock is a Clock that only advances when Advance is called.
type ManualClock struct {
	// mu protects the fields below.
	mu sync.Mutex

	// now is the current time.
	now Ticks

	// seq orders timers that expire at the same tick by creation.
	seq uint64

	// timers holds pending timers ordered by expiry.
	timers *btree.BTreeG[*manualTimer]
}

type manualTimer struct {
	clock *ManualClock
	when  Ticks
	seq   uint64
	f     func()
}

func timerLess(a, b *manualTimer) bool {
	if a.when != b.when {
		return a.when < b.when
	}
	return a.seq < b.seq
}

// NewManualClock creates a new ManualClock at tick zero.
func NewManualClock() *ManualClock {
	return &ManualClock{
		timers: btree.NewG(8, timerLess),
	}
}

var _ Clock = (*ManualClock)(nil)

// Now implements Clock.Now.
func (mc *ManualClock) Now() Ticks {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.now
}

// AfterFunc implements Clock.AfterFunc.
func (mc *ManualClock) AfterFunc(d Ticks, f func()) Timer {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.seq++
	t := &manualTimer{
		clock: mc,
		when:  mc.now + d,
		seq:   mc.seq,
		f:     f,
	}
	mc.timers.ReplaceOrInsert(t)
	return t
}

// Pending returns the number of timers that have not yet fired.
func (mc *ManualClock) Pending() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.timers.Len()
}

// Advance moves the clock forward by d, running every timer that expires
// within that window in expiry order. Each callback runs synchronously with
// the clock set to its expiry time.
func (mc *ManualClock) Advance(d Ticks) {
	mc.mu.Lock()
	until := mc.now + d
	for {
		t, ok := mc.timers.Min()
		if !ok || t.when > until {
			break
		}
		mc.timers.Delete(t)
		mc.now = t.when
		mc.mu.Unlock()
		t.f()
		mc.mu.Lock()
	}
	mc.now = until
	mc.mu.Unlock()
}

// Stop implements Timer.Stop.
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	_, found := t.clock.timers.Delete(t)
	return found
}
