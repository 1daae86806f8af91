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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestManualClockOrdering(t *testing.T) {
	mc := NewManualClock()
	var fired []string
	var firedAt []Ticks
	record := func(name string) func() {
		return func() {
			fired = append(fired, name)
			firedAt = append(firedAt, mc.Now())
		}
	}
	mc.AfterFunc(5, record("c"))
	mc.AfterFunc(2, record("a"))
	mc.AfterFunc(5, record("d"))
	mc.AfterFunc(3, record("b"))
	stopped := mc.AfterFunc(4, record("stopped"))
	mc.AfterFunc(10, record("late"))

	if !stopped.Stop() {
		t.Errorf("Stop() of pending timer = false, want true")
	}
	if stopped.Stop() {
		t.Errorf("second Stop() = true, want false")
	}

	mc.Advance(5)
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, fired); diff != "" {
		t.Errorf("firing order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Ticks{2, 3, 5, 5}, firedAt); diff != "" {
		t.Errorf("firing time mismatch (-want +got):\n%s", diff)
	}
	if got := mc.Now(); got != 5 {
		t.Errorf("Now() = %d, want 5", got)
	}
	if got := mc.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
}

func TestManualClockTimerFromCallback(t *testing.T) {
	mc := NewManualClock()
	fired := false
	mc.AfterFunc(1, func() {
		mc.AfterFunc(1, func() { fired = true })
	})
	mc.Advance(2)
	if !fired {
		t.Errorf("timer scheduled from a callback did not fire")
	}
}

func TestRealClock(t *testing.T) {
	c := NewRealClock(time.Millisecond)
	done := make(chan struct{})
	c.AfterFunc(1, func() { close(done) })
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("timer did not fire")
	}
	if c.Now() < 1 {
		t.Errorf("Now() = %d after a tick elapsed", c.Now())
	}
	if got := NewRealClock(0).TickDuration(); got != DefaultTickDuration {
		t.Errorf("TickDuration() = %v, want %v", got, DefaultTickDuration)
	}
}
