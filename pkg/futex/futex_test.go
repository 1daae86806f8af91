// Copyright 2018 The gVisor Authors.
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

package futex

import (
	"testing"
	"time"

	"capcore.dev/capcore/pkg/errors/kernerr"
	"capcore.dev/capcore/pkg/ktime"
	"capcore.dev/capcore/pkg/sched"
	"capcore.dev/capcore/pkg/sched/schedtest"
	"capcore.dev/capcore/pkg/timeout"
	"golang.org/x/sync/errgroup"
)

func newPreparedTestWaiter(t *testing.T, m *Manager, word *Word, val uint32) *Waiter {
	w := NewWaiter()
	if err := m.WaitPrepare(w, word, val); err != nil {
		t.Fatalf("WaitPrepare failed: %v", err)
	}
	return w
}

// noBlock is a Blocker that fails the test if it is ever asked to suspend.
type noBlock struct {
	t *testing.T
}

func (n noBlock) Block(<-chan struct{}, *timeout.Timeout) error {
	n.t.Errorf("Block called")
	return nil
}

func newThreads(t *testing.T, clock ktime.Clock, n int) []*sched.Thread {
	t.Helper()
	s := sched.New(clock, 0)
	ts := make([]*sched.Thread, n)
	for i := range ts {
		th, err := s.NewThread()
		if err != nil {
			t.Fatalf("NewThread: %v", err)
		}
		ts[i] = th
	}
	return ts
}

func TestFutexWake(t *testing.T) {
	m := NewManager()
	word := NewWord(0)

	// Start waiting for wakeup.
	w := newPreparedTestWaiter(t, m, word, 0)
	defer m.WaitComplete(w)

	// Perform a wakeup.
	if n, err := m.Wake(word, 1); err != nil || n != 1 {
		t.Errorf("Wake: got (%d, %v), wanted (1, nil)", n, err)
	}

	// Expect the waiter to have been woken.
	if !w.Woken() || len(w.C) != 1 {
		t.Error("waiter not woken")
	}
	if n := m.Waiters(word); n != 0 {
		t.Errorf("%d waiters left queued", n)
	}
}

func TestFutexWakeTwo(t *testing.T) {
	m := NewManager()
	word := NewWord(0)

	// Start three waiters waiting for wakeup.
	var ws [3]*Waiter
	for i := range ws {
		ws[i] = newPreparedTestWaiter(t, m, word, 0)
		defer m.WaitComplete(ws[i])
	}

	// Perform two wakeups.
	const wakeups = 2
	if n, err := m.Wake(word, 2); err != nil || n != wakeups {
		t.Errorf("Wake: got (%d, %v), wanted (%d, nil)", n, err, wakeups)
	}

	// Expect that the two oldest waiters were woken.
	if !ws[0].Woken() || !ws[1].Woken() || ws[2].Woken() {
		t.Errorf("woken = %t %t %t, want true true false", ws[0].Woken(), ws[1].Woken(), ws[2].Woken())
	}
}

func TestFutexWakeUnrelated(t *testing.T) {
	m := NewManager()
	w1Word := NewWord(0)
	w2Word := NewWord(0)

	// Start two waiters waiting for wakeup on different addresses.
	w1 := newPreparedTestWaiter(t, m, w1Word, 0)
	defer m.WaitComplete(w1)
	w2 := newPreparedTestWaiter(t, m, w2Word, 0)
	defer m.WaitComplete(w2)

	// Perform two wakeups on the second address.
	if n, err := m.Wake(w2Word, 2); err != nil || n != 1 {
		t.Errorf("Wake: got (%d, %v), wanted (1, nil)", n, err)
	}

	// Expect that only the second waiter was woken.
	if w1.Woken() {
		t.Error("w1 woken unexpectedly")
	}
	if !w2.Woken() {
		t.Error("w2 not woken")
	}
}

func TestWaitPrepareValueDiffers(t *testing.T) {
	m := NewManager()
	word := NewWord(1)
	w := NewWaiter()
	if err := m.WaitPrepare(w, word, 0); err != kernerr.EAGAIN {
		t.Errorf("WaitPrepare = %v, want EAGAIN", err)
	}
	if n := m.Waiters(word); n != 0 {
		t.Errorf("%d waiters queued after failed prepare", n)
	}
	// WaitComplete on an unqueued waiter is a no-op.
	m.WaitComplete(w)
}

func TestWaitValueDifferedNeverBlocks(t *testing.T) {
	m := NewManager()
	word := NewWord(5)
	res, err := m.Wait(noBlock{t}, word, 4, timeout.UnlimitedTimeout())
	if res != ValueDiffered || err != nil {
		t.Errorf("Wait = %v, %v; want ValueDiffered, nil", res, err)
	}
}

func TestWaitInvalid(t *testing.T) {
	m := NewManager()
	if _, err := m.Wait(noBlock{t}, nil, 0, timeout.New(1)); err != kernerr.EINVAL {
		t.Errorf("Wait(nil word) = %v, want EINVAL", err)
	}
	if _, err := m.Wait(noBlock{t}, NewWord(0), 0, nil); err != kernerr.EINVAL {
		t.Errorf("Wait(nil timeout) = %v, want EINVAL", err)
	}
	if _, err := m.Wake(nil, 1); err != kernerr.EINVAL {
		t.Errorf("Wake(nil) = %v, want EINVAL", err)
	}
}

func TestWaitZeroTimeout(t *testing.T) {
	m := NewManager()
	th := newThreads(t, ktime.NewManualClock(), 1)[0]
	word := NewWord(0)
	res, err := m.Wait(th, word, 0, &timeout.Timeout{})
	if res != TimedOut || err != kernerr.ETIMEDOUT {
		t.Errorf("Wait = %v, %v; want TimedOut, ETIMEDOUT", res, err)
	}
	if n := m.Waiters(word); n != 0 {
		t.Errorf("%d waiters left queued", n)
	}
}

func TestWaitTimeout(t *testing.T) {
	m := NewManager()
	clock := ktime.NewManualClock()
	th := newThreads(t, clock, 1)[0]
	word := NewWord(0)
	to := timeout.New(20)

	var g errgroup.Group
	var res WaitResult
	var err error
	g.Go(func() error {
		res, err = m.Wait(th, word, 0, to)
		return nil
	})
	if err := schedtest.WaitBlocked(th); err != nil {
		t.Fatal(err)
	}
	clock.Advance(20)
	g.Wait()

	if res != TimedOut || err != kernerr.ETIMEDOUT {
		t.Errorf("Wait = %v, %v; want TimedOut, ETIMEDOUT", res, err)
	}
	if to.Remaining != 0 || to.Elapsed != 20 {
		t.Errorf("timeout = %v", to)
	}
	if n := m.Waiters(word); n != 0 {
		t.Errorf("%d waiters left queued", n)
	}
}

func TestWaitInterrupted(t *testing.T) {
	m := NewManager()
	th := newThreads(t, ktime.NewManualClock(), 1)[0]
	word := NewWord(0)

	var g errgroup.Group
	var res WaitResult
	var err error
	g.Go(func() error {
		res, err = m.Wait(th, word, 0, timeout.UnlimitedTimeout())
		return nil
	})
	if err := schedtest.WaitBlocked(th); err != nil {
		t.Fatal(err)
	}
	th.Interrupt()
	g.Wait()

	if res != Interrupted || !kernerr.Equals(kernerr.EINTR, err) {
		t.Errorf("Wait = %v, %v; want Interrupted, EINTR", res, err)
	}
	if n := m.Waiters(word); n != 0 {
		t.Errorf("%d waiters left queued after interrupt", n)
	}
	if n, _ := m.Wake(word, WakeAll); n != 0 {
		t.Errorf("Wake after interrupt woke %d", n)
	}
}

func TestWakeFIFO(t *testing.T) {
	m := NewManager()
	ths := newThreads(t, ktime.NewManualClock(), 2)
	word := NewWord(0)

	done := make(chan int, 2)
	var g errgroup.Group
	for i, th := range ths {
		i, th := i, th
		g.Go(func() error {
			if res, err := m.Wait(th, word, 0, timeout.UnlimitedTimeout()); res != Woken || err != nil {
				t.Errorf("thread %d: Wait = %v, %v", i, res, err)
			}
			done <- i
			return nil
		})
		// Registration order is the order in which threads block.
		if err := schedtest.WaitBlocked(th); err != nil {
			t.Fatal(err)
		}
	}

	for want := 0; want < 2; want++ {
		if n, err := m.Wake(word, 1); n != 1 || err != nil {
			t.Fatalf("Wake = %d, %v; want 1, nil", n, err)
		}
		if got := <-done; got != want {
			t.Errorf("woke thread %d, want %d", got, want)
		}
	}
	g.Wait()
}

func TestWaiterGroupClaimsOnce(t *testing.T) {
	m := NewManager()
	words := []*Word{NewWord(0), NewWord(0), NewWord(0)}
	g := NewWaiterGroup(len(words))
	for i, w := range words {
		if err := m.WaitPrepare(g.Waiter(i), w, 0); err != nil {
			t.Fatalf("WaitPrepare %d: %v", i, err)
		}
	}

	if n, _ := m.Wake(words[1], WakeAll); n != 1 {
		t.Errorf("first wake counted %d, want 1", n)
	}
	if !g.Woken() || len(g.C) != 1 {
		t.Errorf("group not woken")
	}
	// Another member is dequeued but not counted a second time.
	if n, _ := m.Wake(words[2], WakeAll); n != 0 {
		t.Errorf("second wake counted %d, want 0", n)
	}
	if n := m.Waiters(words[2]); n != 0 {
		t.Errorf("claimed member still queued")
	}
	if len(g.C) != 1 {
		t.Errorf("group channel holds %d tokens, want 1", len(g.C))
	}

	for i := 0; i < g.Len(); i++ {
		m.WaitComplete(g.Waiter(i))
	}
	if n := m.Waiters(words[0]); n != 0 {
		t.Errorf("member 0 still queued after WaitComplete")
	}
	g.Reset()
	if g.Woken() || len(g.C) != 0 {
		t.Errorf("Reset left group woken")
	}
}

// TestNoMissedWakeup ping-pongs a word between two threads. A lost wakeup
// leaves one side blocked forever and the test times out.
func TestNoMissedWakeup(t *testing.T) {
	const rounds = 2000
	m := NewManager()
	ths := newThreads(t, ktime.NewRealClock(time.Millisecond), 2)
	word := NewWord(0)

	var g errgroup.Group
	for i, th := range ths {
		parity := uint32(i)
		th := th
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				for {
					v := word.Load()
					if v%2 == parity {
						break
					}
					if _, err := m.Wait(th, word, v, timeout.UnlimitedTimeout()); err != nil {
						return err
					}
				}
				word.Add(1)
				if _, err := m.Wake(word, WakeAll); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("ping-pong failed: %v", err)
	}
	if got := word.Load(); got != 2*rounds {
		t.Errorf("word = %d, want %d", got, 2*rounds)
	}
}

func TestWaitResultString(t *testing.T) {
	if got := Interrupted.String(); got != "interrupted" {
		t.Errorf("Interrupted.String() = %q", got)
	}
	if got := WaitResult(42).String(); got != "unknown" {
		t.Errorf("WaitResult(42).String() = %q", got)
	}
}
