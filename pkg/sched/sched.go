// Copyright 2021 The gVisor Authors.
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

// Package sched provides the scheduler services that the synchronization
// primitives and the compartment switcher are built on: a thread arena,
// suspension with a timeout, interruption, and access to a preempted
// thread's saved register context.
//
// Thread selection policy is left to the Go runtime. A thread is a goroutine
// bound to a Thread; it suspends only inside Block.
package sched

import (
	goerrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"capcore.dev/capcore/pkg/errors/kernerr"
	"capcore.dev/capcore/pkg/ktime"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/timeout"
	"capcore.dev/capcore/pkg/tstack"
)

// ErrThreadExited is returned when a thread's entry frame has been unwound
// and the thread has terminated.
var ErrThreadExited = goerrors.New("thread exited")

// Blocker suspends the calling thread.
type Blocker interface {
	// Block waits until a value can be received from c, the timeout
	// expires, or the thread is interrupted. It returns nil,
	// kernerr.ETIMEDOUT or kernerr.ErrInterrupted respectively, and
	// charges the time spent to t. A nil channel never becomes ready.
	Block(c <-chan struct{}, t *timeout.Timeout) error
}

// Scheduler owns the threads of one kernel.
type Scheduler struct {
	clock ktime.Clock

	// mu protects threads.
	mu      sync.Mutex
	threads []*Thread

	// maxThreads bounds the arena; zero means unbounded.
	maxThreads int

	live atomic.Int32
}

// New returns a scheduler using clock. At most maxThreads threads may be
// created; zero lifts the limit.
func New(clock ktime.Clock, maxThreads int) *Scheduler {
	return &Scheduler{clock: clock, maxThreads: maxThreads}
}

// Clock returns the scheduler's tick source.
func (s *Scheduler) Clock() ktime.Clock {
	return s.clock
}

// SystemTick returns the number of ticks since the scheduler started.
func (s *Scheduler) SystemTick() ktime.Ticks {
	return s.clock.Now()
}

// NewThread allocates a thread. Thread IDs start at 1 and are never reused.
// It fails with ENOSPC once the arena is full.
func (s *Scheduler) NewThread() (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxThreads > 0 && len(s.threads) >= s.maxThreads {
		return nil, kernerr.ENOSPC
	}
	if len(s.threads) >= 1<<16-1 {
		return nil, kernerr.ENOSPC
	}
	t := &Thread{
		id:        uint16(len(s.threads) + 1),
		sched:     s,
		interrupt: make(chan struct{}, 1),
	}
	s.threads = append(s.threads, t)
	s.live.Add(1)
	return t, nil
}

// Thread returns the thread with the given ID, or nil.
func (s *Scheduler) Thread(id uint16) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == 0 || int(id) > len(s.threads) {
		return nil
	}
	return s.threads[id-1]
}

// ThreadCount returns the number of threads that have not exited.
func (s *Scheduler) ThreadCount() int {
	return int(s.live.Load())
}

// Thread is a schedulable thread of execution.
type Thread struct {
	id    uint16
	sched *Scheduler

	// interrupt is signalled by Interrupt to abort a Block in progress.
	interrupt chan struct{}

	// unwindPending is set by Interrupt and cleared by TakeUnwind.
	unwindPending atomic.Bool

	// blocked is set while the thread is suspended in Block.
	blocked atomic.Bool

	exited atomic.Bool

	// mu protects the fields below.
	mu sync.Mutex

	// stack is the thread's trusted stack. The thread owns it; the
	// scheduler only touches its saved context.
	stack *tstack.TrustedStack

	// preempted is set between Preempt and Resume.
	preempted bool
}

var _ Blocker = (*Thread)(nil)

// ID returns the thread's ID.
func (t *Thread) ID() uint16 {
	return t.id
}

// String implements fmt.Stringer.
func (t *Thread) String() string {
	return fmt.Sprintf("thread %d", t.id)
}

// Block implements Blocker.Block.
func (t *Thread) Block(c <-chan struct{}, to *timeout.Timeout) error {
	if to == nil {
		return kernerr.EINVAL
	}
	if t.unwindPending.Load() {
		return kernerr.ErrInterrupted
	}
	select {
	case <-c:
		return nil
	default:
	}
	if !to.MayBlock() {
		return kernerr.ETIMEDOUT
	}

	clock := t.sched.clock
	start := clock.Now()
	var (
		timer   ktime.Timer
		expired chan struct{}
	)
	if !to.IsUnlimited() {
		expired = make(chan struct{})
		timer = clock.AfterFunc(ktime.Ticks(to.Remaining), func() { close(expired) })
	}

	t.blocked.Store(true)
	var err error
	select {
	case <-c:
	case <-expired:
		err = kernerr.ETIMEDOUT
	case <-t.interrupt:
		err = kernerr.ErrInterrupted
	}
	t.blocked.Store(false)

	if timer != nil {
		timer.Stop()
	}
	to.Elapse(uint64(clock.Now() - start))
	if err == kernerr.ETIMEDOUT {
		// The tick count may lag the timer by a partial tick.
		to.Remaining = 0
	}
	if err != nil && log.IsLogging(log.Debug) {
		log.Debugf("%v: block ended: %v, timeout %v", t, err, to)
	}
	return err
}

// Sleep suspends the thread until the timeout expires. A zero timeout
// yields. It fails with EINTR if the thread is interrupted.
func (t *Thread) Sleep(to *timeout.Timeout) error {
	switch err := t.Block(nil, to); err {
	case nil, kernerr.ETIMEDOUT:
		return nil
	case kernerr.ErrInterrupted:
		return kernerr.EINTR
	default:
		return err
	}
}

// Blocked returns true iff the thread is suspended in Block.
func (t *Thread) Blocked() bool {
	return t.blocked.Load()
}

// Interrupt requests a forced unwind of the thread's current compartment
// invocation. A Block in progress returns kernerr.ErrInterrupted, as does
// every Block until the request is taken with TakeUnwind.
func (t *Thread) Interrupt() {
	t.unwindPending.Store(true)
	select {
	case t.interrupt <- struct{}{}:
	default:
	}
}

// TakeUnwind returns true, and clears the request, if Interrupt was called
// since the last TakeUnwind.
func (t *Thread) TakeUnwind() bool {
	if !t.unwindPending.Swap(false) {
		return false
	}
	select {
	case <-t.interrupt:
	default:
	}
	return true
}

// AttachTrustedStack binds the thread's trusted stack.
func (t *Thread) AttachTrustedStack(ts *tstack.TrustedStack) {
	if ts.ThreadID() != t.id {
		panic(fmt.Sprintf("trusted stack of thread %d attached to %v", ts.ThreadID(), t))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stack = ts
}

// TrustedStack returns the thread's trusted stack, or nil before
// AttachTrustedStack.
func (t *Thread) TrustedStack() *tstack.TrustedStack {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stack
}

// Preempt saves ctx as the thread's register context. The frame stack is
// untouched. It fails with EINVAL if the thread has no trusted stack and
// with EBUSY if it is already preempted.
func (t *Thread) Preempt(ctx tstack.SavedContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stack == nil {
		return kernerr.EINVAL
	}
	if t.preempted {
		return kernerr.EBUSY
	}
	t.stack.Context = ctx
	t.preempted = true
	return nil
}

// Resume returns the context saved by Preempt. It fails with EINVAL if the
// thread is not preempted.
func (t *Thread) Resume() (tstack.SavedContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.preempted {
		return tstack.SavedContext{}, kernerr.EINVAL
	}
	t.preempted = false
	return t.stack.Context, nil
}

// Exit marks the thread as terminated. It is idempotent.
func (t *Thread) Exit() {
	if t.exited.Swap(true) {
		return
	}
	t.sched.live.Add(-1)
	log.Debugf("%v: exited", t)
}

// Exited returns true once Exit has been called.
func (t *Thread) Exited() bool {
	return t.exited.Load()
}
