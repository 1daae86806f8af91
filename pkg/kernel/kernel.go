// Copyright 2023 The gVisor Authors.
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

// Package kernel ties the scheduler, the synchronization primitives and the
// compartment switcher into one kernel instance.
//
// The methods of Kernel are the services the scheduler compartment exports
// to the rest of the system. Compartment code reaches them through a shared
// *Kernel and passes its CallContext's thread as the blocker.
package kernel

import (
	"fmt"
	"math"

	"capcore.dev/capcore/pkg/errors/kernerr"
	"capcore.dev/capcore/pkg/futex"
	"capcore.dev/capcore/pkg/heap"
	"capcore.dev/capcore/pkg/ktime"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/multiwaiter"
	"capcore.dev/capcore/pkg/queue"
	"capcore.dev/capcore/pkg/sched"
	"capcore.dev/capcore/pkg/switcher"
	"capcore.dev/capcore/pkg/timeout"
	"golang.org/x/sync/errgroup"
)

// Config configures a Kernel.
type Config struct {
	// Clock drives timeouts. If nil, a real clock with the default tick is
	// used.
	Clock ktime.Clock

	// Threads is the maximum number of threads. Zero means unlimited.
	Threads int

	// TrustedStackFrames and StackSize size each thread.
	TrustedStackFrames int
	StackSize          uint64

	// HeapQuota is the quota of the allocator capability returned by
	// Heap.
	HeapQuota uint64

	// Interrupts is the number of external interrupt sources.
	Interrupts int

	// FaultLogger is passed to the switcher.
	FaultLogger log.Logger
}

// Kernel is one kernel instance.
type Kernel struct {
	clock      ktime.Clock
	sched      *sched.Scheduler
	futexes    *futex.Manager
	heap       *heap.Capability
	switcher   *switcher.Switcher
	interrupts []futex.Word
}

// New returns a kernel built from cfg.
func New(cfg Config) (*Kernel, error) {
	if cfg.Threads < 0 || cfg.Threads > math.MaxUint16 || cfg.Interrupts < 0 {
		return nil, fmt.Errorf("invalid kernel config: %d threads, %d interrupts", cfg.Threads, cfg.Interrupts)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ktime.NewRealClock(0)
	}
	s := sched.New(clock, cfg.Threads)
	k := &Kernel{
		clock:   clock,
		sched:   s,
		futexes: futex.NewManager(),
		heap:    heap.NewCapability(cfg.HeapQuota),
		switcher: switcher.New(s, switcher.Config{
			TrustedStackFrames: cfg.TrustedStackFrames,
			StackSize:          cfg.StackSize,
			FaultLogger:        cfg.FaultLogger,
		}),
		interrupts: make([]futex.Word, cfg.Interrupts),
	}
	log.Debugf("kernel: %d threads, heap %d bytes, %d interrupts", cfg.Threads, cfg.HeapQuota, cfg.Interrupts)
	return k, nil
}

// Scheduler returns the kernel's scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler {
	return k.sched
}

// Futexes returns the kernel's futex manager.
func (k *Kernel) Futexes() *futex.Manager {
	return k.futexes
}

// Heap returns the default allocator capability.
func (k *Kernel) Heap() *heap.Capability {
	return k.heap
}

// Switcher returns the kernel's compartment switcher.
func (k *Kernel) Switcher() *switcher.Switcher {
	return k.switcher
}

// SystemTick returns the number of ticks since the kernel started.
func (k *Kernel) SystemTick() ktime.Ticks {
	return k.sched.SystemTick()
}

// ThreadCount returns the number of live threads.
func (k *Kernel) ThreadCount() int {
	return k.sched.ThreadCount()
}

// FutexTimedWait waits while word holds expected. It returns nil if the
// word differed or the thread was woken, ETIMEDOUT if the timeout expired,
// EINTR if the thread was interrupted and EINVAL for a nil word or
// timeout.
func (k *Kernel) FutexTimedWait(b sched.Blocker, t *timeout.Timeout, word *futex.Word, expected uint32) error {
	_, err := k.futexes.Wait(b, word, expected, t)
	return err
}

// FutexWake wakes up to count waiters on word and returns the number woken.
func (k *Kernel) FutexWake(word *futex.Word, count uint32) (int, error) {
	n := int(count)
	if uint64(count) > uint64(futex.WakeAll) {
		n = futex.WakeAll
	}
	return k.futexes.Wake(word, n)
}

// QueueCreate creates a message queue charged to alloc. Creation never
// blocks, so t is only validated.
func (k *Kernel) QueueCreate(t *timeout.Timeout, alloc heap.Allocator, itemSize, capacity uint32) (*queue.Queue, error) {
	if t == nil {
		return nil, kernerr.EINVAL
	}
	return queue.New(k.futexes, alloc, itemSize, capacity)
}

// MultiwaiterCreate creates a multiwaiter charged to alloc.
func (k *Kernel) MultiwaiterCreate(t *timeout.Timeout, alloc heap.Allocator, capacity int) (*multiwaiter.MultiWaiter, error) {
	return multiwaiter.Create(t, k.futexes, alloc, capacity)
}

// InterruptFutex returns the futex word counting occurrences of interrupt
// n. Waiting on it with its current value blocks until the next one. It
// fails with EINVAL if there is no such source.
func (k *Kernel) InterruptFutex(n int) (*futex.Word, error) {
	if n < 0 || n >= len(k.interrupts) {
		return nil, kernerr.EINVAL
	}
	return &k.interrupts[n], nil
}

// RaiseInterrupt delivers external interrupt n: it increments the source's
// futex word and wakes everyone waiting on it. It returns the number of
// threads woken.
func (k *Kernel) RaiseInterrupt(n int) (int, error) {
	word, err := k.InterruptFutex(n)
	if err != nil {
		return 0, err
	}
	// Incrementing first means a thread that read the old value on its way
	// to waiting still sees this interrupt.
	word.Add(1)
	woken, err := k.futexes.Wake(word, futex.WakeAll)
	if woken > 0 {
		log.Debugf("interrupt %d woke %d threads", n, woken)
	}
	return woken, err
}

// ThreadInfo describes a thread to start at boot.
type ThreadInfo struct {
	Compartment *switcher.Compartment
	Entry       string
	Args        []uintptr
}

// ThreadResult is how a thread started by Boot ended.
type ThreadResult struct {
	ID uint16

	// Value is the entry point's return value.
	Value int

	// Err is sched.ErrThreadExited if the entry frame was unwound, or an
	// error from starting the thread.
	Err error
}

// Boot starts one thread per entry of threads and waits for all of them to
// return. It fails without starting any thread if the scheduler cannot hold
// them all.
func (k *Kernel) Boot(threads []ThreadInfo) ([]ThreadResult, error) {
	ths := make([]*sched.Thread, len(threads))
	for i := range threads {
		th, err := k.sched.NewThread()
		if err != nil {
			for _, started := range ths[:i] {
				started.Exit()
			}
			return nil, fmt.Errorf("creating thread %d of %d: %w", i+1, len(threads), err)
		}
		ths[i] = th
	}

	results := make([]ThreadResult, len(threads))
	var g errgroup.Group
	for i, info := range threads {
		th := ths[i]
		g.Go(func() error {
			rv, err := k.switcher.Run(th, info.Compartment, info.Entry, info.Args...)
			// Run only exits threads that it started.
			th.Exit()
			results[i] = ThreadResult{ID: th.ID(), Value: rv, Err: err}
			return nil
		})
	}
	g.Wait()
	return results, nil
}
