// Copyright 2022 The gVisor Authors.
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

// Package multiwaiter lets a thread block until the first of several event
// sources becomes ready.
//
// Every source is backed by a futex word: a plain word for futex events, and
// the item count for queue events. A blocked Wait registers one member of a
// futex.WaiterGroup on each source's word, so a wake of any one of them
// resumes the thread exactly once.
package multiwaiter

import (
	"fmt"
	"math"
	"sync/atomic"

	"capcore.dev/capcore/pkg/errors/kernerr"
	"capcore.dev/capcore/pkg/futex"
	"capcore.dev/capcore/pkg/heap"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
	"capcore.dev/capcore/pkg/queue"
	"capcore.dev/capcore/pkg/sched"
	"capcore.dev/capcore/pkg/timeout"
)

// NotObserved is the Result of an event that has not fired.
const NotObserved = math.MaxUint32

const (
	// headerSize and eventSize are charged to the allocator by Create.
	headerSize = 16
	eventSize  = 16
)

var waitMetric = metric.MustCreateNewUint64Metric("/multiwaiter/waits", "Number of multiwaiter waits by outcome.",
	metric.NewField("result", "ready", "woken", "timed_out", "interrupted", "failed"))

// Kind is the type of an event source.
type Kind uint8

// Event kinds.
const (
	// KindFutex fires when a futex word no longer holds an expected value.
	KindFutex Kind = iota + 1

	// KindQueueSend fires when a queue has room for at least one item.
	KindQueueSend

	// KindQueueReceive fires when a queue holds at least one item.
	KindQueueReceive
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindFutex:
		return "futex"
	case KindQueueSend:
		return "queue-send"
	case KindQueueReceive:
		return "queue-receive"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event describes one source. Only the fields for its Kind are used.
type Event struct {
	Kind Kind

	// Word and Expected describe a KindFutex event.
	Word     *futex.Word
	Expected uint32

	// Queue is the source of a queue event.
	Queue *queue.Queue

	// Result is filled in when the event fires: the value observed in the
	// word for a futex event, the number of free slots for a send event
	// and the number of queued items for a receive event. It is left
	// unchanged for events that do not fire.
	Result uint32

	fired bool
}

// FutexEvent returns an event that fires when word does not hold expected.
func FutexEvent(word *futex.Word, expected uint32) Event {
	return Event{Kind: KindFutex, Word: word, Expected: expected, Result: NotObserved}
}

// QueueSendEvent returns an event that fires when q can accept an item.
func QueueSendEvent(q *queue.Queue) Event {
	return Event{Kind: KindQueueSend, Queue: q, Result: NotObserved}
}

// QueueReceiveEvent returns an event that fires when q holds an item.
func QueueReceiveEvent(q *queue.Queue) Event {
	return Event{Kind: KindQueueReceive, Queue: q, Result: NotObserved}
}

// Fired returns true if the last Wait found the event ready.
func (e *Event) Fired() bool {
	return e.fired
}

// Reset clears the outcome of a previous Wait.
func (e *Event) Reset() {
	e.Result = NotObserved
	e.fired = false
}

func (e *Event) validate() error {
	switch e.Kind {
	case KindFutex:
		if e.Word == nil {
			return kernerr.EINVAL
		}
	case KindQueueSend, KindQueueReceive:
		if e.Queue == nil {
			return kernerr.EINVAL
		}
	default:
		return kernerr.EINVAL
	}
	return nil
}

// poll checks whether e is ready and records the result if so. For an event
// that is not ready, it returns the word and value to wait on.
func (e *Event) poll() (word *futex.Word, val uint32, err error) {
	var n uint32
	switch e.Kind {
	case KindFutex:
		if n = e.Word.Load(); n == e.Expected {
			return e.Word, n, nil
		}
	case KindQueueSend:
		if n, err = e.Queue.ReadyToSend(); err != nil {
			return nil, 0, err
		}
		if n == 0 {
			return e.Queue.CountWord(), e.Queue.Capacity(), nil
		}
	case KindQueueReceive:
		if n, err = e.Queue.ReadyToReceive(); err != nil {
			return nil, 0, err
		}
		if n == 0 {
			return e.Queue.CountWord(), 0, nil
		}
	default:
		panic(fmt.Sprintf("unknown event kind %v", e.Kind))
	}
	e.Result = n
	e.fired = true
	return nil, 0, nil
}

// MultiWaiter holds the registrations for one blocked Wait at a time.
type MultiWaiter struct {
	futexes  *futex.Manager
	capacity int
	block    *heap.Allocation

	// busy is set while a thread is inside Wait, or once Delete has begun.
	busy atomic.Bool

	// The fields below are owned by whoever set busy.
	deleted bool
	group   *futex.WaiterGroup
	watch   []watch
}

// watch is the word and value a not-ready event waits on.
type watch struct {
	word *futex.Word
	val  uint32
}

// Create returns a multiwaiter that can wait on up to capacity events, with
// its bookkeeping charged to alloc. It fails with EINVAL for a zero capacity
// or nil timeout and with ENOMEM if alloc cannot cover it. Creation never
// blocks, so t is only validated.
func Create(t *timeout.Timeout, futexes *futex.Manager, alloc heap.Allocator, capacity int) (*MultiWaiter, error) {
	if t == nil || capacity <= 0 || capacity > math.MaxUint16 {
		return nil, kernerr.EINVAL
	}
	block, err := alloc.Allocate(headerSize + uint64(capacity)*eventSize)
	if err != nil {
		return nil, err
	}
	return &MultiWaiter{
		futexes:  futexes,
		capacity: capacity,
		block:    block,
		group:    futex.NewWaiterGroup(capacity),
		watch:    make([]watch, capacity),
	}, nil
}

// Capacity returns the maximum number of events per Wait.
func (mw *MultiWaiter) Capacity() int {
	return mw.capacity
}

// Wait blocks until at least one of events is ready, then returns with the
// Result of every ready event filled in. Events are scanned in order and
// keep their index. Outcomes of an earlier Wait on the same events are
// cleared first, so an event that is not ready reports NotObserved.
//
// All arguments are checked before anything else happens: a nil timeout, a
// nil source, an unknown kind or more events than Capacity fail with EINVAL.
// Wait fails with EBUSY if another thread is inside Wait on mw, with
// ETIMEDOUT if no event became ready in time and with EINTR if the thread is
// interrupted. Registrations never outlive the call.
func (mw *MultiWaiter) Wait(b sched.Blocker, t *timeout.Timeout, events []Event) error {
	res, err := mw.wait(b, t, events)
	waitMetric.Increment(res)
	return err
}

func (mw *MultiWaiter) wait(b sched.Blocker, t *timeout.Timeout, events []Event) (string, error) {
	if t == nil || len(events) > mw.capacity {
		return "failed", kernerr.EINVAL
	}
	for i := range events {
		if err := events[i].validate(); err != nil {
			return "failed", err
		}
	}
	if !mw.busy.CompareAndSwap(false, true) {
		return "failed", kernerr.EBUSY
	}
	defer mw.busy.Store(false)
	if mw.deleted {
		return "failed", kernerr.EINVAL
	}
	for i := range events {
		events[i].Reset()
	}

	res := "ready"
	for {
		ready, err := mw.scan(events)
		if err != nil {
			return "failed", err
		}
		if ready {
			return res, nil
		}
		if !t.MayBlock() {
			return "timed_out", kernerr.ETIMEDOUT
		}
		if !mw.register(len(events)) {
			continue
		}

		err = b.Block(mw.group.C, t)
		mw.unregister(len(events))
		woken := mw.group.Woken()
		mw.group.Reset()

		switch {
		case woken || err == nil:
			res = "woken"
		case err == kernerr.ErrInterrupted:
			return "interrupted", kernerr.EINTR
		case err != kernerr.ETIMEDOUT:
			return "failed", err
		}
		// A timeout still rescans, since events that are ready win.
		if log.IsLogging(log.Debug) {
			log.Debugf("multiwaiter resumed: %v, timeout %v", err, t)
		}
	}
}

// scan polls every event in order, recording where each unready one waits.
func (mw *MultiWaiter) scan(events []Event) (ready bool, err error) {
	for i := range events {
		word, val, err := events[i].poll()
		if err != nil {
			return false, err
		}
		if word == nil {
			ready = true
			continue
		}
		mw.watch[i] = watch{word: word, val: val}
	}
	return ready, nil
}

// register queues a group member on every watched word. If any word has
// already changed it removes every registration made so far and returns
// false.
func (mw *MultiWaiter) register(n int) bool {
	for i := 0; i < n; i++ {
		w := mw.watch[i]
		if err := mw.futexes.WaitPrepare(mw.group.Waiter(i), w.word, w.val); err != nil {
			mw.unregister(i)
			mw.group.Reset()
			return false
		}
	}
	return true
}

// unregister removes the first n registrations.
func (mw *MultiWaiter) unregister(n int) {
	for i := 0; i < n; i++ {
		mw.futexes.WaitComplete(mw.group.Waiter(i))
	}
}

// Delete releases mw's bookkeeping to alloc. It fails with EBUSY while a
// thread is inside Wait and with EINVAL if mw was already deleted.
func (mw *MultiWaiter) Delete(alloc heap.Allocator) error {
	if !mw.busy.CompareAndSwap(false, true) {
		return kernerr.EBUSY
	}
	defer mw.busy.Store(false)
	if mw.deleted {
		return kernerr.EINVAL
	}
	if err := alloc.Free(mw.block); err != nil {
		return err
	}
	mw.deleted = true
	mw.block = nil
	return nil
}

// String implements fmt.Stringer.
func (mw *MultiWaiter) String() string {
	return fmt.Sprintf("multiwaiter{cap=%d}", mw.capacity)
}
