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

// Package queue implements a bounded FIFO message queue of fixed-size items
// with blocking send and receive.
//
// The number of queued items lives in a futex word. Every change to it is
// made under the queue lock and followed by a wake of all waiters on the word,
// since senders and receivers wait on the same word for different
// conditions.
package queue

import (
	"fmt"
	"math"
	"sync"

	"capcore.dev/capcore/pkg/errors/kernerr"
	"capcore.dev/capcore/pkg/futex"
	"capcore.dev/capcore/pkg/heap"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
	"capcore.dev/capcore/pkg/sched"
	"capcore.dev/capcore/pkg/timeout"
)

// HeaderSize is the bookkeeping charged to the allocator in addition to the
// item storage.
const HeaderSize = 32

// destroyedCount is stored in the count word of a destroyed queue so that
// any waiter observes a change.
const destroyedCount = math.MaxUint32

var opMetric = metric.MustCreateNewUint64Metric("/queue/operations", "Number of queue operations by kind and outcome.",
	metric.NewField("op", "send", "receive"),
	metric.NewField("result", "ok", "timed_out", "failed"))

func recordOp(op string, err error) {
	switch err {
	case nil:
		opMetric.Increment(op, "ok")
	case kernerr.ETIMEDOUT:
		opMetric.Increment(op, "timed_out")
	default:
		opMetric.Increment(op, "failed")
	}
}

// Queue is a bounded ring of fixed-size items.
type Queue struct {
	futexes *futex.Manager

	// count is the number of queued items. It is written only with mu held.
	count futex.Word

	itemSize uint32
	capacity uint32

	// mu protects the fields below.
	mu sync.Mutex

	head      uint32
	tail      uint32
	block     *heap.Allocation
	storage   []byte
	destroyed bool
}

// New creates a queue holding up to capacity items of itemSize bytes, with
// backing store charged to alloc. It fails with EINVAL if either size is
// zero and with ENOMEM if alloc cannot cover the storage.
func New(futexes *futex.Manager, alloc heap.Allocator, itemSize, capacity uint32) (*Queue, error) {
	if itemSize == 0 || capacity == 0 {
		return nil, kernerr.EINVAL
	}
	size := uint64(itemSize) * uint64(capacity)
	block, err := alloc.Allocate(HeaderSize + size)
	if err != nil {
		return nil, err
	}
	return &Queue{
		futexes:  futexes,
		itemSize: itemSize,
		capacity: capacity,
		block:    block,
		storage:  block.Data[HeaderSize:],
	}, nil
}

// ItemSize returns the size of each item.
func (q *Queue) ItemSize() uint32 {
	return q.itemSize
}

// Capacity returns the maximum number of queued items.
func (q *Queue) Capacity() uint32 {
	return q.capacity
}

// ItemsRemaining returns the number of queued items.
func (q *Queue) ItemsRemaining() (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return 0, kernerr.EINVAL
	}
	return q.count.Load(), nil
}

// CountWord returns the futex word holding the item count. Waiting on it
// with the current value blocks until the count changes.
func (q *Queue) CountWord() *futex.Word {
	return &q.count
}

// ReadyToSend returns the number of free slots. The word value a sender
// blocks on is Capacity().
func (q *Queue) ReadyToSend() (free uint32, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return 0, kernerr.EINVAL
	}
	return q.capacity - q.count.Load(), nil
}

// ReadyToReceive returns the number of queued items. The word value a
// receiver blocks on is zero.
func (q *Queue) ReadyToReceive() (items uint32, err error) {
	return q.ItemsRemaining()
}

// Send copies ItemSize() bytes from src to the back of the queue, blocking
// while the queue is full. It fails with EINVAL if src is too short or the
// queue was destroyed, with ETIMEDOUT if the queue is still full when t
// expires (immediately if t cannot block), and with EINTR if the thread is
// interrupted.
func (q *Queue) Send(b sched.Blocker, t *timeout.Timeout, src []byte) error {
	err := q.send(b, t, src)
	recordOp("send", err)
	return err
}

func (q *Queue) send(b sched.Blocker, t *timeout.Timeout, src []byte) error {
	if t == nil || uint64(len(src)) < uint64(q.itemSize) {
		return kernerr.EINVAL
	}
	for {
		q.mu.Lock()
		if q.destroyed {
			q.mu.Unlock()
			return kernerr.EINVAL
		}
		c := q.count.Load()
		if c < q.capacity {
			copy(q.slot(q.tail), src)
			q.tail = (q.tail + 1) % q.capacity
			q.count.Store(c + 1)
			q.mu.Unlock()
			q.futexes.Wake(&q.count, futex.WakeAll)
			return nil
		}
		q.mu.Unlock()

		if err := q.wait(b, t, c); err != nil {
			return err
		}
	}
}

// Receive copies the item at the front of the queue into dst, blocking while
// the queue is empty. Errors are as for Send.
func (q *Queue) Receive(b sched.Blocker, t *timeout.Timeout, dst []byte) error {
	err := q.receive(b, t, dst)
	recordOp("receive", err)
	return err
}

func (q *Queue) receive(b sched.Blocker, t *timeout.Timeout, dst []byte) error {
	if t == nil || uint64(len(dst)) < uint64(q.itemSize) {
		return kernerr.EINVAL
	}
	for {
		q.mu.Lock()
		if q.destroyed {
			q.mu.Unlock()
			return kernerr.EINVAL
		}
		c := q.count.Load()
		if c > 0 {
			copy(dst, q.slot(q.head))
			q.head = (q.head + 1) % q.capacity
			q.count.Store(c - 1)
			q.mu.Unlock()
			q.futexes.Wake(&q.count, futex.WakeAll)
			return nil
		}
		q.mu.Unlock()

		if err := q.wait(b, t, c); err != nil {
			return err
		}
	}
}

// offset returns the byte offset of item i in storage, which may exceed
// 4 GiB.
func (q *Queue) offset(i uint32) uint64 {
	return uint64(i) * uint64(q.itemSize)
}

// slot returns the storage of item i.
func (q *Queue) slot(i uint32) []byte {
	off := q.offset(i)
	return q.storage[off : off+uint64(q.itemSize)]
}

// wait blocks until the count word no longer holds c.
func (q *Queue) wait(b sched.Blocker, t *timeout.Timeout, c uint32) error {
	if !t.MayBlock() {
		return kernerr.ETIMEDOUT
	}
	_, err := q.futexes.Wait(b, &q.count, c, t)
	return err
}

// Destroy releases the queue's storage to alloc. Threads blocked in Send or
// Receive fail with EINVAL, as does every later operation.
func (q *Queue) Destroy(alloc heap.Allocator) error {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return kernerr.EINVAL
	}
	if err := alloc.Free(q.block); err != nil {
		q.mu.Unlock()
		return err
	}
	q.destroyed = true
	q.block = nil
	q.storage = nil
	q.count.Store(destroyedCount)
	q.mu.Unlock()

	if n, _ := q.futexes.Wake(&q.count, futex.WakeAll); n > 0 {
		log.Debugf("queue destroyed with %d waiters", n)
	}
	return nil
}

// String implements fmt.Stringer.
func (q *Queue) String() string {
	return fmt.Sprintf("queue{item=%d cap=%d}", q.itemSize, q.capacity)
}
