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

// Package futex provides wait/wake on 32-bit words. It allows one to easily
// transform Wait() calls into waits on a channel.
//
// Waiters are kept in hashed buckets keyed by the word's address. A waiter is
// enqueued only after checking the word's value under the bucket lock, and a
// waker takes the same lock after updating the word, so no wakeup is missed.
package futex

import (
	"sync"
	"sync/atomic"

	"capcore.dev/capcore/pkg/errors/kernerr"
	"capcore.dev/capcore/pkg/ilist"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
	"capcore.dev/capcore/pkg/sched"
	"capcore.dev/capcore/pkg/timeout"
)

// WakeAll is the count passed to Wake to wake every waiter.
const WakeAll = int(^uint(0) >> 1)

var (
	waitMetric = metric.MustCreateNewUint64Metric("/futex/waits", "Number of futex waits by outcome.",
		metric.NewField("result", "value_differed", "woken", "timed_out", "interrupted"))
	wakeMetric = metric.MustCreateNewUint64Metric("/futex/woken", "Number of futex waiters woken.")
)

// Word is a 32-bit futex word. Its address identifies it to the Manager, so a
// Word must not be copied once in use.
type Word struct {
	v atomic.Uint32
}

// NewWord returns a word holding v.
func NewWord(v uint32) *Word {
	w := &Word{}
	w.v.Store(v)
	return w
}

// Load atomically loads the word.
func (w *Word) Load() uint32 {
	return w.v.Load()
}

// Store atomically stores v.
func (w *Word) Store(v uint32) {
	w.v.Store(v)
}

// Add atomically adds delta and returns the new value.
func (w *Word) Add(delta uint32) uint32 {
	return w.v.Add(delta)
}

// CompareAndSwap atomically replaces old with new.
func (w *Word) CompareAndSwap(old, new uint32) bool {
	return w.v.CompareAndSwap(old, new)
}

// WaitResult is the outcome of Wait.
type WaitResult int

// Outcomes of Wait.
const (
	// ValueDiffered means the word did not hold the expected value, so the
	// caller never suspended.
	ValueDiffered WaitResult = iota

	// Woken means a Wake targeted the caller.
	Woken

	// TimedOut means the timeout expired first.
	TimedOut

	// Interrupted means the thread was interrupted for a forced unwind.
	Interrupted
)

var resultNames = [...]string{"value_differed", "woken", "timed_out", "interrupted"}

// String implements fmt.Stringer.
func (r WaitResult) String() string {
	if r < 0 || int(r) >= len(resultNames) {
		return "unknown"
	}
	return resultNames[r]
}

// Waiter is the struct which gets enqueued into buckets for wake up routines
// to scan and notify. Once a Waiter has been enqueued by WaitPrepare(),
// callers may listen on C for wake up events.
type Waiter struct {
	// Synchronization:
	//
	// - A Waiter that is not enqueued in a bucket is exclusively owned (no
	// synchronization applies).
	//
	// - A Waiter is enqueued in a bucket by calling WaitPrepare(). After this,
	// Entry, bucket and key are protected by the bucket.mu ("bucket lock")
	// of the containing bucket. Note that since bucket is mutated using
	// atomic memory operations, bucket.Load() may be called without holding
	// the bucket lock, although it may change racily. See WaitComplete().
	//
	// - A Waiter is only guaranteed to be no longer queued after calling
	// WaitComplete().

	// Entry links Waiter into bucket.waiters.
	ilist.Entry[Waiter]

	// bucket is the bucket this waiter is queued in. If bucket is nil, the
	// waiter is not waiting and is not in any bucket.
	bucket atomic.Pointer[bucket]

	// C is sent to when the Waiter is woken. It is shared by every member of
	// a WaiterGroup.
	C chan struct{}

	// key is what this waiter is waiting on.
	key *Word

	// claimed is set by the first wake to reach this waiter or any member of
	// its group. Only the claiming wake counts the waiter as woken.
	claimed *atomic.Bool

	// own backs claimed for a waiter that is not in a group.
	own atomic.Bool
}

// ListEntry implements ilist.Element.
func (w *Waiter) ListEntry() *ilist.Entry[Waiter] {
	return &w.Entry
}

// NewWaiter returns a new unqueued Waiter.
func NewWaiter() *Waiter {
	w := &Waiter{
		C: make(chan struct{}, 1),
	}
	w.claimed = &w.own
	return w
}

// Woken returns true if w, or any member of its group, has been woken since
// it was last reset.
func (w *Waiter) Woken() bool {
	return w.claimed.Load()
}

// WaiterGroup is a set of waiters that share one wake channel. The first
// wake that reaches any member wakes the group; later wakes remove the other
// members without counting them.
type WaiterGroup struct {
	// C is sent to when any member is woken.
	C chan struct{}

	claimed atomic.Bool
	waiters []Waiter
}

// NewWaiterGroup returns a group of n unqueued waiters.
func NewWaiterGroup(n int) *WaiterGroup {
	g := &WaiterGroup{
		C:       make(chan struct{}, 1),
		waiters: make([]Waiter, n),
	}
	for i := range g.waiters {
		g.waiters[i].C = g.C
		g.waiters[i].claimed = &g.claimed
	}
	return g
}

// Len returns the number of members.
func (g *WaiterGroup) Len() int {
	return len(g.waiters)
}

// Waiter returns member i.
func (g *WaiterGroup) Waiter(i int) *Waiter {
	return &g.waiters[i]
}

// Woken returns true if any member has been woken since the last Reset.
func (g *WaiterGroup) Woken() bool {
	return g.claimed.Load()
}

// Reset makes the group wakeable again.
//
// Precondition: no member is queued.
func (g *WaiterGroup) Reset() {
	select {
	case <-g.C:
	default:
	}
	g.claimed.Store(false)
}

// bucket holds a list of waiters for a given address hash.
type bucket struct {
	// mu protects waiters and contained Waiter state. See comment in Waiter.
	mu sync.Mutex

	waiters ilist.List[Waiter, *Waiter]
}

// wakeLocked wakes up to n waiters on key in this bucket, oldest first, and
// returns the number of waiters woken. Members of an already woken group are
// dequeued but not counted.
//
// Preconditions: b.mu must be locked.
func (b *bucket) wakeLocked(key *Word, n int) int {
	done := 0
	for w := b.waiters.Front(); done < n && w != nil; {
		if w.key != key {
			// Not matching.
			w = w.Next()
			continue
		}

		// Remove from the bucket and wake the waiter.
		woke := w
		w = w.Next() // Next iteration.
		b.waiters.Remove(woke)
		if woke.claimed.CompareAndSwap(false, true) {
			select {
			case woke.C <- struct{}{}:
			default:
			}
			done++
		}

		// NOTE: Since we've dequeued woke and will never touch it again, we
		// can safely store nil to woke.bucket here and allow WaitComplete()
		// to short-circuit grabbing the bucket lock. If they somehow miss the
		// store, we are still holding the lock, so we can know that they
		// won't dequeue woke, assume it's free and have the below operation
		// afterwards.
		woke.bucket.Store(nil)
	}
	return done
}

// countLocked returns the number of waiters on key in this bucket.
//
// Preconditions: b.mu must be locked.
func (b *bucket) countLocked(key *Word) int {
	n := 0
	for w := b.waiters.Front(); w != nil; w = w.Next() {
		if w.key == key {
			n++
		}
	}
	return n
}

const (
	// bucketCount is the number of buckets per Manager. By having many of
	// these we reduce contention when concurrent yet unrelated calls are made.
	bucketCount     = 1 << bucketCountBits
	bucketCountBits = 10
)

// Manager holds futex state for one kernel.
type Manager struct {
	buckets [bucketCount]bucket
}

// NewManager returns an initialized futex manager.
func NewManager() *Manager {
	return &Manager{}
}

// lockBucket returns a locked bucket for the given key.
func (m *Manager) lockBucket(k *Word) *bucket {
	b := &m.buckets[bucketIndexForAddr(wordAddr(k))]
	b.mu.Lock()
	return b
}

// Wake wakes up to n waiters on word, in the order they began waiting, and
// returns the number woken. It does not read or modify the word; callers
// update the word first. It fails with EINVAL if word is nil.
func (m *Manager) Wake(word *Word, n int) (int, error) {
	if word == nil {
		return 0, kernerr.EINVAL
	}
	if n <= 0 {
		return 0, nil
	}
	// This function is very hot; avoid defer.
	b := m.lockBucket(word)
	r := b.wakeLocked(word, n)
	b.mu.Unlock()

	if r > 0 {
		wakeMetric.IncrementBy(uint64(r))
	}
	return r, nil
}

// Waiters returns the number of waiters currently queued on word.
func (m *Manager) Waiters(word *Word) int {
	b := m.lockBucket(word)
	n := b.countLocked(word)
	b.mu.Unlock()
	return n
}

// WaitPrepare atomically checks that word contains val, then enqueues w to be
// woken by a send to w.C. It fails with EAGAIN if the value differs and with
// EINVAL if word is nil. If WaitPrepare returns nil, the Waiter must be
// subsequently removed by calling WaitComplete, whether or not a wakeup is
// received on w.C.
func (m *Manager) WaitPrepare(w *Waiter, word *Word, val uint32) error {
	if word == nil {
		return kernerr.EINVAL
	}
	w.key = word

	b := m.lockBucket(word)
	// This function is very hot; avoid defer.

	// Perform our atomic check.
	if word.Load() != val {
		b.mu.Unlock()
		w.key = nil
		return kernerr.EAGAIN
	}

	// Add the waiter to the bucket.
	b.waiters.PushBack(w)
	w.bucket.Store(b)

	b.mu.Unlock()
	return nil
}

// WaitComplete must be called when a Waiter previously added by WaitPrepare is
// no longer eligible to be woken. It is idempotent.
func (m *Manager) WaitComplete(w *Waiter) {
	// Remove w from the bucket it's in.
	for {
		b := w.bucket.Load()

		// If b is nil, the waiter isn't in any bucket anymore.
		if b == nil {
			break
		}

		// Take the bucket lock. Note that without holding the bucket lock, the
		// waiter is not guaranteed to stay in that bucket, so after we take
		// the bucket lock, we must ensure that the bucket hasn't changed: if
		// it happens to have changed, we release the old bucket lock and try
		// again with the new bucket; if it hasn't changed, we know it won't
		// change now because we hold the lock.
		b.mu.Lock()
		if b != w.bucket.Load() {
			b.mu.Unlock()
			continue
		}

		// Remove w from b.
		b.waiters.Remove(w)
		w.bucket.Store(nil)
		b.mu.Unlock()
		break
	}
	w.key = nil
}

// Wait suspends the calling thread while word holds val, until it is woken,
// the timeout expires or the thread is interrupted.
//
// If the word already differs from val, Wait returns ValueDiffered and a nil
// error without suspending. Otherwise it returns Woken and nil, TimedOut and
// ETIMEDOUT, or Interrupted and EINTR. The caller is deregistered in every
// case. A nil word or timeout fails with EINVAL.
func (m *Manager) Wait(b sched.Blocker, word *Word, val uint32, t *timeout.Timeout) (WaitResult, error) {
	if word == nil || t == nil {
		return ValueDiffered, kernerr.EINVAL
	}
	w := NewWaiter()
	if err := m.WaitPrepare(w, word, val); err != nil {
		// Only EAGAIN is possible here.
		waitMetric.Increment(ValueDiffered.String())
		return ValueDiffered, nil
	}
	err := b.Block(w.C, t)
	m.WaitComplete(w)

	res := Woken
	switch {
	case err == nil || w.Woken():
		// A wake that claimed w counted it, so report it even if the
		// timeout or interrupt won the race.
		err = nil
	case err == kernerr.ETIMEDOUT:
		res = TimedOut
	case err == kernerr.ErrInterrupted:
		res, err = Interrupted, kernerr.EINTR
	default:
		res = Interrupted
	}
	waitMetric.Increment(res.String())
	if res != Woken && log.IsLogging(log.Debug) {
		log.Debugf("futex wait on %#x for %d: %v", wordAddr(word), val, res)
	}
	return res, err
}
