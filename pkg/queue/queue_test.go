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

package queue

import (
	"bytes"
	"encoding/binary"
	"testing"

	"capcore.dev/capcore/pkg/errors"
	"capcore.dev/capcore/pkg/errors/kernerr"
	"capcore.dev/capcore/pkg/futex"
	"capcore.dev/capcore/pkg/heap"
	"capcore.dev/capcore/pkg/ktime"
	"capcore.dev/capcore/pkg/sched"
	"capcore.dev/capcore/pkg/sched/schedtest"
	"capcore.dev/capcore/pkg/timeout"
	"golang.org/x/sync/errgroup"
)

type fixture struct {
	futexes *futex.Manager
	alloc   *heap.Capability
	clock   *ktime.ManualClock
	sched   *sched.Scheduler
}

func newFixture(quota uint64) *fixture {
	clock := ktime.NewManualClock()
	return &fixture{
		futexes: futex.NewManager(),
		alloc:   heap.NewCapability(quota),
		clock:   clock,
		sched:   sched.New(clock, 0),
	}
}

func (f *fixture) thread(t *testing.T) *sched.Thread {
	t.Helper()
	th, err := f.sched.NewThread()
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	return th
}

func (f *fixture) queue(t *testing.T, itemSize, capacity uint32) *Queue {
	t.Helper()
	q, err := New(f.futexes, f.alloc, itemSize, capacity)
	if err != nil {
		t.Fatalf("New(%d, %d): %v", itemSize, capacity, err)
	}
	return q
}

func item(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestNewInvalid(t *testing.T) {
	f := newFixture(1024)
	for _, tc := range []struct {
		name               string
		itemSize, capacity uint32
		want               *errors.Error
	}{
		{"zero capacity", 4, 0, kernerr.EINVAL},
		{"zero item size", 0, 4, kernerr.EINVAL},
		{"over quota", 64, 64, kernerr.ENOMEM},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(f.futexes, f.alloc, tc.itemSize, tc.capacity); !kernerr.Equals(tc.want, err) {
				t.Errorf("New(%d, %d) = %v, want %v", tc.itemSize, tc.capacity, err, tc.want)
			}
		})
	}
	if got := f.alloc.Remaining(); got != 1024 {
		t.Errorf("failed creation charged quota, %d remaining", got)
	}
}

func TestFillThenDrain(t *testing.T) {
	const capacity = 4
	f := newFixture(1024)
	th := f.thread(t)
	q := f.queue(t, 4, capacity)
	if got, want := f.alloc.Remaining(), uint64(1024-HeaderSize-4*capacity); got != want {
		t.Errorf("Remaining() = %d, want %d", got, want)
	}

	for i := uint32(0); i < capacity; i++ {
		if err := q.Send(th, &timeout.Timeout{}, item(100+i)); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if n, _ := q.ItemsRemaining(); n != capacity {
		t.Errorf("ItemsRemaining() = %d, want %d", n, capacity)
	}
	if free, _ := q.ReadyToSend(); free != 0 {
		t.Errorf("ReadyToSend() = %d, want 0", free)
	}

	// A full queue fails a non-blocking send without suspending.
	if err := q.Send(th, &timeout.Timeout{}, item(999)); err != kernerr.ETIMEDOUT {
		t.Errorf("Send on full queue = %v, want ETIMEDOUT", err)
	}
	if th.Blocked() {
		t.Errorf("thread left blocked")
	}

	for i := uint32(0); i < capacity; i++ {
		got := make([]byte, 4)
		if err := q.Receive(th, &timeout.Timeout{}, got); err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if want := item(100 + i); !bytes.Equal(got, want) {
			t.Errorf("Receive %d = %v, want %v", i, got, want)
		}
	}
	if err := q.Receive(th, &timeout.Timeout{}, make([]byte, 4)); err != kernerr.ETIMEDOUT {
		t.Errorf("Receive on empty queue = %v, want ETIMEDOUT", err)
	}
}

func TestWrapAround(t *testing.T) {
	f := newFixture(1024)
	th := f.thread(t)
	q := f.queue(t, 8, 2)
	for i := uint32(0); i < 10; i++ {
		src := []byte{byte(i), 1, 2, 3, 4, 5, 6, byte(255 - i), 0xff}
		if err := q.Send(th, &timeout.Timeout{}, src); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		dst := make([]byte, 9)
		if err := q.Receive(th, &timeout.Timeout{}, dst); err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		// Exactly ItemSize bytes are transferred.
		if !bytes.Equal(dst[:8], src[:8]) || dst[8] != 0 {
			t.Errorf("round %d: got %v, sent %v", i, dst, src)
		}
	}
}

func TestShortBuffer(t *testing.T) {
	f := newFixture(1024)
	th := f.thread(t)
	q := f.queue(t, 4, 1)
	if err := q.Send(th, &timeout.Timeout{}, []byte{1, 2, 3}); err != kernerr.EINVAL {
		t.Errorf("Send short = %v, want EINVAL", err)
	}
	if err := q.Receive(th, &timeout.Timeout{}, []byte{1}); err != kernerr.EINVAL {
		t.Errorf("Receive short = %v, want EINVAL", err)
	}
	if err := q.Send(th, nil, item(1)); err != kernerr.EINVAL {
		t.Errorf("Send nil timeout = %v, want EINVAL", err)
	}
	if n, _ := q.ItemsRemaining(); n != 0 {
		t.Errorf("invalid send queued %d items", n)
	}
}

func TestBlockedSendUnblockedByReceive(t *testing.T) {
	f := newFixture(1024)
	sender := f.thread(t)
	receiver := f.thread(t)
	q := f.queue(t, 4, 1)
	if err := q.Send(sender, &timeout.Timeout{}, item(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		return q.Send(sender, timeout.UnlimitedTimeout(), item(2))
	})
	if err := schedtest.WaitBlocked(sender); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 4)
	if err := q.Receive(receiver, &timeout.Timeout{}, got); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("blocked Send: %v", err)
	}
	if !bytes.Equal(got, item(1)) {
		t.Errorf("first receive = %v, want %v", got, item(1))
	}
	if err := q.Receive(receiver, &timeout.Timeout{}, got); err != nil || !bytes.Equal(got, item(2)) {
		t.Errorf("second receive = %v, %v; want %v", got, err, item(2))
	}
}

func TestReceiveTimeout(t *testing.T) {
	f := newFixture(1024)
	th := f.thread(t)
	q := f.queue(t, 4, 1)
	to := timeout.New(15)

	var g errgroup.Group
	g.Go(func() error {
		return q.Receive(th, to, make([]byte, 4))
	})
	if err := schedtest.WaitBlocked(th); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(15)
	if err := g.Wait(); err != kernerr.ETIMEDOUT {
		t.Errorf("Receive = %v, want ETIMEDOUT", err)
	}
	if to.Remaining != 0 || to.Elapsed != 15 {
		t.Errorf("timeout = %v", to)
	}
	if n := f.futexes.Waiters(q.CountWord()); n != 0 {
		t.Errorf("%d waiters left on count word", n)
	}
}

func TestReceiveInterrupted(t *testing.T) {
	f := newFixture(1024)
	th := f.thread(t)
	q := f.queue(t, 4, 1)

	var g errgroup.Group
	g.Go(func() error {
		return q.Receive(th, timeout.UnlimitedTimeout(), make([]byte, 4))
	})
	if err := schedtest.WaitBlocked(th); err != nil {
		t.Fatal(err)
	}
	th.Interrupt()
	if err := g.Wait(); !kernerr.Equals(kernerr.EINTR, err) {
		t.Errorf("Receive = %v, want EINTR", err)
	}
	if n := f.futexes.Waiters(q.CountWord()); n != 0 {
		t.Errorf("%d waiters left on count word", n)
	}
}

func TestDestroy(t *testing.T) {
	f := newFixture(1024)
	th := f.thread(t)
	q := f.queue(t, 4, 4)

	var g errgroup.Group
	g.Go(func() error {
		return q.Receive(th, timeout.UnlimitedTimeout(), make([]byte, 4))
	})
	if err := schedtest.WaitBlocked(th); err != nil {
		t.Fatal(err)
	}
	if err := q.Destroy(f.alloc); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := g.Wait(); err != kernerr.EINVAL {
		t.Errorf("blocked Receive after Destroy = %v, want EINVAL", err)
	}
	if got := f.alloc.Remaining(); got != 1024 {
		t.Errorf("Remaining() = %d after Destroy, want 1024", got)
	}
	if err := q.Send(th, &timeout.Timeout{}, item(1)); err != kernerr.EINVAL {
		t.Errorf("Send after Destroy = %v, want EINVAL", err)
	}
	if _, err := q.ReadyToSend(); err != kernerr.EINVAL {
		t.Errorf("ReadyToSend after Destroy = %v, want EINVAL", err)
	}
	if err := q.Destroy(f.alloc); err != kernerr.EINVAL {
		t.Errorf("second Destroy = %v, want EINVAL", err)
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const (
		producers = 4
		perThread = 200
	)
	clock := ktime.NewRealClock(0)
	s := sched.New(clock, 0)
	futexes := futex.NewManager()
	q, err := New(futexes, heap.NewCapability(4096), 4, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		th, err := s.NewThread()
		if err != nil {
			t.Fatalf("NewThread: %v", err)
		}
		p := uint32(p)
		g.Go(func() error {
			for i := uint32(0); i < perThread; i++ {
				if err := q.Send(th, timeout.UnlimitedTimeout(), item(p<<16|i)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	consumer, err := s.NewThread()
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	next := make([]uint32, producers)
	buf := make([]byte, 4)
	for n := 0; n < producers*perThread; n++ {
		if err := q.Receive(consumer, timeout.UnlimitedTimeout(), buf); err != nil {
			t.Fatalf("Receive %d: %v", n, err)
		}
		v := binary.LittleEndian.Uint32(buf)
		p, i := v>>16, v&0xffff
		// Items from one producer arrive in the order it sent them.
		if i != next[p] {
			t.Fatalf("producer %d: got item %d, want %d", p, i, next[p])
		}
		next[p]++
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("producer: %v", err)
	}
}

func TestOffsetPastFourGiB(t *testing.T) {
	q := &Queue{itemSize: 1 << 20, capacity: 1 << 13}
	for _, tc := range []struct {
		index uint32
		want  uint64
	}{
		{0, 0},
		{4095, 4095 << 20},
		{4096, 1 << 32},
		{8191, 8191 << 20},
	} {
		if got := q.offset(tc.index); got != tc.want {
			t.Errorf("offset(%d) = %#x, want %#x", tc.index, got, tc.want)
		}
	}
}

func TestSlotBounds(t *testing.T) {
	q := &Queue{itemSize: 3, capacity: 4, storage: []byte("aaabbbcccddd")}
	for i, want := range []string{"aaa", "bbb", "ccc", "ddd"} {
		if got := string(q.slot(uint32(i))); got != want {
			t.Errorf("slot(%d) = %q, want %q", i, got, want)
		}
	}
}
