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

package cmd

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync/atomic"

	"capcore.dev/capcore/pkg/cleanup"
	"capcore.dev/capcore/pkg/errors/kernerr"
	"capcore.dev/capcore/pkg/futex"
	"capcore.dev/capcore/pkg/kernel"
	"capcore.dev/capcore/pkg/multiwaiter"
	"capcore.dev/capcore/pkg/sched"
	"capcore.dev/capcore/pkg/switcher"
	"capcore.dev/capcore/pkg/timeout"
)

// scenario exercises one part of the kernel on a fresh instance.
type scenario func(k *kernel.Kernel) error

var scenarios = map[string]scenario{
	"futex":        futexScenario,
	"queue":        queueScenario,
	"multiwaiter":  multiwaiterScenario,
	"fault":        faultScenario,
	"double-fault": doubleFaultScenario,
	"interrupt":    interruptScenario,
}

// scenarioNames returns the names of all scenarios in sorted order.
func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// entry builds a single-export compartment.
func entry(name string, fn switcher.Function) *switcher.Compartment {
	return switcher.NewCompartment(name, nil, switcher.Export{Name: "run", Entry: fn})
}

// fromErr returns err as a compartment return value.
func fromErr(err error) int {
	return -int(kernerr.ToErrno(err))
}

// checkResults fails unless every thread returned its expected value.
func checkResults(results []kernel.ThreadResult, want ...int) error {
	for i, r := range results {
		if r.Err != nil {
			return fmt.Errorf("thread %d: %w", r.ID, r.Err)
		}
		if r.Value != want[i] {
			if err := kernerr.FromReturn(r.Value); err != nil {
				return fmt.Errorf("thread %d: %w", r.ID, err)
			}
			return fmt.Errorf("thread %d returned %d, want %d", r.ID, r.Value, want[i])
		}
	}
	return nil
}

func futexScenario(k *kernel.Kernel) error {
	word := futex.NewWord(0)
	waiter := entry("waiter", func(cc *switcher.CallContext) int {
		if err := k.FutexTimedWait(cc.Thread(), timeout.UnlimitedTimeout(), word, 0); err != nil {
			return fromErr(err)
		}
		return int(word.Load())
	})
	waker := entry("waker", func(cc *switcher.CallContext) int {
		word.Store(1)
		if _, err := k.FutexWake(word, 1); err != nil {
			return fromErr(err)
		}
		return 0
	})
	results, err := k.Boot([]kernel.ThreadInfo{
		{Compartment: waiter, Entry: "run"},
		{Compartment: waker, Entry: "run"},
	})
	if err != nil {
		return err
	}
	return checkResults(results, 1, 0)
}

func queueScenario(k *kernel.Kernel) (err error) {
	const items = 100
	q, err := k.QueueCreate(&timeout.Timeout{}, k.Heap(), 8, 4)
	if err != nil {
		return err
	}
	cu := cleanup.Make(func() error { return q.Destroy(k.Heap()) })
	defer func() {
		if cerr := cu.Clean(); err == nil {
			err = cerr
		}
	}()

	producer := entry("producer", func(cc *switcher.CallContext) int {
		buf := make([]byte, 8)
		for i := uint64(1); i <= items; i++ {
			binary.LittleEndian.PutUint64(buf, i)
			if err := q.Send(cc.Thread(), timeout.UnlimitedTimeout(), buf); err != nil {
				return fromErr(err)
			}
		}
		return 0
	})
	consumer := entry("consumer", func(cc *switcher.CallContext) int {
		buf := make([]byte, 8)
		sum := 0
		for i := 0; i < items; i++ {
			if err := q.Receive(cc.Thread(), timeout.UnlimitedTimeout(), buf); err != nil {
				return fromErr(err)
			}
			sum += int(binary.LittleEndian.Uint64(buf))
		}
		return sum
	})
	results, err := k.Boot([]kernel.ThreadInfo{
		{Compartment: producer, Entry: "run"},
		{Compartment: consumer, Entry: "run"},
	})
	if err != nil {
		return err
	}
	return checkResults(results, 0, items*(items+1)/2)
}

func multiwaiterScenario(k *kernel.Kernel) (err error) {
	q, err := k.QueueCreate(&timeout.Timeout{}, k.Heap(), 4, 1)
	if err != nil {
		return err
	}
	cu := cleanup.Make(func() error { return q.Destroy(k.Heap()) })
	mw, err := k.MultiwaiterCreate(&timeout.Timeout{}, k.Heap(), 2)
	if err != nil {
		cu.Clean()
		return err
	}
	cu.Add(func() error { return mw.Delete(k.Heap()) })
	defer func() {
		if cerr := cu.Clean(); err == nil {
			err = cerr
		}
	}()

	never := futex.NewWord(0)
	// Returns 1 if the queue event fired and the futex one did not.
	waiter := entry("waiter", func(cc *switcher.CallContext) int {
		events := []multiwaiter.Event{
			multiwaiter.FutexEvent(never, 0),
			multiwaiter.QueueReceiveEvent(q),
		}
		if err := mw.Wait(cc.Thread(), timeout.UnlimitedTimeout(), events); err != nil {
			return fromErr(err)
		}
		if events[0].Fired() || !events[1].Fired() || events[1].Result != 1 {
			return 0
		}
		return 1
	})
	sender := entry("sender", func(cc *switcher.CallContext) int {
		if err := q.Send(cc.Thread(), timeout.UnlimitedTimeout(), []byte{1, 2, 3, 4}); err != nil {
			return fromErr(err)
		}
		return 0
	})
	results, err := k.Boot([]kernel.ThreadInfo{
		{Compartment: waiter, Entry: "run"},
		{Compartment: sender, Entry: "run"},
	})
	if err != nil {
		return err
	}
	return checkResults(results, 1, 0)
}

func faultScenario(k *kernel.Kernel) error {
	const recovered = 42
	var handled atomic.Int32
	handler := func(cc *switcher.CallContext, es *switcher.ErrorState) (switcher.Recovery, int) {
		handled.Add(1)
		if es.MCause != switcher.MCauseCHERI {
			return switcher.ForceUnwind, 0
		}
		return switcher.ReturnValue, recovered
	}
	faulty := switcher.NewCompartment("faulty", handler, switcher.Export{
		Name: "run",
		Entry: func(cc *switcher.CallContext) int {
			cc.Access(cc.Stack(), cc.Stack().Top(), 8, 0)
			return 0
		},
	})
	caller := entry("caller", func(cc *switcher.CallContext) int {
		rv, err := cc.Call(faulty, "run")
		if err != nil {
			return fromErr(err)
		}
		return rv
	})
	results, err := k.Boot([]kernel.ThreadInfo{{Compartment: caller, Entry: "run"}})
	if err != nil {
		return err
	}
	if err := checkResults(results, recovered); err != nil {
		return err
	}
	if n := handled.Load(); n != 1 {
		return fmt.Errorf("error handler ran %d times, want 1", n)
	}
	return nil
}

func doubleFaultScenario(k *kernel.Kernel) error {
	var handled atomic.Int32
	handler := func(cc *switcher.CallContext, es *switcher.ErrorState) (switcher.Recovery, int) {
		handled.Add(1)
		cc.Fault(switcher.MCauseStoreAccessFault, 0)
		return switcher.ReturnValue, 0
	}
	faulty := switcher.NewCompartment("faulty", handler, switcher.Export{
		Name: "run",
		Entry: func(cc *switcher.CallContext) int {
			cc.Fault(switcher.MCauseLoadAccessFault, 0)
			return 0
		},
	})
	caller := entry("caller", func(cc *switcher.CallContext) int {
		_, err := cc.Call(faulty, "run")
		if !kernerr.Equals(kernerr.ECOMPARTMENTFAIL, err) {
			return 0
		}
		return 1
	})
	results, err := k.Boot([]kernel.ThreadInfo{
		{Compartment: caller, Entry: "run"},
		{Compartment: faulty, Entry: "run"},
	})
	if err != nil {
		return err
	}
	if err := checkResults(results[:1], 1); err != nil {
		return err
	}
	if results[1].Err != sched.ErrThreadExited {
		return fmt.Errorf("thread %d: got %v, want %v", results[1].ID, results[1].Err, sched.ErrThreadExited)
	}
	if n := handled.Load(); n != 2 {
		return fmt.Errorf("error handler ran %d times, want once per thread", n)
	}
	return nil
}

func interruptScenario(k *kernel.Kernel) error {
	word, err := k.InterruptFutex(0)
	if err != nil {
		return fmt.Errorf("no interrupt source: %w", err)
	}
	var done atomic.Bool
	waiter := entry("driver", func(cc *switcher.CallContext) int {
		defer done.Store(true)
		seen := word.Load()
		if err := k.FutexTimedWait(cc.Thread(), timeout.UnlimitedTimeout(), word, seen); err != nil {
			return fromErr(err)
		}
		return 0
	})
	device := entry("device", func(cc *switcher.CallContext) int {
		for !done.Load() {
			if _, err := k.RaiseInterrupt(0); err != nil {
				return fromErr(err)
			}
			if err := cc.Sleep(timeout.New(1)); err != nil {
				return fromErr(err)
			}
		}
		return 0
	})
	results, err := k.Boot([]kernel.ThreadInfo{
		{Compartment: waiter, Entry: "run"},
		{Compartment: device, Entry: "run"},
	})
	if err != nil {
		return err
	}
	return checkResults(results, 0, 0)
}

// runScenario runs one scenario on a fresh kernel and checks that it
// released everything it allocated.
func runScenario(kc kernel.Config, name string) error {
	s, ok := scenarios[name]
	if !ok {
		return fmt.Errorf("unknown scenario %q", name)
	}
	k, err := kernel.New(kc)
	if err != nil {
		return err
	}
	if err := s(k); err != nil {
		return err
	}
	if n := k.Heap().Live(); n != 0 {
		return fmt.Errorf("%d heap allocations leaked", n)
	}
	if n := k.ThreadCount(); n != 0 {
		return fmt.Errorf("%d threads still live", n)
	}
	return nil
}
