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

package tstack

import (
	"testing"
	"unsafe"

	"capcore.dev/capcore/pkg/errors/kernerr"
	"github.com/google/go-cmp/cmp"
)

type fakeTable string

func (f fakeTable) CompartmentName() string { return string(f) }
func (f fakeTable) HasErrorHandler() bool   { return true }

func TestRegisterLayout(t *testing.T) {
	var c SavedContext
	fields := []struct {
		reg RegisterNumber
		ptr *uintptr
	}{
		{RegMEPCC, &c.MEPCC}, {RegCRA, &c.CRA}, {RegCSP, &c.CSP}, {RegCGP, &c.CGP},
		{RegCTP, &c.CTP}, {RegCT0, &c.CT0}, {RegCT1, &c.CT1}, {RegCT2, &c.CT2},
		{RegCS0, &c.CS0}, {RegCS1, &c.CS1}, {RegCA0, &c.CA0}, {RegCA1, &c.CA1},
		{RegCA2, &c.CA2}, {RegCA3, &c.CA3}, {RegCA4, &c.CA4}, {RegCA5, &c.CA5},
	}
	if len(fields) != NumRegisters {
		t.Fatalf("test covers %d registers, want %d", len(fields), NumRegisters)
	}
	base := uintptr(unsafe.Pointer(&c))
	for _, f := range fields {
		got := uintptr(unsafe.Pointer(f.ptr)) - base
		want := uintptr(f.reg) * unsafe.Sizeof(uintptr(0))
		if got != want || RegisterOffset(f.reg) != want {
			t.Errorf("%v at offset %d (RegisterOffset %d), want %d", f.reg, got, RegisterOffset(f.reg), want)
		}
		c.Set(f.reg, uintptr(f.reg)+100)
		if *f.ptr != uintptr(f.reg)+100 {
			t.Errorf("Set(%v) did not write field", f.reg)
		}
		if got := c.Get(f.reg); got != uintptr(f.reg)+100 {
			t.Errorf("Get(%v) = %d, want %d", f.reg, got, uintptr(f.reg)+100)
		}
	}
	if HazardPointersOffset != uintptr(NumRegisters)*unsafe.Sizeof(uintptr(0)) {
		t.Errorf("HazardPointers at %d, want directly after the registers", HazardPointersOffset)
	}
	if !(HazardPointersOffset < MStatusOffset && MStatusOffset < MCauseOffset && MCauseOffset < SavedContextSize) {
		t.Errorf("status fields out of order: %d %d %d size %d", HazardPointersOffset, MStatusOffset, MCauseOffset, SavedContextSize)
	}
}

func TestClearExcept(t *testing.T) {
	var c SavedContext
	for r := RegisterNumber(0); int(r) < NumRegisters; r++ {
		c.Set(r, 1)
	}
	c.MCause = 9
	c.ClearExcept(RegCSP, RegCA0)
	want := SavedContext{CSP: 1, CA0: 1, MCause: 9}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("ClearExcept mismatch (-want +got):\n%s", diff)
	}
	c.CA1 = 7
	if got := c.Arguments(); got[0] != 1 || got[1] != 7 {
		t.Errorf("Arguments() = %v", got)
	}
}

func TestNestedCalls(t *testing.T) {
	const n = 5
	ts := New(3, n, Frame{CSP: 0x1000, CalleeExportTable: fakeTable("entry")})
	if ts.ThreadID() != 3 || ts.Depth() != 1 || ts.FrameOffset() != 0 {
		t.Fatalf("new stack = %v", ts)
	}
	for i := 1; i <= n; i++ {
		if err := ts.Push(Frame{CSP: uint64(0x1000 - i*0x10), ErrorHandlerCount: 7}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
		if got := ts.Top().ErrorHandlerCount; got != 0 {
			t.Errorf("pushed frame has ErrorHandlerCount %d, want 0", got)
		}
	}
	if ts.Depth() != n+1 {
		t.Errorf("Depth() = %d after %d calls, want %d", ts.Depth(), n, n+1)
	}
	if got, want := ts.FrameOffset(), uint32(n)*uint32(FrameSize); got != want {
		t.Errorf("FrameOffset() = %d, want %d", got, want)
	}
	if err := ts.Push(Frame{}); !kernerr.Equals(kernerr.ENOTENOUGHTRUSTEDSTACK, err) {
		t.Errorf("Push on full stack = %v, want ENOTENOUGHTRUSTEDSTACK", err)
	}
	for i := n; i >= 1; i-- {
		f, last := ts.Pop()
		if last {
			t.Fatalf("Pop %d reported last frame", i)
		}
		if f.CSP != uint64(0x1000-i*0x10) {
			t.Errorf("popped CSP %#x, want %#x", f.CSP, 0x1000-i*0x10)
		}
	}
	if ts.Depth() != 1 {
		t.Errorf("Depth() = %d after all returns, want 1", ts.Depth())
	}
	if _, last := ts.Pop(); !last || ts.Depth() != 0 {
		t.Errorf("popping entry frame: last=%t depth=%d", last, ts.Depth())
	}
}

func TestFaultParity(t *testing.T) {
	ts := New(1, 2, Frame{})
	if ts.InFault() {
		t.Fatalf("new frame in fault")
	}
	if double := ts.EnterFault(); double {
		t.Fatalf("first fault reported double")
	}
	if !ts.InFault() || ts.Top().ErrorHandlerCount != 1 {
		t.Errorf("after fault count = %d", ts.Top().ErrorHandlerCount)
	}
	if double := ts.EnterFault(); !double {
		t.Errorf("fault while handling not reported double")
	}
	if ts.Top().ErrorHandlerCount != 1 {
		t.Errorf("double fault changed count to %d", ts.Top().ErrorHandlerCount)
	}
	ts.LeaveFault()
	if ts.InFault() || ts.Top().ErrorHandlerCount != 2 {
		t.Errorf("after handler return count = %d", ts.Top().ErrorHandlerCount)
	}
}

func TestUnwind(t *testing.T) {
	for _, tc := range []struct {
		name       string
		inFault    []bool // per frame, entry first
		wantPopped int
		wantExit   bool
	}{
		{name: "caller running", inFault: []bool{false, false, true}, wantPopped: 1},
		{name: "caller handling", inFault: []bool{false, true, true}, wantPopped: 2},
		{name: "all handling", inFault: []bool{true, true, true}, wantPopped: 3, wantExit: true},
		{name: "entry only", inFault: []bool{true}, wantPopped: 1, wantExit: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ts := New(1, 4, Frame{})
			for i := range tc.inFault {
				if i > 0 {
					if err := ts.Push(Frame{}); err != nil {
						t.Fatalf("Push: %v", err)
					}
				}
				if tc.inFault[i] {
					ts.EnterFault()
				}
			}
			popped, exited := ts.Unwind()
			if popped != tc.wantPopped || exited != tc.wantExit {
				t.Errorf("Unwind() = %d, %t; want %d, %t", popped, exited, tc.wantPopped, tc.wantExit)
			}
			if got, want := ts.Depth(), len(tc.inFault)-tc.wantPopped; got != want {
				t.Errorf("Depth() = %d, want %d", got, want)
			}
		})
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	ts := New(2, 2, Frame{CSP: 0x40})
	ts.Context.CA0 = 1
	snap := ts.Snapshot()
	ts.Context.CA0 = 2
	ts.Push(Frame{CSP: 0x20})
	if snap.Context.CA0 != 1 || snap.Depth() != 1 {
		t.Errorf("snapshot changed with original: %v", snap)
	}
	if diff := cmp.Diff(ts.Frame(0), snap.Frame(0)); diff != "" {
		t.Errorf("entry frame differs (-orig +snap):\n%s", diff)
	}
}
