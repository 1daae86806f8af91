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

// Package tstack implements the trusted stack: the per-thread record of every
// in-flight cross-compartment call plus the thread's saved register context.
//
// A trusted stack is owned by exactly one thread. Only the compartment
// switcher and fault delivery mutate it; the scheduler reads and writes the
// saved context across preemption.
package tstack

import (
	"fmt"
	"math"

	"capcore.dev/capcore/pkg/errors/kernerr"
)

// ExportTable identifies the compartment a frame is executing in. The
// switcher uses it only to locate the compartment's error handler.
type ExportTable interface {
	// CompartmentName returns the name of the compartment.
	CompartmentName() string

	// HasErrorHandler returns true iff the compartment exports an error
	// handler.
	HasErrorHandler() bool
}

// Frame describes one active cross-compartment invocation.
type Frame struct {
	// CSP is the caller's stack pointer at the time of the call. It is the
	// upper bound of the callee's stack capability and is never changed
	// once recorded.
	CSP uint64

	// CalleeExportTable is the export table of the compartment being run.
	CalleeExportTable ExportTable

	// ErrorHandlerCount counts fault entries and handler returns for this
	// frame. It is odd while the frame's error handler is running.
	ErrorHandlerCount uint16
}

// InFault returns true iff the frame's error handler is running.
func (f *Frame) InFault() bool {
	return f.ErrorHandlerCount&1 != 0
}

// TrustedStack is the trusted stack of a single thread.
type TrustedStack struct {
	// Context is the saved register set. It is meaningful only while the
	// thread is not running.
	Context SavedContext

	// frameOffset is the byte offset of the topmost frame within frames.
	frameOffset uint32

	// depth is the number of live frames. It is derived from frameOffset
	// but kept to distinguish an empty stack from one with only frame 0.
	depth int

	// threadID identifies the owner. It never changes.
	threadID uint16

	// frames holds the frame table. Frame 0 is the thread's entry point.
	frames []Frame
}

// New returns a trusted stack for thread threadID with room for maxFrames
// nested calls beyond the entry frame. entry becomes frame 0.
func New(threadID uint16, maxFrames int, entry Frame) *TrustedStack {
	if maxFrames < 0 || uint64(maxFrames+1)*uint64(FrameSize) > math.MaxUint32 {
		panic(fmt.Sprintf("invalid trusted stack size %d", maxFrames))
	}
	ts := &TrustedStack{
		threadID: threadID,
		frames:   make([]Frame, maxFrames+1),
	}
	entry.ErrorHandlerCount = 0
	ts.frames[0] = entry
	ts.depth = 1
	return ts
}

// ThreadID returns the owning thread's ID.
func (ts *TrustedStack) ThreadID() uint16 {
	return ts.threadID
}

// Depth returns the number of live frames, including the entry frame. It is
// zero once the entry frame has been popped.
func (ts *TrustedStack) Depth() int {
	return ts.depth
}

// Capacity returns the maximum number of frames, including the entry frame.
func (ts *TrustedStack) Capacity() int {
	return len(ts.frames)
}

// FrameOffset returns the byte offset of the topmost frame in the frame
// table.
func (ts *TrustedStack) FrameOffset() uint32 {
	return ts.frameOffset
}

// Frame returns a copy of frame i, where 0 is the entry frame.
func (ts *TrustedStack) Frame(i int) Frame {
	if i < 0 || i >= ts.depth {
		panic(fmt.Sprintf("frame %d out of range, depth %d", i, ts.depth))
	}
	return ts.frames[i]
}

// Top returns the topmost frame.
//
// Precondition: Depth() > 0.
func (ts *TrustedStack) Top() *Frame {
	if ts.depth == 0 {
		panic("trusted stack is empty")
	}
	return &ts.frames[ts.depth-1]
}

func (ts *TrustedStack) setDepth(depth int) {
	ts.depth = depth
	if depth == 0 {
		ts.frameOffset = 0
		return
	}
	ts.frameOffset = uint32(depth-1) * uint32(FrameSize)
}

// Push records a new call. The frame's ErrorHandlerCount starts at zero. It
// fails with ENOTENOUGHTRUSTEDSTACK if the frame table is full.
func (ts *TrustedStack) Push(f Frame) error {
	if ts.depth == 0 {
		panic("push onto an exited trusted stack")
	}
	if ts.depth == len(ts.frames) {
		return kernerr.ENOTENOUGHTRUSTEDSTACK
	}
	f.ErrorHandlerCount = 0
	ts.frames[ts.depth] = f
	ts.setDepth(ts.depth + 1)
	return nil
}

// Pop removes the topmost frame. last is true if it was the entry frame, in
// which case the thread must exit.
func (ts *TrustedStack) Pop() (f Frame, last bool) {
	f = *ts.Top()
	ts.frames[ts.depth-1] = Frame{}
	ts.setDepth(ts.depth - 1)
	return f, ts.depth == 0
}

// EnterFault records a fault in the topmost frame. It returns true, without
// changing the count, if the frame was already handling a fault.
func (ts *TrustedStack) EnterFault() (double bool) {
	top := ts.Top()
	if top.InFault() {
		return true
	}
	top.ErrorHandlerCount++
	return false
}

// LeaveFault records the return of the topmost frame's error handler.
//
// Precondition: InFault().
func (ts *TrustedStack) LeaveFault() {
	top := ts.Top()
	if !top.InFault() {
		panic(fmt.Sprintf("error handler return without a fault, count %d", top.ErrorHandlerCount))
	}
	top.ErrorHandlerCount++
}

// InFault returns true iff the topmost frame is handling a fault.
func (ts *TrustedStack) InFault() bool {
	return ts.Top().InFault()
}

// Unwind discards the topmost frame after a double fault, then keeps
// discarding while the new topmost frame is itself handling a fault, since a
// fault handler whose callee failed this way cannot be resumed. It returns
// the number of frames popped and whether the entry frame was among them.
func (ts *TrustedStack) Unwind() (popped int, exited bool) {
	for {
		_, last := ts.Pop()
		popped++
		if last {
			return popped, true
		}
		if !ts.Top().InFault() {
			return popped, false
		}
	}
}

// Snapshot returns a copy of ts that shares no mutable state with it.
func (ts *TrustedStack) Snapshot() *TrustedStack {
	c := *ts
	c.frames = append([]Frame(nil), ts.frames...)
	return &c
}

// String implements fmt.Stringer.
func (ts *TrustedStack) String() string {
	return fmt.Sprintf("tstack{thread=%d depth=%d/%d offset=%d}", ts.threadID, ts.depth, len(ts.frames), ts.frameOffset)
}
