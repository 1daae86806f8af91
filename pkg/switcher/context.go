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

package switcher

import (
	"fmt"

	"capcore.dev/capcore/pkg/cheri"
	"capcore.dev/capcore/pkg/errors/kernerr"
	"capcore.dev/capcore/pkg/sched"
	"capcore.dev/capcore/pkg/timeout"
	"capcore.dev/capcore/pkg/tstack"
)

// stackRequired are the permissions without which the switcher cannot spill
// registers onto a stack, so no handler can run on it.
const stackRequired = cheri.PermLoad | cheri.PermStore | cheri.PermLoadCapability

// CallContext is one invocation's view of the machine. It is valid only on
// the invocation's own goroutine, and only until the entry point or error
// handler it was passed to returns.
type CallContext struct {
	sw     *Switcher
	thread *sched.Thread
	ts     *tstack.TrustedStack

	// depth is the index of this invocation's frame.
	depth int

	compartment *Compartment
	export      *Export

	// stack is bounded above by the caller's spill area. sp is the current
	// stack pointer within it.
	stack cheri.Capability
	sp    uint64

	regs tstack.SavedContext
}

// Compartment returns the compartment being run.
func (cc *CallContext) Compartment() *Compartment {
	return cc.compartment
}

// Depth returns the index of this invocation's trusted stack frame. The
// thread's entry point is at depth 0.
func (cc *CallContext) Depth() int {
	return cc.depth
}

// Thread returns the blocker for the running thread, to pass to blocking
// primitives.
func (cc *CallContext) Thread() sched.Blocker {
	return cc.thread
}

// ThreadID returns the ID of the running thread.
func (cc *CallContext) ThreadID() uint16 {
	return cc.thread.ID()
}

// Sleep suspends the thread for the given timeout.
func (cc *CallContext) Sleep(t *timeout.Timeout) error {
	return cc.thread.Sleep(t)
}

// Arg returns argument register i.
func (cc *CallContext) Arg(i int) uintptr {
	if i < 0 || i >= tstack.NumArgumentRegisters {
		panic(fmt.Sprintf("argument %d out of range", i))
	}
	return cc.regs.Get(tstack.RegCA0 + tstack.RegisterNumber(i))
}

// Register returns the current value of reg in this invocation's register
// file.
func (cc *CallContext) Register(reg tstack.RegisterNumber) uintptr {
	return cc.regs.Get(reg)
}

// Stack returns the invocation's stack capability, addressed at the current
// stack pointer.
func (cc *CallContext) Stack() cheri.Capability {
	return cc.stack.SetAddress(cc.sp)
}

// StackRemaining returns the bytes between the stack pointer and the stack
// base.
func (cc *CallContext) StackRemaining() uint64 {
	if !cc.stack.Tagged() {
		return 0
	}
	return cc.sp - cc.stack.Base()
}

// StackAlloc reserves n bytes, rounded up to the stack alignment, below the
// stack pointer and returns a capability for exactly that region. It fails
// with ENOTENOUGHSTACK if the stack cannot hold them. The reservation lasts
// until the invocation returns.
func (cc *CallContext) StackAlloc(n uint64) (cheri.Capability, error) {
	size := (n + stackAlign - 1) &^ (stackAlign - 1)
	if size < n || size > cc.StackRemaining() {
		return cheri.Capability{}, kernerr.ENOTENOUGHSTACK
	}
	c, err := cc.stack.SetBounds(cc.sp-size, size)
	if err != nil {
		return cheri.Capability{}, err
	}
	cc.sp -= size
	cc.regs.CSP = uintptr(cc.sp)
	return c, nil
}

// RestrictStack removes permissions from the invocation's stack capability.
func (cc *CallContext) RestrictStack(perms cheri.Permissions) {
	cc.stack = cc.stack.AndPerms(perms)
}

// Fault raises a trap in the running invocation. It does not return.
func (cc *CallContext) Fault(mcause, mtval uintptr) {
	panic(&Fault{MCause: mcause, MTVal: mtval})
}

// Access checks an access of size bytes at addr through c, faulting with
// MCauseCHERI if c does not authorise it.
func (cc *CallContext) Access(c cheri.Capability, addr, size uint64, perms cheri.Permissions) {
	if err := c.Check(addr, size, perms); err != nil {
		cc.Fault(MCauseCHERI, uintptr(addr))
	}
}

// Call invokes export entry of target with up to six arguments and returns
// its value.
//
// Call fails with EINVAL if entry does not exist or there are too many
// arguments, with ENOTENOUGHTRUSTEDSTACK if the trusted stack is full, with
// ENOTENOUGHSTACK if less stack remains than the callee's minimum, and with
// ECOMPARTMENTFAIL if the callee was unwound. None of these leave the
// trusted stack changed.
//
// If the caller's own stack capability is unusable, the caller is unwound
// and Call does not return.
func (cc *CallContext) Call(target *Compartment, entry string, args ...uintptr) (int, error) {
	rv, err := cc.call(target, entry, args)
	recordCall(err)
	return rv, err
}

func (cc *CallContext) call(target *Compartment, entry string, args []uintptr) (int, error) {
	if target == nil || len(args) > tstack.NumArgumentRegisters {
		return 0, kernerr.EINVAL
	}
	e, ok := target.Export(entry)
	if !ok {
		return 0, kernerr.EINVAL
	}
	if !cc.stack.Tagged() || cc.stack.Perms()&cheri.PermStack != cheri.PermStack {
		cc.sw.faultLog.Infof("%v: call from %s with invalid stack %v", cc.thread, cc.compartment, cc.stack)
		cc.forceUnwind()
	}
	if cc.ts.Depth() == cc.ts.Capacity() {
		return 0, kernerr.ENOTENOUGHTRUSTEDSTACK
	}
	if cc.StackRemaining() < SpillSize || cc.StackRemaining()-SpillSize < e.MinimumStack {
		return 0, kernerr.ENOTENOUGHSTACK
	}

	csp := cc.sp - SpillSize
	stack, err := cc.stack.SetBounds(cc.stack.Base(), csp-cc.stack.Base())
	if err != nil {
		panic(fmt.Sprintf("deriving callee stack from %v: %v", cc.stack, err))
	}
	if err := cc.ts.Push(tstack.Frame{CSP: csp, CalleeExportTable: target}); err != nil {
		return 0, err
	}
	callee := cc.sw.newCallContext(cc.thread, cc.ts, target, e, stack, args)

	r := cc.sw.execute(callee)
	if r.unwind != nil {
		panic(r.unwind)
	}
	if cc.ts.Depth() != cc.depth+1 {
		panic(fmt.Sprintf("call from depth %d returned at %v", cc.depth, cc.ts))
	}
	if cc.thread.TakeUnwind() {
		unwindMetric.Increment()
		return 0, kernerr.ECOMPARTMENTFAIL
	}
	if r.err != nil {
		return 0, r.err
	}
	return r.rv, nil
}

// forceUnwind discards this invocation's frame and abandons its code.
func (cc *CallContext) forceUnwind() {
	if cc.ts.Depth() != cc.depth+1 {
		panic(fmt.Sprintf("forced unwind of frame %d at %v", cc.depth, cc.ts))
	}
	cc.sw.unwindTop(cc)
	panic(&unwindSignal{pending: 1})
}

// stackUsable returns true iff registers can be spilled onto the stack.
func (cc *CallContext) stackUsable() bool {
	return cc.stack.Tagged() && cc.stack.Perms()&stackRequired == stackRequired
}

// errorState captures the registers of a faulting invocation.
func (cc *CallContext) errorState(f *Fault) *ErrorState {
	es := &ErrorState{
		PCC:    cc.regs.MEPCC,
		MCause: f.MCause,
		MTVal:  f.MTVal,
	}
	for r := tstack.RegCRA; int(r) < tstack.NumRegisters; r++ {
		es.Set(r, cc.regs.Get(r))
	}
	return es
}

// install replaces the invocation's registers with those in es. The stack
// pointer must stay within the invocation's stack and PCC must name one of
// its compartment's exports.
func (cc *CallContext) install(es *ErrorState) error {
	e, ok := cc.compartment.exportAt(es.PCC)
	if !ok {
		return kernerr.EFAULT
	}
	sp := uint64(es.Get(tstack.RegCSP))
	if sp < cc.stack.Base() || sp > cc.stack.Top() {
		return kernerr.EFAULT
	}
	for r := tstack.RegCRA; int(r) < tstack.NumRegisters; r++ {
		cc.regs.Set(r, es.Get(r))
	}
	cc.regs.MEPCC = es.PCC
	cc.export = e
	cc.sp = sp
	return nil
}

// String implements fmt.Stringer.
func (cc *CallContext) String() string {
	return fmt.Sprintf("%v in %s.%s at depth %d", cc.thread, cc.compartment, cc.export.Name, cc.depth)
}
