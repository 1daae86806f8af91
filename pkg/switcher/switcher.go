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

// Package switcher implements the compartment switch protocol: calls and
// returns between compartments, fault delivery to error handlers and the
// forced unwind that follows a double fault.
//
// Every thread runs on its own goroutine. A cross-compartment call is a Go
// call made through CallContext.Call, bracketed by a push and a pop of the
// thread's trusted stack. Faults are panics recovered at the boundary of the
// invocation that raised them.
//
// A callee only ever sees its own CallContext: a stack capability bounded
// above by the caller's stack pointer, and a register file holding nothing
// but its arguments.
package switcher

import (
	"math"
	"time"

	"capcore.dev/capcore/pkg/cheri"
	"capcore.dev/capcore/pkg/errors/kernerr"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
	"capcore.dev/capcore/pkg/sched"
	"capcore.dev/capcore/pkg/tstack"
)

// SpillSize is the number of bytes the switcher spills onto the caller's
// stack on every call. The callee's stack ends where the spill area starts.
const SpillSize = 32

// stackAlign is the alignment of stack pointers.
const stackAlign = 16

// stackRegionBase is the address of the first thread stack.
const stackRegionBase = 0x8000_0000

// Defaults for Config.
const (
	DefaultTrustedStackFrames = 8
	DefaultStackSize          = 4096
)

var (
	callMetric = metric.MustCreateNewUint64Metric("/switcher/calls", "Number of cross-compartment calls by outcome.",
		metric.NewField("result", "ok", "invalid", "not_enough_stack", "not_enough_trusted_stack", "compartment_fail"))
	faultMetric       = metric.MustCreateNewUint64Metric("/switcher/faults", "Number of faults taken by compartment code.")
	doubleFaultMetric = metric.MustCreateNewUint64Metric("/switcher/double_faults", "Number of faults taken inside error handlers.")
	unwindMetric      = metric.MustCreateNewUint64Metric("/switcher/forced_unwinds", "Number of invocations discarded without returning.")
)

// Config configures a Switcher.
type Config struct {
	// TrustedStackFrames is the number of nested calls a thread may make
	// beyond its entry point.
	TrustedStackFrames int

	// StackSize is the size of each thread's stack.
	StackSize uint64

	// FaultLogger receives one line per fault. If nil, faults are logged
	// to the global logger at most once per second.
	FaultLogger log.Logger
}

// Switcher runs threads in compartments. It holds no per-thread state and
// may be shared by any number of threads.
type Switcher struct {
	sched    *sched.Scheduler
	frames   int
	size     uint64
	faultLog log.Logger
}

// New returns a switcher for threads of s. Zero fields of cfg take their
// defaults.
func New(s *sched.Scheduler, cfg Config) *Switcher {
	if cfg.TrustedStackFrames <= 0 {
		cfg.TrustedStackFrames = DefaultTrustedStackFrames
	}
	if cfg.TrustedStackFrames > math.MaxUint16 {
		cfg.TrustedStackFrames = math.MaxUint16
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = DefaultStackSize
	}
	cfg.StackSize &^= stackAlign - 1
	if cfg.FaultLogger == nil {
		cfg.FaultLogger = log.BasicRateLimitedLogger(time.Second)
	}
	return &Switcher{
		sched:    s,
		frames:   cfg.TrustedStackFrames,
		size:     cfg.StackSize,
		faultLog: cfg.FaultLogger,
	}
}

// Run runs thread t from its entry point, export entry of c, until that
// invocation returns. The thread exits when Run returns.
//
// Run returns the entry point's value. If the entry frame is unwound
// instead, it returns sched.ErrThreadExited. It fails with EINVAL if t has
// already run or entry does not exist, and with ENOTENOUGHSTACK if the
// thread stack is below the export's minimum.
func (sw *Switcher) Run(t *sched.Thread, c *Compartment, entry string, args ...uintptr) (int, error) {
	e, ok := c.Export(entry)
	if !ok || len(args) > tstack.NumArgumentRegisters || t.Exited() || t.TrustedStack() != nil {
		return 0, kernerr.EINVAL
	}
	stackBase := stackRegionBase + uint64(t.ID())*sw.size
	stack := cheri.NewRoot(stackBase, sw.size, cheri.PermStack)
	if sw.size < e.MinimumStack {
		return 0, kernerr.ENOTENOUGHSTACK
	}

	ts := tstack.New(t.ID(), sw.frames, tstack.Frame{
		CSP:               stack.Top(),
		CalleeExportTable: c,
	})
	t.AttachTrustedStack(ts)
	defer t.Exit()

	cc := sw.newCallContext(t, ts, c, e, stack, args)
	r := sw.execute(cc)
	if r.unwind != nil {
		panic("unwind signal escaped the entry frame")
	}
	if t.TakeUnwind() {
		r.err = kernerr.ECOMPARTMENTFAIL
	}
	if ts.Depth() != 0 {
		panic("entry frame outlived its invocation: " + ts.String())
	}
	if r.err != nil {
		log.Warningf("%v: entry point %s.%s unwound: %v", t, c, entry, r.err)
		return 0, sched.ErrThreadExited
	}
	log.Debugf("%v: entry point %s.%s returned %d", t, c, entry, r.rv)
	return r.rv, nil
}

// newCallContext returns the context of a new invocation of e, whose stack
// is all of stack and whose registers hold only args and the stack pointer.
func (sw *Switcher) newCallContext(t *sched.Thread, ts *tstack.TrustedStack, c *Compartment, e *Export, stack cheri.Capability, args []uintptr) *CallContext {
	cc := &CallContext{
		sw:          sw,
		thread:      t,
		ts:          ts,
		depth:       ts.Depth() - 1,
		compartment: c,
		export:      e,
		stack:       stack.SetAddress(stack.Top()),
		sp:          stack.Top(),
	}
	for i, a := range args {
		cc.regs.Set(tstack.RegCA0+tstack.RegisterNumber(i), a)
	}
	cc.regs.CSP = uintptr(cc.sp)
	cc.regs.MEPCC = e.pcc
	return cc
}

// result is how an invocation ends, as seen by its caller: a value, an
// error, or an unwind signal to panic into the caller.
type result struct {
	rv     int
	err    error
	unwind *unwindSignal
}

var compartmentFail = result{err: kernerr.ECOMPARTMENTFAIL}

// execute runs the invocation whose frame is on top of the trusted stack
// until that frame is popped.
func (sw *Switcher) execute(cc *CallContext) result {
	for {
		var rv int
		entry := cc.export.Entry
		f, u := run(func() { rv = entry(cc) })
		if u != nil {
			return abandon(u)
		}
		if f == nil {
			cc.ts.Pop()
			return result{rv: rv}
		}

		r, resume := sw.deliverFault(cc, f)
		if !resume {
			return r
		}
	}
}

// abandon handles an unwind signal that reached an invocation whose frame is
// already gone.
func abandon(u *unwindSignal) result {
	u.pending--
	if u.pending > 0 {
		return result{unwind: u}
	}
	return compartmentFail
}

// deliverFault handles a fault raised by the entry point of the topmost
// frame. If resume is true, the frame's registers have been replaced and the
// entry point must be run again.
func (sw *Switcher) deliverFault(cc *CallContext, f *Fault) (r result, resume bool) {
	faultMetric.Increment()
	ts := cc.ts
	sw.faultLog.Infof("%v: fault in %s.%s at depth %d: %v", cc.thread, cc.compartment, cc.export.Name, cc.depth, f)

	ts.Context = cc.regs
	ts.Context.MCause = f.MCause

	if !cc.compartment.HasErrorHandler() || !cc.stackUsable() || ts.Top().ErrorHandlerCount >= math.MaxUint16-1 {
		sw.unwindTop(cc)
		return compartmentFail, false
	}
	if ts.EnterFault() {
		panic("fault delivered to a frame already handling one")
	}

	es := cc.errorState(f)
	var (
		recovery Recovery
		hv       int
	)
	hf, hu := run(func() { recovery, hv = cc.compartment.handler(cc, es) })
	if hu != nil {
		return abandon(hu), false
	}
	if hf != nil {
		return sw.doubleFault(cc, hf), false
	}
	ts.LeaveFault()

	switch recovery {
	case InstallContext:
		if err := cc.install(es); err != nil {
			sw.faultLog.Infof("%v: %s cannot install context: %v", cc.thread, cc.compartment, err)
			sw.unwindTop(cc)
			return compartmentFail, false
		}
		return result{}, true
	case ReturnValue:
		ts.Pop()
		return result{rv: hv}, false
	default:
		sw.unwindTop(cc)
		return compartmentFail, false
	}
}

// doubleFault discards frames after a fault inside an error handler.
func (sw *Switcher) doubleFault(cc *CallContext, f *Fault) result {
	doubleFaultMetric.Increment()
	if !cc.ts.EnterFault() {
		panic("double fault in a frame not handling a fault")
	}
	popped, exited := cc.ts.Unwind()
	unwindMetric.IncrementBy(uint64(popped))
	log.Warningf("%v: double fault in %s error handler (%v), unwound %d frames, thread exiting: %t", cc.thread, cc.compartment, f, popped, exited)
	if popped == 1 {
		return compartmentFail
	}
	return result{unwind: &unwindSignal{pending: popped - 1}}
}

// unwindTop discards the topmost frame without a normal return.
func (sw *Switcher) unwindTop(cc *CallContext) {
	unwindMetric.Increment()
	if _, last := cc.ts.Pop(); last {
		log.Warningf("%v: entry frame in %s unwound", cc.thread, cc.compartment)
	}
}

// recordCall accounts for the outcome of a call.
func recordCall(err error) {
	switch err {
	case nil:
		callMetric.Increment("ok")
	case kernerr.ENOTENOUGHSTACK:
		callMetric.Increment("not_enough_stack")
	case kernerr.ENOTENOUGHTRUSTEDSTACK:
		callMetric.Increment("not_enough_trusted_stack")
	case kernerr.ECOMPARTMENTFAIL:
		callMetric.Increment("compartment_fail")
	default:
		callMetric.Increment("invalid")
	}
}
