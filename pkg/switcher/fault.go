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

	"capcore.dev/capcore/pkg/tstack"
)

// Trap causes reported in ErrorState.MCause.
const (
	// MCauseLoadAccessFault and MCauseStoreAccessFault are the RISC-V
	// access fault causes.
	MCauseLoadAccessFault  = 0x5
	MCauseStoreAccessFault = 0x7

	// MCauseRuntime is reported when compartment code panics.
	MCauseRuntime = 0x18

	// MCauseCHERI is reported for capability violations. MTVal then holds
	// the faulting address.
	MCauseCHERI = 0x1c
)

// ErrorState is what an error handler sees of a faulting invocation: the
// faulting frame's registers and nothing else.
type ErrorState struct {
	// PCC is the code address the compartment resumes at under
	// InstallContext.
	PCC uintptr

	// Registers holds CRA through CA5; register r is at index r-1.
	Registers [tstack.NumRegisters - 1]uintptr

	MCause uintptr
	MTVal  uintptr
}

// Get returns the saved value of reg, which must not be RegZero.
func (es *ErrorState) Get(reg tstack.RegisterNumber) uintptr {
	return es.Registers[errorStateIndex(reg)]
}

// Set replaces the saved value of reg, which must not be RegZero.
func (es *ErrorState) Set(reg tstack.RegisterNumber, v uintptr) {
	es.Registers[errorStateIndex(reg)] = v
}

func errorStateIndex(reg tstack.RegisterNumber) int {
	if reg <= tstack.RegZero || int(reg) >= tstack.NumRegisters {
		panic(fmt.Sprintf("register %v has no error state slot", reg))
	}
	return int(reg) - 1
}

// Fault is a trap taken by compartment code. Compartment code raises it
// with CallContext.Fault; the switcher also converts any other panic into a
// Fault with cause MCauseRuntime.
type Fault struct {
	MCause uintptr
	MTVal  uintptr

	// Value is the recovered panic value for MCauseRuntime faults.
	Value any
}

// Error implements error.
func (f *Fault) Error() string {
	if f.Value != nil {
		return fmt.Sprintf("fault mcause=%#x mtval=%#x: %v", f.MCause, f.MTVal, f.Value)
	}
	return fmt.Sprintf("fault mcause=%#x mtval=%#x", f.MCause, f.MTVal)
}

// unwindSignal is panicked through compartment code whose frames have
// already been discarded from the trusted stack. pending counts the
// invocations, including the one it is panicked into, still to be
// abandoned.
type unwindSignal struct {
	pending int
}

// run calls fn and classifies any panic it raises.
func run(fn func()) (f *Fault, u *unwindSignal) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch r := r.(type) {
		case *Fault:
			f = r
		case *unwindSignal:
			u = r
		default:
			f = &Fault{MCause: MCauseRuntime, Value: r}
		}
	}()
	fn()
	return nil, nil
}
