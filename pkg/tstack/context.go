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

import "fmt"

// RegisterNumber is a hardware register index.
type RegisterNumber int

// Register indices in hardware numbering order. Index 0 is the hard-wired
// zero register, so its slot in a SavedContext holds the program counter
// capability instead.
const (
	RegZero RegisterNumber = iota
	RegCRA
	RegCSP
	RegCGP
	RegCTP
	RegCT0
	RegCT1
	RegCT2
	RegCS0
	RegCS1
	RegCA0
	RegCA1
	RegCA2
	RegCA3
	RegCA4
	RegCA5

	// NumRegisters is the number of addressable register slots.
	NumRegisters = int(RegCA5) + 1

	// RegMEPCC is the slot that holds the saved program counter.
	RegMEPCC = RegZero

	// NumArgumentRegisters is the number of argument registers, CA0-CA5.
	NumArgumentRegisters = int(RegCA5-RegCA0) + 1
)

var registerNames = [NumRegisters]string{
	"mepcc", "cra", "csp", "cgp", "ctp", "ct0", "ct1", "ct2",
	"cs0", "cs1", "ca0", "ca1", "ca2", "ca3", "ca4", "ca5",
}

// String implements fmt.Stringer.
func (r RegisterNumber) String() string {
	if r < 0 || int(r) >= NumRegisters {
		return fmt.Sprintf("reg%d", int(r))
	}
	return registerNames[r]
}

// SavedContext is the register state of a thread that is not running.
//
// Entry and exit code addresses these fields by arithmetic offset: the
// register with index i lives at byte offset i*sizeof(uintptr). The layout is
// checked at compile time in context_unsafe.go. Do not reorder fields.
type SavedContext struct {
	MEPCC uintptr
	CRA   uintptr
	CSP   uintptr
	CGP   uintptr
	CTP   uintptr
	CT0   uintptr
	CT1   uintptr
	CT2   uintptr
	CS0   uintptr
	CS1   uintptr
	CA0   uintptr
	CA1   uintptr
	CA2   uintptr
	CA3   uintptr
	CA4   uintptr
	CA5   uintptr

	// HazardPointers is the thread's hazard pointer region.
	HazardPointers uintptr

	// MStatus and MCause are the machine status and trap cause registers
	// captured on the last trap.
	MStatus uintptr
	MCause  uintptr
}

// Get returns the saved value of reg.
func (c *SavedContext) Get(reg RegisterNumber) uintptr {
	return c.registers()[checkRegister(reg)]
}

// Set stores v as the saved value of reg.
func (c *SavedContext) Set(reg RegisterNumber, v uintptr) {
	c.registers()[checkRegister(reg)] = v
}

// Arguments returns the argument registers CA0-CA5.
func (c *SavedContext) Arguments() [NumArgumentRegisters]uintptr {
	var args [NumArgumentRegisters]uintptr
	copy(args[:], c.registers()[RegCA0:])
	return args
}

// ClearExcept zeroes every register slot except those in keep.
func (c *SavedContext) ClearExcept(keep ...RegisterNumber) {
	regs := c.registers()
	var saved [NumRegisters]uintptr
	for _, r := range keep {
		saved[checkRegister(r)] = regs[r]
	}
	*regs = [NumRegisters]uintptr{}
	for _, r := range keep {
		regs[r] = saved[r]
	}
}

func checkRegister(reg RegisterNumber) RegisterNumber {
	if reg < 0 || int(reg) >= NumRegisters {
		panic(fmt.Sprintf("register %d out of range", int(reg)))
	}
	return reg
}
