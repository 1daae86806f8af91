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
	"sync/atomic"

	"capcore.dev/capcore/pkg/tstack"
)

// Function is the body of an exported entry point. Its return value is
// handed to the caller unchanged.
type Function func(cc *CallContext) int

// Recovery is an error handler's decision about a faulting invocation.
type Recovery int

// Error handler outcomes.
const (
	// ForceUnwind discards the invocation; the caller gets
	// ECOMPARTMENTFAIL.
	ForceUnwind Recovery = iota

	// InstallContext resumes the compartment with the registers in the
	// ErrorState, entering the export that its PCC names.
	InstallContext

	// ReturnValue returns the handler's value to the caller as if the
	// entry point had returned it.
	ReturnValue
)

// String implements fmt.Stringer.
func (r Recovery) String() string {
	switch r {
	case ForceUnwind:
		return "force-unwind"
	case InstallContext:
		return "install-context"
	case ReturnValue:
		return "return-value"
	default:
		return fmt.Sprintf("recovery(%d)", int(r))
	}
}

// ErrorHandler is invoked, in the faulting compartment, when an entry point
// faults. It may inspect and modify es. The int result is used only with
// ReturnValue.
type ErrorHandler func(cc *CallContext, es *ErrorState) (Recovery, int)

// Export is one entry point of a compartment.
type Export struct {
	// Name identifies the export to callers.
	Name string

	// Entry is the code run on entry.
	Entry Function

	// MinimumStack is the number of stack bytes the entry point needs. A
	// call with less available fails with ENOTENOUGHSTACK.
	MinimumStack uint64

	// pcc is the code address that identifies the export in an
	// ErrorState.
	pcc uintptr
}

// PCC returns the code address of the export's entry point.
func (e *Export) PCC() uintptr {
	return e.pcc
}

// Synthetic entry point addresses. Each compartment owns a distinct
// codeRegion sized range starting at codeBase, with one codeStride slot per
// export.
const (
	codeBase   = 0x2000_0000
	codeRegion = 0x1_0000
	codeStride = 0x10

	maxExports = codeRegion / codeStride
)

// codeRegions counts the code ranges handed out so far.
var codeRegions atomic.Uintptr

// Compartment is the export table of one compartment. It is immutable once
// built.
type Compartment struct {
	name    string
	code    uintptr
	handler ErrorHandler
	exports []Export
	byName  map[string]int
}

var _ tstack.ExportTable = (*Compartment)(nil)

// NewCompartment builds the export table of a compartment. handler may be
// nil. Export names must be unique.
func NewCompartment(name string, handler ErrorHandler, exports ...Export) *Compartment {
	if len(exports) > maxExports {
		panic(fmt.Sprintf("compartment %q: %d exports, at most %d", name, len(exports), maxExports))
	}
	c := &Compartment{
		name:    name,
		code:    codeBase + (codeRegions.Add(1)-1)*codeRegion,
		handler: handler,
		exports: make([]Export, len(exports)),
		byName:  make(map[string]int, len(exports)),
	}
	for i, e := range exports {
		if e.Entry == nil {
			panic(fmt.Sprintf("compartment %q: export %q has no entry point", name, e.Name))
		}
		if _, ok := c.byName[e.Name]; ok {
			panic(fmt.Sprintf("compartment %q: duplicate export %q", name, e.Name))
		}
		e.pcc = c.code + uintptr(i)*codeStride
		c.exports[i] = e
		c.byName[e.Name] = i
	}
	return c
}

// CompartmentName implements tstack.ExportTable.CompartmentName.
func (c *Compartment) CompartmentName() string {
	return c.name
}

// HasErrorHandler implements tstack.ExportTable.HasErrorHandler.
func (c *Compartment) HasErrorHandler() bool {
	return c.handler != nil
}

// Export returns the export with the given name.
func (c *Compartment) Export(name string) (*Export, bool) {
	i, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	return &c.exports[i], true
}

// exportAt returns the export whose entry point is at pcc. Addresses in
// other compartments' code ranges never match.
func (c *Compartment) exportAt(pcc uintptr) (*Export, bool) {
	if pcc < c.code || (pcc-c.code)%codeStride != 0 {
		return nil, false
	}
	i := (pcc - c.code) / codeStride
	if i >= uintptr(len(c.exports)) {
		return nil, false
	}
	return &c.exports[i], true
}

// Exports returns the names of all exports, in table order.
func (c *Compartment) Exports() []string {
	names := make([]string, len(c.exports))
	for i := range c.exports {
		names[i] = c.exports[i].Name
	}
	return names
}

// String implements fmt.Stringer.
func (c *Compartment) String() string {
	return c.name
}
