// Copyright 2020 The gVisor Authors.
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

// Package cheri models the capabilities handed across compartment
// boundaries: an address with bounds, permissions and a validity tag.
//
// Derivation is monotonic. Bounds can only shrink and permissions can only be
// removed; any attempt to widen either fails and yields no capability.
package cheri

import (
	"fmt"
	"strings"

	"capcore.dev/capcore/pkg/errors/kernerr"
)

// Permissions is a set of capability permission bits.
type Permissions uint32

// Permission bits.
const (
	PermGlobal Permissions = 1 << iota
	PermLoad
	PermStore
	PermLoadCapability
	PermStoreCapability
	PermStoreLocal
	PermExecute

	// PermAll is every permission a root capability carries.
	PermAll = PermGlobal | PermLoad | PermStore | PermLoadCapability | PermStoreCapability | PermStoreLocal | PermExecute

	// PermStack is the permission set of a stack capability. Stacks are
	// local, so capabilities derived from them cannot be stored through
	// global capabilities.
	PermStack = PermLoad | PermStore | PermLoadCapability | PermStoreCapability | PermStoreLocal
)

var permNames = []struct {
	p    Permissions
	name string
}{
	{PermGlobal, "G"},
	{PermLoad, "R"},
	{PermStore, "W"},
	{PermLoadCapability, "c"},
	{PermStoreCapability, "C"},
	{PermStoreLocal, "L"},
	{PermExecute, "X"},
}

// String implements fmt.Stringer.
func (p Permissions) String() string {
	var b strings.Builder
	for _, n := range permNames {
		if p&n.p != 0 {
			b.WriteString(n.name)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Capability is a bounded, permission-carrying reference to memory. The zero
// value is untagged and grants nothing.
type Capability struct {
	base   uint64
	top    uint64
	addr   uint64
	perms  Permissions
	tagged bool
}

// NewRoot returns a tagged capability covering [base, base+length) with the
// given permissions, addressed at base. Only the owner of a memory region
// creates roots; everything else derives from them.
func NewRoot(base, length uint64, perms Permissions) Capability {
	return Capability{
		base:   base,
		top:    base + length,
		addr:   base,
		perms:  perms,
		tagged: true,
	}
}

// Base returns the lowest address the capability grants.
func (c Capability) Base() uint64 { return c.base }

// Top returns the first address above the capability's bounds.
func (c Capability) Top() uint64 { return c.top }

// Length returns Top - Base.
func (c Capability) Length() uint64 { return c.top - c.base }

// Address returns the capability's cursor.
func (c Capability) Address() uint64 { return c.addr }

// Perms returns the permission set.
func (c Capability) Perms() Permissions { return c.perms }

// Tagged returns true iff the capability is valid.
func (c Capability) Tagged() bool { return c.tagged }

// SetAddress moves the cursor. The cursor may leave the bounds; accesses
// through an out-of-bounds cursor fail in Check.
func (c Capability) SetAddress(addr uint64) Capability {
	c.addr = addr
	return c
}

// SetBounds derives a capability for [base, base+length), addressed at
// base. It fails with ERANGE if the request is not contained in c's bounds,
// and with EPERM if c is untagged.
func (c Capability) SetBounds(base, length uint64) (Capability, error) {
	if !c.tagged {
		return Capability{}, kernerr.EPERM
	}
	top := base + length
	if top < base || base < c.base || top > c.top {
		return Capability{}, kernerr.ERANGE
	}
	c.base = base
	c.top = top
	c.addr = base
	return c, nil
}

// AndPerms derives a capability with only the permissions in both c and
// mask.
func (c Capability) AndPerms(mask Permissions) Capability {
	c.perms &= mask
	return c
}

// Contains returns true iff every address granted by o is granted by c.
func (c Capability) Contains(o Capability) bool {
	return o.base >= c.base && o.top <= c.top
}

// Check returns nil if an access of size bytes at addr requiring perms is
// authorised by c, and EFAULT otherwise.
func (c Capability) Check(addr, size uint64, perms Permissions) error {
	if !c.tagged || c.perms&perms != perms {
		return kernerr.EFAULT
	}
	end := addr + size
	if end < addr || addr < c.base || end > c.top {
		return kernerr.EFAULT
	}
	return nil
}

// String implements fmt.Stringer.
func (c Capability) String() string {
	if !c.tagged {
		return "<untagged>"
	}
	return fmt.Sprintf("%#x [%#x-%#x) %v", c.addr, c.base, c.top, c.perms)
}
