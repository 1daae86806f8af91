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

package cheri

import (
	"testing"

	"capcore.dev/capcore/pkg/errors/kernerr"
)

func TestSetBoundsMonotonic(t *testing.T) {
	root := NewRoot(0x1000, 0x100, PermStack)
	for _, tc := range []struct {
		name   string
		base   uint64
		length uint64
		ok     bool
	}{
		{name: "whole", base: 0x1000, length: 0x100, ok: true},
		{name: "inner", base: 0x1010, length: 0x10, ok: true},
		{name: "empty at top", base: 0x1100, length: 0, ok: true},
		{name: "one past top", base: 0x1000, length: 0x101},
		{name: "one below base", base: 0xfff, length: 0x10},
		{name: "straddle top", base: 0x10ff, length: 2},
		{name: "wraparound", base: 0x1010, length: ^uint64(0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := root.SetBounds(tc.base, tc.length)
			if !tc.ok {
				if !kernerr.Equals(kernerr.ERANGE, err) {
					t.Fatalf("SetBounds(%#x, %#x) = %v, %v; want ERANGE", tc.base, tc.length, got, err)
				}
				if got.Tagged() {
					t.Errorf("failed derivation returned a tagged capability")
				}
				return
			}
			if err != nil {
				t.Fatalf("SetBounds(%#x, %#x) failed: %v", tc.base, tc.length, err)
			}
			if !root.Contains(got) {
				t.Errorf("derived %v escapes %v", got, root)
			}
			if got.Address() != tc.base || got.Length() != tc.length {
				t.Errorf("derived %v, want base %#x length %#x", got, tc.base, tc.length)
			}
		})
	}
}

func TestNoWideningAfterNarrowing(t *testing.T) {
	root := NewRoot(0, 0x1000, PermAll)
	narrow, err := root.SetBounds(0x100, 0x100)
	if err != nil {
		t.Fatalf("SetBounds: %v", err)
	}
	if _, err := narrow.SetBounds(0x100, 0x101); err == nil {
		t.Errorf("narrowed capability was widened")
	}
	if _, err := narrow.SetBounds(0, 0x1000); err == nil {
		t.Errorf("narrowed capability regained root bounds")
	}
	if _, err := (Capability{}).SetBounds(0, 0); !kernerr.Equals(kernerr.EPERM, err) {
		t.Errorf("SetBounds on untagged capability = %v, want EPERM", err)
	}
}

func TestCheck(t *testing.T) {
	c := NewRoot(0x2000, 0x40, PermLoad|PermStore).AndPerms(PermLoad | PermExecute)
	if c.Perms() != PermLoad {
		t.Fatalf("AndPerms added permissions: %v", c.Perms())
	}
	for _, tc := range []struct {
		addr, size uint64
		perms      Permissions
		ok         bool
	}{
		{0x2000, 0x40, PermLoad, true},
		{0x203f, 1, PermLoad, true},
		{0x2040, 1, PermLoad, false},
		{0x1fff, 1, PermLoad, false},
		{0x2000, 4, PermStore, false},
		{0x2000, 4, PermExecute, false},
	} {
		err := c.Check(tc.addr, tc.size, tc.perms)
		if (err == nil) != tc.ok {
			t.Errorf("Check(%#x, %d, %v) = %v, want ok=%t", tc.addr, tc.size, tc.perms, err, tc.ok)
		}
	}
	if err := (Capability{}).Check(0, 0, 0); err == nil {
		t.Errorf("untagged capability authorised an access")
	}
}

func TestString(t *testing.T) {
	if got, want := PermStack.String(), "-RWcCL-"; got != want {
		t.Errorf("PermStack.String() = %q, want %q", got, want)
	}
	if got, want := (Capability{}).String(), "<untagged>"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
