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

// Package heap provides allocation authority for kernel objects.
//
// Objects that need backing store (message queues, multiwaiters) are created
// against a Capability that carries a quota. The capability is passed in by
// the caller; this package only accounts for what is charged against it.
package heap

import (
	"fmt"
	"sync"

	"capcore.dev/capcore/pkg/errors/kernerr"
)

// Granule is the allocation granularity. Every allocation is rounded up to a
// multiple of it, matching capability alignment.
const Granule = 8

// Allocator is implemented by anything that can back a kernel object.
type Allocator interface {
	// Allocate reserves size bytes. It fails with ENOMEM if the quota
	// cannot cover the request.
	Allocate(size uint64) (*Allocation, error)

	// Free releases an allocation made by Allocate.
	Free(a *Allocation) error
}

// Allocation is a block of memory charged against a Capability.
type Allocation struct {
	// Data is the allocated memory, len(Data) being the requested size.
	Data []byte

	owner   *Capability
	charged uint64
}

// Capability is a quota-limited allocator.
type Capability struct {
	// mu protects the fields below.
	mu sync.Mutex

	quota uint64
	used  uint64
	live  map[*Allocation]struct{}
}

var _ Allocator = (*Capability)(nil)

// NewCapability returns an allocator that may hold up to quota bytes at
// once.
func NewCapability(quota uint64) *Capability {
	return &Capability{
		quota: quota,
		live:  make(map[*Allocation]struct{}),
	}
}

func roundUp(size uint64) uint64 {
	return (size + Granule - 1) &^ (Granule - 1)
}

// Allocate implements Allocator.Allocate.
func (c *Capability) Allocate(size uint64) (*Allocation, error) {
	charge := roundUp(size)
	if charge < size {
		return nil, kernerr.ENOMEM
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if charge > c.quota-c.used {
		return nil, kernerr.ENOMEM
	}
	c.used += charge
	a := &Allocation{
		Data:    make([]byte, size),
		owner:   c,
		charged: charge,
	}
	c.live[a] = struct{}{}
	return a, nil
}

// Free implements Allocator.Free. Freeing an allocation that c did not make,
// or freeing twice, fails with EINVAL.
func (c *Capability) Free(a *Allocation) error {
	if a == nil || a.owner != c {
		return kernerr.EINVAL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[a]; !ok {
		return kernerr.EINVAL
	}
	delete(c.live, a)
	c.used -= a.charged
	a.Data = nil
	return nil
}

// Quota returns the total quota.
func (c *Capability) Quota() uint64 {
	return c.quota
}

// Remaining returns the number of bytes still available.
func (c *Capability) Remaining() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quota - c.used
}

// Live returns the number of outstanding allocations.
func (c *Capability) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// String implements fmt.Stringer.
func (c *Capability) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("heap{used=%d quota=%d live=%d}", c.used, c.quota, len(c.live))
}
