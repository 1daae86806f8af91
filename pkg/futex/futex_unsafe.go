// Copyright 2018 The gVisor Authors.
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

package futex

import (
	"unsafe"
)

// wordAddr returns the address that identifies w.
func wordAddr(w *Word) uintptr {
	return uintptr(unsafe.Pointer(w))
}

// bucketIndexForAddr returns the index into Manager.buckets for addr.
func bucketIndexForAddr(addr uintptr) uintptr {
	// The bottom 2 bits of addr are always 0 for a Word. This hash uses the
	// remaining bits and usually maps adjacent words to adjacent buckets,
	// slightly improving memory locality when a synchronization structure
	// uses multiple nearby futexes.
	//
	// h1 and h2 are grouped separately so that the critical path is one
	// shift and three additions.
	h1 := (addr >> 2) + (addr >> 12) + (addr >> 22)
	h2 := (addr >> 32) + (addr >> 42)
	return (h1 + h2) % bucketCount
}
