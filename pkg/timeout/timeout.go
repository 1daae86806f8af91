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

// Package timeout defines the timeout carried by every blocking call.
package timeout

import (
	"fmt"
	"math"
)

// Ticks is a count of scheduler ticks as stored in a Timeout.
type Ticks = uint32

// Unlimited is the Remaining value of a timeout that never expires. It is a
// fixed point of Elapse.
const Unlimited Ticks = math.MaxUint32

// Timeout records how long a blocking operation may still wait and how long
// it has waited so far. A zero Timeout never blocks.
//
// A Timeout is passed by pointer to blocking operations, which update it in
// place so that a caller retrying in a loop spends one budget across all
// attempts.
type Timeout struct {
	// Elapsed is the number of ticks spent blocked so far. It saturates at
	// math.MaxUint32.
	Elapsed Ticks

	// Remaining is the number of ticks the operation may still block for,
	// or Unlimited.
	Remaining Ticks
}

// New returns a timeout allowing remaining ticks of blocking.
func New(remaining Ticks) *Timeout {
	return &Timeout{Remaining: remaining}
}

// WithElapsed returns a timeout that has already spent elapsed ticks.
func WithElapsed(elapsed, remaining Ticks) *Timeout {
	return &Timeout{Elapsed: elapsed, Remaining: remaining}
}

// UnlimitedTimeout returns a timeout that never expires.
func UnlimitedTimeout() *Timeout {
	return New(Unlimited)
}

// MayBlock returns true iff an operation gated on t may suspend.
func (t *Timeout) MayBlock() bool {
	return t.Remaining != 0
}

// IsUnlimited returns true iff t never expires.
func (t *Timeout) IsUnlimited() bool {
	return t.Remaining == Unlimited
}

// Elapse records that ticks have passed. Elapsed saturates at its maximum and
// Remaining saturates at zero, except that Unlimited is never decremented.
func (t *Timeout) Elapse(ticks uint64) {
	if ticks >= uint64(math.MaxUint32-t.Elapsed) {
		t.Elapsed = math.MaxUint32
	} else {
		t.Elapsed += Ticks(ticks)
	}
	if t.Remaining == Unlimited {
		return
	}
	if ticks >= uint64(t.Remaining) {
		t.Remaining = 0
	} else {
		t.Remaining -= Ticks(ticks)
	}
}

// String implements fmt.Stringer.
func (t Timeout) String() string {
	if t.Remaining == Unlimited {
		return fmt.Sprintf("{elapsed=%d remaining=unlimited}", t.Elapsed)
	}
	return fmt.Sprintf("{elapsed=%d remaining=%d}", t.Elapsed, t.Remaining)
}
