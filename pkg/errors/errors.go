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

// Package errors holds the standardized error definition for the call core.
//
// Every error surfaced across a compartment boundary carries an errno so that
// it can be returned to compartment code as a negative integer, the way the
// scheduler and switcher report failures.
package errors

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno is an error number as seen by compartment code. Values below
// unix.Errno's range are taken from the host; the capability-specific values
// are defined by package kernerr.
type Errno = unix.Errno

// Error represents an errno with a descriptive message.
type Error struct {
	errno   Errno
	message string
}

// New creates a new *Error.
func New(err Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying Errno value.
func (e *Error) Errno() Errno { return e.errno }

// Return returns the value compartment code sees for e: the negated errno.
func (e *Error) Return() int {
	if e == nil {
		return 0
	}
	return -int(e.errno)
}

// String implements fmt.Stringer.
func (e *Error) String() string {
	return fmt.Sprintf("%s (errno %d)", e.message, int(e.errno))
}
