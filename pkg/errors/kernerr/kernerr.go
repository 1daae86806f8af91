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

// Package kernerr contains the error codes returned by the scheduler and the
// switcher, exported as error interface pointers. This allows for fast
// comparison and return operations comparable to unix.Errno constants.
package kernerr

import (
	goerrors "errors"

	"capcore.dev/capcore/pkg/errors"
	"golang.org/x/sys/unix"
)

// Error numbers that have no host equivalent. They live above the host
// range so that they never alias a unix.Errno.
const (
	// ErrnoNotEnoughStack is returned when a compartment entry point is
	// invoked with less stack than it declares as its minimum.
	ErrnoNotEnoughStack errors.Errno = 140

	// ErrnoCompartmentFail is returned to a caller whose callee was forcibly
	// unwound.
	ErrnoCompartmentFail errors.Errno = 141

	// ErrnoNotEnoughTrustedStack is returned when a cross-compartment call
	// would overflow the caller's trusted stack.
	ErrnoNotEnoughTrustedStack errors.Errno = 142
)

// The following errors are semantically identical to the unix.Errno of the
// same name. Since the types are distinct they are not directly comparable;
// use Equals or ToErrno.
var (
	noError   *errors.Error = nil
	EPERM                   = errors.New(unix.EPERM, "operation not permitted")
	EINTR                   = errors.New(unix.EINTR, "interrupted")
	EAGAIN                  = errors.New(unix.EAGAIN, "try again")
	ENOMEM                  = errors.New(unix.ENOMEM, "out of memory")
	EFAULT                  = errors.New(unix.EFAULT, "bad address")
	EBUSY                   = errors.New(unix.EBUSY, "device or resource busy")
	EINVAL                  = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC                  = errors.New(unix.ENOSPC, "no space left")
	ERANGE                  = errors.New(unix.ERANGE, "result not representable")
	ETIMEDOUT               = errors.New(unix.ETIMEDOUT, "timed out")
	EPROTO                  = errors.New(unix.EPROTO, "protocol error")

	ENOTENOUGHSTACK        = errors.New(ErrnoNotEnoughStack, "not enough stack for entry point")
	ECOMPARTMENTFAIL       = errors.New(ErrnoCompartmentFail, "compartment failed and was unwound")
	ENOTENOUGHTRUSTEDSTACK = errors.New(ErrnoNotEnoughTrustedStack, "trusted stack exhausted")

	// Errors equivalent to other errors.
	EWOULDBLOCK = EAGAIN
)

var (
	// ErrWouldBlock is an internal error used to indicate that an operation
	// cannot be satisfied immediately, and should be retried at a later
	// time, possibly when the caller has received a notification that the
	// operation may be able to complete.
	ErrWouldBlock = errors.New(unix.EWOULDBLOCK, "request would block")

	// ErrInterrupted is returned if a blocking request is interrupted by a
	// forced unwind before it can complete.
	ErrInterrupted = errors.New(unix.EINTR, "request was interrupted")
)

var errorMap = map[error]*errors.Error{
	ErrWouldBlock:  EWOULDBLOCK,
	ErrInterrupted: EINTR,
}

var byErrno = map[errors.Errno]*errors.Error{
	unix.EPERM:                 EPERM,
	unix.EINTR:                 EINTR,
	unix.EAGAIN:                EAGAIN,
	unix.ENOMEM:                ENOMEM,
	unix.EFAULT:                EFAULT,
	unix.EBUSY:                 EBUSY,
	unix.EINVAL:                EINVAL,
	unix.ENOSPC:                ENOSPC,
	unix.ERANGE:                ERANGE,
	unix.ETIMEDOUT:             ETIMEDOUT,
	unix.EPROTO:                EPROTO,
	ErrnoNotEnoughStack:        ENOTENOUGHSTACK,
	ErrnoCompartmentFail:       ECOMPARTMENTFAIL,
	ErrnoNotEnoughTrustedStack: ENOTENOUGHTRUSTEDSTACK,
}

// TranslateError translates internal errors to their public equivalent. It
// will return false if the error was not registered.
func TranslateError(from error) (*errors.Error, bool) {
	if err, ok := errorMap[from]; ok {
		return err, true
	}
	var e *errors.Error
	if goerrors.As(from, &e) {
		return e, true
	}
	return nil, false
}

// FromErrno returns the error for a given errno, or nil for zero.
func FromErrno(n errors.Errno) error {
	if n == 0 {
		return nil
	}
	if e, ok := byErrno[n]; ok {
		return e
	}
	return n
}

// FromReturn converts a compartment return value (a negated errno on
// failure) back to an error.
func FromReturn(rv int) error {
	if rv >= 0 {
		return nil
	}
	return FromErrno(errors.Errno(-rv))
}

// ToError converts a kernerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToErrno returns the errno carried by err, looking through wrapping. It
// returns zero for nil and EPROTO for errors that carry no errno.
func ToErrno(err error) errors.Errno {
	if err == nil {
		return 0
	}
	if e, ok := TranslateError(err); ok {
		return e.Errno()
	}
	var n unix.Errno
	if goerrors.As(err, &n) {
		return n
	}
	return unix.EPROTO
}

// Equals compares a kernerr to a given error, looking through wrapping.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	if e == noError {
		return false
	}
	if goerrors.Is(err, e) {
		return true
	}
	return ToErrno(err) == e.Errno()
}
