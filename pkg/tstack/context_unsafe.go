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

import (
	"unsafe"
)

// ptrSize is the width of one register slot.
const ptrSize = unsafe.Sizeof(uintptr(0))

// Each of these fails to compile unless the field sits at its register index
// times the pointer width.
var (
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.MEPCC)-uintptr(RegMEPCC)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CRA)-uintptr(RegCRA)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CSP)-uintptr(RegCSP)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CGP)-uintptr(RegCGP)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CTP)-uintptr(RegCTP)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CT0)-uintptr(RegCT0)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CT1)-uintptr(RegCT1)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CT2)-uintptr(RegCT2)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CS0)-uintptr(RegCS0)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CS1)-uintptr(RegCS1)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CA0)-uintptr(RegCA0)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CA1)-uintptr(RegCA1)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CA2)-uintptr(RegCA2)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CA3)-uintptr(RegCA3)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CA4)-uintptr(RegCA4)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.CA5)-uintptr(RegCA5)*ptrSize]
	_ = [1]struct{}{}[unsafe.Offsetof(SavedContext{}.HazardPointers)-uintptr(NumRegisters)*ptrSize]
)

// registers views the register slots of c as an array indexed by register
// number.
func (c *SavedContext) registers() *[NumRegisters]uintptr {
	return (*[NumRegisters]uintptr)(unsafe.Pointer(c))
}

// Layout offsets of the fields that follow the register slots.
const (
	HazardPointersOffset = unsafe.Offsetof(SavedContext{}.HazardPointers)
	MStatusOffset        = unsafe.Offsetof(SavedContext{}.MStatus)
	MCauseOffset         = unsafe.Offsetof(SavedContext{}.MCause)
	SavedContextSize     = unsafe.Sizeof(SavedContext{})
)

// RegisterOffset returns the byte offset of reg's slot in a SavedContext.
func RegisterOffset(reg RegisterNumber) uintptr {
	return uintptr(checkRegister(reg)) * ptrSize
}

// FrameSize is the size of one trusted stack frame.
const FrameSize = unsafe.Sizeof(Frame{})
