// Copyright 2019 The gVisor Authors.
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

// Package ilist provides the implementation of intrusive linked lists.
package ilist

// Entry is the link embedded in every element of a List. The zero value is
// an unlinked entry.
type Entry[T any] struct {
	next *T
	prev *T
}

// Next returns the entry that follows e in the list.
//
//go:nosplit
func (e *Entry[T]) Next() *T {
	return e.next
}

// Element is the constraint satisfied by *T when T embeds an Entry and
// exposes it through ListEntry.
type Element[T any] interface {
	*T
	ListEntry() *Entry[T]
}

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = e.Next() {
//		// do something with e.
//	}
type List[T any, PT Element[T]] struct {
	head *T
	tail *T
}

func entry[T any, PT Element[T]](e *T) *Entry[T] {
	return PT(e).ListEntry()
}

// Front returns the first element of list l or nil.
//
//go:nosplit
func (l *List[T, PT]) Front() *T {
	return l.head
}

// PushBack inserts the element e at the back of list l.
func (l *List[T, PT]) PushBack(e *T) {
	le := entry[T, PT](e)
	le.next = nil
	le.prev = l.tail
	if l.tail != nil {
		entry[T, PT](l.tail).next = e
	} else {
		l.head = e
	}
	l.tail = e
}

// Remove removes e from l.
func (l *List[T, PT]) Remove(e *T) {
	le := entry[T, PT](e)
	prev := le.prev
	next := le.next

	if prev != nil {
		entry[T, PT](prev).next = next
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		entry[T, PT](next).prev = prev
	} else if l.tail == e {
		l.tail = prev
	}

	le.next = nil
	le.prev = nil
}
