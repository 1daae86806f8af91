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

package ilist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testEntry struct {
	Entry[testEntry]
	value int
}

func (e *testEntry) ListEntry() *Entry[testEntry] {
	return &e.Entry
}

type testList = List[testEntry, *testEntry]

func values(l *testList) []int {
	var vs []int
	for e := l.Front(); e != nil; e = e.Next() {
		vs = append(vs, e.value)
	}
	return vs
}

func newEntries(n int) []*testEntry {
	es := make([]*testEntry, n)
	for i := range es {
		es[i] = &testEntry{value: i}
	}
	return es
}

func TestPushAndRemove(t *testing.T) {
	es := newEntries(5)
	var l testList
	if l.Front() != nil {
		t.Fatalf("zero list is not empty")
	}
	for _, e := range es {
		l.PushBack(e)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, values(&l)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	// Head, tail and middle.
	for _, i := range []int{0, 4, 2} {
		l.Remove(es[i])
	}
	if diff := cmp.Diff([]int{1, 3}, values(&l)); diff != "" {
		t.Errorf("after remove mismatch (-want +got):\n%s", diff)
	}
	if es[0].Next() != nil {
		t.Errorf("removed entry still linked")
	}

	// The tail must follow removals so that PushBack appends after 3.
	l.PushBack(es[4])
	if diff := cmp.Diff([]int{1, 3, 4}, values(&l)); diff != "" {
		t.Errorf("after re-push mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveAll(t *testing.T) {
	es := newEntries(3)
	var l testList
	for _, e := range es {
		l.PushBack(e)
	}
	for _, e := range es {
		l.Remove(e)
	}
	if l.Front() != nil {
		t.Fatalf("list not empty after removing every entry")
	}
	l.PushBack(es[1])
	if diff := cmp.Diff([]int{1}, values(&l)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}
