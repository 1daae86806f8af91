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

package metric

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// reset clears all global state in the metric package.
func reset() {
	allMetrics = makeMetricSet()
}

func TestUint64Metric(t *testing.T) {
	defer reset()
	reset()

	plain := MustCreateNewUint64Metric("/test/plain", "Plain counter.")
	byResult := MustCreateNewUint64Metric("/test/by_result", "Counter by result.",
		NewField("result", "woken", "timeout"))

	plain.Increment()
	plain.IncrementBy(4)
	byResult.Increment("timeout")
	byResult.IncrementBy(2, "woken")

	if got := plain.Value(); got != 5 {
		t.Errorf("plain.Value() = %d, want 5", got)
	}
	if got := byResult.Value("woken"); got != 2 {
		t.Errorf("byResult.Value(woken) = %d, want 2", got)
	}

	want := []Sample{
		{Name: "/test/by_result", Fields: map[string]string{"result": "woken"}, Value: 2},
		{Name: "/test/by_result", Fields: map[string]string{"result": "timeout"}, Value: 1},
		{Name: "/test/plain", Value: 5},
	}
	if diff := cmp.Diff(want, Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistrationErrors(t *testing.T) {
	defer reset()
	reset()

	if _, err := NewUint64Metric("/dup", "first"); err != nil {
		t.Fatalf("NewUint64Metric: %v", err)
	}
	if _, err := NewUint64Metric("/dup", "second"); err != ErrNameInUse {
		t.Errorf("duplicate registration = %v, want ErrNameInUse", err)
	}
	if _, err := NewUint64Metric("/empty", "no values", NewField("f")); err != ErrFieldHasNoAllowedValues {
		t.Errorf("empty field = %v, want ErrFieldHasNoAllowedValues", err)
	}
}

func TestMultiFieldMapping(t *testing.T) {
	m, err := newFieldMapper(NewField("a", "x", "y"), NewField("b", "1", "2", "3"))
	if err != nil {
		t.Fatalf("newFieldMapper: %v", err)
	}
	seen := make(map[int]bool)
	for _, a := range []string{"x", "y"} {
		for _, b := range []string{"1", "2", "3"} {
			key := m.lookup(a, b)
			if seen[key] {
				t.Errorf("key %d reused for (%s, %s)", key, a, b)
			}
			seen[key] = true
			if diff := cmp.Diff([]string{a, b}, m.keyToMultiField(key)); diff != "" {
				t.Errorf("keyToMultiField(%d) mismatch (-want +got):\n%s", key, diff)
			}
		}
	}
}

func TestWritePrometheus(t *testing.T) {
	defer reset()
	reset()

	m := MustCreateNewUint64Metric("/switcher/faults", "Faults taken.", NewField("kind", "single", "double"))
	m.IncrementBy(3, "double")

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"# HELP capcore_switcher_faults Faults taken.",
		"# TYPE capcore_switcher_faults counter",
		`capcore_switcher_faults{kind="double"} 3`,
		`capcore_switcher_faults{kind="single"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
