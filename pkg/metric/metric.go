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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper assigns a dense index to every combination of field values.
type fieldMapper struct {
	// fields is the list of fields, in registration order.
	fields []Field

	// combos lists the value combinations by index.
	combos [][]string

	// index maps joined values to their position in combos.
	index map[string]int
}

// comboKey joins field values into a map key. Allowed values never contain
// NUL.
func comboKey(values []string) string {
	return strings.Join(values, "\x00")
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	n := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		n *= len(f.allowedValues)
		if n > math.MaxUint16 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	m := fieldMapper{fields: fields, index: make(map[string]int, n)}
	if len(fields) == 0 {
		m.combos = [][]string{nil}
		m.index[""] = 0
		return m, nil
	}
	// Enumerate in lexical order of allowed value positions, last field
	// varying fastest.
	m.combos = [][]string{{}}
	for _, f := range fields {
		next := make([][]string, 0, len(m.combos)*len(f.allowedValues))
		for _, prefix := range m.combos {
			for _, v := range f.allowedValues {
				next = append(next, append(append([]string(nil), prefix...), v))
			}
		}
		m.combos = next
	}
	for i, c := range m.combos {
		m.index[comboKey(c)] = i
	}
	return m, nil
}

// lookup returns the index of the given field values. It panics if the
// number of values is wrong or a value is not allowed.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic(fmt.Sprintf("got %d field values, want %d", len(values), len(m.fields)))
	}
	i, ok := m.index[comboKey(values)]
	if !ok {
		panic(fmt.Sprintf("disallowed field values %q", values))
	}
	return i
}

// keyToMultiField is the reverse of lookup. It returns nil for metrics
// without fields.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	return m.combos[key]
}

// Uint64Metric is a cumulative counter, optionally broken down by fields.
type Uint64Metric struct {
	name        string
	description string

	// values holds one counter per field value combination.
	values []atomic.Uint64

	fieldMapper fieldMapper
}

// metricSet holds every registered metric.
type metricSet struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}

var allMetrics = makeMetricSet()

func makeMetricSet() *metricSet {
	return &metricSet{metrics: make(map[string]*Uint64Metric)}
}

// NewUint64Metric registers a counter under name. Metrics are defined at
// init time; registering a name twice fails with ErrNameInUse.
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		values:      make([]atomic.Uint64, len(f.combos)),
		fieldMapper: f,
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.metrics[name]; ok {
		return nil, ErrNameInUse
	}
	allMetrics.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Name returns the metric's registered name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Sample is the value of one field combination of a metric.
type Sample struct {
	// Name is the metric name.
	Name string

	// Fields maps field names to values. It is nil for metrics without
	// fields.
	Fields map[string]string

	// Value is the counter value.
	Value uint64
}

// Snapshot returns the current value of every registered metric, sorted by
// name and then by field combination.
func Snapshot() []Sample {
	allMetrics.mu.Lock()
	metrics := make([]*Uint64Metric, 0, len(allMetrics.metrics))
	for _, m := range allMetrics.metrics {
		metrics = append(metrics, m)
	}
	allMetrics.mu.Unlock()

	sort.Slice(metrics, func(i, j int) bool { return metrics[i].name < metrics[j].name })

	var samples []Sample
	for _, m := range metrics {
		for key := range m.values {
			s := Sample{Name: m.name, Value: m.values[key].Load()}
			if vals := m.fieldMapper.keyToMultiField(key); vals != nil {
				s.Fields = make(map[string]string, len(vals))
				for i, v := range vals {
					s.Fields[m.fieldMapper.fields[i].name] = v
				}
			}
			samples = append(samples, s)
		}
	}
	return samples
}
