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
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Namespace prefixes every exported Prometheus metric name.
const Namespace = "capcore"

// prometheusName converts a metric name such as "/futex/waits" into a valid
// Prometheus name such as "capcore_futex_waits".
func prometheusName(name string) string {
	name = strings.TrimPrefix(name, "/")
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	return Namespace + "_" + name
}

// families builds one metric family per registered metric.
func families() []*dto.MetricFamily {
	allMetrics.mu.Lock()
	metrics := make([]*Uint64Metric, 0, len(allMetrics.metrics))
	for _, m := range allMetrics.metrics {
		metrics = append(metrics, m)
	}
	allMetrics.mu.Unlock()
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].name < metrics[j].name })

	fams := make([]*dto.MetricFamily, 0, len(metrics))
	for _, m := range metrics {
		fam := &dto.MetricFamily{
			Name: proto.String(prometheusName(m.name)),
			Help: proto.String(m.description),
			Type: dto.MetricType_COUNTER.Enum(),
		}
		for key := range m.values {
			pm := &dto.Metric{
				Counter: &dto.Counter{Value: proto.Float64(float64(m.values[key].Load()))},
			}
			for i, v := range m.fieldMapper.keyToMultiField(key) {
				pm.Label = append(pm.Label, &dto.LabelPair{
					Name:  proto.String(m.fieldMapper.fields[i].name),
					Value: proto.String(v),
				})
			}
			fam.Metric = append(fam.Metric, pm)
		}
		fams = append(fams, fam)
	}
	return fams
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	for _, fam := range families() {
		if _, err := expfmt.MetricFamilyToText(w, fam); err != nil {
			return err
		}
	}
	return nil
}
