/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package allocator

import "github.com/prometheus/client_golang/prometheus"

// MetricsTracker is a Tracker exporting allocation statistics as prometheus metrics.
// It is safe for concurrent use.
type MetricsTracker struct {
	allocateBytesCounter   prometheus.Counter
	inuseBytesGauge        prometheus.Gauge
	allocateObjectsCounter prometheus.Counter
	inuseObjectsGauge      prometheus.Gauge
}

var (
	_ Tracker              = (*MetricsTracker)(nil)
	_ prometheus.Collector = (*MetricsTracker)(nil)
)

// NewMetricsTracker creates the metrics of an allocator named name.
// The tracker is a prometheus.Collector and must be registered to be exported.
func NewMetricsTracker(namespace, name string) *MetricsTracker {
	labels := prometheus.Labels{"allocator": name}
	return &MetricsTracker{
		allocateBytesCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "allocator",
			Name:        "allocate_bytes_total",
			Help:        "Total number of bytes allocated.",
			ConstLabels: labels,
		}),
		inuseBytesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "allocator",
			Name:        "inuse_bytes",
			Help:        "Number of bytes allocated and not yet deallocated.",
			ConstLabels: labels,
		}),
		allocateObjectsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "allocator",
			Name:        "allocate_objects_total",
			Help:        "Total number of nodes and arrays allocated.",
			ConstLabels: labels,
		}),
		inuseObjectsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "allocator",
			Name:        "inuse_objects",
			Help:        "Number of nodes and arrays allocated and not yet deallocated.",
			ConstLabels: labels,
		}),
	}
}

func (m *MetricsTracker) OnNodeAllocation(node []byte, size, alignment int) {
	m.allocate(size)
}

func (m *MetricsTracker) OnArrayAllocation(array []byte, count, size, alignment int) {
	m.allocate(count * size)
}

func (m *MetricsTracker) OnNodeDeallocation(node []byte, size, alignment int) {
	m.deallocate(size)
}

func (m *MetricsTracker) OnArrayDeallocation(array []byte, count, size, alignment int) {
	m.deallocate(count * size)
}

func (m *MetricsTracker) allocate(n int) {
	m.allocateBytesCounter.Add(float64(n))
	m.inuseBytesGauge.Add(float64(n))
	m.allocateObjectsCounter.Inc()
	m.inuseObjectsGauge.Inc()
}

func (m *MetricsTracker) deallocate(n int) {
	m.inuseBytesGauge.Sub(float64(n))
	m.inuseObjectsGauge.Dec()
}

// IsStateful returns false: the metrics are updated atomically.
func (m *MetricsTracker) IsStateful() bool { return false }

func (m *MetricsTracker) Describe(ch chan<- *prometheus.Desc) {
	m.allocateBytesCounter.Describe(ch)
	m.inuseBytesGauge.Describe(ch)
	m.allocateObjectsCounter.Describe(ch)
	m.inuseObjectsGauge.Describe(ch)
}

func (m *MetricsTracker) Collect(ch chan<- prometheus.Metric) {
	m.allocateBytesCounter.Collect(ch)
	m.inuseBytesGauge.Collect(ch)
	m.allocateObjectsCounter.Collect(ch)
	m.inuseObjectsGauge.Collect(ch)
}
