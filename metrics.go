// Copyright 2024 The Memunreachable Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memunreachable

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments collections. A nil *Metrics disables instrumentation.
type Metrics struct {
	Collections            *prometheus.CounterVec
	UnreachableAllocations prometheus.Gauge
	UnreachableBytes       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Collections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memunreachable_collections_total",
			Help: "Total number of unreachable-memory collections by result.",
		}, []string{"result"}),
		UnreachableAllocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memunreachable_unreachable_allocations",
			Help: "Unreachable allocations found by the most recent collection.",
		}),
		UnreachableBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memunreachable_unreachable_bytes",
			Help: "Unreachable bytes found by the most recent collection.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Collections, m.UnreachableAllocations, m.UnreachableBytes)
	}
	return m
}

func (m *Metrics) observeSuccess(info *UnreachableMemoryInfo) {
	if m == nil {
		return
	}
	m.Collections.WithLabelValues("ok").Inc()
	m.UnreachableAllocations.Set(float64(info.NumLeaks))
	m.UnreachableBytes.Set(float64(info.LeakBytes))
}

func (m *Metrics) observeFailure() {
	if m == nil {
		return
	}
	m.Collections.WithLabelValues("error").Inc()
}
