// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	items    *prometheus.CounterVec
	duration *prometheus.SummaryVec
	inflight prometheus.Gauge
	state    prometheus.GaugeFunc
}

func newMetrics(reg *prometheus.Registry, state func() float64) *metrics {
	m := &metrics{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netunicorn",
			Subsystem: "connector",
			Name:      "items_total",
			Help:      "Number of batch items processed, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  "netunicorn",
			Subsystem:  "connector",
			Name:       "operation_duration_seconds",
			Help:       "Duration of connector calls.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"operation"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netunicorn",
			Subsystem: "connector",
			Name:      "inflight_operations",
			Help:      "Number of connector calls in progress.",
		}),
		state: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "netunicorn",
			Subsystem: "connector",
			Name:      "state",
			Help:      "Lifecycle state: 0=uninitialized, 1=initialized, 2=shut down.",
		}, state),
	}
	if reg != nil {
		reg.MustRegister(m.items, m.duration, m.inflight, m.state)
	}
	return m
}

func (m *metrics) countItem(op string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.items.WithLabelValues(op, outcome).Inc()
}
