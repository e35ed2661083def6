// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package failover

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	executions    *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	inFlight      prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{}
	m.executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotrelay",
		Subsystem: "failover",
		Name:      "executions_total",
		Help:      "Number of failover executions, by requested strategy and result.",
	}, []string{"strategy", "result"})
	reg.MustRegister(m.executions)
	m.phaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spotrelay",
		Subsystem: "failover",
		Name:      "phase_duration_seconds",
		Help:      "Time spent in each completed failover phase.",
		Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"phase"})
	reg.MustRegister(m.phaseDuration)
	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spotrelay",
		Subsystem: "failover",
		Name:      "in_flight",
		Help:      "Number of failover executions in progress.",
	})
	reg.MustRegister(m.inFlight)
	return m
}
