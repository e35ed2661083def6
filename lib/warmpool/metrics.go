// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package warmpool

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transitions  *prometheus.CounterVec
	failovers    *prometheus.CounterVec
	healthChecks *prometheus.CounterVec
	failoverTime prometheus.Histogram
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{}
	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotrelay",
		Subsystem: "warmpool",
		Name:      "state_transitions_total",
		Help:      "Number of warm pool state transitions, by new state.",
	}, []string{"state"})
	reg.MustRegister(m.transitions)
	m.failovers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotrelay",
		Subsystem: "warmpool",
		Name:      "failovers_total",
		Help:      "Number of primary-to-standby failovers, by result.",
	}, []string{"result"})
	reg.MustRegister(m.failovers)
	m.healthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotrelay",
		Subsystem: "warmpool",
		Name:      "health_checks_total",
		Help:      "Number of primary health checks, by result.",
	}, []string{"result"})
	reg.MustRegister(m.healthChecks)
	m.failoverTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spotrelay",
		Subsystem: "warmpool",
		Name:      "failover_seconds",
		Help:      "Time from failover trigger to standby endpoint reachable.",
		Buckets:   []float64{5, 10, 15, 30, 45, 60, 90, 120},
	})
	reg.MustRegister(m.failoverTime)
	return m
}
