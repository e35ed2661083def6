// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	rounds      prometheus.Counter
	candidates  *prometheus.CounterVec
	races       *prometheus.CounterVec
	timeToReady prometheus.Histogram
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{}
	m.rounds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spotrelay",
		Subsystem: "provision",
		Name:      "rounds_total",
		Help:      "Number of race rounds started.",
	})
	reg.MustRegister(m.rounds)
	m.candidates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotrelay",
		Subsystem: "provision",
		Name:      "candidates_total",
		Help:      "Number of race candidates, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(m.candidates)
	m.races = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotrelay",
		Subsystem: "provision",
		Name:      "races_total",
		Help:      "Number of provisioning requests, by result.",
	}, []string{"result"})
	reg.MustRegister(m.races)
	m.timeToReady = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spotrelay",
		Subsystem: "provision",
		Name:      "time_to_ready_seconds",
		Help:      "Time from CreateNode to first successful probe, for race winners.",
		Buckets:   []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 300},
	})
	reg.MustRegister(m.timeToReady)
	return m
}
