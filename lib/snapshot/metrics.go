// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	captures     *prometheus.CounterVec
	restores     *prometheus.CounterVec
	logicalBytes prometheus.Counter
	storedBytes  prometheus.Counter
	duration     *prometheus.HistogramVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{}
	m.captures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotrelay",
		Subsystem: "snapshot",
		Name:      "captures_total",
		Help:      "Number of snapshot captures, by kind and result.",
	}, []string{"kind", "result"})
	reg.MustRegister(m.captures)
	m.restores = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotrelay",
		Subsystem: "snapshot",
		Name:      "restores_total",
		Help:      "Number of snapshot restores, by result.",
	}, []string{"result"})
	reg.MustRegister(m.restores)
	m.logicalBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spotrelay",
		Subsystem: "snapshot",
		Name:      "logical_bytes_total",
		Help:      "Uncompressed bytes captured.",
	})
	reg.MustRegister(m.logicalBytes)
	m.storedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spotrelay",
		Subsystem: "snapshot",
		Name:      "stored_bytes_total",
		Help:      "Compressed bytes uploaded.",
	})
	reg.MustRegister(m.storedBytes)
	m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spotrelay",
		Subsystem: "snapshot",
		Name:      "duration_seconds",
		Help:      "Time spent capturing, restoring, and validating snapshots.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"operation"})
	reg.MustRegister(m.duration)
	return m
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
