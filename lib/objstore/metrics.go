// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package objstore

import (
	"context"
	"errors"
	"io"

	"github.com/prometheus/client_golang/prometheus"
)

type storeMetricsVecs struct {
	ioBytes     *prometheus.CounterVec
	errCounters *prometheus.CounterVec
	opsCounters *prometheus.CounterVec
}

func newStoreMetricsVecs(reg *prometheus.Registry) *storeMetricsVecs {
	m := &storeMetricsVecs{}
	m.opsCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotrelay",
			Subsystem: "objstore",
			Name:      "operations",
			Help:      "Number of object storage operations",
		},
		[]string{"driver", "operation"},
	)
	m.errCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotrelay",
			Subsystem: "objstore",
			Name:      "errors",
			Help:      "Number of object storage errors",
		},
		[]string{"driver", "operation"},
	)
	m.ioBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spotrelay",
			Subsystem: "objstore",
			Name:      "io_bytes",
			Help:      "Object storage traffic in bytes",
		},
		[]string{"driver", "direction"},
	)
	if reg != nil {
		reg.MustRegister(m.opsCounters, m.errCounters, m.ioBytes)
	}
	return m
}

// Instrument returns a Store that counts operations, errors, and
// bytes transferred. If reg is nil, the counters are not exported.
func Instrument(store Store, driver string, reg *prometheus.Registry) Store {
	m := newStoreMetricsVecs(reg)
	lbls := prometheus.Labels{"driver": driver}
	return &instrumented{
		Store: store,
		ops:   m.opsCounters.MustCurryWith(lbls),
		errs:  m.errCounters.MustCurryWith(lbls),
		io:    m.ioBytes.MustCurryWith(lbls),
	}
}

type instrumented struct {
	Store
	ops  *prometheus.CounterVec
	errs *prometheus.CounterVec
	io   *prometheus.CounterVec
}

func (is *instrumented) tick(op string, err error) {
	is.ops.WithLabelValues(op).Inc()
	if err != nil && !errors.Is(err, ErrNotExist) {
		is.errs.WithLabelValues(op).Inc()
	}
}

func (is *instrumented) Put(ctx context.Context, key string, data io.Reader) error {
	err := is.Store.Put(ctx, key, &countingReader{r: data, counter: is.io.WithLabelValues("out")})
	is.tick("put", err)
	return err
}

func (is *instrumented) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rdr, err := is.Store.Get(ctx, key)
	is.tick("get", err)
	if err != nil {
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{&countingReader{r: rdr, counter: is.io.WithLabelValues("in")}, rdr}, nil
}

func (is *instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := is.Store.List(ctx, prefix)
	is.tick("list", err)
	return keys, err
}

func (is *instrumented) Delete(ctx context.Context, key string) error {
	err := is.Store.Delete(ctx, key)
	is.tick("delete", err)
	return err
}

type countingReader struct {
	r       io.Reader
	counter prometheus.Counter
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(float64(n))
	}
	return n, err
}
