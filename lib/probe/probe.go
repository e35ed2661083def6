// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package probe checks whether a node's endpoint is reachable.
package probe

import (
	"context"
	"errors"
	"net"
	"time"
)

// A Prober checks reachability of an endpoint (host:port). It
// returns nil if the endpoint is usable.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// Func makes a Prober from a function. This is similar to
// http.HandlerFunc.
type Func func(ctx context.Context, endpoint string) error

func (f Func) Probe(ctx context.Context, endpoint string) error {
	return f(ctx, endpoint)
}

var ErrNoEndpoint = errors.New("no endpoint")

// Check runs one probe, bounded by timeout, and reports whether it
// succeeded.
func Check(ctx context.Context, p Prober, endpoint string, timeout time.Duration) bool {
	return CheckErr(ctx, p, endpoint, timeout) == nil
}

// CheckErr is like Check, but returns the probe error.
func CheckErr(ctx context.Context, p Prober, endpoint string, timeout time.Duration) error {
	if endpoint == "" {
		return ErrNoEndpoint
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return p.Probe(ctx, endpoint)
}

// TCP is a Prober that succeeds if a TCP connection to the endpoint
// can be established.
type TCP struct {
	// Upper bound on each connection attempt, in addition to the
	// caller's context deadline. Zero means no extra bound.
	Timeout time.Duration
}

func (t TCP) Probe(ctx context.Context, endpoint string) error {
	dialer := net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return err
	}
	return conn.Close()
}
