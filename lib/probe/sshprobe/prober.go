// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package sshprobe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const defaultProbeCommand = "true"

// Prober runs a command on an endpoint over SSH, and reports success
// if the command exits 0. Connections to endpoints that pass are kept
// open for reuse by later probes and by Run.
type Prober struct {
	User    string
	Signers []ssh.Signer
	// Probe command. Default "true".
	Command string
	// Command run by SmokeTest. If empty, SmokeTest only probes.
	SmokeTestCommand string
	DialTimeout      time.Duration
	Logger           logrus.FieldLogger

	mtx       sync.Mutex
	executors map[string]*Executor
}

// Executor returns the (possibly shared) Executor for the given
// endpoint.
func (p *Prober) Executor(endpoint string) *Executor {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.executors == nil {
		p.executors = map[string]*Executor{}
	}
	exr, ok := p.executors[endpoint]
	if !ok {
		exr = NewExecutor(endpoint, p.User, p.Signers...)
		if p.DialTimeout > 0 {
			exr.SetDialTimeout(p.DialTimeout)
		}
		p.executors[endpoint] = exr
	}
	return exr
}

// Forget closes and discards any connection to the given endpoint.
func (p *Prober) Forget(endpoint string) {
	p.mtx.Lock()
	exr, ok := p.executors[endpoint]
	delete(p.executors, endpoint)
	p.mtx.Unlock()
	if ok {
		go exr.Close()
	}
}

// Close closes all connections.
func (p *Prober) Close() {
	p.mtx.Lock()
	exrs := p.executors
	p.executors = nil
	p.mtx.Unlock()
	for _, exr := range exrs {
		exr.Close()
	}
}

// Run runs cmd on the endpoint and returns its output. A non-zero
// exit status is returned as an error that includes stderr.
func (p *Prober) Run(ctx context.Context, endpoint, cmd string) ([]byte, []byte, error) {
	stdout, stderr, err := p.Executor(endpoint).Execute(ctx, nil, cmd, nil)
	if err != nil {
		if _, ok := err.(*ssh.ExitError); ok {
			err = fmt.Errorf("%q failed: %w (stderr: %q)", cmd, err, bytes.TrimSpace(stderr))
		} else {
			p.Forget(endpoint)
		}
	}
	return stdout, stderr, err
}

func (p *Prober) Probe(ctx context.Context, endpoint string) error {
	cmd := p.Command
	if cmd == "" {
		cmd = defaultProbeCommand
	}
	_, _, err := p.Run(ctx, endpoint, cmd)
	if err != nil && p.Logger != nil {
		p.Logger.WithField("Endpoint", endpoint).WithError(err).Debug("probe failed")
	}
	return err
}

// SmokeTest runs SmokeTestCommand on the endpoint. If
// SmokeTestCommand is empty, it runs the probe command instead.
func (p *Prober) SmokeTest(ctx context.Context, endpoint string) error {
	if p.SmokeTestCommand == "" {
		return p.Probe(ctx, endpoint)
	}
	stdout, _, err := p.Run(ctx, endpoint, p.SmokeTestCommand)
	if err != nil {
		return err
	}
	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"Endpoint": endpoint,
			"Output":   string(bytes.TrimSpace(stdout)),
		}).Info("smoke test passed")
	}
	return nil
}

// LoadSigner parses a PEM-encoded private key. If key starts with
// "file://", the key is read from the named file.
func LoadSigner(key string) (ssh.Signer, error) {
	if strings.HasPrefix(key, "file://") {
		buf, err := os.ReadFile(strings.TrimPrefix(key, "file://"))
		if err != nil {
			return nil, err
		}
		key = string(buf)
	}
	return ssh.ParsePrivateKey([]byte(key))
}
