// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sshprobe runs reachability probes and smoke tests on nodes
// over long-lived multiplexed SSH connections.
package sshprobe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

var ErrNoAddress = errors.New("node has no address")

// An Executor uses a multiplexed SSH connection to execute shell
// commands on a remote endpoint. It reconnects automatically after
// errors.
//
// Marketplace nodes generate their host keys at boot, so the first
// host key seen is accepted, and a different key on a later
// connection is an error.
//
// An Executor must not be copied.
type Executor struct {
	endpoint string
	user     string
	signers  []ssh.Signer
	timeout  time.Duration

	client      *ssh.Client
	clientErr   error
	clientOnce  sync.Once     // initialized private state
	clientSetup chan bool     // len>0 while client setup is in progress
	hostKey     ssh.PublicKey // first host key received, if any
}

// NewExecutor returns an Executor that connects to endpoint (host or
// host:port, default port 22) as the given user.
func NewExecutor(endpoint, user string, signers ...ssh.Signer) *Executor {
	return &Executor{
		endpoint: endpoint,
		user:     user,
		signers:  signers,
		timeout:  time.Minute,
	}
}

// SetDialTimeout sets the timeout for establishing new connections.
func (exr *Executor) SetDialTimeout(d time.Duration) {
	exr.timeout = d
}

// Execute runs cmd on the endpoint. If an existing connection is not
// usable, it sets up a new connection. If ctx is canceled before the
// command finishes, the session is closed and ctx.Err() is returned.
func (exr *Executor) Execute(ctx context.Context, env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	session, err := exr.newSession(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	for k, v := range env {
		err = session.Setenv(k, v)
		if err != nil {
			return nil, nil, err
		}
	}
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		session.Close()
		err = ctx.Err()
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// Client returns the current SSH client, connecting first if needed.
// The caller must not close it.
func (exr *Executor) Client(ctx context.Context) (*ssh.Client, error) {
	client, err := exr.sshClient(ctx, false)
	if err == nil && client != nil {
		// Check the connection is still alive.
		_, _, err = client.SendRequest("keepalive@openssh.com", true, nil)
		if err == nil {
			return client, nil
		}
	}
	return exr.sshClient(ctx, true)
}

// Close shuts down any active connections.
func (exr *Executor) Close() {
	// Ensure exr is initialized
	exr.sshClient(context.Background(), false)

	exr.clientSetup <- true
	if exr.client != nil {
		defer exr.client.Close()
	}
	exr.client, exr.clientErr = nil, errors.New("closed")
	<-exr.clientSetup
}

// Create a new SSH session. If session setup fails or the SSH client
// hasn't been setup yet, setup a new SSH client and try again.
func (exr *Executor) newSession(ctx context.Context) (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := exr.sshClient(ctx, create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// Get the latest SSH client. If another goroutine is in the process
// of setting one up, wait for it to finish and return its result (or
// the last successfully setup client, if it fails).
func (exr *Executor) sshClient(ctx context.Context, create bool) (*ssh.Client, error) {
	exr.clientOnce.Do(func() {
		exr.clientSetup = make(chan bool, 1)
		exr.clientErr = errors.New("client not yet created")
	})
	defer func() { <-exr.clientSetup }()
	select {
	case exr.clientSetup <- true:
		if create {
			client, err := exr.setupSSHClient(ctx)
			if err == nil || exr.client == nil {
				if exr.client != nil {
					// Hang up the previous
					// (non-working) client
					go exr.client.Close()
				}
				exr.client, exr.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		// Another goroutine is doing the above case.  Wait
		// for it to finish and return whatever it leaves in
		// exr.client.
		exr.clientSetup <- true
	}
	return exr.client, exr.clientErr
}

func (exr *Executor) hostPort() string {
	if exr.endpoint == "" {
		return ""
	}
	h, p, err := net.SplitHostPort(exr.endpoint)
	if err != nil || p == "" {
		if h == "" {
			h = exr.endpoint
		}
		p = "22"
	}
	return net.JoinHostPort(h, p)
}

// Create a new SSH client.
func (exr *Executor) setupSSHClient(ctx context.Context) (*ssh.Client, error) {
	addr := exr.hostPort()
	if addr == "" {
		return nil, ErrNoAddress
	}
	dialer := net.Dialer{Timeout: exr.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	var receivedKey ssh.PublicKey
	sshconn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User: exr.user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(exr.signers...),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			receivedKey = key
			return nil
		},
		Timeout: exr.timeout,
	})
	if err != nil {
		conn.Close()
		return nil, err
	} else if receivedKey == nil {
		conn.Close()
		return nil, errors.New("BUG: key was never provided to HostKeyCallback")
	}
	conn.SetDeadline(time.Time{})
	if exr.hostKey == nil {
		exr.hostKey = receivedKey
	} else if !bytes.Equal(exr.hostKey.Marshal(), receivedKey.Marshal()) {
		conn.Close()
		return nil, errors.New("host key changed since first connection")
	}
	return ssh.NewClient(sshconn, chans, reqs), nil
}
