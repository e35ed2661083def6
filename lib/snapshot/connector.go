// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snapshot

import (
	"context"
	"fmt"
	"io"
	"net"

	"git.arvados.org/spotrelay.git/lib/probe/sshprobe"
	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"github.com/spf13/afero/sftpfs"
)

// A Connector gives access to the filesystem of the node at the
// given endpoint. The caller must close the returned Closer when
// done with the filesystem.
type Connector interface {
	Connect(ctx context.Context, endpoint string) (afero.Fs, io.Closer, error)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// LocalConnector returns the same filesystem for every endpoint. A
// nil Fs means the local OS filesystem.
type LocalConnector struct {
	Fs afero.Fs
}

func (lc LocalConnector) Connect(ctx context.Context, endpoint string) (afero.Fs, io.Closer, error) {
	if lc.Fs == nil {
		return afero.NewOsFs(), nopCloser{}, nil
	}
	return lc.Fs, nopCloser{}, nil
}

// SFTPConnector opens an SFTP session over the prober's shared SSH
// connection to each endpoint.
type SFTPConnector struct {
	Prober *sshprobe.Prober
	// If not empty, connect to this port instead of the
	// endpoint's port.
	Port string
	// Maximum concurrent requests per file.
	MaxConcurrentRequests int
}

func (sc SFTPConnector) Connect(ctx context.Context, endpoint string) (afero.Fs, io.Closer, error) {
	if sc.Port != "" {
		host, _, err := net.SplitHostPort(endpoint)
		if err != nil {
			host = endpoint
		}
		endpoint = net.JoinHostPort(host, sc.Port)
	}
	client, err := sc.Prober.Executor(endpoint).Client(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh %s: %w", endpoint, err)
	}
	var opts []sftp.ClientOption
	if sc.MaxConcurrentRequests > 0 {
		opts = append(opts, sftp.MaxConcurrentRequestsPerFile(sc.MaxConcurrentRequests))
	}
	sftpClient, err := sftp.NewClient(client, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("sftp %s: %w", endpoint, err)
	}
	return sftpfs.New(sftpClient), sftpClient, nil
}
