// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package relay assembles the market, prober, state store, snapshot
// engine, warm pools, provisioner, and failover orchestrator
// configured for a cluster, and serves the management API.
package relay

import (
	"context"
	"errors"
	"fmt"

	"git.arvados.org/spotrelay.git/lib/failover"
	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/lib/market/vastai"
	"git.arvados.org/spotrelay.git/lib/objstore"
	"git.arvados.org/spotrelay.git/lib/probe"
	"git.arvados.org/spotrelay.git/lib/probe/sshprobe"
	"git.arvados.org/spotrelay.git/lib/provision"
	"git.arvados.org/spotrelay.git/lib/snapshot"
	"git.arvados.org/spotrelay.git/lib/store"
	"git.arvados.org/spotrelay.git/lib/warmpool"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Drivers maps Market.Driver config values to market drivers.
var Drivers = map[string]market.Driver{
	"vastai": vastai.Driver,
}

// NewMarket returns the market configured for cluster.
func NewMarket(cluster *spotrelay.Cluster, logger logrus.FieldLogger) (market.Market, error) {
	driver, ok := Drivers[cluster.Market.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported market driver %q", cluster.Market.Driver)
	}
	mkt, err := driver.Market(cluster, logger.WithField("MarketDriver", cluster.Market.Driver))
	if err != nil {
		return nil, fmt.Errorf("error initializing market driver: %w", err)
	}
	return mkt, nil
}

// Options override components that would otherwise be built from the
// cluster config. Zero fields mean "use the config".
type Options struct {
	Market    market.Market
	Prober    probe.Prober
	Connector snapshot.Connector
	Store     store.Store
}

// A Stack is the set of components serving one cluster.
type Stack struct {
	Cluster     *spotrelay.Cluster
	Market      market.Market
	Prober      probe.Prober
	Store       store.Store
	Objects     objstore.Store
	Pools       *warmpool.Registry
	Provisioner *provision.Provisioner
	Snapshots   *snapshot.Engine
	Failover    *failover.Orchestrator

	ssh     *sshprobe.Prober
	auditor *failover.NATSAuditor
	logger  logrus.FieldLogger
}

// NewStack builds the components configured for cluster. Metrics are
// registered on reg. The caller must call Close when done.
func NewStack(ctx context.Context, cluster *spotrelay.Cluster, opts Options, logger logrus.FieldLogger, reg *prometheus.Registry) (*Stack, error) {
	st := &Stack{Cluster: cluster, logger: logger}
	err := st.init(ctx, opts, reg)
	if err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func (st *Stack) init(ctx context.Context, opts Options, reg *prometheus.Registry) error {
	cluster := st.Cluster
	var err error

	st.Market = opts.Market
	if st.Market == nil {
		st.Market, err = NewMarket(cluster, st.logger)
		if err != nil {
			return err
		}
	}

	st.Prober = opts.Prober
	if st.Prober == nil {
		st.Prober, err = st.newProber()
		if err != nil {
			return err
		}
	}

	st.Store = opts.Store
	if st.Store == nil {
		st.Store, err = store.Open(cluster, st.logger)
		if err != nil {
			return fmt.Errorf("error opening state store: %w", err)
		}
	}

	st.Objects, err = objstore.New(ctx, cluster.Snapshot.Storage, st.logger, reg)
	if err != nil {
		return fmt.Errorf("error initializing snapshot storage: %w", err)
	}

	connector := opts.Connector
	if connector == nil {
		if st.ssh != nil {
			connector = snapshot.SFTPConnector{
				Prober:                st.ssh,
				Port:                  cluster.Snapshot.SFTPPort,
				MaxConcurrentRequests: cluster.Snapshot.Concurrency,
			}
		} else {
			connector = snapshot.LocalConnector{}
		}
	}
	st.Snapshots, err = snapshot.NewEngine(st.Objects, st.Store, connector, snapshot.ConfigFromCluster(cluster.Snapshot), st.logger, reg)
	if err != nil {
		return err
	}

	st.Pools = warmpool.NewRegistry(st.Market, st.Prober, st.Store, warmpool.ConfigFromCluster(cluster), st.logger, reg)
	st.Provisioner = provision.New(st.Market, st.Prober, provision.RoundConfigFromCluster(cluster.Provision), st.logger, reg)

	fcfg, err := failover.ConfigFromCluster(cluster)
	if err != nil {
		return err
	}
	var auditor failover.Auditor = failover.LogAuditor{Logger: st.logger}
	if nc := cluster.Events.NATS; nc.URL != "" {
		st.auditor, err = failover.NewNATSAuditor(nc.URL, nc.Subject, st.logger)
		if err != nil {
			return fmt.Errorf("error connecting to NATS: %w", err)
		}
		auditor = st.auditor
	}
	deps := failover.Deps{
		WarmPools:   st.Pools,
		Provisioner: st.Provisioner,
		Snapshots:   st.Snapshots,
		Prober:      st.Prober,
		Market:      st.Market,
		Auditor:     auditor,
	}
	if st.ssh != nil && st.ssh.SmokeTestCommand != "" {
		deps.SmokeTester = st.ssh
	}
	st.Failover = failover.New(deps, fcfg, st.logger, reg)
	return nil
}

func (st *Stack) newProber() (probe.Prober, error) {
	pc := st.Cluster.Probe
	switch pc.Method {
	case "tcp":
		return probe.TCP{Timeout: pc.Timeout.Duration()}, nil
	case "ssh", "":
		if pc.PrivateKey == "" {
			return nil, errors.New("Probe.PrivateKey is required when Probe.Method is ssh")
		}
		signer, err := sshprobe.LoadSigner(pc.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("error loading Probe.PrivateKey: %w", err)
		}
		st.ssh = &sshprobe.Prober{
			User:             pc.RemoteUser,
			Signers:          []ssh.Signer{signer},
			Command:          pc.Command,
			SmokeTestCommand: st.Cluster.Failover.SmokeTestCommand,
			DialTimeout:      pc.Timeout.Duration(),
			Logger:           st.logger,
		}
		return st.ssh, nil
	default:
		return nil, fmt.Errorf("unknown probe method %q", pc.Method)
	}
}

// Resume reloads warm pools saved by a previous process and restarts
// health checking for active ones.
func (st *Stack) Resume(ctx context.Context) error {
	return st.Pools.Resume(ctx)
}

// Close stops warm pool health checks and releases connections. It
// does not delete any nodes.
func (st *Stack) Close() {
	if st.Pools != nil {
		st.Pools.Close()
	}
	if st.auditor != nil {
		if err := st.auditor.Close(); err != nil {
			st.logger.WithError(err).Warn("error closing NATS connection")
		}
	}
	if st.ssh != nil {
		st.ssh.Close()
	}
	if st.Store != nil {
		if err := st.Store.Close(); err != nil {
			st.logger.WithError(err).Warn("error closing state store")
		}
	}
}
