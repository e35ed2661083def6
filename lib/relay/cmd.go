// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"git.arvados.org/spotrelay.git/lib/cmd"
	"git.arvados.org/spotrelay.git/lib/config"
	"git.arvados.org/spotrelay.git/lib/failover"
	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/lib/provision"
	"git.arvados.org/spotrelay.git/lib/service"
	"git.arvados.org/spotrelay.git/lib/snapshot"
	"git.arvados.org/spotrelay.git/lib/warmpool"
	"git.arvados.org/spotrelay.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
)

// ServerCommand runs the relay service.
var ServerCommand = service.Command(NewHandler)

// Commands that act on the configured cluster and exit. They share
// the state store with the server, so with the badger driver they
// cannot run while the server is running.
var (
	ProvisionCommand cmd.RunFunc = provisionCommand
	FailoverCommand  cmd.RunFunc = failoverCommand
	SnapshotCommand              = cmd.Multi(map[string]cmd.RunFunc{
		"capture":  snapshotCaptureCommand,
		"restore":  snapshotRestoreCommand,
		"validate": snapshotValidateCommand,
		"list":     snapshotListCommand,
	})
	PoolCommand = cmd.Multi(map[string]cmd.RunFunc{
		"enable":   poolEnableCommand,
		"status":   poolStatusCommand,
		"retry":    poolRetryCommand,
		"teardown": poolTeardownCommand,
	})
)

// oneShot loads the config, builds a stack, and runs fn. fn's
// result is written to stdout as JSON.
type oneShot struct {
	flags      *flag.FlagSet
	positional string
	opts       Options
}

// oneShotOptions are passed to NewStack by one-shot commands. Tests
// use this to substitute components.
var oneShotOptions Options

func newOneShot() *oneShot {
	return &oneShot{
		flags: flag.NewFlagSet("", flag.ContinueOnError),
		opts:  oneShotOptions,
	}
}

func (os1 *oneShot) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer, fn func(context.Context, *Stack) (interface{}, error)) int {
	logger := ctxlog.New(stderr, "text", "info")
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(os1.flags)
	if ok, code := cmd.ParseFlags(os1.flags, prog, args, os1.positional, stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		logger.WithError(err).Error("error loading config")
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		logger.WithError(err).Error("error loading config")
		return 1
	}
	logger = ctxlog.New(stderr, "text", cluster.SystemLogs.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	st, err := NewStack(ctx, cluster, os1.opts, logger, prometheus.NewRegistry())
	if err != nil {
		logger.WithError(err).Error("error initializing")
		return 1
	}
	defer st.Close()

	result, err := fn(ctx, st)
	if result != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(result); encErr != nil {
			logger.WithError(encErr).Error("error writing output")
			return 1
		}
	}
	if err != nil {
		logger.WithError(err).Error("command failed")
		return 1
	}
	return 0
}

// errUsage is returned by a command when required flags are missing.
var errUsage = errors.New("missing required arguments (try -help)")

func provisionFlags(fs *flag.FlagSet, req *provision.Request) {
	fs.StringVar(&req.Resources.GPUName, "gpu", "", "GPU model `name`, e.g., \"RTX 4090\"")
	fs.IntVar(&req.Resources.MinGPUs, "gpus", 0, "minimum number of GPUs")
	fs.IntVar(&req.Resources.MinGPURAMMB, "min-gpu-ram", 0, "minimum GPU RAM in `MB`")
	fs.IntVar(&req.Resources.MinRAMMB, "min-ram", 0, "minimum RAM in `MB`")
	fs.Float64Var(&req.Resources.MinDiskGB, "min-disk", 0, "minimum disk in `GB`")
	fs.Float64Var(&req.MaxPrice, "max-price", 0, "maximum price in `dollars` per hour")
	fs.StringVar(&req.Image, "image", "", "container `image` (default Market.Image)")
	fs.Float64Var(&req.DiskGB, "disk", 0, "disk to allocate in `GB` (default Market.DiskSize)")
}

func provisionCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	os1 := newOneShot()
	var req provision.Request
	provisionFlags(os1.flags, &req)
	os1.flags.StringVar(&req.Label, "label", "spotrelay", "node label `prefix`")
	return os1.run(prog, args, stdin, stdout, stderr, func(ctx context.Context, st *Stack) (interface{}, error) {
		if req.Image == "" {
			req.Image = st.Cluster.Market.Image
		}
		if req.DiskGB == 0 {
			req.DiskGB = float64(st.Cluster.Market.DiskSize.GB())
		}
		if req.StartupScript == "" {
			req.StartupScript = st.Cluster.Market.StartupScript
		}
		out := st.Provisioner.Provision(ctx, req)
		if !out.Success {
			return out, errors.New(out.Error)
		}
		return out, nil
	})
}

func failoverCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	os1 := newOneShot()
	var req failover.Request
	var nodeID, strategy string
	os1.flags.StringVar(&req.MachineID, "machine", "", "logical machine `id` (required)")
	os1.flags.StringVar(&nodeID, "node", "", "failing node `id` (required)")
	os1.flags.StringVar(&req.Endpoint, "endpoint", "", "failing node's `host:port`, if known")
	os1.flags.StringVar(&strategy, "strategy", "", "`strategy`: disabled, warm-pool, cpu-standby, or both (default Failover.Strategy)")
	os1.flags.StringVar(&req.WorkspacePath, "workspace", "", "workspace `path` (default Snapshot.WorkspacePath)")
	provisionFlags(os1.flags, &req.Provision)
	return os1.run(prog, args, stdin, stdout, stderr, func(ctx context.Context, st *Stack) (interface{}, error) {
		if req.MachineID == "" || nodeID == "" {
			return nil, errUsage
		}
		if strategy != "" {
			s, err := failover.ParseStrategy(strategy)
			if err != nil {
				return nil, err
			}
			req.Strategy = s
		}
		req.NodeID = market.NodeID(nodeID)
		if err := st.Resume(ctx); err != nil {
			return nil, err
		}
		return st.Failover.Execute(ctx, req)
	})
}

type snapshotFlags struct {
	node, id, endpoint, workspace string
}

func (sf *snapshotFlags) setup(fs *flag.FlagSet) {
	fs.StringVar(&sf.node, "node", "", "source node `id`")
	fs.StringVar(&sf.id, "id", "", "snapshot `id` (default latest snapshot of -node)")
	fs.StringVar(&sf.endpoint, "endpoint", "", "node `host:port`")
	fs.StringVar(&sf.workspace, "workspace", "", "workspace `path` (default Snapshot.WorkspacePath)")
}

func (sf *snapshotFlags) workspacePath(st *Stack) string {
	if sf.workspace != "" {
		return sf.workspace
	}
	return st.Cluster.Snapshot.WorkspacePath
}

// manifest returns the snapshot named by -id, or the latest snapshot
// of -node.
func (sf *snapshotFlags) manifest(ctx context.Context, st *Stack) (*snapshot.Manifest, error) {
	switch {
	case sf.id != "":
		return st.Snapshots.LoadManifest(ctx, sf.id)
	case sf.node != "":
		return st.Snapshots.Latest(ctx, sf.node)
	default:
		return nil, errUsage
	}
}

func snapshotCaptureCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	os1 := newOneShot()
	var sf snapshotFlags
	sf.setup(os1.flags)
	full := os1.flags.Bool("full", false, "take a full snapshot even if an incremental one is possible")
	return os1.run(prog, args, stdin, stdout, stderr, func(ctx context.Context, st *Stack) (interface{}, error) {
		if sf.node == "" || sf.endpoint == "" {
			return nil, errUsage
		}
		if *full {
			return st.Snapshots.Capture(ctx, sf.node, sf.endpoint, sf.workspacePath(st), nil)
		}
		return st.Snapshots.CaptureLatest(ctx, sf.node, sf.endpoint, sf.workspacePath(st))
	})
}

func snapshotRestoreCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	os1 := newOneShot()
	var sf snapshotFlags
	sf.setup(os1.flags)
	return os1.run(prog, args, stdin, stdout, stderr, func(ctx context.Context, st *Stack) (interface{}, error) {
		if sf.endpoint == "" {
			return nil, errUsage
		}
		m, err := sf.manifest(ctx, st)
		if err != nil {
			return nil, err
		}
		return st.Snapshots.RestoreChain(ctx, m, sf.endpoint, sf.workspacePath(st))
	})
}

func snapshotValidateCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	os1 := newOneShot()
	var sf snapshotFlags
	sf.setup(os1.flags)
	return os1.run(prog, args, stdin, stdout, stderr, func(ctx context.Context, st *Stack) (interface{}, error) {
		if sf.endpoint == "" {
			return nil, errUsage
		}
		m, err := sf.manifest(ctx, st)
		if err != nil {
			return nil, err
		}
		return st.Snapshots.Validate(ctx, sf.endpoint, sf.workspacePath(st), m)
	})
}

func snapshotListCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	os1 := newOneShot()
	node := os1.flags.String("node", "", "source node `id` (required)")
	return os1.run(prog, args, stdin, stdout, stderr, func(ctx context.Context, st *Stack) (interface{}, error) {
		if *node == "" {
			return nil, errUsage
		}
		ents, err := st.Store.ListSnapshots(ctx, *node)
		if ents == nil {
			ents = []snapshot.IndexEntry{}
		}
		return ents, err
	})
}

func poolEnableCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	os1 := newOneShot()
	machine := os1.flags.String("machine", "", "logical machine `id` (required)")
	var params warmpool.Params
	os1.flags.StringVar(&params.GPUName, "gpu", "", "GPU model `name` (default WarmPool.GPUName)")
	os1.flags.Float64Var(&params.MaxPrice, "max-price", 0, "maximum price in `dollars` per hour (default WarmPool.MaxPrice)")
	os1.flags.StringVar(&params.Image, "image", "", "container `image` (default Market.Image)")
	os1.flags.Float64Var(&params.DiskGB, "disk", 0, "volume size in `GB` (default Market.DiskSize)")
	return os1.run(prog, args, stdin, stdout, stderr, func(ctx context.Context, st *Stack) (interface{}, error) {
		if *machine == "" {
			return nil, errUsage
		}
		cc := st.Cluster
		if params.GPUName == "" {
			params.GPUName = cc.WarmPool.GPUName
		}
		if params.MaxPrice == 0 {
			params.MaxPrice = cc.WarmPool.MaxPrice
		}
		if params.Image == "" {
			params.Image = cc.Market.Image
		}
		if params.DiskGB == 0 {
			params.DiskGB = float64(cc.Market.DiskSize.GB())
		}
		params.StartupScript = cc.Market.StartupScript
		if params.GPUName == "" {
			return nil, errors.New("no GPU name given (use -gpu or set WarmPool.GPUName)")
		}
		if err := st.Resume(ctx); err != nil {
			return nil, err
		}
		mgr := st.Pools.Manager(*machine)
		err := mgr.Enable(ctx, params)
		return mgr.Status(), err
	})
}

func poolStatusCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	os1 := newOneShot()
	machine := os1.flags.String("machine", "", "logical machine `id` (default all)")
	return os1.run(prog, args, stdin, stdout, stderr, func(ctx context.Context, st *Stack) (interface{}, error) {
		if *machine == "" {
			recs, err := st.Store.ListPools(ctx)
			if recs == nil {
				recs = []warmpool.Record{}
			}
			return recs, err
		}
		rec, err := st.Store.LoadPool(ctx, *machine)
		if errors.Is(err, warmpool.ErrNoRecord) {
			return nil, fmt.Errorf("%w for machine %s", err, *machine)
		}
		return rec, err
	})
}

func poolRetryCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	os1 := newOneShot()
	machine := os1.flags.String("machine", "", "logical machine `id` (required)")
	return os1.run(prog, args, stdin, stdout, stderr, func(ctx context.Context, st *Stack) (interface{}, error) {
		mgr, err := resumedPool(ctx, st, *machine)
		if err != nil {
			return nil, err
		}
		err = mgr.Retry(ctx)
		return mgr.Status(), err
	})
}

func poolTeardownCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	os1 := newOneShot()
	machine := os1.flags.String("machine", "", "logical machine `id` (required)")
	deletePrimary := os1.flags.Bool("delete-primary", false, "also delete the primary node")
	return os1.run(prog, args, stdin, stdout, stderr, func(ctx context.Context, st *Stack) (interface{}, error) {
		mgr, err := resumedPool(ctx, st, *machine)
		if err != nil {
			return nil, err
		}
		err = mgr.Teardown(ctx, *deletePrimary)
		return mgr.Status(), err
	})
}

func resumedPool(ctx context.Context, st *Stack, machine string) (*warmpool.Manager, error) {
	if machine == "" {
		return nil, errUsage
	}
	if err := st.Resume(ctx); err != nil {
		return nil, err
	}
	mgr, ok := st.Pools.Lookup(machine)
	if !ok {
		return nil, fmt.Errorf("%w for machine %s", warmpool.ErrNoRecord, machine)
	}
	return mgr, nil
}
