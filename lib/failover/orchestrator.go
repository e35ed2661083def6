// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package failover moves a workload off a failing node, either by
// promoting the standby of the machine's warm pool or by restoring a
// workspace snapshot onto a newly provisioned node.
//
// An execution is sequential: each phase starts only after the
// previous phase has finished, and the finalized Record either
// describes exactly one successful recovery path or the errors of
// every path attempted.
package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dario.cat/mergo"
	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/lib/probe"
	"git.arvados.org/spotrelay.git/lib/provision"
	"git.arvados.org/spotrelay.git/lib/snapshot"
	"git.arvados.org/spotrelay.git/lib/warmpool"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrDisabled   = errors.New("failover strategy is disabled")
	ErrInProgress = errors.New("failover already in progress")
	// ErrUnknownStrategy is returned for an unrecognized strategy
	// name.
	ErrUnknownStrategy = errors.New("unknown failover strategy")
)

// WarmPools is the subset of *warmpool.Registry used by the
// orchestrator.
type WarmPools interface {
	PoolStatus(machineID string) (warmpool.Record, bool)
	TriggerFailover(ctx context.Context, machineID string) (warmpool.FailoverResult, error)
}

type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) provision.Outcome
}

// Snapshotter is the subset of *snapshot.Engine used by the
// orchestrator.
type Snapshotter interface {
	Latest(ctx context.Context, nodeID string) (*snapshot.Manifest, error)
	CaptureLatest(ctx context.Context, nodeID, endpoint, workspacePath string) (*snapshot.Manifest, error)
	RestoreChain(ctx context.Context, m *snapshot.Manifest, endpoint, workspacePath string) (snapshot.RestoreStats, error)
	Validate(ctx context.Context, endpoint, workspacePath string, m *snapshot.Manifest) (snapshot.ValidationResult, error)
}

type SmokeTester interface {
	SmokeTest(ctx context.Context, endpoint string) error
}

type NodeDeleter interface {
	DeleteNode(ctx context.Context, id market.NodeID) error
}

// If the WarmPools implementation also has a FailoverGuard method
// (as *warmpool.Registry does), the orchestrator shares that guard,
// so pool health checks and orchestrated failovers of the same
// machine never overlap.
type guarded interface {
	FailoverGuard() *warmpool.Guard
}

// Deps are the components an Orchestrator drives. WarmPools may be
// nil if no warm pools are configured. SmokeTester may be nil to
// skip the smoke test phase. Auditor defaults to a LogAuditor.
type Deps struct {
	WarmPools   WarmPools
	Provisioner Provisioner
	Snapshots   Snapshotter
	Prober      probe.Prober
	SmokeTester SmokeTester
	Market      NodeDeleter
	Auditor     Auditor
}

type Config struct {
	// Strategy used when a request does not specify one.
	Strategy      Strategy
	WorkspacePath string
	// A snapshot younger than this is restored without taking a
	// new one.
	SnapshotMaxAge    time.Duration
	SnapshotTimeout   time.Duration
	RestoreTimeout    time.Duration
	ValidationTimeout time.Duration
	SmokeTestTimeout  time.Duration
	ProbeTimeout      time.Duration
	CleanupTimeout    time.Duration
	// Defaults for replacement node requests.
	Provision provision.Request
}

var defaultConfig = Config{
	Strategy:          StrategyBoth,
	WorkspacePath:     "/workspace",
	SnapshotMaxAge:    10 * time.Minute,
	SnapshotTimeout:   30 * time.Minute,
	RestoreTimeout:    30 * time.Minute,
	ValidationTimeout: 5 * time.Minute,
	SmokeTestTimeout:  5 * time.Minute,
	ProbeTimeout:      10 * time.Second,
	CleanupTimeout:    time.Minute,
}

// ConfigFromCluster converts the cluster's failover config.
func ConfigFromCluster(cluster *spotrelay.Cluster) (Config, error) {
	strategy, err := ParseStrategy(cluster.Failover.Strategy)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Strategy:          strategy,
		WorkspacePath:     cluster.Snapshot.WorkspacePath,
		SnapshotMaxAge:    cluster.Failover.SnapshotMaxAge.Duration(),
		SnapshotTimeout:   cluster.Failover.SnapshotTimeout.Duration(),
		RestoreTimeout:    cluster.Failover.RestoreTimeout.Duration(),
		ValidationTimeout: cluster.Failover.ValidationTimeout.Duration(),
		SmokeTestTimeout:  cluster.Failover.SmokeTestTimeout.Duration(),
		ProbeTimeout:      cluster.Probe.Timeout.Duration(),
		CleanupTimeout:    cluster.Provision.CleanupTimeout.Duration(),
		Provision: provision.Request{
			Image:         cluster.Market.Image,
			DiskGB:        float64(cluster.Market.DiskSize.GB()),
			StartupScript: cluster.Market.StartupScript,
		},
	}, nil
}

// Request identifies the failing node and how to replace it.
type Request struct {
	MachineID string
	NodeID    market.NodeID
	Endpoint  string
	// Empty means the orchestrator's configured strategy.
	Strategy      Strategy
	WorkspacePath string
	// Replacement node requirements. Zero fields take the
	// configured defaults.
	Provision provision.Request
}

// An Orchestrator runs failovers. At most one failover per machine ID
// runs at a time.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	logger  logrus.FieldLogger
	metrics *metrics
	guard   *warmpool.Guard
}

// New returns an Orchestrator. Zero fields in cfg take default
// values.
func New(deps Deps, cfg Config, logger logrus.FieldLogger, reg *prometheus.Registry) *Orchestrator {
	if err := mergo.Merge(&cfg, defaultConfig); err != nil {
		panic("bug: merge default failover config: " + err.Error())
	}
	if deps.Auditor == nil {
		deps.Auditor = LogAuditor{Logger: logger}
	}
	guard := &warmpool.Guard{}
	if g, ok := deps.WarmPools.(guarded); ok {
		guard = g.FailoverGuard()
	}
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(reg),
		guard:   guard,
	}
}

// execution tracks the phases of one Execute call.
type execution struct {
	rec     Record
	entered time.Time
	logger  logrus.FieldLogger
	metrics *metrics
}

func (ex *execution) enter(p Phase) {
	ex.entered = time.Now()
	ex.rec.PhaseHistory = append(ex.rec.PhaseHistory, PhaseEvent{Phase: p, At: ex.entered})
	ex.logger.WithField("Phase", p).Debug("entering phase")
}

// done records the duration of the current phase.
func (ex *execution) done() {
	p := ex.rec.Phase()
	d := time.Since(ex.entered)
	ex.rec.PhaseTimings[p] = spotrelay.Duration(d)
	ex.metrics.phaseDuration.WithLabelValues(p.String()).Observe(d.Seconds())
}

func (ex *execution) finish(err error) {
	ex.rec.FinishedAt = time.Now()
	ex.rec.Elapsed = spotrelay.Duration(ex.rec.FinishedAt.Sub(ex.rec.StartedAt))
	ex.rec.Success = err == nil
	if err != nil {
		ex.rec.Error = err.Error()
	}
}

var (
	warmPoolPhases   = []Phase{PhaseWarmPoolCheck, PhaseWarmPoolFailover}
	cpuStandbyPhases = []Phase{PhaseCPUStandbyCheck, PhaseSnapshotCreation, PhaseNodeAcquisition, PhaseSnapshotRestore, PhaseValidation, PhaseSmokeTest}
)

// Execute replaces the node described by req using the requested
// strategy. The returned Record is final. If the failover did not
// succeed, the returned error is also non-nil; errors.Is reports
// ErrDisabled and ErrInProgress for rejected requests, and matches
// the underlying errors of each failed path.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Record, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = o.cfg.Strategy
	}
	ex := &execution{
		rec: Record{
			ID:               uuid.NewString(),
			MachineID:        req.MachineID,
			Strategy:         strategy,
			OriginalNodeID:   req.NodeID,
			OriginalEndpoint: req.Endpoint,
			PhaseTimings:     map[Phase]spotrelay.Duration{},
			PhaseHistory:     []PhaseEvent{},
			StartedAt:        time.Now(),
		},
		metrics: o.metrics,
	}
	ex.logger = o.logger.WithFields(logrus.Fields{
		"FailoverID": ex.rec.ID,
		"MachineID":  req.MachineID,
		"NodeID":     req.NodeID,
		"Strategy":   strategy,
	})

	if _, err := ParseStrategy(string(strategy)); err != nil {
		return o.reject(ctx, ex, err)
	}
	if strategy == StrategyDisabled {
		return o.reject(ctx, ex, fmt.Errorf("%w for machine %s", ErrDisabled, req.MachineID))
	}
	release, ok := o.guard.TryAcquire(req.MachineID)
	if !ok {
		return o.reject(ctx, ex, fmt.Errorf("%w for machine %s", ErrInProgress, req.MachineID))
	}
	defer release()
	if o.deps.WarmPools != nil {
		if pool, ok := o.deps.WarmPools.PoolStatus(req.MachineID); ok && pool.State.FailingOver() {
			return o.reject(ctx, ex, fmt.Errorf("%w for machine %s (warm pool state is %s)", ErrInProgress, req.MachineID, pool.State))
		}
	}
	o.metrics.inFlight.Inc()
	defer o.metrics.inFlight.Dec()

	ex.enter(PhaseDetecting)
	reachable := req.Endpoint != "" && o.deps.Prober != nil && probe.Check(ctx, o.deps.Prober, req.Endpoint, o.cfg.ProbeTimeout)
	ex.logger.WithField("SourceReachable", reachable).Info("failover started")
	ex.done()

	var wpErr, cpuErr error
	if strategy.useWarmPool() {
		wpErr = o.warmPool(ctx, ex)
		if wpErr == nil {
			return o.succeed(ctx, ex, StrategyWarmPool)
		}
		ex.rec.WarmPoolError = wpErr.Error()
		ex.logger.WithError(wpErr).Warn("warm pool failover failed")
	}
	if strategy.useCPUStandby() {
		cpuErr = o.cpuStandby(ctx, ex, req, reachable)
		if cpuErr == nil {
			return o.succeed(ctx, ex, StrategyCPUStandby)
		}
		ex.rec.CPUStandbyError = cpuErr.Error()
		ex.logger.WithError(cpuErr).Warn("cpu standby failover failed")
	}
	return o.fail(ctx, ex, wpErr, cpuErr)
}

// reject finalizes a request that was refused before any phase ran.
func (o *Orchestrator) reject(ctx context.Context, ex *execution, err error) (Record, error) {
	ex.rec.FailedPhase = PhaseIdle.String()
	ex.finish(err)
	ex.logger.WithError(err).Warn("failover rejected")
	o.metrics.executions.WithLabelValues(string(ex.rec.Strategy), "rejected").Inc()
	o.audit(ctx, ex)
	return ex.rec, err
}

func (o *Orchestrator) succeed(ctx context.Context, ex *execution, used Strategy) (Record, error) {
	ex.rec.StrategySucceeded = used
	ex.enter(PhaseCompleted)
	ex.finish(nil)
	o.metrics.executions.WithLabelValues(string(ex.rec.Strategy), "success").Inc()
	o.audit(ctx, ex)
	return ex.rec, nil
}

// fail finalizes a failed execution. The failed phase is the first
// phase of the last attempted path that was entered but never
// finished.
func (o *Orchestrator) fail(ctx context.Context, ex *execution, wpErr, cpuErr error) (Record, error) {
	var err error
	switch {
	case wpErr != nil && cpuErr != nil:
		err = fmt.Errorf("warm pool: %w; cpu standby: %w", wpErr, cpuErr)
	case wpErr != nil:
		err = fmt.Errorf("warm pool: %w", wpErr)
	default:
		err = fmt.Errorf("cpu standby: %w", cpuErr)
	}
	phases := warmPoolPhases
	if cpuErr != nil {
		phases = cpuStandbyPhases
	}
	if p, ok := ex.rec.firstUntimed(phases); ok {
		ex.rec.FailedPhase = p.String()
	} else {
		ex.rec.FailedPhase = ex.rec.Phase().String()
	}
	ex.enter(PhaseFailed)
	ex.finish(err)
	o.metrics.executions.WithLabelValues(string(ex.rec.Strategy), "failure").Inc()
	o.audit(ctx, ex)
	return ex.rec, err
}

func (o *Orchestrator) audit(ctx context.Context, ex *execution) {
	if err := o.deps.Auditor.Audit(context.WithoutCancel(ctx), ex.rec); err != nil {
		ex.logger.WithError(err).Warn("error auditing failover record")
	}
}

func (o *Orchestrator) warmPool(ctx context.Context, ex *execution) error {
	ex.enter(PhaseWarmPoolCheck)
	if o.deps.WarmPools == nil {
		return fmt.Errorf("%w (warm pools are not configured)", warmpool.ErrNotActive)
	}
	pool, ok := o.deps.WarmPools.PoolStatus(ex.rec.MachineID)
	if !ok {
		return fmt.Errorf("%w (no warm pool for machine %s)", warmpool.ErrNotActive, ex.rec.MachineID)
	} else if pool.State != warmpool.StateActive {
		return fmt.Errorf("%w (state is %s)", warmpool.ErrNotActive, pool.State)
	} else if pool.StandbyNodeID == "" {
		return warmpool.ErrNoStandby
	}
	ex.done()

	ex.enter(PhaseWarmPoolFailover)
	res, err := o.deps.WarmPools.TriggerFailover(ctx, ex.rec.MachineID)
	if err != nil {
		return err
	}
	ex.rec.NewNodeID = res.NewPrimary
	ex.rec.NewEndpoint = res.Endpoint
	ex.done()
	return nil
}

func (o *Orchestrator) cpuStandby(ctx context.Context, ex *execution, req Request, reachable bool) error {
	ex.enter(PhaseCPUStandbyCheck)
	if o.deps.Snapshots == nil || o.deps.Provisioner == nil {
		return errors.New("snapshot engine and provisioner are not configured")
	}
	if req.NodeID == "" {
		return errors.New("no source node ID to find snapshots for")
	}
	workspace := req.WorkspacePath
	if workspace == "" {
		workspace = o.cfg.WorkspacePath
	}
	ex.done()

	ex.enter(PhaseSnapshotCreation)
	m, err := o.snapshot(ctx, ex, req, workspace, reachable)
	if err != nil {
		return err
	}
	ex.rec.SnapshotID = m.ID
	ex.logger = ex.logger.WithField("SnapshotID", m.ID)
	ex.done()

	ex.enter(PhaseNodeAcquisition)
	preq := req.Provision
	if preq.Label == "" {
		preq.Label = req.MachineID + "-failover"
	}
	if err := mergo.Merge(&preq, o.cfg.Provision); err != nil {
		return fmt.Errorf("bug: merge provision request: %w", err)
	}
	outcome := o.deps.Provisioner.Provision(ctx, preq)
	ex.rec.Provision = &outcome
	if !outcome.Success {
		return fmt.Errorf("acquire replacement node: %s", outcome.Error)
	}
	ex.rec.NewNodeID = outcome.NodeID
	ex.rec.NewEndpoint = outcome.Endpoint
	ex.logger = ex.logger.WithField("NewNodeID", outcome.NodeID)
	ex.done()

	if err := o.restore(ctx, ex, m, workspace); err != nil {
		o.deleteReplacement(ctx, ex)
		return err
	}
	return nil
}

// snapshot returns the snapshot to restore: a recent enough existing
// one, a new one if the source is reachable, or else the latest
// existing one.
func (o *Orchestrator) snapshot(ctx context.Context, ex *execution, req Request, workspace string, reachable bool) (*snapshot.Manifest, error) {
	ctx, cancel := withTimeout(ctx, o.cfg.SnapshotTimeout)
	defer cancel()
	nodeID := string(req.NodeID)
	latest, err := o.deps.Snapshots.Latest(ctx, nodeID)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNoSnapshot) {
			ex.logger.WithError(err).Warn("cannot load latest snapshot")
		}
		latest = nil
	}
	if latest != nil && time.Since(latest.CreatedAt) < o.cfg.SnapshotMaxAge {
		ex.logger.WithFields(logrus.Fields{
			"SnapshotID": latest.ID,
			"Age":        time.Since(latest.CreatedAt).Round(time.Second),
		}).Info("reusing recent snapshot")
		ex.rec.SnapshotReused = true
		return latest, nil
	}
	if reachable {
		m, err := o.deps.Snapshots.CaptureLatest(ctx, nodeID, req.Endpoint, workspace)
		if err == nil {
			return m, nil
		}
		if latest == nil {
			return nil, fmt.Errorf("capture snapshot: %w", err)
		}
		ex.logger.WithError(err).WithField("SnapshotID", latest.ID).Warn("capture failed, restoring older snapshot")
	} else if latest == nil {
		return nil, fmt.Errorf("node %s is unreachable: %w", nodeID, snapshot.ErrNoSnapshot)
	}
	ex.rec.SnapshotReused = true
	return latest, nil
}

func (o *Orchestrator) restore(ctx context.Context, ex *execution, m *snapshot.Manifest, workspace string) error {
	endpoint := ex.rec.NewEndpoint

	ex.enter(PhaseSnapshotRestore)
	rctx, cancel := withTimeout(ctx, o.cfg.RestoreTimeout)
	stats, err := o.deps.Snapshots.RestoreChain(rctx, m, endpoint, workspace)
	cancel()
	if err != nil {
		return fmt.Errorf("restore snapshot %s: %w", m.ID, err)
	}
	ex.logger.WithFields(logrus.Fields{
		"Snapshots": stats.Snapshots,
		"Files":     stats.Files,
		"Bytes":     stats.Bytes,
	}).Info("snapshot restored")
	ex.done()

	ex.enter(PhaseValidation)
	vctx, cancel := withTimeout(ctx, o.cfg.ValidationTimeout)
	res, err := o.deps.Snapshots.Validate(vctx, endpoint, workspace, m)
	cancel()
	if err != nil {
		return fmt.Errorf("validate restored workspace: %w", err)
	}
	ex.logger.WithFields(logrus.Fields{
		"Expected": res.Expected,
		"Actual":   res.Actual,
	}).Info("restored workspace validated")
	ex.done()

	if o.deps.SmokeTester == nil {
		return nil
	}
	ex.enter(PhaseSmokeTest)
	sctx, cancel := withTimeout(ctx, o.cfg.SmokeTestTimeout)
	err = o.deps.SmokeTester.SmokeTest(sctx, endpoint)
	cancel()
	if err != nil {
		return fmt.Errorf("smoke test: %w", err)
	}
	ex.done()
	return nil
}

// deleteReplacement deletes the node acquired for a cpu standby
// failover that did not complete.
func (o *Orchestrator) deleteReplacement(ctx context.Context, ex *execution) {
	id := ex.rec.NewNodeID
	ex.rec.NewNodeID = ""
	ex.rec.NewEndpoint = ""
	if id == "" || o.deps.Market == nil {
		return
	}
	ctx, cancel := withTimeout(context.WithoutCancel(ctx), o.cfg.CleanupTimeout)
	defer cancel()
	if err := o.deps.Market.DeleteNode(ctx, id); err != nil {
		ex.logger.WithError(err).WithField("DeleteNodeID", id).Warn("error deleting replacement node")
	} else {
		ex.logger.WithField("DeleteNodeID", id).Info("deleted replacement node")
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
