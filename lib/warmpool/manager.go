// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package warmpool keeps a standby node on the same physical machine
// as a primary node, sharing a persistent volume, so the standby can
// take over within seconds when the primary fails.
package warmpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dario.cat/mergo"
	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/lib/probe"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotActive = errors.New("warm pool is not active")
	ErrNoStandby = errors.New("warm pool has no standby node")
)

// Config controls pool placement, health checking, and failover
// timing. Zero fields are replaced with defaults.
type Config struct {
	MinOffersPerHost    int
	HealthCheckInterval time.Duration
	UnhealthyThreshold  int
	EndpointTimeout     time.Duration
	StandbyGracePeriod  time.Duration
	FailoverTimeout     time.Duration
	ReprovisionStandby  bool
	CheckInterval       time.Duration
	ProbeTimeout        time.Duration
	CleanupTimeout      time.Duration
}

var defaultConfig = Config{
	MinOffersPerHost:    2,
	HealthCheckInterval: 30 * time.Second,
	UnhealthyThreshold:  3,
	EndpointTimeout:     5 * time.Minute,
	StandbyGracePeriod:  30 * time.Second,
	FailoverTimeout:     2 * time.Minute,
	CheckInterval:       2 * time.Second,
	ProbeTimeout:        10 * time.Second,
	CleanupTimeout:      time.Minute,
}

// ConfigFromCluster returns the warm pool configuration for the
// given cluster.
func ConfigFromCluster(cluster *spotrelay.Cluster) Config {
	wp := cluster.WarmPool
	return Config{
		MinOffersPerHost:    wp.MinOffersPerHost,
		HealthCheckInterval: wp.HealthCheckInterval.Duration(),
		UnhealthyThreshold:  wp.UnhealthyThreshold,
		EndpointTimeout:     wp.EndpointTimeout.Duration(),
		StandbyGracePeriod:  wp.StandbyGracePeriod.Duration(),
		FailoverTimeout:     wp.FailoverTimeout.Duration(),
		ReprovisionStandby:  wp.ReprovisionStandby,
		CheckInterval:       cluster.Provision.CheckInterval.Duration(),
		ProbeTimeout:        cluster.Probe.Timeout.Duration(),
		CleanupTimeout:      cluster.Provision.CleanupTimeout.Duration(),
	}
}

func (cfg Config) withDefaults() Config {
	if err := mergo.Merge(&cfg, defaultConfig); err != nil {
		panic("bug: " + err.Error())
	}
	return cfg
}

// FailoverResult describes a completed failover.
type FailoverResult struct {
	OldPrimary market.NodeID
	NewPrimary market.NodeID
	Endpoint   string
	Elapsed    time.Duration
}

// A Manager runs the warm pool for one logical machine.
type Manager struct {
	machineID string
	market    market.Market
	prober    probe.Prober
	store     Store
	cfg       Config
	logger    logrus.FieldLogger
	metrics   *metrics

	// claimed reports whether a volume belongs to a different
	// pool. Set by Registry.
	claimed func(market.VolumeID) bool
	// guard is held by health-check triggered failovers.
	guard *Guard

	mtx       sync.Mutex
	rec       Record
	unhealthy int
	stop      chan struct{}
	loopDone  chan struct{}

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewManager returns a Manager for the given logical machine in the
// disabled state. If prober is nil, a node with an endpoint is
// considered reachable. If store is nil, records are kept in memory.
func NewManager(machineID string, mkt market.Market, prober probe.Prober, store Store, cfg Config, logger logrus.FieldLogger, reg *prometheus.Registry) *Manager {
	return newManager(machineID, mkt, prober, store, cfg, logger, newMetrics(reg))
}

func newManager(machineID string, mkt market.Market, prober probe.Prober, store Store, cfg Config, logger logrus.FieldLogger, m *metrics) *Manager {
	if store == nil {
		store = &MemoryStore{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		machineID: machineID,
		market:    mkt,
		prober:    prober,
		store:     store,
		cfg:       cfg.withDefaults(),
		logger:    logger.WithField("MachineID", machineID),
		metrics:   m,
		guard:     &Guard{},
		rec: Record{
			MachineID:    machineID,
			State:        StateDisabled,
			StandbyState: StandbyNone,
		},
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

// Status returns a copy of the pool's current record.
func (m *Manager) Status() Record {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.rec
}

// NeedsCPUStandby returns true if the pool cannot currently fail over
// on its own, either because it is not active or because it has no
// standby node.
func (m *Manager) NeedsCPUStandby() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.rec.State != StateActive || m.rec.StandbyNodeID == ""
}

// update applies fn to a copy of the record and, unless fn returns an
// error, installs and persists the result.
func (m *Manager) update(fn func(rec *Record) error) (Record, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	rec := m.rec
	if err := fn(&rec); err != nil {
		return m.rec, err
	}
	if rec.State != m.rec.State {
		m.logger.WithFields(logrus.Fields{
			"State":         rec.State,
			"PreviousState": m.rec.State,
		}).Info("warm pool state changed")
		m.metrics.transitions.WithLabelValues(string(rec.State)).Inc()
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.rec = rec
	if err := m.store.SavePool(context.Background(), rec); err != nil {
		m.logger.WithError(err).Warn("error saving warm pool record")
	}
	return rec, nil
}

func (m *Manager) fail(state State, err error) {
	m.update(func(rec *Record) error {
		rec.State = state
		rec.LastError = err.Error()
		return nil
	})
}

// Enable searches for a suitable host and provisions a pool on it.
// It returns nil if the pool became active.
func (m *Manager) Enable(ctx context.Context, params Params) error {
	_, err := m.update(func(rec *Record) error {
		switch rec.State {
		case StateDisabled, StateError, StateDegraded:
		default:
			return fmt.Errorf("cannot enable warm pool in state %s", rec.State)
		}
		rec.Params = params
		rec.State = StateSearching
		rec.LastError = ""
		return nil
	})
	if err != nil {
		return err
	}
	host, err := m.FindSuitableHost(ctx, params.GPUName, params.MaxPrice)
	if err != nil {
		m.fail(StateDegraded, err)
		return err
	}
	if host == nil {
		err = fmt.Errorf("no machine has %d or more offers for %q at or below $%.3f/h", m.cfg.MinOffersPerHost, params.GPUName, params.MaxPrice)
		m.fail(StateDegraded, err)
		return err
	}
	return m.ProvisionPool(ctx, host, params)
}

// ProvisionPool creates (or reuses) a volume on the given host,
// starts a primary node and waits for it to become reachable, then
// creates a standby node on the same host and stops it after the
// grace period. If the standby cannot be created, the pool is still
// active and NeedsCPUStandby returns true.
func (m *Manager) ProvisionPool(ctx context.Context, host *Host, params Params) error {
	logger := m.logger.WithField("HostID", host.MachineID)
	prev, err := m.update(func(rec *Record) error {
		switch rec.State {
		case StateActive, StateFailover, StateRecovering:
			return fmt.Errorf("cannot provision warm pool in state %s", rec.State)
		}
		rec.State = StateProvisioning
		rec.Params = params
		return nil
	})
	if err != nil {
		return err
	}

	vol, err := m.ensureVolume(ctx, host, params)
	if err != nil {
		err = fmt.Errorf("volume on machine %s: %w", host.MachineID, err)
		m.fail(StateError, err)
		return err
	}
	if prev.VolumeID != "" && prev.VolumeID != vol.ID {
		m.deleteVolume(prev.VolumeID)
	}
	m.update(func(rec *Record) error {
		rec.HostID = host.MachineID
		rec.VolumeID = vol.ID
		return nil
	})
	logger = logger.WithField("VolumeID", vol.ID)

	primary, offer, err := m.createNode(ctx, host.Offers, vol.ID, params, "primary")
	if err != nil {
		m.fail(StateError, err)
		return err
	}
	m.update(func(rec *Record) error {
		rec.PrimaryNodeID = primary
		rec.PrimaryOfferID = offer.ID
		return nil
	})
	endpoint, err := m.waitReachable(ctx, primary, m.cfg.EndpointTimeout)
	if err != nil {
		err = fmt.Errorf("primary node %s: %w", primary, err)
		logger.WithError(err).Warn("primary node did not become reachable")
		m.deleteNode(primary)
		m.update(func(rec *Record) error {
			rec.PrimaryNodeID = ""
			rec.PrimaryOfferID = ""
			rec.State = StateError
			rec.LastError = err.Error()
			return nil
		})
		return err
	}
	m.update(func(rec *Record) error {
		rec.PrimaryEndpoint = endpoint
		return nil
	})
	logger.WithFields(logrus.Fields{
		"NodeID":   primary,
		"Endpoint": endpoint,
	}).Info("primary node is reachable")

	var rest []market.Offer
	for _, o := range host.Offers {
		if o.ID != offer.ID {
			rest = append(rest, o)
		}
	}
	standbyErr := m.provisionStandby(ctx, rest, vol.ID, params)
	if standbyErr != nil {
		logger.WithError(standbyErr).Warn("warm pool has no standby")
	}
	m.update(func(rec *Record) error {
		rec.State = StateActive
		if standbyErr != nil {
			rec.LastError = standbyErr.Error()
		}
		return nil
	})
	m.Start()
	return nil
}

// ensureVolume returns the pool's previous volume if it is on the
// given host, otherwise an unclaimed available volume on the host,
// otherwise a new volume.
func (m *Manager) ensureVolume(ctx context.Context, host *Host, params Params) (market.Volume, error) {
	vols, err := m.market.ListVolumes(ctx, host.MachineID)
	if err != nil {
		return market.Volume{}, err
	}
	prev := m.Status().VolumeID
	var reuse *market.Volume
	for i, vol := range vols {
		if vol.ID == prev {
			return vol, nil
		}
		if reuse == nil && vol.State == market.VolumeAvailable && vol.SizeGB >= params.DiskGB && (m.claimed == nil || !m.claimed(vol.ID)) {
			reuse = &vols[i]
		}
	}
	if reuse != nil {
		m.logger.WithField("VolumeID", reuse.ID).Info("reusing existing volume")
		return *reuse, nil
	}
	var offerID market.OfferID
	if len(host.Offers) > 0 {
		offerID = host.Offers[0].ID
	}
	return m.market.CreateVolume(ctx, market.VolumeSpec{
		MachineID: host.MachineID,
		OfferID:   offerID,
		SizeGB:    params.DiskGB,
		Label:     m.machineID + "-volume",
	})
}

// createNode tries each offer in turn until a node is created.
func (m *Manager) createNode(ctx context.Context, offers []market.Offer, volID market.VolumeID, params Params, role string) (market.NodeID, market.Offer, error) {
	var errs []error
	for _, o := range offers {
		id, err := m.market.CreateNode(ctx, market.NodeSpec{
			OfferID:       o.ID,
			Image:         params.Image,
			DiskGB:        params.DiskGB,
			StartupScript: params.StartupScript,
			Label:         m.machineID + "-" + role,
			VolumeID:      volID,
		})
		if err == nil {
			m.logger.WithFields(logrus.Fields{
				"NodeID":  id,
				"OfferID": o.ID,
				"Role":    role,
			}).Info("created node")
			return id, o, nil
		}
		errs = append(errs, fmt.Errorf("offer %s: %w", o.ID, err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return "", market.Offer{}, fmt.Errorf("create %s node: no offers available", role)
	}
	return "", market.Offer{}, fmt.Errorf("create %s node: %w", role, errors.Join(errs...))
}

// provisionStandby creates a standby node from one of the given
// offers, lets it boot for the grace period, and stops it.
func (m *Manager) provisionStandby(ctx context.Context, offers []market.Offer, volID market.VolumeID, params Params) error {
	id, offer, err := m.createNode(ctx, offers, volID, params, "standby")
	if err != nil {
		return err
	}
	m.update(func(rec *Record) error {
		rec.StandbyNodeID = id
		rec.StandbyOfferID = offer.ID
		rec.StandbyState = StandbyStarting
		return nil
	})
	select {
	case <-time.After(m.cfg.StandbyGracePeriod):
	case <-ctx.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CleanupTimeout)
	defer cancel()
	if err := m.market.StopNode(stopCtx, id); err != nil {
		m.logger.WithError(err).WithField("NodeID", id).Warn("error stopping standby node, leaving it running")
		m.update(func(rec *Record) error {
			rec.StandbyState = StandbyRunning
			return nil
		})
		return nil
	}
	m.update(func(rec *Record) error {
		rec.StandbyState = StandbyStopped
		return nil
	})
	m.logger.WithField("NodeID", id).Info("standby node is stopped and ready for failover")
	return nil
}

// waitReachable polls the node until it reports an endpoint that
// passes a probe, the node dies, or timeout elapses.
func (m *Manager) waitReachable(ctx context.Context, id market.NodeID, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		st, err := m.market.GetNode(ctx, id)
		if errors.Is(err, market.ErrNotFound) {
			return "", err
		} else if err != nil {
			m.logger.WithError(err).WithField("NodeID", id).Debug("error getting node status")
		} else if st.LiveState.Dead() {
			return "", fmt.Errorf("node is %s", st.LiveState)
		} else if st.Endpoint != "" && (m.prober == nil || probe.Check(ctx, m.prober, st.Endpoint, m.cfg.ProbeTimeout)) {
			return st.Endpoint, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", fmt.Errorf("not reachable within %s: %w", timeout, ctx.Err())
		}
	}
}

func (m *Manager) deleteNode(id market.NodeID) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupTimeout)
	defer cancel()
	err := m.market.DeleteNode(ctx, id)
	if err != nil && !errors.Is(err, market.ErrNotFound) {
		m.logger.WithError(err).WithField("NodeID", id).Warn("error deleting node")
		return
	}
	m.logger.WithField("NodeID", id).Info("deleted node")
}

func (m *Manager) deleteVolume(id market.VolumeID) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupTimeout)
	defer cancel()
	err := m.market.DeleteVolume(ctx, id)
	if err != nil && !errors.Is(err, market.ErrNotFound) {
		m.logger.WithError(err).WithField("VolumeID", id).Warn("error deleting volume")
	}
}

// TriggerFailover starts the stopped standby node and, once it is
// reachable, promotes it to primary. The old primary is deleted in
// the background. If the standby does not become reachable within
// FailoverTimeout, it is stopped again and the pool enters the error
// state.
func (m *Manager) TriggerFailover(ctx context.Context) (FailoverResult, error) {
	t0 := time.Now()
	var res FailoverResult
	var standby market.NodeID
	_, err := m.update(func(rec *Record) error {
		if rec.State != StateActive {
			return fmt.Errorf("%w (state is %s)", ErrNotActive, rec.State)
		}
		if rec.StandbyNodeID == "" {
			return ErrNoStandby
		}
		res.OldPrimary = rec.PrimaryNodeID
		standby = rec.StandbyNodeID
		rec.State = StateFailover
		return nil
	})
	if err != nil {
		return res, err
	}
	logger := m.logger.WithFields(logrus.Fields{
		"OldPrimary": res.OldPrimary,
		"Standby":    standby,
	})
	logger.Info("failing over to standby node")

	err = m.market.StartNode(ctx, standby)
	var endpoint string
	if err == nil {
		m.update(func(rec *Record) error {
			rec.StandbyState = StandbyStarting
			return nil
		})
		endpoint, err = m.waitReachable(ctx, standby, m.cfg.FailoverTimeout)
	}
	if err != nil {
		err = fmt.Errorf("standby node %s: %w", standby, err)
		logger.WithError(err).Error("failover failed")
		m.metrics.failovers.WithLabelValues("failure").Inc()
		stopCtx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupTimeout)
		stopErr := m.market.StopNode(stopCtx, standby)
		cancel()
		if stopErr != nil {
			logger.WithError(stopErr).Warn("error stopping standby node after failed failover")
		}
		m.update(func(rec *Record) error {
			if stopErr == nil {
				rec.StandbyState = StandbyStopped
			}
			rec.State = StateError
			rec.LastError = err.Error()
			rec.FailedFailovers++
			return nil
		})
		return res, err
	}

	res.NewPrimary = standby
	res.Endpoint = endpoint
	res.Elapsed = time.Since(t0)
	next := StateActive
	if m.cfg.ReprovisionStandby {
		next = StateRecovering
	}
	rec, _ := m.update(func(rec *Record) error {
		rec.PrimaryNodeID = standby
		rec.PrimaryOfferID = rec.StandbyOfferID
		rec.PrimaryEndpoint = endpoint
		rec.StandbyNodeID = ""
		rec.StandbyOfferID = ""
		rec.StandbyState = StandbyNone
		rec.FailoverCount++
		rec.LastFailoverAt = time.Now()
		rec.LastError = ""
		rec.State = next
		m.unhealthy = 0
		return nil
	})
	m.metrics.failovers.WithLabelValues("success").Inc()
	m.metrics.failoverTime.Observe(res.Elapsed.Seconds())
	logger.WithFields(logrus.Fields{
		"Endpoint": endpoint,
		"Elapsed":  res.Elapsed,
	}).Info("failover complete")

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		if res.OldPrimary != "" {
			m.deleteNode(res.OldPrimary)
		}
		if next == StateRecovering {
			m.recoverStandby(m.bgCtx, rec)
		}
	}()
	return res, nil
}

// recoverStandby provisions a fresh standby on the pool's host after
// a failover, leaving the pool active on success and degraded on
// failure.
func (m *Manager) recoverStandby(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.EndpointTimeout+m.cfg.StandbyGracePeriod)
	defer cancel()
	offers, err := m.market.SearchOffers(ctx, market.OfferFilter{
		MachineID:       rec.HostID,
		GPUName:         rec.Params.GPUName,
		MaxPricePerHour: rec.Params.MaxPrice,
	})
	if err == nil && len(offers) == 0 {
		err = fmt.Errorf("no offers left on machine %s", rec.HostID)
	}
	if err == nil {
		err = m.provisionStandby(ctx, offers, rec.VolumeID, rec.Params)
	}
	m.update(func(r *Record) error {
		if r.State != StateRecovering {
			return errors.New("state changed")
		}
		if err != nil {
			r.State = StateDegraded
			r.LastError = "re-provision standby: " + err.Error()
		} else {
			r.State = StateActive
		}
		return nil
	})
	if err != nil {
		m.logger.WithError(err).Warn("could not re-provision standby")
	}
	return err
}

// Retry recovers a pool in the error or degraded state. A degraded
// pool with a live primary only gets a new standby; otherwise any
// remaining nodes are deleted and the pool is provisioned from
// scratch.
func (m *Manager) Retry(ctx context.Context) error {
	rec := m.Status()
	switch rec.State {
	case StateError, StateDegraded:
	default:
		return fmt.Errorf("cannot retry warm pool in state %s", rec.State)
	}
	if rec.State == StateDegraded && rec.PrimaryNodeID != "" && rec.StandbyNodeID == "" {
		_, err := m.update(func(r *Record) error {
			if r.State != StateDegraded {
				return fmt.Errorf("cannot retry warm pool in state %s", r.State)
			}
			r.State = StateRecovering
			return nil
		})
		if err != nil {
			return err
		}
		return m.recoverStandby(ctx, rec)
	}
	for _, id := range []market.NodeID{rec.StandbyNodeID, rec.PrimaryNodeID} {
		if id != "" {
			m.deleteNode(id)
		}
	}
	m.update(func(r *Record) error {
		r.PrimaryNodeID, r.PrimaryOfferID, r.PrimaryEndpoint = "", "", ""
		r.StandbyNodeID, r.StandbyOfferID = "", ""
		r.StandbyState = StandbyNone
		return nil
	})
	return m.Enable(ctx, rec.Params)
}

// Teardown stops health checking, deletes the standby node and
// (if deletePrimary is true) the primary node, deletes the volume if
// no node is left using it, and forgets the pool.
func (m *Manager) Teardown(ctx context.Context, deletePrimary bool) error {
	m.Stop()
	m.bg.Wait()
	rec := m.Status()
	var errs []error
	del := func(id market.NodeID) {
		if id == "" {
			return
		}
		if err := m.market.DeleteNode(ctx, id); err != nil && !errors.Is(err, market.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete node %s: %w", id, err))
		}
	}
	del(rec.StandbyNodeID)
	if deletePrimary {
		del(rec.PrimaryNodeID)
	}
	if rec.VolumeID != "" && (deletePrimary || rec.PrimaryNodeID == "") && len(errs) == 0 {
		if err := m.market.DeleteVolume(ctx, rec.VolumeID); err != nil && !errors.Is(err, market.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete volume %s: %w", rec.VolumeID, err))
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		m.fail(StateError, err)
		return err
	}
	if err := m.store.DeletePool(ctx, m.machineID); err != nil {
		return err
	}
	m.mtx.Lock()
	m.rec = Record{
		MachineID:    m.machineID,
		State:        StateDisabled,
		StandbyState: StandbyNone,
	}
	m.unhealthy = 0
	m.mtx.Unlock()
	m.metrics.transitions.WithLabelValues(string(StateDisabled)).Inc()
	m.logger.Info("warm pool torn down")
	return nil
}

// restore installs a record loaded from the store. Pools that were
// interrupted in a transitional state are put in the error state.
func (m *Manager) restore(rec Record) {
	switch rec.State {
	case StateSearching, StateProvisioning, StateFailover, StateRecovering:
		rec.LastError = fmt.Sprintf("interrupted while %s", rec.State)
		rec.State = StateError
	}
	m.update(func(r *Record) error {
		*r = rec
		return nil
	})
	if rec.State == StateActive {
		m.Start()
	}
}

// Close stops health checking and background work.
func (m *Manager) Close() {
	m.Stop()
	m.bgCancel()
	m.bg.Wait()
}
