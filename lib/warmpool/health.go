// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package warmpool

import (
	"context"
	"errors"
	"time"

	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/lib/probe"
)

// Start begins periodic health checks of the primary node. It is a
// no-op if health checks are already running.
func (m *Manager) Start() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.loopDone = make(chan struct{})
	go m.runHealthLoop(m.stop, m.loopDone)
}

// Stop ends periodic health checks and waits for an in-progress
// check (including any failover it triggered) to return.
func (m *Manager) Stop() {
	m.mtx.Lock()
	stop, done := m.stop, m.loopDone
	m.stop, m.loopDone = nil, nil
	m.mtx.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Manager) runHealthLoop(stop, done chan struct{}) {
	defer close(done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		m.checkHealth(ctx)
	}
}

// checkHealth checks the primary once, and triggers a failover if
// the primary has now failed UnhealthyThreshold consecutive checks.
func (m *Manager) checkHealth(ctx context.Context) {
	rec := m.Status()
	if rec.State != StateActive || rec.PrimaryNodeID == "" {
		return
	}
	healthy, ok := m.primaryHealthy(ctx, rec.PrimaryNodeID)
	if !ok {
		return
	}
	if !m.observe(healthy) {
		return
	}
	release, ok := m.guard.TryAcquire(m.machineID)
	if !ok {
		m.logger.WithField("NodeID", rec.PrimaryNodeID).Info("primary node failed health checks, but a failover is already in progress")
		return
	}
	defer release()
	m.logger.WithField("NodeID", rec.PrimaryNodeID).Warn("primary node failed health checks, triggering failover")
	// TriggerFailover logs its own errors.
	m.TriggerFailover(ctx)
}

// primaryHealthy returns ok=false if the node's health could not be
// determined, e.g., because the marketplace API failed.
func (m *Manager) primaryHealthy(ctx context.Context, id market.NodeID) (healthy, ok bool) {
	st, err := m.market.GetNode(ctx, id)
	if errors.Is(err, market.ErrNotFound) {
		return false, true
	} else if err != nil {
		m.logger.WithError(err).WithField("NodeID", id).Warn("health check: error getting node status")
		return false, false
	}
	if st.LiveState != market.LiveStateRunning || st.Endpoint == "" {
		return false, true
	}
	if m.prober == nil {
		return true, true
	}
	return probe.Check(ctx, m.prober, st.Endpoint, m.cfg.ProbeTimeout), true
}

// observe records the result of a health check and returns true if a
// failover should be triggered. The failure counter resets on any
// healthy result and after each trigger.
func (m *Manager) observe(healthy bool) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if healthy {
		m.metrics.healthChecks.WithLabelValues("healthy").Inc()
		m.unhealthy = 0
		return false
	}
	m.metrics.healthChecks.WithLabelValues("unhealthy").Inc()
	m.unhealthy++
	if m.unhealthy < m.cfg.UnhealthyThreshold {
		return false
	}
	m.unhealthy = 0
	return true
}
