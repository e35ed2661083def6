// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package warmpool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/lib/probe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Registry holds one Manager per logical machine.
type Registry struct {
	market  market.Market
	prober  probe.Prober
	store   Store
	cfg     Config
	logger  logrus.FieldLogger
	metrics *metrics
	guard   *Guard

	mtx      sync.Mutex
	managers map[string]*Manager
}

func NewRegistry(mkt market.Market, prober probe.Prober, store Store, cfg Config, logger logrus.FieldLogger, reg *prometheus.Registry) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if store == nil {
		store = &MemoryStore{}
	}
	r := &Registry{
		market:   mkt,
		prober:   prober,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		metrics:  newMetrics(reg),
		guard:    &Guard{},
		managers: map[string]*Manager{},
	}
	for _, state := range allStates {
		state := state
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "spotrelay",
			Subsystem:   "warmpool",
			Name:        "pools",
			Help:        "Number of warm pools, by state.",
			ConstLabels: prometheus.Labels{"state": string(state)},
		}, func() float64 { return float64(r.count(state)) }))
	}
	return r
}

// Manager returns the manager for the given logical machine, creating
// a disabled one if needed.
func (r *Registry) Manager(machineID string) *Manager {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if m, ok := r.managers[machineID]; ok {
		return m
	}
	m := newManager(machineID, r.market, r.prober, r.store, r.cfg, r.logger, r.metrics)
	m.guard = r.guard
	m.claimed = func(id market.VolumeID) bool { return r.volumeClaimed(machineID, id) }
	r.managers[machineID] = m
	return m
}

// FailoverGuard returns the guard the registry's health checks take
// before triggering a failover.
func (r *Registry) FailoverGuard() *Guard {
	return r.guard
}

// Lookup returns the manager for the given logical machine, if one
// exists.
func (r *Registry) Lookup(machineID string) (*Manager, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	m, ok := r.managers[machineID]
	return m, ok
}

func (r *Registry) all() []*Manager {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ms := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		ms = append(ms, m)
	}
	return ms
}

// List returns the records of all pools, sorted by machine ID.
func (r *Registry) List() []Record {
	var recs []Record
	for _, m := range r.all() {
		recs = append(recs, m.Status())
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].MachineID < recs[j].MachineID })
	return recs
}

func (r *Registry) count(state State) int {
	n := 0
	for _, m := range r.all() {
		if m.Status().State == state {
			n++
		}
	}
	return n
}

func (r *Registry) volumeClaimed(machineID string, id market.VolumeID) bool {
	for _, m := range r.all() {
		if m.machineID != machineID && m.Status().VolumeID == id {
			return true
		}
	}
	return false
}

// PoolStatus returns the current record of the given machine's pool,
// if it has one.
func (r *Registry) PoolStatus(machineID string) (Record, bool) {
	m, ok := r.Lookup(machineID)
	if !ok {
		return Record{}, false
	}
	return m.Status(), true
}

// TriggerFailover fails over the given machine's pool. It returns an
// error wrapping ErrNotActive if the machine has no pool.
func (r *Registry) TriggerFailover(ctx context.Context, machineID string) (FailoverResult, error) {
	m, ok := r.Lookup(machineID)
	if !ok {
		return FailoverResult{}, fmt.Errorf("%w (no warm pool for machine %s)", ErrNotActive, machineID)
	}
	return m.TriggerFailover(ctx)
}

// Resume loads all persisted pools and restarts health checks for the
// active ones.
func (r *Registry) Resume(ctx context.Context) error {
	recs, err := r.store.ListPools(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		m := r.Manager(rec.MachineID)
		m.restore(rec)
		r.logger.WithFields(logrus.Fields{
			"MachineID": rec.MachineID,
			"State":     m.Status().State,
		}).Info("resumed warm pool")
	}
	return nil
}

// Close stops all managers.
func (r *Registry) Close() {
	for _, m := range r.all() {
		m.Close()
	}
}
