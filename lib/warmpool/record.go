// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package warmpool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"git.arvados.org/spotrelay.git/lib/market"
)

// State is the lifecycle state of a warm pool.
type State string

const (
	StateDisabled     State = "disabled"
	StateSearching    State = "searching"
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	StateFailover     State = "failover"
	StateRecovering   State = "recovering"
	StateDegraded     State = "degraded"
	StateError        State = "error"
)

var allStates = []State{StateDisabled, StateSearching, StateProvisioning, StateActive, StateFailover, StateRecovering, StateDegraded, StateError}

// StandbyState is the lifecycle state of a pool's standby node.
type StandbyState string

const (
	StandbyNone     StandbyState = "none"
	StandbyStarting StandbyState = "starting"
	StandbyRunning  StandbyState = "running"
	StandbyStopped  StandbyState = "stopped"
)

// Params describe the nodes a pool should run.
type Params struct {
	GPUName       string  `json:"gpu_name"`
	MaxPrice      float64 `json:"max_price"`
	Image         string  `json:"image"`
	DiskGB        float64 `json:"disk_gb"`
	StartupScript string  `json:"startup_script,omitempty"`
}

// Record is the persisted state of one warm pool. MachineID is the
// logical machine slot the pool serves; HostID is the physical
// marketplace machine hosting both nodes and the volume.
type Record struct {
	MachineID       string          `json:"machine_id"`
	State           State           `json:"state"`
	Params          Params          `json:"params"`
	HostID          string          `json:"host_id,omitempty"`
	VolumeID        market.VolumeID `json:"volume_id,omitempty"`
	PrimaryNodeID   market.NodeID   `json:"primary_node_id,omitempty"`
	PrimaryOfferID  market.OfferID  `json:"primary_offer_id,omitempty"`
	PrimaryEndpoint string          `json:"primary_endpoint,omitempty"`
	StandbyNodeID   market.NodeID   `json:"standby_node_id,omitempty"`
	StandbyOfferID  market.OfferID  `json:"standby_offer_id,omitempty"`
	StandbyState    StandbyState    `json:"standby_state"`
	FailoverCount   int             `json:"failover_count"`
	FailedFailovers int             `json:"failed_failovers"`
	LastFailoverAt  time.Time       `json:"last_failover_at,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ErrNoRecord is returned by Store.LoadPool when no record exists for
// the given machine.
var ErrNoRecord = errors.New("no warm pool record")

// A Store persists warm pool records so they survive process
// restarts.
type Store interface {
	SavePool(ctx context.Context, rec Record) error
	LoadPool(ctx context.Context, machineID string) (Record, error)
	ListPools(ctx context.Context) ([]Record, error)
	DeletePool(ctx context.Context, machineID string) error
}

// MemoryStore is a non-durable Store.
type MemoryStore struct {
	mtx  sync.Mutex
	recs map[string]Record
}

func (ms *MemoryStore) SavePool(ctx context.Context, rec Record) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if ms.recs == nil {
		ms.recs = map[string]Record{}
	}
	ms.recs[rec.MachineID] = rec
	return nil
}

func (ms *MemoryStore) LoadPool(ctx context.Context, machineID string) (Record, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	rec, ok := ms.recs[machineID]
	if !ok {
		return Record{}, ErrNoRecord
	}
	return rec, nil
}

func (ms *MemoryStore) ListPools(ctx context.Context) ([]Record, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var recs []Record
	for _, rec := range ms.recs {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].MachineID < recs[j].MachineID })
	return recs, nil
}

func (ms *MemoryStore) DeletePool(ctx context.Context, machineID string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	delete(ms.recs, machineID)
	return nil
}
