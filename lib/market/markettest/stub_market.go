// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package markettest provides a scripted in-memory market.Market for
// tests.
package markettest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/spotrelay.git/lib/market"
)

// A StubMarket implements market.Market using an in-memory set of
// offers, nodes, and volumes. Exported fields configure its behavior
// and must not be changed after the first method call unless noted.
//
// StubMarket also implements probe.Prober: an endpoint is reachable
// if it belongs to a running, ready, non-deleted node that has not
// been marked unreachable.
type StubMarket struct {
	Offers []market.Offer

	// Time between CreateNode (or StartNode) and the node
	// reporting an endpoint.
	ReadyDelay time.Duration
	// Per-offer overrides for ReadyDelay.
	OfferReadyDelay map[market.OfferID]time.Duration
	// Nodes created from these offers never get an endpoint.
	NeverReady map[market.OfferID]bool
	// Nodes created from these offers are marked exited after
	// ReadyDelay instead of running.
	DieOnBoot map[market.OfferID]bool
	// CreateNode fails for these offers, as if another renter
	// claimed them first.
	Stale map[market.OfferID]bool
	// CreateNode returns this error for the given offers.
	CreateErrors map[market.OfferID]error
	// Delay before CreateNode returns.
	CreateDelay time.Duration
	// The first RateLimitCreates calls to CreateNode return a
	// RateLimitError with the given delay.
	RateLimitCreates int
	RateLimitDelay   time.Duration
	// SearchOffers returns this error, if not nil.
	SearchError error
	// The first RateLimitSearches calls to SearchOffers return a
	// RateLimitError.
	RateLimitSearches int
	// StartNode fails with this error, if not nil.
	StartError error
	// Started nodes never become ready.
	StartNeverReady bool
	// StopNode fails with this error, if not nil.
	StopError error
	// CreateVolume fails with this error, if not nil.
	CreateVolumeError error

	mtx         sync.Mutex
	nextID      int
	nodes       map[market.NodeID]*StubNode
	volumes     map[market.VolumeID]*market.Volume
	created     []market.NodeID
	deleted     []market.NodeID
	searches    int
	creates     int
	unreachable map[market.NodeID]bool
}

// StubNode is the stub's view of a node.
type StubNode struct {
	ID      market.NodeID
	Offer   market.Offer
	Spec    market.NodeSpec
	State   market.LiveState
	ReadyAt time.Time
	Deleted bool
	Starts  int
	Stops   int
}

type rateLimitError struct {
	error
	until time.Time
}

func (e rateLimitError) EarliestRetry() time.Time { return e.until }

var errStale = errors.New("offer is no longer available")

func (sm *StubMarket) init() {
	if sm.nodes == nil {
		sm.nodes = map[market.NodeID]*StubNode{}
		sm.volumes = map[market.VolumeID]*market.Volume{}
		sm.unreachable = map[market.NodeID]bool{}
	}
}

func (sm *StubMarket) rented(id market.OfferID) bool {
	for _, n := range sm.nodes {
		if n.Offer.ID == id && !n.Deleted {
			return true
		}
	}
	return false
}

func (sm *StubMarket) SearchOffers(ctx context.Context, f market.OfferFilter) ([]market.Offer, error) {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	sm.init()
	sm.searches++
	if sm.searches <= sm.RateLimitSearches {
		return nil, rateLimitError{errors.New("search rate limited"), time.Now().Add(sm.RateLimitDelay)}
	}
	if sm.SearchError != nil {
		return nil, sm.SearchError
	}
	var offers []market.Offer
	for _, o := range sm.Offers {
		if !f.Match(o) || sm.rented(o.ID) {
			continue
		}
		offers = append(offers, o)
		if f.Limit > 0 && len(offers) >= f.Limit {
			break
		}
	}
	return offers, nil
}

func (sm *StubMarket) findOffer(id market.OfferID) (market.Offer, bool) {
	for _, o := range sm.Offers {
		if o.ID == id {
			return o, true
		}
	}
	return market.Offer{}, false
}

func (sm *StubMarket) readyDelay(id market.OfferID) time.Duration {
	if d, ok := sm.OfferReadyDelay[id]; ok {
		return d
	}
	return sm.ReadyDelay
}

func (sm *StubMarket) CreateNode(ctx context.Context, spec market.NodeSpec) (market.NodeID, error) {
	if sm.CreateDelay > 0 {
		select {
		case <-time.After(sm.CreateDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	sm.init()
	sm.creates++
	if sm.creates <= sm.RateLimitCreates {
		return "", rateLimitError{errors.New("create rate limited"), time.Now().Add(sm.RateLimitDelay)}
	}
	if err := sm.CreateErrors[spec.OfferID]; err != nil {
		return "", err
	}
	offer, ok := sm.findOffer(spec.OfferID)
	if !ok {
		return "", fmt.Errorf("offer %s: %w", spec.OfferID, market.ErrNotFound)
	}
	if sm.Stale[spec.OfferID] || sm.rented(spec.OfferID) {
		return "", errStale
	}
	if spec.VolumeID != "" {
		vol, ok := sm.volumes[spec.VolumeID]
		if !ok {
			return "", fmt.Errorf("volume %s: %w", spec.VolumeID, market.ErrNotFound)
		}
		if vol.MachineID != offer.MachineID {
			return "", fmt.Errorf("volume %s is on machine %s, not %s", vol.ID, vol.MachineID, offer.MachineID)
		}
	}
	sm.nextID++
	n := &StubNode{
		ID:    market.NodeID(fmt.Sprintf("stub-%d", sm.nextID)),
		Offer: offer,
		Spec:  spec,
		State: market.LiveStateLoading,
	}
	if !sm.NeverReady[spec.OfferID] {
		n.ReadyAt = time.Now().Add(sm.readyDelay(spec.OfferID))
	}
	if spec.VolumeID != "" {
		vol := sm.volumes[spec.VolumeID]
		vol.State = market.VolumeInUse
		vol.AttachedNode = n.ID
	}
	sm.nodes[n.ID] = n
	sm.created = append(sm.created, n.ID)
	return n.ID, nil
}

// refresh updates the node's state according to the clock. Caller
// must hold mtx.
func (sm *StubMarket) refresh(n *StubNode) {
	if n.State != market.LiveStateLoading || n.ReadyAt.IsZero() || time.Now().Before(n.ReadyAt) {
		return
	}
	if sm.DieOnBoot[n.Offer.ID] {
		n.State = market.LiveStateExited
	} else {
		n.State = market.LiveStateRunning
	}
}

func (sm *StubMarket) endpoint(n *StubNode) string {
	return string(n.ID) + ".stub.invalid:22"
}

func (sm *StubMarket) getNode(id market.NodeID) (*StubNode, error) {
	sm.init()
	n, ok := sm.nodes[id]
	if !ok || n.Deleted {
		return nil, fmt.Errorf("node %s: %w", id, market.ErrNotFound)
	}
	return n, nil
}

func (sm *StubMarket) GetNode(ctx context.Context, id market.NodeID) (market.NodeStatus, error) {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	n, err := sm.getNode(id)
	if err != nil {
		return market.NodeStatus{}, err
	}
	sm.refresh(n)
	st := market.NodeStatus{
		ID:        n.ID,
		MachineID: n.Offer.MachineID,
		Label:     n.Spec.Label,
		LiveState: n.State,
	}
	if n.State == market.LiveStateRunning {
		st.Endpoint = sm.endpoint(n)
	}
	return st, nil
}

func (sm *StubMarket) StartNode(ctx context.Context, id market.NodeID) error {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	n, err := sm.getNode(id)
	if err != nil {
		return err
	}
	if sm.StartError != nil {
		return sm.StartError
	}
	n.Starts++
	sm.refresh(n)
	if n.State == market.LiveStateRunning {
		return nil
	}
	n.State = market.LiveStateLoading
	if sm.StartNeverReady {
		n.ReadyAt = time.Time{}
	} else {
		n.ReadyAt = time.Now().Add(sm.readyDelay(n.Offer.ID))
	}
	return nil
}

func (sm *StubMarket) StopNode(ctx context.Context, id market.NodeID) error {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	n, err := sm.getNode(id)
	if err != nil {
		return err
	}
	if sm.StopError != nil {
		return sm.StopError
	}
	n.Stops++
	n.State = market.LiveStateStopped
	return nil
}

func (sm *StubMarket) DeleteNode(ctx context.Context, id market.NodeID) error {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	n, err := sm.getNode(id)
	if err != nil {
		return err
	}
	n.Deleted = true
	sm.deleted = append(sm.deleted, id)
	for _, vol := range sm.volumes {
		if vol.AttachedNode == id {
			vol.AttachedNode = ""
			vol.State = market.VolumeAvailable
		}
	}
	return nil
}

func (sm *StubMarket) CreateVolume(ctx context.Context, spec market.VolumeSpec) (market.Volume, error) {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	sm.init()
	if sm.CreateVolumeError != nil {
		return market.Volume{}, sm.CreateVolumeError
	}
	sm.nextID++
	vol := &market.Volume{
		ID:        market.VolumeID(fmt.Sprintf("vol-%d", sm.nextID)),
		MachineID: spec.MachineID,
		SizeGB:    spec.SizeGB,
		State:     market.VolumeAvailable,
	}
	sm.volumes[vol.ID] = vol
	return *vol, nil
}

func (sm *StubMarket) DeleteVolume(ctx context.Context, id market.VolumeID) error {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	sm.init()
	vol, ok := sm.volumes[id]
	if !ok {
		return fmt.Errorf("volume %s: %w", id, market.ErrNotFound)
	}
	if vol.AttachedNode != "" {
		return fmt.Errorf("volume %s is attached to node %s", id, vol.AttachedNode)
	}
	delete(sm.volumes, id)
	return nil
}

func (sm *StubMarket) ListVolumes(ctx context.Context, machineID string) ([]market.Volume, error) {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	sm.init()
	var vols []market.Volume
	for _, vol := range sm.volumes {
		if machineID == "" || vol.MachineID == machineID {
			vols = append(vols, *vol)
		}
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].ID < vols[j].ID })
	return vols, nil
}

// Probe implements probe.Prober.
func (sm *StubMarket) Probe(ctx context.Context, endpoint string) error {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	sm.init()
	for _, n := range sm.nodes {
		if n.Deleted || sm.endpoint(n) != endpoint {
			continue
		}
		sm.refresh(n)
		if n.State != market.LiveStateRunning {
			return fmt.Errorf("node %s is %s", n.ID, n.State)
		}
		if sm.unreachable[n.ID] {
			return fmt.Errorf("connection to %s refused", endpoint)
		}
		return nil
	}
	return fmt.Errorf("no route to %s", endpoint)
}

// SetReachable controls whether Probe succeeds for the given node's
// endpoint. It is safe to call at any time.
func (sm *StubMarket) SetReachable(id market.NodeID, reachable bool) {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	sm.init()
	sm.unreachable[id] = !reachable
}

// SetLiveState forces the given node into the given state. It is
// safe to call at any time.
func (sm *StubMarket) SetLiveState(id market.NodeID, state market.LiveState) {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	sm.init()
	if n, ok := sm.nodes[id]; ok {
		n.State = state
	}
}

// Node returns a copy of the stub's record of the given node.
func (sm *StubMarket) Node(id market.NodeID) (StubNode, bool) {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	sm.init()
	n, ok := sm.nodes[id]
	if !ok {
		return StubNode{}, false
	}
	sm.refresh(n)
	return *n, true
}

// Created returns the IDs of all nodes created so far, in order.
func (sm *StubMarket) Created() []market.NodeID {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	return append([]market.NodeID(nil), sm.created...)
}

// Deleted returns the IDs of all nodes deleted so far, in order.
func (sm *StubMarket) Deleted() []market.NodeID {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	return append([]market.NodeID(nil), sm.deleted...)
}

// Live returns the IDs of nodes that have been created and not
// deleted.
func (sm *StubMarket) Live() []market.NodeID {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	var ids []market.NodeID
	for _, id := range sm.created {
		if !sm.nodes[id].Deleted {
			ids = append(ids, id)
		}
	}
	return ids
}

// Searches returns the number of SearchOffers calls so far.
func (sm *StubMarket) Searches() int {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	return sm.searches
}

// Volumes returns all volumes that have not been deleted.
func (sm *StubMarket) Volumes() []market.Volume {
	vols, _ := sm.ListVolumes(context.Background(), "")
	return vols
}
