// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"time"

	"git.arvados.org/spotrelay.git/lib/market"
)

// State indicates a candidate's lifecycle phase within a race.
type State int

const (
	// CreateNode has been requested but has not returned.
	StateProvisioning State = iota
	// The node exists; its endpoint is unknown or not yet
	// reachable.
	StateWaitingForEndpoint
	// The endpoint passed a reachability probe.
	StateReady
	// Creation failed, the node died, or it lost the race.
	StateFailed
)

var stateString = map[State]string{
	StateProvisioning:       "provisioning",
	StateWaitingForEndpoint: "waiting-for-endpoint",
	StateReady:              "ready",
	StateFailed:             "failed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	return stateString[s]
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// map[State]anything uses the state's string representation.
func (s State) MarshalText() ([]byte, error) {
	return []byte(stateString[s]), nil
}

// Candidate is one speculative node created during a race. Fields
// are owned by the race and guarded by its mutex.
type Candidate struct {
	NodeID         market.NodeID
	OfferID        market.OfferID
	Name           string
	Endpoint       string
	State          State
	Connected      bool
	ProvisionStart time.Time
	EndpointReady  time.Time

	probing bool
}
