// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package warmpool

import "sync"

// A Guard admits at most one failover at a time per logical machine.
// A Registry's managers and the failover orchestrator share the
// Registry's Guard.
type Guard struct {
	running sync.Map // machine ID => struct{}
}

// TryAcquire reserves machineID. If ok is true, the caller must call
// release when its failover has finished.
func (g *Guard) TryAcquire(machineID string) (release func(), ok bool) {
	if _, busy := g.running.LoadOrStore(machineID, struct{}{}); busy {
		return nil, false
	}
	return func() { g.running.Delete(machineID) }, true
}

// FailingOver returns true if a pool in this state is replacing its
// primary or rebuilding its standby after doing so.
func (s State) FailingOver() bool {
	return s == StateFailover || s == StateRecovering
}
