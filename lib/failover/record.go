// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package failover

import (
	"time"

	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/lib/provision"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
)

type PhaseEvent struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// Record describes one failover execution. It is finalized before
// Execute returns and not modified afterward.
type Record struct {
	ID                string                       `json:"id"`
	MachineID         string                       `json:"machine_id"`
	Strategy          Strategy                     `json:"strategy"`
	StrategySucceeded Strategy                     `json:"strategy_succeeded,omitempty"`
	OriginalNodeID    market.NodeID                `json:"original_node_id,omitempty"`
	OriginalEndpoint  string                       `json:"original_endpoint,omitempty"`
	NewNodeID         market.NodeID                `json:"new_node_id,omitempty"`
	NewEndpoint       string                       `json:"new_endpoint,omitempty"`
	SnapshotID        string                       `json:"snapshot_id,omitempty"`
	SnapshotReused    bool                         `json:"snapshot_reused,omitempty"`
	Provision         *provision.Outcome           `json:"provision,omitempty"`
	PhaseTimings      map[Phase]spotrelay.Duration `json:"phase_timings"`
	PhaseHistory      []PhaseEvent                 `json:"phase_history"`
	StartedAt         time.Time                    `json:"started_at"`
	FinishedAt        time.Time                    `json:"finished_at"`
	Elapsed           spotrelay.Duration           `json:"elapsed"`
	Success           bool                         `json:"success"`
	FailedPhase       string                       `json:"failed_phase,omitempty"`
	WarmPoolError     string                       `json:"warm_pool_error,omitempty"`
	CPUStandbyError   string                       `json:"cpu_standby_error,omitempty"`
	Error             string                       `json:"error,omitempty"`
}

// Phase returns the most recent phase entered.
func (rec *Record) Phase() Phase {
	if len(rec.PhaseHistory) == 0 {
		return PhaseIdle
	}
	return rec.PhaseHistory[len(rec.PhaseHistory)-1].Phase
}

// firstUntimed returns the first of the given phases that was entered
// but has no recorded duration.
func (rec *Record) firstUntimed(phases []Phase) (Phase, bool) {
	entered := map[Phase]bool{}
	for _, ev := range rec.PhaseHistory {
		entered[ev.Phase] = true
	}
	for _, p := range phases {
		if _, timed := rec.PhaseTimings[p]; entered[p] && !timed {
			return p, true
		}
	}
	return PhaseIdle, false
}
