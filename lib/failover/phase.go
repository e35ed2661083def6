// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package failover

import (
	"fmt"
)

// Strategy selects which recovery paths Execute may use.
type Strategy string

const (
	StrategyDisabled   Strategy = "disabled"
	StrategyWarmPool   Strategy = "warm-pool"
	StrategyCPUStandby Strategy = "cpu-standby"
	StrategyBoth       Strategy = "both"
)

// ParseStrategy returns the named strategy. An empty name means
// StrategyBoth.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case "":
		return StrategyBoth, nil
	case StrategyDisabled, StrategyWarmPool, StrategyCPUStandby, StrategyBoth:
		return st, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownStrategy, s)
}

func (s Strategy) useWarmPool() bool {
	return s == StrategyWarmPool || s == StrategyBoth
}

func (s Strategy) useCPUStandby() bool {
	return s == StrategyCPUStandby || s == StrategyBoth
}

// Phase is one step of a failover execution.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDetecting
	PhaseWarmPoolCheck
	PhaseWarmPoolFailover
	PhaseCPUStandbyCheck
	PhaseSnapshotCreation
	PhaseNodeAcquisition
	PhaseSnapshotRestore
	PhaseValidation
	PhaseSmokeTest
	PhaseCompleted
	PhaseFailed
)

var phaseString = map[Phase]string{
	PhaseIdle:             "idle",
	PhaseDetecting:        "detecting",
	PhaseWarmPoolCheck:    "warm-pool-check",
	PhaseWarmPoolFailover: "warm-pool-failover",
	PhaseCPUStandbyCheck:  "cpu-standby-check",
	PhaseSnapshotCreation: "snapshot-creation",
	PhaseNodeAcquisition:  "node-acquisition",
	PhaseSnapshotRestore:  "snapshot-restore",
	PhaseValidation:       "validation",
	PhaseSmokeTest:        "smoke-test",
	PhaseCompleted:        "completed",
	PhaseFailed:           "failed",
}

// String implements fmt.Stringer.
func (p Phase) String() string {
	return phaseString[p]
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// map[Phase]x has useful map keys.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	for ph, s := range phaseString {
		if s == string(text) {
			*p = ph
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}
