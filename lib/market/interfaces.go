// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by a Market when the
// marketplace indicates it is rejecting API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by a Market when the marketplace
// indicates the account cannot rent more nodes than already exist.
type QuotaError interface {
	// If true, don't create more nodes until some existing nodes
	// are destroyed. If false, don't handle the error as a quota
	// error.
	IsQuotaError() bool
	error
}

// ErrNotFound is returned (possibly wrapped) when a node, volume, or
// offer no longer exists upstream.
var ErrNotFound = errors.New("not found")

type NodeID string
type VolumeID string
type OfferID string

// Offer is a rentable unit advertised by the marketplace. Several
// offers can share one MachineID when a physical host exposes more
// than one GPU slot.
type Offer struct {
	ID           OfferID
	MachineID    string
	HostID       string
	GPUName      string
	NumGPUs      int
	GPURAMMB     int
	CPURAMMB     int
	DiskGB       float64
	PricePerHour float64
	// 0..1, as reported by the marketplace.
	Reliability float64
}

func (o Offer) String() string {
	return fmt.Sprintf("%s(%dx%s@%.3f/h)", o.ID, o.NumGPUs, o.GPUName, o.PricePerHour)
}

type OfferFilter struct {
	MinGPURAMMB     int
	MinRAMMB        int
	MinGPUs         int
	GPUName         string
	MinDiskGB       float64
	MaxPricePerHour float64
	MachineID       string
	// Maximum number of offers to return. Zero means driver
	// default.
	Limit int
}

// Match returns true if the offer satisfies the filter.
func (f OfferFilter) Match(o Offer) bool {
	switch {
	case f.MinGPURAMMB > 0 && o.GPURAMMB < f.MinGPURAMMB,
		f.MinRAMMB > 0 && o.CPURAMMB < f.MinRAMMB,
		f.MinGPUs > 0 && o.NumGPUs < f.MinGPUs,
		f.GPUName != "" && o.GPUName != f.GPUName,
		f.MinDiskGB > 0 && o.DiskGB < f.MinDiskGB,
		f.MaxPricePerHour > 0 && o.PricePerHour > f.MaxPricePerHour,
		f.MachineID != "" && o.MachineID != f.MachineID:
		return false
	}
	return true
}

type NodeSpec struct {
	OfferID       OfferID
	Image         string
	DiskGB        float64
	StartupScript string
	Label         string
	// If not empty, attach this volume to the new node.
	VolumeID VolumeID
}

type LiveState string

const (
	LiveStateUnknown LiveState = "unknown"
	LiveStateLoading LiveState = "loading"
	LiveStateRunning LiveState = "running"
	LiveStateStopped LiveState = "stopped"
	LiveStateExited  LiveState = "exited"
	LiveStateFailed  LiveState = "failed"
)

// Dead returns true if a node in this state will never become
// reachable without intervention.
func (s LiveState) Dead() bool {
	return s == LiveStateExited || s == LiveStateFailed
}

type NodeStatus struct {
	ID        NodeID
	MachineID string
	Label     string
	// host:port of the node's remote access service, or "" if
	// not assigned yet.
	Endpoint  string
	LiveState LiveState
}

type VolumeSpec struct {
	MachineID string
	// Offer used to locate the host, if the marketplace requires
	// one.
	OfferID OfferID
	SizeGB  float64
	Label   string
}

type VolumeState string

const (
	VolumeCreating  VolumeState = "creating"
	VolumeAvailable VolumeState = "available"
	VolumeInUse     VolumeState = "in-use"
	VolumeDeleting  VolumeState = "deleting"
)

type Volume struct {
	ID           VolumeID
	MachineID    string
	SizeGB       float64
	State        VolumeState
	AttachedNode NodeID
}

// A Market rents compute nodes and host-local volumes from an
// upstream GPU marketplace.
//
// All methods are goroutine safe. Errors should implement
// RateLimitError and QuotaError where applicable, and wrap
// ErrNotFound when the referenced resource does not exist.
type Market interface {
	SearchOffers(context.Context, OfferFilter) ([]Offer, error)
	CreateNode(context.Context, NodeSpec) (NodeID, error)
	GetNode(context.Context, NodeID) (NodeStatus, error)
	StartNode(context.Context, NodeID) error
	StopNode(context.Context, NodeID) error
	DeleteNode(context.Context, NodeID) error
	CreateVolume(context.Context, VolumeSpec) (Volume, error)
	DeleteVolume(context.Context, VolumeID) error
	// ListVolumes returns the volumes on the given physical
	// machine.
	ListVolumes(ctx context.Context, machineID string) ([]Volume, error)
}

// A Driver returns a Market that uses the given driver-dependent
// configuration parameters.
type Driver interface {
	Market(cluster *spotrelay.Cluster, logger logrus.FieldLogger) (Market, error)
}

// DriverFunc makes a Driver using the provided function as its
// Market method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(cluster *spotrelay.Cluster, logger logrus.FieldLogger) (Market, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(cluster *spotrelay.Cluster, logger logrus.FieldLogger) (Market, error)

func (df driverFunc) Market(cluster *spotrelay.Cluster, logger logrus.FieldLogger) (Market, error) {
	return df(cluster, logger)
}
