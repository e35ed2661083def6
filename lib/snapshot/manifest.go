// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

// A Manifest describes one captured state of a workspace.
type Manifest struct {
	ID            string    `json:"id"`
	NodeID        string    `json:"node_id"`
	WorkspacePath string    `json:"workspace_path"`
	Kind          Kind      `json:"kind"`
	BaseID        string    `json:"base_id,omitempty"`
	ChainLength   int       `json:"chain_length"`
	CreatedAt     time.Time `json:"created_at"`
	Location      string    `json:"location"`

	// Modification time of every file present in the workspace at
	// capture time, keyed by slash-separated relative path. This
	// is the baseline for the next incremental capture.
	Files map[string]time.Time `json:"files"`
	// Files present in the base snapshot but not in this one.
	Removed []string `json:"removed,omitempty"`

	FileCount    int     `json:"file_count"`
	ChangedFiles int     `json:"changed_files"`
	LogicalSize  int64   `json:"logical_size"`
	StoredSize   int64   `json:"stored_size"`
	Chunks       []Chunk `json:"chunks"`
}

// A Chunk is one compressed tar stream in a snapshot.
type Chunk struct {
	Key         string `json:"key"`
	Files       int    `json:"files"`
	LogicalSize int64  `json:"logical_size"`
	StoredSize  int64  `json:"stored_size"`
}

func newSnapshotID(nodeID string, t time.Time) string {
	return fmt.Sprintf("%s-%s-%s", nodeID, t.UTC().Format("20060102T150405Z"), strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

func manifestKey(prefix, id string) string {
	return prefix + id + "/manifest.json"
}

func chunkKey(prefix, id string, i int) string {
	return fmt.Sprintf("%s%s/chunk-%05d.tar.zst", prefix, id, i)
}

// IndexEntry is the index's record of one snapshot.
type IndexEntry struct {
	ID          string    `json:"id"`
	NodeID      string    `json:"node_id"`
	CreatedAt   time.Time `json:"created_at"`
	BaseID      string    `json:"base_id,omitempty"`
	ManifestKey string    `json:"manifest_key"`
}

var ErrNoSnapshot = errors.New("no snapshot")

// An Index finds snapshots by source node without listing object
// storage.
type Index interface {
	AddSnapshot(ctx context.Context, ent IndexEntry) error
	// LatestSnapshot returns the most recently captured snapshot
	// of the given node, or ErrNoSnapshot.
	LatestSnapshot(ctx context.Context, nodeID string) (IndexEntry, error)
	// ListSnapshots returns the given node's snapshots, newest
	// first.
	ListSnapshots(ctx context.Context, nodeID string) ([]IndexEntry, error)
}

// MemoryIndex is a non-durable Index.
type MemoryIndex struct {
	mtx  sync.Mutex
	ents map[string][]IndexEntry
}

func (mi *MemoryIndex) AddSnapshot(ctx context.Context, ent IndexEntry) error {
	mi.mtx.Lock()
	defer mi.mtx.Unlock()
	if mi.ents == nil {
		mi.ents = map[string][]IndexEntry{}
	}
	mi.ents[ent.NodeID] = append(mi.ents[ent.NodeID], ent)
	return nil
}

func (mi *MemoryIndex) ListSnapshots(ctx context.Context, nodeID string) ([]IndexEntry, error) {
	mi.mtx.Lock()
	defer mi.mtx.Unlock()
	ents := append([]IndexEntry(nil), mi.ents[nodeID]...)
	SortEntries(ents)
	return ents, nil
}

func (mi *MemoryIndex) LatestSnapshot(ctx context.Context, nodeID string) (IndexEntry, error) {
	ents, _ := mi.ListSnapshots(ctx, nodeID)
	if len(ents) == 0 {
		return IndexEntry{}, ErrNoSnapshot
	}
	return ents[0], nil
}

// SortEntries sorts newest first, breaking ties by ID.
func SortEntries(ents []IndexEntry) {
	sort.SliceStable(ents, func(i, j int) bool {
		if !ents[i].CreatedAt.Equal(ents[j].CreatedAt) {
			return ents[i].CreatedAt.After(ents[j].CreatedAt)
		}
		return ents[i].ID > ents[j].ID
	})
}
