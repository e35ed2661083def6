// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package storetest provides tests that every state store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"io"
	"time"

	"git.arvados.org/spotrelay.git/lib/snapshot"
	"git.arvados.org/spotrelay.git/lib/warmpool"
	check "gopkg.in/check.v1"
)

type Store interface {
	warmpool.Store
	snapshot.Index
	io.Closer
}

// DoGenericStoreTests runs each test against a new empty store
// returned by factory.
func DoGenericStoreTests(c *check.C, factory func(*check.C) Store) {
	for _, test := range []func(*check.C, Store){
		testPoolCRUD,
		testListPools,
		testLatestByTime,
		testSnapshotsPerNode,
	} {
		st := factory(c)
		test(c, st)
		c.Check(st.Close(), check.IsNil)
	}
}

func testPoolCRUD(c *check.C, st Store) {
	ctx := context.Background()
	_, err := st.LoadPool(ctx, "7")
	c.Check(errors.Is(err, warmpool.ErrNoRecord), check.Equals, true)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := warmpool.Record{
		MachineID:      "7",
		State:          warmpool.StateActive,
		Params:         warmpool.Params{GPUName: "RTX 4090", MaxPrice: 0.8, DiskGB: 50},
		HostID:         "h1",
		VolumeID:       "v1",
		PrimaryNodeID:  "n1",
		StandbyNodeID:  "n2",
		StandbyState:   warmpool.StandbyStopped,
		FailoverCount:  2,
		LastFailoverAt: t0,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	c.Assert(st.SavePool(ctx, rec), check.IsNil)
	got, err := st.LoadPool(ctx, "7")
	c.Assert(err, check.IsNil)
	c.Check(got.LastFailoverAt.Equal(t0), check.Equals, true)
	got.LastFailoverAt, got.CreatedAt, got.UpdatedAt = rec.LastFailoverAt, rec.CreatedAt, rec.UpdatedAt
	c.Check(got, check.DeepEquals, rec)

	rec.State = warmpool.StateDegraded
	rec.StandbyNodeID = ""
	c.Assert(st.SavePool(ctx, rec), check.IsNil)
	got, err = st.LoadPool(ctx, "7")
	c.Assert(err, check.IsNil)
	c.Check(got.State, check.Equals, warmpool.StateDegraded)
	c.Check(got.StandbyNodeID, check.Equals, rec.StandbyNodeID)

	c.Assert(st.DeletePool(ctx, "7"), check.IsNil)
	_, err = st.LoadPool(ctx, "7")
	c.Check(errors.Is(err, warmpool.ErrNoRecord), check.Equals, true)
}

func testListPools(c *check.C, st Store) {
	ctx := context.Background()
	recs, err := st.ListPools(ctx)
	c.Assert(err, check.IsNil)
	c.Check(recs, check.HasLen, 0)
	for _, id := range []string{"3", "1", "2"} {
		c.Assert(st.SavePool(ctx, warmpool.Record{MachineID: id, State: warmpool.StateDisabled}), check.IsNil)
	}
	recs, err = st.ListPools(ctx)
	c.Assert(err, check.IsNil)
	var ids []string
	for _, rec := range recs {
		ids = append(ids, rec.MachineID)
	}
	c.Check(ids, check.DeepEquals, []string{"1", "2", "3"})
}

func testLatestByTime(c *check.C, st Store) {
	ctx := context.Background()
	_, err := st.LatestSnapshot(ctx, "n1")
	c.Check(errors.Is(err, snapshot.ErrNoSnapshot), check.Equals, true)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// IDs deliberately sort in the opposite order of their
	// capture times.
	for i, id := range []string{"n1-z", "n1-m", "n1-a"} {
		c.Assert(st.AddSnapshot(ctx, snapshot.IndexEntry{
			ID:          id,
			NodeID:      "n1",
			CreatedAt:   t0.Add(time.Duration(i) * time.Minute),
			ManifestKey: "snapshots/" + id + "/manifest.json",
		}), check.IsNil)
	}
	ent, err := st.LatestSnapshot(ctx, "n1")
	c.Assert(err, check.IsNil)
	c.Check(ent.ID, check.Equals, "n1-a")
	c.Check(ent.ManifestKey, check.Equals, "snapshots/n1-a/manifest.json")

	ents, err := st.ListSnapshots(ctx, "n1")
	c.Assert(err, check.IsNil)
	c.Assert(ents, check.HasLen, 3)
	c.Check(ents[0].ID, check.Equals, "n1-a")
	c.Check(ents[2].ID, check.Equals, "n1-z")
}

func testSnapshotsPerNode(c *check.C, st Store) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Assert(st.AddSnapshot(ctx, snapshot.IndexEntry{ID: "n1-a", NodeID: "n1", CreatedAt: t0}), check.IsNil)
	c.Assert(st.AddSnapshot(ctx, snapshot.IndexEntry{ID: "n2-a", NodeID: "n2", CreatedAt: t0.Add(time.Hour), BaseID: "n2-0"}), check.IsNil)
	ent, err := st.LatestSnapshot(ctx, "n1")
	c.Assert(err, check.IsNil)
	c.Check(ent.ID, check.Equals, "n1-a")
	ent, err = st.LatestSnapshot(ctx, "n2")
	c.Assert(err, check.IsNil)
	c.Check(ent.BaseID, check.Equals, "n2-0")
	_, err = st.LatestSnapshot(ctx, "n3")
	c.Check(errors.Is(err, snapshot.ErrNoSnapshot), check.Equals, true)
}
