// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package warmpool

import (
	"context"
	"errors"
	"time"

	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/lib/market/markettest"
	"git.arvados.org/spotrelay.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RegistrySuite{})

type RegistrySuite struct{}

func (s *RegistrySuite) TestMemoryStore(c *check.C) {
	ctx := context.Background()
	store := &MemoryStore{}
	_, err := store.LoadPool(ctx, "1")
	c.Check(err, check.Equals, ErrNoRecord)
	c.Check(store.SavePool(ctx, Record{MachineID: "2", State: StateActive}), check.IsNil)
	c.Check(store.SavePool(ctx, Record{MachineID: "1", State: StateError}), check.IsNil)
	rec, err := store.LoadPool(ctx, "1")
	c.Check(err, check.IsNil)
	c.Check(rec.State, check.Equals, StateError)
	recs, err := store.ListPools(ctx)
	c.Check(err, check.IsNil)
	c.Assert(recs, check.HasLen, 2)
	c.Check(recs[0].MachineID, check.Equals, "1")
	c.Check(store.DeletePool(ctx, "1"), check.IsNil)
	recs, _ = store.ListPools(ctx)
	c.Check(recs, check.HasLen, 1)
}

func (s *RegistrySuite) TestResume(c *check.C) {
	ctx := context.Background()
	stub := &markettest.StubMarket{Offers: hostOffers("h1", 2, 0.5, 0.99)}
	primary, err := stub.CreateNode(ctx, market.NodeSpec{OfferID: "h1-o0"})
	c.Assert(err, check.IsNil)

	store := &MemoryStore{}
	store.SavePool(ctx, Record{MachineID: "1", State: StateActive, HostID: "h1", PrimaryNodeID: primary, StandbyState: StandbyNone})
	store.SavePool(ctx, Record{MachineID: "2", State: StateFailover, HostID: "h1", StandbyState: StandbyStarting})
	store.SavePool(ctx, Record{MachineID: "3", State: StateDegraded, LastError: "no host"})

	reg := prometheus.NewRegistry()
	r := NewRegistry(stub, stub, store, Config{HealthCheckInterval: time.Hour}, ctxlog.TestLogger(c), reg)
	defer r.Close()
	c.Assert(r.Resume(ctx), check.IsNil)

	recs := r.List()
	c.Assert(recs, check.HasLen, 3)
	c.Check(recs[0].State, check.Equals, StateActive)
	c.Check(recs[1].State, check.Equals, StateError)
	c.Check(recs[1].LastError, check.Equals, "interrupted while failover")
	c.Check(recs[2].State, check.Equals, StateDegraded)

	saved, err := store.LoadPool(ctx, "2")
	c.Check(err, check.IsNil)
	c.Check(saved.State, check.Equals, StateError)

	m, ok := r.Lookup("1")
	c.Assert(ok, check.Equals, true)
	c.Check(m.Status().PrimaryNodeID, check.Equals, primary)
	m.mtx.Lock()
	c.Check(m.stop, check.NotNil)
	m.mtx.Unlock()

	_, ok = r.Lookup("4")
	c.Check(ok, check.Equals, false)
	c.Check(r.Manager("4").Status().State, check.Equals, StateDisabled)

	n, err := testutil.GatherAndCount(reg, "spotrelay_warmpool_pools")
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, len(allStates))
}

func (s *RegistrySuite) TestClaimedVolumeNotReused(c *check.C) {
	ctx := context.Background()
	stub := &markettest.StubMarket{Offers: hostOffers("h1", 4, 0.5, 0.99)}
	cfg := Config{
		HealthCheckInterval: time.Hour,
		StandbyGracePeriod:  time.Millisecond,
		CheckInterval:       time.Millisecond,
	}
	r := NewRegistry(stub, stub, nil, cfg, ctxlog.TestLogger(c), nil)
	defer r.Close()
	params := Params{GPUName: "RTX 4090", MaxPrice: 1, DiskGB: 10}

	m1 := r.Manager("1")
	c.Assert(m1.Enable(ctx, params), check.IsNil)
	// Leave pool 1's volume unattached, as after a teardown that
	// failed part way.
	rec1 := m1.Status()
	c.Assert(stub.DeleteNode(ctx, rec1.StandbyNodeID), check.IsNil)
	c.Assert(stub.DeleteNode(ctx, rec1.PrimaryNodeID), check.IsNil)

	m2 := r.Manager("2")
	c.Assert(m2.Enable(ctx, params), check.IsNil)
	c.Check(m2.Status().VolumeID, check.Not(check.Equals), rec1.VolumeID)
	c.Check(stub.Volumes(), check.HasLen, 2)
}

func (s *RegistrySuite) TestTriggerFailoverNoPool(c *check.C) {
	stub := &markettest.StubMarket{}
	r := NewRegistry(stub, stub, nil, Config{}, ctxlog.TestLogger(c), nil)
	defer r.Close()
	_, err := r.TriggerFailover(context.Background(), "9")
	c.Check(errors.Is(err, ErrNotActive), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*no warm pool for machine 9.*`)
}

func (s *RegistrySuite) TestFailoverGuardShared(c *check.C) {
	r := NewRegistry(&markettest.StubMarket{}, nil, nil, Config{}, ctxlog.TestLogger(c), nil)
	defer r.Close()
	c.Check(r.Manager("1").guard, check.Equals, r.FailoverGuard())

	release, ok := r.FailoverGuard().TryAcquire("1")
	c.Assert(ok, check.Equals, true)
	_, ok = r.Manager("1").guard.TryAcquire("1")
	c.Check(ok, check.Equals, false)
	release2, ok := r.FailoverGuard().TryAcquire("2")
	c.Check(ok, check.Equals, true)
	release2()
	release()
	release, ok = r.FailoverGuard().TryAcquire("1")
	c.Check(ok, check.Equals, true)
	release()
}
