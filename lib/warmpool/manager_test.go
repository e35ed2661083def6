// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package warmpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/lib/market/markettest"
	"git.arvados.org/spotrelay.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ManagerSuite{})

type ManagerSuite struct {
	stub   *markettest.StubMarket
	store  *MemoryStore
	cfg    Config
	params Params
	mgrs   []*Manager
}

func hostOffers(machineID string, n int, price, reliability float64) []market.Offer {
	var offers []market.Offer
	for i := 0; i < n; i++ {
		offers = append(offers, market.Offer{
			ID:           market.OfferID(fmt.Sprintf("%s-o%d", machineID, i)),
			MachineID:    machineID,
			GPUName:      "RTX 4090",
			NumGPUs:      1,
			PricePerHour: price,
			Reliability:  reliability,
		})
	}
	return offers
}

func (s *ManagerSuite) SetUpTest(c *check.C) {
	s.stub = &markettest.StubMarket{
		Offers: append(hostOffers("h1", 3, 0.5, 0.99), hostOffers("h2", 1, 0.1, 0.99)...),
	}
	s.store = &MemoryStore{}
	s.cfg = Config{
		HealthCheckInterval: time.Hour,
		EndpointTimeout:     time.Second,
		StandbyGracePeriod:  10 * time.Millisecond,
		FailoverTimeout:     200 * time.Millisecond,
		CheckInterval:       5 * time.Millisecond,
		ProbeTimeout:        100 * time.Millisecond,
		CleanupTimeout:      time.Second,
	}
	s.params = Params{
		GPUName:  "RTX 4090",
		MaxPrice: 1,
		Image:    "example/trainer:latest",
		DiskGB:   50,
	}
	s.mgrs = nil
}

func (s *ManagerSuite) TearDownTest(c *check.C) {
	for _, m := range s.mgrs {
		m.Close()
	}
}

func (s *ManagerSuite) newManager(c *check.C, mkt market.Market) *Manager {
	if mkt == nil {
		mkt = s.stub
	}
	m := NewManager("7", mkt, s.stub, s.store, s.cfg, ctxlog.TestLogger(c), prometheus.NewRegistry())
	s.mgrs = append(s.mgrs, m)
	return m
}

func waitFor(c *check.C, timeout time.Duration, fn func() bool) {
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			c.Fatalf("timed out after %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *ManagerSuite) TestFindSuitableHost(c *check.C) {
	s.stub.Offers = append(append(
		hostOffers("h1", 2, 0.5, 0.90),
		hostOffers("h2", 3, 0.4, 0.99)...),
		hostOffers("h3", 1, 0.05, 0.99)...)
	m := s.newManager(c, nil)
	host, err := m.FindSuitableHost(context.Background(), "RTX 4090", 1)
	c.Assert(err, check.IsNil)
	c.Assert(host, check.NotNil)
	c.Check(host.MachineID, check.Equals, "h2")
	c.Check(host.Offers, check.HasLen, 3)
	c.Check(host.MinPrice, check.Equals, 0.4)

	host, err = m.FindSuitableHost(context.Background(), "A100", 1)
	c.Check(err, check.IsNil)
	c.Check(host, check.IsNil)
}

func (s *ManagerSuite) TestFindSuitableHostMinOffers(c *check.C) {
	s.stub.Offers = append(hostOffers("h1", 2, 0.1, 0.99), hostOffers("h2", 3, 0.9, 0.5)...)
	s.cfg.MinOffersPerHost = 3
	m := s.newManager(c, nil)
	host, err := m.FindSuitableHost(context.Background(), "RTX 4090", 1)
	c.Assert(err, check.IsNil)
	c.Assert(host, check.NotNil)
	c.Check(host.MachineID, check.Equals, "h2")
}

func (s *ManagerSuite) TestEnable(c *check.C) {
	m := s.newManager(c, nil)
	c.Check(m.NeedsCPUStandby(), check.Equals, true)
	err := m.Enable(context.Background(), s.params)
	c.Assert(err, check.IsNil)

	rec := m.Status()
	c.Check(rec.State, check.Equals, StateActive)
	c.Check(rec.HostID, check.Equals, "h1")
	c.Check(rec.PrimaryEndpoint, check.Not(check.Equals), "")
	c.Check(rec.StandbyState, check.Equals, StandbyStopped)
	c.Check(m.NeedsCPUStandby(), check.Equals, false)

	vols := s.stub.Volumes()
	c.Assert(vols, check.HasLen, 1)
	c.Check(vols[0].ID, check.Equals, rec.VolumeID)
	c.Check(vols[0].MachineID, check.Equals, "h1")

	primary, ok := s.stub.Node(rec.PrimaryNodeID)
	c.Assert(ok, check.Equals, true)
	c.Check(primary.State, check.Equals, market.LiveStateRunning)
	c.Check(primary.Spec.VolumeID, check.Equals, rec.VolumeID)
	c.Check(primary.Spec.Image, check.Equals, s.params.Image)
	standby, ok := s.stub.Node(rec.StandbyNodeID)
	c.Assert(ok, check.Equals, true)
	c.Check(standby.State, check.Equals, market.LiveStateStopped)
	c.Check(standby.Spec.VolumeID, check.Equals, rec.VolumeID)
	c.Check(standby.Offer.MachineID, check.Equals, "h1")
	c.Check(standby.Offer.ID, check.Not(check.Equals), primary.Offer.ID)

	saved, err := s.store.LoadPool(context.Background(), "7")
	c.Assert(err, check.IsNil)
	c.Check(saved.State, check.Equals, StateActive)
	c.Check(saved.StandbyNodeID, check.Equals, rec.StandbyNodeID)

	err = m.Enable(context.Background(), s.params)
	c.Check(err, check.ErrorMatches, `cannot enable warm pool in state active`)
}

func (s *ManagerSuite) TestEnableNoHost(c *check.C) {
	s.stub.Offers = append(hostOffers("h1", 1, 0.5, 0.99), hostOffers("h2", 1, 0.5, 0.99)...)
	m := s.newManager(c, nil)
	err := m.Enable(context.Background(), s.params)
	c.Check(err, check.ErrorMatches, `no machine has 2 or more offers .*`)
	c.Check(m.Status().State, check.Equals, StateDegraded)
	c.Check(m.NeedsCPUStandby(), check.Equals, true)
	c.Check(s.stub.Created(), check.HasLen, 0)
}

func (s *ManagerSuite) TestEnableSearchError(c *check.C) {
	s.stub.SearchError = errors.New("marketplace 503")
	m := s.newManager(c, nil)
	err := m.Enable(context.Background(), s.params)
	c.Check(err, check.ErrorMatches, `.*marketplace 503.*`)
	rec := m.Status()
	c.Check(rec.State, check.Equals, StateDegraded)
	c.Check(rec.LastError, check.Matches, `.*marketplace 503.*`)
	c.Check(s.stub.Created(), check.HasLen, 0)

	// Retry searches again once the marketplace recovers.
	s.stub.SearchError = nil
	c.Assert(m.Retry(context.Background()), check.IsNil)
	c.Check(m.Status().State, check.Equals, StateActive)
}

func (s *ManagerSuite) TestReuseVolume(c *check.C) {
	vol, err := s.stub.CreateVolume(context.Background(), market.VolumeSpec{MachineID: "h1", SizeGB: 100})
	c.Assert(err, check.IsNil)
	m := s.newManager(c, nil)
	c.Assert(m.Enable(context.Background(), s.params), check.IsNil)
	c.Check(m.Status().VolumeID, check.Equals, vol.ID)
	c.Check(s.stub.Volumes(), check.HasLen, 1)
}

func (s *ManagerSuite) TestPrimaryNeverReachable(c *check.C) {
	s.stub.NeverReady = map[market.OfferID]bool{"h1-o0": true}
	s.cfg.EndpointTimeout = 50 * time.Millisecond
	m := s.newManager(c, nil)
	err := m.Enable(context.Background(), s.params)
	c.Check(err, check.ErrorMatches, `primary node stub-\d+: not reachable within 50ms.*`)
	rec := m.Status()
	c.Check(rec.State, check.Equals, StateError)
	c.Check(rec.PrimaryNodeID, check.Equals, market.NodeID(""))
	c.Check(s.stub.Live(), check.HasLen, 0)
}

func (s *ManagerSuite) TestNoStandbyStillActive(c *check.C) {
	s.stub.Offers = hostOffers("h1", 2, 0.5, 0.99)
	s.stub.Stale = map[market.OfferID]bool{"h1-o1": true}
	m := s.newManager(c, nil)
	c.Assert(m.Enable(context.Background(), s.params), check.IsNil)
	rec := m.Status()
	c.Check(rec.State, check.Equals, StateActive)
	c.Check(rec.StandbyNodeID, check.Equals, market.NodeID(""))
	c.Check(rec.LastError, check.Matches, `create standby node: .*`)
	c.Check(m.NeedsCPUStandby(), check.Equals, true)

	_, err := m.TriggerFailover(context.Background())
	c.Check(errors.Is(err, ErrNoStandby), check.Equals, true)
	c.Check(m.Status().State, check.Equals, StateActive)
}

func (s *ManagerSuite) TestFailover(c *check.C) {
	m := s.newManager(c, nil)
	c.Assert(m.Enable(context.Background(), s.params), check.IsNil)
	before := m.Status()
	s.stub.SetLiveState(before.PrimaryNodeID, market.LiveStateExited)

	res, err := m.TriggerFailover(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(res.OldPrimary, check.Equals, before.PrimaryNodeID)
	c.Check(res.NewPrimary, check.Equals, before.StandbyNodeID)
	c.Check(res.Endpoint, check.Equals, string(before.StandbyNodeID)+".stub.invalid:22")

	after := m.Status()
	c.Check(after.State, check.Equals, StateActive)
	c.Check(after.PrimaryNodeID, check.Equals, before.StandbyNodeID)
	c.Check(after.PrimaryEndpoint, check.Equals, res.Endpoint)
	c.Check(after.StandbyNodeID, check.Equals, market.NodeID(""))
	c.Check(after.FailoverCount, check.Equals, 1)
	c.Check(after.LastFailoverAt.IsZero(), check.Equals, false)
	c.Check(m.NeedsCPUStandby(), check.Equals, true)

	waitFor(c, time.Second, func() bool {
		n, _ := s.stub.Node(before.PrimaryNodeID)
		return n.Deleted
	})
	c.Check(s.stub.Live(), check.DeepEquals, []market.NodeID{before.StandbyNodeID})
}

func (s *ManagerSuite) TestFailoverNotActive(c *check.C) {
	m := s.newManager(c, nil)
	_, err := m.TriggerFailover(context.Background())
	c.Check(errors.Is(err, ErrNotActive), check.Equals, true)
	c.Check(m.Status().State, check.Equals, StateDisabled)
	c.Check(m.Status().FailedFailovers, check.Equals, 0)
}

func (s *ManagerSuite) TestFailoverStandbyNeverReady(c *check.C) {
	s.stub.StartNeverReady = true
	m := s.newManager(c, nil)
	c.Assert(m.Enable(context.Background(), s.params), check.IsNil)
	before := m.Status()

	_, err := m.TriggerFailover(context.Background())
	c.Check(err, check.ErrorMatches, `standby node stub-\d+: not reachable within 200ms.*`)
	rec := m.Status()
	c.Check(rec.State, check.Equals, StateError)
	c.Check(rec.FailedFailovers, check.Equals, 1)
	c.Check(rec.PrimaryNodeID, check.Equals, before.PrimaryNodeID)
	c.Check(rec.StandbyState, check.Equals, StandbyStopped)
	standby, _ := s.stub.Node(before.StandbyNodeID)
	c.Check(standby.State, check.Equals, market.LiveStateStopped)
	c.Check(standby.Stops, check.Equals, 2)

	// A failed pool does not accept further failovers.
	_, err = m.TriggerFailover(context.Background())
	c.Check(errors.Is(err, ErrNotActive), check.Equals, true)
}

func (s *ManagerSuite) TestRetryAfterFailedFailover(c *check.C) {
	s.stub.StartNeverReady = true
	m := s.newManager(c, nil)
	c.Assert(m.Enable(context.Background(), s.params), check.IsNil)
	before := m.Status()
	_, err := m.TriggerFailover(context.Background())
	c.Assert(err, check.NotNil)

	c.Assert(m.Retry(context.Background()), check.IsNil)
	rec := m.Status()
	c.Check(rec.State, check.Equals, StateActive)
	c.Check(rec.VolumeID, check.Equals, before.VolumeID)
	c.Check(rec.PrimaryNodeID, check.Not(check.Equals), before.PrimaryNodeID)
	c.Check(s.stub.Live(), check.HasLen, 2)
	for _, id := range []market.NodeID{before.PrimaryNodeID, before.StandbyNodeID} {
		n, _ := s.stub.Node(id)
		c.Check(n.Deleted, check.Equals, true)
	}
}

func (s *ManagerSuite) TestRetryRejected(c *check.C) {
	m := s.newManager(c, nil)
	c.Check(m.Retry(context.Background()), check.ErrorMatches, `cannot retry warm pool in state disabled`)
}

func (s *ManagerSuite) TestReprovisionStandby(c *check.C) {
	s.cfg.ReprovisionStandby = true
	m := s.newManager(c, nil)
	c.Assert(m.Enable(context.Background(), s.params), check.IsNil)
	before := m.Status()

	_, err := m.TriggerFailover(context.Background())
	c.Assert(err, check.IsNil)
	waitFor(c, 2*time.Second, func() bool {
		rec := m.Status()
		return rec.State == StateActive && rec.StandbyState == StandbyStopped
	})
	rec := m.Status()
	c.Check(rec.PrimaryNodeID, check.Equals, before.StandbyNodeID)
	c.Check(rec.StandbyNodeID, check.Not(check.Equals), before.PrimaryNodeID)
	c.Check(rec.StandbyNodeID, check.Not(check.Equals), market.NodeID(""))
	c.Check(m.NeedsCPUStandby(), check.Equals, false)
	standby, _ := s.stub.Node(rec.StandbyNodeID)
	c.Check(standby.Offer.MachineID, check.Equals, "h1")
	c.Check(standby.Spec.VolumeID, check.Equals, rec.VolumeID)
}

// failingCreates wraps a market and fails CreateNode calls while
// fail is set.
type failingCreates struct {
	market.Market
	fail atomic.Bool
}

func (fc *failingCreates) CreateNode(ctx context.Context, spec market.NodeSpec) (market.NodeID, error) {
	if fc.fail.Load() {
		return "", errors.New("create failed")
	}
	return fc.Market.CreateNode(ctx, spec)
}

func (s *ManagerSuite) TestReprovisionStandbyFails(c *check.C) {
	s.cfg.ReprovisionStandby = true
	fc := &failingCreates{Market: s.stub}
	m := s.newManager(c, fc)
	c.Assert(m.Enable(context.Background(), s.params), check.IsNil)

	fc.fail.Store(true)
	_, err := m.TriggerFailover(context.Background())
	c.Assert(err, check.IsNil)
	waitFor(c, 2*time.Second, func() bool { return m.Status().State == StateDegraded })
	c.Check(m.Status().LastError, check.Matches, `(?s)re-provision standby: .*create failed.*`)
	c.Check(m.NeedsCPUStandby(), check.Equals, true)

	fc.fail.Store(false)
	c.Assert(m.Retry(context.Background()), check.IsNil)
	rec := m.Status()
	c.Check(rec.State, check.Equals, StateActive)
	c.Check(rec.StandbyState, check.Equals, StandbyStopped)
	c.Check(rec.FailoverCount, check.Equals, 1)
}

func (s *ManagerSuite) TestHealthLoopTriggersFailover(c *check.C) {
	s.cfg.HealthCheckInterval = 10 * time.Millisecond
	s.cfg.ProbeTimeout = 10 * time.Millisecond
	m := s.newManager(c, nil)
	c.Assert(m.Enable(context.Background(), s.params), check.IsNil)
	before := m.Status()

	// Healthy primary: no failover.
	time.Sleep(100 * time.Millisecond)
	c.Check(m.Status().FailoverCount, check.Equals, 0)

	s.stub.SetReachable(before.PrimaryNodeID, false)
	waitFor(c, 2*time.Second, func() bool { return m.Status().FailoverCount == 1 })
	c.Check(m.Status().PrimaryNodeID, check.Equals, before.StandbyNodeID)
}

func (s *ManagerSuite) TestHealthLoopWaitsForFailoverInProgress(c *check.C) {
	s.cfg.HealthCheckInterval = 10 * time.Millisecond
	s.cfg.ProbeTimeout = 10 * time.Millisecond
	m := s.newManager(c, nil)
	c.Assert(m.Enable(context.Background(), s.params), check.IsNil)
	before := m.Status()

	release, ok := m.guard.TryAcquire("7")
	c.Assert(ok, check.Equals, true)
	s.stub.SetReachable(before.PrimaryNodeID, false)
	time.Sleep(150 * time.Millisecond)
	c.Check(m.Status().FailoverCount, check.Equals, 0)
	c.Check(m.Status().State, check.Equals, StateActive)

	release()
	waitFor(c, 2*time.Second, func() bool { return m.Status().FailoverCount == 1 })
	c.Check(m.Status().PrimaryNodeID, check.Equals, before.StandbyNodeID)
}

func (s *ManagerSuite) TestObserveThreshold(c *check.C) {
	m := s.newManager(c, nil)
	c.Check(m.observe(false), check.Equals, false)
	c.Check(m.observe(false), check.Equals, false)
	c.Check(m.observe(true), check.Equals, false)
	c.Check(m.observe(false), check.Equals, false)
	c.Check(m.observe(false), check.Equals, false)
	c.Check(m.observe(false), check.Equals, true)
	// Counter resets after a trigger.
	c.Check(m.observe(false), check.Equals, false)
}

func (s *ManagerSuite) TestTeardown(c *check.C) {
	m := s.newManager(c, nil)
	c.Assert(m.Enable(context.Background(), s.params), check.IsNil)
	c.Assert(m.Teardown(context.Background(), true), check.IsNil)
	c.Check(s.stub.Live(), check.HasLen, 0)
	c.Check(s.stub.Volumes(), check.HasLen, 0)
	c.Check(m.Status().State, check.Equals, StateDisabled)
	_, err := s.store.LoadPool(context.Background(), "7")
	c.Check(err, check.Equals, ErrNoRecord)
}

func (s *ManagerSuite) TestTeardownKeepPrimary(c *check.C) {
	m := s.newManager(c, nil)
	c.Assert(m.Enable(context.Background(), s.params), check.IsNil)
	rec := m.Status()
	c.Assert(m.Teardown(context.Background(), false), check.IsNil)
	c.Check(s.stub.Live(), check.DeepEquals, []market.NodeID{rec.PrimaryNodeID})
	c.Check(s.stub.Volumes(), check.HasLen, 1)
}
