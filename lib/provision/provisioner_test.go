// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"fmt"
	"time"

	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/lib/market/markettest"
	"git.arvados.org/spotrelay.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ProvisionerSuite{})

type ProvisionerSuite struct {
	stub *markettest.StubMarket
}

func (s *ProvisionerSuite) SetUpTest(c *check.C) {
	s.stub = &markettest.StubMarket{}
}

func (s *ProvisionerSuite) offers(prefix string, n int) []market.Offer {
	var offers []market.Offer
	for i := 0; i < n; i++ {
		offers = append(offers, market.Offer{
			ID:           market.OfferID(fmt.Sprintf("%s%d", prefix, i)),
			MachineID:    fmt.Sprintf("m%d", i),
			GPUName:      "RTX 4090",
			NumGPUs:      1,
			GPURAMMB:     24000,
			CPURAMMB:     64000,
			PricePerHour: 0.5,
			Reliability:  0.98,
		})
	}
	return offers
}

func (s *ProvisionerSuite) newProvisioner(c *check.C) *Provisioner {
	return New(s.stub, s.stub, RoundConfig{
		BatchSize:       2,
		MaxRounds:       2,
		TimeoutPerRound: time.Second,
		CheckInterval:   10 * time.Millisecond,
		ProbeTimeout:    100 * time.Millisecond,
		CreateStagger:   time.Millisecond,
		CleanupTimeout:  time.Second,
	}, ctxlog.TestLogger(c), prometheus.NewRegistry())
}

func (s *ProvisionerSuite) request() Request {
	return Request{
		Resources: Resources{MinRAMMB: 10000},
		MaxPrice:  1.0,
		Image:     "pytorch/pytorch:latest",
		DiskGB:    50,
		Label:     "test",
	}
}

func (s *ProvisionerSuite) TestZeroOffers(c *check.C) {
	req := Request{Resources: Resources{MinRAMMB: 10000}, MaxPrice: 1.0, Round: RoundConfig{MaxRounds: 1}}
	out := s.newProvisioner(c).Provision(context.Background(), req)
	c.Check(out.Success, check.Equals, false)
	c.Check(out.RoundsAttempted, check.Equals, 1)
	c.Check(out.CandidatesTried, check.Equals, 0)
	c.Check(out.Error, check.Matches, `.*no offers available.*`)
	c.Check(s.stub.Created(), check.HasLen, 0)
}

func (s *ProvisionerSuite) TestFirstReachableWins(c *check.C) {
	s.stub.Offers = s.offers("o", 8)
	s.stub.ReadyDelay = 300 * time.Millisecond
	s.stub.OfferReadyDelay = map[market.OfferID]time.Duration{"o3": 30 * time.Millisecond}
	out := s.newProvisioner(c).Provision(context.Background(), s.request())
	c.Check(out.Error, check.Equals, "")
	c.Assert(out.Success, check.Equals, true)
	c.Check(out.OfferID, check.Equals, market.OfferID("o3"))
	c.Check(out.RoundsAttempted, check.Equals, 1)
	// 3x batch size.
	c.Check(out.CandidatesTried, check.Equals, 6)
	c.Check(out.Name, check.Equals, "test-r1-c3")
	c.Check(out.Endpoint, check.Not(check.Equals), "")
	c.Check(out.TimeToReady > 0, check.Equals, true)

	c.Check(s.stub.Created(), check.HasLen, 6)
	c.Check(s.stub.Live(), check.DeepEquals, []market.NodeID{out.NodeID})
	c.Check(s.stub.Deleted(), check.HasLen, 5)
	n, ok := s.stub.Node(out.NodeID)
	c.Assert(ok, check.Equals, true)
	c.Check(n.Spec.Image, check.Equals, "pytorch/pytorch:latest")
	c.Check(n.Spec.DiskGB, check.Equals, 50.0)
}

func (s *ProvisionerSuite) TestRoundBound(c *check.C) {
	s.stub.Offers = s.offers("o", 20)
	s.stub.NeverReady = map[market.OfferID]bool{}
	for _, o := range s.stub.Offers {
		s.stub.NeverReady[o.ID] = true
	}
	req := s.request()
	req.Round = RoundConfig{MaxRounds: 2, TimeoutPerRound: 100 * time.Millisecond}
	t0 := time.Now()
	out := s.newProvisioner(c).Provision(context.Background(), req)
	elapsed := time.Since(t0)
	c.Check(out.Success, check.Equals, false)
	c.Check(out.RoundsAttempted, check.Equals, 2)
	c.Check(out.CandidatesTried, check.Equals, 12)
	c.Check(elapsed < 2*100*time.Millisecond+500*time.Millisecond, check.Equals, true, check.Commentf("elapsed %s", elapsed))
	c.Check(s.stub.Created(), check.HasLen, 12)
	c.Check(s.stub.Live(), check.HasLen, 0)
	c.Check(out.Error, check.Matches, `no node became reachable after 2 round\(s\), 12 candidate\(s\) tried: .*`)
}

func (s *ProvisionerSuite) TestTriedOffersExcluded(c *check.C) {
	s.stub.Offers = s.offers("o", 3)
	s.stub.Stale = map[market.OfferID]bool{"o0": true, "o1": true}
	req := s.request()
	req.Round = RoundConfig{BatchSize: 1, MaxRounds: 3, OfferOverfetch: 1, CreateOverfetch: 1}
	out := s.newProvisioner(c).Provision(context.Background(), req)
	c.Assert(out.Success, check.Equals, true)
	c.Check(out.OfferID, check.Equals, market.OfferID("o2"))
	c.Check(out.RoundsAttempted, check.Equals, 3)
	c.Check(out.CandidatesTried, check.Equals, 3)
	c.Check(s.stub.Live(), check.DeepEquals, []market.NodeID{out.NodeID})
}

func (s *ProvisionerSuite) TestDeadCandidatesEndRoundEarly(c *check.C) {
	s.stub.Offers = s.offers("o", 2)
	s.stub.DieOnBoot = map[market.OfferID]bool{"o0": true, "o1": true}
	req := s.request()
	req.Round = RoundConfig{MaxRounds: 1, TimeoutPerRound: 10 * time.Second}
	t0 := time.Now()
	out := s.newProvisioner(c).Provision(context.Background(), req)
	c.Check(out.Success, check.Equals, false)
	c.Check(time.Since(t0) < 2*time.Second, check.Equals, true)
	c.Check(s.stub.Live(), check.HasLen, 0)
}

func (s *ProvisionerSuite) TestRateLimitedCreateRetried(c *check.C) {
	s.stub.Offers = s.offers("o", 1)
	s.stub.RateLimitCreates = 2
	s.stub.RateLimitDelay = 10 * time.Millisecond
	out := s.newProvisioner(c).Provision(context.Background(), s.request())
	c.Check(out.Success, check.Equals, true)
	c.Check(out.CandidatesTried, check.Equals, 1)
}

func (s *ProvisionerSuite) TestRateLimitedCreateGivesUp(c *check.C) {
	s.stub.Offers = s.offers("o", 1)
	s.stub.RateLimitCreates = 100
	s.stub.RateLimitDelay = time.Millisecond
	req := s.request()
	req.Round = RoundConfig{MaxRounds: 1, CreateAttempts: 2}
	out := s.newProvisioner(c).Provision(context.Background(), req)
	c.Check(out.Success, check.Equals, false)
	c.Check(s.stub.Created(), check.HasLen, 0)
}

func (s *ProvisionerSuite) TestSearchRateLimited(c *check.C) {
	s.stub.Offers = s.offers("o", 2)
	s.stub.RateLimitSearches = 1
	s.stub.RateLimitDelay = 20 * time.Millisecond
	out := s.newProvisioner(c).Provision(context.Background(), s.request())
	c.Check(out.Success, check.Equals, true)
	c.Check(out.RoundsAttempted, check.Equals, 1)
	c.Check(s.stub.Searches(), check.Equals, 2)
}

func (s *ProvisionerSuite) TestPriceFilter(c *check.C) {
	s.stub.Offers = s.offers("o", 2)
	s.stub.Offers[0].PricePerHour = 3.0
	out := s.newProvisioner(c).Provision(context.Background(), s.request())
	c.Assert(out.Success, check.Equals, true)
	c.Check(out.OfferID, check.Equals, market.OfferID("o1"))
	c.Check(out.CandidatesTried, check.Equals, 1)
}

func (s *ProvisionerSuite) TestCanceled(c *check.C) {
	s.stub.Offers = s.offers("o", 4)
	s.stub.ReadyDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := s.newProvisioner(c).Provision(ctx, s.request())
	c.Check(out.Success, check.Equals, false)
	c.Check(out.RoundsAttempted, check.Equals, 1)
	c.Check(s.stub.Live(), check.HasLen, 0)
}

func (s *ProvisionerSuite) TestRoundConfigDefaults(c *check.C) {
	p := New(s.stub, s.stub, RoundConfig{MaxRounds: 7}, ctxlog.TestLogger(c), nil)
	cfg, err := p.roundConfig(RoundConfig{BatchSize: 5})
	c.Assert(err, check.IsNil)
	c.Check(cfg.BatchSize, check.Equals, 5)
	c.Check(cfg.MaxRounds, check.Equals, 7)
	c.Check(cfg.OfferOverfetch, check.Equals, 4)
	c.Check(cfg.CreateOverfetch, check.Equals, 3)
	c.Check(cfg.CheckInterval, check.Equals, 2*time.Second)
}
