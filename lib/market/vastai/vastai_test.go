// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vastai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	"git.arvados.org/spotrelay.git/lib/market"
	"git.arvados.org/spotrelay.git/sdk/go/ctxlog"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&VastSuite{})

type VastSuite struct {
	srv      *httptest.Server
	handler  http.HandlerFunc
	requests []*http.Request
	bodies   []string
}

func (s *VastSuite) SetUpTest(c *check.C) {
	s.requests = nil
	s.bodies = nil
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		buf, _ := io.ReadAll(req.Body)
		s.requests = append(s.requests, req)
		s.bodies = append(s.bodies, string(buf))
		s.handler(w, req)
	}))
}

func (s *VastSuite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *VastSuite) newMarket(c *check.C) market.Market {
	m, err := NewWithURL(s.srv.URL, "secretkey", ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	return m
}

func (s *VastSuite) TestSearchOffers(c *check.C) {
	s.handler = func(w http.ResponseWriter, req *http.Request) {
		c.Check(req.Method, check.Equals, "GET")
		c.Check(req.URL.Path, check.Equals, "/bundles/")
		c.Check(req.Header.Get("Authorization"), check.Equals, "Bearer secretkey")
		var q map[string]interface{}
		c.Check(json.Unmarshal([]byte(req.URL.Query().Get("q")), &q), check.IsNil)
		c.Check(q["dph_total"], check.DeepEquals, map[string]interface{}{"lte": 1.0})
		c.Check(q["gpu_ram"], check.DeepEquals, map[string]interface{}{"gte": 10000.0})
		w.Write([]byte(`{"offers":[
			{"id":11,"machine_id":7,"host_id":3,"gpu_name":"RTX 4090","num_gpus":1,"gpu_ram":24564,"cpu_ram":64000,"disk_space":200,"dph_total":0.41,"reliability2":0.99},
			{"id":12,"machine_id":8,"host_id":3,"gpu_name":"RTX 3060","num_gpus":1,"gpu_ram":8000,"cpu_ram":32000,"disk_space":100,"dph_total":0.11,"reliability2":0.95}
		]}`))
	}
	offers, err := s.newMarket(c).SearchOffers(context.Background(), market.OfferFilter{MinGPURAMMB: 10000, MaxPricePerHour: 1.0})
	c.Assert(err, check.IsNil)
	c.Assert(offers, check.HasLen, 1)
	c.Check(offers[0], check.DeepEquals, market.Offer{
		ID:           "11",
		MachineID:    "7",
		HostID:       "3",
		GPUName:      "RTX 4090",
		NumGPUs:      1,
		GPURAMMB:     24564,
		CPURAMMB:     64000,
		DiskGB:       200,
		PricePerHour: 0.41,
		Reliability:  0.99,
	})
}

func (s *VastSuite) TestCreateAndGetNode(c *check.C) {
	s.handler = func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.Method == "PUT" && req.URL.Path == "/asks/11/":
			w.Write([]byte(`{"success":true,"new_contract":555}`))
		case req.Method == "GET" && req.URL.Path == "/instances/555/":
			w.Write([]byte(`{"instances":{"id":555,"machine_id":7,"label":"race-1","actual_status":"running","ssh_host":"10.1.2.3","ssh_port":40022}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
	m := s.newMarket(c)
	id, err := m.CreateNode(context.Background(), market.NodeSpec{OfferID: "11", Image: "pytorch/pytorch", DiskGB: 50, Label: "race-1"})
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, market.NodeID("555"))
	c.Check(s.bodies[0], check.Matches, `.*"image":"pytorch/pytorch".*`)
	c.Check(s.bodies[0], check.Matches, `.*"label":"race-1".*`)

	st, err := m.GetNode(context.Background(), id)
	c.Assert(err, check.IsNil)
	c.Check(st, check.DeepEquals, market.NodeStatus{
		ID:        "555",
		MachineID: "7",
		Label:     "race-1",
		Endpoint:  "10.1.2.3:40022",
		LiveState: market.LiveStateRunning,
	})

	_, err = m.GetNode(context.Background(), "999")
	c.Check(errors.Is(err, market.ErrNotFound), check.Equals, true)
}

func (s *VastSuite) TestStartStopDelete(c *check.C) {
	s.handler = func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"success":true}`))
	}
	m := s.newMarket(c)
	c.Check(m.StartNode(context.Background(), "5"), check.IsNil)
	c.Check(m.StopNode(context.Background(), "5"), check.IsNil)
	c.Check(m.DeleteNode(context.Background(), "5"), check.IsNil)
	c.Assert(s.requests, check.HasLen, 3)
	c.Check(s.requests[0].Method, check.Equals, "PUT")
	c.Check(s.bodies[0], check.Equals, `{"state":"running"}`)
	c.Check(s.bodies[1], check.Equals, `{"state":"stopped"}`)
	c.Check(s.requests[2].Method, check.Equals, "DELETE")
	c.Check(s.requests[2].URL.Path, check.Equals, "/instances/5/")
}

func (s *VastSuite) TestRateLimit(c *check.C) {
	s.handler = func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"msg":"slow down"}`))
	}
	t0 := time.Now()
	_, err := s.newMarket(c).CreateNode(context.Background(), market.NodeSpec{OfferID: "11"})
	c.Assert(err, check.NotNil)
	rle, ok := err.(market.RateLimitError)
	c.Assert(ok, check.Equals, true)
	c.Check(rle.EarliestRetry().After(t0.Add(time.Second)), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*429 slow down`)
	// 429 is not retried by the transport.
	c.Check(s.requests, check.HasLen, 1)
}

func (s *VastSuite) TestServerErrorRetried(c *check.C) {
	var n int32
	s.handler = func(w http.ResponseWriter, req *http.Request) {
		if atomic.AddInt32(&n, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"offers":[]}`))
	}
	offers, err := s.newMarket(c).SearchOffers(context.Background(), market.OfferFilter{})
	c.Check(err, check.IsNil)
	c.Check(offers, check.HasLen, 0)
	c.Check(atomic.LoadInt32(&n), check.Equals, int32(3))
}

func (s *VastSuite) TestCreateNotRetried(c *check.C) {
	var n int32
	s.handler = func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&n, 1)
		w.WriteHeader(http.StatusBadGateway)
	}
	m := s.newMarket(c)
	_, err := m.CreateNode(context.Background(), market.NodeSpec{OfferID: "11"})
	c.Check(err, check.ErrorMatches, `PUT /asks/11/: 502.*`)
	c.Check(atomic.LoadInt32(&n), check.Equals, int32(1))

	_, err = m.CreateVolume(context.Background(), market.VolumeSpec{MachineID: "7", SizeGB: 100})
	c.Check(err, check.ErrorMatches, `PUT /volumes/: 502.*`)
	c.Check(atomic.LoadInt32(&n), check.Equals, int32(2))

	// Idempotent calls are still retried.
	c.Check(m.StopNode(context.Background(), "5"), check.NotNil)
	c.Check(atomic.LoadInt32(&n), check.Equals, int32(5))
}

func (s *VastSuite) TestCreateTransportErrorNotRetried(c *check.C) {
	var n int32
	s.handler = func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&n, 1)
		// Drop the connection after the server has seen the
		// request.
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}
	_, err := s.newMarket(c).CreateNode(context.Background(), market.NodeSpec{OfferID: "11"})
	c.Check(err, check.NotNil)
	c.Check(atomic.LoadInt32(&n), check.Equals, int32(1))
}

func (s *VastSuite) TestQuotaError(c *check.C) {
	s.handler = func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":"insufficient credit"}`))
	}
	_, err := s.newMarket(c).CreateNode(context.Background(), market.NodeSpec{OfferID: "11"})
	qe, ok := err.(market.QuotaError)
	c.Assert(ok, check.Equals, true)
	c.Check(qe.IsQuotaError(), check.Equals, true)
}

func (s *VastSuite) TestVolumes(c *check.C) {
	s.handler = func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case "PUT":
			w.Write([]byte(`{"success":true,"volume":{"id":90,"machine_id":7,"disk_space":100,"status":"available"}}`))
		case "GET":
			c.Check(req.URL.Query().Get("machine_id"), check.Equals, "7")
			w.Write([]byte(`{"volumes":[{"id":90,"machine_id":7,"disk_space":100,"status":"in-use","instance_id":555},{"id":91,"machine_id":8,"disk_space":10,"status":"available"}]}`))
		case "DELETE":
			w.Write([]byte(`{"success":true}`))
		}
	}
	m := s.newMarket(c)
	vol, err := m.CreateVolume(context.Background(), market.VolumeSpec{MachineID: "7", OfferID: "11", SizeGB: 100})
	c.Assert(err, check.IsNil)
	c.Check(vol.ID, check.Equals, market.VolumeID("90"))
	c.Check(vol.State, check.Equals, market.VolumeAvailable)

	vols, err := m.ListVolumes(context.Background(), "7")
	c.Assert(err, check.IsNil)
	c.Assert(vols, check.HasLen, 1)
	c.Check(vols[0].AttachedNode, check.Equals, market.NodeID("555"))
	c.Check(vols[0].State, check.Equals, market.VolumeInUse)

	c.Check(m.DeleteVolume(context.Background(), "90"), check.IsNil)
	c.Check(s.requests[len(s.requests)-1].URL.Path, check.Equals, "/volumes/90/")
}

func (s *VastSuite) TestDriverParameters(c *check.C) {
	cluster := &spotrelay.Cluster{}
	cluster.Market.DriverParameters = json.RawMessage(`{"APIURL":"` + s.srv.URL + `","APIKey":"k","RetryMax":-1}`)
	s.handler = func(w http.ResponseWriter, req *http.Request) {
		c.Check(strings.HasPrefix(req.Header.Get("Authorization"), "Bearer k"), check.Equals, true)
		w.WriteHeader(http.StatusInternalServerError)
	}
	m, err := Driver.Market(cluster, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	_, err = m.SearchOffers(context.Background(), market.OfferFilter{})
	c.Check(err, check.NotNil)
	c.Check(s.requests, check.HasLen, 1)
}
