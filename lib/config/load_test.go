// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.arvados.org/spotrelay.git/sdk/go/ctxlog"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LoadSuite{})

type LoadSuite struct{}

func (s *LoadSuite) testLoader(c *check.C, input string, logbuf *bytes.Buffer) *Loader {
	logger := ctxlog.TestLogger(c)
	if logbuf != nil {
		logger.Out = logbuf
	}
	ldr := NewLoader(strings.NewReader(input), logger)
	ldr.Path = "-"
	return ldr
}

func (s *LoadSuite) TestDefaults(c *check.C) {
	cfg, err := s.testLoader(c, "Clusters: {zzzzz: {}}", nil).Load()
	c.Assert(err, check.IsNil)
	cc, err := cfg.GetCluster("")
	c.Assert(err, check.IsNil)
	c.Check(cc.ClusterID, check.Equals, "zzzzz")
	c.Check(cc.Services.Relay.Listen, check.Equals, "localhost:9010")
	c.Check(cc.Market.Driver, check.Equals, "vastai")
	c.Check(cc.Market.DiskSize, check.Equals, spotrelay.ByteSize(50000000000))
	c.Check(cc.Probe.Method, check.Equals, "ssh")
	c.Check(cc.Provision.BatchSize, check.Equals, 3)
	c.Check(cc.Provision.TimeoutPerRound, check.Equals, spotrelay.Duration(2*time.Minute))
	c.Check(cc.Snapshot.ChunkSize, check.Equals, spotrelay.ByteSize(64<<20))
	c.Check(cc.Snapshot.ShuffleExtensions, check.DeepEquals, []string{".safetensors", ".bin", ".pt", ".pth", ".ckpt"})
	c.Check(cc.Failover.Strategy, check.Equals, "both")
	c.Check(cc.StateStore.Driver, check.Equals, "badger")
	c.Check(cc.Events.NATS.Subject, check.Equals, "spotrelay.failover")
}

func (s *LoadSuite) TestSiteOverridesDefaults(c *check.C) {
	cfg, err := s.testLoader(c, `
Clusters:
  z1111:
    Provision:
      BatchSize: 5
    Snapshot:
      ShuffleExtensions: [".gguf"]
    Failover:
      Strategy: warm-pool
  z2222:
    WarmPool:
      Enable: true
`, nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Clusters, check.HasLen, 2)
	cc1, err := cfg.GetCluster("z1111")
	c.Assert(err, check.IsNil)
	c.Check(cc1.Provision.BatchSize, check.Equals, 5)
	c.Check(cc1.Provision.MaxRounds, check.Equals, 3)
	c.Check(cc1.Snapshot.ShuffleExtensions, check.DeepEquals, []string{".gguf"})
	c.Check(cc1.Failover.Strategy, check.Equals, "warm-pool")
	c.Check(cc1.Failover.SnapshotMaxAge, check.Equals, spotrelay.Duration(10*time.Minute))
	cc2, err := cfg.GetCluster("z2222")
	c.Assert(err, check.IsNil)
	c.Check(cc2.WarmPool.Enable, check.Equals, true)
	c.Check(cc2.WarmPool.MinOffersPerHost, check.Equals, 2)
	c.Check(cc2.Provision.BatchSize, check.Equals, 3)
}

func (s *LoadSuite) TestUnknownKeysWarn(c *check.C) {
	var logbuf bytes.Buffer
	_, err := s.testLoader(c, "Clusters: {zzzzz: {Provision: {BatchSiz: 4}}}", &logbuf).Load()
	c.Assert(err, check.IsNil)
	c.Check(logbuf.String(), check.Matches, `(?ms).*level=warning.*BatchSiz.*`)
}

func (s *LoadSuite) TestInvalid(c *check.C) {
	for _, trial := range []struct {
		input  string
		errMsg string
	}{
		{"Clusters: {}", `config does not define any clusters`},
		{"Clusters: {zzzzz: {Failover: {Strategy: sometimes}}}", `cluster zzzzz: Failover.Strategy: unknown failover strategy "sometimes"`},
		{"Clusters: {zzzzz: {Probe: {Method: icmp}}}", `cluster zzzzz: Probe.Method: unknown method "icmp"`},
		{"Clusters: {zzzzz: {StateStore: {Driver: sqlite}}}", `cluster zzzzz: StateStore.Driver: unknown driver "sqlite"`},
		{"Clusters: {zzzzz: {Snapshot: {Storage: {Driver: ftp}}}}", `cluster zzzzz: Snapshot.Storage.Driver: unknown driver "ftp"`},
		{"Clusters: {zzzzz: {Snapshot: {ValidationTolerance: 1.5}}}", `cluster zzzzz: Snapshot.ValidationTolerance: .*`},
		{"Clusters: {zzzzz: {WarmPool: {Enable: true, MinOffersPerHost: 1}}}", `cluster zzzzz: WarmPool.MinOffersPerHost: .*`},
		{"Clusters: {zzzzz: {Provision: {TimeoutPerRound: soon}}}", `cluster zzzzz: .*`},
		{"Clusters: {\"zz zz\": {}}", `invalid cluster ID "zz zz"`},
	} {
		c.Logf("trial: %s", trial.input)
		_, err := s.testLoader(c, trial.input, nil).Load()
		c.Check(err, check.ErrorMatches, trial.errMsg)
	}
}

func (s *LoadSuite) TestLoadFile(c *check.C) {
	path := filepath.Join(c.MkDir(), "config.yml")
	err := os.WriteFile(path, []byte("Clusters: {zzzzz: {ManagementToken: secret}}"), 0600)
	c.Assert(err, check.IsNil)
	ldr := NewLoader(nil, logrus.New())
	ldr.Path = path
	cfg, err := ldr.Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Clusters["zzzzz"].ManagementToken, check.Equals, "secret")

	ldr.Path = filepath.Join(c.MkDir(), "missing.yml")
	_, err = ldr.Load()
	c.Check(os.IsNotExist(err), check.Equals, true)
}
