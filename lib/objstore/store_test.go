// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package objstore

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"

	"git.arvados.org/spotrelay.git/sdk/go/ctxlog"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&MemorySuite{})
var _ = check.Suite(&DirectorySuite{})
var _ = check.Suite(&S3Suite{})

type MemorySuite struct{}

func (s *MemorySuite) TestGeneric(c *check.C) {
	DoGenericStoreTests(c, NewMemory())
}

func (s *MemorySuite) TestInstrumented(c *check.C) {
	reg := prometheus.NewRegistry()
	store := Instrument(NewMemory(), "memory", reg)
	DoGenericStoreTests(c, store)
	m := store.(*instrumented)
	c.Check(testutil.ToFloat64(m.ops.WithLabelValues("put")) > 5, check.Equals, true)
	c.Check(testutil.ToFloat64(m.errs.WithLabelValues("get")), check.Equals, 0.0)
	c.Check(testutil.ToFloat64(m.io.WithLabelValues("out")) >= float64(1<<22), check.Equals, true)
	c.Check(testutil.ToFloat64(m.io.WithLabelValues("in")) >= float64(1<<22), check.Equals, true)
}

type DirectorySuite struct{}

func (s *DirectorySuite) TestGeneric(c *check.C) {
	dir, err := NewDirectory(c.MkDir())
	c.Assert(err, check.IsNil)
	DoGenericStoreTests(c, dir)
}

func (s *DirectorySuite) TestNoTempFilesLeft(c *check.C) {
	root := c.MkDir()
	dir, err := NewDirectory(root)
	c.Assert(err, check.IsNil)
	c.Assert(dir.Put(context.Background(), "x/y", strings.NewReader("data")), check.IsNil)
	ents, err := os.ReadDir(filepath.Join(root, "x"))
	c.Assert(err, check.IsNil)
	c.Assert(ents, check.HasLen, 1)
	c.Check(ents[0].Name(), check.Equals, "y")
}

func (s *DirectorySuite) TestInvalidKey(c *check.C) {
	dir, err := NewDirectory(c.MkDir())
	c.Assert(err, check.IsNil)
	for _, key := range []string{"", "../x", "a/../../x", "/abs"} {
		c.Check(dir.Put(context.Background(), key, strings.NewReader("")), check.NotNil, check.Commentf("%q", key))
	}
}

type S3Suite struct {
	srv     *httptest.Server
	backend *s3mem.Backend
}

func (s *S3Suite) SetUpTest(c *check.C) {
	s.backend = s3mem.New()
	c.Assert(s.backend.CreateBucket("snapshots"), check.IsNil)
	faker := gofakes3.New(s.backend)
	s.srv = httptest.NewServer(faker.Server())
}

func (s *S3Suite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *S3Suite) params() spotrelay.S3StorageParameters {
	return spotrelay.S3StorageParameters{
		Bucket:          "snapshots",
		Region:          "us-east-1",
		Endpoint:        s.srv.URL,
		AccessKeyID:     "xxx",
		SecretAccessKey: "xxx",
		UsePathStyle:    true,
		PartSize:        5 << 20,
		Concurrency:     2,
	}
}

func (s *S3Suite) TestGeneric(c *check.C) {
	store, err := NewS3(context.Background(), s.params(), ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	DoGenericStoreTests(c, store)
}

func (s *S3Suite) TestNewFromConfig(c *check.C) {
	params, err := json.Marshal(s.params())
	c.Assert(err, check.IsNil)
	store, err := New(context.Background(), spotrelay.StorageConfig{Driver: "S3", DriverParameters: params}, ctxlog.TestLogger(c), prometheus.NewRegistry())
	c.Assert(err, check.IsNil)
	c.Check(store.Put(context.Background(), "k", strings.NewReader("v")), check.IsNil)
	buf, err := GetBytes(context.Background(), store, "k")
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "v")

	_, err = New(context.Background(), spotrelay.StorageConfig{Driver: "Floppy"}, ctxlog.TestLogger(c), nil)
	c.Check(err, check.ErrorMatches, `unsupported storage driver "Floppy"`)
}
