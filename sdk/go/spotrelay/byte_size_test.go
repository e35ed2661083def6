// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package spotrelay

import (
	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ByteSizeSuite{})

type ByteSizeSuite struct{}

func (s *ByteSizeSuite) TestUnmarshal(c *check.C) {
	for _, testcase := range []struct {
		in  string
		out int64
	}{
		{"0", 0},
		{"5", 5},
		{"5B", 5},
		{"5 B", 5},
		{" 4 KiB ", 4096},
		{"0K", 0},
		{"0Ki", 0},
		{"0 KiB", 0},
		{"4K", 4000},
		{"4KB", 4000},
		{"4Ki", 4096},
		{"4KiB", 4096},
		{"4MB", 4000000},
		{"4MiB", 4194304},
		{"64MiB", 67108864},
		{"4GB", 4000000000},
		{"4 GiB", 4294967296},
		{"4TB", 4000000000000},
		{"4TiB", 4398046511104},
		{"0.5KiB", 512},
		{"4.5E", 4500000000000000000},
	} {
		var n ByteSize
		err := yaml.Unmarshal([]byte(testcase.in+"\n"), &n)
		c.Logf("%v => %v: %v", testcase.in, testcase.out, n)
		c.Check(err, check.IsNil)
		c.Check(int64(n), check.Equals, testcase.out)
	}
	for _, testcase := range []string{
		"B", "K", "KB", "KiB", "4BK", "4iB", "4A", "b", "4b", "4mB", "4m", "4mib", "4KIB", "4K iB", "4Ki B", "BB", "4BB",
		"400000 EB", // overflows int64
		"4.11e4 EB", // ok as float64, but overflows int64
	} {
		var n ByteSize
		err := yaml.Unmarshal([]byte(testcase+"\n"), &n)
		c.Logf("%s => error: %v", testcase, err)
		c.Check(err, check.NotNil)
	}
}

func (s *ByteSizeSuite) TestGB(c *check.C) {
	c.Check(ByteSize(0).GB(), check.Equals, 0)
	c.Check(ByteSize(1).GB(), check.Equals, 1)
	c.Check(ByteSize(50000000000).GB(), check.Equals, 50)
	c.Check(ByteSize(50000000001).GB(), check.Equals, 51)
}
