// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/spotrelay.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ThrottleSuite{})

type ThrottleSuite struct{}

type testRateLimitError struct {
	until time.Time
}

func (e testRateLimitError) Error() string            { return "rate limited" }
func (e testRateLimitError) EarliestRetry() time.Time { return e.until }

func (s *ThrottleSuite) TestRateLimitError(c *check.C) {
	var t throttle
	c.Check(t.Error(), check.IsNil)
	t.ErrorUntil(errors.New("wait"), time.Now().Add(time.Second))
	c.Check(t.Error(), check.NotNil)
	t.ErrorUntil(nil, time.Now())
	c.Check(t.Error(), check.IsNil)

	t.ErrorUntil(errors.New("wait"), time.Now().Add(time.Millisecond))
	c.Check(t.Error(), check.NotNil)
	time.Sleep(time.Millisecond * 10)
	c.Check(t.Error(), check.IsNil)
}

func (s *ThrottleSuite) TestCheckRateLimitError(c *check.C) {
	var t throttle
	logger := ctxlog.TestLogger(c)
	t.CheckRateLimitError(errors.New("not a rate limit error"), logger, "Test")
	c.Check(t.Error(), check.IsNil)
	t.CheckRateLimitError(testRateLimitError{time.Now().Add(-time.Second)}, logger, "Test")
	c.Check(t.Error(), check.IsNil)
	t.CheckRateLimitError(fmt.Errorf("search: %w", testRateLimitError{time.Now().Add(time.Hour)}), logger, "Test")
	c.Check(t.Error(), check.ErrorMatches, `remote calls are suspended for .*`)
}

func (s *ThrottleSuite) TestWait(c *check.C) {
	var t throttle
	c.Check(t.Wait(context.Background()), check.IsNil)

	t.ErrorUntil(errors.New("wait"), time.Now().Add(20*time.Millisecond))
	t0 := time.Now()
	c.Check(t.Wait(context.Background()), check.IsNil)
	c.Check(time.Since(t0) >= 15*time.Millisecond, check.Equals, true)

	t.ErrorUntil(errors.New("wait"), time.Now().Add(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	c.Check(t.Wait(ctx), check.ErrorMatches, "wait")
}
