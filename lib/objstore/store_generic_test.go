// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package objstore

import (
	"bytes"
	"context"
	"errors"
	"strings"

	check "gopkg.in/check.v1"
)

// DoGenericStoreTests runs a set of tests that every Store
// implementation should pass.
func DoGenericStoreTests(c *check.C, store Store) {
	testPutGet(c, store)
	testGetMissing(c, store)
	testOverwrite(c, store)
	testList(c, store)
	testDelete(c, store)
	testLargeObject(c, store)
}

func testPutGet(c *check.C, store Store) {
	ctx := context.Background()
	c.Assert(store.Put(ctx, "a/b/manifest.json", strings.NewReader(`{"ok":true}`)), check.IsNil)
	buf, err := GetBytes(ctx, store, "a/b/manifest.json")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"ok":true}`)

	c.Assert(store.Put(ctx, "empty", strings.NewReader("")), check.IsNil)
	buf, err = GetBytes(ctx, store, "empty")
	c.Assert(err, check.IsNil)
	c.Check(buf, check.HasLen, 0)
}

func testGetMissing(c *check.C, store Store) {
	_, err := store.Get(context.Background(), "no/such/key")
	c.Check(errors.Is(err, ErrNotExist), check.Equals, true, check.Commentf("%v", err))
}

func testOverwrite(c *check.C, store Store) {
	ctx := context.Background()
	c.Assert(store.Put(ctx, "ow/x", strings.NewReader("first")), check.IsNil)
	c.Assert(store.Put(ctx, "ow/x", strings.NewReader("second")), check.IsNil)
	buf, err := GetBytes(ctx, store, "ow/x")
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "second")
}

func testList(c *check.C, store Store) {
	ctx := context.Background()
	for _, k := range []string{"ls/s1/chunk-00001", "ls/s1/chunk-00000", "ls/s2/manifest.json", "ls/s10/manifest.json", "other/x"} {
		c.Assert(store.Put(ctx, k, strings.NewReader(k)), check.IsNil)
	}
	keys, err := store.List(ctx, "ls/s1/")
	c.Assert(err, check.IsNil)
	c.Check(keys, check.DeepEquals, []string{"ls/s1/chunk-00000", "ls/s1/chunk-00001"})
	keys, err = store.List(ctx, "ls/s1")
	c.Assert(err, check.IsNil)
	c.Check(keys, check.DeepEquals, []string{"ls/s1/chunk-00000", "ls/s1/chunk-00001", "ls/s10/manifest.json"})
	keys, err = store.List(ctx, "ls/none")
	c.Assert(err, check.IsNil)
	c.Check(keys, check.HasLen, 0)
}

func testDelete(c *check.C, store Store) {
	ctx := context.Background()
	c.Assert(store.Put(ctx, "del/x", strings.NewReader("x")), check.IsNil)
	c.Check(store.Delete(ctx, "del/x"), check.IsNil)
	_, err := store.Get(ctx, "del/x")
	c.Check(errors.Is(err, ErrNotExist), check.Equals, true)
	c.Check(store.Delete(ctx, "del/x"), check.IsNil)
}

func testLargeObject(c *check.C, store Store) {
	ctx := context.Background()
	data := bytes.Repeat([]byte("0123456789abcdef"), 1<<18)
	c.Assert(store.Put(ctx, "big/obj", bytes.NewReader(data)), check.IsNil)
	buf, err := GetBytes(ctx, store, "big/obj")
	c.Assert(err, check.IsNil)
	c.Check(bytes.Equal(buf, data), check.Equals, true)
}
