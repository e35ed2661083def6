// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snapshot

import (
	"context"
	"sync"
)

// A contextGroup is a context-aware variation on sync.WaitGroup with
// a concurrency limit. It provides a child context for the added
// funcs to use, so they can exit early if another added func returns
// an error. Its Wait() method returns the first error returned by any
// added func.
type contextGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}
	err    error
	mtx    sync.Mutex
}

// newContextGroup returns a new contextGroup that runs at most limit
// funcs at a time. The caller must eventually call Cancel().
func newContextGroup(ctx context.Context, limit int) *contextGroup {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &contextGroup{
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, limit),
	}
}

func (cg *contextGroup) Cancel() {
	cg.cancel()
}

func (cg *contextGroup) Context() context.Context {
	return cg.ctx
}

// Go calls f in a new goroutine once a slot is free. If f returns an
// error, the contextGroup is canceled and funcs that have not started
// yet are skipped.
func (cg *contextGroup) Go(f func() error) {
	cg.mtx.Lock()
	if cg.err != nil {
		cg.mtx.Unlock()
		return
	}
	cg.wg.Add(1)
	cg.mtx.Unlock()
	go func() {
		defer cg.wg.Done()
		select {
		case cg.sem <- struct{}{}:
		case <-cg.ctx.Done():
			return
		}
		defer func() { <-cg.sem }()
		if cg.ctx.Err() != nil {
			return
		}
		err := f()
		cg.mtx.Lock()
		defer cg.mtx.Unlock()
		if err != nil && cg.err == nil {
			cg.err = err
			cg.cancel()
		}
	}()
}

// Wait waits for all added funcs to return, and returns the first
// non-nil error, or the parent context's error if it was canceled
// first.
func (cg *contextGroup) Wait() error {
	cg.wg.Wait()
	cg.mtx.Lock()
	defer cg.mtx.Unlock()
	if cg.err != nil {
		return cg.err
	}
	return cg.ctx.Err()
}
