// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package objstore provides the object storage backends used to hold
// snapshot chunks and manifests.
package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrNotExist is returned (possibly wrapped) by Get when the key
// does not exist.
var ErrNotExist = errors.New("object does not exist")

// A Store is a flat key/value object store. Keys are slash-separated
// paths without a leading slash.
//
// All methods are goroutine safe.
type Store interface {
	// Put writes the object, replacing any existing object with
	// the same key. Readers never see a partially written
	// object.
	Put(ctx context.Context, key string, data io.Reader) error
	// Get returns a reader for the object. The caller must close
	// it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns all keys with the given prefix, in
	// lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the object. Deleting a nonexistent object is
	// not an error.
	Delete(ctx context.Context, key string) error
}

// New returns the Store configured by cfg, instrumented with metrics
// registered on reg (if not nil).
func New(ctx context.Context, cfg spotrelay.StorageConfig, logger logrus.FieldLogger, reg *prometheus.Registry) (Store, error) {
	var store Store
	switch strings.ToLower(cfg.Driver) {
	case "s3":
		var params spotrelay.S3StorageParameters
		if err := unmarshalParams(cfg.DriverParameters, &params); err != nil {
			return nil, err
		}
		s3store, err := NewS3(ctx, params, logger)
		if err != nil {
			return nil, err
		}
		store = s3store
	case "directory":
		var params spotrelay.DirectoryStorageParameters
		if err := unmarshalParams(cfg.DriverParameters, &params); err != nil {
			return nil, err
		}
		dir, err := NewDirectory(params.Root)
		if err != nil {
			return nil, err
		}
		store = dir
	case "memory", "":
		store = NewMemory()
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	return Instrument(store, strings.ToLower(cfg.Driver), reg), nil
}

func unmarshalParams(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("error decoding storage driver parameters: %w", err)
	}
	return nil
}

// GetBytes reads the entire object into memory.
func GetBytes(ctx context.Context, store Store, key string) ([]byte, error) {
	rdr, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	return io.ReadAll(rdr)
}

func sortedKeys(keys []string) []string {
	sort.Strings(keys)
	return keys
}
