// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package store opens the durable state store selected in the
// cluster config. A state store holds warm pool records and the
// snapshot index.
package store

import (
	"fmt"
	"io"

	"git.arvados.org/spotrelay.git/lib/snapshot"
	"git.arvados.org/spotrelay.git/lib/store/badgerstore"
	"git.arvados.org/spotrelay.git/lib/store/pgstore"
	"git.arvados.org/spotrelay.git/lib/warmpool"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/sirupsen/logrus"
)

// A Store is a warmpool.Store and snapshot.Index that must be closed
// after use.
type Store interface {
	warmpool.Store
	snapshot.Index
	io.Closer
}

var (
	_ Store = (*badgerstore.Store)(nil)
	_ Store = (*pgstore.Store)(nil)
)

// Open returns the state store configured for the cluster. The
// default driver is "badger".
func Open(cluster *spotrelay.Cluster, logger logrus.FieldLogger) (Store, error) {
	sc := cluster.StateStore
	switch sc.Driver {
	case "", "badger":
		if sc.Badger.Dir == "" {
			return nil, fmt.Errorf("StateStore.Badger.Dir is not configured")
		}
		return badgerstore.Open(sc.Badger.Dir, logger)
	case "postgresql":
		return pgstore.Open(sc.PostgreSQL, logger)
	default:
		return nil, fmt.Errorf("unknown state store driver %q", sc.Driver)
	}
}
