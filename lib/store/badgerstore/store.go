// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package badgerstore keeps warm pool records and the snapshot index
// in an embedded badger database.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"git.arvados.org/spotrelay.git/lib/snapshot"
	"git.arvados.org/spotrelay.git/lib/warmpool"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const (
	poolPrefix = "pool:"
	snapPrefix = "snap:"
)

type Store struct {
	db *badger.DB
}

// Open opens (creating if needed) the database in dir.
func Open(dir string, logger logrus.FieldLogger) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).
		WithLogger(logger.WithField("Component", "badger")).
		WithValueLogFileSize(64 << 20)
	return open(opts)
}

// OpenInMemory opens a database that is discarded when closed.
func OpenInMemory(logger logrus.FieldLogger) (*Store, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(logger.WithField("Component", "badger"))
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func poolKey(machineID string) []byte {
	return []byte(poolPrefix + machineID)
}

// snapKey sorts a node's snapshots oldest first.
func snapKey(ent snapshot.IndexEntry) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", snapPrefix, ent.NodeID, ent.CreatedAt.UnixNano(), ent.ID))
}

func (s *Store) SavePool(ctx context.Context, rec warmpool.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(poolKey(rec.MachineID), data)
	})
}

func (s *Store) LoadPool(ctx context.Context, machineID string) (warmpool.Record, error) {
	var rec warmpool.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(poolKey(machineID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return warmpool.ErrNoRecord
		} else if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		})
	})
	return rec, err
}

func (s *Store) ListPools(ctx context.Context) ([]warmpool.Record, error) {
	var recs []warmpool.Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(poolPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec warmpool.Record
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			})
			if err != nil {
				return fmt.Errorf("%s: %w", it.Item().Key(), err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

func (s *Store) DeletePool(ctx context.Context, machineID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(poolKey(machineID))
	})
}

func (s *Store) AddSnapshot(ctx context.Context, ent snapshot.IndexEntry) error {
	data, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapKey(ent), data)
	})
}

// ListSnapshots returns the node's snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, nodeID string) ([]snapshot.IndexEntry, error) {
	var ents []snapshot.IndexEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(snapPrefix + nodeID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var ent snapshot.IndexEntry
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &ent)
			})
			if err != nil {
				return fmt.Errorf("%s: %w", it.Item().Key(), err)
			}
			// The prefix of node "a" also matches node
			// "a:b".
			if ent.NodeID == nodeID {
				ents = append(ents, ent)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	snapshot.SortEntries(ents)
	return ents, nil
}

func (s *Store) LatestSnapshot(ctx context.Context, nodeID string) (snapshot.IndexEntry, error) {
	ents, err := s.ListSnapshots(ctx, nodeID)
	if err != nil {
		return snapshot.IndexEntry{}, err
	}
	if len(ents) == 0 {
		return snapshot.IndexEntry{}, snapshot.ErrNoSnapshot
	}
	return ents[0], nil
}
