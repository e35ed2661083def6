// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pgstore keeps warm pool records and the snapshot index in
// PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/spotrelay.git/lib/snapshot"
	"git.arvados.org/spotrelay.git/lib/warmpool"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/avast/retry-go/v4"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS warm_pools (
	machine_id text PRIMARY KEY,
	record jsonb NOT NULL,
	updated_at timestamp with time zone NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	id text PRIMARY KEY,
	node_id text NOT NULL,
	created_at timestamp with time zone NOT NULL,
	manifest_key text NOT NULL,
	base_id text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS snapshots_node_id_created_at ON snapshots (node_id, created_at DESC);
`

const writeAttempts = 3

type Store struct {
	db     *sqlx.DB
	logger logrus.FieldLogger
}

// Open connects to the configured database and creates the tables
// if they do not exist.
func Open(cfg spotrelay.PostgreSQLConfig, logger logrus.FieldLogger) (*Store, error) {
	if len(cfg.Connection) == 0 {
		return nil, errors.New("StateStore.PostgreSQL.Connection is not configured")
	}
	return openDSN(cfg.Connection.String(), cfg.ConnectionPool, logger)
}

func openDSN(dsn string, pool int, logger logrus.FieldLogger) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgresql connect failed: %w", err)
	}
	if pool > 0 {
		db.SetMaxOpenConns(pool)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connect succeeded but ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// write runs fn, retrying with backoff if it fails.
func (s *Store) write(ctx context.Context, what string, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(writeAttempts),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.WithError(err).WithField("Attempt", n+1).Warnf("%s failed, retrying", what)
		}))
}

func (s *Store) SavePool(ctx context.Context, rec warmpool.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.write(ctx, "save warm pool", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO warm_pools (machine_id, record, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (machine_id) DO UPDATE SET record=$2, updated_at=$3`,
			rec.MachineID, string(data), time.Now())
		return err
	})
}

func (s *Store) LoadPool(ctx context.Context, machineID string) (warmpool.Record, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT record FROM warm_pools WHERE machine_id=$1`, machineID)
	if errors.Is(err, sql.ErrNoRows) {
		return warmpool.Record{}, warmpool.ErrNoRecord
	} else if err != nil {
		return warmpool.Record{}, err
	}
	var rec warmpool.Record
	err = json.Unmarshal([]byte(data), &rec)
	return rec, err
}

func (s *Store) ListPools(ctx context.Context) ([]warmpool.Record, error) {
	var rows []string
	err := s.db.SelectContext(ctx, &rows, `SELECT record FROM warm_pools ORDER BY machine_id`)
	if err != nil {
		return nil, err
	}
	recs := make([]warmpool.Record, 0, len(rows))
	for _, data := range rows {
		var rec warmpool.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Store) DeletePool(ctx context.Context, machineID string) error {
	return s.write(ctx, "delete warm pool", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM warm_pools WHERE machine_id=$1`, machineID)
		return err
	})
}

type snapshotRow struct {
	ID          string    `db:"id"`
	NodeID      string    `db:"node_id"`
	CreatedAt   time.Time `db:"created_at"`
	ManifestKey string    `db:"manifest_key"`
	BaseID      string    `db:"base_id"`
}

func (row snapshotRow) entry() snapshot.IndexEntry {
	return snapshot.IndexEntry{
		ID:          row.ID,
		NodeID:      row.NodeID,
		CreatedAt:   row.CreatedAt,
		ManifestKey: row.ManifestKey,
		BaseID:      row.BaseID,
	}
}

func (s *Store) AddSnapshot(ctx context.Context, ent snapshot.IndexEntry) error {
	return s.write(ctx, "add snapshot", func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO snapshots (id, node_id, created_at, manifest_key, base_id)
			VALUES (:id, :node_id, :created_at, :manifest_key, :base_id)
			ON CONFLICT (id) DO NOTHING`,
			snapshotRow{
				ID:          ent.ID,
				NodeID:      ent.NodeID,
				CreatedAt:   ent.CreatedAt,
				ManifestKey: ent.ManifestKey,
				BaseID:      ent.BaseID,
			})
		return err
	})
}

const snapshotColumns = `id, node_id, created_at, manifest_key, base_id`

func (s *Store) ListSnapshots(ctx context.Context, nodeID string) ([]snapshot.IndexEntry, error) {
	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+snapshotColumns+` FROM snapshots WHERE node_id=$1 ORDER BY created_at DESC, id DESC`, nodeID)
	if err != nil {
		return nil, err
	}
	ents := make([]snapshot.IndexEntry, 0, len(rows))
	for _, row := range rows {
		ents = append(ents, row.entry())
	}
	return ents, nil
}

func (s *Store) LatestSnapshot(ctx context.Context, nodeID string) (snapshot.IndexEntry, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `SELECT `+snapshotColumns+` FROM snapshots WHERE node_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1`, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.IndexEntry{}, snapshot.ErrNoSnapshot
	} else if err != nil {
		return snapshot.IndexEntry{}, err
	}
	return row.entry(), nil
}
