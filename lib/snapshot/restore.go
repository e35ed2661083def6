// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var (
	ErrEmptyRestore      = errors.New("restored workspace is empty")
	ErrFileCountMismatch = errors.New("restored file count does not match snapshot")
)

type RestoreStats struct {
	Snapshots int
	Chunks    int
	Files     int
	Bytes     int64
	Removed   int
	Elapsed   time.Duration
}

func (rs *RestoreStats) add(o RestoreStats) {
	rs.Snapshots += o.Snapshots
	rs.Chunks += o.Chunks
	rs.Files += o.Files
	rs.Bytes += o.Bytes
	rs.Removed += o.Removed
}

// Restore writes the files stored in m into workspacePath on the node
// at endpoint. An incremental snapshot only carries changed files:
// its base chain must already be present (see RestoreChain).
func (eng *Engine) Restore(ctx context.Context, m *Manifest, endpoint, workspacePath string) (RestoreStats, error) {
	return eng.restoreLinks(ctx, m, []*Manifest{m}, endpoint, workspacePath)
}

// RestoreChain restores m's full base snapshot and every incremental
// snapshot after it, in order.
func (eng *Engine) RestoreChain(ctx context.Context, m *Manifest, endpoint, workspacePath string) (RestoreStats, error) {
	chain, err := eng.Chain(ctx, m)
	if err != nil {
		eng.finishRestore(m, RestoreStats{}, err)
		return RestoreStats{}, err
	}
	return eng.restoreLinks(ctx, m, chain, endpoint, workspacePath)
}

func (eng *Engine) restoreLinks(ctx context.Context, m *Manifest, chain []*Manifest, endpoint, workspacePath string) (RestoreStats, error) {
	t0 := time.Now()
	var stats RestoreStats
	fsys, closer, err := eng.connector.Connect(ctx, endpoint)
	if err != nil {
		eng.finishRestore(m, stats, err)
		return stats, err
	}
	defer closer.Close()
	for _, link := range chain {
		s, err := eng.restore(ctx, fsys, link, workspacePath)
		stats.add(s)
		if err != nil {
			if len(chain) > 1 {
				err = fmt.Errorf("snapshot %s: %w", link.ID, err)
			}
			stats.Elapsed = time.Since(t0)
			eng.finishRestore(m, stats, err)
			return stats, err
		}
	}
	stats.Elapsed = time.Since(t0)
	eng.finishRestore(m, stats, nil)
	return stats, nil
}

func (eng *Engine) finishRestore(m *Manifest, stats RestoreStats, err error) {
	eng.metrics.restores.WithLabelValues(result(err)).Inc()
	eng.metrics.duration.WithLabelValues("restore").Observe(stats.Elapsed.Seconds())
	logger := eng.logger.WithFields(logrus.Fields{
		"SnapshotID": m.ID,
		"Snapshots":  stats.Snapshots,
		"Files":      stats.Files,
		"Size":       humanize.IBytes(uint64(stats.Bytes)),
		"Elapsed":    stats.Elapsed.Round(time.Millisecond),
	})
	if err != nil {
		logger.WithError(err).Warn("restore failed")
	} else {
		logger.Info("restored snapshot")
	}
}

func (eng *Engine) restore(ctx context.Context, fsys afero.Fs, m *Manifest, root string) (RestoreStats, error) {
	stats := RestoreStats{Snapshots: 1}
	if err := fsys.MkdirAll(root, 0755); err != nil {
		return stats, err
	}
	results := make([]RestoreStats, len(m.Chunks))
	cg := newContextGroup(ctx, eng.cfg.Concurrency)
	defer cg.Cancel()
	for i, c := range m.Chunks {
		i, c := i, c
		cg.Go(func() error {
			rdr, err := eng.store.Get(cg.Context(), c.Key)
			if err != nil {
				return fmt.Errorf("get %s: %w", c.Key, err)
			}
			defer rdr.Close()
			files, n, err := readChunk(cg.Context(), rdr, fsys, root)
			if err != nil {
				return fmt.Errorf("extract %s: %w", c.Key, err)
			}
			results[i] = RestoreStats{Chunks: 1, Files: files, Bytes: n}
			return nil
		})
	}
	err := cg.Wait()
	for _, r := range results {
		stats.add(r)
	}
	if err != nil {
		return stats, err
	}
	for _, rel := range m.Removed {
		err := fsys.Remove(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return stats, fmt.Errorf("remove %s: %w", rel, err)
		}
		if err == nil {
			stats.Removed++
		}
	}
	return stats, nil
}

type ValidationResult struct {
	Expected int
	Actual   int
}

// CheckFileCount returns nil if actual is within tolerance (a
// fraction of expected) of expected, ErrEmptyRestore if actual is
// zero, and otherwise ErrFileCountMismatch.
func CheckFileCount(expected, actual int, tolerance float64) error {
	if actual == 0 {
		return ErrEmptyRestore
	}
	if math.Abs(float64(actual-expected)) > tolerance*float64(expected) {
		return fmt.Errorf("%w: expected %d files, found %d", ErrFileCountMismatch, expected, actual)
	}
	return nil
}

// Validate counts the files in workspacePath on the node at endpoint
// and compares the count to the number of files in m.
func (eng *Engine) Validate(ctx context.Context, endpoint, workspacePath string, m *Manifest) (ValidationResult, error) {
	t0 := time.Now()
	defer func() {
		eng.metrics.duration.WithLabelValues("validate").Observe(time.Since(t0).Seconds())
	}()
	res := ValidationResult{Expected: m.FileCount}
	fsys, closer, err := eng.connector.Connect(ctx, endpoint)
	if err != nil {
		return res, err
	}
	defer closer.Close()
	files, err := eng.scan(ctx, fsys, workspacePath)
	if errors.Is(err, os.ErrNotExist) {
		return res, ErrEmptyRestore
	} else if err != nil {
		return res, err
	}
	res.Actual = len(files)
	return res, CheckFileCount(res.Expected, res.Actual, eng.cfg.ValidationTolerance)
}
