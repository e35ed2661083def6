// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package snapshot captures a node's workspace directory into object
// storage as compressed chunks plus a manifest, and restores it onto
// another node.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"git.arvados.org/spotrelay.git/lib/objstore"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

type Config struct {
	Prefix            string
	ChunkSize         int64
	Concurrency       int
	ShuffleExtensions []string
	Exclude           []string
	// Fraction of the expected file count by which a restored
	// workspace may differ and still pass validation.
	ValidationTolerance float64
	// CaptureLatest takes a full snapshot instead of an
	// incremental one when the base chain is this long.
	MaxIncrementalChain int
	ManifestCacheSize   int
}

const (
	defaultChunkSize           = 64 << 20
	defaultConcurrency         = 4
	defaultValidationTolerance = 0.05
	defaultMaxIncrementalChain = 10
	defaultManifestCacheSize   = 64
)

var defaultShuffleExtensions = []string{".safetensors", ".bin", ".pt", ".pth", ".ckpt"}

func ConfigFromCluster(sc spotrelay.SnapshotConfig) Config {
	return Config{
		Prefix:              sc.Prefix,
		ChunkSize:           int64(sc.ChunkSize),
		Concurrency:         sc.Concurrency,
		ShuffleExtensions:   sc.ShuffleExtensions,
		Exclude:             sc.Exclude,
		ValidationTolerance: sc.ValidationTolerance,
		MaxIncrementalChain: sc.MaxIncrementalChain,
		ManifestCacheSize:   sc.ManifestCacheSize,
	}
}

// Engine captures and restores workspaces.
type Engine struct {
	store     objstore.Store
	index     Index
	connector Connector
	cfg       Config
	logger    logrus.FieldLogger
	metrics   *metrics
	cache     *lru.TwoQueueCache
}

// NewEngine returns an Engine that stores snapshots in store, finds
// them through index, and reaches node workspaces through connector.
func NewEngine(store objstore.Store, index Index, connector Connector, cfg Config, logger logrus.FieldLogger, reg *prometheus.Registry) (*Engine, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ShuffleExtensions == nil {
		cfg.ShuffleExtensions = defaultShuffleExtensions
	}
	if cfg.ValidationTolerance <= 0 {
		cfg.ValidationTolerance = defaultValidationTolerance
	}
	if cfg.MaxIncrementalChain <= 0 {
		cfg.MaxIncrementalChain = defaultMaxIncrementalChain
	}
	if cfg.ManifestCacheSize <= 0 {
		cfg.ManifestCacheSize = defaultManifestCacheSize
	}
	for _, pattern := range cfg.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}
	if index == nil {
		index = &MemoryIndex{}
	}
	cache, err := lru.New2Q(cfg.ManifestCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:     store,
		index:     index,
		connector: connector,
		cfg:       cfg,
		logger:    logger,
		metrics:   newMetrics(reg),
		cache:     cache,
	}, nil
}

func (eng *Engine) excluded(rel string) bool {
	for _, pattern := range eng.cfg.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (eng *Engine) shuffled(rel string) bool {
	ext := strings.ToLower(filepath.Ext(rel))
	for _, x := range eng.cfg.ShuffleExtensions {
		if ext == strings.ToLower(x) {
			return true
		}
	}
	return false
}

// scan returns every regular file under root that is not excluded,
// sorted by path.
func (eng *Engine) scan(ctx context.Context, fsys afero.Fs, root string) ([]fileEntry, error) {
	var files []fileEntry
	err := afero.Walk(fsys, root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if eng.excluded(rel) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		files = append(files, fileEntry{
			rel:   rel,
			size:  fi.Size(),
			mtime: fi.ModTime(),
			mode:  fi.Mode(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, nil
}

// diff returns the files that are new or have a different
// modification time than in base, and the paths in base that no
// longer exist. If base is nil, all files are returned.
func diff(files []fileEntry, base *Manifest) (changed []fileEntry, removed []string) {
	if base == nil {
		return files, nil
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.rel] = true
		if t, ok := base.Files[f.rel]; !ok || !t.Equal(f.mtime) {
			changed = append(changed, f)
		}
	}
	for rel := range base.Files {
		if !present[rel] {
			removed = append(removed, rel)
		}
	}
	sort.Strings(removed)
	return changed, removed
}

// Capture snapshots the workspace at workspacePath on the node at
// endpoint. If base is not nil, only files added or modified since
// base are stored, and the result is an incremental snapshot.
func (eng *Engine) Capture(ctx context.Context, nodeID, endpoint, workspacePath string, base *Manifest) (*Manifest, error) {
	t0 := time.Now()
	kind := KindFull
	if base != nil {
		kind = KindIncremental
	}
	m, err := eng.capture(ctx, nodeID, endpoint, workspacePath, base)
	eng.metrics.captures.WithLabelValues(string(kind), result(err)).Inc()
	eng.metrics.duration.WithLabelValues("capture").Observe(time.Since(t0).Seconds())
	return m, err
}

func (eng *Engine) capture(ctx context.Context, nodeID, endpoint, workspacePath string, base *Manifest) (*Manifest, error) {
	t0 := time.Now()
	fsys, closer, err := eng.connector.Connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	files, err := eng.scan(ctx, fsys, workspacePath)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", workspacePath, err)
	}
	changed, removed := diff(files, base)

	m := &Manifest{
		ID:            newSnapshotID(nodeID, t0),
		NodeID:        nodeID,
		WorkspacePath: workspacePath,
		Kind:          KindFull,
		CreatedAt:     t0.UTC(),
		Files:         make(map[string]time.Time, len(files)),
		Removed:       removed,
		FileCount:     len(files),
		ChangedFiles:  len(changed),
	}
	m.Location = eng.cfg.Prefix + m.ID + "/"
	if base != nil {
		m.Kind = KindIncremental
		m.BaseID = base.ID
		m.ChainLength = base.ChainLength + 1
	}
	for _, f := range files {
		m.Files[f.rel] = f.mtime
	}
	logger := eng.logger.WithFields(logrus.Fields{
		"SnapshotID": m.ID,
		"NodeID":     nodeID,
		"Kind":       m.Kind,
	})

	plan := planChunks(changed, eng.cfg.ChunkSize)
	m.Chunks = make([]Chunk, len(plan))
	cg := newContextGroup(ctx, eng.cfg.Concurrency)
	defer cg.Cancel()
	for i, chunkFiles := range plan {
		i, chunkFiles := i, chunkFiles
		m.Chunks[i] = Chunk{
			Key:         chunkKey(eng.cfg.Prefix, m.ID, i),
			Files:       len(chunkFiles),
			LogicalSize: chunkSize(chunkFiles),
		}
		cg.Go(func() error {
			stored, logical, err := eng.putChunk(cg.Context(), m.Chunks[i].Key, fsys, workspacePath, chunkFiles)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			m.Chunks[i].StoredSize = stored
			m.Chunks[i].LogicalSize = logical
			return nil
		})
	}
	if err := cg.Wait(); err != nil {
		return nil, err
	}
	for _, c := range m.Chunks {
		m.LogicalSize += c.LogicalSize
		m.StoredSize += c.StoredSize
	}

	buf, err := json.MarshalIndent(m, "", "\t")
	if err != nil {
		return nil, err
	}
	key := manifestKey(eng.cfg.Prefix, m.ID)
	if err := eng.store.Put(ctx, key, bytes.NewReader(buf)); err != nil {
		return nil, fmt.Errorf("put manifest: %w", err)
	}
	err = eng.index.AddSnapshot(ctx, IndexEntry{
		ID:          m.ID,
		NodeID:      nodeID,
		CreatedAt:   m.CreatedAt,
		BaseID:      m.BaseID,
		ManifestKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("index snapshot: %w", err)
	}
	eng.cache.Add(m.ID, m)
	eng.metrics.logicalBytes.Add(float64(m.LogicalSize))
	eng.metrics.storedBytes.Add(float64(m.StoredSize))
	logger.WithFields(logrus.Fields{
		"Files":       m.FileCount,
		"Changed":     m.ChangedFiles,
		"Removed":     len(m.Removed),
		"Chunks":      len(m.Chunks),
		"LogicalSize": humanize.IBytes(uint64(m.LogicalSize)),
		"StoredSize":  humanize.IBytes(uint64(m.StoredSize)),
		"Elapsed":     time.Since(t0).Round(time.Millisecond),
	}).Info("captured snapshot")
	return m, nil
}

// putChunk streams one compressed chunk into the store.
func (eng *Engine) putChunk(ctx context.Context, key string, fsys afero.Fs, root string, files []fileEntry) (stored, logical int64, err error) {
	pr, pw := io.Pipe()
	done := make(chan [2]int64, 1)
	go func() {
		stored, logical, err := writeChunk(ctx, pw, fsys, root, files, eng.shuffled)
		pw.CloseWithError(err)
		done <- [2]int64{stored, logical}
	}()
	err = eng.store.Put(ctx, key, pr)
	pr.CloseWithError(errors.New("upload ended"))
	n := <-done
	return n[0], n[1], err
}

// CaptureLatest takes an incremental snapshot based on the node's
// most recent snapshot, or a full snapshot if the node has none, the
// chain is already MaxIncrementalChain long, or the incremental
// capture fails.
func (eng *Engine) CaptureLatest(ctx context.Context, nodeID, endpoint, workspacePath string) (*Manifest, error) {
	base, err := eng.Latest(ctx, nodeID)
	if err != nil && !errors.Is(err, ErrNoSnapshot) {
		eng.logger.WithError(err).WithField("NodeID", nodeID).Warn("cannot load latest snapshot, taking full snapshot")
		base = nil
	}
	if base != nil && (base.ChainLength >= eng.cfg.MaxIncrementalChain || base.WorkspacePath != workspacePath) {
		base = nil
	}
	if base != nil {
		m, err := eng.Capture(ctx, nodeID, endpoint, workspacePath, base)
		if err == nil {
			return m, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		eng.logger.WithError(err).WithFields(logrus.Fields{
			"NodeID": nodeID,
			"BaseID": base.ID,
		}).Warn("incremental snapshot failed, taking full snapshot")
	}
	return eng.Capture(ctx, nodeID, endpoint, workspacePath, nil)
}

// LoadManifest returns the manifest with the given snapshot ID.
func (eng *Engine) LoadManifest(ctx context.Context, id string) (*Manifest, error) {
	if m, ok := eng.cache.Get(id); ok {
		return m.(*Manifest), nil
	}
	buf, err := objstore.GetBytes(ctx, eng.store, manifestKey(eng.cfg.Prefix, id))
	if errors.Is(err, objstore.ErrNotExist) {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNoSnapshot)
	} else if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	var m Manifest
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("snapshot %s: invalid manifest: %w", id, err)
	}
	eng.cache.Add(id, &m)
	return &m, nil
}

// Latest returns the manifest of the node's most recent snapshot, or
// ErrNoSnapshot.
func (eng *Engine) Latest(ctx context.Context, nodeID string) (*Manifest, error) {
	ent, err := eng.index.LatestSnapshot(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return eng.LoadManifest(ctx, ent.ID)
}

// Chain returns the snapshots needed to restore m, oldest (full)
// first and m last.
func (eng *Engine) Chain(ctx context.Context, m *Manifest) ([]*Manifest, error) {
	chain := []*Manifest{m}
	seen := map[string]bool{m.ID: true}
	for cur := m; cur.Kind == KindIncremental; {
		if cur.BaseID == "" {
			return nil, fmt.Errorf("incremental snapshot %s has no base", cur.ID)
		}
		if seen[cur.BaseID] {
			return nil, fmt.Errorf("snapshot %s: base chain has a cycle", m.ID)
		}
		seen[cur.BaseID] = true
		base, err := eng.LoadManifest(ctx, cur.BaseID)
		if err != nil {
			return nil, fmt.Errorf("base of %s: %w", cur.ID, err)
		}
		chain = append(chain, base)
		cur = base
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
