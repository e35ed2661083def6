// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"git.arvados.org/spotrelay.git/lib/failover"
	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

type Loader struct {
	Path string

	stdin  io.Reader
	logger logrus.FieldLogger
}

// NewLoader returns a new Loader with Path set to the default config
// file. If Path is "-", the config is read from stdin.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{
		Path:   spotrelay.DefaultConfigFile,
		stdin:  stdin,
		logger: logger,
	}
}

// SetupFlags adds a -config flag to flagset.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "Site configuration `file` (default may be overridden by setting a SPOTRELAY_CONFIG environment variable)")
	if path := os.Getenv("SPOTRELAY_CONFIG"); path != "" {
		ldr.Path = path
	}
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.stdin)
	}
	return os.ReadFile(path)
}

// Load reads the config file and returns the resulting config, with
// defaults filled in for every cluster. Unknown keys are logged as
// warnings.
func (ldr *Loader) Load() (*spotrelay.Config, error) {
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

type rawConfig struct {
	Clusters map[string]json.RawMessage
}

func (ldr *Loader) load(buf []byte) (*spotrelay.Config, error) {
	var site rawConfig
	if err := yaml.Unmarshal(buf, &site); err != nil {
		return nil, err
	}
	if len(site.Clusters) == 0 {
		return nil, errors.New("config does not define any clusters")
	}
	var defaults rawConfig
	if err := yaml.Unmarshal(DefaultYAML, &defaults); err != nil {
		return nil, fmt.Errorf("bug: loading default config: %w", err)
	}
	cfg := &spotrelay.Config{Clusters: map[string]spotrelay.Cluster{}}
	for id, raw := range site.Clusters {
		if err := checkClusterID(id); err != nil {
			return nil, err
		}
		// Load the site config on top of the defaults, so
		// keys absent from the site config keep their default
		// values.
		var cc spotrelay.Cluster
		if err := json.Unmarshal(defaults.Clusters["xxxxx"], &cc); err != nil {
			return nil, fmt.Errorf("bug: loading defaults for %s: %w", id, err)
		}
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &cc); err != nil {
				return nil, fmt.Errorf("cluster %s: %w", id, err)
			}
			ldr.logExtraKeys(id, raw)
		}
		cc.ClusterID = id
		if err := checkCluster(&cc); err != nil {
			return nil, fmt.Errorf("cluster %s: %w", id, err)
		}
		cfg.Clusters[id] = cc
	}
	return cfg, nil
}

// logExtraKeys warns about keys in raw that do not correspond to any
// config field.
func (ldr *Loader) logExtraKeys(id string, raw json.RawMessage) {
	if ldr.logger == nil {
		return
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cc spotrelay.Cluster
	if err := dec.Decode(&cc); err != nil {
		ldr.logger.Warnf("Clusters.%s: %s", id, err)
	}
}

func checkClusterID(id string) error {
	if id == "" || strings.ContainsAny(id, " \t\n/") {
		return fmt.Errorf("invalid cluster ID %q", id)
	}
	return nil
}

func checkCluster(cc *spotrelay.Cluster) error {
	if _, err := failover.ParseStrategy(cc.Failover.Strategy); err != nil {
		return fmt.Errorf("Failover.Strategy: %w", err)
	}
	switch cc.Probe.Method {
	case "ssh", "tcp":
	default:
		return fmt.Errorf("Probe.Method: unknown method %q", cc.Probe.Method)
	}
	switch cc.StateStore.Driver {
	case "badger", "postgresql":
	default:
		return fmt.Errorf("StateStore.Driver: unknown driver %q", cc.StateStore.Driver)
	}
	switch strings.ToLower(cc.Snapshot.Storage.Driver) {
	case "s3", "directory", "memory":
	default:
		return fmt.Errorf("Snapshot.Storage.Driver: unknown driver %q", cc.Snapshot.Storage.Driver)
	}
	if cc.Snapshot.ValidationTolerance < 0 || cc.Snapshot.ValidationTolerance >= 1 {
		return fmt.Errorf("Snapshot.ValidationTolerance: %v is not between 0 and 1", cc.Snapshot.ValidationTolerance)
	}
	if cc.WarmPool.Enable && cc.WarmPool.MinOffersPerHost < 2 {
		return fmt.Errorf("WarmPool.MinOffersPerHost: must be at least 2")
	}
	return nil
}
