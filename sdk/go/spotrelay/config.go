// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package spotrelay

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const DefaultConfigFile = "/etc/spotrelay/config.yml"

type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		} else {
			for id, cc := range sc.Clusters {
				cc.ClusterID = id
				return &cc, nil
			}
		}
	}
	cc, ok := sc.Clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	}
	cc.ClusterID = clusterID
	return &cc, nil
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string

	SystemLogs struct {
		Format   string
		LogLevel string
	}
	Services struct {
		Relay Service
	}

	Market     MarketConfig
	Probe      ProbeConfig
	Provision  ProvisionConfig
	WarmPool   WarmPoolConfig
	Snapshot   SnapshotConfig
	Failover   FailoverConfig
	StateStore StateStoreConfig
	Events     EventsConfig
}

type Service struct {
	Listen string
}

type MarketConfig struct {
	// Name of the marketplace driver, e.g., "vastai".
	Driver           string
	DriverParameters json.RawMessage

	// Defaults for nodes created by the provisioner and the warm
	// pool manager.
	Image         string
	DiskSize      ByteSize
	StartupScript string
}

type ProbeConfig struct {
	// "ssh" (run Command on the node) or "tcp" (connect only).
	Method     string
	Command    string
	Timeout    Duration
	RemoteUser string
	PrivateKey string
}

type ProvisionConfig struct {
	BatchSize       int
	MaxRounds       int
	TimeoutPerRound Duration
	CheckInterval   Duration
	ProbeTimeout    Duration
	CreateStagger   Duration
	CreateAttempts  int
	OfferOverfetch  int
	CreateOverfetch int
	CleanupTimeout  Duration
}

type WarmPoolConfig struct {
	Enable              bool
	GPUName             string
	MaxPrice            float64
	MinOffersPerHost    int
	HealthCheckInterval Duration
	UnhealthyThreshold  int
	EndpointTimeout     Duration
	StandbyGracePeriod  Duration
	FailoverTimeout     Duration
	ReprovisionStandby  bool
}

type SnapshotConfig struct {
	Storage             StorageConfig
	Prefix              string
	WorkspacePath       string
	ChunkSize           ByteSize
	Concurrency         int
	ShuffleExtensions   []string
	Exclude             []string
	ValidationTolerance float64
	MaxIncrementalChain int
	ManifestCacheSize   int
	SFTPPort            string
}

type StorageConfig struct {
	// "S3", "Directory", or "Memory".
	Driver           string
	DriverParameters json.RawMessage
}

// S3StorageParameters are the DriverParameters for an S3 snapshot
// storage backend.
type S3StorageParameters struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PartSize        ByteSize
	Concurrency     int
}

// DirectoryStorageParameters are the DriverParameters for a local
// directory snapshot storage backend.
type DirectoryStorageParameters struct {
	Root string
}

type FailoverConfig struct {
	// "disabled", "warm-pool", "cpu-standby", or "both".
	Strategy          string
	SnapshotMaxAge    Duration
	SnapshotTimeout   Duration
	RestoreTimeout    Duration
	ValidationTimeout Duration
	SmokeTestCommand  string
	SmokeTestTimeout  Duration
}

type StateStoreConfig struct {
	// "badger" or "postgresql".
	Driver string
	Badger struct {
		Dir string
	}
	PostgreSQL PostgreSQLConfig
}

type PostgreSQLConfig struct {
	Connection     PostgreSQLConnection
	ConnectionPool int
}

type PostgreSQLConnection map[string]string

// String returns a libpq-style connection string.
func (c PostgreSQLConnection) String() string {
	var keys []string
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		v := strings.Replace(strings.Replace(c[k], `\`, `\\`, -1), `'`, `\'`, -1)
		s += strings.ToLower(k) + "='" + v + "' "
	}
	return strings.TrimSpace(s)
}

type EventsConfig struct {
	NATS struct {
		URL     string
		Subject string
	}
}
