// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

// DefaultYAML holds the default value of every config entry. The
// cluster ID "xxxxx" is replaced by each configured cluster ID.
var DefaultYAML = []byte(`# Do not use this file for site configuration. Create
# /etc/spotrelay/config.yml instead.

Clusters:
  xxxxx:
    # Token required in "Authorization: Bearer xxx" headers of
    # management API, health check, and metrics requests. If empty,
    # those endpoints are disabled.
    ManagementToken: ""

    SystemLogs:
      # "json" or "text".
      Format: json
      # "debug", "info", "warn", or "error".
      LogLevel: info

    Services:
      Relay:
        Listen: "localhost:9010"

    Market:
      # Marketplace driver. Currently only "vastai" is supported.
      Driver: vastai
      DriverParameters:
        APIURL: "https://console.vast.ai/api/v0"
        APIKey: ""
        Timeout: 30s
        RetryMax: 4
        RetryWaitMin: 1s
        RetryWaitMax: 30s
        DefaultRateLimitDelay: 10s

      # Defaults for nodes created by the provisioner and by warm
      # pools.
      Image: ""
      DiskSize: 50GB
      StartupScript: ""

    Probe:
      # "ssh" runs Command on the node; "tcp" only connects.
      Method: ssh
      Command: "true"
      Timeout: 10s
      RemoteUser: root
      # PEM-encoded private key, or "file:///path/to/key".
      PrivateKey: ""

    Provision:
      BatchSize: 3
      MaxRounds: 3
      TimeoutPerRound: 2m
      CheckInterval: 2s
      ProbeTimeout: 10s
      CreateStagger: 250ms
      CreateAttempts: 3
      OfferOverfetch: 4
      CreateOverfetch: 3
      CleanupTimeout: 30s

    WarmPool:
      Enable: false
      GPUName: ""
      MaxPrice: 0
      MinOffersPerHost: 2
      HealthCheckInterval: 30s
      UnhealthyThreshold: 3
      EndpointTimeout: 5m
      StandbyGracePeriod: 30s
      FailoverTimeout: 2m
      ReprovisionStandby: false

    Snapshot:
      Storage:
        # "S3", "Directory", or "Memory".
        Driver: Directory
        DriverParameters:
          Root: /var/lib/spotrelay/snapshots
      Prefix: "snapshots/"
      WorkspacePath: /workspace
      ChunkSize: 64MiB
      Concurrency: 4
      ShuffleExtensions: [".safetensors", ".bin", ".pt", ".pth", ".ckpt"]
      Exclude: []
      ValidationTolerance: 0.05
      MaxIncrementalChain: 10
      ManifestCacheSize: 64
      # Port of the SFTP server on nodes, if different from the
      # probe endpoint's SSH port.
      SFTPPort: ""

    Failover:
      # "disabled", "warm-pool", "cpu-standby", or "both".
      Strategy: both
      SnapshotMaxAge: 10m
      SnapshotTimeout: 30m
      RestoreTimeout: 30m
      ValidationTimeout: 5m
      # Command run on a restored node before failover is
      # reported successful. If empty, the smoke test is skipped.
      SmokeTestCommand: ""
      SmokeTestTimeout: 5m

    StateStore:
      # "badger" or "postgresql".
      Driver: badger
      Badger:
        Dir: /var/lib/spotrelay/state
      PostgreSQL:
        Connection: {}
        ConnectionPool: 8

    Events:
      NATS:
        # If empty, failover records are only logged.
        URL: ""
        Subject: spotrelay.failover
`)
