// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/spotrelay.git/lib/cmd"
	"git.arvados.org/spotrelay.git/lib/config"
	"git.arvados.org/spotrelay.git/lib/relay"
)

var (
	handler = cmd.Multi(map[string]cmd.RunFunc{
		"version":   cmd.Version.Run,
		"-version":  cmd.Version.Run,
		"--version": cmd.Version.Run,

		"server":          relay.ServerCommand,
		"provision":       relay.ProvisionCommand,
		"failover":        relay.FailoverCommand,
		"snapshot":        relay.SnapshotCommand,
		"pool":            relay.PoolCommand,
		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	})
)

func main() {
	os.Exit(handler(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
