// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"git.arvados.org/spotrelay.git/lib/cmd"
	"git.arvados.org/spotrelay.git/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// DumpCommand writes the loaded config, with defaults filled in, to
// stdout as YAML.
func DumpCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	logger := ctxlog.New(stderr, "text", "info")
	defer func() {
		if err != nil {
			logger.WithError(err).Error("config-dump failed")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader := NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

// CheckCommand loads the config and exits non-zero if it has errors
// or unknown keys.
func CheckCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	logger := &countingHook{}
	lgr := ctxlog.New(stderr, "text", "info")
	lgr.AddHook(logger)
	loader := NewLoader(stdin, lgr)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	_, err := loader.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if logger.warnings > 0 {
		return 1
	}
	return 0
}

// DumpDefaultsCommand writes the default config to stdout.
func DumpDefaultsCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if _, err := stdout.Write(DefaultYAML); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

type countingHook struct {
	warnings int
}

func (*countingHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.WarnLevel, logrus.ErrorLevel}
}

func (h *countingHook) Fire(*logrus.Entry) error {
	h.warnings++
	return nil
}
