// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args into f. Usage errors and -help output are
// written to stderr.
//
// positional describes the accepted positional arguments on the
// usage line, e.g., "machine-id". If it is empty, any positional
// argument is a usage error.
//
// If ok is false, the caller should exit now with exitCode: 0 after
// -help, 2 after a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	switch {
	case errors.Is(err, flag.ErrHelp):
		printUsage(f, prog, positional, stderr)
		return false, 0
	case err != nil:
		fmt.Fprintf(stderr, "%s: %s (try -help)\n", prog, err)
		return false, 2
	case positional == "" && f.NArg() > 0:
		fmt.Fprintf(stderr, "%s: unexpected arguments %q (try -help)\n", prog, f.Args())
		return false, 2
	}
	return true, 0
}

func printUsage(f FlagSet, prog, positional string, w io.Writer) {
	line := "Usage: " + prog + " [options]"
	if positional != "" {
		line += " " + positional
	}
	fmt.Fprintf(w, "%s\n\nOptions:\n", line)
	f.SetOutput(w)
	f.PrintDefaults()
	f.SetOutput(io.Discard)
}
