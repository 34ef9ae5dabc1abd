// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses a subcommand's arguments, printing usage or
// error messages to stderr.
//
// positional describes the accepted positional arguments for the
// -help message ("Usage: {prog} [options] {positional}"). If it is
// empty, positional arguments are a usage error.
//
// If ok is false the caller should return exitCode right away: 0
// after -help, 2 after a usage error.
func ParseFlags(flags *flag.FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	flags.Init(prog, flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	err := flags.Parse(args)
	switch {
	case err == flag.ErrHelp:
		flags.SetOutput(stderr)
		fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
		flags.PrintDefaults()
		return false, 0
	case err != nil:
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	case flags.NArg() > 0 && positional == "":
		fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", flags.Args())
		return false, 2
	}
	return true, 0
}
