// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/ghodss/yaml"
	"github.com/netunicorn/netunicorn-connector/lib/cmd"
	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
)

const redactedSecret = "xxxxx"

// DumpCommand prints the effective configuration (defaults, site
// config and environment overrides) as YAML, with secrets redacted.
var DumpCommand cmd.Handler = cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	out, err := yaml.Marshal(cfg.redacted())
	if err == nil {
		_, err = stdout.Write(out)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
})

// DumpDefaultsCommand prints the built-in default configuration.
var DumpDefaultsCommand cmd.Handler = cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if _, err := stdout.Write(DefaultYAML); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
})

// redacted returns a copy of cfg that is safe to print.
func (cfg Config) redacted() Config {
	if cfg.Gateway.APIKey != "" {
		cfg.Gateway.APIKey = redactedSecret
	}
	if cfg.ManagementToken != "" {
		cfg.ManagementToken = redactedSecret
	}
	return cfg
}
