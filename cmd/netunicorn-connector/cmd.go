// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/netunicorn/netunicorn-connector/lib/cmd"
	"github.com/netunicorn/netunicorn-connector/lib/config"
	"github.com/netunicorn/netunicorn-connector/lib/connector/connectortest"
	_ "github.com/netunicorn/netunicorn-connector/lib/connector/drivers"
	"github.com/netunicorn/netunicorn-connector/lib/gateway"
	"github.com/netunicorn/netunicorn-connector/lib/service"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"server":          service.Command(gateway.NewHandler),
		"check":           connectortest.Command,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
