// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package connectortest

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/netunicorn/netunicorn-connector/lib/cmd"
	"github.com/netunicorn/netunicorn-connector/lib/config"
	"github.com/netunicorn/netunicorn-connector/lib/connector"
	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
	"github.com/prometheus/client_golang/prometheus"
)

// Command runs the conformance tests against the configured driver.
var Command cmd.Handler = command{}

type command struct{}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader := config.NewLoader(stdin, nil)
	loader.SetupFlags(flags)
	username := flags.String("username", "connectortest", "Username to make calls as")
	experimentID := flags.String("experiment-id", "", "Experiment ID of the test deployments (default: random)")
	authContext := flags.String("auth-context", "", "Auth context (JSON object) to send with each call")
	image := flags.String("docker-image", "", "Deploy and execute this docker image on up to -items nodes (default: don't deploy anything)")
	shell := flags.String("shell-command", "", "Deploy with this shell command on up to -items nodes (default: don't deploy anything)")
	items := flags.Int("items", 3, "Largest batch size to test")
	faultyNode := flags.String("faulty-node", "", "Node name on which deployments are expected to fail")
	initBody := flags.String("initialize-body", "", "Body (JSON) of the initialize call")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	logger := ctxlog.New(stderr, "text", "info")
	loader.Logger = logger
	defer func() {
		if err != nil {
			logger.WithError(err).Error("fatal")
			// suppress output from the other error-printing func
			err = nil
		}
		logger.Info("exiting")
	}()

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	auth, err := unicorn.ParseOperationContext(*authContext)
	if err != nil {
		err = fmt.Errorf("error parsing -auth-context: %w", err)
		return 1
	}
	var env unicorn.EnvironmentDefinition
	switch {
	case *image != "" && *shell != "":
		err = fmt.Errorf("-docker-image and -shell-command cannot be used together")
		return 2
	case *image != "":
		env = unicorn.DockerImage{Image: *image}
	case *shell != "":
		env = unicorn.ShellExecution{Commands: []string{*shell}}
	}
	conn, err := connector.NewFromConfig(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return 1
	}

	ctx, cancel := signal.NotifyContext(ctxlog.Context(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if !(&Tester{
		Logger:           logger,
		Connector:        conn,
		Username:         *username,
		ExperimentID:     *experimentID,
		Auth:             auth,
		InitializeParams: json.RawMessage(*initBody),
		Environment:      env,
		MaxItems:         *items,
		FaultyNode:       *faultyNode,
	}).Run(ctx) {
		return 1
	}
	return 0
}
