// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package drivers registers the built-in connector drivers. Import
// it for its side effects.
package drivers

import (
	"github.com/netunicorn/netunicorn-connector/lib/connector"
	"github.com/netunicorn/netunicorn-connector/lib/connector/connectortest"
	"github.com/netunicorn/netunicorn-connector/lib/connector/docker"
	"github.com/netunicorn/netunicorn-connector/lib/connector/ec2"
	"github.com/netunicorn/netunicorn-connector/lib/connector/sshconn"
)

func init() {
	connector.RegisterDriver("docker", docker.Driver)
	connector.RegisterDriver("ssh", sshconn.Driver)
	connector.RegisterDriver("ec2", ec2.Driver)
	connector.RegisterDriver("stub", connectortest.StubDriver)
}
