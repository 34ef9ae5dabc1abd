// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package unicorn defines the data model shared by connectors, the
// gateway, and gateway clients: nodes and node pools, environment
// definitions, deployments, per-item results, and their JSON wire
// format.
package unicorn
