// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"context"
	"encoding/json"

	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Connector manages one infrastructure's nodes on behalf of many
// users. Batch operations return one independent Result per input
// item; an error return aborts the whole call.
//
// Implementations must be safe for concurrent use.
type Connector interface {
	Initialize(ctx context.Context, params json.RawMessage) error
	Health(ctx context.Context) (bool, string)
	Shutdown(ctx context.Context) error

	GetNodes(ctx context.Context, username string, auth unicorn.OperationContext) (unicorn.NodePool, error)
	Deploy(ctx context.Context, username, experimentID string, deployments []unicorn.Deployment, deploymentCtx, auth unicorn.OperationContext) (unicorn.BatchResult[*string], error)
	Execute(ctx context.Context, username, experimentID string, deployments []unicorn.Deployment, executionCtx, auth unicorn.OperationContext) (unicorn.BatchResult[*string], error)
	StopExecutors(ctx context.Context, username string, requests []unicorn.StopExecutorRequest, cancellationCtx, auth unicorn.OperationContext) (unicorn.BatchResult[*string], error)
	Cleanup(ctx context.Context, experimentID string, deployments []unicorn.Deployment) error
}

// A Backend implements the infrastructure-specific part of a
// Connector, one item at a time. Wrap it with New to get a Connector.
//
// Item methods return a message (reported as the item's success
// value, "" meaning null) or an error (reported as the item's failure
// reason). They are called concurrently, for different items and
// from different callers.
type Backend interface {
	// Initialize prepares clients and background tasks. params
	// is the (possibly empty) body of the initialize call.
	Initialize(ctx context.Context, params json.RawMessage) error

	// Health returns nil if the infrastructure is reachable.
	Health(ctx context.Context) error

	// Shutdown releases everything acquired by Initialize.
	Shutdown(ctx context.Context) error

	// Nodes returns the nodes visible to the given user.
	Nodes(ctx context.Context, username string, auth unicorn.OperationContext) (unicorn.NodePool, error)

	// Authenticate checks the caller's auth context before a
	// batch. It should return an unicorn.AuthenticationError (or
	// nil).
	Authenticate(ctx context.Context, username string, auth unicorn.OperationContext) error

	Deploy(ctx context.Context, item DeployItem) (string, error)
	Execute(ctx context.Context, item ExecuteItem) (string, error)
	Stop(ctx context.Context, item StopItem) (string, error)

	// Cleanup releases resources tied to one deployment of the
	// experiment. Resources that don't exist (never deployed,
	// already removed) are not an error.
	Cleanup(ctx context.Context, experimentID string, deployment unicorn.Deployment) error
}

// DeployItem is one deployment of a deploy call.
type DeployItem struct {
	Username     string
	ExperimentID string
	Deployment   unicorn.Deployment
	Context      unicorn.OperationContext
	Auth         unicorn.OperationContext
}

// ExecuteItem is one prepared deployment of an execute call.
type ExecuteItem struct {
	Username     string
	ExperimentID string
	Deployment   unicorn.Deployment
	Context      unicorn.OperationContext
	Auth         unicorn.OperationContext

	// Env is the complete environment of the executor: the
	// user's variables plus the mandatory netunicorn ones.
	Env map[string]string
}

// StopItem is one request of a stop_executors call.
type StopItem struct {
	Username string
	Request  unicorn.StopExecutorRequest
	Context  unicorn.OperationContext
	Auth     unicorn.OperationContext

	// Record is what this connector recorded when it started the
	// executor, or nil if it has no record (e.g., the executor
	// was started before a restart). Backends that can't find
	// the executor another way should fail with ErrUnknownExecutor.
	Record *ExecutorRecord
}

// DriverOptions are passed to a Driver along with its parameters.
type DriverOptions struct {
	// Connector name, for tagging infrastructure resources.
	Name string

	// Gateway endpoint that executors report to.
	GatewayEndpoint string

	Logger   logrus.FieldLogger
	Registry *prometheus.Registry
}

// A Driver returns a Backend configured with the given
// driver-dependent parameters.
//
// Example:
//
//	type exampleBackend struct {
//		Endpoint string
//	}
//
//	var Driver = connector.DriverFunc(func(params json.RawMessage, opts connector.DriverOptions) (connector.Backend, error) {
//		var eb exampleBackend
//		if err := json.Unmarshal(params, &eb); err != nil {
//			return nil, err
//		}
//		return &eb, nil
//	})
type Driver interface {
	Backend(params json.RawMessage, opts DriverOptions) (Backend, error)
}

// DriverFunc makes a Driver using the provided function as its
// Backend method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(params json.RawMessage, opts DriverOptions) (Backend, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(params json.RawMessage, opts DriverOptions) (Backend, error)

func (df driverFunc) Backend(params json.RawMessage, opts DriverOptions) (Backend, error) {
	return df(params, opts)
}
