// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package connectortest provides a stub backend, a conformance
// tester that can be pointed at any connector, and a fake SSH node
// for testing backends that use SSH.
package connectortest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/netunicorn/netunicorn-connector/lib/connector"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
)

// StubDriver builds StubBackends from JSON parameters, e.g.,
//
//	{"Nodes": ["alpha", "beta"], "Uncountable": false}
var StubDriver = connector.DriverFunc(func(params json.RawMessage, opts connector.DriverOptions) (connector.Backend, error) {
	var p struct {
		Nodes       []string
		Uncountable bool
		AuthToken   string
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("error decoding stub driver parameters: %w", err)
		}
	}
	if len(p.Nodes) == 0 {
		p.Nodes = []string{"stub-node-1", "stub-node-2", "stub-node-3"}
	}
	sb := &StubBackend{AuthToken: p.AuthToken}
	if p.Uncountable {
		sb.Pool = NamedUncountablePool(p.Nodes...)
	} else {
		sb.Pool = NamedCountablePool(p.Nodes...)
	}
	return sb, nil
})

// NamedCountablePool returns a countable pool with one node per name.
func NamedCountablePool(names ...string) unicorn.CountableNodePool {
	pool := unicorn.CountableNodePool{Nodes: []unicorn.Node{}}
	for _, name := range names {
		pool.Nodes = append(pool.Nodes, unicorn.Node{
			Name:         name,
			Properties:   unicorn.Properties{"cpu": unicorn.Number(2)},
			Architecture: unicorn.LinuxAMD64,
		})
	}
	return pool
}

// NamedUncountablePool returns an uncountable pool with one template
// node per prefix. Its producer cycles through the prefixes, adding
// a sequence number to each.
func NamedUncountablePool(prefixes ...string) unicorn.UncountableNodePool {
	pool := unicorn.UncountableNodePool{}
	for _, prefix := range prefixes {
		pool.Template = append(pool.Template, unicorn.Node{
			Name:         prefix,
			Properties:   unicorn.Properties{"cpu": unicorn.Number(2)},
			Architecture: unicorn.LinuxAMD64,
		})
	}
	var mtx sync.Mutex
	seq := 0
	pool.Producer = unicorn.NodeProducerFunc(func(ctx context.Context) (unicorn.Node, error) {
		if len(pool.Template) == 0 {
			return unicorn.Node{}, unicorn.ErrProducerExhausted
		}
		mtx.Lock()
		defer mtx.Unlock()
		node := pool.Template[seq%len(pool.Template)]
		seq++
		node.Name = fmt.Sprintf("%s%d", node.Name, seq)
		return node, nil
	})
	return pool
}

// A StubBackend implements connector.Backend in memory. The exported
// fields control its behavior and may be set before the backend is
// initialized.
type StubBackend struct {
	// Nodes returned to every user. Default is three countable
	// nodes.
	Pool unicorn.NodePool

	// If not empty, Authenticate requires the auth context key
	// "token" to have this value.
	AuthToken string

	// Errors returned by Initialize and Health.
	InitializeError error
	HealthError     error

	// Per-executor-id errors for deploy, execute and stop items.
	DeployErrors  map[string]error
	ExecuteErrors map[string]error
	StopErrors    map[string]error
	CleanupErrors map[string]error

	// Nodes that behave as if they were down.
	UnreachableNodes map[string]bool

	// Executor ids whose items panic.
	PanicExecutors map[string]bool

	// Each item waits this long (or until its context is
	// cancelled) before doing anything.
	ItemDelay time.Duration

	mtx         sync.Mutex
	initialized bool
	initParams  json.RawMessage
	inflight    int
	maxInflight int
	deployed    map[string]string // executor id -> node
	running     map[string]string // executor id -> node
	cleanups    int
	calls       []string
}

func (sb *StubBackend) call(name string) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	sb.calls = append(sb.calls, name)
}

// Calls returns the names of the backend methods called so far, in
// order.
func (sb *StubBackend) Calls() []string {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return append([]string(nil), sb.calls...)
}

// MaxInflight returns the largest number of items that were ever
// being processed at once.
func (sb *StubBackend) MaxInflight() int {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.maxInflight
}

// Running returns the node each running executor was started on.
func (sb *StubBackend) Running() map[string]string {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	running := map[string]string{}
	for id, node := range sb.running {
		running[id] = node
	}
	return running
}

// Initialized reports whether Initialize has succeeded more recently
// than Shutdown.
func (sb *StubBackend) Initialized() bool {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.initialized
}

// InitializeParams returns the parameters of the last successful
// Initialize call.
func (sb *StubBackend) InitializeParams() json.RawMessage {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.initParams
}

func (sb *StubBackend) Initialize(ctx context.Context, params json.RawMessage) error {
	sb.call("Initialize")
	if sb.InitializeError != nil {
		return sb.InitializeError
	}
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	if sb.Pool == nil {
		sb.Pool = NamedCountablePool("stub-node-1", "stub-node-2", "stub-node-3")
	}
	sb.deployed = map[string]string{}
	sb.running = map[string]string{}
	sb.initialized = true
	sb.initParams = params
	return nil
}

func (sb *StubBackend) Health(ctx context.Context) error {
	sb.call("Health")
	return sb.HealthError
}

func (sb *StubBackend) Shutdown(ctx context.Context) error {
	sb.call("Shutdown")
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	sb.initialized = false
	return nil
}

func (sb *StubBackend) Nodes(ctx context.Context, username string, auth unicorn.OperationContext) (unicorn.NodePool, error) {
	sb.call("Nodes")
	return sb.Pool, nil
}

func (sb *StubBackend) Authenticate(ctx context.Context, username string, auth unicorn.OperationContext) error {
	if sb.AuthToken != "" && auth.Get("token") != sb.AuthToken {
		return unicorn.AuthenticationError{Username: username, Reason: "invalid token"}
	}
	return nil
}

// knownNode reports whether name can be a node of this backend's
// pool. Every name is acceptable for uncountable pools.
func (sb *StubBackend) knownNode(name string) bool {
	pool, ok := sb.Pool.(unicorn.CountableNodePool)
	if !ok {
		return true
	}
	for _, node := range pool.Nodes {
		if node.Name == name {
			return true
		}
	}
	return false
}

// startItem does the checks common to all item methods, and returns
// a func to call when the item is done.
func (sb *StubBackend) startItem(ctx context.Context, executorID, node string, errs map[string]error) (func(), error) {
	if sb.PanicExecutors[executorID] {
		panic("stub backend panic for " + executorID)
	}
	sb.mtx.Lock()
	sb.inflight++
	if sb.inflight > sb.maxInflight {
		sb.maxInflight = sb.inflight
	}
	sb.mtx.Unlock()
	done := func() {
		sb.mtx.Lock()
		sb.inflight--
		sb.mtx.Unlock()
	}
	if sb.ItemDelay > 0 {
		select {
		case <-time.After(sb.ItemDelay):
		case <-ctx.Done():
			done()
			return nil, ctx.Err()
		}
	}
	if sb.UnreachableNodes[node] {
		done()
		return nil, fmt.Errorf("dial %s: connection refused: %w", node, connector.ErrUnreachableNode)
	}
	if err := errs[executorID]; err != nil {
		done()
		return nil, err
	}
	if !sb.knownNode(node) {
		done()
		return nil, fmt.Errorf("node %q is not in this connector's pool: %w", node, connector.ErrUnreachableNode)
	}
	return done, nil
}

func (sb *StubBackend) Deploy(ctx context.Context, item connector.DeployItem) (string, error) {
	dep := item.Deployment
	done, err := sb.startItem(ctx, dep.ExecutorID, dep.Node.Name, sb.DeployErrors)
	if err != nil {
		return "", err
	}
	defer done()
	if dep.EnvironmentDefinition == nil {
		return "", errors.New("deployment has no environment definition")
	}
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	sb.deployed[dep.ExecutorID] = dep.Node.Name
	return "", nil
}

func (sb *StubBackend) Execute(ctx context.Context, item connector.ExecuteItem) (string, error) {
	dep := item.Deployment
	done, err := sb.startItem(ctx, dep.ExecutorID, dep.Node.Name, sb.ExecuteErrors)
	if err != nil {
		return "", err
	}
	defer done()
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	sb.running[dep.ExecutorID] = dep.Node.Name
	return "", nil
}

func (sb *StubBackend) Stop(ctx context.Context, item connector.StopItem) (string, error) {
	req := item.Request
	done, err := sb.startItem(ctx, req.ExecutorID, req.NodeName, sb.StopErrors)
	if err != nil {
		return "", err
	}
	defer done()
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	node, ok := sb.running[req.ExecutorID]
	if !ok {
		return "", connector.ErrUnknownExecutor
	}
	if node != req.NodeName {
		return "", connector.ErrNodeMismatch
	}
	delete(sb.running, req.ExecutorID)
	return "", nil
}

func (sb *StubBackend) Cleanup(ctx context.Context, experimentID string, dep unicorn.Deployment) error {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	sb.cleanups++
	if err := sb.CleanupErrors[dep.ExecutorID]; err != nil {
		return err
	}
	delete(sb.deployed, dep.ExecutorID)
	delete(sb.running, dep.ExecutorID)
	return nil
}

// Cleanups returns the number of Cleanup calls.
func (sb *StubBackend) Cleanups() int {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.cleanups
}
