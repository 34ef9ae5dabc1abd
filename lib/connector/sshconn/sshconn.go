// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package sshconn implements a connector backend for a fixed fleet
// of hosts reachable over SSH. ShellExecution environments run the
// executor natively; DockerImage environments use the docker CLI on
// the host.
package sshconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/shlex"
	"github.com/netunicorn/netunicorn-connector/lib/connector"
	"github.com/netunicorn/netunicorn-connector/lib/connector/sshexecutor"
	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// NodeConfig is one SSH host offered as a node.
type NodeConfig struct {
	Name string
	// host or host:port
	Address      string
	User         string
	Architecture unicorn.Architecture
	Properties   unicorn.Properties
	// Users allowed to see and use this node. Empty means
	// everybody.
	AllowedUsers []string
	// Expected host key in authorized_keys format. Empty means
	// accept any key.
	HostKey string
}

// Params are the driver parameters.
type Params struct {
	Nodes []NodeConfig
	// PEM-encoded private key used to log in to every node.
	PrivateKey string
	// Run on the node before the deployment's own commands.
	InstallCommand  string
	ExecutorCommand string
	// Parent directory for per-experiment directories and pid
	// files on each node.
	WorkDir string
}

const (
	defaultInstallCommand  = "python3 -m pip install --user --upgrade netunicorn-executor"
	defaultExecutorCommand = "netunicorn-executor"
	defaultWorkDir         = "/tmp/netunicorn"
)

// Driver builds SSH fleet backends.
var Driver = connector.DriverFunc(func(params json.RawMessage, opts connector.DriverOptions) (connector.Backend, error) {
	var p Params
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("error decoding ssh driver parameters: %w", err)
		}
	}
	if p.InstallCommand == "" {
		p.InstallCommand = defaultInstallCommand
	}
	if p.ExecutorCommand == "" {
		p.ExecutorCommand = defaultExecutorCommand
	}
	if p.WorkDir == "" {
		p.WorkDir = defaultWorkDir
	}
	if _, err := shlex.Split(p.ExecutorCommand); err != nil {
		return nil, fmt.Errorf("invalid ExecutorCommand: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &backend{
		params: p,
		logger: logger,
		launcher: Launcher{
			Connector:       opts.Name,
			InstallCommand:  p.InstallCommand,
			ExecutorCommand: p.ExecutorCommand,
			WorkDir:         p.WorkDir,
		},
	}, nil
})

type sshNode struct {
	NodeConfig
	exr *sshexecutor.Executor
}

func (sn *sshNode) allows(username string) bool {
	if len(sn.AllowedUsers) == 0 {
		return true
	}
	for _, u := range sn.AllowedUsers {
		if u == username {
			return true
		}
	}
	return false
}

type backend struct {
	params   Params
	logger   logrus.FieldLogger
	launcher Launcher

	mtx   sync.RWMutex
	nodes map[string]*sshNode
	order []string
}

// Initialize connects to nothing yet: connections are set up on
// first use. The initialize body is ignored.
func (b *backend) Initialize(ctx context.Context, _ json.RawMessage) error {
	if b.params.PrivateKey == "" {
		return errors.New("ssh driver: PrivateKey is not configured")
	}
	signer, err := ssh.ParsePrivateKey([]byte(b.params.PrivateKey))
	if err != nil {
		return fmt.Errorf("ssh driver: error parsing PrivateKey: %w", err)
	}
	nodes := map[string]*sshNode{}
	var order []string
	for _, nc := range b.params.Nodes {
		if nc.Name == "" {
			return unicorn.Validationf("ssh node with address %q has no name", nc.Address)
		} else if nodes[nc.Name] != nil {
			return unicorn.Validationf("duplicate ssh node name %q", nc.Name)
		}
		target := sshexecutor.StaticTarget{Addr: nc.Address, User: nc.User}
		if nc.HostKey != "" {
			target.HostKey, _, _, _, err = ssh.ParseAuthorizedKey([]byte(nc.HostKey))
			if err != nil {
				return fmt.Errorf("node %s: error parsing HostKey: %w", nc.Name, err)
			}
		}
		exr := sshexecutor.New(target)
		exr.SetSigners(signer)
		nodes[nc.Name] = &sshNode{NodeConfig: nc, exr: exr}
		order = append(order, nc.Name)
	}
	b.mtx.Lock()
	old := b.nodes
	b.nodes, b.order = nodes, order
	b.mtx.Unlock()
	for _, sn := range old {
		sn.exr.Close()
	}
	return nil
}

func (b *backend) Shutdown(ctx context.Context) error {
	b.mtx.Lock()
	nodes := b.nodes
	b.nodes, b.order = nil, nil
	b.mtx.Unlock()
	for _, sn := range nodes {
		sn.exr.Close()
	}
	return nil
}

func (b *backend) Health(ctx context.Context) error {
	b.mtx.RLock()
	order, nodes := b.order, b.nodes
	b.mtx.RUnlock()
	errs := make([]error, len(order))
	var wg sync.WaitGroup
	for i, name := range order {
		wg.Add(1)
		go func(i int, sn *sshNode) {
			defer wg.Done()
			if _, err := sn.exr.Output(ctx, nil, "true", nil); err != nil {
				errs[i] = fmt.Errorf("node %s: %w", sn.Name, err)
			}
		}(i, nodes[name])
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (b *backend) Authenticate(ctx context.Context, username string, auth unicorn.OperationContext) error {
	if username == "" {
		return unicorn.AuthenticationError{Reason: "no username"}
	}
	return nil
}

func (b *backend) Nodes(ctx context.Context, username string, auth unicorn.OperationContext) (unicorn.NodePool, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	pool := unicorn.CountableNodePool{Nodes: []unicorn.Node{}}
	for _, name := range b.order {
		sn := b.nodes[name]
		if !sn.allows(username) {
			continue
		}
		arch := sn.Architecture
		if arch == "" {
			arch = unicorn.UnknownArchitecture
		}
		props := unicorn.Properties{}
		for k, v := range sn.Properties {
			props[k] = v
		}
		pool.Nodes = append(pool.Nodes, unicorn.Node{Name: sn.Name, Architecture: arch, Properties: props})
	}
	return pool, nil
}

func (b *backend) lookup(name, username string) (*sshNode, error) {
	b.mtx.RLock()
	sn := b.nodes[name]
	b.mtx.RUnlock()
	if sn == nil {
		return nil, fmt.Errorf("node %q is not managed by this connector: %w", name, connector.ErrUnreachableNode)
	} else if !sn.allows(username) {
		return nil, fmt.Errorf("node %q is not available to user %q", name, username)
	}
	return sn, nil
}

// run runs a command on the node and returns its stdout. Failure to
// connect is reported as an unreachable node.
func (b *backend) run(ctx context.Context, sn *sshNode, cmd string) (string, error) {
	ctxlog.FromContext(ctx).WithField("Command", cmd).Debug("running remote command")
	stdout, err := sn.exr.Output(ctx, nil, cmd, nil)
	var dialErr *sshexecutor.DialError
	if errors.As(err, &dialErr) || errors.Is(err, sshexecutor.ErrNoAddress) {
		return "", fmt.Errorf("node %s: %s: %w", sn.Name, err, connector.ErrUnreachableNode)
	}
	return string(stdout), err
}

func (b *backend) Deploy(ctx context.Context, item connector.DeployItem) (string, error) {
	sn, err := b.lookup(item.Deployment.Node.Name, item.Username)
	if err != nil {
		return "", err
	}
	steps, err := b.launcher.PrepareSteps(item.ExperimentID, item.Deployment.EnvironmentDefinition)
	if err != nil {
		return "", err
	}
	for _, step := range steps {
		if _, err := b.run(ctx, sn, step.Command); err != nil {
			return "", fmt.Errorf("%s failed: %w", step.Desc, err)
		}
	}
	return "", nil
}

func (b *backend) Execute(ctx context.Context, item connector.ExecuteItem) (string, error) {
	sn, err := b.lookup(item.Deployment.Node.Name, item.Username)
	if err != nil {
		return "", err
	}
	cmd, err := b.launcher.StartCommand(item)
	if err != nil {
		return "", err
	}
	out, err := b.run(ctx, sn, cmd)
	if err != nil {
		return "", err
	}
	ctxlog.FromContext(ctx).WithField("Output", strings.TrimSpace(out)).Info("executor started")
	return "", nil
}

func (b *backend) Stop(ctx context.Context, item connector.StopItem) (string, error) {
	b.mtx.RLock()
	sn := b.nodes[item.Request.NodeName]
	b.mtx.RUnlock()
	if sn == nil {
		if item.Record != nil {
			return "", connector.ErrNodeMismatch
		}
		return "", connector.ErrUnknownExecutor
	}
	// Without a record, the host's own notes on the executor decide
	// who owns it.
	owner := ""
	if item.Record == nil {
		owner = item.Username
	}
	_, err := b.run(ctx, sn, b.launcher.StopCommand(item.Request.ExecutorID, owner))
	var cmdErr *sshexecutor.CommandError
	if !errors.As(err, &cmdErr) {
		return "", err
	}
	switch cmdErr.ExitStatus {
	case ExitNotFound:
		if item.Record != nil {
			return "", connector.ErrAlreadyStopped
		}
		return "", connector.ErrUnknownExecutor
	case ExitAlreadyStopped:
		return "", connector.ErrAlreadyStopped
	case ExitNotOwner:
		return "", connector.ErrNotOwner
	}
	return "", err
}

func (b *backend) Cleanup(ctx context.Context, experimentID string, dep unicorn.Deployment) error {
	b.mtx.RLock()
	sn := b.nodes[dep.Node.Name]
	b.mtx.RUnlock()
	if sn == nil {
		return nil
	}
	_, err := b.run(ctx, sn, b.launcher.CleanupCommand(experimentID, dep))
	return err
}
