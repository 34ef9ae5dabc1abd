// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package docker implements a connector backend that runs executors
// as containers on one or more docker daemons, one node per daemon.
//
// Recognized context keys:
//
//	auth context       registry_auth  base64 docker auth config for pulls
//	execution context  network        container network mode
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru"
	"github.com/netunicorn/netunicorn-connector/lib/config"
	"github.com/netunicorn/netunicorn-connector/lib/connector"
	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Container labels.
const (
	LabelExecutor   = "netunicorn.executor"
	LabelExperiment = "netunicorn.experiment"
	LabelUsername   = "netunicorn.username"
	LabelNode       = "netunicorn.node"
	LabelConnector  = "netunicorn.connector"
)

// NodeConfig is one docker daemon offered as a node.
type NodeConfig struct {
	Name string
	// Daemon address, e.g., "unix:///var/run/docker.sock" or
	// "tcp://10.0.0.2:2376". Empty means DOCKER_HOST or the
	// default socket.
	Host         string
	Architecture unicorn.Architecture
	Properties   unicorn.Properties
	// Users allowed to see and use this node. Empty means
	// everybody.
	AllowedUsers []string
}

// Params are the driver parameters. A non-empty initialize body is
// decoded the same way and merged over them.
type Params struct {
	Nodes          []NodeConfig
	PullTimeout    config.Duration
	StopTimeout    config.Duration
	ImageCacheSize int
	// Default network mode for containers.
	Network string
}

func (p *Params) setDefaults() {
	if len(p.Nodes) == 0 {
		p.Nodes = []NodeConfig{{Name: "local"}}
	}
	if p.PullTimeout == 0 {
		p.PullTimeout = config.Duration(15 * time.Minute)
	}
	if p.StopTimeout == 0 {
		p.StopTimeout = config.Duration(10 * time.Second)
	}
	if p.ImageCacheSize <= 0 {
		p.ImageCacheSize = 256
	}
}

// Driver builds docker backends.
var Driver = connector.DriverFunc(func(params json.RawMessage, opts connector.DriverOptions) (connector.Backend, error) {
	return newBackend(params, opts, newDockerRuntime)
})

type dockerNode struct {
	NodeConfig
	node unicorn.Node
	rt   runtime
}

func (dn *dockerNode) allows(username string) bool {
	if len(dn.AllowedUsers) == 0 {
		return true
	}
	for _, u := range dn.AllowedUsers {
		if u == username {
			return true
		}
	}
	return false
}

type backend struct {
	name       string
	configured Params
	logger     logrus.FieldLogger
	newRuntime func(host string) (runtime, error)
	mPulls     *prometheus.CounterVec

	mtx    sync.RWMutex
	params Params
	nodes  map[string]*dockerNode
	order  []string
	images *lru.Cache // node+" "+image -> size, for images known to be present

	refsMtx sync.Mutex
	refs    map[string]map[string]bool // node+" "+image -> experiment+" "+executor
}

func newBackend(params json.RawMessage, opts connector.DriverOptions, newRuntime func(string) (runtime, error)) (*backend, error) {
	b := &backend{
		name:       opts.Name,
		logger:     opts.Logger,
		newRuntime: newRuntime,
		refs:       map[string]map[string]bool{},
	}
	if b.logger == nil {
		b.logger = logrus.StandardLogger()
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &b.configured); err != nil {
			return nil, fmt.Errorf("error decoding docker driver parameters: %w", err)
		}
	}
	b.mPulls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netunicorn",
		Subsystem: "docker",
		Name:      "image_pulls_total",
		Help:      "Number of image pulls, by outcome.",
	}, []string{"outcome"})
	if opts.Registry != nil {
		if err := opts.Registry.Register(b.mPulls); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *backend) Initialize(ctx context.Context, body json.RawMessage) error {
	p := b.configured
	if len(body) > 0 && string(body) != "null" {
		var override Params
		if err := json.Unmarshal(body, &override); err != nil {
			return unicorn.Validationf("error decoding initialize parameters: %s", err)
		}
		if err := mergo.Merge(&p, override, mergo.WithOverride); err != nil {
			return err
		}
	}
	p.setDefaults()
	images, err := lru.New(p.ImageCacheSize)
	if err != nil {
		return err
	}
	nodes := map[string]*dockerNode{}
	var order []string
	closeAll := func() {
		for _, dn := range nodes {
			dn.rt.Close()
		}
	}
	for _, nc := range p.Nodes {
		if nc.Name == "" {
			closeAll()
			return unicorn.Validationf("docker node with host %q has no name", nc.Host)
		} else if nodes[nc.Name] != nil {
			closeAll()
			return unicorn.Validationf("duplicate docker node name %q", nc.Name)
		}
		rt, err := b.newRuntime(nc.Host)
		if err != nil {
			closeAll()
			return fmt.Errorf("node %s: %w", nc.Name, err)
		}
		dn := &dockerNode{NodeConfig: nc, rt: rt}
		dn.node = b.describe(ctx, dn)
		nodes[nc.Name] = dn
		order = append(order, nc.Name)
	}

	b.mtx.Lock()
	old := b.nodes
	b.params, b.nodes, b.order, b.images = p, nodes, order, images
	b.mtx.Unlock()
	for _, dn := range old {
		dn.rt.Close()
	}
	return nil
}

// describe returns the node as offered to users. Missing properties
// and architecture are filled in from the daemon, if it can be
// reached.
func (b *backend) describe(ctx context.Context, dn *dockerNode) unicorn.Node {
	node := unicorn.Node{
		Name:         dn.Name,
		Architecture: dn.Architecture,
		Properties:   unicorn.Properties{},
	}
	for k, v := range dn.Properties {
		node.Properties[k] = v
	}
	if len(dn.Properties) > 0 && dn.Architecture != "" {
		return node
	}
	logger := b.logger.WithField("Node", dn.Name)
	info, err := dn.rt.Info(ctx)
	if err != nil {
		logger.WithError(err).Warn("could not get docker info, node properties are incomplete")
		if node.Architecture == "" {
			node.Architecture = unicorn.UnknownArchitecture
		}
		return node
	}
	logger.WithFields(logrus.Fields{
		"NCPU":          info.NCPU,
		"MemTotal":      humanize.IBytes(uint64(info.MemTotal)),
		"DockerVersion": info.Version,
	}).Info("docker daemon info")
	if len(dn.Properties) == 0 {
		node.Properties["cpu"] = unicorn.Number(float64(info.NCPU))
		node.Properties["memory"] = unicorn.Number(math.Round(float64(info.MemTotal)/(1<<30)*100) / 100)
	}
	if node.Architecture == "" {
		node.Architecture = architecture(info.OSType, info.Architecture)
	}
	return node
}

// architecture converts the daemon's OS type and (uname-style)
// machine name.
func architecture(ostype, machine string) unicorn.Architecture {
	if ostype != "linux" {
		return unicorn.UnknownArchitecture
	}
	switch machine {
	case "x86_64", "amd64":
		return unicorn.LinuxAMD64
	case "aarch64", "arm64":
		return unicorn.LinuxARM64
	default:
		return unicorn.UnknownArchitecture
	}
}

func (b *backend) Health(ctx context.Context) error {
	b.mtx.RLock()
	order, nodes := b.order, b.nodes
	b.mtx.RUnlock()
	var errs []error
	for _, name := range order {
		if err := nodes[name].rt.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (b *backend) Shutdown(ctx context.Context) error {
	b.mtx.Lock()
	nodes := b.nodes
	b.nodes, b.order = nil, nil
	b.mtx.Unlock()
	var errs []error
	for name, dn := range nodes {
		if err := dn.rt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", name, err))
		}
	}
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
		if dn := b.nodes[name]; dn.allows(username) {
			pool.Nodes = append(pool.Nodes, dn.node)
		}
	}
	return pool, nil
}

// lookup returns the named node if username may use it.
func (b *backend) lookup(name, username string) (*dockerNode, error) {
	b.mtx.RLock()
	dn := b.nodes[name]
	b.mtx.RUnlock()
	if dn == nil {
		return nil, fmt.Errorf("node %q is not managed by this connector: %w", name, connector.ErrUnreachableNode)
	} else if !dn.allows(username) {
		return nil, fmt.Errorf("node %q is not available to user %q", name, username)
	}
	return dn, nil
}

func (b *backend) Deploy(ctx context.Context, item connector.DeployItem) (string, error) {
	dn, err := b.lookup(item.Deployment.Node.Name, item.Username)
	if err != nil {
		return "", err
	}
	return unicorn.VisitEnvironment[string](item.Deployment.EnvironmentDefinition, deployer{b: b, ctx: ctx, dn: dn, item: item})
}

type deployer struct {
	b    *backend
	ctx  context.Context
	dn   *dockerNode
	item connector.DeployItem
}

func (d deployer) ShellExecution(unicorn.ShellExecution) (string, error) {
	return "", errors.New("unsupported environment: ShellExecution")
}

// DockerImage makes sure the image is present on the node, pulling
// it if needed.
func (d deployer) DockerImage(env unicorn.DockerImage) (string, error) {
	b, ctx, rt := d.b, d.ctx, d.dn.rt
	logger := ctxlog.FromContext(ctx).WithField("Image", env.Image)
	key := d.dn.Name + " " + env.Image
	b.mtx.RLock()
	images, pullTimeout := b.images, b.params.PullTimeout.Duration()
	b.mtx.RUnlock()
	if images.Contains(key) {
		logger.Debug("image recently verified")
		return "", nil
	}
	size, found, err := rt.ImageSize(ctx, env.Image)
	if err != nil {
		return "", fmt.Errorf("inspect image %s: %w", env.Image, err)
	}
	if !found {
		logger.Info("pulling image")
		t0 := time.Now()
		pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
		err := rt.ImagePull(pullCtx, env.Image, d.item.Auth.Get("registry_auth"))
		cancel()
		if err != nil {
			b.mPulls.WithLabelValues("fail").Inc()
			return "", fmt.Errorf("pull %s: %w", env.Image, err)
		}
		b.mPulls.WithLabelValues("success").Inc()
		size, found, err = rt.ImageSize(ctx, env.Image)
		if err != nil {
			return "", fmt.Errorf("inspect image %s: %w", env.Image, err)
		} else if !found {
			return "", fmt.Errorf("image %s is missing after pull", env.Image)
		}
		logger = logger.WithField("PullTime", time.Since(t0).Round(time.Millisecond).String())
	}
	logger.WithField("Size", humanize.IBytes(uint64(size))).Info("image is present")
	images.Add(key, size)
	b.addImageRef(d.dn.Name, env.Image, d.item.ExperimentID, d.item.Deployment.ExecutorID)
	return "", nil
}

// addImageRef records that a deployment uses image on node.
func (b *backend) addImageRef(node, image, experimentID, executorID string) {
	b.refsMtx.Lock()
	defer b.refsMtx.Unlock()
	key := node + " " + image
	if b.refs[key] == nil {
		b.refs[key] = map[string]bool{}
	}
	b.refs[key][experimentID+" "+executorID] = true
}

// dropImageRef forgets one deployment's use of image on node and
// reports whether other deployments still use it.
func (b *backend) dropImageRef(node, image, experimentID, executorID string) bool {
	b.refsMtx.Lock()
	defer b.refsMtx.Unlock()
	key := node + " " + image
	delete(b.refs[key], experimentID+" "+executorID)
	if len(b.refs[key]) > 0 {
		return true
	}
	delete(b.refs, key)
	return false
}

// imageName finds the docker image an environment runs in, or ""
// if it doesn't use one.
type imageName struct{}

func (imageName) DockerImage(env unicorn.DockerImage) (string, error) { return env.Image, nil }
func (imageName) ShellExecution(unicorn.ShellExecution) (string, error) {
	return "", nil
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// containerName returns a valid container name for the executor.
func containerName(executorID string) string {
	return "netunicorn-" + invalidNameChars.ReplaceAllString(executorID, "-")
}

// findContainer returns the container running the given executor
// on dn, or nil if there is none.
func (b *backend) findContainer(ctx context.Context, dn *dockerNode, executorID string) (*containerSummary, error) {
	ctrs, err := dn.rt.ContainersByLabel(ctx, map[string]string{LabelExecutor: executorID})
	if err != nil {
		return nil, err
	}
	for _, ctr := range ctrs {
		if ctr.Labels[LabelConnector] == b.name {
			return &ctr, nil
		}
	}
	return nil, nil
}

func (b *backend) Execute(ctx context.Context, item connector.ExecuteItem) (string, error) {
	dn, err := b.lookup(item.Deployment.Node.Name, item.Username)
	if err != nil {
		return "", err
	}
	return unicorn.VisitEnvironment[string](item.Deployment.EnvironmentDefinition, executor{b: b, ctx: ctx, dn: dn, item: item})
}

type executor struct {
	b    *backend
	ctx  context.Context
	dn   *dockerNode
	item connector.ExecuteItem
}

func (x executor) ShellExecution(unicorn.ShellExecution) (string, error) {
	return "", errors.New("unsupported environment: ShellExecution")
}

// DockerImage starts the executor container, replacing a stopped
// one left from an earlier run.
func (x executor) DockerImage(env unicorn.DockerImage) (string, error) {
	b, ctx, dn, item := x.b, x.ctx, x.dn, x.item
	logger := ctxlog.FromContext(ctx)
	old, err := b.findContainer(ctx, dn, item.Deployment.ExecutorID)
	if err != nil {
		return "", err
	} else if old != nil && old.State == "running" {
		return "", fmt.Errorf("executor %s is already running", item.Deployment.ExecutorID)
	} else if old != nil {
		logger.WithField("ContainerID", old.ID).Info("removing old container")
		if err := dn.rt.ContainerRemove(ctx, old.ID); err != nil {
			return "", fmt.Errorf("remove old container: %w", err)
		}
	}

	cfg, hostCfg, err := b.containerConfig(item, env)
	if err != nil {
		return "", err
	}
	id, err := dn.rt.ContainerCreate(ctx, containerName(item.Deployment.ExecutorID), cfg, hostCfg)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	logger = logger.WithField("ContainerID", id)
	if err := dn.rt.ContainerStart(ctx, id); err != nil {
		if err := dn.rt.ContainerRemove(context.WithoutCancel(ctx), id); err != nil {
			logger.WithError(err).Warn("error removing container after failed start")
		}
		return "", fmt.Errorf("start container: %w", err)
	}
	logger.Info("container started")
	b.addImageRef(dn.Name, env.Image, item.ExperimentID, item.Deployment.ExecutorID)
	return "", nil
}

func (b *backend) containerConfig(item connector.ExecuteItem, env unicorn.DockerImage) (*container.Config, *container.HostConfig, error) {
	var envList []string
	for k, v := range item.Env {
		envList = append(envList, k+"="+v)
	}
	sort.Strings(envList)
	cfg := &container.Config{
		Image: env.Image,
		Env:   envList,
		Cmd:   env.RuntimeContext.AdditionalArguments,
		Labels: map[string]string{
			LabelExecutor:   item.Deployment.ExecutorID,
			LabelExperiment: item.ExperimentID,
			LabelUsername:   item.Username,
			LabelNode:       item.Deployment.Node.Name,
			LabelConnector:  b.name,
		},
	}
	b.mtx.RLock()
	network := b.params.Network
	b.mtx.RUnlock()
	if n := item.Context.Get("network"); n != "" {
		network = n
	}
	hostCfg := &container.HostConfig{NetworkMode: container.NetworkMode(network)}
	if len(env.RuntimeContext.PortsMapping) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		hostCfg.PortBindings = nat.PortMap{}
		for hostPort, ctrPort := range env.RuntimeContext.PortsMapping {
			port, err := nat.NewPort("tcp", strconv.Itoa(ctrPort))
			if err != nil {
				return nil, nil, fmt.Errorf("invalid port mapping %d:%d: %w", hostPort, ctrPort, err)
			}
			cfg.ExposedPorts[port] = struct{}{}
			hostCfg.PortBindings[port] = append(hostCfg.PortBindings[port], nat.PortBinding{HostPort: strconv.Itoa(hostPort)})
		}
	}
	return cfg, hostCfg, nil
}

func (b *backend) Stop(ctx context.Context, item connector.StopItem) (string, error) {
	b.mtx.RLock()
	dn := b.nodes[item.Request.NodeName]
	timeout := b.params.StopTimeout.Duration()
	b.mtx.RUnlock()
	if dn == nil {
		if item.Record != nil {
			return "", connector.ErrNodeMismatch
		}
		return "", connector.ErrUnknownExecutor
	}
	ctr, err := b.findContainer(ctx, dn, item.Request.ExecutorID)
	if err != nil {
		return "", err
	} else if ctr == nil {
		return "", connector.ErrUnknownExecutor
	} else if ctr.Labels[LabelNode] != item.Request.NodeName {
		return "", connector.ErrNodeMismatch
	} else if item.Record == nil && ctr.Labels[LabelUsername] != item.Username {
		return "", connector.ErrNotOwner
	} else if ctr.State != "running" {
		return "", connector.ErrAlreadyStopped
	}
	err = dn.rt.ContainerStop(ctx, ctr.ID, int(timeout/time.Second))
	if errors.Is(err, errNoSuchContainer) {
		return "", connector.ErrUnknownExecutor
	} else if err != nil {
		return "", fmt.Errorf("stop container %s: %w", ctr.ID, err)
	}
	ctxlog.FromContext(ctx).WithField("ContainerID", ctr.ID).Info("container stopped")
	return "", nil
}

func (b *backend) Cleanup(ctx context.Context, experimentID string, dep unicorn.Deployment) error {
	b.mtx.RLock()
	dn := b.nodes[dep.Node.Name]
	images := b.images
	b.mtx.RUnlock()
	if dn == nil {
		return nil
	}
	ctrs, err := dn.rt.ContainersByLabel(ctx, map[string]string{
		LabelExecutor:   dep.ExecutorID,
		LabelExperiment: experimentID,
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, ctr := range ctrs {
		if ctr.Labels[LabelConnector] != b.name {
			continue
		}
		if err := dn.rt.ContainerRemove(ctx, ctr.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove container %s: %w", ctr.ID, err))
		}
	}
	// An invalid environment has no image to remove.
	image, _ := unicorn.VisitEnvironment[string](dep.EnvironmentDefinition, imageName{})
	switch {
	case image == "":
	case b.dropImageRef(dn.Name, image, experimentID, dep.ExecutorID):
		ctxlog.FromContext(ctx).WithField("Image", image).Debug("image is still used by other deployments")
	default:
		images.Remove(dn.Name + " " + image)
		if err := dn.rt.ImageRemove(ctx, image); err != nil {
			errs = append(errs, fmt.Errorf("remove image %s: %w", image, err))
		}
	}
	return errors.Join(errs...)
}
