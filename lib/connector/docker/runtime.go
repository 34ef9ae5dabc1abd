// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/netunicorn/netunicorn-connector/lib/connector"
)

// runtime is the subset of the docker API used by the backend, one
// per node. Methods report a daemon that can't be reached with an
// error wrapping connector.ErrUnreachableNode.
type runtime interface {
	Ping(ctx context.Context) error
	Info(ctx context.Context) (runtimeInfo, error)

	// ImageSize returns the size of the image, or found=false if
	// the image is not present.
	ImageSize(ctx context.Context, ref string) (size int64, found bool, err error)
	ImagePull(ctx context.Context, ref, registryAuth string) error
	// ImageRemove succeeds if the image doesn't exist or is still
	// in use.
	ImageRemove(ctx context.Context, ref string) error

	ContainerCreate(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig) (string, error)
	ContainerStart(ctx context.Context, id string) error
	// ContainerStop returns errNoSuchContainer if the container
	// doesn't exist.
	ContainerStop(ctx context.Context, id string, timeoutSeconds int) error
	// ContainerRemove force-removes a container. It succeeds if
	// the container doesn't exist.
	ContainerRemove(ctx context.Context, id string) error
	ContainersByLabel(ctx context.Context, labels map[string]string) ([]containerSummary, error)

	Close() error
}

type runtimeInfo struct {
	NCPU         int
	MemTotal     int64
	OSType       string
	Architecture string
	Version      string
}

type containerSummary struct {
	ID     string
	Names  []string
	State  string
	Labels map[string]string
}

var errNoSuchContainer = errors.New("no such container")

// dockerRuntime implements runtime using the docker client.
type dockerRuntime struct {
	host string
	cli  *dockerclient.Client
}

func newDockerRuntime(host string) (runtime, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &dockerRuntime{host: cli.DaemonHost(), cli: cli}, nil
}

// classify wraps connection failures with ErrUnreachableNode.
func (rt *dockerRuntime) classify(err error) error {
	if err != nil && dockerclient.IsErrConnectionFailed(err) {
		return fmt.Errorf("docker daemon at %s: %s: %w", rt.host, err, connector.ErrUnreachableNode)
	}
	return err
}

func (rt *dockerRuntime) Ping(ctx context.Context) error {
	_, err := rt.cli.Ping(ctx)
	return rt.classify(err)
}

func (rt *dockerRuntime) Info(ctx context.Context) (runtimeInfo, error) {
	info, err := rt.cli.Info(ctx)
	if err != nil {
		return runtimeInfo{}, rt.classify(err)
	}
	return runtimeInfo{
		NCPU:         info.NCPU,
		MemTotal:     info.MemTotal,
		OSType:       info.OSType,
		Architecture: info.Architecture,
		Version:      info.ServerVersion,
	}, nil
}

func (rt *dockerRuntime) ImageSize(ctx context.Context, ref string) (int64, bool, error) {
	inspect, _, err := rt.cli.ImageInspectWithRaw(ctx, ref)
	if errdefs.IsNotFound(err) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, rt.classify(err)
	}
	return inspect.Size, true, nil
}

// pullMessage is the part of a pull progress message we care about.
type pullMessage struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (rt *dockerRuntime) ImagePull(ctx context.Context, ref, registryAuth string) error {
	rdr, err := rt.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: registryAuth})
	if err != nil {
		return rt.classify(err)
	}
	defer rdr.Close()
	// The pull isn't finished (and errors aren't reported) until
	// the progress stream ends.
	dec := json.NewDecoder(rdr)
	for {
		var msg pullMessage
		err := dec.Decode(&msg)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
	}
}

func (rt *dockerRuntime) ImageRemove(ctx context.Context, ref string) error {
	_, err := rt.cli.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return rt.classify(err)
}

func (rt *dockerRuntime) ContainerCreate(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig) (string, error) {
	resp, err := rt.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", rt.classify(err)
	}
	return resp.ID, nil
}

func (rt *dockerRuntime) ContainerStart(ctx context.Context, id string) error {
	return rt.classify(rt.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (rt *dockerRuntime) ContainerStop(ctx context.Context, id string, timeoutSeconds int) error {
	err := rt.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSeconds})
	if errdefs.IsNotFound(err) {
		return errNoSuchContainer
	}
	return rt.classify(err)
}

func (rt *dockerRuntime) ContainerRemove(ctx context.Context, id string) error {
	err := rt.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return rt.classify(err)
}

func (rt *dockerRuntime) ContainersByLabel(ctx context.Context, labels map[string]string) ([]containerSummary, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := rt.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, rt.classify(err)
	}
	var out []containerSummary
	for _, ctr := range list {
		names := make([]string, len(ctr.Names))
		for i, name := range ctr.Names {
			names[i] = strings.TrimPrefix(name, "/")
		}
		out = append(out, containerSummary{ID: ctr.ID, Names: names, State: ctr.State, Labels: ctr.Labels})
	}
	return out, nil
}

func (rt *dockerRuntime) Close() error {
	return rt.cli.Close()
}
