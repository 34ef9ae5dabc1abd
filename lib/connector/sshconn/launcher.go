// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package sshconn

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/netunicorn/netunicorn-connector/lib/connector"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
)

// Exit statuses of StopCommand.
const (
	// No such executor on the host.
	ExitNotFound = 3
	// The executor's process or container is not running.
	ExitAlreadyStopped = 4
	// The executor was started for another user.
	ExitNotOwner = 5
)

// A Launcher builds the shell commands that prepare a host, and
// start, stop and clean up executors on it.
type Launcher struct {
	// Connector name, used as a container label.
	Connector       string
	InstallCommand  string
	ExecutorCommand string
	// Parent directory for per-experiment directories and pid
	// files.
	WorkDir string
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func safeName(s string) string {
	return unsafeChars.ReplaceAllString(s, "-")
}

func shellescape(s string) string {
	return "'" + strings.Replace(s, "'", "'\\''", -1) + "'"
}

// envPrefix returns "env K=V ... " (or "" if vars is empty) to
// prepend to a command.
func envPrefix(vars map[string]string) string {
	if len(vars) == 0 {
		return ""
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cmd := "env"
	for _, k := range keys {
		cmd += " " + shellescape(k+"="+vars[k])
	}
	return cmd + " "
}

// ContainerName returns the name of the executor's container.
func ContainerName(executorID string) string {
	return "netunicorn-" + safeName(executorID)
}

func (l Launcher) experimentDir(experimentID string) string {
	return path.Join(l.WorkDir, "experiment-"+safeName(experimentID))
}

func (l Launcher) pidFile(executorID string) string {
	return path.Join(l.WorkDir, "pids", safeName(executorID)+".pid")
}

// ownerFile holds the name of the user a native executor was started
// for.
func (l Launcher) ownerFile(executorID string) string {
	return path.Join(l.WorkDir, "pids", safeName(executorID)+".owner")
}

// A PrepareStep is one command of a host's preparation.
type PrepareStep struct {
	// e.g., "command 2"
	Desc    string
	Command string
}

// PrepareSteps returns the commands that prepare a host for the
// environment, to be run in order until one fails. ShellExecution
// commands run in the experiment directory with the environment's
// variables.
func (l Launcher) PrepareSteps(experimentID string, env unicorn.EnvironmentDefinition) ([]PrepareStep, error) {
	return unicorn.VisitEnvironment[[]PrepareStep](env, preparer{l: l, experimentID: experimentID})
}

type preparer struct {
	l            Launcher
	experimentID string
}

func (p preparer) DockerImage(env unicorn.DockerImage) ([]PrepareStep, error) {
	return []PrepareStep{{Desc: "pull " + env.Image, Command: "docker pull --quiet " + shellescape(env.Image)}}, nil
}

func (p preparer) ShellExecution(env unicorn.ShellExecution) ([]PrepareStep, error) {
	for i, cmd := range env.Commands {
		if _, err := shlex.Split(cmd); err != nil {
			return nil, fmt.Errorf("command %d (%q) cannot be parsed: %w", i, cmd, err)
		}
	}
	dir := shellescape(p.l.experimentDir(p.experimentID))
	prefix := "mkdir -p " + dir + " && cd " + dir + " && " + envPrefix(env.RuntimeContext.EnvironmentVariables)
	steps := []PrepareStep{{Desc: "install command", Command: prefix + p.l.InstallCommand}}
	for i, cmd := range env.Commands {
		steps = append(steps, PrepareStep{Desc: fmt.Sprintf("command %d", i), Command: prefix + "sh -c " + shellescape(cmd)})
	}
	return steps, nil
}

// StartCommand returns a command that starts the executor in the
// background and exits.
func (l Launcher) StartCommand(item connector.ExecuteItem) (string, error) {
	return unicorn.VisitEnvironment[string](item.Deployment.EnvironmentDefinition, starter{l: l, item: item})
}

type starter struct {
	l    Launcher
	item connector.ExecuteItem
}

func (st starter) ShellExecution(env unicorn.ShellExecution) (string, error) {
	return st.l.nativeCommand(st.item, env), nil
}

func (st starter) DockerImage(env unicorn.DockerImage) (string, error) {
	return st.l.dockerRunCommand(st.item, env), nil
}

// nativeCommand starts the executor with nohup and records its pid.
func (l Launcher) nativeCommand(item connector.ExecuteItem, env unicorn.ShellExecution) string {
	dir := l.experimentDir(item.ExperimentID)
	pidFile := l.pidFile(item.Deployment.ExecutorID)
	ownerFile := l.ownerFile(item.Deployment.ExecutorID)
	logFile := path.Join(dir, safeName(item.Deployment.ExecutorID)+".log")
	exe := l.ExecutorCommand
	for _, arg := range env.RuntimeContext.AdditionalArguments {
		exe += " " + shellescape(arg)
	}
	return strings.Join([]string{
		fmt.Sprintf("mkdir -p %s %s && cd %s || exit 1", shellescape(dir), shellescape(path.Dir(pidFile)), shellescape(dir)),
		fmt.Sprintf("if [ -f %s ] && kill -0 \"$(cat %s)\" 2>/dev/null; then echo executor is already running >&2; exit 1; fi", shellescape(pidFile), shellescape(pidFile)),
		fmt.Sprintf("printf '%%s\\n' %s >%s || exit 1", shellescape(item.Username), shellescape(ownerFile)),
		fmt.Sprintf("%snohup %s >%s 2>&1 </dev/null &", envPrefix(item.Env), exe, shellescape(logFile)),
		fmt.Sprintf("echo $! >%s", shellescape(pidFile)),
		fmt.Sprintf("cat %s", shellescape(pidFile)),
	}, "\n")
}

func (l Launcher) dockerRunCommand(item connector.ExecuteItem, env unicorn.DockerImage) string {
	args := []string{"docker", "run", "--detach",
		"--name", ContainerName(item.Deployment.ExecutorID),
		"--label", "netunicorn.executor=" + item.Deployment.ExecutorID,
		"--label", "netunicorn.experiment=" + item.ExperimentID,
		"--label", "netunicorn.username=" + item.Username,
		"--label", "netunicorn.node=" + item.Deployment.Node.Name,
		"--label", "netunicorn.connector=" + l.Connector,
	}
	if network := item.Context.Get("network"); network != "" {
		args = append(args, "--network", network)
	}
	var envKeys []string
	for k := range item.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		args = append(args, "--env", k+"="+item.Env[k])
	}
	var hostPorts []int
	for hp := range env.RuntimeContext.PortsMapping {
		hostPorts = append(hostPorts, hp)
	}
	sort.Ints(hostPorts)
	for _, hp := range hostPorts {
		args = append(args, "--publish", strconv.Itoa(hp)+":"+strconv.Itoa(env.RuntimeContext.PortsMapping[hp]))
	}
	args = append(args, env.Image)
	args = append(args, env.RuntimeContext.AdditionalArguments...)
	for i, arg := range args {
		args[i] = shellescape(arg)
	}
	return strings.Join(args, " ")
}

// StopCommand returns a command that stops the executor, whichever
// way it was started. If owner is not empty, the executor must have
// been started for that user. The pid file stays until cleanup, so
// stopping again exits ExitAlreadyStopped.
func (l Launcher) StopCommand(executorID, owner string) string {
	pidFile := shellescape(l.pidFile(executorID))
	ownerFile := shellescape(l.ownerFile(executorID))
	name := shellescape(ContainerName(executorID))
	owner = shellescape(owner)
	return strings.Join([]string{
		fmt.Sprintf("if [ -f %s ]; then", pidFile),
		fmt.Sprintf("  if [ -n %s ] && [ \"$(cat %s 2>/dev/null)\" != %s ]; then exit %d; fi", owner, ownerFile, owner, ExitNotOwner),
		fmt.Sprintf("  kill -0 \"$(cat %s)\" 2>/dev/null || exit %d", pidFile, ExitAlreadyStopped),
		fmt.Sprintf("  kill \"$(cat %s)\"", pidFile),
		fmt.Sprintf("elif info=$(docker inspect --format '{{.State.Running}} {{index .Config.Labels \"netunicorn.username\"}}' %s 2>/dev/null); then", name),
		fmt.Sprintf("  if [ -n %s ] && [ \"${info#* }\" != %s ]; then exit %d; fi", owner, owner, ExitNotOwner),
		fmt.Sprintf("  [ \"${info%%%% *}\" = true ] || exit %d", ExitAlreadyStopped),
		fmt.Sprintf("  docker stop %s >/dev/null", name),
		"else",
		fmt.Sprintf("  exit %d", ExitNotFound),
		"fi",
	}, "\n")
}

// CleanupCommand returns a command that kills the executor and
// removes everything the deployment left on the host. It succeeds if
// there is nothing to remove.
func (l Launcher) CleanupCommand(experimentID string, dep unicorn.Deployment) string {
	pidFile := shellescape(l.pidFile(dep.ExecutorID))
	cmd := fmt.Sprintf("if [ -f %s ]; then kill \"$(cat %s)\" 2>/dev/null; rm -f %s; fi; rm -f %s; rm -rf %s",
		pidFile, pidFile, pidFile, shellescape(l.ownerFile(dep.ExecutorID)), shellescape(l.experimentDir(experimentID)))
	// An invalid environment has no container or image to remove.
	if image, _ := unicorn.VisitEnvironment[string](dep.EnvironmentDefinition, dockerImageOf{}); image != "" {
		cmd += fmt.Sprintf("; docker rm --force %s >/dev/null 2>&1; docker rmi %s >/dev/null 2>&1; true",
			shellescape(ContainerName(dep.ExecutorID)), shellescape(image))
	}
	return cmd
}

// dockerImageOf finds the image a docker environment runs in.
type dockerImageOf struct{}

func (dockerImageOf) DockerImage(env unicorn.DockerImage) (string, error) { return env.Image, nil }
func (dockerImageOf) ShellExecution(unicorn.ShellExecution) (string, error) {
	return "", nil
}
