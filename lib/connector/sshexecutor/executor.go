// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package sshexecutor runs shell commands on a node over a
// long-lived multiplexed SSH connection.
package sshexecutor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	ErrNoAddress = errors.New("node has no address")
	ErrClosed    = errors.New("executor is closed")
)

// A Target is a node that accepts SSH connections.
type Target interface {
	// SSH server host or host:port, or "" if not known yet.
	Address() string

	// Remote username to send during SSH authentication.
	RemoteUser() string

	// VerifyHostKey returns nil if key is the node's host key.
	// It is called with an established (but not yet used)
	// connection whenever the host key differs from the last
	// verified one.
	VerifyHostKey(key ssh.PublicKey, client *ssh.Client) error
}

// A DialError means the node could not be reached at all, as opposed
// to a command failing on it.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string { return fmt.Sprintf("connect to %s: %s", e.Addr, e.Err) }
func (e *DialError) Unwrap() error { return e.Err }

// A CommandError is returned by Output when the remote command exits
// non-zero.
type CommandError struct {
	Command    string
	ExitStatus int
	Stderr     string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited %d", e.Command, e.ExitStatus)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// New returns a new Executor for the given target.
func New(t Target) *Executor {
	return &Executor{target: t, DialTimeout: time.Minute}
}

// An Executor uses a multiplexed SSH connection to execute shell
// commands on a target. It reconnects automatically after errors.
//
// An Executor must not be copied.
type Executor struct {
	// Maximum time to wait for a new connection.
	DialTimeout time.Duration

	mtx        sync.RWMutex // protects target, targetPort, signers
	target     Target
	targetPort string
	signers    []ssh.Signer

	clientMtx sync.Mutex // protects client, hostKey, closed
	client    *ssh.Client
	hostKey   ssh.PublicKey // last key that passed verification
	closed    bool
}

// SetSigners updates the set of private keys that will be offered to
// the target next time the Executor sets up a new connection.
func (exr *Executor) SetSigners(signers ...ssh.Signer) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.signers = signers
}

// SetTarget sets the target used the next time a new connection is
// set up. The new target is assumed to be the same node, although
// its address and host key might differ.
func (exr *Executor) SetTarget(t Target) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.target = t
}

// SetTargetPort sets the port (name or number) to connect to when
// the target's address does not include one. The default is "ssh".
func (exr *Executor) SetTargetPort(port string) {
	exr.mtx.Lock()
	defer exr.mtx.Unlock()
	exr.targetPort = port
}

// Target returns the current target.
func (exr *Executor) Target() Target {
	exr.mtx.RLock()
	defer exr.mtx.RUnlock()
	return exr.target
}

// TargetHostPort returns the host and port the next connection will
// use, or "", "" if the target has no address.
func (exr *Executor) TargetHostPort() (string, string) {
	exr.mtx.RLock()
	defer exr.mtx.RUnlock()
	addr := exr.target.Address()
	if addr == "" {
		return "", ""
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil || p == "" {
		if h == "" {
			h = addr
		}
		if p = exr.targetPort; p == "" {
			p = "ssh"
		}
	}
	return h, p
}

// Execute runs cmd on the target with the given environment
// variables and returns its stdout and stderr. If ctx is cancelled
// before the command finishes, the remote command is sent SIGKILL,
// the session is closed, and ctx.Err() is returned.
//
// A non-zero exit status is reported as an *ssh.ExitError.
func (exr *Executor) Execute(ctx context.Context, env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	session, err := exr.newSession(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	for k, v := range env {
		if err := session.Setenv(k, v); err != nil {
			return nil, nil, fmt.Errorf("setenv %s: %w", k, err)
		}
	}
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	stop := context.AfterFunc(ctx, func() {
		session.Signal(ssh.SIGKILL)
		session.Close()
	})
	err = session.Run(cmd)
	if !stop() {
		return stdout.Bytes(), stderr.Bytes(), ctx.Err()
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// Output is like Execute, but returns a *CommandError (including the
// command's stderr) if the command exits non-zero.
func (exr *Executor) Output(ctx context.Context, env map[string]string, cmd string, stdin io.Reader) ([]byte, error) {
	stdout, stderr, err := exr.Execute(ctx, env, cmd, stdin)
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return stdout, &CommandError{Command: cmd, ExitStatus: exitErr.ExitStatus(), Stderr: string(stderr)}
	}
	return stdout, err
}

// Close shuts down the active connection, if any. Subsequent calls
// to Execute fail with ErrClosed.
func (exr *Executor) Close() {
	exr.clientMtx.Lock()
	defer exr.clientMtx.Unlock()
	if exr.client != nil {
		exr.client.Close()
	}
	exr.client = nil
	exr.closed = true
}

// newSession opens a session on the current connection. If that
// fails (or there is no connection yet), it connects again and
// retries once.
func (exr *Executor) newSession(ctx context.Context) (*ssh.Session, error) {
	client, err := exr.getClient(ctx, nil)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err == nil {
		return session, nil
	}
	client, err = exr.getClient(ctx, client)
	if err != nil {
		return nil, err
	}
	return client.NewSession()
}

// getClient returns the current connection, setting up a new one if
// there is none or the current one is stale.
func (exr *Executor) getClient(ctx context.Context, stale *ssh.Client) (*ssh.Client, error) {
	exr.clientMtx.Lock()
	defer exr.clientMtx.Unlock()
	if exr.closed {
		return nil, ErrClosed
	}
	if exr.client != nil && exr.client != stale {
		return exr.client, nil
	}
	client, err := exr.dial(ctx)
	if err != nil {
		return nil, err
	}
	if exr.client != nil {
		go exr.client.Close()
	}
	exr.client = client
	return client, nil
}

func (exr *Executor) dial(ctx context.Context) (*ssh.Client, error) {
	host, port := exr.TargetHostPort()
	if host == "" {
		return nil, ErrNoAddress
	}
	addr := net.JoinHostPort(host, port)
	exr.mtx.RLock()
	target, signers := exr.target, exr.signers
	exr.mtx.RUnlock()

	if exr.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, exr.DialTimeout)
		defer cancel()
	}
	tcpConn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &DialError{Addr: addr, Err: err}
	}
	// Abort the handshake if ctx is done before it finishes.
	stop := context.AfterFunc(ctx, func() { tcpConn.Close() })
	defer stop()

	var receivedKey ssh.PublicKey
	conn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, &ssh.ClientConfig{
		User: target.RemoteUser(),
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			receivedKey = key
			return nil
		},
	})
	if err != nil {
		tcpConn.Close()
		if ctx.Err() != nil {
			return nil, &DialError{Addr: addr, Err: ctx.Err()}
		}
		return nil, &DialError{Addr: addr, Err: err}
	}
	client := ssh.NewClient(conn, chans, reqs)
	if receivedKey == nil {
		client.Close()
		return nil, errors.New("BUG: key was never provided to HostKeyCallback")
	}
	if exr.hostKey == nil || !bytes.Equal(exr.hostKey.Marshal(), receivedKey.Marshal()) {
		if err := target.VerifyHostKey(receivedKey, client); err != nil {
			client.Close()
			return nil, err
		}
		exr.hostKey = receivedKey
	}
	return client, nil
}

// StaticTarget is a Target with a fixed address. If HostKey is nil,
// any host key is accepted.
type StaticTarget struct {
	Addr    string
	User    string
	HostKey ssh.PublicKey
}

func (t StaticTarget) Address() string    { return t.Addr }
func (t StaticTarget) RemoteUser() string { return t.User }

func (t StaticTarget) VerifyHostKey(key ssh.PublicKey, _ *ssh.Client) error {
	if t.HostKey == nil || bytes.Equal(t.HostKey.Marshal(), key.Marshal()) {
		return nil
	}
	return fmt.Errorf("host key mismatch for %s: got %s, expected %s", t.Addr, ssh.FingerprintSHA256(key), ssh.FingerprintSHA256(t.HostKey))
}
