// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package connectortest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// NewTestKey generates an ed25519 key pair. It returns the signer
// and the PEM encoding of the private key, which is what backends
// accept in their PrivateKey parameter.
func NewTestKey(c *check.C) (ssh.Signer, []byte) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	signer, err := ssh.NewSignerFromKey(priv)
	c.Assert(err, check.IsNil)
	block, err := ssh.MarshalPrivateKey(priv, "connectortest")
	c.Assert(err, check.IsNil)
	return signer, pem.EncodeToMemory(block)
}

// An SSHExecFunc handles an "exec" session on a node. The return
// value is the command's exit status.
type SSHExecFunc func(env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32

// An SSHService is a fake node: it accepts SSH connections on a free
// local port and passes "exec" sessions to Exec.
type SSHService struct {
	Exec           SSHExecFunc
	HostKey        ssh.Signer
	AuthorizedUser string
	AuthorizedKeys []ssh.PublicKey
	Logger         logrus.FieldLogger

	listener net.Listener
	setup    sync.Once
	mtx      sync.Mutex
	started  chan bool
	closed   bool
	err      error
	commands []string
}

// Address returns the host:port where the server is listening, or
// "" if it failed to start.
func (ss *SSHService) Address() string {
	ss.Start()
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if ss.listener == nil {
		return ""
	}
	return ss.listener.Addr().String()
}

// RemoteUser returns the username that will be accepted.
func (ss *SSHService) RemoteUser() string {
	return ss.AuthorizedUser
}

// Commands returns the commands executed so far, in order.
func (ss *SSHService) Commands() []string {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	return append([]string(nil), ss.commands...)
}

// Close stops accepting connections. Established connections are
// unaffected.
func (ss *SSHService) Close() {
	ss.Start()
	ss.mtx.Lock()
	ln := ss.listener
	ss.closed = true
	ss.mtx.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// Start returns when the server is ready to accept connections.
func (ss *SSHService) Start() error {
	ss.setup.Do(func() {
		ss.started = make(chan bool)
		go ss.run()
	})
	<-ss.started
	return ss.err
}

func (ss *SSHService) logger() logrus.FieldLogger {
	if ss.Logger == nil {
		return logrus.StandardLogger()
	}
	return ss.Logger
}

func (ss *SSHService) run() {
	defer close(ss.started)
	if ss.HostKey == nil {
		ss.err = errors.New("SSHService has no HostKey")
		return
	}
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if ss.AuthorizedUser != "" && c.User() != ss.AuthorizedUser {
				return nil, fmt.Errorf("user %q not accepted", c.User())
			}
			for _, ak := range ss.AuthorizedKeys {
				if bytes.Equal(ak.Marshal(), pubKey.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	config.AddHostKey(ss.HostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		ss.err = err
		return
	}
	ss.mtx.Lock()
	ss.listener = listener
	ss.mtx.Unlock()

	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil {
				ss.mtx.Lock()
				closed := ss.closed
				ss.mtx.Unlock()
				if !closed {
					ss.logger().WithError(err).Warn("accept failed")
				}
				return
			}
			go ss.serveConn(nConn, config)
		}
	}()
}

func (ss *SSHService) serveConn(nConn net.Conn, config *ssh.ServerConfig) {
	defer nConn.Close()
	conn, newchans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		ss.logger().WithError(err).Info("ssh handshake failed")
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newch := range newchans {
		if newch.ChannelType() != "session" {
			newch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, reqs, err := newch.Accept()
		if err != nil {
			ss.logger().WithError(err).Info("accept channel failed")
			return
		}
		go ss.serveSession(ch, reqs)
	}
}

func (ss *SSHService) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	didExec := false
	env := map[string]string{}
	for req := range reqs {
		switch {
		case didExec:
			req.Reply(false, nil)
		case req.Type == "env":
			var envReq struct {
				Name  string
				Value string
			}
			ssh.Unmarshal(req.Payload, &envReq)
			env[envReq.Name] = envReq.Value
			req.Reply(true, nil)
		case req.Type == "exec":
			var execReq struct {
				Command string
			}
			ssh.Unmarshal(req.Payload, &execReq)
			req.Reply(true, nil)
			didExec = true
			ss.mtx.Lock()
			ss.commands = append(ss.commands, execReq.Command)
			ss.mtx.Unlock()
			go func(env map[string]string) {
				var resp struct {
					Status uint32
				}
				if ss.Exec == nil {
					resp.Status = 127
				} else {
					resp.Status = ss.Exec(env, execReq.Command, ch, ch, ch.Stderr())
				}
				ch.SendRequest("exit-status", false, ssh.Marshal(&resp))
				ch.Close()
			}(env)
		default:
			req.Reply(false, nil)
		}
	}
}
