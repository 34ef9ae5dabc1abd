// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// Server is an http.Server that listens in Start and can be stopped
// and waited for without killing the process.
type Server struct {
	http.Server

	// Address to listen on. After Start returns, Addr is the
	// actual address, which makes ":0" useful in tests.
	Addr string

	listener net.Listener
	stopping atomic.Bool
	done     chan struct{}
	err      error
}

// Start listens on Addr and serves in the background. If TLSConfig
// is set, the server speaks HTTPS.
func (srv *Server) Start() error {
	lc := net.ListenConfig{KeepAlive: 3 * time.Minute}
	ln, err := lc.Listen(context.Background(), "tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.Addr = ln.Addr().String()
	srv.listener = ln
	if srv.TLSConfig != nil {
		ln = tls.NewListener(ln, srv.TLSConfig)
	}
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		err := srv.Serve(ln)
		if !srv.stopping.Load() && !errors.Is(err, http.ErrServerClosed) {
			srv.err = err
		}
	}()
	return nil
}

// Close stops the server right away and returns when it has
// stopped.
func (srv *Server) Close() error {
	srv.stopping.Store(true)
	if srv.listener != nil {
		srv.listener.Close()
	}
	srv.Server.Close()
	return srv.Wait()
}

// Shutdown stops accepting new connections, waits (until ctx is
// done) for active requests to finish, and returns when the server
// has stopped.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.stopping.Store(true)
	err := srv.Server.Shutdown(ctx)
	if werr := srv.Wait(); err == nil {
		err = werr
	}
	return err
}

// Wait returns when the server has stopped. The error is nil if the
// server was stopped by Close or Shutdown.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	return srv.err
}
