// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"io"
	"net/http"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ServerSuite{})

type ServerSuite struct{}

func (s *ServerSuite) TestStartShutdown(c *check.C) {
	release := make(chan struct{})
	srv := &Server{
		Server: http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
			io.WriteString(w, "ok")
		})},
		Addr: "127.0.0.1:0",
	}
	c.Assert(srv.Start(), check.IsNil)
	c.Check(srv.Addr, check.Not(check.Equals), "127.0.0.1:0")

	got := make(chan string)
	go func() {
		resp, err := http.Get("http://" + srv.Addr + "/health")
		if err != nil {
			got <- err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		got <- string(body)
	}()
	// Let the request arrive before shutting down.
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan error)
	go func() { stopped <- srv.Shutdown(context.Background()) }()
	select {
	case <-stopped:
		c.Fatal("Shutdown returned before the active request finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	c.Check(<-got, check.Equals, "ok")
	c.Check(<-stopped, check.IsNil)
	c.Check(srv.Wait(), check.IsNil)
}

func (s *ServerSuite) TestClose(c *check.C) {
	srv := &Server{
		Server: http.Server{Handler: http.NotFoundHandler()},
		Addr:   "127.0.0.1:0",
	}
	c.Assert(srv.Start(), check.IsNil)
	c.Check(srv.Close(), check.IsNil)
	_, err := http.Get("http://" + srv.Addr + "/")
	c.Check(err, check.NotNil)
}

func (s *ServerSuite) TestListenError(c *check.C) {
	srv := &Server{Addr: "127.0.0.1:notaport"}
	c.Check(srv.Start(), check.NotNil)
	c.Check(srv.Wait(), check.IsNil)
}
