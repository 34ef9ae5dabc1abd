// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

type testHandler struct {
	inHandler   chan struct{}
	okToProceed chan struct{}
}

func (h *testHandler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	h.inHandler <- struct{}{}
	<-h.okToProceed
}

func newTestHandler() *testHandler {
	return &testHandler{
		inHandler:   make(chan struct{}),
		okToProceed: make(chan struct{}),
	}
}

func (s *Suite) TestRequestLimiter1(c *check.C) {
	h := newTestHandler()
	rl := &RequestLimiter{Handler: h, MaxConcurrent: 1, MaxQueue: 0}
	var wg sync.WaitGroup
	resps := make([]*httptest.ResponseRecorder, 10)
	for i := 0; i < 10; i++ {
		resps[i] = httptest.NewRecorder()
	}
	// Occupy the only slot.
	wg.Add(1)
	go func() {
		defer wg.Done()
		rl.ServeHTTP(resps[0], httptest.NewRequest("GET", "/", nil))
	}()
	<-h.inHandler
	// With no queue, everything else is refused immediately.
	for i := 1; i < 10; i++ {
		rl.ServeHTTP(resps[i], httptest.NewRequest("GET", "/", nil))
	}
	h.okToProceed <- struct{}{}
	wg.Wait()
	n200, n503 := 0, 0
	for _, resp := range resps {
		switch resp.Code {
		case http.StatusOK:
			n200++
		case http.StatusServiceUnavailable:
			n503++
		default:
			c.Errorf("unexpected response code %d", resp.Code)
		}
	}
	c.Check(n200, check.Equals, 1)
	c.Check(n503, check.Equals, 9)

	// Now that all 10 are finished, an 11th request should
	// succeed.
	go func() {
		<-h.inHandler
		h.okToProceed <- struct{}{}
	}()
	resp := httptest.NewRecorder()
	rl.ServeHTTP(resp, httptest.NewRequest("GET", "/", nil))
	c.Check(resp.Code, check.Equals, http.StatusOK)
}

func (s *Suite) TestRequestLimiterQueue(c *check.C) {
	h := newTestHandler()
	reg := prometheus.NewRegistry()
	rl := &RequestLimiter{Handler: h, MaxConcurrent: 2, MaxQueue: 3, Registry: reg}
	var wg sync.WaitGroup
	codes := make(chan int, 10)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := httptest.NewRecorder()
			rl.ServeHTTP(resp, httptest.NewRequest("GET", "/", nil))
			codes <- resp.Code
		}()
	}
	<-h.inHandler
	<-h.inHandler
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(time.Millisecond) {
		rl.mtx.Lock()
		queued := len(rl.queue)
		rl.mtx.Unlock()
		if queued == 3 {
			break
		}
		c.Assert(time.Now().Before(deadline), check.Equals, true, check.Commentf("queue never filled"))
	}
	c.Check(gaugeValue(c, reg, "netunicorn_gateway_queued_requests"), check.Equals, 3.0)
	c.Check(gaugeValue(c, reg, "netunicorn_gateway_concurrent_requests"), check.Equals, 2.0)

	// Queue is full: the next one is refused.
	resp := httptest.NewRecorder()
	rl.ServeHTTP(resp, httptest.NewRequest("GET", "/", nil))
	c.Check(resp.Code, check.Equals, http.StatusServiceUnavailable)

	go func() {
		for i := 0; i < 5; i++ {
			h.okToProceed <- struct{}{}
			if i < 3 {
				<-h.inHandler
			}
		}
	}()
	wg.Wait()
	close(codes)
	for code := range codes {
		c.Check(code, check.Equals, http.StatusOK)
	}
}

func (s *Suite) TestRequestLimiterCancelQueued(c *check.C) {
	h := newTestHandler()
	rl := &RequestLimiter{Handler: h, MaxConcurrent: 1, MaxQueue: 5}
	go rl.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	<-h.inHandler

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() {
		resp := httptest.NewRecorder()
		rl.ServeHTTP(resp, httptest.NewRequest("GET", "/", nil).WithContext(ctx))
		done <- resp.Code
	}()
	cancel()
	select {
	case code := <-done:
		c.Check(code, check.Equals, http.StatusServiceUnavailable)
	case <-time.After(10 * time.Second):
		c.Fatal("timed out")
	}
	h.okToProceed <- struct{}{}
}

func gaugeValue(c *check.C, reg *prometheus.Registry, name string) float64 {
	mfs, err := reg.Gather()
	c.Assert(err, check.IsNil)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	c.Fatalf("metric %q not found", name)
	return 0
}
