// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// RequestLimiter wraps http.Handler, limiting the number of
// concurrent requests being handled by the wrapped Handler. Requests
// that arrive when the handler is already at the specified
// concurrency limit are queued and handled in arrival order.
//
// Caller must not modify any RequestLimiter fields after calling its
// methods.
type RequestLimiter struct {
	Handler http.Handler

	// Maximum number of requests being handled at once. Beyond
	// this limit, requests will be queued. Zero means no limit.
	MaxConcurrent int

	// Maximum number of requests in the queue. Beyond this limit,
	// new requests will return 503.
	MaxQueue int

	// "concurrent_requests", "max_concurrent_requests",
	// "queued_requests", and "max_queued_requests" metrics are
	// registered with Registry, if it is not nil.
	Registry *prometheus.Registry

	setupOnce sync.Once
	mtx       sync.Mutex
	handling  int
	queue     []*qent
}

type qent struct {
	queued time.Time
	ready  chan bool // true = handle now; false = return 503 now
}

func (rl *RequestLimiter) setup() {
	if rl.Registry == nil {
		return
	}
	gauge := func(name, help string, f func() float64) {
		rl.Registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "netunicorn",
				Subsystem: "gateway",
				Name:      name,
				Help:      help,
			}, f))
	}
	gauge("concurrent_requests", "Number of requests in progress", func() float64 {
		rl.mtx.Lock()
		defer rl.mtx.Unlock()
		return float64(rl.handling)
	})
	gauge("max_concurrent_requests", "Maximum number of concurrent requests", func() float64 {
		return float64(rl.MaxConcurrent)
	})
	gauge("queued_requests", "Number of requests in queue", func() float64 {
		rl.mtx.Lock()
		defer rl.mtx.Unlock()
		return float64(len(rl.queue))
	})
	gauge("max_queued_requests", "Maximum number of queued requests", func() float64 {
		return float64(rl.MaxQueue)
	})
}

// caller must have lock
func (rl *RequestLimiter) runqueue() {
	for len(rl.queue) > 0 && (rl.MaxConcurrent == 0 || rl.handling < rl.MaxConcurrent) {
		rl.handling++
		ent := rl.queue[0]
		rl.queue = rl.queue[1:]
		ent.ready <- true
	}
}

func (rl *RequestLimiter) enqueue() *qent {
	rl.mtx.Lock()
	defer rl.mtx.Unlock()
	ent := &qent{
		queued: time.Now(),
		ready:  make(chan bool, 1),
	}
	if rl.MaxConcurrent == 0 || rl.MaxConcurrent > rl.handling {
		// fast path, skip the queue
		rl.handling++
		ent.ready <- true
	} else if len(rl.queue) >= rl.MaxQueue {
		ent.ready <- false
	} else {
		rl.queue = append(rl.queue, ent)
	}
	return ent
}

// remove ent from the queue if it is still waiting. Returns false if
// it has already been dequeued.
func (rl *RequestLimiter) remove(ent *qent) bool {
	rl.mtx.Lock()
	defer rl.mtx.Unlock()
	for i, q := range rl.queue {
		if q == ent {
			rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
			ent.ready <- false
			return true
		}
	}
	return false
}

func (rl *RequestLimiter) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	rl.setupOnce.Do(rl.setup)
	ent := rl.enqueue()
	var ok bool
	select {
	case <-req.Context().Done():
		rl.remove(ent)
		// runqueue() might have sent true before our remove()
		// call, in which case we still hold a slot and must
		// release it below.
		ok = <-ent.ready
	case ok = <-ent.ready:
	}
	SetResponseLogFields(req.Context(), logrus.Fields{"queueTime": seconds(time.Since(ent.queued))})
	if !ok {
		resp.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer func() {
		rl.mtx.Lock()
		defer rl.mtx.Unlock()
		rl.handling--
		// unblock the next waiting request
		rl.runqueue()
	}()
	rl.Handler.ServeHTTP(resp, req)
}
