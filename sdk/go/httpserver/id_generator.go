// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	HeaderRequestID = "X-Request-Id"
)

// IDGenerator generates alphanumeric strings suitable for use as
// unique IDs (a given IDGenerator will never return the same ID
// twice).
type IDGenerator struct {
	// Prefix is prepended to each returned ID.
	Prefix string

	mtx sync.Mutex
	src int64
}

// Next returns a new ID string. It is safe to call Next from multiple
// goroutines.
func (g *IDGenerator) Next() string {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.src == 0 {
		g.src = time.Now().UnixNano()
	}
	g.src++
	id := strconv.FormatInt(g.src, 36)
	for len(id) < 20 {
		id = "0" + id
	}
	return g.Prefix + id
}

// AddRequestIDs wraps an http.Handler, adding an X-Request-Id header
// to each request that doesn't already have one. The same ID is
// echoed in the response.
func AddRequestIDs(h http.Handler) http.Handler {
	gen := &IDGenerator{Prefix: "req-"}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get(HeaderRequestID) == "" {
			if req.Header == nil {
				req.Header = http.Header{}
			}
			req.Header.Set(HeaderRequestID, gen.Next())
		}
		w.Header().Set(HeaderRequestID, req.Header.Get(HeaderRequestID))
		h.ServeHTTP(w, req)
	})
}
