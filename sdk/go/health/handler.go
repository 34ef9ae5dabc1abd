// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves authenticated health-check endpoints like
// /_health/ping.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/netunicorn/netunicorn-connector/sdk/go/auth"
)

// Func is a health-check function. It reports whether the checked
// component is healthy, plus a diagnostic message. It should give up
// when ctx is done.
type Func func(context.Context) (bool, string)

// Routes maps check names to health-check functions.
type Routes map[string]Func

// Handler responds to health-check requests with
// {"health":"OK","status":"..."} or, with status 503,
// {"health":"ERROR","status":"..."}.
//
// Fields must not be changed after the Handler is first used.
type Handler struct {
	// Bearer token required for every request. If empty, every
	// request gets 404.
	Token string

	// Route prefix, typically "/_health/". Routes["foo"] is served
	// at {Prefix}foo. A "ping" check that always succeeds is added
	// unless Routes has one.
	Prefix string
	Routes Routes

	// If non-zero, a check that takes longer than Timeout is
	// reported as unhealthy.
	Timeout time.Duration

	// If non-nil, Log is called after each request with nil, or
	// the reason the request was refused.
	Log func(*http.Request, error)

	setupOnce sync.Once
	mux       *http.ServeMux
}

var errNotFound = errors.New(http.StatusText(http.StatusNotFound))

type response struct {
	Health string `json:"health"`
	Status string `json:"status,omitempty"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.mux = http.NewServeMux()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	routes := Routes{"ping": func(context.Context) (bool, string) { return true, "" }}
	for name, fn := range h.Routes {
		routes[name] = fn
	}
	for name, fn := range routes {
		h.mux.Handle(prefix+name, h.serveCheck(fn))
	}
}

func (h *Handler) serveCheck(fn Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			if h.Log != nil {
				h.Log(r, err)
			}
		}()
		if h.Token == "" {
			err = errNotFound
			http.Error(w, "disabled", http.StatusNotFound)
			return
		}
		if err = auth.Check(r, h.Token); err != nil {
			http.Error(w, err.Error(), auth.HTTPStatus(err))
			return
		}
		healthy, status := h.run(r.Context(), fn)
		resp := response{Health: "OK", Status: status}
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			resp.Health = "ERROR"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		err = json.NewEncoder(w).Encode(resp)
	})
}

func (h *Handler) run(ctx context.Context, fn Func) (bool, string) {
	if h.Timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()
	type result struct {
		ok     bool
		status string
	}
	done := make(chan result, 1)
	go func() {
		ok, status := fn(ctx)
		done <- result{ok, status}
	}()
	select {
	case res := <-done:
		return res.ok, res.status
	case <-ctx.Done():
		return false, "health check timed out after " + h.Timeout.String()
	}
}
