// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/netunicorn/netunicorn-connector/sdk/go/httpserver"
)

// ErrorHandler returns a Handler for a service that could not be
// set up: it fails its health check with err, answers every request
// with 500, and is already Done, so the command exits after logging
// err.
func ErrorHandler(ctx context.Context, err error) Handler {
	ctxlog.FromContext(ctx).WithError(err).Error("cannot start service")
	return &errorHandler{err: err}
}

type errorHandler struct {
	err error
}

func (eh *errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httpserver.Logger(r).WithError(eh.err).Error("request refused: service is broken")
	httpserver.Error(w, eh.err.Error(), http.StatusInternalServerError)
}

func (eh *errorHandler) CheckHealth(context.Context) error { return eh.err }

func (eh *errorHandler) Shutdown(context.Context) error { return nil }

func (eh *errorHandler) Done() <-chan struct{} { return closed }

var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
