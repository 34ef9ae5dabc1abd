// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

type contextKey struct {
	name string
}

var (
	requestTimeContextKey       = contextKey{"requestTime"}
	responseLogFieldsContextKey = contextKey{"responseLogFields"}
)

// HandlerWithContext returns an http.Handler that changes the request
// context to ctx (replacing http.Server's default
// context.Background()), then calls next.
func HandlerWithContext(ctx context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetResponseLogFields adds fields to the "response" log entry that
// LogRequests will write when the current request finishes.
func SetResponseLogFields(ctx context.Context, fields logrus.Fields) {
	m, _ := ctx.Value(&responseLogFieldsContextKey).(*sync.Map)
	if m == nil {
		return
	}
	for k, v := range fields {
		m.Store(k, v)
	}
}

// LogRequests wraps an http.Handler, logging each request and
// response using the logger attached to the request context (see
// ctxlog.Context). The request's logger is enriched with the request
// ID and request details, and handlers can retrieve it with
// ctxlog.FromContext(req.Context()).
func LogRequests(h http.Handler) http.Handler {
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseRecorder{ResponseWriter: wrapped}
		logger := ctxlog.FromContext(req.Context()).WithFields(logrus.Fields{
			"RequestID":       req.Header.Get("X-Request-Id"),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqHost":         req.Host,
			"reqPath":         req.URL.Path[1:],
			"reqQuery":        req.URL.RawQuery,
			"reqBytes":        req.ContentLength,
		})
		ctx := req.Context()
		ctx = context.WithValue(ctx, &requestTimeContextKey, time.Now())
		ctx = context.WithValue(ctx, &responseLogFieldsContextKey, &sync.Map{})
		ctx = ctxlog.Context(ctx, logger)
		req = req.WithContext(ctx)

		logRequest(w, req, logger)
		defer logResponse(w, req, logger)
		h.ServeHTTP(w, req)
	})
}

// Logger returns the logger attached to the request by LogRequests.
func Logger(req *http.Request) logrus.FieldLogger {
	return ctxlog.FromContext(req.Context())
}

func logRequest(w *responseRecorder, req *http.Request, lgr logrus.FieldLogger) {
	lgr.Info("request")
}

func logResponse(w *responseRecorder, req *http.Request, lgr logrus.FieldLogger) {
	if tStart, ok := req.Context().Value(&requestTimeContextKey).(time.Time); ok {
		tDone := time.Now()
		writeTime := w.wroteAt
		if w.status == 0 {
			// Empty response body. Header was sent when
			// handler exited.
			writeTime = tDone
		}
		lgr = lgr.WithFields(logrus.Fields{
			"timeTotal":     seconds(tDone.Sub(tStart)),
			"timeToStatus":  seconds(writeTime.Sub(tStart)),
			"timeWriteBody": seconds(tDone.Sub(writeTime)),
		})
	}
	if m, ok := req.Context().Value(&responseLogFieldsContextKey).(*sync.Map); ok {
		fields := logrus.Fields{}
		m.Range(func(k, v interface{}) bool {
			fields[k.(string)] = v
			return true
		})
		lgr = lgr.WithFields(fields)
	}
	respCode := w.Status()
	fields := logrus.Fields{
		"respStatusCode": respCode,
		"respStatus":     http.StatusText(respCode),
		"respBytes":      w.bodyBytes,
	}
	if respCode >= 400 {
		fields["respBody"] = string(w.errorBody)
	}
	lgr.WithFields(fields).Info("response")
}

// seconds is a duration logged as fractional seconds.
type seconds time.Duration

func (s seconds) MarshalJSON() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s seconds) String() string {
	return strconv.FormatFloat(time.Duration(s).Seconds(), 'f', 6, 64)
}
