// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gogo/protobuf/jsonpb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Handler is an instrumented http.Handler that can also export the
// registry it reports to.
type Handler interface {
	http.Handler

	// Text exposition format (/metrics).
	PromHandler() http.Handler

	// JSON array of metric families (/metrics.json).
	JSONHandler() http.Handler
}

type instrumented struct {
	http.Handler
	registry      *prometheus.Registry
	promHandler   http.Handler
	timeToStatus  *prometheus.SummaryVec
	responseBytes *prometheus.SummaryVec
}

// Levels implements logrus.Hook.
func (*instrumented) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel}
}

// Fire implements logrus.Hook. Time-to-status and response size are
// taken from the "response" entries written by LogRequests.
func (in *instrumented) Fire(ent *logrus.Entry) error {
	method, ok := ent.Data["reqMethod"].(string)
	if !ok {
		return nil
	}
	code, ok := ent.Data["respStatusCode"].(int)
	if !ok {
		return nil
	}
	labels := []string{strconv.Itoa(code), strings.ToLower(method)}
	if tts, ok := ent.Data["timeToStatus"].(seconds); ok {
		in.timeToStatus.WithLabelValues(labels...).Observe(time.Duration(tts).Seconds())
	}
	if n, ok := ent.Data["respBytes"].(int); ok {
		in.responseBytes.WithLabelValues(labels...).Observe(float64(n))
	}
	return nil
}

func (in *instrumented) PromHandler() http.Handler {
	return in.promHandler
}

func (in *instrumented) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mfs, err := in.registry.Gather()
		if err != nil {
			Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jm := jsonpb.Marshaler{Indent: "  "}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte{'['})
		for i, mf := range mfs {
			if i > 0 {
				w.Write([]byte{','})
			}
			jm.Marshal(w, mf)
		}
		w.Write([]byte{']'})
	})
}

// Instrument returns a Handler that passes requests to next and
// records request duration, time to status and response size in
// registry (a new one if nil).
//
// Time to status and response size are collected from the request
// log, so every request must also pass through LogRequests with
// logger (logrus.StandardLogger() if nil) attached to its context.
func Instrument(registry *prometheus.Registry, logger *logrus.Logger, next http.Handler) Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	summary := func(name, help string) *prometheus.SummaryVec {
		vec := prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: "netunicorn",
			Subsystem: "gateway",
			Name:      name,
			Help:      help,
		}, []string{"code", "method"})
		registry.MustRegister(vec)
		return vec
	}
	reqDuration := summary("request_duration_seconds", "Summary of request duration.")
	in := &instrumented{
		Handler:       promhttp.InstrumentHandlerDuration(reqDuration, next),
		registry:      registry,
		promHandler:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{ErrorLog: logger}),
		timeToStatus:  summary("time_to_status_seconds", "Summary of request TTFB."),
		responseBytes: summary("response_bytes", "Summary of response body size."),
	}
	logger.AddHook(in)
	return in
}
