// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/netunicorn/netunicorn-connector/lib/config"
	"github.com/netunicorn/netunicorn-connector/lib/connector"
	"github.com/netunicorn/netunicorn-connector/lib/service"
	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
)

// NewHandler builds the configured connector and returns a
// service.Handler that serves it. If InitializeOnStart is set, the
// connector is initialized before the handler is returned.
func NewHandler(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)
	d, err := connector.NewFromConfig(cfg, logger, reg)
	if err != nil {
		return service.ErrorHandler(ctx, err)
	}
	if cfg.Connector.InitializeOnStart {
		if err := d.Initialize(ctx, nil); err != nil {
			return service.ErrorHandler(ctx, err)
		}
	}
	return &server{
		Handler:    Handler{Connector: d, APIKey: cfg.Gateway.APIKey},
		dispatcher: d,
	}
}

type server struct {
	Handler
	dispatcher *connector.Dispatcher
}

// CheckHealth returns nil if the connector is healthy. A connector
// waiting for its initialize call is not an error.
func (s *server) CheckHealth(ctx context.Context) error {
	if s.dispatcher.State() != connector.StateInitialized {
		return nil
	}
	if ok, msg := s.dispatcher.Health(ctx); !ok {
		return errors.New(msg)
	}
	return nil
}

func (s *server) Done() <-chan struct{} {
	return nil
}

func (s *server) Shutdown(ctx context.Context) error {
	if err := s.dispatcher.Shutdown(ctx); err != nil {
		return fmt.Errorf("connector shutdown: %w", err)
	}
	return nil
}
