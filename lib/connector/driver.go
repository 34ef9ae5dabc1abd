// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/netunicorn/netunicorn-connector/lib/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	driversMtx sync.Mutex
	drivers    = map[string]Driver{}
)

// RegisterDriver makes a driver available to NewFromConfig under the
// given name. It panics if the name is already taken.
func RegisterDriver(name string, driver Driver) {
	driversMtx.Lock()
	defer driversMtx.Unlock()
	if _, dup := drivers[name]; dup {
		panic("connector: duplicate driver " + name)
	}
	drivers[name] = driver
}

// Drivers returns the names of the registered drivers.
func Drivers() []string {
	driversMtx.Lock()
	defer driversMtx.Unlock()
	var names []string
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewFromConfig builds the configured driver's backend and wraps it
// in a Dispatcher.
func NewFromConfig(cfg *config.Config, logger logrus.FieldLogger, reg *prometheus.Registry) (*Dispatcher, error) {
	driversMtx.Lock()
	driver, ok := drivers[cfg.Connector.Driver]
	driversMtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("unsupported connector driver %q (registered drivers: %v)", cfg.Connector.Driver, Drivers())
	}
	logger = logger.WithField("Driver", cfg.Connector.Driver)
	backend, err := driver.Backend(cfg.Connector.DriverParameters, DriverOptions{
		Name:            cfg.Connector.Name,
		GatewayEndpoint: cfg.Gateway.Endpoint,
		Logger:          logger,
		Registry:        reg,
	})
	if err != nil {
		return nil, fmt.Errorf("error configuring %s driver: %w", cfg.Connector.Driver, err)
	}
	return New(backend, Options{
		Name:               cfg.Connector.Name,
		GatewayEndpoint:    cfg.Gateway.Endpoint,
		MaxConcurrentItems: cfg.Connector.MaxConcurrentItems,
		Logger:             logger,
		Registry:           reg,
	}), nil
}
