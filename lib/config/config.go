// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultConfigFile is the site configuration file read by Load
// when no -config flag is given.
const DefaultConfigFile = "/etc/netunicorn/connector.yml"

type Config struct {
	Connector       ConnectorConfig
	Gateway         GatewayConfig
	ManagementToken string
	SystemLogs      SystemLogs
}

type ConnectorConfig struct {
	Name               string
	Driver             string
	DriverParameters   json.RawMessage
	MaxConcurrentItems int
	InitializeOnStart  bool
	ShutdownTimeout    Duration
}

type GatewayConfig struct {
	Listen                string
	APIKey                string
	Endpoint              string
	MaxConcurrentRequests int
	MaxQueuedRequests     int
	TLS                   TLS
}

type TLS struct {
	Certificate string
	Key         string
	// Generate a certificate at startup instead of loading one.
	SelfSigned bool
}

type SystemLogs struct {
	Format   string
	LogLevel string
}

// Validate returns an error if the config can't be used to run a
// connector.
func (cfg *Config) Validate() error {
	switch {
	case cfg.Gateway.APIKey == "":
		return fmt.Errorf("Gateway.APIKey is empty (set it in the config file or the NETUNICORN_API_KEY environment variable)")
	case cfg.Gateway.Listen == "":
		return fmt.Errorf("Gateway.Listen is empty")
	case cfg.Connector.Driver == "":
		return fmt.Errorf("Connector.Driver is empty")
	case (cfg.Gateway.TLS.Certificate == "") != (cfg.Gateway.TLS.Key == ""):
		return fmt.Errorf("Gateway.TLS.Certificate and Gateway.TLS.Key must be given together")
	case cfg.Gateway.TLS.SelfSigned && cfg.Gateway.TLS.Certificate != "":
		return fmt.Errorf("Gateway.TLS.SelfSigned and Gateway.TLS.Certificate cannot be used together")
	case cfg.Connector.MaxConcurrentItems < 0:
		return fmt.Errorf("Connector.MaxConcurrentItems must not be negative")
	}
	switch cfg.SystemLogs.Format {
	case "json", "text", "":
	default:
		return fmt.Errorf("SystemLogs.Format %q is not supported (use json or text)", cfg.SystemLogs.Format)
	}
	return nil
}

// Duration is time.Duration but looks like "12s" in JSON/YAML,
// rather than a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.Set(s)
	}
	// Mimic encoding/json behavior of passing json.Number
	// values to time.Duration.
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be given as a string like \"600s\" or \"1h30m\"")
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String returns a format similar to (time.Duration)String() but with
// "0m" and "0s" removed: e.g., "1h" instead of "1h0m0s".
func (d Duration) String() string {
	s := time.Duration(d).String()
	if len(s) > 4 && s[len(s)-4:] == "m0s" {
		s = s[:len(s)-2]
	}
	if len(s) > 4 && s[len(s)-4:] == "h0m" {
		s = s[:len(s)-2]
	}
	return s
}

// Duration returns a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Set implements flag.Value.
func (d *Duration) Set(s string) error {
	dur, err := time.ParseDuration(s)
	*d = Duration(dur)
	return err
}
