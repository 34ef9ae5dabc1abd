// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	_ "embed"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

// Environment variables that override config entries.
const (
	EnvAPIKey          = "NETUNICORN_API_KEY"
	EnvGatewayEndpoint = "NETUNICORN_GATEWAY_ENDPOINT"
)

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Skip environment variable overrides.
	SkipEnv bool

	// Path to the config file, or "-" for stdin.
	Path string

	// Lookup environment variables. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and Path set to its default value.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path fields.
//
//	ldr := NewLoader(os.Stdin, logrus.New())
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/netunicorn/connector.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", DefaultConfigFile, "Site configuration `file` (default may be overridden by setting a NETUNICORN_CONFIG environment variable)")
	if p := os.Getenv("NETUNICORN_CONFIG"); p != "" {
		ldr.Path = p
	}
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Load reads the config file, applies it on top of the defaults,
// applies environment overrides, and validates the result.
func (ldr *Loader) Load() (*Config, error) {
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*Config, error) {
	var cfg Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Connector.DriverParameters) == 0 || string(cfg.Connector.DriverParameters) == "null" {
		cfg.Connector.DriverParameters = []byte("{}")
	}
	ldr.logExtraKeys(buf)

	if !ldr.SkipEnv {
		err = ldr.applyEnv(&cfg)
		if err != nil {
			return nil, err
		}
	}
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides config entries with values from environment
// variables, where set.
func (ldr *Loader) applyEnv(cfg *Config) error {
	lookup := ldr.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var env GatewayConfig
	if v, ok := lookup(EnvAPIKey); ok {
		env.APIKey = v
	}
	if v, ok := lookup(EnvGatewayEndpoint); ok {
		env.Endpoint = v
	}
	return mergo.Merge(&cfg.Gateway, env, mergo.WithOverride)
}

// logExtraKeys warns about keys in the site config that don't
// correspond to any config entry.
func (ldr *Loader) logExtraKeys(buf []byte) {
	if ldr.Logger == nil {
		return
	}
	var expected, supplied map[string]interface{}
	if yaml.Unmarshal(DefaultYAML, &expected) != nil || yaml.Unmarshal(buf, &supplied) != nil {
		return
	}
	var extra []string
	findExtraKeys(expected, supplied, "", &extra)
	sort.Strings(extra)
	for _, k := range extra {
		ldr.Logger.Warnf("deprecated or unknown config entry: %s", k)
	}
}

func findExtraKeys(expected, supplied map[string]interface{}, prefix string, extra *[]string) {
	for k, vsupp := range supplied {
		vexp, ok := expected[k]
		if !ok {
			// Key names are case-insensitive when
			// decoded, but we still warn about
			// non-canonical case.
			for ek := range expected {
				if strings.EqualFold(ek, k) {
					*extra = append(*extra, prefix+k+" (should be "+prefix+ek+")")
					ok = true
				}
			}
			if !ok {
				*extra = append(*extra, prefix+k)
			}
			continue
		}
		if k == "DriverParameters" {
			// driver-specific
			continue
		}
		mexp, ok1 := vexp.(map[string]interface{})
		msupp, ok2 := vsupp.(map[string]interface{})
		if ok1 && ok2 {
			findExtraKeys(mexp, msupp, prefix+k+".", extra)
		}
	}
}
