// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LoadSuite{})

type LoadSuite struct{}

// testLoader returns a Loader that reads config from configdata,
// ignores the real environment, and logs to logdst or (if that's
// nil) c.Log.
func testLoader(c *check.C, configdata string, logdst io.Writer, env map[string]string) *Loader {
	var logger logrus.FieldLogger = ctxlog.TestLogger(c)
	if logdst != nil {
		lgr := logrus.New()
		lgr.Out = logdst
		logger = lgr
	}
	ldr := NewLoader(bytes.NewBufferString(configdata), logger)
	ldr.Path = "-"
	ldr.LookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return ldr
}

func (s *LoadSuite) TestDefaults(c *check.C) {
	cfg, err := testLoader(c, `Gateway: {APIKey: secret}`, nil, nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Connector.Driver, check.Equals, "docker")
	c.Check(cfg.Connector.MaxConcurrentItems, check.Equals, 16)
	c.Check(cfg.Connector.ShutdownTimeout.Duration(), check.Equals, 30*time.Second)
	c.Check(string(cfg.Connector.DriverParameters), check.Equals, "{}")
	c.Check(cfg.Gateway.Listen, check.Equals, ":8080")
	c.Check(cfg.Gateway.MaxConcurrentRequests, check.Equals, 64)
	c.Check(cfg.Gateway.MaxQueuedRequests, check.Equals, 128)
	c.Check(cfg.SystemLogs.Format, check.Equals, "json")
	c.Check(cfg.SystemLogs.LogLevel, check.Equals, "info")
}

func (s *LoadSuite) TestSiteConfig(c *check.C) {
	cfg, err := testLoader(c, `
Connector:
  Name: lab
  Driver: ssh
  DriverParameters:
    User: unicorn
    Nodes:
      - Name: node-a
        Address: 10.0.0.1:22
  ShutdownTimeout: 1m
Gateway:
  APIKey: secret
  Listen: "127.0.0.1:0"
`, nil, nil).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Connector.Name, check.Equals, "lab")
	c.Check(cfg.Connector.Driver, check.Equals, "ssh")
	c.Check(string(cfg.Connector.DriverParameters), check.Equals, `{"Nodes":[{"Address":"10.0.0.1:22","Name":"node-a"}],"User":"unicorn"}`)
	c.Check(cfg.Connector.ShutdownTimeout.Duration(), check.Equals, time.Minute)
	c.Check(cfg.Gateway.Listen, check.Equals, "127.0.0.1:0")
	// unchanged
	c.Check(cfg.Connector.MaxConcurrentItems, check.Equals, 16)
}

func (s *LoadSuite) TestEnvOverrides(c *check.C) {
	env := map[string]string{
		EnvAPIKey:          "from-env",
		EnvGatewayEndpoint: "http://gateway.example:26512",
	}
	cfg, err := testLoader(c, `Gateway: {APIKey: from-file, Endpoint: "http://file.example"}`, nil, env).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Gateway.APIKey, check.Equals, "from-env")
	c.Check(cfg.Gateway.Endpoint, check.Equals, "http://gateway.example:26512")

	// Empty config, key only from environment.
	cfg, err = testLoader(c, `{}`, nil, map[string]string{EnvAPIKey: "k"}).Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Gateway.APIKey, check.Equals, "k")
	c.Check(cfg.Gateway.Endpoint, check.Equals, "")

	// SkipEnv ignores the environment.
	ldr := testLoader(c, `Gateway: {APIKey: from-file}`, nil, env)
	ldr.SkipEnv = true
	cfg, err = ldr.Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Gateway.APIKey, check.Equals, "from-file")
}

func (s *LoadSuite) TestValidation(c *check.C) {
	for _, trial := range []struct {
		config string
		err    string
	}{
		{`{}`, `Gateway.APIKey is empty.*`},
		{`Gateway: {APIKey: x, Listen: ""}`, `Gateway.Listen is empty`},
		{`{Gateway: {APIKey: x}, Connector: {Driver: ""}}`, `Connector.Driver is empty`},
		{`{Gateway: {APIKey: x}, Connector: {MaxConcurrentItems: -1}}`, `.*must not be negative`},
		{`{Gateway: {APIKey: x, TLS: {Certificate: /etc/cert.pem}}}`, `.*must be given together`},
		{`{Gateway: {APIKey: x}, SystemLogs: {Format: xml}}`, `.*"xml" is not supported.*`},
		{`{Gateway: {APIKey: x}, Connector: {ShutdownTimeout: 30}}`, ``},
		{`{Gateway: {APIKey: x}, Connector: {ShutdownTimeout: "thirty"}}`, `.*invalid duration.*`},
		{`Gateway: [`, `.*`},
	} {
		c.Logf("trial: %s", trial.config)
		_, err := testLoader(c, trial.config, nil, nil).Load()
		if trial.err == "" {
			c.Check(err, check.IsNil)
		} else {
			c.Check(err, check.ErrorMatches, trial.err)
		}
	}
}

func (s *LoadSuite) TestLogExtraKeys(c *check.C) {
	var logbuf bytes.Buffer
	_, err := testLoader(c, `
Gateway:
  APIKey: x
  Lisen: ":1234"
connector:
  Driver: docker
  DriverParameters: {Anything: goes}
Metrics: {}
`, &logbuf, nil).Load()
	c.Assert(err, check.IsNil)
	logs := logbuf.String()
	c.Check(logs, check.Matches, `(?ms).*unknown config entry: Gateway\.Lisen.*`)
	c.Check(logs, check.Matches, `(?ms).*unknown config entry: Metrics.*`)
	c.Check(logs, check.Matches, `(?ms).*unknown config entry: connector \(should be Connector\).*`)
	c.Check(logs, check.Not(check.Matches), `(?ms).*Anything.*`)
}

func (s *LoadSuite) TestLoadFile(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "connector.yml")
	err := os.WriteFile(path, []byte("Gateway: {APIKey: filekey}\n"), 0600)
	c.Assert(err, check.IsNil)
	ldr := testLoader(c, "", nil, nil)
	ldr.Path = path
	cfg, err := ldr.Load()
	c.Assert(err, check.IsNil)
	c.Check(cfg.Gateway.APIKey, check.Equals, "filekey")

	ldr.Path = filepath.Join(dir, "missing.yml")
	_, err = ldr.Load()
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *LoadSuite) TestDumpCommand(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("config-dump", []string{"-config", "-"}, strings.NewReader("Gateway: {APIKey: secret}\nManagementToken: mgmt\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
	var dumped Config
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &dumped), check.IsNil)
	c.Check(dumped.Gateway.APIKey, check.Equals, "xxxxx")
	c.Check(dumped.ManagementToken, check.Equals, "xxxxx")
	c.Check(dumped.Connector.Driver, check.Equals, "docker")
	c.Check(stdout.String(), check.Matches, `(?ms).*ShutdownTimeout: 30s.*`)

	stdout.Reset()
	code = DumpDefaultsCommand.RunCommand("config-defaults", nil, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.Bytes(), check.DeepEquals, DefaultYAML)
}

func (s *LoadSuite) TestDuration(c *check.C) {
	for _, trial := range []struct {
		in  string
		out string
	}{
		{`"1h0m0s"`, "1h"},
		{`"90s"`, "1m30s"},
		{`"0s"`, "0s"},
		{`"1h30m"`, "1h30m"},
	} {
		var d Duration
		c.Check(d.UnmarshalJSON([]byte(trial.in)), check.IsNil)
		c.Check(d.String(), check.Equals, trial.out)
	}
}
