// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/netunicorn/netunicorn-connector/lib/config"
	"github.com/netunicorn/netunicorn-connector/lib/connector"
	"github.com/netunicorn/netunicorn-connector/lib/connector/connectortest"
	"github.com/netunicorn/netunicorn-connector/sdk/go/connectorclient"
	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

func init() {
	connector.RegisterDriver("gateway-test-stub", connectortest.StubDriver)
}

var _ = check.Suite(&HandlerSuite{})

type HandlerSuite struct {
	stub   *connectortest.StubBackend
	disp   *connector.Dispatcher
	server *httptest.Server
	client *connectorclient.Client
}

func (s *HandlerSuite) SetUpTest(c *check.C) {
	s.stub = &connectortest.StubBackend{
		Pool:      connectortest.NamedCountablePool("n1", "n2", "n3"),
		AuthToken: "usertoken",
	}
	s.disp = connector.New(s.stub, connector.Options{
		Name:            "stub",
		GatewayEndpoint: "https://gateway.example",
		Logger:          ctxlog.TestLogger(c),
	})
	s.server = httptest.NewServer(&Handler{Connector: s.disp, APIKey: "apikey"})
	s.client = &connectorclient.Client{
		Endpoint:     s.server.URL,
		APIKey:       "apikey",
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: time.Millisecond,
		Logger:       ctxlog.TestLogger(c),
	}
}

func (s *HandlerSuite) TearDownTest(c *check.C) {
	s.server.Close()
}

// do sends a request with the API key and returns the status and
// body.
func (s *HandlerSuite) do(c *check.C, method, path, body string, hdr map[string]string) (int, string) {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.server.URL+path, rdr)
	c.Assert(err, check.IsNil)
	req.Header.Set("Authorization", "Bearer apikey")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, check.IsNil)
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	c.Assert(err, check.IsNil)
	return resp.StatusCode, string(buf)
}

func (s *HandlerSuite) TestConformanceOverHTTP(c *check.C) {
	tester := &connectortest.Tester{
		Logger:    ctxlog.TestLogger(c),
		Connector: s.client,
		Username:  "alice",
		Auth:      unicorn.OperationContext{"token": "usertoken"},
		Environment: unicorn.DockerImage{
			Image: "netunicorn/executor:latest",
		},
	}
	c.Check(tester.Run(context.Background()), check.Equals, true)
	c.Check(s.disp.State(), check.Equals, connector.StateShutDown)
}

func (s *HandlerSuite) TestAPIKey(c *check.C) {
	resp, err := http.Get(s.server.URL + "/health")
	c.Assert(err, check.IsNil)
	c.Check(resp.StatusCode, check.Equals, http.StatusUnauthorized)

	s.client.APIKey = "wrong"
	ok, msg := s.client.Health(context.Background())
	c.Check(ok, check.Equals, false)
	c.Check(msg, check.Matches, `.*403 Forbidden.*`)
}

func (s *HandlerSuite) TestNotInitialized(c *check.C) {
	status, body := s.do(c, "GET", "/nodes/alice", "", nil)
	c.Check(status, check.Equals, http.StatusServiceUnavailable)
	c.Check(body, check.Matches, `\{"errors":\["get_nodes: connector is not initialized"\]\}\n`)

	status, body = s.do(c, "GET", "/health", "", nil)
	c.Check(status, check.Equals, http.StatusInternalServerError)
	var hr healthResponse
	c.Assert(json.Unmarshal([]byte(body), &hr), check.IsNil)
	c.Check(hr.Status, check.Matches, `.*not initialized.*`)
}

func (s *HandlerSuite) TestInitializeTwice(c *check.C) {
	status, _ := s.do(c, "POST", "/initialize", "", nil)
	c.Check(status, check.Equals, http.StatusNoContent)
	status, _ = s.do(c, "POST", "/initialize", "null", nil)
	c.Check(status, check.Equals, http.StatusConflict)
	status, _ = s.do(c, "POST", "/initialize", "{bad", nil)
	c.Check(status, check.Equals, http.StatusBadRequest)
}

func (s *HandlerSuite) TestInitializeEmptyBody(c *check.C) {
	reset := func() {
		s.TearDownTest(c)
		s.SetUpTest(c)
	}
	for _, body := range []string{"", "null", "{}", " { } ", "[]", `""`, "0", "false"} {
		reset()
		status, _ := s.do(c, "POST", "/initialize", body, nil)
		c.Check(status, check.Equals, http.StatusNoContent, check.Commentf("%q", body))
		c.Check(s.stub.InitializeParams(), check.IsNil, check.Commentf("%q", body))
	}
	reset()
	status, _ := s.do(c, "POST", "/initialize", `{"Nodes":["a"]}`, nil)
	c.Check(status, check.Equals, http.StatusNoContent)
	c.Check(string(s.stub.InitializeParams()), check.Equals, `{"Nodes":["a"]}`)
}

func (s *HandlerSuite) TestInitializeFailure(c *check.C) {
	s.stub.InitializeError = errors.New("no credentials")
	status, body := s.do(c, "POST", "/initialize", `{"x":1}`, nil)
	c.Check(status, check.Equals, http.StatusInternalServerError)
	c.Check(body, check.Matches, `.*couldn't initialize the connector: no credentials.*`)
	c.Check(s.disp.State(), check.Equals, connector.StateUninitialized)
}

func (s *HandlerSuite) TestHealth(c *check.C) {
	c.Assert(s.client.Initialize(context.Background(), nil), check.IsNil)
	status, body := s.do(c, "GET", "/health", "", nil)
	c.Check(status, check.Equals, http.StatusOK)
	c.Check(body, check.Equals, `{"status":"connector stub is healthy"}`)

	s.stub.HealthError = errors.New("backend is sad")
	status, body = s.do(c, "GET", "/health", "", nil)
	c.Check(status, check.Equals, http.StatusInternalServerError)
	c.Check(body, check.Equals, `{"status":"backend is sad"}`)
}

func (s *HandlerSuite) TestNodes(c *check.C) {
	c.Assert(s.client.Initialize(context.Background(), nil), check.IsNil)
	status, body := s.do(c, "GET", "/nodes/alice", "", map[string]string{HeaderAuthContext: `{"token":"usertoken"}`})
	c.Check(status, check.Equals, http.StatusOK)
	pool, err := unicorn.UnmarshalNodePool([]byte(body))
	c.Assert(err, check.IsNil)
	c.Check(pool.(unicorn.CountableNodePool).Nodes, check.HasLen, 3)

	status, _ = s.do(c, "GET", "/nodes/alice", "", map[string]string{HeaderAuthContext: `{"token":"nope"}`})
	c.Check(status, check.Equals, http.StatusUnauthorized)
	status, body = s.do(c, "GET", "/nodes/alice", "", map[string]string{HeaderAuthContext: `[1,2]`})
	c.Check(status, check.Equals, http.StatusBadRequest)
	c.Check(body, check.Matches, `.*couldn't parse the netunicorn-auth-context header.*`)
}

func (s *HandlerSuite) TestBatchErrors(c *check.C) {
	c.Assert(s.client.Initialize(context.Background(), nil), check.IsNil)
	auth := map[string]string{HeaderAuthContext: `{"token":"usertoken"}`}
	status, body := s.do(c, "POST", "/deploy/alice/exp-1", "not json", auth)
	c.Check(status, check.Equals, http.StatusBadRequest)
	c.Check(body, check.Matches, `.*invalid request: couldn't parse request body.*`)

	dep := `{"executor_id":"e1","node":{"name":"n1","properties":{},"architecture":"linux/amd64"},"prepared":false,"environment_definition_type":"DockerImage","environment_definition":{"image":"x","runtime_context":{}},"keep_alive_timeout_minutes":10,"cleanup":true}`
	status, body = s.do(c, "POST", "/deploy/alice/exp-1", "["+dep+","+dep+"]", auth)
	c.Check(status, check.Equals, http.StatusBadRequest)
	c.Check(body, check.Matches, `.*duplicate.*e1.*`)

	status, body = s.do(c, "POST", "/deploy/alice/exp-1", "["+dep+"]", auth)
	c.Check(status, check.Equals, http.StatusOK)
	c.Check(body, check.Equals, `{"e1":{"type":"success","data":null}}`)

	status, body = s.do(c, "POST", "/execute/alice/exp-1", "["+dep+"]", auth)
	c.Check(status, check.Equals, http.StatusOK)
	c.Check(body, check.Matches, `\{"e1":\{"type":"failure","data":".*not prepared"\}\}`)

	status, body = s.do(c, "POST", "/stop_executors/alice", `[{"executor_id":"e1","node_name":""}]`, auth)
	c.Check(status, check.Equals, http.StatusBadRequest)
	c.Check(body, check.Matches, `.*empty node_name.*`)
}

func (s *HandlerSuite) TestCleanup(c *check.C) {
	c.Assert(s.client.Initialize(context.Background(), nil), check.IsNil)
	status, body := s.do(c, "POST", "/cleanup/exp-1", "[]", nil)
	c.Check(status, check.Equals, http.StatusOK)
	c.Check(body, check.Equals, "null")

	s.stub.CleanupErrors = map[string]error{"e1": errors.New("disk busy")}
	err := s.client.Cleanup(context.Background(), "exp-1", []unicorn.Deployment{{
		ExecutorID:            "e1",
		Node:                  unicorn.Node{Name: "n1"},
		EnvironmentDefinition: unicorn.ShellExecution{},
	}})
	c.Check(err, check.ErrorMatches, `.*500 Internal Server Error: e1: disk busy`)
}

func (s *HandlerSuite) TestNotFound(c *check.C) {
	status, body := s.do(c, "GET", "/no/such/path", "", nil)
	c.Check(status, check.Equals, http.StatusNotFound)
	c.Check(body, check.Equals, "{\"errors\":[\"not found\"]}\n")
	status, _ = s.do(c, "DELETE", "/health", "", nil)
	c.Check(status, check.Equals, http.StatusMethodNotAllowed)
}

var _ = check.Suite(&ServerSuite{})

type ServerSuite struct{}

func (*ServerSuite) config(initialize bool) *config.Config {
	return &config.Config{
		Connector: config.ConnectorConfig{
			Name:              "test",
			Driver:            "gateway-test-stub",
			DriverParameters:  json.RawMessage(`{"Nodes":["a"]}`),
			InitializeOnStart: initialize,
		},
		Gateway: config.GatewayConfig{
			APIKey:   "apikey",
			Endpoint: "https://gateway.example",
		},
	}
}

func (s *ServerSuite) TestNewHandler(c *check.C) {
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	h := NewHandler(ctx, s.config(false), prometheus.NewRegistry())
	c.Check(h.CheckHealth(ctx), check.IsNil)
	c.Check(h.Done(), check.IsNil)
	c.Check(h.(*server).dispatcher.State(), check.Equals, connector.StateUninitialized)
	c.Check(h.Shutdown(ctx), check.IsNil)
}

func (s *ServerSuite) TestInitializeOnStart(c *check.C) {
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	h := NewHandler(ctx, s.config(true), prometheus.NewRegistry())
	c.Check(h.CheckHealth(ctx), check.IsNil)
	c.Check(h.(*server).dispatcher.State(), check.Equals, connector.StateInitialized)

	srv := httptest.NewServer(h)
	defer srv.Close()
	cl := &connectorclient.Client{Endpoint: srv.URL, APIKey: "apikey", Logger: ctxlog.TestLogger(c)}
	pool, err := cl.GetNodes(ctx, "alice", nil)
	c.Assert(err, check.IsNil)
	c.Check(pool.(unicorn.CountableNodePool).Nodes[0].Name, check.Equals, "a")
	c.Check(h.Shutdown(ctx), check.IsNil)
}

func (s *ServerSuite) TestUnknownDriver(c *check.C) {
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	cfg := s.config(false)
	cfg.Connector.Driver = "bogus"
	h := NewHandler(ctx, cfg, prometheus.NewRegistry())
	c.Check(h.CheckHealth(ctx), check.ErrorMatches, `unsupported connector driver "bogus".*`)
	select {
	case <-h.Done():
	default:
		c.Error("error handler should be done")
	}
}
