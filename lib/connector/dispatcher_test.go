// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package connector_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/netunicorn/netunicorn-connector/lib/config"
	"github.com/netunicorn/netunicorn-connector/lib/connector"
	"github.com/netunicorn/netunicorn-connector/lib/connector/connectortest"
	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&DispatcherSuite{})

type DispatcherSuite struct {
	ctx     context.Context
	backend *connectortest.StubBackend
	reg     *prometheus.Registry
	disp    *connector.Dispatcher
}

func (s *DispatcherSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.ctx = ctxlog.Context(context.Background(), logger)
	s.backend = &connectortest.StubBackend{
		Pool: connectortest.NamedCountablePool("nodeC", "nodeA", "nodeB"),
	}
	s.reg = prometheus.NewRegistry()
	s.disp = connector.New(s.backend, connector.Options{
		Name:            "test",
		GatewayEndpoint: "http://gateway.example:8080",
		Logger:          logger,
		Registry:        s.reg,
	})
}

func (s *DispatcherSuite) initialize(c *check.C) {
	c.Assert(s.disp.Initialize(s.ctx, nil), check.IsNil)
}

func deployment(id, node string, prepared bool) unicorn.Deployment {
	return unicorn.Deployment{
		ExecutorID:            id,
		Node:                  unicorn.Node{Name: node},
		EnvironmentDefinition: unicorn.DockerImage{Image: "img:1"},
		Prepared:              prepared,
	}
}

func (s *DispatcherSuite) TestNotInitialized(c *check.C) {
	ok, msg := s.disp.Health(s.ctx)
	c.Check(ok, check.Equals, false)
	c.Check(msg, check.Equals, "connector is not initialized")

	_, err := s.disp.GetNodes(s.ctx, "alice", nil)
	c.Check(unicorn.IsNotInitialized(err), check.Equals, true)
	_, err = s.disp.Deploy(s.ctx, "alice", "exp1", nil, nil, nil)
	c.Check(unicorn.IsNotInitialized(err), check.Equals, true)
	_, err = s.disp.Execute(s.ctx, "alice", "exp1", nil, nil, nil)
	c.Check(unicorn.IsNotInitialized(err), check.Equals, true)
	_, err = s.disp.StopExecutors(s.ctx, "alice", nil, nil, nil)
	c.Check(unicorn.IsNotInitialized(err), check.Equals, true)
	err = s.disp.Cleanup(s.ctx, "exp1", nil)
	c.Check(unicorn.IsNotInitialized(err), check.Equals, true)

	// Shutting down an uninitialized connector is a no-op.
	c.Check(s.disp.Shutdown(s.ctx), check.IsNil)
	c.Check(s.disp.State(), check.Equals, connector.StateUninitialized)
	c.Check(s.backend.Calls(), check.HasLen, 0)
}

func (s *DispatcherSuite) TestLifecycle(c *check.C) {
	s.initialize(c)
	c.Check(s.disp.State(), check.Equals, connector.StateInitialized)
	ok, msg := s.disp.Health(s.ctx)
	c.Check(ok, check.Equals, true)
	c.Check(msg, check.Equals, "connector test is healthy")
	c.Check(s.metricValue(c, "netunicorn_connector_state", nil), check.Equals, 1.0)

	err := s.disp.Initialize(s.ctx, nil)
	c.Check(err, check.FitsTypeOf, unicorn.ConflictError{})

	c.Check(s.disp.Shutdown(s.ctx), check.IsNil)
	c.Check(s.disp.State(), check.Equals, connector.StateShutDown)
	c.Check(s.backend.Initialized(), check.Equals, false)
	ok, _ = s.disp.Health(s.ctx)
	c.Check(ok, check.Equals, false)
	_, err = s.disp.GetNodes(s.ctx, "alice", nil)
	c.Check(unicorn.IsNotInitialized(err), check.Equals, true)

	// Second shutdown does nothing.
	c.Check(s.disp.Shutdown(s.ctx), check.IsNil)

	// A shut down connector can be initialized again.
	s.initialize(c)
	c.Check(s.disp.State(), check.Equals, connector.StateInitialized)
	c.Check(s.backend.Calls(), check.DeepEquals, []string{"Initialize", "Health", "Shutdown", "Initialize"})
}

// metricValue returns the value of the named counter or gauge with
// the given labels, or -1 if there is no such metric.
func (s *DispatcherSuite) metricValue(c *check.C, name string, labels map[string]string) float64 {
	mfs, err := s.reg.Gather()
	c.Assert(err, check.IsNil)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metric
				}
			}
			if m.Counter != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return -1
}

func (s *DispatcherSuite) TestInitializeFailure(c *check.C) {
	s.backend.InitializeError = errors.New("docker daemon not found")
	err := s.disp.Initialize(s.ctx, nil)
	c.Check(err, check.ErrorMatches, `couldn't initialize the connector: docker daemon not found`)
	c.Check(s.disp.State(), check.Equals, connector.StateUninitialized)

	s.backend.InitializeError = nil
	s.initialize(c)
}

func (s *DispatcherSuite) TestHealthFailure(c *check.C) {
	s.initialize(c)
	s.backend.HealthError = errors.New("daemon at unix:///var/run/docker.sock is not responding")
	ok, msg := s.disp.Health(s.ctx)
	c.Check(ok, check.Equals, false)
	c.Check(msg, check.Equals, "daemon at unix:///var/run/docker.sock is not responding")
}

func (s *DispatcherSuite) TestGetNodesSorted(c *check.C) {
	s.initialize(c)
	pool, err := s.disp.GetNodes(s.ctx, "alice", nil)
	c.Assert(err, check.IsNil)
	cp, ok := pool.(unicorn.CountableNodePool)
	c.Assert(ok, check.Equals, true)
	var names []string
	for _, node := range cp.Nodes {
		names = append(names, node.Name)
	}
	c.Check(names, check.DeepEquals, []string{"nodeA", "nodeB", "nodeC"})

	again, err := s.disp.GetNodes(s.ctx, "alice", nil)
	c.Assert(err, check.IsNil)
	c.Check(again, check.DeepEquals, pool)
}

func (s *DispatcherSuite) TestGetNodesUncountable(c *check.C) {
	s.backend.Pool = connectortest.NamedUncountablePool("cpu-")
	s.initialize(c)
	pool, err := s.disp.GetNodes(s.ctx, "alice", nil)
	c.Assert(err, check.IsNil)
	up, ok := pool.(unicorn.UncountableNodePool)
	c.Assert(ok, check.Equals, true)
	nodes, err := unicorn.Take(s.ctx, up.Producer, 2)
	c.Assert(err, check.IsNil)
	c.Check(nodes[0].Name, check.Equals, "cpu-1")
	c.Check(nodes[1].Name, check.Equals, "cpu-2")

	s.backend.Pool = unicorn.UncountableNodePool{Template: up.Template}
	_, err = s.disp.GetNodes(s.ctx, "alice", nil)
	c.Check(err, check.ErrorMatches, `.*has no producer`)
}

func (s *DispatcherSuite) TestBatchKeys(c *check.C) {
	s.initialize(c)
	for n := 0; n <= 5; n++ {
		var deps []unicorn.Deployment
		for i := 0; i < n; i++ {
			deps = append(deps, deployment(fmt.Sprintf("e%d", i), "nodeA", true))
		}
		br, err := s.disp.Deploy(s.ctx, "alice", "exp1", deps, nil, nil)
		c.Assert(err, check.IsNil)
		c.Check(br, check.HasLen, n)
		for _, dep := range deps {
			c.Check(br[dep.ExecutorID].OK(), check.Equals, true)
			c.Check(br[dep.ExecutorID].Value(), check.IsNil)
		}
		br, err = s.disp.Execute(s.ctx, "alice", "exp1", deps, nil, nil)
		c.Assert(err, check.IsNil)
		c.Check(br, check.HasLen, n)
	}
}

func (s *DispatcherSuite) TestDuplicateIDs(c *check.C) {
	s.initialize(c)
	deps := []unicorn.Deployment{deployment("e1", "nodeA", true), deployment("e1", "nodeB", true)}
	_, err := s.disp.Deploy(s.ctx, "alice", "exp1", deps, nil, nil)
	c.Check(unicorn.IsValidation(err), check.Equals, true)
	c.Check(err, check.ErrorMatches, `invalid request: duplicate executor_id "e1"`)

	_, err = s.disp.Execute(s.ctx, "alice", "exp1", []unicorn.Deployment{deployment("", "nodeA", true)}, nil, nil)
	c.Check(unicorn.IsValidation(err), check.Equals, true)

	_, err = s.disp.StopExecutors(s.ctx, "alice", []unicorn.StopExecutorRequest{{ExecutorID: "e1"}}, nil, nil)
	c.Check(err, check.ErrorMatches, `.*empty node_name`)
	c.Check(s.backend.Calls(), check.DeepEquals, []string{"Initialize"})
}

func (s *DispatcherSuite) TestFailureIsolation(c *check.C) {
	s.backend.UnreachableNodes = map[string]bool{"nodeB": true}
	s.backend.DeployErrors = map[string]error{"e3": errors.New("pull access denied for img")}
	s.backend.PanicExecutors = map[string]bool{"e4": true}
	s.initialize(c)
	deps := []unicorn.Deployment{
		deployment("e1", "nodeA", false),
		deployment("e2", "nodeB", false),
		deployment("e3", "nodeC", false),
		deployment("e4", "nodeA", false),
		deployment("e5", "nodeC", false),
	}
	br, err := s.disp.Deploy(s.ctx, "alice", "exp1", deps, nil, nil)
	c.Assert(err, check.IsNil)
	c.Check(br.Keys(), check.DeepEquals, []string{"e1", "e2", "e3", "e4", "e5"})
	c.Check(br["e1"].OK(), check.Equals, true)
	c.Check(br["e2"].Reason(), check.Equals, "unreachable node")
	c.Check(br["e3"].Reason(), check.Equals, "pull access denied for img")
	c.Check(br["e4"].Reason(), check.Equals, "internal error: stub backend panic for e4")
	c.Check(br["e5"].OK(), check.Equals, true)
	c.Check(br.Failures(), check.Equals, 3)

	c.Check(s.metricValue(c, "netunicorn_connector_items_total", map[string]string{"operation": "deploy", "outcome": "success"}), check.Equals, 2.0)
	c.Check(s.metricValue(c, "netunicorn_connector_items_total", map[string]string{"operation": "deploy", "outcome": "failure"}), check.Equals, 3.0)
	c.Check(testutil.CollectAndCount(s.reg, "netunicorn_connector_operation_duration_seconds"), check.Equals, 2)
}

func (s *DispatcherSuite) TestExecuteUnprepared(c *check.C) {
	s.initialize(c)
	deps := []unicorn.Deployment{deployment("e1", "nodeA", true), deployment("e2", "nodeA", false)}
	br, err := s.disp.Execute(s.ctx, "alice", "exp1", deps, nil, nil)
	c.Assert(err, check.IsNil)
	c.Check(br["e1"].OK(), check.Equals, true)
	c.Check(br["e2"].Reason(), check.Equals, "skipped: deployment is not prepared")
	c.Check(s.backend.Running(), check.DeepEquals, map[string]string{"e1": "nodeA"})

	recs := s.disp.Executors().Executors()
	c.Assert(recs, check.HasLen, 1)
	c.Check(recs[0].ExecutorID, check.Equals, "e1")
	c.Check(recs[0].Username, check.Equals, "alice")
	c.Check(recs[0].ExperimentID, check.Equals, "exp1")
	c.Check(recs[0].Node, check.Equals, "nodeA")
}

func (s *DispatcherSuite) TestExecutorEnv(c *check.C) {
	dep := deployment("e1", "nodeA", true)
	dep.EnvironmentDefinition = unicorn.DockerImage{
		Image: "img:1",
		RuntimeContext: unicorn.RuntimeContext{
			EnvironmentVariables: map[string]string{
				"MODE":                     "fast",
				unicorn.EnvExecutorID:      "spoofed",
				unicorn.EnvGatewayEndpoint: "http://elsewhere",
			},
		},
	}
	env := s.disp.ExecutorEnv("exp1", dep)
	c.Check(env, check.DeepEquals, map[string]string{
		"MODE":                     "fast",
		unicorn.EnvExecutorID:      "e1",
		unicorn.EnvExperimentID:    "exp1",
		unicorn.EnvGatewayEndpoint: "http://gateway.example:8080",
	})
}

func (s *DispatcherSuite) TestStopExecutors(c *check.C) {
	s.initialize(c)
	deps := []unicorn.Deployment{deployment("e1", "nodeA", true), deployment("e2", "nodeB", true), deployment("e3", "nodeC", true)}
	br, err := s.disp.Execute(s.ctx, "alice", "exp1", deps, nil, nil)
	c.Assert(err, check.IsNil)
	c.Assert(br.Failures(), check.Equals, 0)

	br, err = s.disp.StopExecutors(s.ctx, "alice", []unicorn.StopExecutorRequest{
		{ExecutorID: "e1", NodeName: "nodeA"},
		{ExecutorID: "e2", NodeName: "nodeX"},
		{ExecutorID: "e9", NodeName: "nodeA"},
	}, nil, nil)
	c.Assert(err, check.IsNil)
	c.Check(br["e1"].OK(), check.Equals, true)
	c.Check(br["e2"].Reason(), check.Equals, "node mismatch")
	c.Check(br["e9"].Reason(), check.Equals, "unknown executor")
	c.Check(s.backend.Running(), check.DeepEquals, map[string]string{"e2": "nodeB", "e3": "nodeC"})

	br, err = s.disp.StopExecutors(s.ctx, "alice", []unicorn.StopExecutorRequest{{ExecutorID: "e1", NodeName: "nodeA"}}, nil, nil)
	c.Assert(err, check.IsNil)
	c.Check(br["e1"].Reason(), check.Equals, "already stopped")

	br, err = s.disp.StopExecutors(s.ctx, "mallory", []unicorn.StopExecutorRequest{{ExecutorID: "e3", NodeName: "nodeC"}}, nil, nil)
	c.Assert(err, check.IsNil)
	c.Check(br["e3"].Reason(), check.Equals, "executor belongs to another user")
	c.Check(s.backend.Running()["e3"], check.Equals, "nodeC")
}

func (s *DispatcherSuite) TestAuthentication(c *check.C) {
	s.backend.AuthToken = "s3cret"
	s.initialize(c)
	deps := []unicorn.Deployment{deployment("e1", "nodeA", true)}
	_, err := s.disp.Deploy(s.ctx, "alice", "exp1", deps, nil, unicorn.OperationContext{"token": "wrong"})
	c.Check(unicorn.IsAuthentication(err), check.Equals, true)
	_, err = s.disp.Execute(s.ctx, "alice", "exp1", deps, nil, nil)
	c.Check(unicorn.IsAuthentication(err), check.Equals, true)
	c.Check(s.backend.Running(), check.HasLen, 0)

	br, err := s.disp.Execute(s.ctx, "alice", "exp1", deps, nil, unicorn.OperationContext{"token": "s3cret"})
	c.Check(err, check.IsNil)
	c.Check(br["e1"].OK(), check.Equals, true)
}

func (s *DispatcherSuite) TestGetNodesAuthentication(c *check.C) {
	s.backend.AuthToken = "s3cret"
	s.initialize(c)
	pool, err := s.disp.GetNodes(s.ctx, "alice", unicorn.OperationContext{"token": "wrong"})
	c.Check(unicorn.IsAuthentication(err), check.Equals, true)
	c.Check(pool, check.IsNil)
	_, err = s.disp.GetNodes(s.ctx, "alice", nil)
	c.Check(unicorn.IsAuthentication(err), check.Equals, true)
	for _, call := range s.backend.Calls() {
		c.Check(call, check.Not(check.Equals), "Nodes")
	}

	pool, err = s.disp.GetNodes(s.ctx, "alice", unicorn.OperationContext{"token": "s3cret"})
	c.Assert(err, check.IsNil)
	c.Check(pool.(unicorn.CountableNodePool).Nodes, check.HasLen, 3)
}

func (s *DispatcherSuite) TestConcurrencyLimit(c *check.C) {
	s.disp = connector.New(s.backend, connector.Options{MaxConcurrentItems: 2, Logger: ctxlog.TestLogger(c)})
	s.backend.ItemDelay = 20 * time.Millisecond
	s.initialize(c)
	var deps []unicorn.Deployment
	for i := 0; i < 8; i++ {
		deps = append(deps, deployment(fmt.Sprintf("e%d", i), "nodeA", false))
	}
	br, err := s.disp.Deploy(s.ctx, "alice", "exp1", deps, nil, nil)
	c.Assert(err, check.IsNil)
	c.Check(br.Failures(), check.Equals, 0)
	c.Check(s.backend.MaxInflight(), check.Equals, 2)
}

func (s *DispatcherSuite) TestShutdownCancelsInflight(c *check.C) {
	s.backend.ItemDelay = time.Hour
	s.initialize(c)
	type result struct {
		br  unicorn.BatchResult[*string]
		err error
	}
	done := make(chan result)
	go func() {
		br, err := s.disp.Deploy(s.ctx, "alice", "exp1", []unicorn.Deployment{deployment("e1", "nodeA", false)}, nil, nil)
		done <- result{br, err}
	}()
	for deadline := time.Now().Add(5 * time.Second); s.backend.MaxInflight() == 0; time.Sleep(time.Millisecond) {
		c.Assert(time.Now().Before(deadline), check.Equals, true, check.Commentf("deploy never started"))
	}

	// New calls are refused as soon as shutdown starts.
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	c.Check(s.disp.Shutdown(ctx), check.IsNil)

	res := <-done
	c.Assert(res.err, check.IsNil)
	c.Check(res.br["e1"].Reason(), check.Equals, "context canceled")
	c.Check(s.disp.State(), check.Equals, connector.StateShutDown)
	c.Check(s.backend.Initialized(), check.Equals, false)
}

func (s *DispatcherSuite) TestCallerCancel(c *check.C) {
	s.backend.ItemDelay = time.Hour
	s.initialize(c)
	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	br, err := s.disp.Deploy(ctx, "alice", "exp1", []unicorn.Deployment{deployment("e1", "nodeA", false), deployment("e2", "nodeB", false)}, nil, nil)
	c.Assert(err, check.IsNil)
	c.Check(br["e1"].Reason(), check.Equals, "context deadline exceeded")
	c.Check(br["e2"].Reason(), check.Equals, "context deadline exceeded")
	c.Check(s.disp.State(), check.Equals, connector.StateInitialized)
}

func (s *DispatcherSuite) TestCleanup(c *check.C) {
	s.initialize(c)
	deps := []unicorn.Deployment{deployment("e1", "nodeA", true), deployment("e2", "nodeB", true)}
	_, err := s.disp.Execute(s.ctx, "alice", "exp1", deps, nil, nil)
	c.Assert(err, check.IsNil)
	_, err = s.disp.Execute(s.ctx, "alice", "exp2", []unicorn.Deployment{deployment("e3", "nodeC", true)}, nil, nil)
	c.Assert(err, check.IsNil)

	for i := 0; i < 2; i++ {
		c.Check(s.disp.Cleanup(s.ctx, "exp1", deps), check.IsNil)
	}
	c.Check(s.backend.Cleanups(), check.Equals, 4)
	c.Check(s.backend.Running(), check.DeepEquals, map[string]string{"e3": "nodeC"})
	recs := s.disp.Executors().Executors()
	c.Assert(recs, check.HasLen, 1)
	c.Check(recs[0].ExecutorID, check.Equals, "e3")

	// Cleanup of an experiment that never existed is fine.
	c.Check(s.disp.Cleanup(s.ctx, "exp404", nil), check.IsNil)
}

func (s *DispatcherSuite) TestCleanupErrors(c *check.C) {
	s.backend.CleanupErrors = map[string]error{
		"e1": errors.New("permission denied"),
		"e3": errors.New("device busy"),
	}
	s.initialize(c)
	deps := []unicorn.Deployment{deployment("e1", "nodeA", true), deployment("e2", "nodeB", true), deployment("e3", "nodeC", true)}
	err := s.disp.Cleanup(s.ctx, "exp1", deps)
	c.Check(err, check.ErrorMatches, `(?s)e1: permission denied\ne3: device busy`)
	c.Check(s.backend.Cleanups(), check.Equals, 3)
}

var _ = check.Suite(&DriverSuite{})

type DriverSuite struct{}

func init() {
	connector.RegisterDriver("test-stub", connectortest.StubDriver)
}

func (*DriverSuite) TestNewFromConfig(c *check.C) {
	cfg := &config.Config{}
	cfg.Connector.Name = "lab"
	cfg.Connector.Driver = "test-stub"
	cfg.Connector.DriverParameters = json.RawMessage(`{"Nodes":["n2","n1"],"AuthToken":"t"}`)
	cfg.Gateway.Endpoint = "http://gw"
	disp, err := connector.NewFromConfig(cfg, ctxlog.TestLogger(c), prometheus.NewRegistry())
	c.Assert(err, check.IsNil)
	ctx := context.Background()
	c.Assert(disp.Initialize(ctx, nil), check.IsNil)
	ok, msg := disp.Health(ctx)
	c.Check(ok, check.Equals, true)
	c.Check(msg, check.Equals, "connector lab is healthy")
	pool, err := disp.GetNodes(ctx, "alice", nil)
	c.Assert(err, check.IsNil)
	c.Check(pool.(unicorn.CountableNodePool).Nodes[0].Name, check.Equals, "n1")
	c.Check(disp.ExecutorEnv("x", deployment("e1", "n1", true))[unicorn.EnvGatewayEndpoint], check.Equals, "http://gw")
	_, err = disp.Deploy(ctx, "alice", "x", []unicorn.Deployment{deployment("e1", "n1", false)}, nil, nil)
	c.Check(unicorn.IsAuthentication(err), check.Equals, true)

	cfg.Connector.Driver = "nonexistent"
	_, err = connector.NewFromConfig(cfg, ctxlog.TestLogger(c), prometheus.NewRegistry())
	c.Check(err, check.ErrorMatches, `unsupported connector driver "nonexistent" \(registered drivers: \[test-stub\]\)`)

	cfg.Connector.Driver = "test-stub"
	cfg.Connector.DriverParameters = json.RawMessage(`{"Nodes":"n1"}`)
	_, err = connector.NewFromConfig(cfg, ctxlog.TestLogger(c), prometheus.NewRegistry())
	c.Check(err, check.ErrorMatches, `error configuring test-stub driver: error decoding stub driver parameters: .*`)
}

func (*DriverSuite) TestRegisterDuplicate(c *check.C) {
	c.Check(func() { connector.RegisterDriver("test-stub", connectortest.StubDriver) }, check.PanicMatches, `connector: duplicate driver test-stub`)
	c.Check(connector.Drivers(), check.DeepEquals, []string{"test-stub"})
}
