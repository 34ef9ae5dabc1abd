// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package connectortest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/netunicorn/netunicorn-connector/lib/connector"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
	"github.com/sirupsen/logrus"
)

// A Tester runs a sequence of protocol calls against a connector and
// checks the properties every connector must have, whatever its
// infrastructure:
//
//   - batch results have exactly one key per input item, for every
//     batch size from 0 to MaxItems
//   - a failing item does not affect the other items of its batch
//   - executing an unprepared deployment fails
//   - stopping an executor on the wrong node fails
//   - repeated get_nodes calls describe the same pool
//   - cleanup can be repeated
//
// Run should be called only once, after assigning suitable values to
// public fields.
type Tester struct {
	Logger    logrus.FieldLogger
	Connector connector.Connector

	Username     string
	ExperimentID string
	Auth         unicorn.OperationContext

	// Body of the initialize call.
	InitializeParams json.RawMessage

	// Don't call Initialize or Shutdown (e.g., the connector is
	// shared with other tests).
	SkipInitialize bool
	SkipShutdown   bool

	// Environment of the test deployments. If nil, only the
	// calls that don't touch any node are tested.
	Environment unicorn.EnvironmentDefinition

	// Largest batch size to test (default 3).
	MaxItems int

	// A node on which every item is expected to fail, for
	// checking failure isolation. If empty and the pool is
	// countable, a name that is not in the pool is used.
	FaultyNode string

	failed      bool
	seq         int
	deployed    []unicorn.Deployment
	isCountable bool
}

// Run the test sequence, clean up, and return true if everything is
// OK.
func (t *Tester) Run(ctx context.Context) bool {
	if t.MaxItems <= 0 {
		t.MaxItems = 3
	}
	if t.Username == "" {
		t.Username = "connectortest"
	}
	if t.ExperimentID == "" {
		t.ExperimentID = "connectortest-" + randomHex(8)
	}
	t.Logger = t.Logger.WithFields(logrus.Fields{
		"Username":     t.Username,
		"ExperimentID": t.ExperimentID,
	})

	if !t.SkipInitialize {
		t0 := time.Now()
		err := t.Connector.Initialize(ctx, t.InitializeParams)
		lgr := t.Logger.WithField("Duration", time.Since(t0))
		if err != nil {
			lgr.WithError(err).Error("initialize failed")
			return false
		}
		lgr.Info("initialized")
	}

	if ok, msg := t.Connector.Health(ctx); !ok {
		t.fail(logrus.Fields{"Status": msg}, "connector is not healthy after initialize")
	} else {
		t.Logger.WithField("Status", msg).Info("connector is healthy")
	}

	nodes := t.checkNodes(ctx)
	t.checkEmptyBatches(ctx)
	if t.Environment == nil {
		t.Logger.Info("no test environment given, skipping deploy/execute/stop tests")
	} else if len(nodes) == 0 {
		t.fail(nil, "pool has no nodes, cannot test deploy/execute/stop")
	} else {
		for n := 1; n <= t.MaxItems; n++ {
			t.checkBatch(ctx, nodes, n)
		}
		t.checkUnprepared(ctx, nodes[0])
		t.checkIsolation(ctx, nodes[0])
	}
	t.checkCleanup(ctx)

	if !t.SkipShutdown {
		if err := t.Connector.Shutdown(ctx); err != nil {
			t.fail(logrus.Fields{"Error": err.Error()}, "shutdown failed")
		}
		if ok, _ := t.Connector.Health(ctx); ok {
			t.fail(nil, "connector reports healthy after shutdown")
		}
	}
	if !t.failed {
		t.Logger.Info("all checks passed")
	}
	return !t.failed
}

func (t *Tester) fail(fields logrus.Fields, msg string) {
	t.failed = true
	t.Logger.WithFields(fields).Error(msg)
}

// checkNodes calls GetNodes twice and checks that both calls
// describe the same pool. It returns MaxItems nodes to deploy on
// (fewer if the pool is countable and small).
func (t *Tester) checkNodes(ctx context.Context) []unicorn.Node {
	pool, err := t.Connector.GetNodes(ctx, t.Username, t.Auth)
	if err != nil {
		t.fail(logrus.Fields{"Error": err.Error()}, "get_nodes failed")
		return nil
	}
	first, err := unicorn.MarshalNodePool(pool)
	if err != nil {
		t.fail(logrus.Fields{"Error": err.Error()}, "cannot encode node pool")
		return nil
	}
	again, err := t.Connector.GetNodes(ctx, t.Username, t.Auth)
	if err != nil {
		t.fail(logrus.Fields{"Error": err.Error()}, "second get_nodes failed")
		return nil
	}
	second, _ := unicorn.MarshalNodePool(again)
	if !bytes.Equal(first, second) {
		t.fail(logrus.Fields{"First": string(first), "Second": string(second)}, "get_nodes results differ")
	}
	t.Logger.WithField("Pool", string(first)).Info("got node pool")

	var nodes []unicorn.Node
	switch pool := pool.(type) {
	case unicorn.CountableNodePool:
		t.isCountable = true
		nodes = pool.Nodes
		if len(nodes) > t.MaxItems {
			nodes = nodes[:t.MaxItems]
		}
	case unicorn.UncountableNodePool:
		nodes, err = unicorn.Take(ctx, pool.Producer, t.MaxItems)
		if err != nil {
			t.fail(logrus.Fields{"Error": err.Error()}, "node producer failed")
			return nil
		}
		seen := map[string]bool{}
		for _, node := range nodes {
			if seen[node.Name] {
				t.fail(logrus.Fields{"Node": node.Name}, "node producer returned the same name twice")
			}
			seen[node.Name] = true
		}
	}
	return nodes
}

func (t *Tester) checkEmptyBatches(ctx context.Context) {
	check := func(op string, br unicorn.BatchResult[*string], err error) {
		if err != nil {
			t.fail(logrus.Fields{"Operation": op, "Error": err.Error()}, "empty batch failed")
		} else if len(br) != 0 {
			t.fail(logrus.Fields{"Operation": op, "Keys": br.Keys()}, "empty batch returned results")
		}
	}
	br, err := t.Connector.Deploy(ctx, t.Username, t.ExperimentID, nil, nil, t.Auth)
	check("deploy", br, err)
	br, err = t.Connector.Execute(ctx, t.Username, t.ExperimentID, nil, nil, t.Auth)
	check("execute", br, err)
	br, err = t.Connector.StopExecutors(ctx, t.Username, nil, nil, t.Auth)
	check("stop_executors", br, err)
}

func (t *Tester) newDeployment(node unicorn.Node) unicorn.Deployment {
	t.seq++
	dep := unicorn.Deployment{
		ExecutorID:            fmt.Sprintf("%s-%d", t.ExperimentID, t.seq),
		Node:                  node,
		EnvironmentDefinition: t.Environment,
		Cleanup:               true,
	}
	t.deployed = append(t.deployed, dep)
	return dep
}

// checkKeys fails the test unless br has exactly one key per
// deployment.
func (t *Tester) checkKeys(op string, ids []string, br unicorn.BatchResult[*string]) bool {
	want := append([]string(nil), ids...)
	sort.Strings(want)
	got := br.Keys()
	if fmt.Sprint(want) != fmt.Sprint(got) {
		t.fail(logrus.Fields{"Operation": op, "Want": want, "Got": got}, "result keys do not match input items")
		return false
	}
	return true
}

// checkBatch deploys, executes and stops n executors, one per node
// (reusing nodes if there are fewer than n).
func (t *Tester) checkBatch(ctx context.Context, nodes []unicorn.Node, n int) {
	lgr := t.Logger.WithField("BatchSize", n)
	deps := make([]unicorn.Deployment, n)
	ids := make([]string, n)
	for i := range deps {
		deps[i] = t.newDeployment(nodes[i%len(nodes)])
		ids[i] = deps[i].ExecutorID
	}
	br, err := t.Connector.Deploy(ctx, t.Username, t.ExperimentID, deps, nil, t.Auth)
	if err != nil {
		t.fail(logrus.Fields{"BatchSize": n, "Error": err.Error()}, "deploy failed")
		return
	}
	if !t.checkKeys("deploy", ids, br) {
		return
	}
	for i := range deps {
		if res := br[deps[i].ExecutorID]; res.OK() {
			deps[i].Prepared = true
		} else {
			t.fail(logrus.Fields{"ExecutorID": deps[i].ExecutorID, "Reason": res.Reason()}, "deploy item failed")
		}
	}
	lgr.WithField("Failures", br.Failures()).Info("deploy finished")

	br, err = t.Connector.Execute(ctx, t.Username, t.ExperimentID, deps, nil, t.Auth)
	if err != nil {
		t.fail(logrus.Fields{"BatchSize": n, "Error": err.Error()}, "execute failed")
		return
	}
	if !t.checkKeys("execute", ids, br) {
		return
	}
	var stops []unicorn.StopExecutorRequest
	for _, dep := range deps {
		res := br[dep.ExecutorID]
		if !dep.Prepared {
			if res.OK() {
				t.fail(logrus.Fields{"ExecutorID": dep.ExecutorID}, "execute succeeded for unprepared deployment")
			}
			continue
		}
		if !res.OK() {
			t.fail(logrus.Fields{"ExecutorID": dep.ExecutorID, "Reason": res.Reason()}, "execute item failed")
			continue
		}
		stops = append(stops, unicorn.StopExecutorRequest{ExecutorID: dep.ExecutorID, NodeName: dep.Node.Name})
	}
	lgr.WithField("Failures", br.Failures()).Info("execute finished")
	if len(stops) == 0 {
		return
	}

	// A request naming the wrong node must fail without
	// stopping anything.
	wrong := stops[0]
	wrong.NodeName += "-wrong"
	br, err = t.Connector.StopExecutors(ctx, t.Username, []unicorn.StopExecutorRequest{wrong}, nil, t.Auth)
	if err != nil {
		t.fail(logrus.Fields{"Error": err.Error()}, "stop_executors failed")
	} else if res := br[wrong.ExecutorID]; res.OK() {
		t.fail(logrus.Fields{"ExecutorID": wrong.ExecutorID, "Node": wrong.NodeName}, "stop succeeded on the wrong node")
	}

	stopIDs := make([]string, len(stops))
	for i, req := range stops {
		stopIDs[i] = req.ExecutorID
	}
	br, err = t.Connector.StopExecutors(ctx, t.Username, stops, nil, t.Auth)
	if err != nil {
		t.fail(logrus.Fields{"Error": err.Error()}, "stop_executors failed")
		return
	}
	if !t.checkKeys("stop_executors", stopIDs, br) {
		return
	}
	for _, id := range stopIDs {
		if res := br[id]; !res.OK() {
			t.fail(logrus.Fields{"ExecutorID": id, "Reason": res.Reason()}, "stop item failed")
		}
	}
	lgr.WithField("Failures", br.Failures()).Info("stop_executors finished")
}

func (t *Tester) checkUnprepared(ctx context.Context, node unicorn.Node) {
	dep := t.newDeployment(node)
	br, err := t.Connector.Execute(ctx, t.Username, t.ExperimentID, []unicorn.Deployment{dep}, nil, t.Auth)
	if err != nil {
		t.fail(logrus.Fields{"Error": err.Error()}, "execute failed")
		return
	}
	if res, ok := br[dep.ExecutorID]; !ok || res.OK() {
		t.fail(logrus.Fields{"ExecutorID": dep.ExecutorID}, "execute did not fail for unprepared deployment")
	}
}

// checkIsolation deploys a batch where one item is bound to fail,
// and checks that the other item still succeeds.
func (t *Tester) checkIsolation(ctx context.Context, good unicorn.Node) {
	faulty := t.FaultyNode
	if faulty == "" {
		if !t.isCountable {
			t.Logger.Info("no faulty node given for uncountable pool, skipping isolation test")
			return
		}
		faulty = "connectortest-no-such-node-" + randomHex(4)
	}
	bad := good
	bad.Name = faulty
	deps := []unicorn.Deployment{t.newDeployment(bad), t.newDeployment(good)}
	br, err := t.Connector.Deploy(ctx, t.Username, t.ExperimentID, deps, nil, t.Auth)
	if err != nil {
		t.fail(logrus.Fields{"Error": err.Error()}, "deploy with faulty node failed as a whole")
		return
	}
	if !t.checkKeys("deploy", []string{deps[0].ExecutorID, deps[1].ExecutorID}, br) {
		return
	}
	if br[deps[0].ExecutorID].OK() {
		t.fail(logrus.Fields{"Node": faulty}, "deploy succeeded on faulty node")
	}
	if res := br[deps[1].ExecutorID]; !res.OK() {
		t.fail(logrus.Fields{"Node": good.Name, "Reason": res.Reason()}, "deploy on good node failed alongside faulty node")
	}
}

// checkCleanup cleans up the experiment twice.
func (t *Tester) checkCleanup(ctx context.Context) {
	for i := 1; i <= 2; i++ {
		t0 := time.Now()
		err := t.Connector.Cleanup(ctx, t.ExperimentID, t.deployed)
		lgr := t.Logger.WithFields(logrus.Fields{
			"Attempt":     i,
			"Deployments": len(t.deployed),
			"Duration":    time.Since(t0),
		})
		if err != nil {
			t.fail(logrus.Fields{"Attempt": i, "Error": err.Error()}, "cleanup failed")
		} else {
			lgr.Info("cleanup succeeded")
		}
	}
}

// Return a random string of n hexadecimal digits (n*4 random bits). n
// must be even.
func randomHex(n int) string {
	buf := make([]byte, n/2)
	_, err := rand.Read(buf)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", buf)
}
