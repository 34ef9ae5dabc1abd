// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package connector_test

import (
	"fmt"
	"sync"

	"github.com/netunicorn/netunicorn-connector/lib/connector"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ExecutorTableSuite{})

type ExecutorTableSuite struct{}

func (*ExecutorTableSuite) TestValidate(c *check.C) {
	t := connector.NewExecutorTable()
	t.Record(connector.ExecutorRecord{ExecutorID: "e1", ExperimentID: "x", Username: "alice", Node: "n1", Handle: "c0ffee"})
	t.Record(connector.ExecutorRecord{ExecutorID: "e2", ExperimentID: "x", Node: "n2"})

	rec, err := t.Validate("alice", unicorn.StopExecutorRequest{ExecutorID: "e1", NodeName: "n1"})
	c.Assert(err, check.IsNil)
	c.Check(rec.Handle, check.Equals, "c0ffee")
	c.Check(rec.Started.IsZero(), check.Equals, false)

	for _, trial := range []struct {
		user string
		req  unicorn.StopExecutorRequest
		err  error
	}{
		{"alice", unicorn.StopExecutorRequest{ExecutorID: "e9", NodeName: "n1"}, connector.ErrUnknownExecutor},
		{"bob", unicorn.StopExecutorRequest{ExecutorID: "e1", NodeName: "n1"}, connector.ErrNotOwner},
		{"bob", unicorn.StopExecutorRequest{ExecutorID: "e1", NodeName: "n2"}, connector.ErrNotOwner},
		{"alice", unicorn.StopExecutorRequest{ExecutorID: "e1", NodeName: "n2"}, connector.ErrNodeMismatch},
		// Records without a username can be stopped by anyone.
		{"bob", unicorn.StopExecutorRequest{ExecutorID: "e2", NodeName: "n2"}, nil},
	} {
		comment := check.Commentf("%+v", trial)
		rec, err := t.Validate(trial.user, trial.req)
		c.Check(err, check.Equals, trial.err, comment)
		c.Check(rec == nil, check.Equals, trial.err != nil, comment)
	}

	c.Check(t.MarkStopped("e1"), check.Equals, true)
	c.Check(t.MarkStopped("e1"), check.Equals, false)
	c.Check(t.MarkStopped("e9"), check.Equals, false)
	_, err = t.Validate("alice", unicorn.StopExecutorRequest{ExecutorID: "e1", NodeName: "n1"})
	c.Check(err, check.Equals, connector.ErrAlreadyStopped)

	// Lookup returns a copy.
	rec2, ok := t.Lookup("e1")
	c.Assert(ok, check.Equals, true)
	rec2.Node = "elsewhere"
	rec3, _ := t.Lookup("e1")
	c.Check(rec3.Node, check.Equals, "n1")
}

func (*ExecutorTableSuite) TestForgetExperiment(c *check.C) {
	t := connector.NewExecutorTable()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			t.Record(connector.ExecutorRecord{
				ExecutorID:   fmt.Sprintf("e%02d", i),
				ExperimentID: fmt.Sprintf("x%d", i%2),
				Node:         "n1",
			})
		}(i)
	}
	wg.Wait()
	c.Check(t.Executors(), check.HasLen, 20)
	c.Check(t.Executors()[0].ExecutorID, check.Equals, "e00")
	c.Check(t.ForgetExperiment("x1"), check.Equals, 10)
	c.Check(t.ForgetExperiment("x1"), check.Equals, 0)
	for _, rec := range t.Executors() {
		c.Check(rec.ExperimentID, check.Equals, "x0")
	}
}
