// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// State is a connector lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateShutDown:
		return "shut down"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configure a Dispatcher.
type Options struct {
	// Name identifies the connector in health messages and
	// logs.
	Name string

	// GatewayEndpoint is passed to every executor as
	// NETUNICORN_GATEWAY_ENDPOINT.
	GatewayEndpoint string

	// Maximum number of items of one batch processed at once
	// (default DefaultMaxConcurrentItems).
	MaxConcurrentItems int

	Logger   logrus.FieldLogger
	Registry *prometheus.Registry
}

// Dispatcher implements Connector on top of a Backend. It enforces
// the lifecycle state machine, validates requests, fans batch items
// out to the backend concurrently, and aggregates exactly one result
// per item.
type Dispatcher struct {
	backend   Backend
	opts      Options
	maxItems  int
	logger    logrus.FieldLogger
	executors *ExecutorTable
	metrics   *metrics

	// lifecycle serializes Initialize and Shutdown.
	lifecycle sync.Mutex

	mtx      sync.Mutex
	state    State
	inflight sync.WaitGroup
	opCtx    context.Context
	opCancel context.CancelFunc
}

var _ Connector = (*Dispatcher)(nil)

// New returns an uninitialized Dispatcher for backend.
func New(backend Backend, opts Options) *Dispatcher {
	d := &Dispatcher{
		backend:   backend,
		opts:      opts,
		maxItems:  opts.MaxConcurrentItems,
		logger:    opts.Logger,
		executors: NewExecutorTable(),
	}
	if d.maxItems <= 0 {
		d.maxItems = DefaultMaxConcurrentItems
	}
	if d.logger == nil {
		d.logger = logrus.StandardLogger()
	}
	d.logger = d.logger.WithField("Connector", opts.Name)
	d.metrics = newMetrics(opts.Registry, func() float64 { return float64(d.State()) })
	return d
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.state
}

// Executors returns the table of executors started by Execute.
func (d *Dispatcher) Executors() *ExecutorTable {
	return d.executors
}

// Initialize initializes the backend. It fails with a ConflictError
// if the connector is already initialized. If the backend fails to
// initialize, the connector remains uninitialized.
func (d *Dispatcher) Initialize(ctx context.Context, params json.RawMessage) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if st := d.State(); st == StateInitialized {
		return unicorn.ConflictError{Reason: "connector is already initialized"}
	}
	t0 := time.Now()
	err := safely(d.logger, func() error { return d.backend.Initialize(ctx, params) })
	d.metrics.duration.WithLabelValues("initialize").Observe(time.Since(t0).Seconds())
	if err != nil {
		d.logger.WithError(err).Error("initialize failed")
		return fmt.Errorf("couldn't initialize the connector: %w", err)
	}
	d.mtx.Lock()
	d.opCtx, d.opCancel = context.WithCancel(context.Background())
	d.state = StateInitialized
	d.mtx.Unlock()
	d.logger.Info("connector initialized")
	return nil
}

// Shutdown stops admitting calls, waits for in-flight calls to
// finish (until ctx is done, after which their contexts are
// cancelled and Shutdown waits for them to return), then shuts down
// the backend. Calling Shutdown on a connector that is not
// initialized does nothing.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.mtx.Lock()
	if d.state != StateInitialized {
		d.mtx.Unlock()
		return nil
	}
	d.state = StateShutDown
	opCancel := d.opCancel
	d.mtx.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.WithError(ctx.Err()).Warn("cancelling in-flight operations")
		opCancel()
		<-done
	}
	opCancel()

	// The backend gets a chance to release resources even if
	// ctx has expired.
	err := safely(d.logger, func() error { return d.backend.Shutdown(context.WithoutCancel(ctx)) })
	if err != nil {
		d.logger.WithError(err).Error("backend shutdown failed")
		return fmt.Errorf("shutdown: %w", err)
	}
	d.logger.Info("connector shut down")
	return nil
}

// begin admits a call. The returned context is cancelled when the
// caller's context is done or Shutdown gives up waiting; done must
// be called when the call returns.
func (d *Dispatcher) begin(ctx context.Context, op string) (context.Context, func(), error) {
	d.mtx.Lock()
	if d.state != StateInitialized {
		d.mtx.Unlock()
		return nil, nil, unicorn.NotInitializedError{Operation: op}
	}
	d.inflight.Add(1)
	opCtx := d.opCtx
	d.mtx.Unlock()

	ctx, cancel := context.WithCancel(ctxlog.Context(ctx, ctxlog.FromContextOr(ctx, d.logger)))
	stop := context.AfterFunc(opCtx, cancel)
	d.metrics.inflight.Inc()
	t0 := time.Now()
	return ctx, func() {
		stop()
		cancel()
		d.metrics.inflight.Dec()
		d.metrics.duration.WithLabelValues(op).Observe(time.Since(t0).Seconds())
		d.inflight.Done()
	}, nil
}

// Health reports whether the backend is reachable. It never returns
// an error: failures (including "not initialized") are reported as
// false plus a diagnostic message.
func (d *Dispatcher) Health(ctx context.Context) (bool, string) {
	ctx, done, err := d.begin(ctx, "health")
	if err != nil {
		return false, "connector is not initialized"
	}
	defer done()
	err = safely(ctxlog.FromContext(ctx), func() error { return d.backend.Health(ctx) })
	if err != nil {
		return false, err.Error()
	}
	if d.opts.Name == "" {
		return true, "connector is healthy"
	}
	return true, fmt.Sprintf("connector %s is healthy", d.opts.Name)
}

type poolSorter struct{ out *unicorn.NodePool }

func (s poolSorter) Countable(p unicorn.CountableNodePool) error {
	*s.out = p.Sorted()
	return nil
}

func (s poolSorter) Uncountable(p unicorn.UncountableNodePool) error {
	if p.Producer == nil {
		return errors.New("uncountable node pool has no producer")
	}
	*s.out = p
	return nil
}

// GetNodes returns the node pool visible to username. Countable
// pools are sorted by node name.
func (d *Dispatcher) GetNodes(ctx context.Context, username string, auth unicorn.OperationContext) (unicorn.NodePool, error) {
	ctx, done, err := d.begin(ctx, "get_nodes")
	if err != nil {
		return nil, err
	}
	defer done()
	if err := d.authenticate(ctx, username, auth); err != nil {
		return nil, err
	}
	logger := ctxlog.FromContext(ctx).WithField("Username", username)
	var pool unicorn.NodePool
	err = safely(logger, func() error {
		var err error
		pool, err = d.backend.Nodes(ctx, username, auth)
		return err
	})
	if err != nil {
		logger.WithError(err).Info("get_nodes failed")
		return nil, err
	}
	var out unicorn.NodePool
	if err := unicorn.VisitNodePool(pool, poolSorter{&out}); err != nil {
		return nil, fmt.Errorf("get_nodes: %w", err)
	}
	return out, nil
}

func deploymentIDs(deployments []unicorn.Deployment) []string {
	ids := make([]string, len(deployments))
	for i, dep := range deployments {
		ids[i] = dep.ExecutorID
	}
	return ids
}

func deploymentFields(experimentID string, deployments []unicorn.Deployment) func(int) logrus.Fields {
	return func(i int) logrus.Fields {
		return logrus.Fields{
			"ExperimentID": experimentID,
			"ExecutorID":   deployments[i].ExecutorID,
			"Node":         deployments[i].Node.Name,
		}
	}
}

// authenticate runs the backend's per-call auth check.
func (d *Dispatcher) authenticate(ctx context.Context, username string, auth unicorn.OperationContext) error {
	logger := ctxlog.FromContext(ctx).WithField("Username", username)
	err := safely(logger, func() error { return d.backend.Authenticate(ctx, username, auth) })
	if err != nil && !unicorn.IsAuthentication(err) {
		err = unicorn.AuthenticationError{Username: username, Reason: err.Error()}
	}
	return err
}

// Deploy prepares each deployment's environment on its node.
func (d *Dispatcher) Deploy(ctx context.Context, username, experimentID string, deployments []unicorn.Deployment, deploymentCtx, auth unicorn.OperationContext) (unicorn.BatchResult[*string], error) {
	ctx, done, err := d.begin(ctx, "deploy")
	if err != nil {
		return nil, err
	}
	defer done()
	ids := deploymentIDs(deployments)
	if err := checkIDs(ids); err != nil {
		return nil, err
	}
	if err := d.authenticate(ctx, username, auth); err != nil {
		return nil, err
	}
	return d.runBatch(ctx, "deploy", ids, deploymentFields(experimentID, deployments), func(ctx context.Context, logger logrus.FieldLogger, i int) (string, error) {
		return d.backend.Deploy(ctx, DeployItem{
			Username:     username,
			ExperimentID: experimentID,
			Deployment:   deployments[i],
			Context:      deploymentCtx,
			Auth:         auth,
		})
	}), nil
}

// ExecutorEnv returns the environment for an executor: the
// deployment's own variables, overridden by the mandatory netunicorn
// variables.
func (d *Dispatcher) ExecutorEnv(experimentID string, dep unicorn.Deployment) map[string]string {
	env := map[string]string{}
	if dep.EnvironmentDefinition != nil {
		for k, v := range dep.EnvironmentDefinition.Runtime().EnvironmentVariables {
			env[k] = v
		}
	}
	env[unicorn.EnvGatewayEndpoint] = d.opts.GatewayEndpoint
	env[unicorn.EnvExecutorID] = dep.ExecutorID
	env[unicorn.EnvExperimentID] = experimentID
	return env
}

// Execute starts an executor for each prepared deployment. Items
// that are not prepared fail without reaching the backend.
func (d *Dispatcher) Execute(ctx context.Context, username, experimentID string, deployments []unicorn.Deployment, executionCtx, auth unicorn.OperationContext) (unicorn.BatchResult[*string], error) {
	ctx, done, err := d.begin(ctx, "execute")
	if err != nil {
		return nil, err
	}
	defer done()
	ids := deploymentIDs(deployments)
	if err := checkIDs(ids); err != nil {
		return nil, err
	}
	if err := d.authenticate(ctx, username, auth); err != nil {
		return nil, err
	}
	return d.runBatch(ctx, "execute", ids, deploymentFields(experimentID, deployments), func(ctx context.Context, logger logrus.FieldLogger, i int) (string, error) {
		dep := deployments[i]
		if !dep.Prepared {
			return "", errors.New("skipped: deployment is not prepared")
		}
		msg, err := d.backend.Execute(ctx, ExecuteItem{
			Username:     username,
			ExperimentID: experimentID,
			Deployment:   dep,
			Context:      executionCtx,
			Auth:         auth,
			Env:          d.ExecutorEnv(experimentID, dep),
		})
		if err != nil {
			return "", err
		}
		d.executors.Record(ExecutorRecord{
			ExecutorID:   dep.ExecutorID,
			ExperimentID: experimentID,
			Username:     username,
			Node:         dep.Node.Name,
			Handle:       msg,
		})
		return msg, nil
	}), nil
}

// StopExecutors stops the requested executors. A request naming the
// wrong node, an unknown executor, or an executor that was already
// stopped fails for that item only.
func (d *Dispatcher) StopExecutors(ctx context.Context, username string, requests []unicorn.StopExecutorRequest, cancellationCtx, auth unicorn.OperationContext) (unicorn.BatchResult[*string], error) {
	ctx, done, err := d.begin(ctx, "stop_executors")
	if err != nil {
		return nil, err
	}
	defer done()
	ids := make([]string, len(requests))
	for i, req := range requests {
		if req.NodeName == "" {
			return nil, unicorn.Validationf("stop request for executor %q has empty node_name", req.ExecutorID)
		}
		ids[i] = req.ExecutorID
	}
	if err := checkIDs(ids); err != nil {
		return nil, err
	}
	if err := d.authenticate(ctx, username, auth); err != nil {
		return nil, err
	}
	fields := func(i int) logrus.Fields {
		return logrus.Fields{
			"ExecutorID": requests[i].ExecutorID,
			"Node":       requests[i].NodeName,
		}
	}
	return d.runBatch(ctx, "stop_executors", ids, fields, func(ctx context.Context, logger logrus.FieldLogger, i int) (string, error) {
		req := requests[i]
		rec, err := d.executors.Validate(username, req)
		if err != nil && !errors.Is(err, ErrUnknownExecutor) {
			return "", err
		}
		msg, err := d.backend.Stop(ctx, StopItem{
			Username: username,
			Request:  req,
			Context:  cancellationCtx,
			Auth:     auth,
			Record:   rec,
		})
		if err != nil {
			return "", err
		}
		if rec != nil && !d.executors.MarkStopped(req.ExecutorID) {
			return "", ErrAlreadyStopped
		}
		return msg, nil
	}), nil
}

// Cleanup releases every backend resource tied to the experiment.
// Deployments are cleaned up concurrently; failures are logged and
// returned together, and never stop other deployments' cleanup.
func (d *Dispatcher) Cleanup(ctx context.Context, experimentID string, deployments []unicorn.Deployment) error {
	ctx, done, err := d.begin(ctx, "cleanup")
	if err != nil {
		return err
	}
	defer done()
	errs := make([]error, len(deployments))
	sem := make(chan struct{}, d.maxItems)
	var wg sync.WaitGroup
	for i, dep := range deployments {
		wg.Add(1)
		go func(i int, dep unicorn.Deployment) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
				"Operation":    "cleanup",
				"ExperimentID": experimentID,
				"ExecutorID":   dep.ExecutorID,
				"Node":         dep.Node.Name,
			})
			err := safely(logger, func() error { return d.backend.Cleanup(ctx, experimentID, dep) })
			if err != nil {
				logger.WithError(err).Warn("cleanup failed")
				errs[i] = fmt.Errorf("%s: %w", dep.ExecutorID, err)
			}
			d.metrics.countItem("cleanup", err == nil)
		}(i, dep)
	}
	wg.Wait()
	n := d.executors.ForgetExperiment(experimentID)
	ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"ExperimentID": experimentID,
		"Deployments":  len(deployments),
		"Executors":    n,
	}).Info("cleanup finished")
	return errors.Join(errs...)
}
