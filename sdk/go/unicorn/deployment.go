// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package unicorn

import (
	"encoding/json"
	"fmt"
)

// Environment variables every launched executor receives.
const (
	EnvGatewayEndpoint = "NETUNICORN_GATEWAY_ENDPOINT"
	EnvExecutorID      = "NETUNICORN_EXECUTOR_ID"
	EnvExperimentID    = "NETUNICORN_EXPERIMENT_ID"
)

// EnvAPIKey names the host environment variable holding the gateway
// API key.
const EnvAPIKey = "NETUNICORN_API_KEY"

// A Deployment binds one environment definition to one node for one
// experiment. Deployments are owned by the orchestrator; connectors
// only read them.
type Deployment struct {
	ExecutorID            string
	Node                  Node
	EnvironmentDefinition EnvironmentDefinition
	// Prepared is true if the deploy step for this deployment
	// succeeded.
	Prepared                bool
	KeepAliveTimeoutMinutes int
	Cleanup                 bool
}

type deploymentJSON struct {
	ExecutorID              string          `json:"executor_id"`
	Node                    Node            `json:"node"`
	Prepared                bool            `json:"prepared"`
	EnvironmentType         string          `json:"environment_definition_type"`
	EnvironmentDefinition   json.RawMessage `json:"environment_definition"`
	KeepAliveTimeoutMinutes int             `json:"keep_alive_timeout_minutes"`
	Cleanup                 bool            `json:"cleanup"`
}

// MarshalJSON implements json.Marshaler.
func (d Deployment) MarshalJSON() ([]byte, error) {
	if d.EnvironmentDefinition == nil {
		return nil, fmt.Errorf("deployment %q has no environment definition", d.ExecutorID)
	}
	env, err := json.Marshal(d.EnvironmentDefinition)
	if err != nil {
		return nil, err
	}
	return json.Marshal(deploymentJSON{
		ExecutorID:              d.ExecutorID,
		Node:                    d.Node,
		Prepared:                d.Prepared,
		EnvironmentType:         d.EnvironmentDefinition.Kind(),
		EnvironmentDefinition:   env,
		KeepAliveTimeoutMinutes: d.KeepAliveTimeoutMinutes,
		Cleanup:                 d.Cleanup,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Deployment) UnmarshalJSON(data []byte) error {
	var in deploymentJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	env, err := decodeEnvironment(in.EnvironmentType, in.EnvironmentDefinition)
	if err != nil {
		return fmt.Errorf("deployment %q: %w", in.ExecutorID, err)
	}
	*d = Deployment{
		ExecutorID:              in.ExecutorID,
		Node:                    in.Node,
		EnvironmentDefinition:   env,
		Prepared:                in.Prepared,
		KeepAliveTimeoutMinutes: in.KeepAliveTimeoutMinutes,
		Cleanup:                 in.Cleanup,
	}
	return nil
}

// A StopExecutorRequest asks a connector to stop one executor. It is
// only valid if NodeName is the node the executor was deployed to.
type StopExecutorRequest struct {
	ExecutorID string `json:"executor_id"`
	NodeName   string `json:"node_name"`
}

// OperationContext is an opaque, schema-less bag of per-call
// parameters (authentication tokens, deployment flags, cancellation
// reasons). Each backend documents the keys it recognizes.
type OperationContext map[string]string

// Get returns the value for key, or "" if ctx is nil or has no such
// key.
func (ctx OperationContext) Get(key string) string {
	if ctx == nil {
		return ""
	}
	return ctx[key]
}

// ParseOperationContext decodes a JSON object header value. Empty
// input and the literal "null" both decode to nil.
func ParseOperationContext(s string) (OperationContext, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var ctx OperationContext
	if err := json.Unmarshal([]byte(s), &ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}
