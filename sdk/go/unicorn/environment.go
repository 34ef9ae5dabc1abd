// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package unicorn

import (
	"encoding/json"
	"fmt"
)

// RuntimeContext holds the port mappings and environment variables
// applied when a workload is launched.
type RuntimeContext struct {
	// Host port -> container/workload port.
	PortsMapping         map[int]int       `json:"ports_mapping"`
	EnvironmentVariables map[string]string `json:"environment_variables"`
	AdditionalArguments  []string          `json:"additional_arguments"`
}

// An EnvironmentDefinition describes how to realize a workload on a
// node. The set of variants is closed: DockerImage and
// ShellExecution. Consumers dispatch with VisitEnvironment.
type EnvironmentDefinition interface {
	// Kind returns the wire name of the variant.
	Kind() string
	Runtime() RuntimeContext
	isEnvironmentDefinition()
}

// DockerImage runs the workload from a container image.
type DockerImage struct {
	Image          string         `json:"image"`
	RuntimeContext RuntimeContext `json:"runtime_context"`
}

func (DockerImage) Kind() string              { return "DockerImage" }
func (d DockerImage) Runtime() RuntimeContext { return d.RuntimeContext }
func (DockerImage) isEnvironmentDefinition()  {}

// ShellExecution prepares the node by running shell commands, then
// runs the workload with the natively installed executor.
type ShellExecution struct {
	Commands       []string       `json:"commands"`
	RuntimeContext RuntimeContext `json:"runtime_context"`
}

func (ShellExecution) Kind() string              { return "ShellExecution" }
func (s ShellExecution) Runtime() RuntimeContext { return s.RuntimeContext }
func (ShellExecution) isEnvironmentDefinition()  {}

// An EnvironmentVisitor has one method per EnvironmentDefinition
// variant. Adding a variant adds a method here, which makes every
// consumer fail to compile until it handles the new kind.
type EnvironmentVisitor[T any] interface {
	DockerImage(DockerImage) (T, error)
	ShellExecution(ShellExecution) (T, error)
}

// VisitEnvironment calls the visitor method matching env's variant.
func VisitEnvironment[T any](env EnvironmentDefinition, v EnvironmentVisitor[T]) (T, error) {
	var zero T
	switch e := env.(type) {
	case DockerImage:
		return v.DockerImage(e)
	case *DockerImage:
		return v.DockerImage(*e)
	case ShellExecution:
		return v.ShellExecution(e)
	case *ShellExecution:
		return v.ShellExecution(*e)
	case nil:
		return zero, fmt.Errorf("missing environment definition")
	default:
		return zero, fmt.Errorf("unsupported environment definition type %T", env)
	}
}

func decodeEnvironment(kind string, data json.RawMessage) (EnvironmentDefinition, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("missing environment_definition")
	}
	switch kind {
	case "DockerImage":
		var d DockerImage
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		if d.Image == "" {
			return nil, fmt.Errorf("DockerImage environment definition has no image")
		}
		return d, nil
	case "ShellExecution":
		var s ShellExecution
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown environment_definition_type %q", kind)
	}
}
