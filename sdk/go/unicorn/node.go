// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package unicorn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Architecture is the CPU architecture/OS pair of a node.
type Architecture string

const (
	LinuxAMD64          Architecture = "linux/amd64"
	LinuxARM64          Architecture = "linux/arm64"
	UnknownArchitecture Architecture = "unknown"
)

// UnmarshalJSON implements json.Unmarshaler. Unrecognized values
// become UnknownArchitecture rather than failing the whole document.
func (a *Architecture) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch Architecture(s) {
	case LinuxAMD64, LinuxARM64:
		*a = Architecture(s)
	default:
		*a = UnknownArchitecture
	}
	return nil
}

// A Property is a node capability value: either a number or a bool.
type Property struct {
	num    float64
	isBool bool
}

// Number returns a numeric Property.
func Number(v float64) Property { return Property{num: v} }

// Bool returns a boolean Property.
func Bool(v bool) Property {
	if v {
		return Property{num: 1, isBool: true}
	}
	return Property{isBool: true}
}

// IsBool reports whether the property holds a bool.
func (p Property) IsBool() bool { return p.isBool }

// Float returns the numeric value (1 or 0 for a bool).
func (p Property) Float() float64 { return p.num }

func (p Property) String() string {
	if p.isBool {
		return fmt.Sprintf("%v", p.num != 0)
	}
	return fmt.Sprintf("%v", p.num)
}

// MarshalJSON implements json.Marshaler.
func (p Property) MarshalJSON() ([]byte, error) {
	if p.isBool {
		return json.Marshal(p.num != 0)
	}
	return json.Marshal(p.num)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Property) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*p = Bool(b)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("node property must be a number or a bool, got %s", data)
	}
	*p = Number(f)
	return nil
}

// Properties is a node's labeled capability set (cpu, memory, gpu,
// ...).
type Properties map[string]Property

// A Node is a named, addressable compute target. Its identity is its
// name.
type Node struct {
	Name         string       `json:"name"`
	Properties   Properties   `json:"properties"`
	Architecture Architecture `json:"architecture"`
}

// A NodeProducer generates nodes on demand, one per call to Next.
// Implementations may be infinite; callers must never try to drain
// one.
type NodeProducer interface {
	Next(ctx context.Context) (Node, error)
}

// ErrProducerExhausted is returned by a NodeProducer that has no more
// nodes to offer.
var ErrProducerExhausted = errors.New("node producer exhausted")

// NodeProducerFunc adapts an ordinary function to a NodeProducer.
type NodeProducerFunc func(ctx context.Context) (Node, error)

// Next implements NodeProducer.
func (f NodeProducerFunc) Next(ctx context.Context) (Node, error) { return f(ctx) }

// Take pulls exactly n nodes from producer, or returns the first
// error.
func Take(ctx context.Context, producer NodeProducer, n int) ([]Node, error) {
	nodes := make([]Node, 0, n)
	for len(nodes) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node, err := producer.Next(ctx)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// A NodePool is the set of nodes a connector exposes to one caller. It
// is either a CountableNodePool or an UncountableNodePool.
type NodePool interface {
	isNodePool()
}

// CountableNodePool is a finite, fully materialized pool.
type CountableNodePool struct {
	Nodes []Node
}

func (CountableNodePool) isNodePool() {}

// Sorted returns a copy of the pool ordered by node name.
func (p CountableNodePool) Sorted() CountableNodePool {
	nodes := append([]Node(nil), p.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return CountableNodePool{Nodes: nodes}
}

// UncountableNodePool is an unbounded pool, or one whose members are
// only known at assignment time. Template nodes describe the shape of
// what can be produced; their names are prefixes, not identities.
type UncountableNodePool struct {
	Template []Node
	Producer NodeProducer
}

func (UncountableNodePool) isNodePool() {}

// A NodePoolVisitor has one method per NodePool variant.
type NodePoolVisitor interface {
	Countable(CountableNodePool) error
	Uncountable(UncountableNodePool) error
}

// VisitNodePool calls the visitor method matching the pool's variant.
func VisitNodePool(pool NodePool, v NodePoolVisitor) error {
	switch p := pool.(type) {
	case CountableNodePool:
		return v.Countable(p)
	case *CountableNodePool:
		return v.Countable(*p)
	case UncountableNodePool:
		return v.Uncountable(p)
	case *UncountableNodePool:
		return v.Uncountable(*p)
	default:
		return fmt.Errorf("unsupported node pool type %T", pool)
	}
}

const (
	countablePoolType   = "CountableNodePool"
	uncountablePoolType = "UncountableNodePool"
)

type nodePoolJSON struct {
	Type string `json:"node_pool_type"`
	Data []Node `json:"node_pool_data"`
}

// MarshalNodePool encodes a pool in the gateway wire format. Only the
// template of an uncountable pool is encoded; its producer is never
// consumed.
func MarshalNodePool(pool NodePool) ([]byte, error) {
	var out nodePoolJSON
	err := VisitNodePool(pool, nodePoolEncoder{&out})
	if err != nil {
		return nil, err
	}
	if out.Data == nil {
		out.Data = []Node{}
	}
	return json.Marshal(out)
}

type nodePoolEncoder struct{ out *nodePoolJSON }

func (e nodePoolEncoder) Countable(p CountableNodePool) error {
	e.out.Type, e.out.Data = countablePoolType, p.Nodes
	return nil
}

func (e nodePoolEncoder) Uncountable(p UncountableNodePool) error {
	e.out.Type, e.out.Data = uncountablePoolType, p.Template
	return nil
}

// UnmarshalNodePool decodes the gateway wire format. A decoded
// uncountable pool has a nil Producer: production happens on the
// connector side of the wire.
func UnmarshalNodePool(data []byte) (NodePool, error) {
	var in nodePoolJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	switch in.Type {
	case countablePoolType:
		return CountableNodePool{Nodes: in.Data}, nil
	case uncountablePoolType:
		return UncountableNodePool{Template: in.Data}, nil
	default:
		return nil, fmt.Errorf("unknown node_pool_type %q", in.Type)
	}
}
