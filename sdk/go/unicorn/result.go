// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package unicorn

import (
	"encoding/json"
	"fmt"
	"sort"
)

// A Result is the outcome of one item of a batch operation: either a
// success carrying an optional value, or a failure carrying a reason.
type Result[T any] struct {
	value  T
	reason string
	failed bool
}

// Success returns a successful Result holding v.
func Success[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Failure returns a failed Result with the given reason.
func Failure[T any](reason string) Result[T] {
	return Result[T]{reason: reason, failed: true}
}

// Failuref is Failure with fmt.Sprintf formatting.
func Failuref[T any](format string, args ...interface{}) Result[T] {
	return Failure[T](fmt.Sprintf(format, args...))
}

// OK reports whether r is a success.
func (r Result[T]) OK() bool { return !r.failed }

// Value returns the success value (the zero value for a failure).
func (r Result[T]) Value() T { return r.value }

// Reason returns the failure reason ("" for a success).
func (r Result[T]) Reason() string { return r.reason }

func (r Result[T]) String() string {
	if r.failed {
		return fmt.Sprintf("Failure(%q)", r.reason)
	}
	return fmt.Sprintf("Success(%v)", r.value)
}

type resultJSON struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON implements json.Marshaler, producing
// {"type":"success","data":...} or {"type":"failure","data":"reason"}.
func (r Result[T]) MarshalJSON() ([]byte, error) {
	var out resultJSON
	var err error
	if r.failed {
		out.Type = "failure"
		out.Data, err = json.Marshal(r.reason)
	} else {
		out.Type = "success"
		out.Data, err = json.Marshal(r.value)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result[T]) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Type {
	case "success":
		var v T
		if len(in.Data) > 0 {
			if err := json.Unmarshal(in.Data, &v); err != nil {
				return err
			}
		}
		*r = Success(v)
	case "failure":
		var reason string
		if len(in.Data) > 0 && string(in.Data) != "null" {
			if err := json.Unmarshal(in.Data, &reason); err != nil {
				return err
			}
		}
		*r = Failure[T](reason)
	default:
		return fmt.Errorf("unknown result type %q", in.Type)
	}
	return nil
}

// BatchResult maps each input item's identity to its own outcome. Its
// key set is exactly the set of input identities.
type BatchResult[T any] map[string]Result[T]

// Keys returns the sorted key set.
func (br BatchResult[T]) Keys() []string {
	keys := make([]string, 0, len(br))
	for k := range br {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Failures returns the number of failed items.
func (br BatchResult[T]) Failures() int {
	n := 0
	for _, r := range br {
		if !r.OK() {
			n++
		}
	}
	return n
}

// StringPtr returns a pointer to s, or nil if s is empty. It converts
// a backend message into a Result value where "" means null.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
