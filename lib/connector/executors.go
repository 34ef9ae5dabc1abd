// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
)

// Item-level failures. When a backend returns one of these (or an
// error wrapping one), the item's failure reason is exactly the
// sentinel's message, and the details go to the log.
var (
	ErrUnreachableNode = errors.New("unreachable node")
	ErrUnknownExecutor = errors.New("unknown executor")
	ErrNodeMismatch    = errors.New("node mismatch")
	ErrAlreadyStopped  = errors.New("already stopped")
	ErrNotOwner        = errors.New("executor belongs to another user")
)

var terseErrors = []error{ErrUnreachableNode, ErrUnknownExecutor, ErrNodeMismatch, ErrAlreadyStopped, ErrNotOwner}

// failureReason returns the reason reported to the caller for an
// item that failed with err.
func failureReason(err error) string {
	for _, sentinel := range terseErrors {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

// An ExecutorRecord describes an executor started by this connector.
type ExecutorRecord struct {
	ExecutorID   string
	ExperimentID string
	Username     string
	Node         string

	// Backend-specific handle, e.g., container or instance ID.
	Handle string

	Started time.Time
	Stopped bool
}

// ExecutorTable tracks executors started by execute calls, so stop
// requests can be checked against where each executor actually runs.
// It is safe for concurrent use.
type ExecutorTable struct {
	mtx     sync.Mutex
	records map[string]*ExecutorRecord
}

func NewExecutorTable() *ExecutorTable {
	return &ExecutorTable{records: map[string]*ExecutorRecord{}}
}

// Record adds (or replaces) an executor record.
func (t *ExecutorTable) Record(rec ExecutorRecord) {
	if rec.Started.IsZero() {
		rec.Started = time.Now()
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.records[rec.ExecutorID] = &rec
}

// Lookup returns a copy of the executor's record.
func (t *ExecutorTable) Lookup(executorID string) (ExecutorRecord, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	rec, ok := t.records[executorID]
	if !ok {
		return ExecutorRecord{}, false
	}
	return *rec, true
}

// Validate checks whether username may stop the requested executor.
// It returns a copy of the record if the request is acceptable,
// ErrUnknownExecutor (with a nil record) if the executor isn't in
// the table, or another item-level error.
func (t *ExecutorTable) Validate(username string, req unicorn.StopExecutorRequest) (*ExecutorRecord, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	rec, ok := t.records[req.ExecutorID]
	switch {
	case !ok:
		return nil, ErrUnknownExecutor
	case rec.Username != "" && rec.Username != username:
		return nil, ErrNotOwner
	case rec.Node != req.NodeName:
		return nil, ErrNodeMismatch
	case rec.Stopped:
		return nil, ErrAlreadyStopped
	}
	cp := *rec
	return &cp, nil
}

// MarkStopped records that the executor has been stopped. It reports
// false if the executor is unknown or was already stopped.
func (t *ExecutorTable) MarkStopped(executorID string) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	rec, ok := t.records[executorID]
	if !ok || rec.Stopped {
		return false
	}
	rec.Stopped = true
	return true
}

// ForgetExperiment drops all records for the given experiment and
// returns the number dropped.
func (t *ExecutorTable) ForgetExperiment(experimentID string) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	n := 0
	for id, rec := range t.records {
		if rec.ExperimentID == experimentID {
			delete(t.records, id)
			n++
		}
	}
	return n
}

// Executors returns copies of all records, sorted by executor ID.
func (t *ExecutorTable) Executors() []ExecutorRecord {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	recs := make([]ExecutorRecord, 0, len(t.records))
	for _, rec := range t.records {
		recs = append(recs, *rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ExecutorID < recs[j].ExecutorID })
	return recs
}
