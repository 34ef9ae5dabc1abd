// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
	"github.com/sirupsen/logrus"
)

// DefaultMaxConcurrentItems is the number of batch items processed
// at once when Options.MaxConcurrentItems is zero.
const DefaultMaxConcurrentItems = 16

// checkIDs returns a ValidationError unless ids are all non-empty
// and distinct.
func checkIDs(ids []string) error {
	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		if id == "" {
			return unicorn.Validationf("item %d has empty executor_id", i)
		}
		if seen[id] {
			return unicorn.Validationf("duplicate executor_id %q", id)
		}
		seen[id] = true
	}
	return nil
}

// itemFunc processes item i of a batch.
type itemFunc func(ctx context.Context, logger logrus.FieldLogger, i int) (string, error)

// runBatch calls fn for each item concurrently (at most
// d.maxItems at a time) and returns one result per id. ids must have
// been checked with checkIDs.
//
// A failure or panic in one item is reported as that item's Failure
// and has no effect on other items.
func (d *Dispatcher) runBatch(ctx context.Context, op string, ids []string, fields func(i int) logrus.Fields, fn itemFunc) unicorn.BatchResult[*string] {
	results := make([]unicorn.Result[*string], len(ids))
	sem := make(chan struct{}, d.maxItems)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger := ctxlog.FromContext(ctx).WithField("Operation", op).WithFields(fields(i))
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				logger.WithError(ctx.Err()).Info("item cancelled before start")
				results[i] = unicorn.Failure[*string](ctx.Err().Error())
				d.metrics.countItem(op, false)
				return
			}
			results[i] = d.runItem(ctx, logger, op, i, fn)
		}(i)
	}
	wg.Wait()

	br := make(unicorn.BatchResult[*string], len(ids))
	for i, id := range ids {
		br[id] = results[i]
	}
	if len(br) != len(ids) {
		// Can't happen after checkIDs.
		panic(fmt.Sprintf("%s: %d results for %d items", op, len(br), len(ids)))
	}
	return br
}

func (d *Dispatcher) runItem(ctx context.Context, logger logrus.FieldLogger, op string, i int, fn itemFunc) (res unicorn.Result[*string]) {
	defer func() {
		d.metrics.countItem(op, res.OK())
	}()
	var msg string
	err := safely(logger, func() error {
		var err error
		msg, err = fn(ctxlog.Context(ctx, logger), logger, i)
		return err
	})
	if err != nil {
		logger.WithError(err).Info("item failed")
		return unicorn.Failure[*string](failureReason(err))
	}
	logger.Debug("item succeeded")
	return unicorn.Success(unicorn.StringPtr(msg))
}

// safely calls fn, converting a panic into an error.
func safely(logger logrus.FieldLogger, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.WithFields(logrus.Fields{
				"Panic": fmt.Sprintf("%v", p),
				"Stack": string(debug.Stack()),
			}).Error("recovered from panic in backend")
			err = fmt.Errorf("internal error: %v", p)
		}
	}()
	return fn()
}
