// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ec2

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

var rateLimitCodes = map[string]bool{
	"RequestLimitExceeded": true,
	"Throttling":           true,
	"ThrottlingException":  true,
}

func isRateLimitError(err error) bool {
	var aerr smithy.APIError
	return errors.As(err, &aerr) && rateLimitCodes[aerr.ErrorCode()]
}

// throttle suspends API calls for a while after the API reports a
// rate limit error.
type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// CheckRateLimitError checks whether err is a rate limit error, and
// if so, ensures Error() returns a non-nil error until the holdoff
// period expires.
func (thr *throttle) CheckRateLimitError(err error, logger logrus.FieldLogger, callType string, holdoff time.Duration) {
	if !isRateLimitError(err) || holdoff <= 0 {
		return
	}
	until := time.Now().Add(holdoff)
	logger.WithFields(logrus.Fields{
		"CallType": callType,
		"Duration": holdoff,
		"ResumeAt": until,
	}).Info("suspending remote calls due to rate-limit error")
	thr.ErrorUntil(fmt.Errorf("remote calls are suspended for %s, until %s", holdoff, until.Format(time.RFC3339)), until)
}

func (thr *throttle) ErrorUntil(err error, until time.Time) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}
