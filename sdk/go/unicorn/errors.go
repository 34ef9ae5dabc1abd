// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package unicorn

import (
	"errors"
	"fmt"
	"net/http"
)

// Call-level errors abort an entire protocol call. Item-level problems
// are reported as Failure results instead.

// NotInitializedError is returned for calls (other than health and
// shutdown) made to a connector that is not initialized.
type NotInitializedError struct {
	Operation string
}

func (e NotInitializedError) Error() string {
	return fmt.Sprintf("%s: connector is not initialized", e.Operation)
}

func (NotInitializedError) HTTPStatus() int { return http.StatusServiceUnavailable }

// AuthenticationError is returned when the caller's identity or
// authentication context is rejected.
type AuthenticationError struct {
	Username string
	Reason   string
}

func (e AuthenticationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("authentication failed for user %q", e.Username)
	}
	return fmt.Sprintf("authentication failed for user %q: %s", e.Username, e.Reason)
}

func (AuthenticationError) HTTPStatus() int { return http.StatusUnauthorized }

// ValidationError is returned when the request itself is malformed,
// e.g., a batch with duplicate executor ids.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return "invalid request: " + e.Reason }

func (ValidationError) HTTPStatus() int { return http.StatusBadRequest }

// Validationf returns a ValidationError with a formatted reason.
func Validationf(format string, args ...interface{}) error {
	return ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConflictError is returned when a lifecycle call is not permitted in
// the connector's current state, e.g., initializing twice.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

func (ConflictError) HTTPStatus() int { return http.StatusConflict }

// IsNotInitialized reports whether err is (or wraps) a
// NotInitializedError.
func IsNotInitialized(err error) bool {
	var target NotInitializedError
	return errors.As(err, &target)
}

// IsAuthentication reports whether err is (or wraps) an
// AuthenticationError.
func IsAuthentication(err error) bool {
	var target AuthenticationError
	return errors.As(err, &target)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}
