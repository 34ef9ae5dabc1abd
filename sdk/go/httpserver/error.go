// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// HTTPStatusError is an error that knows which HTTP response status
// it should produce.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

func Errorf(status int, tmpl string, args ...interface{}) error {
	return errorWithStatus{fmt.Errorf(tmpl, args...), status}
}

func ErrorWithStatus(err error, status int) error {
	return errorWithStatus{err, status}
}

type errorWithStatus struct {
	error
	Status int
}

func (ews errorWithStatus) HTTPStatus() int {
	return ews.Status
}

func (ews errorWithStatus) Unwrap() error {
	return ews.error
}

// StatusOf returns the HTTP status carried by err (or anything it
// wraps), or 500 if none.
func StatusOf(err error) int {
	var hse HTTPStatusError
	if errors.As(err, &hse) {
		return hse.HTTPStatus()
	}
	return http.StatusInternalServerError
}

type ErrorResponse struct {
	Errors []string `json:"errors"`
}

func Error(w http.ResponseWriter, error string, code int) {
	Errors(w, []string{error}, code)
}

func Errors(w http.ResponseWriter, errors []string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Errors: errors})
}

// WriteError sends err as a JSON error response, using the status
// from StatusOf(err).
func WriteError(w http.ResponseWriter, err error) {
	Error(w, err.Error(), StatusOf(err))
}
