// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth checks the bearer tokens presented to the gateway and
// the management endpoints.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrNoToken    = errors.New("authorization required")
	ErrWrongToken = errors.New("authorization error")
)

// BearerToken returns the token from the request's "Authorization:
// Bearer ..." header. "OAuth2 ..." is accepted as a synonym.
// Surrounding whitespace, as left by copy/paste, is ignored.
//
// Tokens are never read from the query string: the gateway API key
// grants full control of the connector and must not end up in access
// logs.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || (scheme != "Bearer" && scheme != "OAuth2") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Check returns nil if r carries the given token, ErrNoToken if it
// carries none, and ErrWrongToken otherwise.
func Check(r *http.Request, token string) error {
	given, ok := BearerToken(r)
	if !ok {
		return ErrNoToken
	}
	if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
		return ErrWrongToken
	}
	return nil
}

// HTTPStatus returns the response status for an error returned by
// Check.
func HTTPStatus(err error) int {
	switch err {
	case nil:
		return http.StatusOK
	case ErrNoToken:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

// RequireLiteralToken wraps the next handler, rejecting requests that
// don't supply the given token with 401 (no token) or 403 (wrong
// token). If token is empty, next is returned unchanged.
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := Check(r, token); err != nil {
			if err == ErrNoToken {
				w.Header().Set("WWW-Authenticate", "Bearer")
			}
			code := HTTPStatus(err)
			http.Error(w, http.StatusText(code), code)
			return
		}
		next.ServeHTTP(w, r)
	})
}
