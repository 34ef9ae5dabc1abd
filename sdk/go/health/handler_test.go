// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/netunicorn/netunicorn-connector/sdk/go/auth"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
var _ = check.Suite(&Suite{})

func Test(t *testing.T) {
	check.TestingT(t)
}

type Suite struct{}

const (
	goodToken = "supersecret"
	badToken  = "pwn"
)

func (s *Suite) TestPassFailRefuse(c *check.C) {
	h := &Handler{
		Token:  goodToken,
		Prefix: "/_health/",
		Routes: Routes{
			"connector": func(context.Context) (bool, string) { return true, "docker daemon reachable" },
			"backend":   func(context.Context) (bool, string) { return false, "dial tcp: connection refused" },
		},
	}

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/_health/ping", goodToken))
	s.checkHealthy(c, resp, "")

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/_health/connector", goodToken))
	s.checkHealthy(c, resp, "docker daemon reachable")

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/_health/backend", goodToken))
	s.checkUnhealthy(c, resp, "dial tcp: connection refused")

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/_health/backend", badToken))
	c.Check(resp.Code, check.Equals, http.StatusForbidden)

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/_health/backend", ""))
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/_health/theperthcountyconspiracy", ""))
	c.Check(resp.Code, check.Equals, http.StatusNotFound)

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/backend", ""))
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *Suite) TestPingOverride(c *check.C) {
	var ok bool
	h := &Handler{
		Token: goodToken,
		Routes: Routes{
			"ping": func(context.Context) (bool, string) {
				ok = !ok
				if ok {
					return true, ""
				}
				return false, "good error"
			},
		},
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/ping", goodToken))
	s.checkHealthy(c, resp, "")

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/ping", goodToken))
	s.checkUnhealthy(c, resp, "good error")
}

func (s *Suite) TestZeroValueIsDisabled(c *check.C) {
	resp := httptest.NewRecorder()
	(&Handler{}).ServeHTTP(resp, s.request("/ping", goodToken))
	c.Check(resp.Code, check.Equals, http.StatusNotFound)

	resp = httptest.NewRecorder()
	(&Handler{}).ServeHTTP(resp, s.request("/ping", ""))
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *Suite) TestLog(c *check.C) {
	var logged []error
	h := &Handler{
		Token: goodToken,
		Log:   func(_ *http.Request, err error) { logged = append(logged, err) },
	}
	h.ServeHTTP(httptest.NewRecorder(), s.request("/ping", goodToken))
	h.ServeHTTP(httptest.NewRecorder(), s.request("/ping", badToken))
	c.Assert(logged, check.HasLen, 2)
	c.Check(logged[0], check.IsNil)
	c.Check(logged[1], check.Equals, auth.ErrWrongToken)
}

func (s *Suite) TestTimeout(c *check.C) {
	h := &Handler{
		Token:   goodToken,
		Timeout: 10 * time.Millisecond,
		Routes: Routes{
			"connector": func(ctx context.Context) (bool, string) {
				<-ctx.Done()
				time.Sleep(time.Second)
				return true, "too late"
			},
		},
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, s.request("/connector", goodToken))
	s.checkUnhealthy(c, resp, "health check timed out after 10ms")
}

func (s *Suite) request(path, token string) *http.Request {
	u, _ := url.Parse("http://foo.local" + path)
	req := &http.Request{
		Method:     "GET",
		Host:       u.Host,
		URL:        u,
		RequestURI: u.RequestURI(),
	}
	if token != "" {
		req.Header = http.Header{
			"Authorization": {"Bearer " + token},
		}
	}
	return req
}

func (s *Suite) checkHealthy(c *check.C, resp *httptest.ResponseRecorder, status string) {
	c.Check(resp.Code, check.Equals, http.StatusOK)
	var result response
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &result), check.IsNil)
	c.Check(result, check.Equals, response{Health: "OK", Status: status})
}

func (s *Suite) checkUnhealthy(c *check.C, resp *httptest.ResponseRecorder, status string) {
	c.Check(resp.Code, check.Equals, http.StatusServiceUnavailable)
	var result response
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &result), check.IsNil)
	c.Check(result, check.Equals, response{Health: "ERROR", Status: status})
}
