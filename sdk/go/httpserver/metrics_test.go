// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

func (s *Suite) TestInstrument(c *check.C) {
	reg := prometheus.NewRegistry()
	h := Instrument(reg, s.log, LogRequests(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, `{"errors":["short and stout"]}`)
	})))
	api := HandlerWithContext(s.ctx, h)
	for i := 0; i < 3; i++ {
		api.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/deploy/alice/exp1", nil))
	}

	resp := httptest.NewRecorder()
	h.PromHandler().ServeHTTP(resp, httptest.NewRequest("GET", "/metrics", nil))
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*netunicorn_gateway_request_duration_seconds_count{code="418",method="post"} 3\n.*`)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*netunicorn_gateway_time_to_status_seconds_count{code="418",method="post"} 3\n.*`)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*netunicorn_gateway_response_bytes_sum{code="418",method="post"} 90\n.*`)

	resp = httptest.NewRecorder()
	h.JSONHandler().ServeHTTP(resp, httptest.NewRequest("GET", "/metrics.json", nil))
	c.Check(resp.Code, check.Equals, http.StatusOK)
	var families []struct {
		Name string
		Type string
	}
	c.Check(json.Unmarshal(resp.Body.Bytes(), &families), check.IsNil)
	var names []string
	for _, f := range families {
		names = append(names, f.Name)
	}
	c.Check(strings.Join(names, ","), check.Matches, `.*netunicorn_gateway_request_duration_seconds.*`)
}
