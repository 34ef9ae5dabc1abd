// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&Suite{})

type Suite struct {
	log     *logrus.Logger
	logdata *bytes.Buffer
	ctx     context.Context
}

func (s *Suite) SetUpTest(c *check.C) {
	s.logdata = bytes.NewBuffer(nil)
	s.log = logrus.New()
	s.log.Out = s.logdata
	s.log.Formatter = &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	}
	s.ctx = ctxlog.Context(context.Background(), s.log)
}

func (s *Suite) TestLogRequests(c *check.C) {
	h := AddRequestIDs(LogRequests(
		http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			Logger(req).Info("inside handler")
			w.Write([]byte("hello world"))
		})))

	req, err := http.NewRequest("GET", "https://foo.example/bar", nil)
	c.Assert(err, check.IsNil)
	req.Header.Set("X-Forwarded-For", "1.2.3.4:12345")
	resp := httptest.NewRecorder()

	HandlerWithContext(s.ctx, h).ServeHTTP(resp, req)
	c.Check(resp.Header().Get(HeaderRequestID), check.Matches, "req-[a-z0-9]{20}")

	dec := json.NewDecoder(s.logdata)

	gotReq := make(map[string]interface{})
	err = dec.Decode(&gotReq)
	c.Check(err, check.IsNil)
	c.Logf("%#v", gotReq)
	c.Check(gotReq["RequestID"], check.Matches, "req-[a-z0-9]{20}")
	c.Check(gotReq["reqForwardedFor"], check.Equals, "1.2.3.4:12345")
	c.Check(gotReq["msg"], check.Equals, "request")

	gotInside := make(map[string]interface{})
	err = dec.Decode(&gotInside)
	c.Check(err, check.IsNil)
	c.Check(gotInside["RequestID"], check.Equals, gotReq["RequestID"])
	c.Check(gotInside["msg"], check.Equals, "inside handler")

	gotResp := make(map[string]interface{})
	err = dec.Decode(&gotResp)
	c.Check(err, check.IsNil)
	c.Logf("%#v", gotResp)
	c.Check(gotResp["RequestID"], check.Equals, gotReq["RequestID"])
	c.Check(gotResp["reqForwardedFor"], check.Equals, "1.2.3.4:12345")
	c.Check(gotResp["msg"], check.Equals, "response")
	c.Check(gotResp["respStatusCode"], check.Equals, float64(200))

	c.Assert(gotResp["time"], check.FitsTypeOf, "")
	_, err = time.Parse(time.RFC3339Nano, gotResp["time"].(string))
	c.Check(err, check.IsNil)

	for _, key := range []string{"timeToStatus", "timeWriteBody", "timeTotal"} {
		c.Assert(gotResp[key], check.FitsTypeOf, float64(0))
	}
}

func (s *Suite) TestLogErrorBody(c *check.C) {
	h := LogRequests(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		SetResponseLogFields(req.Context(), logrus.Fields{"ExecutorCount": 3})
		Error(w, "no such experiment", http.StatusNotFound)
	}))
	req := httptest.NewRequest("POST", "/cleanup/exp1", nil)
	resp := httptest.NewRecorder()
	HandlerWithContext(s.ctx, h).ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)

	dec := json.NewDecoder(s.logdata)
	var gotReq, gotResp map[string]interface{}
	c.Assert(dec.Decode(&gotReq), check.IsNil)
	c.Assert(dec.Decode(&gotResp), check.IsNil)
	c.Check(gotResp["respStatusCode"], check.Equals, float64(404))
	c.Check(gotResp["respBody"], check.Equals, `{"errors":["no such experiment"]}`+"\n")
	c.Check(gotResp["ExecutorCount"], check.Equals, float64(3))
}

func (s *Suite) TestStatusOf(c *check.C) {
	c.Check(StatusOf(Errorf(http.StatusConflict, "busy")), check.Equals, http.StatusConflict)
	c.Check(StatusOf(ErrorWithStatus(context.Canceled, 499)), check.Equals, 499)
	c.Check(StatusOf(context.Canceled), check.Equals, http.StatusInternalServerError)

	resp := httptest.NewRecorder()
	WriteError(resp, Errorf(http.StatusBadRequest, "bad header %q", "x"))
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)
	c.Check(resp.Body.String(), check.Equals, `{"errors":["bad header \"x\""]}`+"\n")
	c.Check(resp.Header().Get("Content-Type"), check.Equals, "application/json")
}

func (s *Suite) TestIDGenerator(c *check.C) {
	var gen IDGenerator
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := gen.Next()
		c.Assert(seen[id], check.Equals, false)
		seen[id] = true
	}
}
