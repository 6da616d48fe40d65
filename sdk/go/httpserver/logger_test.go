// Copyright (C) The Stepmill Authors. All rights reserved.
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

	"github.com/sirupsen/logrus"
	"github.com/stepmill/stepmill/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&Suite{})

type Suite struct {
	ctx      context.Context
	log      *logrus.Logger
	captured *bytes.Buffer
}

func (s *Suite) SetUpTest(c *check.C) {
	s.captured = &bytes.Buffer{}
	s.log = logrus.New()
	s.log.Out = s.captured
	s.log.Formatter = &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	}
	s.ctx = ctxlog.Context(context.Background(), s.log)
}

func (s *Suite) TestLogRequests(c *check.C) {
	h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("hello world"))
	})
	req, err := http.NewRequest("GET", "https://foo.example/bar", nil)
	c.Assert(err, check.IsNil)
	req.Header.Set("X-Forwarded-For", "1.2.3.4:12345")
	resp := httptest.NewRecorder()
	AddRequestIDs(LogRequests(h)).ServeHTTP(resp, req.WithContext(s.ctx))

	dec := json.NewDecoder(s.captured)

	gotReq := make(map[string]interface{})
	err = dec.Decode(&gotReq)
	c.Assert(err, check.IsNil)
	c.Logf("%#v", gotReq)
	c.Check(gotReq["RequestID"], check.Matches, "req-[a-z0-9]+")
	c.Check(gotReq["reqForwardedFor"], check.Equals, "1.2.3.4:12345")
	c.Check(gotReq["msg"], check.Equals, "request")

	gotResp := make(map[string]interface{})
	err = dec.Decode(&gotResp)
	c.Assert(err, check.IsNil)
	c.Logf("%#v", gotResp)
	c.Check(gotResp["RequestID"], check.Equals, gotReq["RequestID"])
	c.Check(gotResp["reqForwardedFor"], check.Equals, "1.2.3.4:12345")
	c.Check(gotResp["msg"], check.Equals, "response")
	c.Check(gotResp["respStatusCode"], check.Equals, float64(http.StatusOK))

	c.Assert(gotResp["time"], check.FitsTypeOf, "")
	_, err = time.Parse(time.RFC3339Nano, gotResp["time"].(string))
	c.Check(err, check.IsNil)

	for _, key := range []string{"timeToStatus", "timeWriteBody", "timeTotal"} {
		c.Assert(gotResp[key], check.FitsTypeOf, float64(0))
	}
}

func (s *Suite) TestSetResponseLogFields(c *check.C) {
	h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		SetResponseLogFields(req.Context(), logrus.Fields{"msgid": "abcd"})
		w.WriteHeader(http.StatusTeapot)
	})
	req, err := http.NewRequest("GET", "https://foo.example/bar", nil)
	c.Assert(err, check.IsNil)
	resp := httptest.NewRecorder()
	LogRequests(h).ServeHTTP(resp, req.WithContext(s.ctx))

	dec := json.NewDecoder(s.captured)
	gotReq := make(map[string]interface{})
	c.Assert(dec.Decode(&gotReq), check.IsNil)
	gotResp := make(map[string]interface{})
	c.Assert(dec.Decode(&gotResp), check.IsNil)
	c.Check(gotResp["msgid"], check.Equals, "abcd")
	c.Check(gotResp["respStatusCode"], check.Equals, float64(http.StatusTeapot))
}
