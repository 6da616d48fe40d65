// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchemr

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stepmill/stepmill/lib/controlplane"
	"github.com/stepmill/stepmill/lib/objectstore"
	"github.com/stepmill/stepmill/sdk/go/ctxlog"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DispatcherSuite{})

type DispatcherSuite struct {
	disp *dispatcher
}

// stubContent is an in-memory objectstore.ContentStore.
type stubContent struct {
	objects map[string][]byte
}

func (cs *stubContent) Upload(ctx context.Context, uri string, data []byte) error {
	if cs.objects == nil {
		cs.objects = map[string][]byte{}
	}
	cs.objects[uri] = data
	return nil
}

func (cs *stubContent) Download(ctx context.Context, uri string) ([]byte, error) {
	data, ok := cs.objects[uri]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return data, nil
}

func (cs *stubContent) Exists(ctx context.Context, uri string) (bool, error) {
	_, ok := cs.objects[uri]
	return ok, nil
}

func (s *DispatcherSuite) SetUpTest(c *check.C) {
	s.disp = &dispatcher{
		Config: &stepmill.ServiceConfig{
			ManagementToken: "stepmill-test-token",
		},
		Context:  ctxlog.Context(context.Background(), ctxlog.TestLogger(c)),
		Registry: prometheus.NewRegistry(),
		content:  &stubContent{},
		factory: func(creds stepmill.Credentials) (controlplane.ControlPlane, error) {
			return nil, errors.New("no control plane in this test")
		},
	}
	s.disp.Start()
}

func (s *DispatcherSuite) TearDownTest(c *check.C) {
	s.disp.Close()
}

func (s *DispatcherSuite) serve(c *check.C, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.disp.ServeHTTP(resp, req)
	return resp
}

func (s *DispatcherSuite) TestAuthRequired(c *check.C) {
	resp := s.serve(c, "GET", "/stepmill/v1/steps", "", "")
	c.Check(resp.Code, check.Equals, http.StatusUnauthorized)

	resp = s.serve(c, "GET", "/stepmill/v1/steps", "wrong-token", "")
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
}

func (s *DispatcherSuite) TestManageBadPayload(c *check.C) {
	resp := s.serve(c, "POST", "/stepmill/v1/manage", "stepmill-test-token", `{"something":"else"}`)
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)
}

func (s *DispatcherSuite) TestGenerateInlineConfig(c *check.C) {
	lc, hash, err := s.disp.generateLaunchConfig(context.Background(), clusterConfigRequest{
		JobFlowConfig: stepmill.LaunchConfig(`{"Name": "etl", "ReleaseLabel": "emr-6.3.0"}`),
	})
	c.Assert(err, check.IsNil)
	c.Check(string(lc), check.Equals, `{"Name":"etl","ReleaseLabel":"emr-6.3.0"}`)
	c.Check(hash, check.HasLen, 64)
}

func (s *DispatcherSuite) TestGenerateConfigXOR(c *check.C) {
	_, _, err := s.disp.generateLaunchConfig(context.Background(), clusterConfigRequest{
		JobFlowConfig: stepmill.LaunchConfig(`{"Name": "etl"}`),
		Name:          "named-template",
	})
	c.Check(err, check.FitsTypeOf, &ParseRequestError{})

	_, _, err = s.disp.generateLaunchConfig(context.Background(), clusterConfigRequest{})
	c.Check(err, check.FitsTypeOf, &ParseRequestError{})
}

func (s *DispatcherSuite) TestGenerateConfigBadParameter(c *check.C) {
	_, _, err := s.disp.generateLaunchConfig(context.Background(), clusterConfigRequest{
		JobFlowConfig:    stepmill.LaunchConfig(`{"Name": "etl"}`),
		CustomParameters: map[string]interface{}{"spot_bid": 1},
	})
	c.Check(err, check.FitsTypeOf, &ParseRequestError{})
}
