// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchemr

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// apiCreateConfig stores a named launch-configuration template: the
// body is uploaded to the configuration bucket under a fresh
// timestamp version, and the row recording it is inserted. Templates
// are immutable; storing the same name again creates a new version.
func (disp *dispatcher) apiCreateConfig(ctx context.Context, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req struct {
		Name   string               `json:"name"`
		Config stepmill.LaunchConfig `json:"config"`
	}
	if err := decodeRequest(r, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, NewParseRequestError(errors.New("name is required"))
	}
	if len(req.Config) == 0 {
		return nil, NewParseRequestError(errors.New("config is required"))
	}
	canon, err := req.Config.Canonicalize()
	if err != nil {
		return nil, NewParseRequestError(err)
	}
	if disp.Config.Configurations.Bucket == "" {
		return nil, errors.New("no configuration bucket configured")
	}
	version := stepmill.ConfigVersion(time.Now())
	uri := stepmill.JoinURI("s3://"+disp.Config.Configurations.Bucket,
		disp.Config.Configurations.Prefix, req.Name, version+".json")
	if err := disp.content.Upload(ctx, uri, []byte(canon)); err != nil {
		return nil, err
	}
	cc := &stepmill.ClusterConfiguration{
		Name:    req.Name,
		Version: version,
		URI:     uri,
	}
	if err := disp.store.AddConfiguration(ctx, cc); err != nil {
		return nil, err
	}
	return cc, nil
}

func (disp *dispatcher) apiListConfigs(ctx context.Context, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return disp.store.ListConfigurations(ctx, r.URL.Query().Get("name"))
}
