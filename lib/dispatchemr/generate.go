// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchemr

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// clusterConfigRequest is the cluster_config section of a step or
// cluster creation request: either a full inline launch configuration
// or a reference to a stored template, plus optional adjustments.
type clusterConfigRequest struct {
	JobFlowConfig    stepmill.LaunchConfig  `json:"job_flow_config,omitempty"`
	Name             string                 `json:"name,omitempty"`
	Version          string                 `json:"version,omitempty"`
	CustomParameters map[string]interface{} `json:"custom_parameters,omitempty"`
	BootstrapActions []json.RawMessage      `json:"bootstrap_actions,omitempty"`
}

// generateLaunchConfig builds the effective launch configuration for
// a creation request: inline config XOR named template (resolved to
// its latest version unless one is given, then downloaded from the
// configuration bucket), with the request's bootstrap actions
// appended and custom parameter overrides applied. It returns the
// canonical configuration and its hash.
func (disp *dispatcher) generateLaunchConfig(ctx context.Context, req clusterConfigRequest) (stepmill.LaunchConfig, string, error) {
	var base stepmill.LaunchConfig
	switch {
	case len(req.JobFlowConfig) > 0 && req.Name != "":
		return nil, "", NewParseRequestError(errors.New("cluster_config must not have both job_flow_config and name"))
	case len(req.JobFlowConfig) > 0:
		base = req.JobFlowConfig
	case req.Name != "":
		cc, err := disp.store.ResolveConfiguration(ctx, req.Name, req.Version)
		if err != nil {
			return nil, "", err
		}
		body, err := disp.content.Download(ctx, cc.URI)
		if err != nil {
			return nil, "", err
		}
		base = stepmill.LaunchConfig(body)
	default:
		return nil, "", NewParseRequestError(errors.New("cluster_config needs either job_flow_config or name"))
	}
	lc, err := base.Customize(req.BootstrapActions, req.CustomParameters)
	if err != nil {
		return nil, "", NewParseRequestError(err)
	}
	hash, err := lc.Hash()
	if err != nil {
		return nil, "", NewParseRequestError(err)
	}
	return lc, hash, nil
}
