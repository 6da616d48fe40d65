// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchemr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/stepmill/stepmill/lib/dispatchemr/flow"
	"github.com/stepmill/stepmill/lib/stepstore"
	"github.com/stepmill/stepmill/sdk/go/httpserver"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// stepRequest is the body of POST /stepmill/v1/steps and POST
// /stepmill/v1/clusters/:id/steps (where cluster_config is ignored:
// the target cluster's configuration applies).
type stepRequest struct {
	Name           string               `json:"name"`
	Owner          string               `json:"user"`
	IsTest         bool                 `json:"is_test"`
	CustomMetadata json.RawMessage      `json:"custom_metadata"`
	StepConfig     json.RawMessage      `json:"step_config"`
	ClusterConfig  clusterConfigRequest `json:"cluster_config"`
	Credentials    stepmill.Credentials `json:"credentials"`
}

func decodeRequest(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return NewParseRequestError(err)
	}
	return nil
}

func (req *stepRequest) check() error {
	if req.Owner == "" {
		return NewParseRequestError(errors.New("user is required"))
	}
	if len(req.StepConfig) == 0 {
		return NewParseRequestError(errors.New("step_config is required"))
	}
	return nil
}

func (disp *dispatcher) apiCreateStep(ctx context.Context, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req stepRequest
	if err := decodeRequest(r, &req); err != nil {
		return nil, err
	}
	if err := req.check(); err != nil {
		return nil, err
	}
	lc, hash, err := disp.generateLaunchConfig(ctx, req.ClusterConfig)
	if err != nil {
		return nil, err
	}
	step := &stepmill.Step{
		Name:           req.Name,
		Owner:          req.Owner,
		IsTest:         req.IsTest,
		CustomMetadata: req.CustomMetadata,
		StepConfig:     req.StepConfig,
		LaunchConfig:   lc,
		ConfigHash:     hash,
		Credentials:    req.Credentials,
	}
	cp, err := disp.factory(step.Credentials)
	if err != nil {
		return nil, NewWorkUnitCreationError("step", err)
	}
	if err := flow.RegisterStep(ctx, cp, step); err != nil {
		return nil, NewWorkUnitCreationError("step", err)
	}
	if err := disp.store.AddStep(ctx, step); err != nil {
		return nil, err
	}
	disp.recordCount(metricStepCreated, step.Owner, step.IsTest)
	disp.notifier.StepsAvailable(step.ID)
	return step, nil
}

func (disp *dispatcher) apiListSteps(ctx context.Context, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return disp.store.ListSteps(ctx)
}

func (disp *dispatcher) apiGetStep(ctx context.Context, r *http.Request, params httprouter.Params) (interface{}, error) {
	id, err := stepID(params)
	if err != nil {
		return nil, err
	}
	return disp.store.GetStep(ctx, id)
}

func (disp *dispatcher) apiCancelStep(ctx context.Context, r *http.Request, params httprouter.Params) (interface{}, error) {
	id, err := stepID(params)
	if err != nil {
		return nil, err
	}
	var req struct {
		Owner string `json:"user"`
	}
	if err := decodeRequest(r, &req); err != nil {
		return nil, err
	}
	step, err := disp.store.GetStep(ctx, id)
	if err != nil {
		return nil, err
	}
	if step.Owner != req.Owner {
		return nil, httpserver.Errorf(http.StatusForbidden, "step %d does not belong to %q", id, req.Owner)
	}
	if step.Status.Terminal() {
		return nil, httpserver.Errorf(http.StatusConflict, "step %d is already %s", id, step.Status)
	}
	hostStatus := stepmill.ClusterStatus("")
	if step.ClusterID != "" {
		cluster, err := disp.store.GetCluster(ctx, step.ClusterID)
		if errors.Is(err, stepstore.ErrNotFound) {
			// Unknown cluster: nothing left to cancel on.
			hostStatus = stepmill.ClusterStatusTerminated
		} else if err != nil {
			return nil, err
		} else {
			hostStatus = cluster.Status
		}
	}
	cp, err := disp.factory(step.Credentials)
	if err != nil {
		return nil, err
	}
	// A failed remote cancel still lands the step in CANCEL_ERROR;
	// persist that and let the response status field tell the
	// story.
	if err := flow.CancelStep(ctx, cp, disp.newLimiter(), step, hostStatus); err != nil {
		disp.logger.WithError(err).WithField("StepID", id).Warn("cannot cancel step")
	}
	if err := disp.store.SaveStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

func stepID(params httprouter.Params) (int64, error) {
	id, err := strconv.ParseInt(params.ByName("id"), 10, 64)
	if err != nil {
		return 0, NewParseRequestError(err)
	}
	return id, nil
}

func (disp *dispatcher) recordCount(name, owner string, isTest bool) {
	err := disp.sink.RecordCount(name, map[string]string{
		"owner":   owner,
		"is_test": strconv.FormatBool(isTest),
	})
	if err != nil {
		disp.logger.WithError(err).WithField("metric", name).Warn("cannot record metric")
	}
}
