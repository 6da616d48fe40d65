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
	"github.com/stepmill/stepmill/lib/dispatchemr/flow"
	"github.com/stepmill/stepmill/sdk/go/httpserver"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// clusterRequest is the body of POST /stepmill/v1/clusters.
type clusterRequest struct {
	Name            string               `json:"name"`
	Owner           string               `json:"user"`
	ClusterConfig   clusterConfigRequest `json:"cluster_config"`
	Credentials     stepmill.Credentials `json:"credentials"`
	LifetimeMinutes int                  `json:"lifetime_minutes"`
}

// clusterView decorates a cluster with the minutes left until its
// termination deadline.
type clusterView struct {
	*stepmill.Cluster
	MinutesRemaining *int `json:"minutes_remaining"`
}

func viewCluster(cluster *stepmill.Cluster) clusterView {
	view := clusterView{Cluster: cluster}
	if cluster.TerminateOn != nil {
		minutes := int(time.Until(*cluster.TerminateOn).Minutes())
		if minutes < 0 {
			minutes = 0
		}
		view.MinutesRemaining = &minutes
	}
	return view
}

func viewClusters(clusters []*stepmill.Cluster) []clusterView {
	views := make([]clusterView, 0, len(clusters))
	for _, cluster := range clusters {
		views = append(views, viewCluster(cluster))
	}
	return views
}

// apiCreateCluster registers a user cluster: provision it right away
// and give it the requested lifetime (default
// Dispatch.UserClusterLifetime). The scheduler reconciles and expires
// it but never assigns unassigned steps to it; work arrives via
// direct insertion.
func (disp *dispatcher) apiCreateCluster(ctx context.Context, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req clusterRequest
	if err := decodeRequest(r, &req); err != nil {
		return nil, err
	}
	if req.Owner == "" {
		return nil, NewParseRequestError(errors.New("user is required"))
	}
	lc, hash, err := disp.generateLaunchConfig(ctx, req.ClusterConfig)
	if err != nil {
		return nil, err
	}
	cluster := &stepmill.Cluster{
		Name:         req.Name,
		Owner:        req.Owner,
		LaunchConfig: lc,
		ConfigHash:   hash,
		Credentials:  req.Credentials,
	}
	cp, err := disp.factory(cluster.Credentials)
	if err != nil {
		return nil, NewWorkUnitCreationError("cluster", err)
	}
	if err := flow.CreateCluster(ctx, cp, disp.newLimiter(), cluster); err != nil {
		return nil, NewWorkUnitCreationError("cluster", err)
	}
	lifetime := disp.Config.Dispatch.UserClusterLifetime.Duration()
	if req.LifetimeMinutes > 0 {
		lifetime = time.Duration(req.LifetimeMinutes) * time.Minute
	}
	deadline := time.Now().Add(lifetime)
	cluster.TerminateOn = &deadline
	if err := disp.store.AddCluster(ctx, cluster); err != nil {
		return nil, err
	}
	disp.recordCount(metricClusterCreated, cluster.Owner, false)
	return viewCluster(cluster), nil
}

func (disp *dispatcher) apiListClusters(ctx context.Context, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var managed *bool
	switch r.URL.Query().Get("managed") {
	case "":
	case "true":
		yes := true
		managed = &yes
	case "false":
		no := false
		managed = &no
	default:
		return nil, NewParseRequestError(errors.New("managed must be true or false"))
	}
	clusters, err := disp.store.ListClusters(ctx, managed)
	if err != nil {
		return nil, err
	}
	return viewClusters(clusters), nil
}

func (disp *dispatcher) apiGetCluster(ctx context.Context, r *http.Request, params httprouter.Params) (interface{}, error) {
	cluster, err := disp.store.GetCluster(ctx, params.ByName("id"))
	if err != nil {
		return nil, err
	}
	return viewCluster(cluster), nil
}

func (disp *dispatcher) apiTerminateCluster(ctx context.Context, r *http.Request, params httprouter.Params) (interface{}, error) {
	var req struct {
		Owner string `json:"user"`
	}
	if err := decodeRequest(r, &req); err != nil {
		return nil, err
	}
	cluster, err := disp.ownedCluster(ctx, params.ByName("id"), req.Owner)
	if err != nil {
		return nil, err
	}
	cp, err := disp.factory(cluster.Credentials)
	if err != nil {
		return nil, err
	}
	// Terminate failures leave TERMINATED_WITH_ERRORS on the
	// record; the response carries the outcome either way.
	if err := flow.TerminateCluster(ctx, cp, disp.newLimiter(), cluster); err != nil {
		disp.logger.WithError(err).WithField("ClusterID", cluster.ID).Warn("cannot terminate cluster")
	}
	if err := disp.store.SaveCluster(ctx, cluster); err != nil {
		return nil, err
	}
	return viewCluster(cluster), nil
}

func (disp *dispatcher) apiExtendCluster(ctx context.Context, r *http.Request, params httprouter.Params) (interface{}, error) {
	var req struct {
		Owner   string `json:"user"`
		Minutes int    `json:"minutes"`
	}
	if err := decodeRequest(r, &req); err != nil {
		return nil, err
	}
	if req.Minutes <= 0 {
		return nil, NewParseRequestError(errors.New("minutes must be greater than zero"))
	}
	cluster, err := disp.ownedCluster(ctx, params.ByName("id"), req.Owner)
	if err != nil {
		return nil, err
	}
	base := time.Now()
	if cluster.TerminateOn != nil && cluster.TerminateOn.After(base) {
		base = *cluster.TerminateOn
	}
	deadline := base.Add(time.Duration(req.Minutes) * time.Minute)
	cluster.TerminateOn = &deadline
	if err := disp.store.SaveCluster(ctx, cluster); err != nil {
		return nil, err
	}
	return viewCluster(cluster), nil
}

// apiInsertStep places a step directly on an existing cluster,
// bypassing assignment. The step inherits the cluster's launch
// configuration, and its credentials when the request has none.
func (disp *dispatcher) apiInsertStep(ctx context.Context, r *http.Request, params httprouter.Params) (interface{}, error) {
	var req stepRequest
	if err := decodeRequest(r, &req); err != nil {
		return nil, err
	}
	if err := req.check(); err != nil {
		return nil, err
	}
	cluster, err := disp.ownedCluster(ctx, params.ByName("id"), req.Owner)
	if err != nil {
		return nil, err
	}
	creds := req.Credentials
	if creds.Empty() {
		creds = cluster.Credentials
	}
	step := &stepmill.Step{
		Name:           req.Name,
		Owner:          req.Owner,
		IsTest:         req.IsTest,
		CustomMetadata: req.CustomMetadata,
		StepConfig:     req.StepConfig,
		LaunchConfig:   cluster.LaunchConfig,
		ConfigHash:     cluster.ConfigHash,
		Credentials:    creds,
	}
	cp, err := disp.factory(step.Credentials)
	if err != nil {
		return nil, NewWorkUnitCreationError("step", err)
	}
	if err := flow.AddStep(ctx, cp, disp.newLimiter(), cluster, step); err != nil {
		return nil, NewWorkUnitCreationError("step", err)
	}
	if err := disp.store.AddStep(ctx, step); err != nil {
		return nil, err
	}
	if err := disp.store.SaveCluster(ctx, cluster); err != nil {
		return nil, err
	}
	disp.recordCount(metricStepCreated, step.Owner, step.IsTest)
	return step, nil
}

// ownedCluster loads a cluster, checks ownership, and rejects
// mutations of terminal clusters.
func (disp *dispatcher) ownedCluster(ctx context.Context, id, owner string) (*stepmill.Cluster, error) {
	cluster, err := disp.store.GetCluster(ctx, id)
	if err != nil {
		return nil, err
	}
	if cluster.Owner != owner {
		return nil, httpserver.Errorf(http.StatusForbidden, "cluster %s does not belong to %q", id, owner)
	}
	if cluster.Status.Terminal() {
		return nil, httpserver.Errorf(http.StatusConflict, "cluster %s is already %s", id, cluster.Status)
	}
	return cluster, nil
}
