// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"errors"
	"strconv"

	"github.com/stepmill/stepmill/lib/controlplane"
	"github.com/stepmill/stepmill/lib/dispatchemr/flow"
	"github.com/stepmill/stepmill/lib/dispatchemr/quota"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// clusterBuckets holds idle scheduler-managed clusters grouped by
// launch-config hash, each group in oldest-first order.
type clusterBuckets map[string][]*stepmill.Cluster

func bucketClusters(clusters []*stepmill.Cluster) clusterBuckets {
	buckets := clusterBuckets{}
	for _, cluster := range clusters {
		buckets[cluster.ConfigHash] = append(buckets[cluster.ConfigHash], cluster)
	}
	return buckets
}

// pop removes and returns the oldest idle cluster with the given
// config hash, or nil.
func (b clusterBuckets) pop(hash string) *stepmill.Cluster {
	idle := b[hash]
	if len(idle) == 0 {
		return nil
	}
	b[hash] = idle[1:]
	return idle[0]
}

// assign places unassigned steps onto clusters. Steps whose launch
// config matches an idle scheduler-managed cluster reuse it, oldest
// first; the rest get a freshly provisioned cluster. Remote failures
// terminalize the single step (BAD_CONFIG for rejected
// configurations, ERROR otherwise) and assignment continues with the
// next one.
func (sch *Scheduler) assign(ctx context.Context, lim *quota.Limiter, stepIDs []int64) error {
	steps, err := sch.store.UnassignedSteps(ctx, stepIDs)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}
	idle, err := sch.store.IdleManagedClusters(ctx)
	if err != nil {
		return err
	}
	buckets := bucketClusters(idle)

	for _, step := range steps {
		logger := sch.logger.WithField("StepID", step.ID)
		cluster, err := sch.placeStep(ctx, lim, step, buckets)
		if err != nil {
			step.Status = assignmentStatus(err)
			logger.WithError(err).WithField("Status", step.Status).Warn("cannot assign step")
		} else {
			logger.WithField("ClusterID", cluster.ID).Info("step assigned")
			sch.recordCount("stepmill_assignment_total", map[string]string{
				"owner":   step.Owner,
				"is_test": strconv.FormatBool(step.IsTest),
			})
		}
		if cluster != nil {
			if err := sch.store.SaveCluster(ctx, cluster); err != nil {
				return err
			}
		}
		if err := sch.store.SaveStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// placeStep puts one step on a cluster, reusing an idle one when the
// config hash matches and provisioning otherwise. It returns the
// cluster (possibly with a failed status to be saved) and the
// assignment error, if any.
func (sch *Scheduler) placeStep(ctx context.Context, lim *quota.Limiter, step *stepmill.Step, buckets clusterBuckets) (*stepmill.Cluster, error) {
	cp, err := sch.controlPlane(step.Credentials)
	if err != nil {
		return nil, err
	}
	cluster := buckets.pop(step.ConfigHash)
	if cluster == nil {
		cluster, err = sch.provisionCluster(ctx, cp, lim, step)
		if err != nil {
			return nil, err
		}
	}
	if err := flow.AddStep(ctx, cp, lim, cluster, step); err != nil {
		return cluster, err
	}
	return cluster, nil
}

// provisionCluster creates a scheduler-managed cluster from the
// step's launch config and records it in its own immediately
// committed transaction, so the remote cluster is never unaccounted
// for if the pass transaction rolls back.
func (sch *Scheduler) provisionCluster(ctx context.Context, cp controlplane.ControlPlane, lim *quota.Limiter, step *stepmill.Step) (*stepmill.Cluster, error) {
	cluster := &stepmill.Cluster{
		Name:               step.Name,
		ManagedByScheduler: true,
		Owner:              "manager",
		LaunchConfig:       step.LaunchConfig,
		ConfigHash:         step.ConfigHash,
		Credentials:        step.Credentials,
	}
	if err := flow.CreateCluster(ctx, cp, lim, cluster); err != nil {
		return nil, err
	}
	if err := sch.store.AddClusterNow(ctx, cluster); err != nil {
		return nil, err
	}
	sch.recordCount("stepmill_cluster_created_total", map[string]string{
		"owner":   step.Owner,
		"is_test": strconv.FormatBool(step.IsTest),
	})
	return cluster, nil
}

// assignmentStatus maps an assignment error to the step's terminal
// status: rejected configurations are the submitter's problem
// (BAD_CONFIG), expired credentials always win, everything else is
// ERROR.
func assignmentStatus(err error) stepmill.StepStatus {
	if controlplane.IsExpiredToken(err) {
		return stepmill.StepStatusExpiredToken
	}
	var createErr *controlplane.CreateClusterError
	var assignErr *controlplane.UnableToAssignError
	if errors.As(err, &createErr) || errors.As(err, &assignErr) {
		return stepmill.StepStatusBadConfig
	}
	return stepmill.StepStatusError
}
