// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package flow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stepmill/stepmill/lib/controlplane"
	"github.com/stepmill/stepmill/lib/dispatchemr/quota"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// CreateCluster provisions the cluster remotely and records its
// remote id. Status becomes STARTING on success, ERROR on failure.
func CreateCluster(ctx context.Context, cp controlplane.ControlPlane, lim *quota.Limiter, cluster *stepmill.Cluster) error {
	return runClusterOp(cluster, stepmill.ClusterStatusError, stepmill.ClusterStatusStarting, func() error {
		if err := lim.Acquire(ctx, quota.OpRunJobFlow); err != nil {
			return err
		}
		id, err := cp.CreateCluster(ctx, cluster.LaunchConfig)
		if err != nil {
			return err
		}
		cluster.ID = id
		return nil
	})
}

// AddStep submits the step to the cluster and, on success, checks the
// step in (PENDING). The cluster's status is unchanged on success,
// but its termination deadline is cleared: an occupied cluster never
// auto-expires.
func AddStep(ctx context.Context, cp controlplane.ControlPlane, lim *quota.Limiter, cluster *stepmill.Cluster, step *stepmill.Step) error {
	var remoteID string
	err := runClusterOp(cluster, stepmill.ClusterStatusError, "", func() error {
		if err := lim.Acquire(ctx, quota.OpAddJobFlowSteps); err != nil {
			return err
		}
		ids, err := cp.AddSteps(ctx, cluster.ID, []json.RawMessage{step.StepConfig})
		if err != nil {
			return err
		}
		remoteID = ids[0]
		cluster.AssignedSteps = append(cluster.AssignedSteps, remoteID)
		cluster.TerminateOn = nil
		return nil
	})
	if err != nil {
		return err
	}
	return CheckInStep(step, cluster, remoteID)
}

// Reconcile refreshes the cluster from the control plane: snapshot,
// status, derived fields. If the cluster is observed idle with no
// termination deadline, a deadline of now+idleGrace is armed. On
// failure the previous status is kept (NO_UPDATE semantics), unless
// the error indicates an expired credential.
func ReconcileCluster(ctx context.Context, cp controlplane.ControlPlane, lim *quota.Limiter, cluster *stepmill.Cluster, now time.Time, idleGrace time.Duration) error {
	return runClusterOp(cluster, stepmill.ClusterStatusNoUpdate, "", func() error {
		if err := lim.Acquire(ctx, quota.OpDescribeCluster); err != nil {
			return err
		}
		raw, err := cp.DescribeCluster(ctx, cluster.ID)
		if err != nil {
			return err
		}
		state, err := cluster.ApplySnapshot(raw)
		if err != nil {
			return err
		}
		cluster.Status = state
		if state.Idle() && cluster.TerminateOn == nil {
			deadline := now.Add(idleGrace)
			cluster.TerminateOn = &deadline
		}
		return nil
	})
}

// TerminateCluster shuts the cluster down. TERMINATING is set before
// the remote call, TERMINATED on success, TERMINATED_WITH_ERRORS on
// failure.
func TerminateCluster(ctx context.Context, cp controlplane.ControlPlane, lim *quota.Limiter, cluster *stepmill.Cluster) error {
	cluster.Status = stepmill.ClusterStatusTerminating
	return runClusterOp(cluster, stepmill.ClusterStatusTerminatedWithErrors, stepmill.ClusterStatusTerminated, func() error {
		if err := lim.Acquire(ctx, quota.OpTerminateJobFlows); err != nil {
			return err
		}
		return cp.TerminateCluster(ctx, cluster.ID)
	})
}
