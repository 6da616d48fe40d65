// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package flow

import (
	"context"

	"github.com/stepmill/stepmill/lib/controlplane"
	"github.com/stepmill/stepmill/lib/dispatchemr/quota"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// RegisterStep verifies a newly submitted step's credentials against
// the control plane. Status becomes UNASSIGNED on success (making the
// step eligible for assignment), FAILED on failure.
func RegisterStep(ctx context.Context, cp controlplane.ControlPlane, step *stepmill.Step) error {
	return runStepOp(step, stepmill.StepStatusFailed, stepmill.StepStatusUnassigned, func() error {
		return cp.CheckCredentials(ctx)
	})
}

// CheckInStep records a step's successful placement on a cluster:
// cluster id, remote id, logs location, and status PENDING. It does
// not talk to the control plane; the bracket exists so a failure to
// derive the step's fields still lands it in FAILED.
func CheckInStep(step *stepmill.Step, cluster *stepmill.Cluster, remoteID string) error {
	return runStepOp(step, stepmill.StepStatusFailed, stepmill.StepStatusPending, func() error {
		step.ClusterID = cluster.ID
		step.RemoteID = remoteID
		step.LogsURI = cluster.StepLogsURI(remoteID)
		return nil
	})
}

// ReconcileStep refreshes the step from the control plane and adopts
// the remote state as its status. hostLogsURI is the logs URI of the
// step's cluster, used to fill in the step's own logs location when
// check-in could not (the cluster's logs URI was still unknown). On
// failure the previous status is kept, unless the error indicates an
// expired credential.
func ReconcileStep(ctx context.Context, cp controlplane.ControlPlane, lim *quota.Limiter, step *stepmill.Step, hostLogsURI string) error {
	return runStepOp(step, stepmill.StepStatusNoUpdate, "", func() error {
		if err := lim.Acquire(ctx, quota.OpDescribeStep); err != nil {
			return err
		}
		raw, err := cp.DescribeStep(ctx, step.ClusterID, step.RemoteID)
		if err != nil {
			return err
		}
		state, err := step.ApplySnapshot(raw)
		if err != nil {
			return err
		}
		step.Status = state
		if step.LogsURI == "" && hostLogsURI != "" {
			step.LogsURI = stepmill.JoinURI(hostLogsURI, "steps", step.RemoteID)
		}
		return nil
	})
}

// CancelStep cancels a step. If the step was never placed on a
// cluster, or its cluster is already gone, there is nothing to cancel
// remotely and the step goes straight to CANCELLED. Otherwise the
// control plane is asked; CANCELLED on success, CANCEL_ERROR on
// failure.
func CancelStep(ctx context.Context, cp controlplane.ControlPlane, lim *quota.Limiter, step *stepmill.Step, hostStatus stepmill.ClusterStatus) error {
	return runStepOp(step, stepmill.StepStatusCancelError, stepmill.StepStatusCancelled, func() error {
		if step.RemoteID == "" || hostStatus.Terminal() {
			return nil
		}
		if err := lim.Acquire(ctx, quota.OpCancelSteps); err != nil {
			return err
		}
		return cp.CancelStep(ctx, step.ClusterID, step.RemoteID)
	})
}
