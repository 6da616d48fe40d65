// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package flow implements the cluster and step state machines: every
// state-changing operation runs inside a status bracket that maps its
// outcome to the entity's next status, so a failed remote call never
// leaves a stale status behind, and an expired credential is always
// distinguishable from an ordinary failure.
package flow

import (
	"github.com/stepmill/stepmill/lib/controlplane"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// runClusterOp runs fn and applies the status transition: onOK on
// success (unless empty), onErr on failure -- except that an expired
// credential always forces EXPIRED_TOKEN, and NO_UPDATE means "leave
// the current status alone". The original error is returned either
// way.
func runClusterOp(cluster *stepmill.Cluster, onErr, onOK stepmill.ClusterStatus, fn func() error) error {
	err := fn()
	if err != nil {
		if controlplane.IsExpiredToken(err) {
			cluster.Status = stepmill.ClusterStatusExpiredToken
		} else if onErr != stepmill.ClusterStatusNoUpdate {
			cluster.Status = onErr
		}
		return err
	}
	if onOK != "" {
		cluster.Status = onOK
	}
	return nil
}

// runStepOp is runClusterOp for steps.
func runStepOp(step *stepmill.Step, onErr, onOK stepmill.StepStatus, fn func() error) error {
	err := fn()
	if err != nil {
		if controlplane.IsExpiredToken(err) {
			step.Status = stepmill.StepStatusExpiredToken
		} else if onErr != stepmill.StepStatusNoUpdate {
			step.Status = onErr
		}
		return err
	}
	if onOK != "" {
		step.Status = onOK
	}
	return nil
}
