// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"time"

	"github.com/stepmill/stepmill/lib/dispatchemr/flow"
	"github.com/stepmill/stepmill/lib/dispatchemr/quota"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// expire terminates every non-terminal cluster whose termination
// deadline has passed, user-registered and scheduler-managed alike.
// Failures are recorded on the cluster (TERMINATED_WITH_ERRORS) and
// logged; the sweep continues with the next cluster either way.
func (sch *Scheduler) expire(ctx context.Context, lim *quota.Limiter, now time.Time) error {
	clusters, err := sch.store.ExpiredClusters(ctx, now)
	if err != nil {
		return err
	}
	for _, cluster := range clusters {
		logger := sch.logger.WithField("ClusterID", cluster.ID)
		cp, err := sch.controlPlane(cluster.Credentials)
		if err != nil {
			logger.WithError(err).Warn("cannot build control plane for expired cluster")
			cluster.Status = stepmill.ClusterStatusExpiredToken
		} else if err := flow.TerminateCluster(ctx, cp, lim, cluster); err != nil {
			logger.WithError(err).Warn("cannot terminate expired cluster")
		} else {
			logger.Info("expired cluster terminated")
		}
		if err := sch.store.SaveCluster(ctx, cluster); err != nil {
			return err
		}
	}
	return nil
}
