// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/stepmill/stepmill/lib/dispatchemr/flow"
	"github.com/stepmill/stepmill/lib/dispatchemr/quota"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// reconcile refreshes every non-terminal cluster and step from the
// control plane. The two remote streams run concurrently and share
// only the rate limiter; all loads happen before they start and all
// saves after both finish, because the pass transaction must not be
// used from more than one goroutine. Remote failures are logged and
// leave the entity's previous status in place (or EXPIRED_TOKEN when
// the credential is dead); they never abort the pass.
func (sch *Scheduler) reconcile(ctx context.Context, lim *quota.Limiter) error {
	clusters, err := sch.store.ActiveClusters(ctx)
	if err != nil {
		return err
	}
	steps, err := sch.store.ActiveSteps(ctx)
	if err != nil {
		return err
	}

	// Steps pick up their logs location from the host cluster as
	// known at the start of the pass; a URI discovered by the
	// concurrent cluster stream is used on the next pass.
	hostLogs := make(map[string]string, len(clusters))
	for _, cluster := range clusters {
		hostLogs[cluster.ID] = cluster.LogsURI
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, cluster := range clusters {
			sch.reconcileCluster(ctx, lim, cluster)
		}
	}()
	go func() {
		defer wg.Done()
		for _, step := range steps {
			sch.reconcileStep(ctx, lim, step, hostLogs[step.ClusterID])
		}
	}()
	wg.Wait()

	for _, cluster := range clusters {
		if err := sch.store.SaveCluster(ctx, cluster); err != nil {
			return err
		}
	}
	for _, step := range steps {
		if err := sch.store.SaveStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (sch *Scheduler) reconcileCluster(ctx context.Context, lim *quota.Limiter, cluster *stepmill.Cluster) {
	logger := sch.logger.WithField("ClusterID", cluster.ID)
	cp, err := sch.controlPlane(cluster.Credentials)
	if err != nil {
		logger.WithError(err).Warn("cannot build control plane for cluster")
		cluster.Status = stepmill.ClusterStatusExpiredToken
		return
	}
	err = flow.ReconcileCluster(ctx, cp, lim, cluster, time.Now(), sch.dispatch.IdleGrace.Duration())
	if err != nil {
		logger.WithError(err).Warn("cannot update cluster status")
	}
}

func (sch *Scheduler) reconcileStep(ctx context.Context, lim *quota.Limiter, step *stepmill.Step, hostLogsURI string) {
	logger := sch.logger.WithFields(map[string]interface{}{"StepID": step.ID, "ClusterID": step.ClusterID})
	cp, err := sch.controlPlane(step.Credentials)
	if err != nil {
		logger.WithError(err).Warn("cannot build control plane for step")
		step.Status = stepmill.StepStatusExpiredToken
		return
	}
	err = flow.ReconcileStep(ctx, cp, lim, step, hostLogsURI)
	if err != nil {
		logger.WithError(err).Warn("cannot update step status")
	}
}
