// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler runs scheduling passes: reconcile every
// non-terminal cluster and step against the control plane, assign
// unassigned steps to idle clusters (provisioning new ones on
// demand), and terminate clusters whose deadline has passed.
//
// A pass runs inside one database transaction supplied via the
// context (lib/ctrlctx); the caller is responsible for serializing
// passes (advisory lock) and committing. The only exception is
// cluster provisioning, which commits the new row in its own
// transaction immediately, so a crash mid-pass never leaves a running
// remote cluster unrecorded.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stepmill/stepmill/lib/controlplane"
	"github.com/stepmill/stepmill/lib/dispatchemr/quota"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
)

// Store is the slice of lib/stepstore the scheduler needs.
type Store interface {
	UnassignedSteps(ctx context.Context, ids []int64) ([]*stepmill.Step, error)
	ActiveSteps(ctx context.Context) ([]*stepmill.Step, error)
	SaveStep(ctx context.Context, step *stepmill.Step) error
	ActiveClusters(ctx context.Context) ([]*stepmill.Cluster, error)
	IdleManagedClusters(ctx context.Context) ([]*stepmill.Cluster, error)
	ExpiredClusters(ctx context.Context, now time.Time) ([]*stepmill.Cluster, error)
	AddClusterNow(ctx context.Context, cluster *stepmill.Cluster) error
	SaveCluster(ctx context.Context, cluster *stepmill.Cluster) error
}

// MetricsSink records best-effort business metrics. Failures are
// logged by the scheduler and never affect a pass.
type MetricsSink interface {
	RecordCount(name string, tags map[string]string) error
}

// Scheduler executes scheduling passes against one store and one
// control-plane factory.
type Scheduler struct {
	logger   logrus.FieldLogger
	store    Store
	factory  controlplane.Factory
	sink     MetricsSink
	dispatch stepmill.DispatchConfig
}

func New(logger logrus.FieldLogger, store Store, factory controlplane.Factory, sink MetricsSink, dispatch stepmill.DispatchConfig) *Scheduler {
	return &Scheduler{
		logger:   logger,
		store:    store,
		factory:  factory,
		sink:     sink,
		dispatch: dispatch,
	}
}

// RunPass executes one scheduling pass: reconcile, assign, expire.
// stepIDs restricts assignment to the given step ids; empty means all
// unassigned steps. Remote failures terminalize or skip individual
// entities; only store and transaction failures abort the pass.
func (sch *Scheduler) RunPass(ctx context.Context, stepIDs []int64) error {
	lim := quota.NewLimiter(sch.dispatch.Quota, sch.dispatch.FrequencyLimitCoefficient)
	if err := sch.reconcile(ctx, lim); err != nil {
		return err
	}
	if err := sch.assign(ctx, lim, stepIDs); err != nil {
		return err
	}
	return sch.expire(ctx, lim, time.Now())
}

// controlPlane opens a control plane for one entity's credentials.
func (sch *Scheduler) controlPlane(creds stepmill.Credentials) (controlplane.ControlPlane, error) {
	return sch.factory(creds)
}

func (sch *Scheduler) recordCount(name string, tags map[string]string) {
	if sch.sink == nil {
		return
	}
	if err := sch.sink.RecordCount(name, tags); err != nil {
		sch.logger.WithError(err).WithField("metric", name).Warn("cannot record metric")
	}
}
