// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stepmill/stepmill/lib/controlplane"
	"github.com/stepmill/stepmill/sdk/go/ctxlog"
	"github.com/stepmill/stepmill/sdk/go/stepmill"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&SchedulerSuite{})

type SchedulerSuite struct{}

// stubStore is an in-memory scheduler.Store.
type stubStore struct {
	unassigned []*stepmill.Step
	active     []*stepmill.Step
	clusters   []*stepmill.Cluster
	idle       []*stepmill.Cluster
	expired    []*stepmill.Cluster

	added         []*stepmill.Cluster
	savedSteps    int
	savedClusters int
}

func (st *stubStore) UnassignedSteps(ctx context.Context, ids []int64) ([]*stepmill.Step, error) {
	if len(ids) == 0 {
		return st.unassigned, nil
	}
	want := map[int64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var steps []*stepmill.Step
	for _, step := range st.unassigned {
		if want[step.ID] {
			steps = append(steps, step)
		}
	}
	return steps, nil
}

func (st *stubStore) ActiveSteps(ctx context.Context) ([]*stepmill.Step, error) {
	return st.active, nil
}

func (st *stubStore) SaveStep(ctx context.Context, step *stepmill.Step) error {
	st.savedSteps++
	return nil
}

func (st *stubStore) ActiveClusters(ctx context.Context) ([]*stepmill.Cluster, error) {
	return st.clusters, nil
}

func (st *stubStore) IdleManagedClusters(ctx context.Context) ([]*stepmill.Cluster, error) {
	return st.idle, nil
}

func (st *stubStore) ExpiredClusters(ctx context.Context, now time.Time) ([]*stepmill.Cluster, error) {
	return st.expired, nil
}

func (st *stubStore) AddClusterNow(ctx context.Context, cluster *stepmill.Cluster) error {
	st.added = append(st.added, cluster)
	return nil
}

func (st *stubStore) SaveCluster(ctx context.Context, cluster *stepmill.Cluster) error {
	st.savedClusters++
	return nil
}

// stubControlPlane is shared by every entity in a test pass, so it
// must tolerate the two concurrent reconciliation streams.
type stubControlPlane struct {
	mtx      sync.Mutex
	creates  int
	adds     int
	terms    []string
	describe []string

	createErr    error
	addErr       error
	termErr      error
	clusterSnaps map[string]json.RawMessage
	stepSnaps    map[string]json.RawMessage
}

func (cp *stubControlPlane) CreateCluster(ctx context.Context, lc stepmill.LaunchConfig) (string, error) {
	cp.mtx.Lock()
	defer cp.mtx.Unlock()
	if cp.createErr != nil {
		return "", cp.createErr
	}
	cp.creates++
	return fmt.Sprintf("j-NEW%d", cp.creates), nil
}

func (cp *stubControlPlane) AddSteps(ctx context.Context, clusterID string, stepConfigs []json.RawMessage) ([]string, error) {
	cp.mtx.Lock()
	defer cp.mtx.Unlock()
	if cp.addErr != nil {
		return nil, cp.addErr
	}
	cp.adds++
	return []string{fmt.Sprintf("s-NEW%d", cp.adds)}, nil
}

func (cp *stubControlPlane) DescribeCluster(ctx context.Context, clusterID string) (json.RawMessage, error) {
	cp.mtx.Lock()
	defer cp.mtx.Unlock()
	cp.describe = append(cp.describe, clusterID)
	snap, ok := cp.clusterSnaps[clusterID]
	if !ok {
		return nil, controlplane.NewUpdateStatusError(clusterID, "", errors.New("Throttling"))
	}
	return snap, nil
}

func (cp *stubControlPlane) DescribeStep(ctx context.Context, clusterID, stepID string) (json.RawMessage, error) {
	cp.mtx.Lock()
	defer cp.mtx.Unlock()
	cp.describe = append(cp.describe, stepID)
	snap, ok := cp.stepSnaps[stepID]
	if !ok {
		return nil, controlplane.NewUpdateStatusError(clusterID, stepID, errors.New("Throttling"))
	}
	return snap, nil
}

func (cp *stubControlPlane) TerminateCluster(ctx context.Context, clusterID string) error {
	cp.mtx.Lock()
	defer cp.mtx.Unlock()
	if cp.termErr != nil {
		return cp.termErr
	}
	cp.terms = append(cp.terms, clusterID)
	return nil
}

func (cp *stubControlPlane) CancelStep(ctx context.Context, clusterID, stepID string) error {
	return nil
}

func (cp *stubControlPlane) CheckCredentials(ctx context.Context) error {
	return nil
}

type stubSink struct {
	counts []string
	err    error
}

func (s *stubSink) RecordCount(name string, tags map[string]string) error {
	s.counts = append(s.counts, name)
	return s.err
}

func newTestScheduler(c *check.C, store *stubStore, cp *stubControlPlane, sink MetricsSink) *Scheduler {
	factory := func(creds stepmill.Credentials) (controlplane.ControlPlane, error) {
		return cp, nil
	}
	dispatch := stepmill.DispatchConfig{
		IdleGrace: stepmill.Duration(15 * time.Minute),
	}
	return New(ctxlog.TestLogger(c), store, factory, sink, dispatch)
}

func unassignedStep(id int64, hash string) *stepmill.Step {
	return &stepmill.Step{
		ID:         id,
		Name:       fmt.Sprintf("step-%d", id),
		Status:     stepmill.StepStatusUnassigned,
		ConfigHash: hash,
		StepConfig: json.RawMessage(`{"Name":"work"}`),
	}
}

func idleCluster(id, hash string) *stepmill.Cluster {
	return &stepmill.Cluster{
		ID:                 id,
		Status:             stepmill.ClusterStatusWaiting,
		ManagedByScheduler: true,
		ConfigHash:         hash,
	}
}

func (s *SchedulerSuite) TestAssignReusesIdleClustersOldestFirst(c *check.C) {
	store := &stubStore{
		unassigned: []*stepmill.Step{unassignedStep(1, "aaa"), unassignedStep(2, "aaa")},
		idle:       []*stepmill.Cluster{idleCluster("j-OLD", "aaa"), idleCluster("j-NEWER", "aaa")},
	}
	cp := &stubControlPlane{}
	sink := &stubSink{}
	err := newTestScheduler(c, store, cp, sink).RunPass(context.Background(), nil)
	c.Assert(err, check.IsNil)
	c.Check(cp.creates, check.Equals, 0)
	c.Check(store.added, check.HasLen, 0)
	c.Check(store.unassigned[0].ClusterID, check.Equals, "j-OLD")
	c.Check(store.unassigned[1].ClusterID, check.Equals, "j-NEWER")
	for _, step := range store.unassigned {
		c.Check(step.Status, check.Equals, stepmill.StepStatusPending)
	}
	c.Check(sink.counts, check.DeepEquals, []string{"stepmill_assignment_total", "stepmill_assignment_total"})
}

func (s *SchedulerSuite) TestAssignProvisionsOnMiss(c *check.C) {
	store := &stubStore{
		unassigned: []*stepmill.Step{unassignedStep(1, "aaa")},
		idle:       []*stepmill.Cluster{idleCluster("j-OTHER", "bbb")},
	}
	cp := &stubControlPlane{}
	err := newTestScheduler(c, store, cp, &stubSink{}).RunPass(context.Background(), nil)
	c.Assert(err, check.IsNil)
	c.Check(cp.creates, check.Equals, 1)
	c.Assert(store.added, check.HasLen, 1)
	cluster := store.added[0]
	c.Check(cluster.ID, check.Equals, "j-NEW1")
	c.Check(cluster.ManagedByScheduler, check.Equals, true)
	c.Check(cluster.Owner, check.Equals, "manager")
	c.Check(cluster.ConfigHash, check.Equals, "aaa")
	c.Check(store.unassigned[0].ClusterID, check.Equals, "j-NEW1")
	c.Check(store.unassigned[0].Status, check.Equals, stepmill.StepStatusPending)
}

func (s *SchedulerSuite) TestAssignDistinctHashes(c *check.C) {
	store := &stubStore{
		unassigned: []*stepmill.Step{
			unassignedStep(1, "aaa"), unassignedStep(2, "bbb"), unassignedStep(3, "ccc"),
		},
	}
	cp := &stubControlPlane{}
	err := newTestScheduler(c, store, cp, &stubSink{}).RunPass(context.Background(), nil)
	c.Assert(err, check.IsNil)
	c.Check(cp.creates, check.Equals, 3)
	c.Check(store.added, check.HasLen, 3)
}

func (s *SchedulerSuite) TestAssignRestrictedToTriggerIDs(c *check.C) {
	store := &stubStore{
		unassigned: []*stepmill.Step{unassignedStep(1, "aaa"), unassignedStep(2, "aaa")},
	}
	cp := &stubControlPlane{}
	err := newTestScheduler(c, store, cp, &stubSink{}).RunPass(context.Background(), []int64{2})
	c.Assert(err, check.IsNil)
	c.Check(store.unassigned[0].Status, check.Equals, stepmill.StepStatusUnassigned)
	c.Check(store.unassigned[1].Status, check.Equals, stepmill.StepStatusPending)
}

func (s *SchedulerSuite) TestAssignBadConfigContinues(c *check.C) {
	store := &stubStore{
		unassigned: []*stepmill.Step{unassignedStep(1, "aaa"), unassignedStep(2, "aaa")},
		idle:       []*stepmill.Cluster{idleCluster("j-A", "aaa"), idleCluster("j-B", "aaa")},
	}
	cp := &stubControlPlane{addErr: controlplane.NewUnableToAssignError("j-A", errors.New("ValidationException"))}
	err := newTestScheduler(c, store, cp, &stubSink{}).RunPass(context.Background(), nil)
	c.Assert(err, check.IsNil)
	// Both steps were attempted: failure terminalizes only the one
	// step.
	c.Check(store.unassigned[0].Status, check.Equals, stepmill.StepStatusBadConfig)
	c.Check(store.unassigned[1].Status, check.Equals, stepmill.StepStatusBadConfig)
	c.Check(store.savedSteps, check.Equals, 2)
}

func (s *SchedulerSuite) TestAssignCreateErrorIsBadConfig(c *check.C) {
	store := &stubStore{unassigned: []*stepmill.Step{unassignedStep(1, "aaa")}}
	cp := &stubControlPlane{createErr: controlplane.NewCreateClusterError(errors.New("ValidationException"))}
	err := newTestScheduler(c, store, cp, &stubSink{}).RunPass(context.Background(), nil)
	c.Assert(err, check.IsNil)
	c.Check(store.unassigned[0].Status, check.Equals, stepmill.StepStatusBadConfig)
	c.Check(store.added, check.HasLen, 0)
}

func (s *SchedulerSuite) TestAssignOtherErrorIsError(c *check.C) {
	store := &stubStore{
		unassigned: []*stepmill.Step{unassignedStep(1, "aaa")},
		idle:       []*stepmill.Cluster{idleCluster("j-A", "aaa")},
	}
	cp := &stubControlPlane{addErr: errors.New("connection reset")}
	err := newTestScheduler(c, store, cp, &stubSink{}).RunPass(context.Background(), nil)
	c.Assert(err, check.IsNil)
	c.Check(store.unassigned[0].Status, check.Equals, stepmill.StepStatusError)
}

func (s *SchedulerSuite) TestReconcileSweep(c *check.C) {
	snap := func(state string) json.RawMessage {
		return json.RawMessage(fmt.Sprintf(`{"Cluster":{"Status":{"State":%q},"LogUri":"s3://logs/"}}`, state))
	}
	stepSnap := func(state string) json.RawMessage {
		return json.RawMessage(fmt.Sprintf(`{"Step":{"Status":{"State":%q}}}`, state))
	}
	store := &stubStore{
		clusters: []*stepmill.Cluster{
			{ID: "j-OK", Status: stepmill.ClusterStatusStarting},
			{ID: "j-FLAKY", Status: stepmill.ClusterStatusRunning},
		},
		active: []*stepmill.Step{
			{ID: 1, ClusterID: "j-OK", RemoteID: "s-OK", Status: stepmill.StepStatusPending},
			{ID: 2, ClusterID: "j-FLAKY", RemoteID: "s-FLAKY", Status: stepmill.StepStatusRunning},
		},
	}
	cp := &stubControlPlane{
		clusterSnaps: map[string]json.RawMessage{"j-OK": snap("RUNNING")},
		stepSnaps:    map[string]json.RawMessage{"s-OK": stepSnap("RUNNING")},
	}
	err := newTestScheduler(c, store, cp, &stubSink{}).RunPass(context.Background(), nil)
	c.Assert(err, check.IsNil)
	c.Check(store.clusters[0].Status, check.Equals, stepmill.ClusterStatusRunning)
	// Describe failure keeps the previous status.
	c.Check(store.clusters[1].Status, check.Equals, stepmill.ClusterStatusRunning)
	c.Check(store.active[0].Status, check.Equals, stepmill.StepStatusRunning)
	c.Check(store.active[1].Status, check.Equals, stepmill.StepStatusRunning)
	// Everything reconciled was saved, before assignment ran.
	c.Check(store.savedClusters, check.Equals, 2)
	c.Check(store.savedSteps, check.Equals, 2)
}

func (s *SchedulerSuite) TestReconcileArmsIdleDeadline(c *check.C) {
	store := &stubStore{
		clusters: []*stepmill.Cluster{{ID: "j-IDLE", Status: stepmill.ClusterStatusRunning, ManagedByScheduler: true}},
	}
	cp := &stubControlPlane{
		clusterSnaps: map[string]json.RawMessage{
			"j-IDLE": json.RawMessage(`{"Cluster":{"Status":{"State":"WAITING"}}}`),
		},
	}
	err := newTestScheduler(c, store, cp, &stubSink{}).RunPass(context.Background(), nil)
	c.Assert(err, check.IsNil)
	c.Check(store.clusters[0].Status, check.Equals, stepmill.ClusterStatusWaiting)
	c.Assert(store.clusters[0].TerminateOn, check.NotNil)
	c.Check(time.Until(*store.clusters[0].TerminateOn) <= 15*time.Minute, check.Equals, true)
}

func (s *SchedulerSuite) TestExpirySweep(c *check.C) {
	store := &stubStore{
		expired: []*stepmill.Cluster{
			{ID: "j-EXPIRED1", Status: stepmill.ClusterStatusWaiting},
			{ID: "j-EXPIRED2", Status: stepmill.ClusterStatusWaiting},
		},
	}
	cp := &stubControlPlane{}
	err := newTestScheduler(c, store, cp, &stubSink{}).RunPass(context.Background(), nil)
	c.Assert(err, check.IsNil)
	c.Check(cp.terms, check.DeepEquals, []string{"j-EXPIRED1", "j-EXPIRED2"})
	for _, cluster := range store.expired {
		c.Check(cluster.Status, check.Equals, stepmill.ClusterStatusTerminated)
	}
	c.Check(store.savedClusters, check.Equals, 2)
}

func (s *SchedulerSuite) TestExpiryTerminateFailureTolerated(c *check.C) {
	store := &stubStore{
		expired: []*stepmill.Cluster{{ID: "j-STUCK", Status: stepmill.ClusterStatusWaiting}},
	}
	cp := &stubControlPlane{termErr: controlplane.NewUnableToTerminateError("j-STUCK", errors.New("InternalServerError"))}
	err := newTestScheduler(c, store, cp, &stubSink{}).RunPass(context.Background(), nil)
	c.Assert(err, check.IsNil)
	c.Check(store.expired[0].Status, check.Equals, stepmill.ClusterStatusTerminatedWithErrors)
	c.Check(store.savedClusters, check.Equals, 1)
}

func (s *SchedulerSuite) TestMetricsFailureTolerated(c *check.C) {
	store := &stubStore{unassigned: []*stepmill.Step{unassignedStep(1, "aaa")}}
	cp := &stubControlPlane{}
	sink := &stubSink{err: errors.New("collector gone")}
	err := newTestScheduler(c, store, cp, sink).RunPass(context.Background(), nil)
	c.Assert(err, check.IsNil)
	c.Check(store.unassigned[0].Status, check.Equals, stepmill.StepStatusPending)
}
