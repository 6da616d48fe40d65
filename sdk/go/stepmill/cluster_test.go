// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stepmill

import (
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ClusterSuite{})

type ClusterSuite struct{}

func (s *ClusterSuite) TestStatusPredicates(c *check.C) {
	for _, status := range []ClusterStatus{
		ClusterStatusTerminated,
		ClusterStatusTerminatedWithErrors,
		ClusterStatusExpiredToken,
	} {
		c.Check(status.Terminal(), check.Equals, true, check.Commentf("%s", status))
	}
	for _, status := range []ClusterStatus{
		ClusterStatusStarting,
		ClusterStatusBootstrapping,
		ClusterStatusRunning,
		ClusterStatusWaiting,
		ClusterStatusTerminating,
		ClusterStatusError,
	} {
		c.Check(status.Terminal(), check.Equals, false, check.Commentf("%s", status))
	}
	c.Check(ClusterStatusWaiting.Idle(), check.Equals, true)
	c.Check(ClusterStatusRunning.Idle(), check.Equals, false)
}

func (s *ClusterSuite) TestApplySnapshot(c *check.C) {
	snap := []byte(`{
		"Cluster": {
			"Id": "j-3H6EATQ56RMPL",
			"Name": "stepmill-managed",
			"Status": {
				"State": "WAITING",
				"Timeline": {
					"CreationDateTime": "2023-05-01T10:00:00Z",
					"ReadyDateTime": "2023-05-01T10:12:00Z"
				}
			},
			"LogUri": "s3://acme-emr-logs/jobs/",
			"MasterPublicDnsName": "ip-10-63-57-26.ec2.internal",
			"Tags": [{"Key": "team", "Value": "data"}]
		}
	}`)
	cluster := Cluster{ID: "j-3H6EATQ56RMPL", Status: ClusterStatusStarting}
	state, err := cluster.ApplySnapshot(snap)
	c.Assert(err, check.IsNil)
	c.Check(state, check.Equals, ClusterStatusWaiting)
	c.Check(cluster.Status, check.Equals, ClusterStatusStarting)
	c.Check(cluster.IPAddress, check.Equals, "10.63.57.26")
	c.Check(cluster.LogsURI, check.Equals, "s3://acme-emr-logs/jobs/j-3H6EATQ56RMPL")
	c.Check(cluster.Tags, check.DeepEquals, map[string]string{"team": "data"})
	c.Assert(cluster.CreatedOn, check.NotNil)
	c.Check(*cluster.CreatedOn, check.Equals, time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC))
	c.Assert(cluster.ReadyOn, check.NotNil)
	c.Check(cluster.EndedOn, check.IsNil)

	c.Check(cluster.StepLogsURI("s-2B2TXCPU4HOGA"), check.Equals,
		"s3://acme-emr-logs/jobs/j-3H6EATQ56RMPL/steps/s-2B2TXCPU4HOGA")
	c.Check(cluster.StepLogsURI(""), check.Equals, "")
}

func (s *ClusterSuite) TestApplySnapshotNoMaster(c *check.C) {
	cluster := Cluster{ID: "j-3H6EATQ56RMPL"}
	state, err := cluster.ApplySnapshot([]byte(`{"Cluster":{"Status":{"State":"STARTING"}}}`))
	c.Assert(err, check.IsNil)
	c.Check(state, check.Equals, ClusterStatusStarting)
	c.Check(cluster.IPAddress, check.Equals, "")
	c.Check(cluster.LogsURI, check.Equals, "")

	_, err = cluster.ApplySnapshot([]byte(`{"Cluster":{"Id":"j-3H6EATQ56RMPL"}}`))
	c.Check(err, check.ErrorMatches, `cluster snapshot has no Status\.State`)
}

func (s *ClusterSuite) TestJoinURI(c *check.C) {
	c.Check(JoinURI("s3://bucket/logs/", "j-1"), check.Equals, "s3://bucket/logs/j-1")
	c.Check(JoinURI("s3://bucket/logs", "j-1", "steps", "s-2"), check.Equals, "s3://bucket/logs/j-1/steps/s-2")
	c.Check(JoinURI("s3://bucket", "a/b"), check.Equals, "s3://bucket/a/b")
}

func (s *ClusterSuite) TestMasterIPAddress(c *check.C) {
	c.Check(masterIPAddress("ip-10-63-57-26.ec2.internal"), check.Equals, "10.63.57.26")
	c.Check(masterIPAddress("ip-172-31-0-5"), check.Equals, "172.31.0.5")
	c.Check(masterIPAddress(""), check.Equals, "")
	c.Check(masterIPAddress("master.example.com"), check.Equals, "")
}
