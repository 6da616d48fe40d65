// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stepmill

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Cluster is a stepmill#cluster resource: one EMR cluster tracked by
// the pool, either provisioned by the scheduler or registered on
// behalf of a user.
type Cluster struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Status             ClusterStatus     `json:"status"`
	ManagedByScheduler bool              `json:"managed_by_scheduler"`
	Owner              string            `json:"user"`
	LaunchConfig       LaunchConfig      `json:"job_flow_config,omitempty"`
	ConfigHash         string            `json:"config_hash,omitempty"`
	Credentials        Credentials       `json:"-"`
	AssignedSteps      []string          `json:"assigned_steps"`
	TerminateOn        *time.Time        `json:"terminate_on"`
	Snapshot           json.RawMessage   `json:"properties,omitempty"`
	IPAddress          string            `json:"ip_address,omitempty"`
	LogsURI            string            `json:"logs_uri,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
	CreatedOn          *time.Time        `json:"created_on"`
	ReadyOn            *time.Time        `json:"ready_on"`
	EndedOn            *time.Time        `json:"ended_on"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// ClusterStatus is a string corresponding to a valid Cluster status.
type ClusterStatus string

const (
	ClusterStatusStarting             = ClusterStatus("STARTING")
	ClusterStatusBootstrapping        = ClusterStatus("BOOTSTRAPPING")
	ClusterStatusRunning              = ClusterStatus("RUNNING")
	ClusterStatusWaiting              = ClusterStatus("WAITING")
	ClusterStatusTerminating          = ClusterStatus("TERMINATING")
	ClusterStatusTerminated           = ClusterStatus("TERMINATED")
	ClusterStatusTerminatedWithErrors = ClusterStatus("TERMINATED_WITH_ERRORS")
	ClusterStatusError                = ClusterStatus("ERROR")
	ClusterStatusExpiredToken         = ClusterStatus("EXPIRED_TOKEN")
	// ClusterStatusNoUpdate is never stored: it tells the caller to
	// leave the current status as is.
	ClusterStatusNoUpdate = ClusterStatus("NO_UPDATE")
)

// ClusterTerminalStatuses are the statuses a cluster cannot leave.
var ClusterTerminalStatuses = []ClusterStatus{
	ClusterStatusTerminated,
	ClusterStatusTerminatedWithErrors,
	ClusterStatusExpiredToken,
}

// Terminal returns true if a cluster with this status is gone for
// good and must not be reconciled, assigned to, or terminated again.
func (s ClusterStatus) Terminal() bool {
	for _, ts := range ClusterTerminalStatuses {
		if s == ts {
			return true
		}
	}
	return false
}

// Idle returns true if a cluster with this status is up and has no
// work in flight, i.e. it can accept a new step.
func (s ClusterStatus) Idle() bool {
	return s == ClusterStatusWaiting
}

// ApplySnapshot records the given DescribeCluster payload as the
// cluster's latest snapshot and refreshes the fields derived from it:
// master IP address, logs URI, tags, and the remote timeline. It
// returns the remote status. The cluster's own Status field is left
// alone.
func (c *Cluster) ApplySnapshot(raw []byte) (ClusterStatus, error) {
	var snap struct {
		Cluster struct {
			Status struct {
				State    ClusterStatus
				Timeline struct {
					CreationDateTime *time.Time
					ReadyDateTime    *time.Time
					EndDateTime      *time.Time
				}
			}
			LogUri              string
			MasterPublicDnsName string
			Tags                []struct {
				Key   string
				Value string
			}
		}
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", err
	}
	if snap.Cluster.Status.State == "" {
		return "", errors.New("cluster snapshot has no Status.State")
	}
	c.Snapshot = append([]byte(nil), raw...)
	c.IPAddress = masterIPAddress(snap.Cluster.MasterPublicDnsName)
	if snap.Cluster.LogUri != "" {
		c.LogsURI = JoinURI(snap.Cluster.LogUri, c.ID)
	}
	if len(snap.Cluster.Tags) > 0 {
		c.Tags = map[string]string{}
		for _, tag := range snap.Cluster.Tags {
			c.Tags[tag.Key] = tag.Value
		}
	}
	c.CreatedOn = snap.Cluster.Status.Timeline.CreationDateTime
	c.ReadyOn = snap.Cluster.Status.Timeline.ReadyDateTime
	c.EndedOn = snap.Cluster.Status.Timeline.EndDateTime
	return snap.Cluster.Status.State, nil
}

// StepLogsURI returns the logs location for a step placed on this
// cluster, or "" if the cluster's own logs URI is still unknown.
func (c *Cluster) StepLogsURI(remoteStepID string) string {
	if c.LogsURI == "" || remoteStepID == "" {
		return ""
	}
	return JoinURI(c.LogsURI, "steps", remoteStepID)
}

// JoinURI joins path elements onto a base URI with single slashes,
// without collapsing the scheme's "//" the way path.Join would.
func JoinURI(base string, elems ...string) string {
	s := strings.TrimSuffix(base, "/")
	for _, e := range elems {
		s += "/" + strings.Trim(e, "/")
	}
	return s
}

// masterIPAddress converts an EMR master node DNS name like
// "ip-10-63-57-26.ec2.internal" to "10.63.57.26". It returns "" if
// the name does not look like an ip-encoded hostname.
func masterIPAddress(dnsName string) string {
	host, _, _ := strings.Cut(dnsName, ".")
	ip, ok := strings.CutPrefix(host, "ip-")
	if !ok || ip == "" {
		return ""
	}
	return strings.ReplaceAll(ip, "-", ".")
}
