// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stepmill

import (
	"encoding/json"
	"errors"
	"time"
)

// Step is a stepmill#step resource: one unit of work to run on an EMR
// cluster, tracked from submission to its terminal status.
type Step struct {
	ID             int64           `json:"id"`
	RemoteID       string          `json:"step_id"`
	Name           string          `json:"name"`
	Status         StepStatus      `json:"status"`
	ClusterID      string          `json:"cluster_id"`
	Owner          string          `json:"user"`
	IsTest         bool            `json:"is_test"`
	CustomMetadata json.RawMessage `json:"custom_metadata,omitempty"`
	StepConfig     json.RawMessage `json:"step_config,omitempty"`
	LaunchConfig   LaunchConfig    `json:"job_flow_config,omitempty"`
	ConfigHash     string          `json:"config_hash,omitempty"`
	Credentials    Credentials     `json:"-"`
	Snapshot       json.RawMessage `json:"properties,omitempty"`
	LogsURI        string          `json:"logs_uri,omitempty"`
	CreatedOn      *time.Time      `json:"created_on"`
	StartedOn      *time.Time      `json:"started_on"`
	EndedOn        *time.Time      `json:"ended_on"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StepStatus is a string corresponding to a valid Step status. A
// reconciled step can also carry a transient remote state outside
// this list (e.g. "CANCEL_PENDING"); only the statuses named in
// StepTerminalStatuses stop further reconciliation.
type StepStatus string

const (
	StepStatusUnassigned   = StepStatus("UNASSIGNED")
	StepStatusPending      = StepStatus("PENDING")
	StepStatusRunning      = StepStatus("RUNNING")
	StepStatusCompleted    = StepStatus("COMPLETED")
	StepStatusCancelled    = StepStatus("CANCELLED")
	StepStatusFailed       = StepStatus("FAILED")
	StepStatusInterrupted  = StepStatus("INTERRUPTED")
	StepStatusBadConfig    = StepStatus("BAD_CONFIG")
	StepStatusError        = StepStatus("ERROR")
	StepStatusExpiredToken = StepStatus("EXPIRED_TOKEN")
	StepStatusCancelError  = StepStatus("CANCEL_ERROR")
	// StepStatusNoUpdate is never stored: it tells the caller to
	// leave the current status as is.
	StepStatusNoUpdate = StepStatus("NO_UPDATE")
)

// StepTerminalStatuses are the statuses a step cannot leave. A step
// in any other status is picked up by the next reconcile pass.
var StepTerminalStatuses = []StepStatus{
	StepStatusCompleted,
	StepStatusCancelled,
	StepStatusFailed,
	StepStatusInterrupted,
	StepStatusBadConfig,
	StepStatusError,
	StepStatusExpiredToken,
}

// Terminal returns true if a step with this status is finished and
// must not be reconciled, assigned, or cancelled again.
func (s StepStatus) Terminal() bool {
	for _, ts := range StepTerminalStatuses {
		if s == ts {
			return true
		}
	}
	return false
}

// ApplySnapshot records the given DescribeStep payload as the step's
// latest snapshot, refreshes the remote timeline fields, and returns
// the remote status. The step's own Status field is left alone.
func (s *Step) ApplySnapshot(raw []byte) (StepStatus, error) {
	var snap struct {
		Step struct {
			Status struct {
				State    StepStatus
				Timeline struct {
					CreationDateTime *time.Time
					StartDateTime    *time.Time
					EndDateTime      *time.Time
				}
			}
		}
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", err
	}
	if snap.Step.Status.State == "" {
		return "", errors.New("step snapshot has no Status.State")
	}
	s.Snapshot = append([]byte(nil), raw...)
	s.CreatedOn = snap.Step.Status.Timeline.CreationDateTime
	s.StartedOn = snap.Step.Status.Timeline.StartDateTime
	s.EndedOn = snap.Step.Status.Timeline.EndDateTime
	return snap.Step.Status.State, nil
}
