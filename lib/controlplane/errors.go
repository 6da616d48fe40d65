// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package controlplane

import (
	"errors"
	"fmt"
	"strings"
)

// CreateClusterError wraps a failure to provision a cluster: the
// remote API rejected the launch configuration, or throttled the
// request.
type CreateClusterError struct {
	err error
}

func (e *CreateClusterError) Error() string { return fmt.Sprintf("cannot create cluster: %s", e.err) }
func (e *CreateClusterError) Unwrap() error { return e.err }

// UnableToAssignError wraps a failure to add steps to a cluster.
type UnableToAssignError struct {
	ClusterID string
	err       error
}

func (e *UnableToAssignError) Error() string {
	return fmt.Sprintf("cannot assign steps to cluster %s: %s", e.ClusterID, e.err)
}
func (e *UnableToAssignError) Unwrap() error { return e.err }

// UpdateStatusError wraps a failed describe call. StepID is empty if
// the failed call was for the cluster itself.
type UpdateStatusError struct {
	ClusterID string
	StepID    string
	err       error
}

func (e *UpdateStatusError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("cannot update status of step %s on cluster %s: %s", e.StepID, e.ClusterID, e.err)
	}
	return fmt.Sprintf("cannot update status of cluster %s: %s", e.ClusterID, e.err)
}
func (e *UpdateStatusError) Unwrap() error { return e.err }

// UnableToTerminateError wraps a failed terminate call.
type UnableToTerminateError struct {
	ClusterID string
	err       error
}

func (e *UnableToTerminateError) Error() string {
	return fmt.Sprintf("cannot terminate cluster %s: %s", e.ClusterID, e.err)
}
func (e *UnableToTerminateError) Unwrap() error { return e.err }

// CancelError wraps a failed step cancellation.
type CancelError struct {
	ClusterID string
	StepID    string
	err       error
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("cannot cancel step %s on cluster %s: %s", e.StepID, e.ClusterID, e.err)
}
func (e *CancelError) Unwrap() error { return e.err }

// CredentialsError wraps a failed credential check: the supplied
// credentials are invalid, expired, or under-privileged.
type CredentialsError struct {
	err error
}

func (e *CredentialsError) Error() string { return fmt.Sprintf("invalid credentials: %s", e.err) }
func (e *CredentialsError) Unwrap() error { return e.err }

// Constructors for use outside this package (stub control planes,
// API handlers wrapping their own remote calls).

func NewCreateClusterError(err error) error { return &CreateClusterError{err: err} }

func NewUnableToAssignError(clusterID string, err error) error {
	return &UnableToAssignError{ClusterID: clusterID, err: err}
}

func NewUpdateStatusError(clusterID, stepID string, err error) error {
	return &UpdateStatusError{ClusterID: clusterID, StepID: stepID, err: err}
}

func NewUnableToTerminateError(clusterID string, err error) error {
	return &UnableToTerminateError{ClusterID: clusterID, err: err}
}

func NewCancelError(clusterID, stepID string, err error) error {
	return &CancelError{ClusterID: clusterID, StepID: stepID, err: err}
}

func NewCredentialsError(err error) error { return &CredentialsError{err: err} }

// IsExpiredToken reports whether err (or anything it wraps)
// indicates a revoked or expired security token. Callers use this to
// force EXPIRED_TOKEN status regardless of the operation's nominal
// error status.
func IsExpiredToken(err error) bool {
	for ; err != nil; err = errors.Unwrap(err) {
		msg := err.Error()
		if strings.Contains(msg, "ExpiredToken") || strings.Contains(msg, "RequestExpired") {
			return true
		}
	}
	return false
}
